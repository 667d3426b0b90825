package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 10

// RedisBacklog keeps item order in a Redis list and item bodies in a hash. Multi-key updates run
// in WATCH/MULTI transactions and retry on conflict.
type RedisBacklog struct {
	client   *redis.Client
	orderKey string
	itemsKey string
}

func NewRedisBacklog(redisAddr, prefix string) (*RedisBacklog, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisBacklog{
		client:   client,
		orderKey: prefix + ":backlog",
		itemsKey: prefix + ":backlog:items",
	}, nil
}

func (q *RedisBacklog) Push(ctx context.Context, item *Item) error {
	itemJSON, err := item.ToJSON()
	if err != nil {
		return err
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.itemsKey, item.ID, itemJSON)
		pipe.RPush(ctx, q.orderKey, item.ID)
		return nil
	})

	return err
}

func (q *RedisBacklog) PushBatch(ctx context.Context, items []*Item) error {
	if len(items) == 0 {
		return nil
	}

	fields := make([]any, 0, 2*len(items))
	ids := make([]any, 0, len(items))
	for _, item := range items {
		itemJSON, err := item.ToJSON()
		if err != nil {
			return err
		}
		fields = append(fields, item.ID, itemJSON)
		ids = append(ids, item.ID)
	}

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.itemsKey, fields...)
		pipe.RPush(ctx, q.orderKey, ids...)
		return nil
	})

	return err
}

func (q *RedisBacklog) load(ctx context.Context, c redis.Cmdable) ([]*Item, error) {
	ids, err := c.LRange(ctx, q.orderKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := c.HMGet(ctx, q.itemsKey, ids...).Result()
	if err != nil {
		return nil, err
	}

	items := make([]*Item, 0, len(ids))
	for i, v := range values {
		data, ok := v.(string)
		if !ok {
			continue
		}

		item, err := ItemFromJSON(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode queue item %s: %w", ids[i], err)
		}
		item.Position = len(items)
		items = append(items, item)
	}

	return items, nil
}

func (q *RedisBacklog) List(ctx context.Context) ([]*Item, error) {
	return q.load(ctx, q.client)
}

func (q *RedisBacklog) Next(ctx context.Context) (*Item, error) {
	items, err := q.load(ctx, q.client)
	if err != nil {
		return nil, err
	}

	for _, item := range items {
		if !item.Paused {
			return item, nil
		}
	}

	return nil, nil
}

func (q *RedisBacklog) watch(ctx context.Context, fn func(*redis.Tx) error) error {
	for i := 0; i < maxTxRetries; i++ {
		err := q.client.Watch(ctx, fn, q.orderKey, q.itemsKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}

	return fmt.Errorf("backlog update conflicted %d times", maxTxRetries)
}

func (q *RedisBacklog) SetPaused(ctx context.Context, id string, paused bool) error {
	return q.watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, q.itemsKey, id).Result()
		if errors.Is(err, redis.Nil) {
			return itemNotFound(id)
		}
		if err != nil {
			return err
		}

		item, err := ItemFromJSON(data)
		if err != nil {
			return err
		}
		item.Paused = paused

		itemJSON, err := item.ToJSON()
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, q.itemsKey, id, itemJSON)
			return nil
		})
		return err
	})
}

func (q *RedisBacklog) Move(ctx context.Context, id string, newIndex int) error {
	return q.watch(ctx, func(tx *redis.Tx) error {
		ids, err := tx.LRange(ctx, q.orderKey, 0, -1).Result()
		if err != nil {
			return err
		}

		order, ok := moveID(ids, id, newIndex)
		if !ok {
			return itemNotFound(id)
		}

		values := make([]any, len(order))
		for i, v := range order {
			values[i] = v
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, q.orderKey)
			pipe.RPush(ctx, q.orderKey, values...)
			return nil
		})
		return err
	})
}

func (q *RedisBacklog) Remove(ctx context.Context, id string) (bool, error) {
	var deleted *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.orderKey, 0, id)
		deleted = pipe.HDel(ctx, q.itemsKey, id)
		return nil
	})
	if err != nil {
		return false, err
	}

	return deleted.Val() > 0, nil
}

func (q *RedisBacklog) Clear(ctx context.Context) error {
	return q.client.Del(ctx, q.orderKey, q.itemsKey).Err()
}

func (q *RedisBacklog) Close() error {
	return q.client.Close()
}
