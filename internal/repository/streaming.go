package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nadmax/nexarena/internal/domain"
	"github.com/redis/go-redis/v9"
)

type MemoryStreamingRepository struct {
	mu     sync.RWMutex
	states map[string]domain.StreamingState
}

func NewMemoryStreamingRepository() *MemoryStreamingRepository {
	return &MemoryStreamingRepository{states: make(map[string]domain.StreamingState)}
}

func (r *MemoryStreamingRepository) SetStreamingState(_ context.Context, state domain.StreamingState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[state.ResultID] = state
	return nil
}

func (r *MemoryStreamingRepository) ClearStreamingState(_ context.Context, resultID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, resultID)
	return nil
}

func (r *MemoryStreamingRepository) GetStreamingState(_ context.Context, resultID string) (*domain.StreamingState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.states[resultID]
	if !ok {
		return nil, domain.NotFound("no streaming state for result " + resultID)
	}

	return &state, nil
}

func (r *MemoryStreamingRepository) ListStreamingStates(_ context.Context) ([]domain.StreamingState, error) {
	r.mu.RLock()
	states := make([]domain.StreamingState, 0, len(r.states))
	for _, s := range r.states {
		states = append(states, s)
	}
	r.mu.RUnlock()

	sortStates(states)
	return states, nil
}

func (r *MemoryStreamingRepository) Close() error {
	return nil
}

func sortStates(states []domain.StreamingState) {
	sort.Slice(states, func(i, j int) bool {
		if states[i].SessionID != states[j].SessionID {
			return states[i].SessionID < states[j].SessionID
		}
		return states[i].ModelID < states[j].ModelID
	})
}

// RedisStreamingRepository keeps streaming state in a single Redis hash keyed by result id, so
// every process sharing the Redis instance sees in-flight output.
type RedisStreamingRepository struct {
	client *redis.Client
	key    string
}

func NewRedisStreamingRepository(redisAddr, prefix string) (*RedisStreamingRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStreamingRepository{
		client: client,
		key:    prefix + ":streaming",
	}, nil
}

func (r *RedisStreamingRepository) SetStreamingState(ctx context.Context, state domain.StreamingState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal streaming state: %w", err)
	}

	return r.client.HSet(ctx, r.key, state.ResultID, data).Err()
}

func (r *RedisStreamingRepository) ClearStreamingState(ctx context.Context, resultID string) error {
	return r.client.HDel(ctx, r.key, resultID).Err()
}

func (r *RedisStreamingRepository) GetStreamingState(ctx context.Context, resultID string) (*domain.StreamingState, error) {
	data, err := r.client.HGet(ctx, r.key, resultID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.NotFound("no streaming state for result " + resultID)
	}
	if err != nil {
		return nil, err
	}

	var state domain.StreamingState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to decode streaming state: %w", err)
	}

	return &state, nil
}

func (r *RedisStreamingRepository) ListStreamingStates(ctx context.Context) ([]domain.StreamingState, error) {
	entries, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, err
	}

	states := make([]domain.StreamingState, 0, len(entries))
	for id, data := range entries {
		var state domain.StreamingState
		if err := json.Unmarshal([]byte(data), &state); err != nil {
			return nil, fmt.Errorf("failed to decode streaming state %s: %w", id, err)
		}
		states = append(states, state)
	}

	sortStates(states)
	return states, nil
}

func (r *RedisStreamingRepository) Close() error {
	return r.client.Close()
}
