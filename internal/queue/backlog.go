// Package queue holds the ordered backlog of prompts waiting to be broadcast. The backlog only
// stores order and flags; consumption is driven by the worker package.
package queue

import (
	"context"
	"sync"

	"github.com/nadmax/nexarena/internal/domain"
)

type Backlog interface {
	Push(ctx context.Context, item *Item) error
	// PushBatch appends items in order. Either all of them are added or none.
	PushBatch(ctx context.Context, items []*Item) error
	// List returns every item in order with Position set.
	List(ctx context.Context) ([]*Item, error)
	// Next returns the item nearest the front whose paused flag is false, or nil.
	Next(ctx context.Context) (*Item, error)
	SetPaused(ctx context.Context, id string, paused bool) error
	// Move places the item at newIndex, clamped to the backlog bounds.
	Move(ctx context.Context, id string, newIndex int) error
	// Remove reports whether the item was present.
	Remove(ctx context.Context, id string) (bool, error)
	Clear(ctx context.Context) error
	Close() error
}

func itemNotFound(id string) error {
	return domain.NotFound("queue item not found: " + id)
}

// moveID returns ids with id relocated to newIndex.
func moveID(ids []string, id string, newIndex int) ([]string, bool) {
	from := -1
	for i, v := range ids {
		if v == id {
			from = i
			break
		}
	}
	if from < 0 {
		return nil, false
	}

	newIndex = max(0, min(newIndex, len(ids)-1))

	out := make([]string, 0, len(ids))
	out = append(out, ids[:from]...)
	out = append(out, ids[from+1:]...)
	out = append(out[:newIndex], append([]string{id}, out[newIndex:]...)...)

	return out, true
}

type MemoryBacklog struct {
	mu    sync.Mutex
	order []string
	items map[string]*Item
}

func NewMemoryBacklog() *MemoryBacklog {
	return &MemoryBacklog{items: make(map[string]*Item)}
}

func (b *MemoryBacklog) Push(_ context.Context, item *Item) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.items[item.ID]; exists {
		return domain.InvalidRequest("queue item already exists: " + item.ID)
	}

	c := *item
	b.items[item.ID] = &c
	b.order = append(b.order, item.ID)

	return nil
}

func (b *MemoryBacklog) PushBatch(_ context.Context, items []*Item) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if _, exists := b.items[item.ID]; exists || seen[item.ID] {
			return domain.InvalidRequest("queue item already exists: " + item.ID)
		}
		seen[item.ID] = true
	}

	for _, item := range items {
		c := *item
		b.items[item.ID] = &c
		b.order = append(b.order, item.ID)
	}

	return nil
}

func (b *MemoryBacklog) List(_ context.Context) ([]*Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*Item, 0, len(b.order))
	for i, id := range b.order {
		c := *b.items[id]
		c.Position = i
		out = append(out, &c)
	}

	return out, nil
}

func (b *MemoryBacklog) Next(_ context.Context) (*Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, id := range b.order {
		if item := b.items[id]; !item.Paused {
			c := *item
			c.Position = i
			return &c, nil
		}
	}

	return nil, nil
}

func (b *MemoryBacklog) SetPaused(_ context.Context, id string, paused bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	item, ok := b.items[id]
	if !ok {
		return itemNotFound(id)
	}
	item.Paused = paused

	return nil
}

func (b *MemoryBacklog) Move(_ context.Context, id string, newIndex int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := moveID(b.order, id, newIndex)
	if !ok {
		return itemNotFound(id)
	}
	b.order = order

	return nil
}

func (b *MemoryBacklog) Remove(_ context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.items[id]; !ok {
		return false, nil
	}
	delete(b.items, id)

	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}

	return true, nil
}

func (b *MemoryBacklog) Clear(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.order = nil
	b.items = make(map[string]*Item)

	return nil
}

func (b *MemoryBacklog) Close() error {
	return nil
}
