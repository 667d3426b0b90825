package queue

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/nadmax/nexarena/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisBacklog(t *testing.T) (*RedisBacklog, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	q, err := NewRedisBacklog(mr.Addr(), "test")
	require.NoError(t, err)

	return q, mr
}

func backlogs(t *testing.T) map[string]Backlog {
	q, mr := setupRedisBacklog(t)
	t.Cleanup(func() {
		_ = q.Close()
		mr.Close()
	})

	return map[string]Backlog{
		"memory": NewMemoryBacklog(),
		"redis":  q,
	}
}

func push(t *testing.T, b Backlog, prompts ...string) []*Item {
	var items []*Item
	for _, p := range prompts {
		item := NewItem(p, "")
		require.NoError(t, b.Push(context.Background(), item))
		items = append(items, item)
	}
	return items
}

func prompts(t *testing.T, b Backlog) []string {
	items, err := b.List(context.Background())
	require.NoError(t, err)

	out := make([]string, 0, len(items))
	for i, item := range items {
		assert.Equal(t, i, item.Position)
		out = append(out, item.Prompt)
	}
	return out
}

func TestMoveID(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		index int
		want  []string
	}{
		{"last to front", "C", 0, []string{"C", "A", "B"}},
		{"front to last", "A", 2, []string{"B", "C", "A"}},
		{"same place", "B", 1, []string{"A", "B", "C"}},
		{"negative clamps to front", "B", -5, []string{"B", "A", "C"}},
		{"past end clamps to back", "A", 99, []string{"B", "C", "A"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := moveID([]string{"A", "B", "C"}, tt.id, tt.index)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := moveID([]string{"A"}, "Z", 0)
	assert.False(t, ok)
}

func TestBacklog_FIFO(t *testing.T) {
	for name, b := range backlogs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			items := push(t, b, "A", "B", "C")

			assert.Equal(t, []string{"A", "B", "C"}, prompts(t, b))

			next, err := b.Next(ctx)
			require.NoError(t, err)
			assert.Equal(t, items[0].ID, next.ID)

			removed, err := b.Remove(ctx, items[0].ID)
			require.NoError(t, err)
			assert.True(t, removed)

			removed, err = b.Remove(ctx, items[0].ID)
			require.NoError(t, err)
			assert.False(t, removed)

			assert.Equal(t, []string{"B", "C"}, prompts(t, b))
		})
	}
}

func TestBacklog_PushBatch(t *testing.T) {
	for name, b := range backlogs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			push(t, b, "first")

			batch := []*Item{NewItem("b1", "s1"), NewItem("b2", "s1"), NewItem("b3", "s1")}
			require.NoError(t, b.PushBatch(ctx, batch))
			require.NoError(t, b.PushBatch(ctx, nil))

			assert.Equal(t, []string{"first", "b1", "b2", "b3"}, prompts(t, b))
			items, err := b.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, "s1", items[2].SessionID)
		})
	}
}

func TestMemoryBacklog_PushBatchIsAllOrNothing(t *testing.T) {
	b := NewMemoryBacklog()
	existing := push(t, b, "first")[0]

	err := b.PushBatch(context.Background(), []*Item{NewItem("new", ""), existing})
	assert.Equal(t, domain.KindInvalidRequest, domain.KindOf(err))
	assert.Equal(t, []string{"first"}, prompts(t, b))
}

func TestBacklog_ReorderRespectsPause(t *testing.T) {
	for name, b := range backlogs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			items := push(t, b, "A", "B", "C")

			require.NoError(t, b.Move(ctx, items[2].ID, 0))
			assert.Equal(t, []string{"C", "A", "B"}, prompts(t, b))

			require.NoError(t, b.SetPaused(ctx, items[2].ID, true))
			next, err := b.Next(ctx)
			require.NoError(t, err)
			assert.Equal(t, "A", next.Prompt, "paused item is skipped in place")
			assert.Equal(t, 1, next.Position)

			assert.Equal(t, []string{"C", "A", "B"}, prompts(t, b), "pausing never reorders")

			require.NoError(t, b.SetPaused(ctx, items[2].ID, false))
			next, err = b.Next(ctx)
			require.NoError(t, err)
			assert.Equal(t, "C", next.Prompt)
		})
	}
}

func TestBacklog_AllPaused(t *testing.T) {
	for name, b := range backlogs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			items := push(t, b, "A")
			require.NoError(t, b.SetPaused(ctx, items[0].ID, true))

			next, err := b.Next(ctx)
			require.NoError(t, err)
			assert.Nil(t, next)

			list, err := b.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.True(t, list[0].Paused)
		})
	}
}

func TestBacklog_UnknownItem(t *testing.T) {
	for name, b := range backlogs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			push(t, b, "A")

			assert.Equal(t, domain.KindNotFound, domain.KindOf(b.SetPaused(ctx, "missing", true)))
			assert.Equal(t, domain.KindNotFound, domain.KindOf(b.Move(ctx, "missing", 0)))
		})
	}
}

func TestBacklog_Clear(t *testing.T) {
	for name, b := range backlogs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			push(t, b, "A", "B")

			require.NoError(t, b.Clear(ctx))

			next, err := b.Next(ctx)
			require.NoError(t, err)
			assert.Nil(t, next)
			assert.Empty(t, prompts(t, b))
		})
	}
}

func TestNewRedisBacklog_InvalidAddress(t *testing.T) {
	_, err := NewRedisBacklog("invalid:99999", "test")
	assert.Error(t, err)
}

func TestItemJSON(t *testing.T) {
	item := NewItem("hello", "s1")
	data, err := item.ToJSON()
	require.NoError(t, err)

	decoded, err := ItemFromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, item.ID, decoded.ID)
	assert.Equal(t, "s1", decoded.SessionID)

	_, err = ItemFromJSON("{bad")
	assert.Error(t, err)
}
