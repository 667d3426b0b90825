// Package dashboard serves the monitoring views: per-model statistics for a session and a
// snapshot of the prompt queue.
package dashboard

import (
	"context"
	"net/http"
	"time"

	"github.com/nadmax/nexarena/internal/domain"
	"github.com/nadmax/nexarena/internal/httputil"
	"github.com/nadmax/nexarena/internal/queue"
	"github.com/nadmax/nexarena/internal/repository/models"
)

type Source interface {
	Stats(ctx context.Context, sessionID string) (string, []models.ModelStats, error)
	Queue(ctx context.Context) ([]*queue.Item, error)
	Running() (string, bool)
	Streaming(ctx context.Context) ([]domain.StreamingState, error)
}

type Dashboard struct {
	source Source
}

type Stats struct {
	SessionID   string              `json:"session_id"`
	Models      []models.ModelStats `json:"models"`
	LastUpdated time.Time           `json:"last_updated"`
}

type QueueSnapshot struct {
	Items          []*queue.Item `json:"items"`
	Depth          int           `json:"depth"`
	Paused         int           `json:"paused"`
	RunningItem    string        `json:"running_item,omitempty"`
	OldestWait     string        `json:"oldest_wait"`
	StreamingTasks int           `json:"streaming_tasks"`
	LastUpdated    time.Time     `json:"last_updated"`
}

func NewDashboard(source Source) *Dashboard {
	return &Dashboard{source: source}
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	sessionID, stats, err := d.source.Stats(r.Context(), r.URL.Query().Get("session_id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if stats == nil {
		stats = []models.ModelStats{}
	}

	httputil.WriteJSON(w, http.StatusOK, Stats{
		SessionID:   sessionID,
		Models:      stats,
		LastUpdated: time.Now(),
	})
}

func (d *Dashboard) GetQueue(w http.ResponseWriter, r *http.Request) {
	items, err := d.source.Queue(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	states, err := d.source.Streaming(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	now := time.Now()
	snap := QueueSnapshot{
		Items:          items,
		Depth:          len(items),
		StreamingTasks: len(states),
		OldestWait:     "N/A",
		LastUpdated:    now,
	}
	if snap.Items == nil {
		snap.Items = []*queue.Item{}
	}

	var oldest time.Time
	for _, item := range items {
		if item.Paused {
			snap.Paused++
		}
		if oldest.IsZero() || item.CreatedAt.Before(oldest) {
			oldest = item.CreatedAt
		}
	}
	if !oldest.IsZero() {
		snap.OldestWait = now.Sub(oldest).Round(time.Millisecond).String()
	}
	if id, running := d.source.Running(); running {
		snap.RunningItem = id
	}

	httputil.WriteJSON(w, http.StatusOK, snap)
}
