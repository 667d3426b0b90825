package main

import (
	"context"
	"time"

	"github.com/nadmax/nexarena/internal/metrics"
	"github.com/nadmax/nexarena/internal/queue"
	"github.com/sirupsen/logrus"
)

type queueLister interface {
	Queue(ctx context.Context) ([]*queue.Item, error)
}

func startMetricsCollector(ctx context.Context, q queueLister, log logrus.FieldLogger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		updateQueueMetrics(ctx, q, log)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func updateQueueMetrics(ctx context.Context, q queueLister, log logrus.FieldLogger) {
	items, err := q.Queue(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to list queue for metrics")
		return
	}

	paused := 0
	for _, item := range items {
		if item.Paused {
			paused++
		}
	}

	metrics.UpdateQueueGauges(len(items), paused)
}
