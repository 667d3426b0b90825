package arena

import (
	"context"
	"errors"
	"net/http"

	"github.com/nadmax/nexarena/internal/broadcast"
	"github.com/nadmax/nexarena/internal/config"
	"github.com/nadmax/nexarena/internal/notify"
	"github.com/nadmax/nexarena/internal/provider"
	"github.com/nadmax/nexarena/internal/queue"
	"github.com/nadmax/nexarena/internal/repository"
	"github.com/nadmax/nexarena/internal/stream"
	"github.com/sirupsen/logrus"
)

// FromConfig opens the configured stores and returns a ready Service. Stores opened before a
// failure are closed again.
func FromConfig(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (svc *Service, err error) {
	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}

	var closers []func() error
	defer func() {
		if err == nil {
			return
		}
		for _, c := range closers {
			err = errors.Join(err, c())
		}
	}()

	var sessions repository.SessionRepository
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := repository.NewPostgresSessionRepository(cfg.Store.PostgresDSN)
		if err != nil {
			return nil, err
		}
		closers = append(closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		sessions = pg
		log.Info("Using PostgreSQL session store")
	default:
		sessions = repository.NewMemorySessionRepository()
	}

	var streaming repository.StreamingRepository
	switch cfg.Streaming.Driver {
	case "redis":
		rs, err := repository.NewRedisStreamingRepository(cfg.Redis.Addr, cfg.Redis.Prefix)
		if err != nil {
			return nil, err
		}
		closers = append(closers, rs.Close)
		streaming = rs
		log.WithField("addr", cfg.Redis.Addr).Info("Using Redis streaming table")
	default:
		streaming = repository.NewMemoryStreamingRepository()
	}

	var backlog queue.Backlog
	switch cfg.Queue.Driver {
	case "redis":
		rb, err := queue.NewRedisBacklog(cfg.Redis.Addr, cfg.Redis.Prefix)
		if err != nil {
			return nil, err
		}
		closers = append(closers, rb.Close)
		backlog = rb
		log.WithField("addr", cfg.Redis.Addr).Info("Using Redis backlog")
	default:
		backlog = queue.NewMemoryBacklog()
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Notify.Enabled() {
		notifier = notify.NewSendGrid(cfg.Notify.SendGridAPIKey, cfg.Notify.FromName, cfg.Notify.FromAddress, cfg.Notify.To, log)
	}

	// No overall client timeout: streams are bounded by the task timeouts instead.
	registry := provider.NewRegistry(&http.Client{})

	svc = New(Deps{
		Catalog:   catalog,
		Adapters:  registry,
		Sessions:  sessions,
		Streaming: streaming,
		Backlog:   backlog,
		Notifier:  notifier,
		Log:       log,
	}, Options{
		Engine: broadcast.Options{
			Task: stream.Options{
				FirstByteTimeout: cfg.Engine.FirstByteTimeout,
				IdleTimeout:      cfg.Engine.IdleTimeout,
			},
			SystemPrompt:  cfg.Engine.SystemPrompt,
			Temperature:   cfg.Engine.Temperature,
			MaxTokens:     cfg.Engine.MaxTokens,
			DefaultModels: cfg.ActiveModels,
		},
		JudgeModelID:      cfg.Judge.ModelID,
		JudgeInstructions: cfg.Judge.Instructions,
	})

	log.WithFields(logrus.Fields{
		"models":        len(catalog.All()),
		"active_models": len(cfg.ActiveModels),
		"store":         cfg.Store.Driver,
		"streaming":     cfg.Streaming.Driver,
		"queue":         cfg.Queue.Driver,
	}).Info("Arena engine ready")

	return svc, nil
}
