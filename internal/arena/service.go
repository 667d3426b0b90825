// Package arena is the engine facade: it wires the coordinator, the queue processor and the
// judge over one set of repositories and exposes the caller operations.
package arena

import (
	"context"
	"errors"
	"fmt"

	"github.com/nadmax/nexarena/internal/broadcast"
	"github.com/nadmax/nexarena/internal/domain"
	"github.com/nadmax/nexarena/internal/judge"
	"github.com/nadmax/nexarena/internal/notify"
	"github.com/nadmax/nexarena/internal/queue"
	"github.com/nadmax/nexarena/internal/repository"
	"github.com/nadmax/nexarena/internal/repository/models"
	"github.com/nadmax/nexarena/internal/stream"
	"github.com/nadmax/nexarena/internal/worker"
	"github.com/sirupsen/logrus"
)

type Deps struct {
	Catalog   *domain.Catalog
	Adapters  broadcast.AdapterSource
	Sessions  repository.SessionRepository
	Streaming repository.StreamingRepository
	Backlog   queue.Backlog
	Notifier  notify.Notifier
	Log       logrus.FieldLogger
}

type Options struct {
	Engine            broadcast.Options
	JudgeModelID      string
	JudgeInstructions string
}

type Service struct {
	catalog     *domain.Catalog
	sessions    repository.SessionRepository
	streaming   repository.StreamingRepository
	coordinator *broadcast.Coordinator
	processor   *worker.Processor
	judge       *judge.Judge
	opts        Options
	log         logrus.FieldLogger
}

func New(deps Deps, opts Options) *Service {
	coordinator := broadcast.NewCoordinator(deps.Catalog, deps.Adapters, deps.Sessions, deps.Streaming, opts.Engine, deps.Log)

	processor := worker.NewProcessor(deps.Backlog, coordinator, deps.Log)
	if deps.Notifier != nil {
		processor.SetNotifier(deps.Notifier)
	}

	return &Service{
		catalog:     deps.Catalog,
		sessions:    deps.Sessions,
		streaming:   deps.Streaming,
		coordinator: coordinator,
		processor:   processor,
		judge:       judge.New(deps.Catalog, deps.Adapters, deps.Sessions, opts.JudgeInstructions, deps.Log),
		opts:        opts,
		log:         deps.Log,
	}
}

// Processor exposes the queue loop so callers can tune and start it.
func (s *Service) Processor() *worker.Processor {
	return s.processor
}

// Run drives the queue processor until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	return s.processor.Start(ctx)
}

func (s *Service) Enqueue(ctx context.Context, prompt, sessionID string) (*queue.Item, error) {
	if sessionID != "" {
		if _, err := s.sessions.GetSession(ctx, sessionID); err != nil {
			return nil, err
		}
	}

	return s.processor.Enqueue(ctx, prompt, sessionID)
}

// EnqueueBatch runs a named prompt set: it creates a "Batch Run: <name>" session over modelIDs
// (the default models when empty), makes it active, and queues every prompt against it.
func (s *Service) EnqueueBatch(ctx context.Context, name string, prompts []string, modelIDs []string) (*domain.Session, []*queue.Item, error) {
	if len(prompts) == 0 {
		return nil, nil, domain.InvalidRequest("at least one prompt is required")
	}
	for i, p := range prompts {
		if p == "" {
			return nil, nil, domain.InvalidRequest(fmt.Sprintf("prompt %d is empty", i))
		}
	}

	title := "Batch Run"
	if name != "" {
		title += ": " + name
	}
	session, err := s.NewSession(ctx, title, modelIDs)
	if err != nil {
		return nil, nil, err
	}

	items, err := s.processor.EnqueueBatch(ctx, prompts, session.ID)
	if err != nil {
		return nil, nil, err
	}

	return session, items, nil
}

func (s *Service) Broadcast(ctx context.Context, prompt string, modelIDs []string, sessionID string) (*broadcast.Report, error) {
	return s.coordinator.Broadcast(ctx, broadcast.Request{
		Prompt:    prompt,
		ModelIDs:  modelIDs,
		SessionID: sessionID,
		Trigger:   broadcast.TriggerDirect,
	})
}

func (s *Service) CancelAll() {
	s.coordinator.CancelAll()
}

// Retry re-runs the model behind resultID. The original result is kept unless the retry
// finalizes.
func (s *Service) Retry(ctx context.Context, resultID string) (*domain.Result, error) {
	outcome, err := s.coordinator.Retry(ctx, resultID)
	if err != nil {
		return nil, err
	}

	switch outcome.State {
	case stream.StateFinalized:
		return outcome.Result, nil
	case stream.StateCancelled:
		return nil, fmt.Errorf("retry cancelled: %w", context.Canceled)
	default:
		return nil, outcome.Err
	}
}

// Judge scores the active session with judgeModelID, or the configured judge when it is empty.
func (s *Service) Judge(ctx context.Context, judgeModelID, instructions string) (*judge.Verdict, error) {
	return s.JudgeSession(ctx, "", judgeModelID, instructions)
}

func (s *Service) JudgeSession(ctx context.Context, sessionID, judgeModelID, instructions string) (*judge.Verdict, error) {
	if judgeModelID == "" {
		judgeModelID = s.opts.JudgeModelID
	}
	if judgeModelID == "" {
		return nil, domain.InvalidRequest("no judge model selected")
	}

	return s.judge.Run(ctx, sessionID, judgeModelID, instructions)
}

func (s *Service) Pause(ctx context.Context, itemID string) error {
	return s.processor.Pause(ctx, itemID)
}

func (s *Service) Resume(ctx context.Context, itemID string) error {
	return s.processor.Resume(ctx, itemID)
}

func (s *Service) Reorder(ctx context.Context, itemID string, newIndex int) error {
	return s.processor.Reorder(ctx, itemID, newIndex)
}

func (s *Service) Remove(ctx context.Context, itemID string) error {
	return s.processor.Remove(ctx, itemID)
}

// Clear stops everything: the queued broadcast, any direct broadcasts, and the backlog.
func (s *Service) Clear(ctx context.Context) error {
	err := s.processor.Clear(ctx)
	s.coordinator.CancelAll()
	return err
}

func (s *Service) Queue(ctx context.Context) ([]*queue.Item, error) {
	return s.processor.List(ctx)
}

// Running returns the id of the queue item being broadcast, if any.
func (s *Service) Running() (string, bool) {
	return s.processor.Running()
}

func (s *Service) Rate(ctx context.Context, resultID string, rating int) error {
	if rating < 1 || rating > 5 {
		return domain.InvalidRequest("rating must be between 1 and 5")
	}

	ref, err := s.sessions.FindResult(ctx, resultID)
	if err != nil {
		return err
	}

	return s.sessions.UpdateResult(ctx, ref.SessionID, ref.ModelID, resultID, repository.ResultPatch{
		Rating:       &rating,
		RatingSource: domain.RatingHuman,
	})
}

func (s *Service) Session(ctx context.Context, id string) (*domain.Session, error) {
	if id == "" {
		return s.sessions.ActiveSession(ctx)
	}
	return s.sessions.GetSession(ctx, id)
}

func (s *Service) Sessions(ctx context.Context) ([]*domain.Session, error) {
	return s.sessions.ListSessions(ctx)
}

// NewSession creates a session and makes it the active one.
func (s *Service) NewSession(ctx context.Context, title string, modelIDs []string) (*domain.Session, error) {
	if len(modelIDs) == 0 {
		modelIDs = s.opts.Engine.DefaultModels
	}
	if len(modelIDs) == 0 {
		return nil, domain.InvalidRequest("no active models selected")
	}
	for _, id := range modelIDs {
		if _, ok := s.catalog.Get(id); !ok {
			return nil, domain.InvalidRequest("unknown model: " + id)
		}
	}
	if title == "" {
		title = "New Chat"
	}

	session := domain.NewSession(title, modelIDs)
	if err := s.sessions.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	if err := s.sessions.SetActiveSession(ctx, session.ID); err != nil {
		return nil, err
	}

	return session, nil
}

func (s *Service) Streaming(ctx context.Context) ([]domain.StreamingState, error) {
	return s.streaming.ListStreamingStates(ctx)
}

func (s *Service) Models() []domain.Model {
	return s.catalog.All()
}

// Stats aggregates per-model statistics for a session, the active one when id is empty.
func (s *Service) Stats(ctx context.Context, sessionID string) (string, []models.ModelStats, error) {
	if sessionID == "" {
		session, err := s.sessions.ActiveSession(ctx)
		if err != nil {
			return "", nil, err
		}
		sessionID = session.ID
	}

	stats, err := s.sessions.ModelStats(ctx, sessionID)
	return sessionID, stats, err
}

func (s *Service) Close() error {
	s.coordinator.CancelAll()
	return errors.Join(s.sessions.Close(), s.streaming.Close(), s.processor.Close())
}
