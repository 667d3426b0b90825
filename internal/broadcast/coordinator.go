// Package broadcast fans a prompt out to a set of models, one streaming task per model, and
// joins when every task has reached a terminal state.
package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/nexarena/internal/domain"
	"github.com/nadmax/nexarena/internal/metrics"
	"github.com/nadmax/nexarena/internal/provider"
	"github.com/nadmax/nexarena/internal/repository"
	"github.com/nadmax/nexarena/internal/stream"
	"github.com/sirupsen/logrus"
)

const (
	TriggerDirect = "direct"
	TriggerQueue  = "queue"
	TriggerRetry  = "retry"
)

type AdapterSource interface {
	Get(m domain.Model) (provider.Adapter, error)
}

type Options struct {
	Task          stream.Options
	SystemPrompt  string
	Temperature   float32
	MaxTokens     int
	DefaultModels []string
}

type Request struct {
	Prompt    string
	ModelIDs  []string
	SessionID string
	Trigger   string
}

type Report struct {
	SessionID string           `json:"session_id"`
	Outcomes  []stream.Outcome `json:"-"`
	Duration  time.Duration    `json:"duration"`
}

func (r *Report) Count(state stream.State) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.State == state {
			n++
		}
	}
	return n
}

type Coordinator struct {
	catalog   *domain.Catalog
	adapters  AdapterSource
	sessions  repository.SessionRepository
	streaming repository.StreamingRepository
	opts      Options
	log       logrus.FieldLogger

	mu      sync.Mutex
	cancels map[uint64]context.CancelFunc
	nextID  uint64
}

func NewCoordinator(
	catalog *domain.Catalog,
	adapters AdapterSource,
	sessions repository.SessionRepository,
	streaming repository.StreamingRepository,
	opts Options,
	log logrus.FieldLogger,
) *Coordinator {
	return &Coordinator{
		catalog:   catalog,
		adapters:  adapters,
		sessions:  sessions,
		streaming: streaming,
		opts:      opts,
		log:       log.WithField("component", "broadcast"),
		cancels:   make(map[uint64]context.CancelFunc),
	}
}

// track registers a broadcast-scoped cancellation token.
func (c *Coordinator) track(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.cancels[id] = cancel
	c.mu.Unlock()

	return ctx, func() {
		c.mu.Lock()
		delete(c.cancels, id)
		c.mu.Unlock()
		cancel()
	}
}

// CancelAll cancels every in-flight broadcast and retry. It is safe to call at any time.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, cancel := range c.cancels {
		cancel()
	}
	if len(c.cancels) > 0 {
		c.log.WithField("broadcasts", len(c.cancels)).Info("Cancelled in-flight broadcasts")
	}
}

func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cancels)
}

// ResolveSession returns the session a broadcast writes to and the models it targets. With no
// session id the active session is used, and a new one is created when none is active.
func (c *Coordinator) ResolveSession(ctx context.Context, sessionID, prompt string, modelIDs []string) (*domain.Session, []domain.Model, error) {
	var session *domain.Session
	var err error

	switch {
	case sessionID != "":
		session, err = c.sessions.GetSession(ctx, sessionID)
	default:
		session, err = c.sessions.ActiveSession(ctx)
		if domain.IsKind(err, domain.KindNotFound) {
			session, err = nil, nil
		}
	}
	if err != nil {
		return nil, nil, err
	}

	ids := modelIDs
	if len(ids) == 0 && session != nil {
		ids = session.Models
	}
	if len(ids) == 0 {
		ids = c.opts.DefaultModels
	}

	models, err := c.models(ids)
	if err != nil {
		return nil, nil, err
	}

	if session == nil {
		session = domain.NewSession(domain.SessionTitle(prompt), ids)
		if err := c.sessions.CreateSession(ctx, session); err != nil {
			return nil, nil, fmt.Errorf("failed to create session: %w", err)
		}
		if err := c.sessions.SetActiveSession(ctx, session.ID); err != nil {
			return nil, nil, fmt.Errorf("failed to activate session: %w", err)
		}
		c.log.WithField("session_id", session.ID).Info("Created session")
	}

	return session, models, nil
}

func (c *Coordinator) models(ids []string) ([]domain.Model, error) {
	if len(ids) == 0 {
		return nil, domain.InvalidRequest("no active models selected")
	}

	seen := make(map[string]bool, len(ids))
	models := make([]domain.Model, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		m, ok := c.catalog.Get(id)
		if !ok {
			return nil, domain.InvalidRequest("unknown model: " + id)
		}
		models = append(models, m)
	}

	return models, nil
}

// history builds the conversation one model has had so far in the session.
func (c *Coordinator) history(results []domain.Result) []provider.Message {
	var msgs []provider.Message
	if c.opts.SystemPrompt != "" {
		msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: c.opts.SystemPrompt})
	}

	for _, r := range results {
		msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: r.Prompt})
		if r.Response != "" && !r.Failed() {
			msgs = append(msgs, provider.Message{Role: provider.RoleAssistant, Content: r.Response})
		}
	}

	return msgs
}

func (c *Coordinator) newTask(sessionID string, m domain.Model, prompt string, prior []domain.Result, replaces string) *stream.Task {
	msgs := append(c.history(prior), provider.Message{Role: provider.RoleUser, Content: prompt})

	job := stream.Job{
		ResultID:  uuid.New().String(),
		SessionID: sessionID,
		Model:     m,
		Prompt:    prompt,
		Request: provider.Request{
			Messages:    msgs,
			Temperature: c.opts.Temperature,
			MaxTokens:   c.opts.MaxTokens,
		},
		Replaces: replaces,
	}

	adapter, err := c.adapters.Get(m)
	if err != nil {
		adapter = brokenAdapter{err: err}
	}

	return stream.NewTask(job, adapter, c.sessions, c.streaming, c.opts.Task, c.log)
}

// Broadcast runs one streaming task per model concurrently and waits for all of them. Per-model
// failures are reported in the Report, never as an error.
func (c *Coordinator) Broadcast(ctx context.Context, req Request) (*Report, error) {
	if req.Prompt == "" {
		return nil, domain.InvalidRequest("prompt is required")
	}
	if req.Trigger == "" {
		req.Trigger = TriggerDirect
	}

	// Tracked before resolution so a CancelAll issued meanwhile still reaches this broadcast.
	ctx, done := c.track(ctx)
	defer done()

	session, models, err := c.ResolveSession(ctx, req.SessionID, req.Prompt, req.ModelIDs)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	log := c.log.WithFields(logrus.Fields{"session_id": session.ID, "models": len(models), "trigger": req.Trigger})
	log.Info("Broadcast started")

	outcomes := make([]stream.Outcome, len(models))
	var wg sync.WaitGroup
	for i, m := range models {
		task := c.newTask(session.ID, m, req.Prompt, session.Results[m.ID], "")

		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = task.Run(ctx)
		}()
	}
	wg.Wait()

	report := &Report{SessionID: session.ID, Outcomes: outcomes, Duration: time.Since(start)}
	metrics.RecordBroadcast(req.Trigger, report.Duration)
	log.WithFields(logrus.Fields{
		"finalized": report.Count(stream.StateFinalized),
		"failed":    report.Count(stream.StateFailed),
		"cancelled": report.Count(stream.StateCancelled),
		"duration":  report.Duration.Round(time.Millisecond).String(),
	}).Info("Broadcast finished")

	return report, nil
}

// Retry re-runs one model for the prompt of an existing result. On success the new result takes
// the old one's place; other models' history is untouched.
func (c *Coordinator) Retry(ctx context.Context, resultID string) (*stream.Outcome, error) {
	ctx, done := c.track(ctx)
	defer done()

	ref, err := c.sessions.FindResult(ctx, resultID)
	if err != nil {
		return nil, err
	}

	m, ok := c.catalog.Get(ref.ModelID)
	if !ok {
		return nil, domain.InvalidRequest("unknown model: " + ref.ModelID)
	}

	session, err := c.sessions.GetSession(ctx, ref.SessionID)
	if err != nil {
		return nil, err
	}

	var prior []domain.Result
	for _, r := range session.Results[m.ID] {
		if r.ID == resultID {
			break
		}
		prior = append(prior, r)
	}

	start := time.Now()
	outcome := c.newTask(session.ID, m, ref.Result.Prompt, prior, resultID).Run(ctx)
	metrics.RecordBroadcast(TriggerRetry, time.Since(start))

	c.log.WithFields(logrus.Fields{
		"session_id": session.ID,
		"model":      m.ID,
		"replaces":   resultID,
		"state":      outcome.State.String(),
	}).Info("Retry finished")

	return &outcome, nil
}

type brokenAdapter struct {
	err error
}

func (a brokenAdapter) Stream(context.Context, provider.Request) (<-chan provider.Chunk, error) {
	return nil, a.err
}

func (a brokenAdapter) Complete(context.Context, provider.Request) (string, error) {
	return "", a.err
}
