package stream

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nadmax/nexarena/internal/domain"
	"github.com/nadmax/nexarena/internal/metrics"
	"github.com/nadmax/nexarena/internal/provider"
	"github.com/sirupsen/logrus"
)

type State int

const (
	StatePending State = iota
	StateStreaming
	StateFinalized
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStreaming:
		return "streaming"
	case StateFinalized:
		return "finalized"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s >= StateFinalized
}

// ResultWriter persists finalized results.
type ResultWriter interface {
	AppendResult(ctx context.Context, sessionID, modelID string, r domain.Result) error
	ReplaceResult(ctx context.Context, sessionID, modelID, oldResultID string, r domain.Result) error
}

// StateWriter maintains the transient streaming side table.
type StateWriter interface {
	SetStreamingState(ctx context.Context, state domain.StreamingState) error
	ClearStreamingState(ctx context.Context, resultID string) error
}

type Options struct {
	FirstByteTimeout time.Duration
	IdleTimeout      time.Duration
}

// Job describes one model answering one prompt.
type Job struct {
	ResultID  string
	SessionID string
	Model     domain.Model
	Prompt    string
	Request   provider.Request
	// Replaces names the result this job supersedes on success. Failed replacements write nothing.
	Replaces string
}

type Outcome struct {
	ResultID string
	ModelID  string
	State    State
	Result   *domain.Result
	Err      error
}

type Task struct {
	job       Job
	adapter   provider.Adapter
	results   ResultWriter
	streaming StateWriter
	opts      Options
	log       logrus.FieldLogger
	now       func() time.Time

	state     State
	text      strings.Builder
	reasoning strings.Builder
	tracker   *Tracker
	start     time.Time
}

func NewTask(job Job, adapter provider.Adapter, results ResultWriter, streaming StateWriter, opts Options, log logrus.FieldLogger) *Task {
	return &Task{
		job:       job,
		adapter:   adapter,
		results:   results,
		streaming: streaming,
		opts:      opts,
		log: log.WithFields(logrus.Fields{
			"session_id": job.SessionID,
			"model":      job.Model.ID,
			"result_id":  job.ResultID,
		}),
		now:   time.Now,
		state: StatePending,
	}
}

func (t *Task) State() State {
	return t.state
}

// Run drives the adapter to a terminal state. It never returns an error for per-model failures;
// those are reported in the Outcome. The streaming state is cleared before the result is written,
// so a reader never sees both for the same result id.
func (t *Task) Run(ctx context.Context) Outcome {
	t.start = t.now()
	t.tracker = NewTracker(t.start)
	metrics.TaskStarted()

	// Sink writes must land even after the task context is cancelled.
	sinkCtx := context.WithoutCancel(ctx)
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	t.publish(sinkCtx)

	var timer *time.Timer
	if t.opts.FirstByteTimeout > 0 {
		timer = time.AfterFunc(t.opts.FirstByteTimeout, func() {
			cancel(domain.Timeout("no output before first-byte timeout"))
		})
	}
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
	}
	defer stopTimer()

	t.state = StateStreaming
	t.log.Debug("Streaming task started")

	chunks, err := t.adapter.Stream(ctx, t.job.Request)
	if err != nil {
		if ctx.Err() != nil {
			return t.interrupted(sinkCtx, ctx)
		}
		return t.fail(sinkCtx, err)
	}

	received := false
	for {
		select {
		case <-ctx.Done():
			return t.interrupted(sinkCtx, ctx)
		case c, ok := <-chunks:
			if ctx.Err() != nil {
				return t.interrupted(sinkCtx, ctx)
			}
			if !ok {
				return t.fail(sinkCtx, domain.Protocol("stream closed without completion", nil))
			}

			if !received {
				received = true
				stopTimer()
				timer = nil
				if t.opts.IdleTimeout > 0 {
					timer = time.AfterFunc(t.opts.IdleTimeout, func() {
						cancel(domain.Timeout("no output within idle timeout"))
					})
				}
			} else if timer != nil {
				timer.Reset(t.opts.IdleTimeout)
			}

			// Text riding on an error chunk is kept with the failed result.
			t.text.WriteString(c.TextDelta)
			t.reasoning.WriteString(c.ReasoningDelta)
			t.tracker.Observe(c, t.now())

			if c.ErrorKind != "" || c.Err != nil {
				return t.fail(sinkCtx, chunkError(c))
			}
			if c.TextDelta != "" || c.ReasoningDelta != "" || c.Units > 0 {
				t.publish(sinkCtx)
			}

			if c.IsFinal {
				return t.finalize(sinkCtx)
			}
		}
	}
}

func chunkError(c provider.Chunk) error {
	if c.Err == nil {
		return domain.NewError(c.ErrorKind, "adapter reported an error", nil)
	}
	if domain.KindOf(c.Err) != "" {
		return c.Err
	}

	kind := c.ErrorKind
	if kind == "" {
		kind = domain.KindTransport
	}

	return domain.NewError(kind, "adapter reported an error", c.Err)
}

func (t *Task) publish(ctx context.Context) {
	state := domain.StreamingState{
		ResultID:  t.job.ResultID,
		SessionID: t.job.SessionID,
		ModelID:   t.job.Model.ID,
		Text:      t.text.String(),
		Reasoning: t.reasoning.String(),
		Metrics:   t.tracker.Snapshot(),
		UpdatedAt: t.now(),
	}
	if err := t.streaming.SetStreamingState(ctx, state); err != nil {
		t.log.WithError(err).Warn("Failed to publish streaming state")
	}
}

func (t *Task) result(m domain.Metrics) domain.Result {
	return domain.Result{
		ID:        t.job.ResultID,
		Prompt:    t.job.Prompt,
		Response:  t.text.String(),
		Reasoning: t.reasoning.String(),
		CreatedAt: t.start,
		Metrics:   &m,
	}
}

func (t *Task) clear(ctx context.Context) {
	if err := t.streaming.ClearStreamingState(ctx, t.job.ResultID); err != nil {
		t.log.WithError(err).Warn("Failed to clear streaming state")
	}
}

func (t *Task) finalize(ctx context.Context) Outcome {
	m := t.tracker.Finalize(t.now())
	r := t.result(m)
	t.clear(ctx)

	var err error
	if t.job.Replaces != "" {
		err = t.results.ReplaceResult(ctx, t.job.SessionID, t.job.Model.ID, t.job.Replaces, r)
	} else {
		err = t.results.AppendResult(ctx, t.job.SessionID, t.job.Model.ID, r)
	}
	if err != nil {
		t.log.WithError(err).Error("Failed to store result")
		t.state = StateFailed
		metrics.RecordTaskEnd(t.job.Model.ID, t.state.String(), m)
		return t.outcome(nil, err)
	}

	t.state = StateFinalized
	metrics.RecordTaskEnd(t.job.Model.ID, t.state.String(), m)
	t.log.WithFields(logrus.Fields{
		"ttft_ms":     m.TTFTMs,
		"duration_ms": m.TotalDurationMs,
		"units":       m.OutputUnits,
		"rate":        m.OutputRate,
	}).Info("Streaming task finalized")

	return t.outcome(&r, nil)
}

// fail records a failed result that keeps any partial text already received.
func (t *Task) fail(ctx context.Context, err error) Outcome {
	m := t.tracker.Finalize(t.now())
	t.clear(ctx)
	t.state = StateFailed
	metrics.RecordTaskEnd(t.job.Model.ID, t.state.String(), m)

	kind := domain.KindOf(err)
	if kind == "" {
		kind = domain.KindTransport
	}
	t.log.WithError(err).WithField("kind", kind).Warn("Streaming task failed")

	if t.job.Replaces != "" {
		return t.outcome(nil, err)
	}

	r := t.result(m)
	r.Error = err.Error()
	r.ErrorKind = kind
	if werr := t.results.AppendResult(ctx, t.job.SessionID, t.job.Model.ID, r); werr != nil {
		t.log.WithError(werr).Error("Failed to store failed result")
		return t.outcome(nil, errors.Join(err, werr))
	}

	return t.outcome(&r, err)
}

func (t *Task) interrupted(sinkCtx, ctx context.Context) Outcome {
	cause := context.Cause(ctx)
	if domain.IsKind(cause, domain.KindTimeout) {
		return t.fail(sinkCtx, cause)
	}

	m := t.tracker.Finalize(t.now())
	t.clear(sinkCtx)
	t.state = StateCancelled
	metrics.RecordTaskEnd(t.job.Model.ID, t.state.String(), m)
	t.log.Info("Streaming task cancelled")

	return t.outcome(nil, context.Canceled)
}

func (t *Task) outcome(r *domain.Result, err error) Outcome {
	return Outcome{
		ResultID: t.job.ResultID,
		ModelID:  t.job.Model.ID,
		State:    t.state,
		Result:   r,
		Err:      err,
	}
}
