// Package worker provides the single-consumer processor that drains the prompt backlog, one
// broadcast at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nadmax/nexarena/internal/broadcast"
	"github.com/nadmax/nexarena/internal/domain"
	"github.com/nadmax/nexarena/internal/metrics"
	"github.com/nadmax/nexarena/internal/notify"
	"github.com/nadmax/nexarena/internal/queue"
	"github.com/nadmax/nexarena/internal/stream"
	"github.com/sirupsen/logrus"
)

var ErrAlreadyStarted = errors.New("processor already started")

// Runner executes one broadcast for a backlog item.
type Runner interface {
	Broadcast(ctx context.Context, req broadcast.Request) (*broadcast.Report, error)
}

type Processor struct {
	backlog      queue.Backlog
	runner       Runner
	notifier     notify.Notifier
	log          logrus.FieldLogger
	pollInterval time.Duration
	started      atomic.Bool
	wake         chan struct{}

	// mu serializes item selection against Clear. It is never held across a broadcast.
	mu      sync.Mutex
	running bool
	current string
	cancel  context.CancelFunc

	drain notify.Summary
	since time.Time
}

func NewProcessor(backlog queue.Backlog, runner Runner, log logrus.FieldLogger) *Processor {
	return &Processor{
		backlog:      backlog,
		runner:       runner,
		notifier:     notify.Nop{},
		log:          log.WithField("component", "processor"),
		pollInterval: time.Second,
		wake:         make(chan struct{}, 1),
	}
}

func (p *Processor) SetPollInterval(d time.Duration) {
	p.pollInterval = d
}

func (p *Processor) SetNotifier(n notify.Notifier) {
	p.notifier = n
}

func (p *Processor) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Processor) Enqueue(ctx context.Context, prompt, sessionID string) (*queue.Item, error) {
	if prompt == "" {
		return nil, domain.InvalidRequest("prompt is required")
	}

	item := queue.NewItem(prompt, sessionID)
	if err := p.backlog.Push(ctx, item); err != nil {
		return nil, err
	}
	metrics.RecordItemEnqueued()
	p.log.WithField("item_id", item.ID).Debug("Item enqueued")
	p.signal()

	return item, nil
}

// EnqueueBatch appends one item per prompt, in order, all bound to sessionID.
func (p *Processor) EnqueueBatch(ctx context.Context, prompts []string, sessionID string) ([]*queue.Item, error) {
	items, err := newItems(prompts, sessionID)
	if err != nil {
		return nil, err
	}

	if err := p.backlog.PushBatch(ctx, items); err != nil {
		return nil, err
	}
	for range items {
		metrics.RecordItemEnqueued()
	}
	p.log.WithFields(logrus.Fields{"items": len(items), "session_id": sessionID}).Info("Batch enqueued")
	p.signal()

	return items, nil
}

func newItems(prompts []string, sessionID string) ([]*queue.Item, error) {
	if len(prompts) == 0 {
		return nil, domain.InvalidRequest("at least one prompt is required")
	}

	items := make([]*queue.Item, 0, len(prompts))
	for i, prompt := range prompts {
		if prompt == "" {
			return nil, domain.InvalidRequest(fmt.Sprintf("prompt %d is empty", i))
		}
		items = append(items, queue.NewItem(prompt, sessionID))
	}

	return items, nil
}

func (p *Processor) Pause(ctx context.Context, id string) error {
	return p.backlog.SetPaused(ctx, id, true)
}

func (p *Processor) Resume(ctx context.Context, id string) error {
	if err := p.backlog.SetPaused(ctx, id, false); err != nil {
		return err
	}
	p.signal()
	return nil
}

func (p *Processor) Reorder(ctx context.Context, id string, newIndex int) error {
	return p.backlog.Move(ctx, id, newIndex)
}

// Remove drops a waiting item. Removing the item being processed does not interrupt it.
func (p *Processor) Remove(ctx context.Context, id string) error {
	ok, err := p.backlog.Remove(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return domain.NotFound("queue item not found: " + id)
	}
	return nil
}

func (p *Processor) List(ctx context.Context) ([]*queue.Item, error) {
	return p.backlog.List(ctx)
}

// Clear cancels the active broadcast and empties the backlog. The loop cannot pick a new item
// until both have happened.
func (p *Processor) Clear(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	if err := p.backlog.Clear(ctx); err != nil {
		return err
	}

	p.log.Info("Queue cleared")
	return nil
}

func (p *Processor) Close() error {
	return p.backlog.Close()
}

// Running returns the id of the item being processed, if any.
func (p *Processor) Running() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.running
}

// Start runs the consumer loop until ctx is done. Only one loop may run per Processor.
func (p *Processor) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer p.started.Store(false)

	p.log.Info("Processor started")
	for {
		if ctx.Err() != nil {
			p.log.Info("Processor stopped")
			return nil
		}

		processed, err := p.ProcessNext(ctx)
		if err != nil {
			p.log.WithError(err).Warn("Failed to read backlog")
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
		case <-p.wake:
		case <-time.After(p.pollInterval):
		}
	}
}

func (p *Processor) claim(ctx context.Context) (*queue.Item, context.Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		panic(domain.NewError(domain.KindGuardViolation, "queue consumption re-entered while a broadcast is running", nil))
	}

	item, err := p.backlog.Next(ctx)
	if err != nil || item == nil {
		return nil, nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.running = true
	p.current = item.ID
	p.cancel = cancel

	return item, runCtx, nil
}

func (p *Processor) release() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	p.running = false
	p.current = ""
	p.cancel = nil
}

// ProcessNext consumes the first unpaused item, if there is one. The item is removed once its
// broadcast has been attempted, whatever the outcome.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	item, runCtx, err := p.claim(ctx)
	if err != nil {
		return false, err
	}
	if item == nil {
		p.drained(ctx)
		return false, nil
	}

	start := time.Now()
	if p.drain.Processed == 0 {
		p.since = start
	}

	log := p.log.WithField("item_id", item.ID)
	log.Info("Processing queue item")

	report, err := p.runner.Broadcast(runCtx, broadcast.Request{
		Prompt:    item.Prompt,
		SessionID: item.SessionID,
		Trigger:   broadcast.TriggerQueue,
	})
	cancelled := runCtx.Err() != nil
	p.release()

	if _, rerr := p.backlog.Remove(context.WithoutCancel(ctx), item.ID); rerr != nil {
		log.WithError(rerr).Error("Failed to remove queue item")
	}

	outcome := "completed"
	switch {
	case err != nil:
		outcome = "failed"
		p.drain.Failed++
		log.WithError(err).Warn("Queue item broadcast failed")
	case cancelled || report.Count(stream.StateCancelled) > 0:
		outcome = "cancelled"
		p.drain.Cancelled++
		log.Info("Queue item cancelled")
	default:
		log.WithField("duration", time.Since(start).Round(time.Millisecond).String()).Info("Queue item processed")
	}
	p.drain.Processed++
	metrics.RecordItemProcessed(outcome, start.Sub(item.CreatedAt))

	return true, nil
}

func (p *Processor) drained(ctx context.Context) {
	if p.drain.Processed == 0 {
		return
	}

	summary := p.drain
	summary.Duration = time.Since(p.since)
	p.drain = notify.Summary{}

	if err := p.notifier.QueueDrained(ctx, summary); err != nil {
		p.log.WithError(err).Warn("Failed to send queue drained notification")
	}
}
