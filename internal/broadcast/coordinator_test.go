package broadcast

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/nadmax/nexarena/internal/domain"
	"github.com/nadmax/nexarena/internal/provider"
	"github.com/nadmax/nexarena/internal/repository"
	"github.com/nadmax/nexarena/internal/stream"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type step struct {
	delay time.Duration
	chunk provider.Chunk
}

// fakeAdapter replays a script and records the requests it receives.
type fakeAdapter struct {
	mu       sync.Mutex
	steps    []step
	startErr error
	block    bool
	requests []provider.Request
}

func (a *fakeAdapter) Stream(ctx context.Context, req provider.Request) (<-chan provider.Chunk, error) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	a.mu.Unlock()

	if a.startErr != nil {
		return nil, a.startErr
	}

	out := make(chan provider.Chunk)
	go func() {
		defer close(out)
		if a.block {
			<-ctx.Done()
			return
		}
		for _, s := range a.steps {
			select {
			case <-time.After(s.delay):
			case <-ctx.Done():
				return
			}
			select {
			case out <- s.chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (a *fakeAdapter) Complete(context.Context, provider.Request) (string, error) {
	return "", errors.New("not supported")
}

func (a *fakeAdapter) lastRequest() provider.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests[len(a.requests)-1]
}

type fakeSource map[string]provider.Adapter

func (s fakeSource) Get(m domain.Model) (provider.Adapter, error) {
	a, ok := s[m.ID]
	if !ok {
		return nil, domain.InvalidRequest("no adapter for " + m.ID)
	}
	return a, nil
}

func text(s string) provider.Chunk {
	return provider.Chunk{TextDelta: s, Units: 1}
}

func final(s string) provider.Chunk {
	return provider.Chunk{TextDelta: s, Units: 1, IsFinal: true}
}

func succeeding(parts ...string) *fakeAdapter {
	a := &fakeAdapter{}
	for i, p := range parts {
		c := text(p)
		if i == len(parts)-1 {
			c = final(p)
		}
		a.steps = append(a.steps, step{delay: time.Millisecond, chunk: c})
	}
	return a
}

type fixture struct {
	coord     *Coordinator
	sessions  *repository.MemorySessionRepository
	streaming *repository.MemoryStreamingRepository
}

func newFixture(t *testing.T, source fakeSource, opts Options) *fixture {
	t.Helper()

	var models []domain.Model
	for _, id := range []string{"A", "B", "C"} {
		models = append(models, domain.Model{ID: id, Backend: domain.BackendOpenAI})
	}
	catalog, err := domain.NewCatalog(models)
	require.NoError(t, err)

	log := logrus.New()
	log.SetOutput(io.Discard)

	sessions := repository.NewMemorySessionRepository()
	streaming := repository.NewMemoryStreamingRepository()

	return &fixture{
		coord:     NewCoordinator(catalog, source, sessions, streaming, opts, log),
		sessions:  sessions,
		streaming: streaming,
	}
}

func TestBroadcastCreatesActiveSession(t *testing.T) {
	f := newFixture(t, fakeSource{"A": succeeding("hel", "lo"), "B": succeeding("hi")}, Options{})
	ctx := context.Background()

	report, err := f.coord.Broadcast(ctx, Request{Prompt: "Say hello", ModelIDs: []string{"A", "B"}})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count(stream.StateFinalized))

	active, err := f.sessions.ActiveSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, report.SessionID, active.ID)
	assert.Equal(t, "Say hello", active.Title)
	assert.Equal(t, []string{"A", "B"}, active.Models)

	latest, ok := active.Latest("A")
	require.True(t, ok)
	assert.Equal(t, "hello", latest.Response)

	states, err := f.streaming.ListStreamingStates(ctx)
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestBroadcastValidation(t *testing.T) {
	f := newFixture(t, fakeSource{}, Options{})
	ctx := context.Background()

	_, err := f.coord.Broadcast(ctx, Request{Prompt: ""})
	assert.True(t, domain.IsKind(err, domain.KindInvalidRequest))

	_, err = f.coord.Broadcast(ctx, Request{Prompt: "hi"})
	assert.True(t, domain.IsKind(err, domain.KindInvalidRequest))

	_, err = f.coord.Broadcast(ctx, Request{Prompt: "hi", ModelIDs: []string{"nope"}})
	assert.True(t, domain.IsKind(err, domain.KindInvalidRequest))

	_, err = f.coord.Broadcast(ctx, Request{Prompt: "hi", ModelIDs: []string{"A"}, SessionID: "missing"})
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestBroadcastUsesDefaultModelsAndDeduplicates(t *testing.T) {
	a := succeeding("ok")
	f := newFixture(t, fakeSource{"A": a}, Options{DefaultModels: []string{"A", "A"}})

	report, err := f.coord.Broadcast(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Len(t, report.Outcomes, 1)
}

func TestBroadcastFailureIsolation(t *testing.T) {
	source := fakeSource{
		"A": succeeding("a1", "a2", "a3"),
		"B": &fakeAdapter{startErr: domain.Transport("connection refused", nil)},
	}
	f := newFixture(t, source, Options{})
	ctx := context.Background()

	report, err := f.coord.Broadcast(ctx, Request{Prompt: "P", ModelIDs: []string{"A", "B"}})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(stream.StateFinalized))
	assert.Equal(t, 1, report.Count(stream.StateFailed))

	session, err := f.sessions.GetSession(ctx, report.SessionID)
	require.NoError(t, err)

	a, ok := session.Latest("A")
	require.True(t, ok)
	assert.Equal(t, "a1a2a3", a.Response)
	assert.Equal(t, 3, a.Metrics.OutputUnits)

	b, ok := session.Latest("B")
	require.True(t, ok)
	assert.True(t, b.Failed())
	assert.Equal(t, domain.KindTransport, b.ErrorKind)
}

func TestBroadcastMissingAdapterFailsOnlyThatModel(t *testing.T) {
	f := newFixture(t, fakeSource{"A": succeeding("ok")}, Options{})

	report, err := f.coord.Broadcast(context.Background(), Request{Prompt: "P", ModelIDs: []string{"A", "C"}})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(stream.StateFinalized))
	assert.Equal(t, 1, report.Count(stream.StateFailed))
}

func TestBroadcastIncludesHistory(t *testing.T) {
	a := succeeding("first answer")
	f := newFixture(t, fakeSource{"A": a}, Options{SystemPrompt: "be brief"})
	ctx := context.Background()

	report, err := f.coord.Broadcast(ctx, Request{Prompt: "one", ModelIDs: []string{"A"}})
	require.NoError(t, err)

	a.mu.Lock()
	a.steps = []step{{chunk: final("second answer")}}
	a.mu.Unlock()

	_, err = f.coord.Broadcast(ctx, Request{Prompt: "two", SessionID: report.SessionID})
	require.NoError(t, err)

	msgs := a.lastRequest().Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, provider.Message{Role: provider.RoleSystem, Content: "be brief"}, msgs[0])
	assert.Equal(t, provider.Message{Role: provider.RoleUser, Content: "one"}, msgs[1])
	assert.Equal(t, provider.Message{Role: provider.RoleAssistant, Content: "first answer"}, msgs[2])
	assert.Equal(t, provider.Message{Role: provider.RoleUser, Content: "two"}, msgs[3])
}

func TestCancelAllWithNothingInFlight(t *testing.T) {
	f := newFixture(t, fakeSource{}, Options{})

	assert.NotPanics(t, func() {
		f.coord.CancelAll()
		f.coord.CancelAll()
	})
	assert.Equal(t, 0, f.coord.Active())
}

func TestCancelAllMidStream(t *testing.T) {
	source := fakeSource{
		"A": succeeding("fast"),
		"B": &fakeAdapter{block: true},
	}
	f := newFixture(t, source, Options{})
	ctx := context.Background()

	done := make(chan *Report, 1)
	go func() {
		report, err := f.coord.Broadcast(ctx, Request{Prompt: "P", ModelIDs: []string{"A", "B"}})
		assert.NoError(t, err)
		done <- report
	}()

	require.Eventually(t, func() bool {
		active, err := f.sessions.ActiveSession(ctx)
		if err != nil {
			return false
		}
		_, ok := active.Latest("A")
		return ok
	}, time.Second, 5*time.Millisecond)

	f.coord.CancelAll()
	f.coord.CancelAll()

	var report *Report
	select {
	case report = <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast did not join after cancel")
	}

	assert.Equal(t, 1, report.Count(stream.StateFinalized))
	assert.Equal(t, 1, report.Count(stream.StateCancelled))

	session, err := f.sessions.GetSession(ctx, report.SessionID)
	require.NoError(t, err)
	assert.Len(t, session.Results["A"], 1)
	assert.Empty(t, session.Results["B"])
	assert.Equal(t, 0, f.coord.Active())
}

// gatedSessions holds ActiveSession until release is closed.
type gatedSessions struct {
	*repository.MemorySessionRepository
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSessions) ActiveSession(ctx context.Context) (*domain.Session, error) {
	close(g.entered)
	<-g.release
	return g.MemorySessionRepository.ActiveSession(ctx)
}

func TestCancelAllDuringSessionResolution(t *testing.T) {
	catalog, err := domain.NewCatalog([]domain.Model{{ID: "A", Backend: domain.BackendOpenAI}})
	require.NoError(t, err)
	log := logrus.New()
	log.SetOutput(io.Discard)

	sessions := &gatedSessions{
		MemorySessionRepository: repository.NewMemorySessionRepository(),
		entered:                 make(chan struct{}),
		release:                 make(chan struct{}),
	}
	a := &fakeAdapter{steps: []step{{delay: 50 * time.Millisecond, chunk: final("late")}}}
	coord := NewCoordinator(catalog, fakeSource{"A": a}, sessions, repository.NewMemoryStreamingRepository(), Options{}, log)

	type result struct {
		report *Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := coord.Broadcast(context.Background(), Request{Prompt: "P", ModelIDs: []string{"A"}})
		done <- result{report, err}
	}()

	<-sessions.entered
	assert.Equal(t, 1, coord.Active())
	coord.CancelAll()
	close(sessions.release)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, 1, res.report.Count(stream.StateCancelled))
		s, err := sessions.GetSession(context.Background(), res.report.SessionID)
		require.NoError(t, err)
		assert.Empty(t, s.Results["A"])
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast did not finish")
	}
	assert.Equal(t, 0, coord.Active())
}

func TestFirstByteTimeoutDoesNotBlockSiblings(t *testing.T) {
	source := fakeSource{
		"A": succeeding("ok"),
		"B": &fakeAdapter{block: true},
	}
	f := newFixture(t, source, Options{Task: stream.Options{FirstByteTimeout: 30 * time.Millisecond}})

	report, err := f.coord.Broadcast(context.Background(), Request{Prompt: "P", ModelIDs: []string{"A", "B"}})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(stream.StateFinalized))
	assert.Equal(t, 1, report.Count(stream.StateFailed))

	for _, o := range report.Outcomes {
		if o.ModelID == "B" {
			assert.True(t, domain.IsKind(o.Err, domain.KindTimeout))
		}
	}
}

func TestRetryReplacesOnlyOneModel(t *testing.T) {
	b := &fakeAdapter{startErr: domain.Transport("down", nil)}
	source := fakeSource{"A": succeeding("a"), "B": b}
	f := newFixture(t, source, Options{})
	ctx := context.Background()

	report, err := f.coord.Broadcast(ctx, Request{Prompt: "P", ModelIDs: []string{"A", "B"}})
	require.NoError(t, err)

	before, err := f.sessions.GetSession(ctx, report.SessionID)
	require.NoError(t, err)
	failed, ok := before.Latest("B")
	require.True(t, ok)
	require.True(t, failed.Failed())

	b.mu.Lock()
	b.startErr = nil
	b.steps = []step{{chunk: final("recovered")}}
	b.mu.Unlock()

	outcome, err := f.coord.Retry(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, stream.StateFinalized, outcome.State)

	after, err := f.sessions.GetSession(ctx, report.SessionID)
	require.NoError(t, err)
	assert.Equal(t, before.Results["A"], after.Results["A"])
	require.Len(t, after.Results["B"], 1)
	assert.Equal(t, "recovered", after.Results["B"][0].Response)
	assert.Equal(t, "P", after.Results["B"][0].Prompt)
	assert.False(t, after.Results["B"][0].Failed())

	// The retried request carries the original prompt with no stale history.
	msgs := b.lastRequest().Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, "P", msgs[0].Content)
}

func TestRetryFailureKeepsOriginal(t *testing.T) {
	b := &fakeAdapter{startErr: domain.Transport("down", nil)}
	f := newFixture(t, fakeSource{"B": b}, Options{})
	ctx := context.Background()

	report, err := f.coord.Broadcast(ctx, Request{Prompt: "P", ModelIDs: []string{"B"}})
	require.NoError(t, err)
	original := report.Outcomes[0].Result
	require.NotNil(t, original)

	outcome, err := f.coord.Retry(ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(t, stream.StateFailed, outcome.State)

	session, err := f.sessions.GetSession(ctx, report.SessionID)
	require.NoError(t, err)
	require.Len(t, session.Results["B"], 1)
	assert.Equal(t, original.ID, session.Results["B"][0].ID)
}

func TestRetryUnknownResult(t *testing.T) {
	f := newFixture(t, fakeSource{}, Options{})

	_, err := f.coord.Retry(context.Background(), "missing")
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}
