package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nadmax/nexarena/internal/domain"
	"github.com/nadmax/nexarena/internal/repository/models"
)

type sessionEntry struct {
	mu      sync.Mutex
	session *domain.Session
}

type resultLocation struct {
	sessionID string
	modelID   string
}

// MemorySessionRepository keeps sessions in process. Writes to one session are serialized by
// that session's lock; different sessions never contend.
type MemorySessionRepository struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
	active   string
	index    sync.Map
}

func NewMemorySessionRepository() *MemorySessionRepository {
	return &MemorySessionRepository{
		sessions: make(map[string]*sessionEntry),
	}
}

func (r *MemorySessionRepository) entry(id string) (*sessionEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[id]
	if !ok {
		return nil, sessionNotFound(id)
	}

	return e, nil
}

func (r *MemorySessionRepository) CreateSession(_ context.Context, s *domain.Session) error {
	if s.Results == nil {
		s.Results = make(map[string][]domain.Result)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID]; exists {
		return domain.InvalidRequest("session already exists: " + s.ID)
	}
	r.sessions[s.ID] = &sessionEntry{session: s.Clone()}

	for modelID, results := range s.Results {
		for _, res := range results {
			r.index.Store(res.ID, resultLocation{sessionID: s.ID, modelID: modelID})
		}
	}

	return nil
}

func (r *MemorySessionRepository) GetSession(_ context.Context, id string) (*domain.Session, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Clone(), nil
}

func (r *MemorySessionRepository) ListSessions(_ context.Context) ([]*domain.Session, error) {
	r.mu.RLock()
	entries := make([]*sessionEntry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sessions := make([]*domain.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		sessions = append(sessions, e.session.Clone())
		e.mu.Unlock()
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})

	return sessions, nil
}

func (r *MemorySessionRepository) ActiveSession(ctx context.Context) (*domain.Session, error) {
	r.mu.RLock()
	active := r.active
	r.mu.RUnlock()

	if active == "" {
		return nil, domain.NotFound("no active session")
	}

	return r.GetSession(ctx, active)
}

func (r *MemorySessionRepository) SetActiveSession(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return sessionNotFound(id)
	}
	r.active = id

	return nil
}

func (r *MemorySessionRepository) AppendResult(_ context.Context, sessionID, modelID string, res domain.Result) error {
	e, err := r.entry(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.session.Results[modelID] = append(e.session.Results[modelID], res)
	e.session.UpdatedAt = time.Now()
	e.mu.Unlock()

	r.index.Store(res.ID, resultLocation{sessionID: sessionID, modelID: modelID})
	return nil
}

func findResult(results []domain.Result, id string) int {
	for i := range results {
		if results[i].ID == id {
			return i
		}
	}

	return -1
}

func (r *MemorySessionRepository) UpdateResult(_ context.Context, sessionID, modelID, resultID string, patch ResultPatch) error {
	e, err := r.entry(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	results := e.session.Results[modelID]
	i := findResult(results, resultID)
	if i < 0 {
		return resultNotFound(resultID)
	}
	applyPatch(&results[i], patch)
	e.session.UpdatedAt = time.Now()

	return nil
}

func applyPatch(res *domain.Result, patch ResultPatch) {
	if patch.Rating != nil {
		rating := *patch.Rating
		res.Rating = &rating
		res.RatingSource = patch.RatingSource
	}
}

func (r *MemorySessionRepository) ReplaceResult(_ context.Context, sessionID, modelID, oldResultID string, res domain.Result) error {
	e, err := r.entry(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	results := e.session.Results[modelID]
	i := findResult(results, oldResultID)
	if i < 0 {
		e.mu.Unlock()
		return resultNotFound(oldResultID)
	}
	results[i] = res
	e.session.UpdatedAt = time.Now()
	e.mu.Unlock()

	if oldResultID != res.ID {
		r.index.Delete(oldResultID)
	}
	r.index.Store(res.ID, resultLocation{sessionID: sessionID, modelID: modelID})

	return nil
}

func (r *MemorySessionRepository) FindResult(_ context.Context, resultID string) (*ResultRef, error) {
	v, ok := r.index.Load(resultID)
	if !ok {
		return nil, resultNotFound(resultID)
	}
	loc := v.(resultLocation)

	e, err := r.entry(loc.sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	results := e.session.Results[loc.modelID]
	i := findResult(results, resultID)
	if i < 0 {
		return nil, resultNotFound(resultID)
	}

	return &ResultRef{SessionID: loc.sessionID, ModelID: loc.modelID, Result: results[i]}, nil
}

func (r *MemorySessionRepository) ApplyRatings(_ context.Context, sessionID string, updates []domain.RatingUpdate) error {
	e, err := r.entry(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	positions := make([]int, len(updates))
	for n, u := range updates {
		i := findResult(e.session.Results[u.ModelID], u.ResultID)
		if i < 0 {
			return resultNotFound(u.ResultID)
		}
		positions[n] = i
	}

	for n, u := range updates {
		rating := u.Rating
		applyPatch(&e.session.Results[u.ModelID][positions[n]], ResultPatch{Rating: &rating, RatingSource: u.Source})
	}
	e.session.UpdatedAt = time.Now()

	return nil
}

func (r *MemorySessionRepository) ModelStats(ctx context.Context, sessionID string) ([]models.ModelStats, error) {
	s, err := r.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(s.Results))
	for id := range s.Results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	stats := make([]models.ModelStats, 0, len(ids))
	for _, id := range ids {
		stats = append(stats, models.Aggregate(id, s.Results[id]))
	}

	return stats, nil
}

func (r *MemorySessionRepository) Close() error {
	return nil
}
