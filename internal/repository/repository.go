// Package repository stores sessions and their results, and the transient streaming side table
// that mirrors in-flight tasks.
package repository

import (
	"context"

	"github.com/nadmax/nexarena/internal/domain"
	"github.com/nadmax/nexarena/internal/repository/models"
)

// ResultPatch is the set of result fields that may change after finalization.
type ResultPatch struct {
	Rating       *int
	RatingSource domain.RatingSource
}

// ResultRef locates a result inside a session.
type ResultRef struct {
	SessionID string
	ModelID   string
	Result    domain.Result
}

type SessionRepository interface {
	CreateSession(ctx context.Context, s *domain.Session) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	ListSessions(ctx context.Context) ([]*domain.Session, error)
	// ActiveSession returns a NotFound error when no session is active.
	ActiveSession(ctx context.Context) (*domain.Session, error)
	SetActiveSession(ctx context.Context, id string) error
	AppendResult(ctx context.Context, sessionID, modelID string, r domain.Result) error
	UpdateResult(ctx context.Context, sessionID, modelID, resultID string, patch ResultPatch) error
	ReplaceResult(ctx context.Context, sessionID, modelID, oldResultID string, r domain.Result) error
	FindResult(ctx context.Context, resultID string) (*ResultRef, error)
	// ApplyRatings applies every update or none of them.
	ApplyRatings(ctx context.Context, sessionID string, updates []domain.RatingUpdate) error
	ModelStats(ctx context.Context, sessionID string) ([]models.ModelStats, error)
	Close() error
}

type StreamingRepository interface {
	SetStreamingState(ctx context.Context, state domain.StreamingState) error
	ClearStreamingState(ctx context.Context, resultID string) error
	GetStreamingState(ctx context.Context, resultID string) (*domain.StreamingState, error)
	ListStreamingStates(ctx context.Context) ([]domain.StreamingState, error)
	Close() error
}

func sessionNotFound(id string) error {
	return domain.NotFound("session not found: " + id)
}

func resultNotFound(id string) error {
	return domain.NotFound("result not found: " + id)
}
