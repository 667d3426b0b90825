package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/nadmax/nexarena/internal/domain"
	"github.com/nadmax/nexarena/internal/repository/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS arena_sessions (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	models     JSONB NOT NULL DEFAULT '[]',
	active     BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS arena_results (
	seq           BIGSERIAL PRIMARY KEY,
	id            TEXT NOT NULL UNIQUE,
	session_id    TEXT NOT NULL REFERENCES arena_sessions(id),
	model_id      TEXT NOT NULL,
	prompt        TEXT NOT NULL,
	response      TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	metrics       JSONB,
	rating        INT,
	rating_source TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT '',
	error_kind    TEXT NOT NULL DEFAULT '',
	reasoning     TEXT NOT NULL DEFAULT ''
);
ALTER TABLE arena_results ADD COLUMN IF NOT EXISTS reasoning TEXT NOT NULL DEFAULT '';
CREATE INDEX IF NOT EXISTS arena_results_session_idx ON arena_results (session_id, model_id, seq);
`

// PostgresSessionRepository persists sessions and results. Result order within a model follows
// insertion order; a replaced result keeps its slot.
type PostgresSessionRepository struct {
	db *sql.DB
}

func NewPostgresSessionRepository(connectionString string) (*PostgresSessionRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresSessionRepository{db: db}, nil
}

func (r *PostgresSessionRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	return nil
}

func (r *PostgresSessionRepository) CreateSession(ctx context.Context, s *domain.Session) error {
	modelsJSON, err := json.Marshal(s.Models)
	if err != nil {
		return fmt.Errorf("failed to marshal models: %w", err)
	}

	query := `
		INSERT INTO arena_sessions (id, title, models, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err = r.db.ExecContext(ctx, query, s.ID, s.Title, modelsJSON, s.CreatedAt, s.UpdatedAt)

	return err
}

func (r *PostgresSessionRepository) getSessionRow(ctx context.Context, id string) (*domain.Session, error) {
	query := `SELECT id, title, models, created_at, updated_at FROM arena_sessions WHERE id = $1`

	var s domain.Session
	var modelsJSON []byte
	err := r.db.QueryRowContext(ctx, query, id).Scan(&s.ID, &s.Title, &modelsJSON, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sessionNotFound(id)
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(modelsJSON, &s.Models); err != nil {
		return nil, fmt.Errorf("failed to unmarshal models: %w", err)
	}
	s.Results = make(map[string][]domain.Result)

	return &s, nil
}

const resultColumns = `id, model_id, prompt, response, created_at, metrics, rating, rating_source, error, error_kind, reasoning`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner, extra ...any) (string, domain.Result, error) {
	var (
		res         domain.Result
		modelID     string
		metricsJSON []byte
		rating      sql.NullInt64
		source      string
		errorKind   string
	)

	dest := append([]any{
		&res.ID, &modelID, &res.Prompt, &res.Response, &res.CreatedAt,
		&metricsJSON, &rating, &source, &res.Error, &errorKind, &res.Reasoning,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return "", res, err
	}

	if len(metricsJSON) > 0 {
		var m domain.Metrics
		if err := json.Unmarshal(metricsJSON, &m); err != nil {
			return "", res, fmt.Errorf("failed to unmarshal metrics: %w", err)
		}
		res.Metrics = &m
	}
	if rating.Valid {
		v := int(rating.Int64)
		res.Rating = &v
	}
	res.RatingSource = domain.RatingSource(source)
	res.ErrorKind = domain.ErrorKind(errorKind)

	return modelID, res, nil
}

func (r *PostgresSessionRepository) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	s, err := r.getSessionRow(ctx, id)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + resultColumns + ` FROM arena_results WHERE session_id = $1 ORDER BY seq`
	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		modelID, res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		s.Results[modelID] = append(s.Results[modelID], res)
	}

	return s, rows.Err()
}

func (r *PostgresSessionRepository) ListSessions(ctx context.Context) ([]*domain.Session, error) {
	query := `SELECT id, title, models, created_at, updated_at FROM arena_sessions ORDER BY updated_at DESC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sessions []*domain.Session
	for rows.Next() {
		var s domain.Session
		var modelsJSON []byte
		if err := rows.Scan(&s.ID, &s.Title, &modelsJSON, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(modelsJSON, &s.Models); err != nil {
			return nil, fmt.Errorf("failed to unmarshal models: %w", err)
		}
		s.Results = make(map[string][]domain.Result)
		sessions = append(sessions, &s)
	}

	return sessions, rows.Err()
}

func (r *PostgresSessionRepository) ActiveSession(ctx context.Context) (*domain.Session, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM arena_sessions WHERE active LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("no active session")
	}
	if err != nil {
		return nil, err
	}

	return r.GetSession(ctx, id)
}

func (r *PostgresSessionRepository) SetActiveSession(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE arena_sessions SET active = FALSE WHERE active`); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `UPDATE arena_sessions SET active = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return sessionNotFound(id)
	}

	return tx.Commit()
}

func marshalMetrics(m *domain.Metrics) (any, error) {
	if m == nil {
		return nil, nil
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metrics: %w", err)
	}

	return data, nil
}

func nullableRating(rating *int) any {
	if rating == nil {
		return nil
	}

	return *rating
}

// AppendResult inserts the result and touches the session in one statement.
func (r *PostgresSessionRepository) AppendResult(ctx context.Context, sessionID, modelID string, res domain.Result) error {
	metricsJSON, err := marshalMetrics(res.Metrics)
	if err != nil {
		return err
	}

	query := `
		WITH touched AS (
			UPDATE arena_sessions SET updated_at = NOW() WHERE id = $2 RETURNING id
		)
		INSERT INTO arena_results (
			id, session_id, model_id, prompt, response, created_at,
			metrics, rating, rating_source, error, error_kind, reasoning
		)
		SELECT $1, touched.id, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12 FROM touched
	`
	result, err := r.db.ExecContext(ctx, query,
		res.ID,
		sessionID,
		modelID,
		res.Prompt,
		res.Response,
		res.CreatedAt,
		metricsJSON,
		nullableRating(res.Rating),
		string(res.RatingSource),
		res.Error,
		string(res.ErrorKind),
		res.Reasoning,
	)
	if err != nil {
		return err
	}

	return requireRow(result, sessionNotFound(sessionID))
}

func requireRow(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}

	return nil
}

func (r *PostgresSessionRepository) UpdateResult(ctx context.Context, sessionID, modelID, resultID string, patch ResultPatch) error {
	if patch.Rating == nil {
		return nil
	}

	query := `
		UPDATE arena_results
		SET rating = $1, rating_source = $2
		WHERE id = $3 AND session_id = $4 AND model_id = $5
	`
	result, err := r.db.ExecContext(ctx, query, *patch.Rating, string(patch.RatingSource), resultID, sessionID, modelID)
	if err != nil {
		return err
	}

	return requireRow(result, resultNotFound(resultID))
}

func (r *PostgresSessionRepository) ReplaceResult(ctx context.Context, sessionID, modelID, oldResultID string, res domain.Result) error {
	metricsJSON, err := marshalMetrics(res.Metrics)
	if err != nil {
		return err
	}

	query := `
		UPDATE arena_results
		SET id = $1, prompt = $2, response = $3, created_at = $4, metrics = $5,
		    rating = $6, rating_source = $7, error = $8, error_kind = $9, reasoning = $10
		WHERE id = $11 AND session_id = $12 AND model_id = $13
	`
	result, err := r.db.ExecContext(ctx, query,
		res.ID,
		res.Prompt,
		res.Response,
		res.CreatedAt,
		metricsJSON,
		nullableRating(res.Rating),
		string(res.RatingSource),
		res.Error,
		string(res.ErrorKind),
		res.Reasoning,
		oldResultID,
		sessionID,
		modelID,
	)
	if err != nil {
		return err
	}

	return requireRow(result, resultNotFound(oldResultID))
}

func (r *PostgresSessionRepository) FindResult(ctx context.Context, resultID string) (*ResultRef, error) {
	query := `SELECT ` + resultColumns + `, session_id FROM arena_results WHERE id = $1`

	var sessionID string
	modelID, res, err := scanResult(r.db.QueryRowContext(ctx, query, resultID), &sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, resultNotFound(resultID)
	}
	if err != nil {
		return nil, err
	}

	return &ResultRef{SessionID: sessionID, ModelID: modelID, Result: res}, nil
}

func (r *PostgresSessionRepository) ApplyRatings(ctx context.Context, sessionID string, updates []domain.RatingUpdate) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		UPDATE arena_results
		SET rating = $1, rating_source = $2
		WHERE id = $3 AND session_id = $4 AND model_id = $5
	`
	for _, u := range updates {
		result, err := tx.ExecContext(ctx, query, u.Rating, string(u.Source), u.ResultID, sessionID, u.ModelID)
		if err != nil {
			return err
		}
		if err := requireRow(result, resultNotFound(u.ResultID)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *PostgresSessionRepository) ModelStats(ctx context.Context, sessionID string) ([]models.ModelStats, error) {
	query := `
		SELECT
			model_id,
			COUNT(*) AS results,
			COUNT(*) FILTER (WHERE error <> '') AS failures,
			COALESCE(AVG((metrics->>'ttft_ms')::float8) FILTER (WHERE error = '' AND metrics IS NOT NULL), 0) AS avg_ttft_ms,
			COALESCE(AVG((metrics->>'output_rate')::float8) FILTER (WHERE error = '' AND metrics IS NOT NULL), 0) AS avg_output_rate,
			COALESCE(SUM((metrics->>'total_duration_ms')::bigint) FILTER (WHERE error = ''), 0) AS total_duration_ms,
			COALESCE(SUM((metrics->>'output_units')::bigint) FILTER (WHERE error = ''), 0) AS total_units,
			COALESCE(AVG(rating), 0) AS avg_rating,
			COUNT(rating) AS rated
		FROM arena_results
		WHERE session_id = $1
		GROUP BY model_id
		ORDER BY model_id
	`
	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var stats []models.ModelStats
	for rows.Next() {
		var s models.ModelStats
		if err := rows.Scan(
			&s.ModelID,
			&s.Results,
			&s.Failures,
			&s.AvgTTFTMs,
			&s.AvgOutputRate,
			&s.TotalDurationMs,
			&s.TotalUnits,
			&s.AvgRating,
			&s.Rated,
		); err != nil {
			return nil, err
		}

		stats = append(stats, s)
	}

	return stats, rows.Err()
}

func (r *PostgresSessionRepository) Close() error {
	return r.db.Close()
}
