package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-session/internal/model"
)

const sessionColumns = `id, test_id, user_id, attempt_number, started_at, time_limit_seconds,
	current_answers, status, version, last_synced_at`

// SessionRepository persists sessions in PostgreSQL. Every mutation is a
// conditional UPDATE on status (and optionally version), so concurrent
// writers in different processes cannot resurrect a terminal session.
type SessionRepository struct {
	pool  *pgxpool.Pool
	retry RetryPolicy
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(pool *pgxpool.Pool, retry RetryPolicy) *SessionRepository {
	return &SessionRepository{pool: pool, retry: retry}
}

func scanSession(row pgx.Row) (*model.Session, error) {
	s := &model.Session{}
	err := row.Scan(&s.ID, &s.TestID, &s.UserID, &s.AttemptNumber, &s.StartedAt, &s.TimeLimitSeconds,
		&s.CurrentAnswers, &s.Status, &s.Version, &s.LastSyncedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if s.CurrentAnswers == nil {
		s.CurrentAnswers = model.Answers{}
	}
	return s, nil
}

// Create inserts a new session. A second session with the same attempt
// number for the same test/user returns ErrDuplicate.
func (r *SessionRepository) Create(ctx context.Context, s *model.Session) error {
	answers := s.CurrentAnswers
	if answers == nil {
		answers = model.Answers{}
	}
	return r.retry.Do(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO test_sessions (id, test_id, user_id, attempt_number, started_at,
			    time_limit_seconds, current_answers, status, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0)`,
			s.ID, s.TestID, s.UserID, s.AttemptNumber, s.StartedAt, s.TimeLimitSeconds, answers, s.Status,
		)
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	})
}

// GetByID loads a session.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.Session, error) {
	var s *model.Session
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		s, err = scanSession(r.pool.QueryRow(ctx,
			`SELECT `+sessionColumns+` FROM test_sessions WHERE id = $1`, id))
		return err
	})
	return s, err
}

// CountAttempts returns how many sessions the user has started for a test.
func (r *SessionRepository) CountAttempts(ctx context.Context, testID uuid.UUID, userID int) (int, error) {
	var n int
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		return r.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM test_sessions WHERE test_id = $1 AND user_id = $2`,
			testID, userID,
		).Scan(&n)
	})
	return n, err
}

// ReplaceAnswers overwrites current_answers wholesale. The version only
// advances when the content actually changes, so resending the same map is
// a no-op apart from last_synced_at.
func (r *SessionRepository) ReplaceAnswers(ctx context.Context, id string, answers model.Answers, baseVersion *int64, syncedAt time.Time) (*model.Session, error) {
	if answers == nil {
		answers = model.Answers{}
	}
	var s *model.Session
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		s, err = scanSession(r.pool.QueryRow(ctx,
			`UPDATE test_sessions
			 SET current_answers = $2::jsonb,
			     version = version + CASE WHEN current_answers = $2::jsonb THEN 0 ELSE 1 END,
			     last_synced_at = $3
			 WHERE id = $1 AND status = 'active' AND ($4::bigint IS NULL OR version = $4)
			 RETURNING `+sessionColumns,
			id, answers, syncedAt, baseVersion,
		))
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return nil, r.explainMiss(ctx, id, baseVersion)
	}
	return s, err
}

// UpsertAnswer sets (or, for a nil answer, removes) a single key.
func (r *SessionRepository) UpsertAnswer(ctx context.Context, id, questionID string, answer *model.Answer, baseVersion *int64, syncedAt time.Time) (*model.Session, error) {
	var s *model.Session
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		s, err = scanSession(r.pool.QueryRow(ctx,
			`UPDATE test_sessions AS s
			 SET current_answers = n.answers,
			     version = s.version + CASE WHEN n.answers = s.current_answers THEN 0 ELSE 1 END,
			     last_synced_at = $4
			 FROM (
			     SELECT CASE WHEN $3::jsonb IS NULL THEN current_answers - $2::text
			                 ELSE jsonb_set(current_answers, ARRAY[$2::text], $3::jsonb, true) END AS answers
			     FROM test_sessions WHERE id = $1
			 ) AS n
			 WHERE s.id = $1 AND s.status = 'active' AND ($5::bigint IS NULL OR s.version = $5)
			 RETURNING s.id, s.test_id, s.user_id, s.attempt_number, s.started_at, s.time_limit_seconds,
			     s.current_answers, s.status, s.version, s.last_synced_at`,
			id, questionID, answer, syncedAt, baseVersion,
		))
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return nil, r.explainMiss(ctx, id, baseVersion)
	}
	return s, err
}

// Transition moves an active session to a terminal status.
func (r *SessionRepository) Transition(ctx context.Context, id string, to model.SessionStatus) error {
	return r.retry.Do(ctx, func(ctx context.Context) error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE test_sessions SET status = $2, version = version + 1
			 WHERE id = $1 AND status = 'active'`,
			id, to,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotActive
		}
		return nil
	})
}

// explainMiss turns a conditional update that matched no row into the
// precise reason.
func (r *SessionRepository) explainMiss(ctx context.Context, id string, baseVersion *int64) error {
	s, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !s.IsActive() {
		return ErrNotActive
	}
	if baseVersion != nil && s.Version != *baseVersion {
		return ErrVersionMismatch
	}
	return fmt.Errorf("session %s: conditional update matched no row", id)
}
