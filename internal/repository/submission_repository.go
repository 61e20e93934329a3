package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-session/internal/model"
)

const submissionColumns = `id, session_id, test_id, user_id, attempt_number, answers, items,
	score, max_score, is_passed, grading_status, submitted_at, time_taken_seconds`

// SubmissionRepository persists submissions. Rows are append-only; only the
// grading columns are patched after the free-text grader reports back.
type SubmissionRepository struct {
	pool  *pgxpool.Pool
	retry RetryPolicy
}

// NewSubmissionRepository creates a new SubmissionRepository.
func NewSubmissionRepository(pool *pgxpool.Pool, retry RetryPolicy) *SubmissionRepository {
	return &SubmissionRepository{pool: pool, retry: retry}
}

func scanSubmission(row pgx.Row) (*model.Submission, error) {
	s := &model.Submission{}
	err := row.Scan(&s.ID, &s.SessionID, &s.TestID, &s.UserID, &s.AttemptNumber, &s.Answers, &s.Items,
		&s.Score, &s.MaxScore, &s.IsPassed, &s.GradingStatus, &s.SubmittedAt, &s.TimeTakenSeconds)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

// Finalize closes the session as submitted and inserts the submission in
// one transaction. ErrNotActive means another writer finalized first.
func (r *SubmissionRepository) Finalize(ctx context.Context, sub *model.Submission) error {
	return r.retry.Do(ctx, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx,
				`UPDATE test_sessions SET status = 'submitted', version = version + 1
				 WHERE id = $1 AND status = 'active'`, sub.SessionID)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return ErrNotActive
			}

			_, err = tx.Exec(ctx,
				`INSERT INTO submissions (`+submissionColumns+`)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
				sub.ID, sub.SessionID, sub.TestID, sub.UserID, sub.AttemptNumber, sub.Answers, sub.Items,
				sub.Score, sub.MaxScore, sub.IsPassed, sub.GradingStatus, sub.SubmittedAt, sub.TimeTakenSeconds,
			)
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return err
		})
	})
}

// GetByID loads a submission.
func (r *SubmissionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Submission, error) {
	var s *model.Submission
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		s, err = scanSubmission(r.pool.QueryRow(ctx,
			`SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, id))
		return err
	})
	return s, err
}

// GetBySession returns the submission created for a session.
func (r *SubmissionRepository) GetBySession(ctx context.Context, sessionID string) (*model.Submission, error) {
	var s *model.Submission
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		s, err = scanSubmission(r.pool.QueryRow(ctx,
			`SELECT `+submissionColumns+` FROM submissions WHERE session_id = $1`, sessionID))
		return err
	})
	return s, err
}

// LatestForTestAndUser returns the submission with the greatest submitted_at.
func (r *SubmissionRepository) LatestForTestAndUser(ctx context.Context, testID uuid.UUID, userID int) (*model.Submission, error) {
	var s *model.Submission
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		s, err = scanSubmission(r.pool.QueryRow(ctx,
			`SELECT `+submissionColumns+` FROM submissions
			 WHERE test_id = $1 AND user_id = $2
			 ORDER BY submitted_at DESC, attempt_number DESC
			 LIMIT 1`, testID, userID))
		return err
	})
	return s, err
}

// ApplyGrading patches the grading outcome of a pending submission.
func (r *SubmissionRepository) ApplyGrading(ctx context.Context, id uuid.UUID, items []model.ItemResult, score float64, isPassed bool, status model.GradingStatus) error {
	return r.retry.Do(ctx, func(ctx context.Context) error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE submissions
			 SET items = $2, score = $3, is_passed = $4, grading_status = $5, graded_at = NOW()
			 WHERE id = $1 AND grading_status = 'pending'`,
			id, items, score, isPassed, status,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}
