package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-session/internal/model"
)

// TestRepository reads test definitions. Authoring lives elsewhere; this
// service only consumes published tests.
type TestRepository struct {
	pool  *pgxpool.Pool
	retry RetryPolicy
}

// NewTestRepository creates a new TestRepository.
func NewTestRepository(pool *pgxpool.Pool, retry RetryPolicy) *TestRepository {
	return &TestRepository{pool: pool, retry: retry}
}

// GetByID loads a published test with its questions ordered by order_num.
func (r *TestRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.TestDefinition, error) {
	var t *model.TestDefinition
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		def := &model.TestDefinition{}
		err := r.pool.QueryRow(ctx,
			`SELECT id, title, time_limit_seconds, max_attempts, passing_score, cost_points
			 FROM tests WHERE id = $1 AND is_published`, id,
		).Scan(&def.ID, &def.Title, &def.TimeLimitSeconds, &def.MaxAttempts, &def.PassingScore, &def.CostPoints)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		rows, err := r.pool.Query(ctx,
			`SELECT id, question_type, prompt, options, correct_option, rubric, points, order_num
			 FROM test_questions WHERE test_id = $1
			 ORDER BY order_num ASC, id ASC`, id,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var q model.Question
			if err := rows.Scan(&q.ID, &q.Type, &q.Prompt, &q.Options, &q.CorrectOption, &q.Rubric, &q.Points, &q.OrderNum); err != nil {
				return err
			}
			def.Questions = append(def.Questions, q)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		t = def
		return nil
	})
	return t, err
}
