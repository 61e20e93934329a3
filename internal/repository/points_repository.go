package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PointsRepository is the points/credits ledger charged when a test starts.
type PointsRepository struct {
	pool  *pgxpool.Pool
	retry RetryPolicy
}

// NewPointsRepository creates a new PointsRepository.
func NewPointsRepository(pool *pgxpool.Pool, retry RetryPolicy) *PointsRepository {
	return &PointsRepository{pool: pool, retry: retry}
}

// Debit subtracts amount from the user's balance if it covers it.
func (r *PointsRepository) Debit(ctx context.Context, userID, amount int, reason string) error {
	return r.retry.Do(ctx, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx,
				`UPDATE points_balances SET balance = balance - $2, updated_at = NOW()
				 WHERE user_id = $1 AND balance >= $2`, userID, amount)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return ErrInsufficientBalance
			}
			_, err = tx.Exec(ctx,
				`INSERT INTO points_ledger (user_id, delta, reason) VALUES ($1, $2, $3)`,
				userID, -amount, reason)
			return err
		})
	})
}

// Credit adds amount to the user's balance, creating the row if needed.
func (r *PointsRepository) Credit(ctx context.Context, userID, amount int, reason string) error {
	return r.retry.Do(ctx, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx,
				`INSERT INTO points_balances (user_id, balance) VALUES ($1, $2)
				 ON CONFLICT (user_id) DO UPDATE
				 SET balance = points_balances.balance + EXCLUDED.balance, updated_at = NOW()`,
				userID, amount)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx,
				`INSERT INTO points_ledger (user_id, delta, reason) VALUES ($1, $2, $3)`,
				userID, amount, reason)
			return err
		})
	})
}
