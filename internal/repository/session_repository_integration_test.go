package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-session/internal/model"
)

// These tests run against a migrated database:
//
//	EXSTEM_INTEGRATION=1 DATABASE_URL=postgres://... go test ./internal/repository/
func integrationPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if os.Getenv("EXSTEM_INTEGRATION") != "1" {
		t.Skip("set EXSTEM_INTEGRATION=1 to run Postgres integration tests")
	}
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Fatal("DATABASE_URL is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func seedTest(t *testing.T, pool *pgxpool.Pool) uuid.UUID {
	t.Helper()
	id := uuid.New()
	ctx := context.Background()
	if _, err := pool.Exec(ctx,
		`INSERT INTO tests (id, title, time_limit_seconds, max_attempts) VALUES ($1, 'integration', 1800, 2)`, id); err != nil {
		t.Fatalf("seed test: %v", err)
	}
	if _, err := pool.Exec(ctx,
		`INSERT INTO test_questions (id, test_id, question_type, prompt, correct_option, order_num)
		 VALUES ('q1', $1, 'MULTIPLE_CHOICE', '1+1?', 'B', 1)`, id); err != nil {
		t.Fatalf("seed question: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		pool.Exec(ctx, `DELETE FROM submissions WHERE test_id = $1`, id)
		pool.Exec(ctx, `DELETE FROM test_sessions WHERE test_id = $1`, id)
		pool.Exec(ctx, `DELETE FROM tests WHERE id = $1`, id)
	})
	return id
}

func TestSessionRepositoryIntegration(t *testing.T) {
	pool := integrationPool(t)
	ctx := context.Background()
	testID := seedTest(t, pool)
	repo := NewSessionRepository(pool, DefaultRetry)

	def, err := NewTestRepository(pool, DefaultRetry).GetByID(ctx, testID)
	if err != nil || len(def.Questions) != 1 || def.Questions[0].CorrectOption != "B" {
		t.Fatalf("test definition = %+v, %v", def, err)
	}

	sid, err := model.NewSessionID()
	if err != nil {
		t.Fatal(err)
	}
	sess := &model.Session{
		ID: sid, TestID: testID, UserID: 42, AttemptNumber: 1,
		StartedAt: time.Now().UTC(), TimeLimitSeconds: 1800, Status: model.SessionStatusActive,
	}
	if err := repo.Create(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := *sess
	dup.ID = sid + "x"
	if err := repo.Create(ctx, &dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate attempt = %v", err)
	}

	answers := model.Answers{"q1": {Choice: "A"}}
	got, err := repo.ReplaceAnswers(ctx, sid, answers, nil, time.Now())
	if err != nil || got.Version != 1 {
		t.Fatalf("replace = %+v, %v", got, err)
	}
	got, err = repo.ReplaceAnswers(ctx, sid, answers, nil, time.Now())
	if err != nil || got.Version != 1 {
		t.Fatalf("identical replace bumped version: %+v, %v", got, err)
	}

	stale := int64(0)
	if _, err := repo.UpsertAnswer(ctx, sid, "q1", &model.Answer{Choice: "B"}, &stale, time.Now()); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("stale upsert = %v", err)
	}
	got, err = repo.UpsertAnswer(ctx, sid, "q1", nil, nil, time.Now())
	if err != nil || len(got.CurrentAnswers) != 0 {
		t.Fatalf("clear = %+v, %v", got, err)
	}

	if err := repo.Transition(ctx, sid, model.SessionStatusExpired); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := repo.ReplaceAnswers(ctx, sid, answers, nil, time.Now()); !errors.Is(err, ErrNotActive) {
		t.Fatalf("write after expiry = %v", err)
	}
	if err := repo.Transition(ctx, sid, model.SessionStatusSubmitted); !errors.Is(err, ErrNotActive) {
		t.Fatalf("second transition = %v", err)
	}

	if n, err := repo.CountAttempts(ctx, testID, 42); err != nil || n != 1 {
		t.Fatalf("attempts = %d, %v", n, err)
	}
}
