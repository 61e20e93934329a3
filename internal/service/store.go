package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-session/internal/model"
)

// SessionStore is the durable session record. Writes are conditional on
// status = active and, when baseVersion is set, on the stored version.
type SessionStore interface {
	Create(ctx context.Context, s *model.Session) error
	GetByID(ctx context.Context, id string) (*model.Session, error)
	CountAttempts(ctx context.Context, testID uuid.UUID, userID int) (int, error)
	ReplaceAnswers(ctx context.Context, id string, answers model.Answers, baseVersion *int64, syncedAt time.Time) (*model.Session, error)
	UpsertAnswer(ctx context.Context, id, questionID string, answer *model.Answer, baseVersion *int64, syncedAt time.Time) (*model.Session, error)
	Transition(ctx context.Context, id string, to model.SessionStatus) error
}

// SubmissionStore is the append-only submission log.
type SubmissionStore interface {
	Finalize(ctx context.Context, sub *model.Submission) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Submission, error)
	GetBySession(ctx context.Context, sessionID string) (*model.Submission, error)
	LatestForTestAndUser(ctx context.Context, testID uuid.UUID, userID int) (*model.Submission, error)
	ApplyGrading(ctx context.Context, id uuid.UUID, items []model.ItemResult, score float64, isPassed bool, status model.GradingStatus) error
}

// TestStore reads test definitions from the system of record.
type TestStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.TestDefinition, error)
}

// TestProvider serves test definitions to the session flow.
type TestProvider interface {
	GetTest(ctx context.Context, id uuid.UUID) (*model.TestDefinition, error)
}

// PointsLedger is charged on start only.
type PointsLedger interface {
	Debit(ctx context.Context, userID, amount int, reason string) error
	Credit(ctx context.Context, userID, amount int, reason string) error
}
