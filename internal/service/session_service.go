package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/repository"
	"github.com/stemsi/exstem-session/internal/timeauth"
)

// SessionService owns the attempt lifecycle up to submission: start, join,
// heartbeat and answer sync. It never marks a session expired; expiry is
// enforced lazily from the clock on every call.
type SessionService struct {
	sessions SessionStore
	tests    TestProvider
	points   PointsLedger
	clock    *timeauth.Authority
	locks    *keyedMutex
	log      zerolog.Logger
}

// NewSessionService creates a new SessionService. points may be nil when no
// test carries a cost.
func NewSessionService(
	sessions SessionStore,
	tests TestProvider,
	points PointsLedger,
	clock *timeauth.Authority,
	locks *SessionLocks,
	log zerolog.Logger,
) *SessionService {
	return &SessionService{
		sessions: sessions,
		tests:    tests,
		points:   points,
		clock:    clock,
		locks:    locks.km,
		log:      log.With().Str("component", "session_service").Logger(),
	}
}

// SessionLocks is the per-session mutex shared by every mutating service.
type SessionLocks struct {
	km *keyedMutex
}

// NewSessionLocks creates an empty lock set.
func NewSessionLocks() *SessionLocks {
	return &SessionLocks{km: newKeyedMutex()}
}

// StartResult is returned by Start.
type StartResult struct {
	SessionID         string    `json:"session_id"`
	TestID            uuid.UUID `json:"test_id"`
	AttemptNumber     int       `json:"attempt_number"`
	AttemptsRemaining int       `json:"attempts_remaining"`
	TimeLimitSeconds  int       `json:"time_limit_seconds"`
	RemainingSeconds  int64     `json:"remaining_seconds"`
	StartedAt         time.Time `json:"started_at"`
	PointsCharged     int       `json:"points_charged"`
}

// SessionState is the restorable view of a session. It is the payload of
// the joined event and of the session state endpoint.
type SessionState struct {
	SessionID        string              `json:"session_id"`
	TestID           uuid.UUID           `json:"test_id"`
	AttemptNumber    int                 `json:"attempt_number"`
	Status           model.SessionStatus `json:"status"`
	CurrentAnswers   model.Answers       `json:"current_answers"`
	TimeLimitSeconds int                 `json:"time_limit_seconds"`
	RemainingSeconds int64               `json:"remaining_seconds"`
	Version          int64               `json:"version"`
	LastSyncedAt     *time.Time          `json:"last_synced_at,omitempty"`
	ServerTime       time.Time           `json:"server_time"`
}

// HeartbeatResult is returned by Heartbeat.
type HeartbeatResult struct {
	RemainingSeconds int64     `json:"remaining_seconds"`
	ServerTime       time.Time `json:"server_time"`
}

// SyncBatchInput replaces the whole answer set. A nil entry means the
// question is unanswered.
type SyncBatchInput struct {
	SessionID   string
	UserID      int
	Answers     map[string]*model.Answer
	BaseVersion *int64
}

// SyncOneInput upserts a single answer. A nil Answer clears the key.
type SyncOneInput struct {
	SessionID   string
	UserID      int
	QuestionID  string
	Answer      *model.Answer
	BaseVersion *int64
}

// SyncResult confirms a persisted sync.
type SyncResult struct {
	AcceptedCount int       `json:"accepted_count"`
	SyncedAt      time.Time `json:"synced_at"`
	Version       int64     `json:"version"`
}

// Clock exposes the time authority to the transport layer.
func (s *SessionService) Clock() *timeauth.Authority {
	return s.clock
}

// Describe returns the learner-facing test with the attempts already used.
func (s *SessionService) Describe(ctx context.Context, testID uuid.UUID, userID int) (*model.TestForLearner, error) {
	def, err := s.tests.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	used, err := s.sessions.CountAttempts(ctx, testID, userID)
	if err != nil {
		return nil, fmt.Errorf("count attempts: %w", err)
	}
	view := def.ForLearner(used)
	return &view, nil
}

// Start creates a new attempt. The attempt ceiling is enforced here and
// nowhere else; cost_points are debited before the session row exists and
// refunded if it cannot be created.
func (s *SessionService) Start(ctx context.Context, testID uuid.UUID, userID int) (*StartResult, error) {
	def, err := s.tests.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(fmt.Sprintf("start:%s:%d", testID, userID))
	defer unlock()

	used, err := s.sessions.CountAttempts(ctx, testID, userID)
	if err != nil {
		return nil, fmt.Errorf("count attempts: %w", err)
	}
	maxAttempts := def.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if used >= maxAttempts {
		return nil, fmt.Errorf("%w: %d of %d used", ErrTooManyAttempts, used, maxAttempts)
	}

	id, err := model.NewSessionID()
	if err != nil {
		return nil, err
	}

	charged := 0
	if def.CostPoints > 0 && s.points != nil {
		if err := s.points.Debit(ctx, userID, def.CostPoints, "start:"+testID.String()); err != nil {
			if errors.Is(err, repository.ErrInsufficientBalance) {
				return nil, ErrInsufficientPoints
			}
			return nil, fmt.Errorf("debit points: %w", err)
		}
		charged = def.CostPoints
	}

	now := s.clock.Now().UTC().Truncate(time.Microsecond)
	sess := &model.Session{
		ID:               id,
		TestID:           testID,
		UserID:           userID,
		AttemptNumber:    used + 1,
		StartedAt:        now,
		TimeLimitSeconds: def.TimeLimitSeconds,
		CurrentAnswers:   model.Answers{},
		Status:           model.SessionStatusActive,
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		if charged > 0 {
			if rerr := s.points.Credit(ctx, userID, charged, "refund:"+testID.String()); rerr != nil {
				s.log.Error().Err(rerr).Int("user_id", userID).Int("amount", charged).Msg("Failed to refund points after start failure")
			}
		}
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, fmt.Errorf("%w: attempt %d already started", ErrConflict, sess.AttemptNumber)
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.log.Info().
		Str("session_id", id).
		Str("test_id", testID.String()).
		Int("user_id", userID).
		Int("attempt", sess.AttemptNumber).
		Msg("Session started")

	v := s.clock.EvaluateAt(now, now, def.TimeLimitSeconds)
	return &StartResult{
		SessionID:         id,
		TestID:            testID,
		AttemptNumber:     sess.AttemptNumber,
		AttemptsRemaining: maxAttempts - sess.AttemptNumber,
		TimeLimitSeconds:  def.TimeLimitSeconds,
		RemainingSeconds:  v.RemainingSeconds(),
		StartedAt:         now,
		PointsCharged:     charged,
	}, nil
}

// load fetches a session owned by userID.
func (s *SessionService) load(ctx context.Context, sessionID string, userID int) (*model.Session, error) {
	return loadOwned(ctx, s.sessions, sessionID, userID)
}

func loadOwned(ctx context.Context, store SessionStore, sessionID string, userID int) (*model.Session, error) {
	sess, err := store.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: session not found", ErrSessionInactive)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess.UserID != userID {
		return nil, ErrForbidden
	}
	return sess, nil
}

// checkLive applies the hard cutoff used by join and sync. The submit
// tolerance does not apply here.
func checkLive(sess *model.Session, v timeauth.Verdict) error {
	if sess.Status == model.SessionStatusSubmitted {
		return fmt.Errorf("%w: session already submitted", ErrSessionInactive)
	}
	if v.Expired() {
		return &TimeError{Err: ErrTimeExpired, ElapsedSeconds: v.ElapsedSeconds(), LimitSeconds: v.LimitSeconds()}
	}
	if !sess.IsActive() {
		return fmt.Errorf("%w: session is %s", ErrSessionInactive, sess.Status)
	}
	return nil
}

func stateOf(sess *model.Session, v timeauth.Verdict) *SessionState {
	return &SessionState{
		SessionID:        sess.ID,
		TestID:           sess.TestID,
		AttemptNumber:    sess.AttemptNumber,
		Status:           sess.Status,
		CurrentAnswers:   sess.CurrentAnswers,
		TimeLimitSeconds: sess.TimeLimitSeconds,
		RemainingSeconds: v.RemainingSeconds(),
		Version:          sess.Version,
		LastSyncedAt:     sess.LastSyncedAt,
		ServerTime:       v.Now.UTC(),
	}
}

// State returns the session as stored, whatever its status.
func (s *SessionService) State(ctx context.Context, sessionID string, userID int) (*SessionState, error) {
	sess, err := s.load(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	return stateOf(sess, s.clock.Evaluate(sess.StartedAt, sess.TimeLimitSeconds)), nil
}

// Join validates that the session can be (re)entered and returns its
// state. An expired or terminal session can never be rejoined.
func (s *SessionService) Join(ctx context.Context, sessionID string, userID int) (*SessionState, error) {
	sess, err := s.load(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	v := s.clock.Evaluate(sess.StartedAt, sess.TimeLimitSeconds)
	if err := checkLive(sess, v); err != nil {
		return nil, err
	}
	return stateOf(sess, v), nil
}

// Heartbeat recomputes the remaining time. It never mutates the session.
func (s *SessionService) Heartbeat(ctx context.Context, sessionID string, userID int) (*HeartbeatResult, error) {
	sess, err := s.load(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if sess.Status == model.SessionStatusSubmitted {
		return nil, fmt.Errorf("%w: session already submitted", ErrSessionInactive)
	}
	v := s.clock.Evaluate(sess.StartedAt, sess.TimeLimitSeconds)
	return &HeartbeatResult{RemainingSeconds: v.RemainingSeconds(), ServerTime: v.Now.UTC()}, nil
}

// SyncBatch overwrites current_answers with the full client map.
func (s *SessionService) SyncBatch(ctx context.Context, in SyncBatchInput) (*SyncResult, error) {
	answers, err := model.AnswersFromPatch(in.Answers)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	unlock := s.locks.Lock(in.SessionID)
	defer unlock()

	cur, now, err := s.prepareWrite(ctx, in.SessionID, in.UserID, in.BaseVersion)
	if err != nil {
		return nil, err
	}
	if err := s.checkQuestions(ctx, cur, answers); err != nil {
		return nil, err
	}

	sess, err := s.sessions.ReplaceAnswers(ctx, in.SessionID, answers, in.BaseVersion, now)
	if err != nil {
		return nil, mapWriteError(err)
	}
	return &SyncResult{AcceptedCount: len(answers), SyncedAt: now, Version: sess.Version}, nil
}

// SyncOne upserts or clears a single answer.
func (s *SessionService) SyncOne(ctx context.Context, in SyncOneInput) (*SyncResult, error) {
	if err := model.ValidateQuestionID(in.QuestionID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	answer := in.Answer
	if answer != nil && answer.IsEmpty() {
		answer = nil
	}
	if answer != nil {
		if err := answer.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	unlock := s.locks.Lock(in.SessionID)
	defer unlock()

	cur, now, err := s.prepareWrite(ctx, in.SessionID, in.UserID, in.BaseVersion)
	if err != nil {
		return nil, err
	}
	if err := s.checkQuestions(ctx, cur, model.Answers{in.QuestionID: {}}); err != nil {
		return nil, err
	}

	sess, err := s.sessions.UpsertAnswer(ctx, in.SessionID, in.QuestionID, answer, in.BaseVersion, now)
	if err != nil {
		return nil, mapWriteError(err)
	}
	return &SyncResult{AcceptedCount: 1, SyncedAt: now, Version: sess.Version}, nil
}

// prepareWrite loads the session under the caller's lock and rejects the
// write before touching the store when it cannot succeed.
func (s *SessionService) prepareWrite(ctx context.Context, sessionID string, userID int, baseVersion *int64) (*model.Session, time.Time, error) {
	sess, err := s.load(ctx, sessionID, userID)
	if err != nil {
		return nil, time.Time{}, err
	}
	v := s.clock.Evaluate(sess.StartedAt, sess.TimeLimitSeconds)
	if err := checkLive(sess, v); err != nil {
		return nil, time.Time{}, err
	}
	if baseVersion != nil && *baseVersion != sess.Version {
		return nil, time.Time{}, fmt.Errorf("%w: base version %d, current %d", ErrConflict, *baseVersion, sess.Version)
	}
	return sess, v.Now.UTC().Truncate(time.Microsecond), nil
}

// checkQuestions rejects answer keys that are not questions of the
// session's test.
func (s *SessionService) checkQuestions(ctx context.Context, sess *model.Session, answers model.Answers) error {
	if len(answers) == 0 {
		return nil
	}
	def, err := s.tests.GetTest(ctx, sess.TestID)
	if err != nil {
		return err
	}
	if id, ok := def.UnknownQuestion(answers); ok {
		return fmt.Errorf("%w: unknown question %q", ErrValidation, id)
	}
	return nil
}

func mapWriteError(err error) error {
	switch {
	case errors.Is(err, repository.ErrNotActive):
		return fmt.Errorf("%w: session closed during sync", ErrSessionInactive)
	case errors.Is(err, repository.ErrVersionMismatch):
		return fmt.Errorf("%w: answers changed concurrently", ErrConflict)
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%w: session not found", ErrSessionInactive)
	default:
		return fmt.Errorf("persist answers: %w", err)
	}
}
