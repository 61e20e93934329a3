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

// RejectReasonTimeLimit tags a late submit answered with the fallback.
const RejectReasonTimeLimit = "time_limit_exceeded"

// SubmissionService validates final submissions against the deadline and
// produces the graded Submission.
type SubmissionService struct {
	sessions    SessionStore
	submissions SubmissionStore
	tests       TestProvider
	queue       GradingQueue
	events      EventPublisher
	clock       *timeauth.Authority
	locks       *keyedMutex
	log         zerolog.Logger
}

// NewSubmissionService creates a new SubmissionService. queue and events
// may be nil.
func NewSubmissionService(
	sessions SessionStore,
	submissions SubmissionStore,
	tests TestProvider,
	queue GradingQueue,
	events EventPublisher,
	clock *timeauth.Authority,
	locks *SessionLocks,
	log zerolog.Logger,
) *SubmissionService {
	return &SubmissionService{
		sessions:    sessions,
		submissions: submissions,
		tests:       tests,
		queue:       queue,
		events:      events,
		clock:       clock,
		locks:       locks.km,
		log:         log.With().Str("component", "submission_service").Logger(),
	}
}

// SubmitInput is a final submit. The submitted answers, not the stored
// current_answers, are what gets graded.
type SubmitInput struct {
	SessionID string
	UserID    int
	Answers   map[string]*model.Answer
	// Origin identifies the connection that submitted, if any.
	Origin string
}

// SubmitOutcome is either an accepted Submission or a late rejection that
// carries the most recent prior Submission.
type SubmitOutcome struct {
	Submission       *model.Submission `json:"submission,omitempty"`
	Replayed         bool              `json:"replayed,omitempty"`
	Rejected         bool              `json:"rejected"`
	Reason           string            `json:"reason,omitempty"`
	LatestSubmission *model.Submission `json:"latest_submission,omitempty"`
	ElapsedSeconds   int64             `json:"elapsed_seconds,omitempty"`
	LimitSeconds     int64             `json:"limit_seconds,omitempty"`
}

// Submit finalizes a session. A retried submit for a session that is
// already submitted returns the stored Submission instead of a new one.
// A late submit with no prior submission returns a *TimeError wrapping
// ErrTimeLimitExceeded.
func (s *SubmissionService) Submit(ctx context.Context, in SubmitInput) (*SubmitOutcome, error) {
	answers, err := model.AnswersFromPatch(in.Answers)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	unlock := s.locks.Lock(in.SessionID)
	defer unlock()

	sess, err := loadOwned(ctx, s.sessions, in.SessionID, in.UserID)
	if err != nil {
		return nil, err
	}
	if sess.Status == model.SessionStatusSubmitted {
		return s.replay(ctx, sess.ID)
	}

	v := s.clock.Evaluate(sess.StartedAt, sess.TimeLimitSeconds)
	if sess.Status == model.SessionStatusExpired || !s.clock.WithinSubmitWindow(v) {
		return s.rejectLate(ctx, sess, v, in.Origin)
	}

	def, err := s.tests.GetTest(ctx, sess.TestID)
	if err != nil {
		return nil, err
	}
	// Dropped rather than rejected so a final submit is never lost.
	answers, dropped := def.KnownAnswers(answers)
	if dropped > 0 {
		s.log.Warn().Str("session_id", sess.ID).Int("dropped", dropped).Msg("Submit carried unknown question ids")
	}

	items, score, maxScore := gradeAnswers(def, answers)
	sub := &model.Submission{
		ID:               uuid.New(),
		SessionID:        sess.ID,
		TestID:           sess.TestID,
		UserID:           sess.UserID,
		AttemptNumber:    sess.AttemptNumber,
		Answers:          answers,
		Items:            items,
		Score:            score,
		MaxScore:         maxScore,
		IsPassed:         isPassed(score, maxScore, def.PassingScore),
		GradingStatus:    gradingStatus(items),
		SubmittedAt:      v.Now.UTC().Truncate(time.Microsecond),
		TimeTakenSeconds: int(v.ElapsedSeconds()),
	}

	if err := s.submissions.Finalize(ctx, sub); err != nil {
		if errors.Is(err, repository.ErrNotActive) || errors.Is(err, repository.ErrDuplicate) {
			// Another process closed the session between our read and write.
			if out, rerr := s.replay(ctx, sess.ID); rerr == nil {
				return out, nil
			}
			return nil, fmt.Errorf("%w: session closed concurrently", ErrSessionInactive)
		}
		return nil, fmt.Errorf("finalize submission: %w", err)
	}

	s.log.Info().
		Str("session_id", sess.ID).
		Str("submission_id", sub.ID.String()).
		Int("user_id", sess.UserID).
		Float64("score", sub.Score).
		Int("time_taken", sub.TimeTakenSeconds).
		Str("grading_status", string(sub.GradingStatus)).
		Msg("Submission accepted")

	if sub.GradingStatus == model.GradingStatusPending && s.queue != nil {
		if err := s.queue.Enqueue(ctx, GradeRequest{SubmissionID: sub.ID}); err != nil {
			s.log.Error().Err(err).Str("submission_id", sub.ID.String()).Msg("Failed to enqueue grade request")
		}
	}
	s.publish(ctx, SessionClosed{
		SessionID:    sess.ID,
		Reason:       CloseReasonSubmitted,
		Origin:       in.Origin,
		SubmissionID: sub.ID.String(),
	})

	return &SubmitOutcome{Submission: sub}, nil
}

func (s *SubmissionService) replay(ctx context.Context, sessionID string) (*SubmitOutcome, error) {
	existing, err := s.submissions.GetBySession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: session submitted without a stored submission", ErrSessionInactive)
		}
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return &SubmitOutcome{Submission: existing, Replayed: true}, nil
}

// rejectLate closes the session as expired and falls back to the most
// recent submission the learner has for this test.
func (s *SubmissionService) rejectLate(ctx context.Context, sess *model.Session, v timeauth.Verdict, origin string) (*SubmitOutcome, error) {
	if sess.IsActive() {
		err := s.sessions.Transition(ctx, sess.ID, model.SessionStatusExpired)
		switch {
		case err == nil:
			s.log.Info().
				Str("session_id", sess.ID).
				Int64("elapsed", v.ElapsedSeconds()).
				Int64("limit", v.LimitSeconds()).
				Msg("Late submit, session expired")
			s.publish(ctx, SessionClosed{SessionID: sess.ID, Reason: CloseReasonExpired, Origin: origin})
		case errors.Is(err, repository.ErrNotActive):
		default:
			s.log.Error().Err(err).Str("session_id", sess.ID).Msg("Failed to mark session expired")
		}
	}

	latest, err := s.submissions.LatestForTestAndUser(ctx, sess.TestID, sess.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &TimeError{Err: ErrTimeLimitExceeded, ElapsedSeconds: v.ElapsedSeconds(), LimitSeconds: v.LimitSeconds()}
		}
		return nil, fmt.Errorf("latest submission: %w", err)
	}
	return &SubmitOutcome{
		Rejected:         true,
		Reason:           RejectReasonTimeLimit,
		LatestSubmission: latest,
		ElapsedSeconds:   v.ElapsedSeconds(),
		LimitSeconds:     v.LimitSeconds(),
	}, nil
}

func (s *SubmissionService) publish(ctx context.Context, ev SessionClosed) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishSessionClosed(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("session_id", ev.SessionID).Msg("Failed to publish session event")
	}
}

// Latest returns the learner's most recent submission for a test.
func (s *SubmissionService) Latest(ctx context.Context, testID uuid.UUID, userID int) (*model.Submission, error) {
	sub, err := s.submissions.LatestForTestAndUser(ctx, testID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSubmissionNotFound
		}
		return nil, fmt.Errorf("latest submission: %w", err)
	}
	return sub, nil
}
