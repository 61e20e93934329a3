package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/repository"
)

// FreeTextResult is a grader's verdict on one free-text answer.
type FreeTextResult struct {
	Points   float64
	Feedback string
}

// FreeTextGrader scores free-text answers out of band.
type FreeTextGrader interface {
	GradeFreeText(ctx context.Context, q model.Question, answer model.Answer) (*FreeTextResult, error)
}

// GradingService patches pending submissions with external grading results.
type GradingService struct {
	submissions SubmissionStore
	tests       TestProvider
	grader      FreeTextGrader
	log         zerolog.Logger
}

// NewGradingService creates a new GradingService.
func NewGradingService(submissions SubmissionStore, tests TestProvider, grader FreeTextGrader, log zerolog.Logger) *GradingService {
	return &GradingService{
		submissions: submissions,
		tests:       tests,
		grader:      grader,
		log:         log.With().Str("component", "grading_service").Logger(),
	}
}

// Grade scores every pending item of a submission and stores the final
// score. Already graded submissions are left untouched.
func (s *GradingService) Grade(ctx context.Context, req GradeRequest) error {
	sub, err := s.submissions.GetByID(ctx, req.SubmissionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.log.Warn().Str("submission_id", req.SubmissionID.String()).Msg("Grade request for unknown submission dropped")
			return nil
		}
		return fmt.Errorf("get submission: %w", err)
	}
	if sub.GradingStatus != model.GradingStatusPending {
		return nil
	}

	def, err := s.tests.GetTest(ctx, sub.TestID)
	if err != nil {
		return fmt.Errorf("get test: %w", err)
	}

	items := append([]model.ItemResult(nil), sub.Items...)
	for i := range items {
		if !items[i].Pending {
			continue
		}
		q, ok := def.QuestionByID(items[i].QuestionID)
		if !ok {
			items[i].Pending = false
			continue
		}
		res, err := s.grader.GradeFreeText(ctx, q, sub.Answers[q.ID])
		if err != nil {
			return fmt.Errorf("grade question %s: %w", q.ID, err)
		}
		points := res.Points
		if points < 0 {
			points = 0
		}
		if points > items[i].MaxPoints {
			points = items[i].MaxPoints
		}
		items[i].Points = round2(points)
		items[i].Feedback = res.Feedback
		items[i].Pending = false
	}

	var score float64
	for _, it := range items {
		score += it.Points
	}
	score = round2(score)
	passed := isPassed(score, sub.MaxScore, def.PassingScore)

	err = s.submissions.ApplyGrading(ctx, sub.ID, items, score, passed, gradingStatus(items))
	if errors.Is(err, repository.ErrNotFound) {
		// Graded concurrently by another worker.
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply grading: %w", err)
	}

	s.log.Info().
		Str("submission_id", sub.ID.String()).
		Float64("score", score).
		Bool("passed", passed).
		Msg("Submission graded")
	return nil
}
