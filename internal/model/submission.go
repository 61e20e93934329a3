package model

import (
	"time"

	"github.com/google/uuid"
)

// GradingStatus tells whether every item of a submission has a score.
type GradingStatus string

const (
	GradingStatusGraded  GradingStatus = "graded"
	GradingStatusPending GradingStatus = "pending"
)

// ItemResult is the grading outcome for a single question.
type ItemResult struct {
	QuestionID string       `json:"question_id"`
	Type       QuestionType `json:"question_type"`
	Correct    *bool        `json:"correct,omitempty"`
	Points     float64      `json:"points"`
	MaxPoints  float64      `json:"max_points"`
	Pending    bool         `json:"pending,omitempty"`
	Feedback   string       `json:"feedback,omitempty"`
}

// Submission is an immutable, graded (or partially graded) snapshot of a
// session's answers. Only the grading fields are patched later, by the
// free-text grading worker.
type Submission struct {
	ID               uuid.UUID     `json:"submission_id"`
	SessionID        string        `json:"session_id"`
	TestID           uuid.UUID     `json:"test_id"`
	UserID           int           `json:"user_id"`
	AttemptNumber    int           `json:"attempt_number"`
	Answers          Answers       `json:"answers"`
	Items            []ItemResult  `json:"items"`
	Score            float64       `json:"score"`
	MaxScore         float64       `json:"max_score"`
	IsPassed         bool          `json:"is_passed"`
	GradingStatus    GradingStatus `json:"grading_status"`
	SubmittedAt      time.Time     `json:"submitted_at"`
	TimeTakenSeconds int           `json:"time_taken_seconds"`
}

// HasPendingItems reports whether any item still awaits external grading.
func (s *Submission) HasPendingItems() bool {
	for _, it := range s.Items {
		if it.Pending {
			return true
		}
	}
	return false
}
