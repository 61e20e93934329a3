package model

import (
	"encoding/json"
	"sort"

	"github.com/google/uuid"
)

type QuestionType string

const (
	QuestionTypeMultipleChoice QuestionType = "MULTIPLE_CHOICE"
	QuestionTypeEssay          QuestionType = "ESSAY"
)

// Question is a single test item including its answer key.
type Question struct {
	ID            string          `json:"id"`
	Type          QuestionType    `json:"question_type"`
	Prompt        string          `json:"prompt"`
	Options       json.RawMessage `json:"options,omitempty"`
	CorrectOption string          `json:"correct_option,omitempty"`
	Rubric        string          `json:"rubric,omitempty"`
	Points        float64         `json:"points"`
	OrderNum      int             `json:"order_num"`
}

// TestDefinition is what the test-definition provider returns. The time limit
// is copied into each session at start and never re-read for that session.
type TestDefinition struct {
	ID               uuid.UUID  `json:"id"`
	Title            string     `json:"title"`
	TimeLimitSeconds int        `json:"time_limit_seconds"`
	MaxAttempts      int        `json:"max_attempts"`
	PassingScore     float64    `json:"passing_score"`
	CostPoints       int        `json:"cost_points"`
	Questions        []Question `json:"questions"`
}

// QuestionByID returns the question with the given id.
func (t *TestDefinition) QuestionByID(id string) (Question, bool) {
	for _, q := range t.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}

// UnknownQuestion reports the first answer key, in sorted order, that is
// not a question of t.
func (t *TestDefinition) UnknownQuestion(answers Answers) (string, bool) {
	ids := make([]string, 0, len(answers))
	for id := range answers {
		if _, ok := t.QuestionByID(id); !ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return "", false
	}
	sort.Strings(ids)
	return ids[0], true
}

// KnownAnswers returns the answers whose keys are questions of t and the
// number of entries it dropped.
func (t *TestDefinition) KnownAnswers(answers Answers) (Answers, int) {
	out := make(Answers, len(answers))
	for id, a := range answers {
		if _, ok := t.QuestionByID(id); ok {
			out[id] = a
		}
	}
	return out, len(answers) - len(out)
}

// QuestionForLearner is a question without its answer key or rubric.
type QuestionForLearner struct {
	ID       string          `json:"id"`
	Type     QuestionType    `json:"question_type"`
	Prompt   string          `json:"prompt"`
	Options  json.RawMessage `json:"options,omitempty"`
	Points   float64         `json:"points"`
	OrderNum int             `json:"order_num"`
}

// TestForLearner is the learner-facing view of a test.
type TestForLearner struct {
	ID               uuid.UUID            `json:"id"`
	Title            string               `json:"title"`
	TimeLimitSeconds int                  `json:"time_limit_seconds"`
	MaxAttempts      int                  `json:"max_attempts"`
	AttemptsUsed     int                  `json:"attempts_used"`
	CostPoints       int                  `json:"cost_points"`
	Questions        []QuestionForLearner `json:"questions"`
}

// ForLearner strips answer keys from the definition.
func (t *TestDefinition) ForLearner(attemptsUsed int) TestForLearner {
	qs := make([]QuestionForLearner, len(t.Questions))
	for i, q := range t.Questions {
		qs[i] = QuestionForLearner{
			ID:       q.ID,
			Type:     q.Type,
			Prompt:   q.Prompt,
			Options:  q.Options,
			Points:   q.Points,
			OrderNum: q.OrderNum,
		}
	}
	return TestForLearner{
		ID:               t.ID,
		Title:            t.Title,
		TimeLimitSeconds: t.TimeLimitSeconds,
		MaxAttempts:      t.MaxAttempts,
		AttemptsUsed:     attemptsUsed,
		CostPoints:       t.CostPoints,
		Questions:        qs,
	}
}
