package service

import (
	"math"
	"strings"

	"github.com/stemsi/exstem-session/internal/model"
)

// gradeAnswers scores every question of def against answers. Multiple
// choice is graded on the spot; non-empty free-text answers are left
// pending for the external grader.
func gradeAnswers(def *model.TestDefinition, answers model.Answers) (items []model.ItemResult, score, maxScore float64) {
	items = make([]model.ItemResult, 0, len(def.Questions))
	for _, q := range def.Questions {
		ans, answered := answers[q.ID]
		item := model.ItemResult{
			QuestionID: q.ID,
			Type:       q.Type,
			MaxPoints:  q.Points,
		}
		switch q.Type {
		case model.QuestionTypeMultipleChoice:
			correct := answered && q.CorrectOption != "" &&
				strings.EqualFold(strings.TrimSpace(ans.Choice), strings.TrimSpace(q.CorrectOption))
			item.Correct = &correct
			if correct {
				item.Points = q.Points
			}
		default:
			if answered && !ans.IsEmpty() {
				item.Pending = true
			}
		}
		score += item.Points
		maxScore += q.Points
		items = append(items, item)
	}
	return items, round2(score), round2(maxScore)
}

// isPassed compares the percentage score with the test's passing mark.
func isPassed(score, maxScore, passingScore float64) bool {
	if maxScore <= 0 {
		return false
	}
	return score/maxScore*100 >= passingScore
}

func gradingStatus(items []model.ItemResult) model.GradingStatus {
	for _, it := range items {
		if it.Pending {
			return model.GradingStatusPending
		}
	}
	return model.GradingStatusGraded
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
