package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/model"
	"google.golang.org/api/option"
)

// GeminiGrader grades free-text answers with a Gemini model.
type GeminiGrader struct {
	client *genai.Client
	model  *genai.GenerativeModel
	log    zerolog.Logger
}

// NewGeminiGrader creates a Gemini-backed grader.
func NewGeminiGrader(ctx context.Context, apiKey, modelName string, log zerolog.Logger) (*GeminiGrader, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	m := client.GenerativeModel(modelName)
	m.SetTemperature(0.2)
	return &GeminiGrader{
		client: client,
		model:  m,
		log:    log.With().Str("component", "gemini_grader").Logger(),
	}, nil
}

// Close releases the underlying client.
func (g *GeminiGrader) Close() error {
	return g.client.Close()
}

const gradePrompt = `You are grading a free-text answer in a timed test.
Score the answer from 0 to %.2f points using the rubric. Be strict but fair.

Question:
---
%s
---

Rubric:
---
%s
---

Learner's answer:
---
%s
---
%s
Reply exactly in this format:
Score: <number>
Feedback: <two or three sentences>
`

// GradeFreeText asks the model for a score and feedback.
func (g *GeminiGrader) GradeFreeText(ctx context.Context, q model.Question, answer model.Answer) (*FreeTextResult, error) {
	if strings.TrimSpace(answer.Text) == "" && len(answer.Attachments) == 0 {
		return &FreeTextResult{Points: 0}, nil
	}

	rubric := q.Rubric
	if rubric == "" {
		rubric = "No rubric provided. Judge correctness and completeness."
	}
	attachments := ""
	if len(answer.Attachments) > 0 {
		attachments = "Attached files: " + strings.Join(answer.Attachments, ", ") + "\n"
	}

	prompt := fmt.Sprintf(gradePrompt, q.Points, q.Prompt, rubric, answer.Text, attachments)
	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("gemini returned no content")
	}

	var raw strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			raw.WriteString(string(txt))
		}
	}

	points, feedback, err := parseScoreAndFeedback(raw.String())
	if err != nil {
		g.log.Warn().Err(err).Str("question_id", q.ID).Msg("Unparseable grader reply")
		return nil, err
	}
	return &FreeTextResult{Points: points, Feedback: feedback}, nil
}

// parseScoreAndFeedback reads the "Score:" and "Feedback:" lines of a reply.
func parseScoreAndFeedback(reply string) (float64, string, error) {
	const scorePrefix, feedbackPrefix = "score:", "feedback:"

	var (
		scoreStr string
		feedback []string
		inFeed   bool
	)
	for _, line := range strings.Split(reply, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		switch {
		case scoreStr == "" && strings.HasPrefix(lower, scorePrefix):
			scoreStr = strings.TrimSpace(trimmed[len(scorePrefix):])
			inFeed = false
		case strings.HasPrefix(lower, feedbackPrefix):
			feedback = append(feedback, strings.TrimSpace(trimmed[len(feedbackPrefix):]))
			inFeed = true
		case inFeed && trimmed != "":
			feedback = append(feedback, trimmed)
		}
	}
	if scoreStr == "" {
		return 0, "", fmt.Errorf("reply has no score line")
	}

	fields := strings.Fields(scoreStr)
	num := strings.TrimSuffix(fields[0], ",")
	if i := strings.Index(num, "/"); i >= 0 {
		num = num[:i]
	}
	points, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, "", fmt.Errorf("parse score %q: %w", scoreStr, err)
	}
	return points, strings.Join(feedback, " "), nil
}
