package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Answer payload limits.
const (
	MaxAnswersPerBatch  = 500
	MaxQuestionIDLength = 128
	MaxChoiceLength     = 64
	MaxTextLength       = 20000
	MaxAttachments      = 10
	MaxAttachmentLength = 2048
)

// ErrInvalidAnswer is returned when an answer payload is malformed.
var ErrInvalidAnswer = errors.New("invalid answer")

// Answer is a learner's answer to one question.
//
// On the wire a multiple-choice answer is a bare string ("A"); free-text
// answers are objects: {"text": "...", "attachments": ["/uploads/x.png"]}.
type Answer struct {
	Choice      string   `json:"choice,omitempty"`
	Text        string   `json:"text,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

// answerObject avoids recursion into Answer's own (un)marshalers.
type answerObject struct {
	Choice      string   `json:"choice,omitempty"`
	Text        string   `json:"text,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

// IsEmpty reports whether the answer carries no content at all.
func (a Answer) IsEmpty() bool {
	return strings.TrimSpace(a.Choice) == "" && strings.TrimSpace(a.Text) == "" && len(a.Attachments) == 0
}

// Equal compares two answers field by field.
func (a Answer) Equal(b Answer) bool {
	if a.Choice != b.Choice || a.Text != b.Text || len(a.Attachments) != len(b.Attachments) {
		return false
	}
	for i := range a.Attachments {
		if a.Attachments[i] != b.Attachments[i] {
			return false
		}
	}
	return true
}

// MarshalJSON emits a bare string for choice-only answers.
func (a Answer) MarshalJSON() ([]byte, error) {
	if a.Text == "" && len(a.Attachments) == 0 {
		return json.Marshal(a.Choice)
	}
	return json.Marshal(answerObject(a))
}

// UnmarshalJSON accepts either a string or an answer object.
func (a *Answer) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("%w: empty value", ErrInvalidAnswer)
	}

	switch data[0] {
	case '"':
		var choice string
		if err := json.Unmarshal(data, &choice); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidAnswer, err)
		}
		*a = Answer{Choice: choice}
		return nil
	case '{':
		var obj answerObject
		if err := json.Unmarshal(data, &obj); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidAnswer, err)
		}
		*a = Answer(obj)
		return nil
	case 'n':
		// null is handled by *Answer decoding; a value receiver means "cleared".
		*a = Answer{}
		return nil
	default:
		return fmt.Errorf("%w: expected string or object", ErrInvalidAnswer)
	}
}

// ErrAnswerMissing is returned when a single-answer payload has no answer
// field at all. Only an explicit null clears an answer.
var ErrAnswerMissing = fmt.Errorf("%w: answer is required, use null to clear", ErrInvalidAnswer)

// DecodeAnswerValue decodes the raw "answer" field of a single upsert. A
// JSON null yields a nil Answer.
func DecodeAnswerValue(raw json.RawMessage) (*Answer, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, ErrAnswerMissing
	}
	if bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var a Answer
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Validate checks the answer against the payload limits.
func (a Answer) Validate() error {
	if len(a.Choice) > MaxChoiceLength {
		return fmt.Errorf("%w: choice exceeds %d characters", ErrInvalidAnswer, MaxChoiceLength)
	}
	if len([]rune(a.Text)) > MaxTextLength {
		return fmt.Errorf("%w: text exceeds %d characters", ErrInvalidAnswer, MaxTextLength)
	}
	if len(a.Attachments) > MaxAttachments {
		return fmt.Errorf("%w: more than %d attachments", ErrInvalidAnswer, MaxAttachments)
	}
	for _, ref := range a.Attachments {
		if ref == "" || len(ref) > MaxAttachmentLength {
			return fmt.Errorf("%w: attachment reference must be 1..%d characters", ErrInvalidAnswer, MaxAttachmentLength)
		}
	}
	return nil
}

// ValidateQuestionID checks that a question id is usable as a map key.
func ValidateQuestionID(id string) error {
	if id == "" || len(id) > MaxQuestionIDLength {
		return fmt.Errorf("%w: question_id must be 1..%d characters", ErrInvalidAnswer, MaxQuestionIDLength)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: question_id contains whitespace", ErrInvalidAnswer)
		}
	}
	return nil
}

// Answers maps question_id to the learner's answer.
type Answers map[string]Answer

// AnswersFromPatch converts an inbound map, where a null entry means
// "no answer", into a clean Answers set. The result is validated.
func AnswersFromPatch(in map[string]*Answer) (Answers, error) {
	if len(in) > MaxAnswersPerBatch {
		return nil, fmt.Errorf("%w: more than %d answers", ErrInvalidAnswer, MaxAnswersPerBatch)
	}
	out := make(Answers, len(in))
	for qid, ans := range in {
		if err := ValidateQuestionID(qid); err != nil {
			return nil, err
		}
		if ans == nil || ans.IsEmpty() {
			continue
		}
		if err := ans.Validate(); err != nil {
			return nil, fmt.Errorf("question %s: %w", qid, err)
		}
		out[qid] = *ans
	}
	return out, nil
}

// Clone returns a deep copy.
func (a Answers) Clone() Answers {
	out := make(Answers, len(a))
	for k, v := range a {
		if v.Attachments != nil {
			v.Attachments = append([]string(nil), v.Attachments...)
		}
		out[k] = v
	}
	return out
}

// Equal reports whether both sets hold the same answers.
func (a Answers) Equal(b Answers) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !v.Equal(w) {
			return false
		}
	}
	return true
}
