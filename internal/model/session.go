package model

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates session states. Transitions are monotonic:
// active -> submitted | expired.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusSubmitted SessionStatus = "submitted"
	SessionStatusExpired   SessionStatus = "expired"
)

// Session is the live record of one attempt at a test.
// StartedAt and TimeLimitSeconds never change after creation.
type Session struct {
	ID               string        `json:"session_id"`
	TestID           uuid.UUID     `json:"test_id"`
	UserID           int           `json:"user_id"`
	AttemptNumber    int           `json:"attempt_number"`
	StartedAt        time.Time     `json:"started_at"`
	TimeLimitSeconds int           `json:"time_limit_seconds"`
	CurrentAnswers   Answers       `json:"current_answers"`
	Status           SessionStatus `json:"status"`
	Version          int64         `json:"version"`
	LastSyncedAt     *time.Time    `json:"last_synced_at,omitempty"`
}

// IsActive reports whether the session still accepts writes.
func (s *Session) IsActive() bool {
	return s.Status == SessionStatusActive
}

// NewSessionID returns an opaque, unguessable session token.
func NewSessionID() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
