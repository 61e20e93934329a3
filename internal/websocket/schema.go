package websocket

import (
	"encoding/json"
	"time"

	"github.com/stemsi/exstem-session/internal/model"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionJoin      Action = "join"
	ActionSyncBatch Action = "sync_batch"
	ActionSyncOne   Action = "sync_one"
	ActionHeartbeat Action = "heartbeat"
	ActionSubmit    Action = "submit"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// JoinRequest enters (or re-enters) a session.
type JoinRequest struct {
	Action    Action `json:"action"`
	SessionID string `json:"session_id"`
}

// SyncBatchRequest carries the client's complete answer map.
type SyncBatchRequest struct {
	Action      Action                   `json:"action"`
	Answers     map[string]*model.Answer `json:"answers"`
	BaseVersion *int64                   `json:"base_version,omitempty"`
}

// SyncOneRequest upserts one answer; an explicit null answer clears it.
// Answer stays raw so a missing field can be told apart from null.
type SyncOneRequest struct {
	Action      Action          `json:"action"`
	QuestionID  string          `json:"question_id"`
	Answer      json.RawMessage `json:"answer"`
	BaseVersion *int64          `json:"base_version,omitempty"`
}

// HeartbeatRequest asks for the authoritative remaining time.
type HeartbeatRequest struct {
	Action    Action `json:"action"`
	SessionID string `json:"session_id"`
}

// SubmitRequest finalizes the joined session with the given answers.
type SubmitRequest struct {
	Action  Action                   `json:"action"`
	Answers map[string]*model.Answer `json:"answers"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventJoined         Event = "joined"
	EventJoinError      Event = "join_error"
	EventSyncAck        Event = "sync_ack"
	EventSyncError      Event = "sync_error"
	EventHeartbeatAck   Event = "heartbeat_ack"
	EventTimeWarning    Event = "time_warning"
	EventSubmitted      Event = "submitted"
	EventSubmitRejected Event = "submit_rejected"
	EventSessionClosed  Event = "session_closed"
	EventError          Event = "error"
)

type JoinedEvent struct {
	Event            Event               `json:"event"`
	SessionID        string              `json:"session_id"`
	Status           model.SessionStatus `json:"status"`
	CurrentAnswers   model.Answers       `json:"current_answers"`
	RemainingSeconds int64               `json:"remaining_seconds"`
	TimeLimitSeconds int                 `json:"time_limit_seconds"`
	Version          int64               `json:"version"`
	ServerTime       time.Time           `json:"server_time"`
}

// ErrorEvent is used for join_error, sync_error and error.
type ErrorEvent struct {
	Event   Event          `json:"event"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type SyncAckEvent struct {
	Event     Event     `json:"event"`
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
	Version   int64     `json:"version"`
}

type HeartbeatAckEvent struct {
	Event            Event     `json:"event"`
	RemainingSeconds int64     `json:"remaining_seconds"`
	ServerTime       time.Time `json:"server_time"`
}

type TimeWarningEvent struct {
	Event            Event  `json:"event"`
	RemainingSeconds int64  `json:"remaining_seconds"`
	ThresholdSeconds int64  `json:"threshold_seconds"`
	Message          string `json:"message"`
}

type SubmittedEvent struct {
	Event      Event             `json:"event"`
	Submission *model.Submission `json:"submission"`
	Replayed   bool              `json:"replayed,omitempty"`
}

type SubmitRejectedEvent struct {
	Event            Event             `json:"event"`
	Code             string            `json:"code"`
	Message          string            `json:"message"`
	ElapsedSeconds   int64             `json:"elapsed_seconds"`
	LimitSeconds     int64             `json:"limit_seconds"`
	LatestSubmission *model.Submission `json:"latest_submission,omitempty"`
}

type SessionClosedEvent struct {
	Event        Event  `json:"event"`
	SessionID    string `json:"session_id"`
	Reason       string `json:"reason"`
	SubmissionID string `json:"submission_id,omitempty"`
}
