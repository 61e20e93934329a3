package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-session/internal/config"
)

// Session close reasons.
const (
	CloseReasonSubmitted = "submitted"
	CloseReasonExpired   = "expired"
)

// SessionClosed announces that a session left the active state. Origin is
// the connection that caused it, so the relay can skip that client.
type SessionClosed struct {
	SessionID    string `json:"session_id"`
	Reason       string `json:"reason"`
	Origin       string `json:"origin,omitempty"`
	SubmissionID string `json:"submission_id,omitempty"`
}

// EventPublisher fans session lifecycle events out to connection managers.
type EventPublisher interface {
	PublishSessionClosed(ctx context.Context, ev SessionClosed) error
}

// EventPublisherFunc adapts a function to EventPublisher.
type EventPublisherFunc func(ctx context.Context, ev SessionClosed) error

func (f EventPublisherFunc) PublishSessionClosed(ctx context.Context, ev SessionClosed) error {
	return f(ctx, ev)
}

// RedisEventPublisher publishes on the per-session PubSub channel so every
// process can close its local connections.
type RedisEventPublisher struct {
	rdb *redis.Client
}

// NewRedisEventPublisher creates a new RedisEventPublisher.
func NewRedisEventPublisher(rdb *redis.Client) *RedisEventPublisher {
	return &RedisEventPublisher{rdb: rdb}
}

func (p *RedisEventPublisher) PublishSessionClosed(ctx context.Context, ev SessionClosed) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal session event: %w", err)
	}
	return p.rdb.Publish(ctx, config.CacheKey.SessionEventsChannel(ev.SessionID), data).Err()
}
