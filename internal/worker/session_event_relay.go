package worker

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/service"
	ws "github.com/stemsi/exstem-session/internal/websocket"
)

// SessionCloser is the part of the hub the relay drives.
type SessionCloser interface {
	CloseSession(sessionID string, ev ws.SessionClosedEvent, exceptID string)
}

// SessionEventRelay turns session lifecycle events published by any process
// into session_closed notices on this process's connections.
type SessionEventRelay struct {
	rdb    *redis.Client
	closer SessionCloser
	log    zerolog.Logger
}

func NewSessionEventRelay(rdb *redis.Client, closer SessionCloser, log zerolog.Logger) *SessionEventRelay {
	return &SessionEventRelay{
		rdb:    rdb,
		closer: closer,
		log:    log.With().Str("component", "session_event_relay").Logger(),
	}
}

// Start blocks until ctx is cancelled.
func (r *SessionEventRelay) Start(ctx context.Context) {
	sub := r.rdb.PSubscribe(ctx, config.CacheKey.SessionEventsPattern())
	defer sub.Close()

	r.log.Info().Msg("SessionEventRelay started")
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("SessionEventRelay stopped")
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.handle(msg)
		}
	}
}

func (r *SessionEventRelay) handle(msg *redis.Message) {
	sessionID, ok := config.CacheKey.SessionIDFromChannel(msg.Channel)
	if !ok {
		return
	}
	var ev service.SessionClosed
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		r.log.Error().Err(err).Str("channel", msg.Channel).Msg("Invalid session event")
		return
	}
	r.closer.CloseSession(sessionID, ws.SessionClosedEvent{
		Reason:       ev.Reason,
		SubmissionID: ev.SubmissionID,
	}, ev.Origin)
}
