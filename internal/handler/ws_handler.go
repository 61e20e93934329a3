package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/middleware"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/response"
	"github.com/stemsi/exstem-session/internal/service"
	"github.com/stemsi/exstem-session/internal/timeauth"
	ws "github.com/stemsi/exstem-session/internal/websocket"
)

// actionTimeout bounds the store work done for a single stream action.
const actionTimeout = 10 * time.Second

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler serves the session stream.
type WSHandler struct {
	hub         *ws.Hub
	sessions    *service.SessionService
	submissions *service.SubmissionService
	thresholds  []int64
	log         zerolog.Logger
	upgrader    websocket.Upgrader
}

// NewWSHandler creates a new WSHandler. thresholds are the time_warning
// marks in seconds, descending.
func NewWSHandler(
	hub *ws.Hub,
	sessions *service.SessionService,
	submissions *service.SubmissionService,
	thresholds []int64,
	log zerolog.Logger,
	allowedOrigins []string,
) *WSHandler {
	return &WSHandler{
		hub:         hub,
		sessions:    sessions,
		submissions: submissions,
		thresholds:  thresholds,
		log:         log.With().Str("component", "ws_handler").Logger(),
		upgrader:    buildUpgrader(allowedOrigins),
	}
}

type streamPhase int

const (
	phaseConnecting streamPhase = iota
	phaseJoined
	phaseClosed
)

// stream is the per-connection state. It is only touched from the
// connection's read goroutine.
type stream struct {
	client    *ws.Client
	userID    int
	phase     streamPhase
	sessionID string
	countdown *timeauth.Countdown
	log       zerolog.Logger
}

// SessionStream godoc
// WS /ws/v1/sessions/stream?token=
// Upgrades to WebSocket for join, answer sync, heartbeat and submit.
func (h *WSHandler) SessionStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := ws.NewClient(h.hub, conn, h.log)
	h.hub.Register(client)

	st := &stream{
		client: client,
		userID: claims.UserID,
		phase:  phaseConnecting,
		log:    h.log.With().Int("user_id", claims.UserID).Str("conn_id", client.ID()).Logger(),
	}
	st.log.Debug().Msg("Learner connected")

	go client.WritePump()
	client.ReadPump(func(raw []byte) { h.dispatch(st, raw) })

	st.log.Debug().Str("session_id", st.sessionID).Msg("Learner disconnected")
}

func errorEvent(ev ws.Event, err error) ws.ErrorEvent {
	r := classify(err)
	return ws.ErrorEvent{
		Event:   ev,
		Code:    string(r.code),
		Message: response.GetMessage(r.code),
		Details: r.details,
	}
}

func codeEvent(ev ws.Event, code response.ErrCode, details map[string]any) ws.ErrorEvent {
	return ws.ErrorEvent{Event: ev, Code: string(code), Message: response.GetMessage(code), Details: details}
}

func (h *WSHandler) dispatch(st *stream, raw []byte) {
	if st.phase == phaseClosed {
		return
	}

	var env ws.RequestEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		st.client.Send(codeEvent(ws.EventError, response.ErrInvalidPayload, nil))
		return
	}

	if env.Action != ws.ActionJoin && st.phase != phaseJoined {
		switch env.Action {
		case ws.ActionSyncBatch, ws.ActionSyncOne, ws.ActionHeartbeat, ws.ActionSubmit:
			st.client.Send(codeEvent(ws.EventError, response.ErrNotJoined, nil))
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	switch env.Action {
	case ws.ActionJoin:
		h.handleJoin(ctx, st, raw)
	case ws.ActionSyncBatch:
		h.handleSyncBatch(ctx, st, raw)
	case ws.ActionSyncOne:
		h.handleSyncOne(ctx, st, raw)
	case ws.ActionHeartbeat:
		h.handleHeartbeat(ctx, st)
	case ws.ActionSubmit:
		h.handleSubmit(ctx, st, raw)
	default:
		st.log.Warn().Str("action", string(env.Action)).Msg("Unknown action")
		st.client.Send(codeEvent(ws.EventError, response.ErrUnknownAction, map[string]any{"action": env.Action}))
	}
}

func (h *WSHandler) handleJoin(ctx context.Context, st *stream, raw []byte) {
	var req ws.JoinRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.SessionID == "" {
		st.client.Send(codeEvent(ws.EventJoinError, response.ErrInvalidPayload, nil))
		return
	}

	state, err := h.sessions.Join(ctx, req.SessionID, st.userID)
	if err != nil {
		st.client.Send(errorEvent(ws.EventJoinError, err))
		return
	}

	if st.sessionID != state.SessionID {
		st.countdown = timeauth.NewCountdown(h.thresholds)
	}
	st.sessionID = state.SessionID
	st.phase = phaseJoined
	st.log = st.log.With().Str("session_id", state.SessionID).Logger()
	h.hub.Bind(st.client, state.SessionID)

	remaining, warn := st.countdown.Observe(state.RemainingSeconds)
	st.client.Send(ws.JoinedEvent{
		Event:            ws.EventJoined,
		SessionID:        state.SessionID,
		Status:           state.Status,
		CurrentAnswers:   state.CurrentAnswers,
		RemainingSeconds: remaining,
		TimeLimitSeconds: state.TimeLimitSeconds,
		Version:          state.Version,
		ServerTime:       state.ServerTime,
	})
	sendWarning(st, warn)
	st.log.Info().
		Int64("remaining_seconds", remaining).
		Int("connections", h.hub.Connections(state.SessionID)).
		Msg("Session joined")
}

func (h *WSHandler) handleSyncBatch(ctx context.Context, st *stream, raw []byte) {
	var req ws.SyncBatchRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		st.client.Send(codeEvent(ws.EventSyncError, response.ErrValidation, map[string]any{"detail": err.Error()}))
		return
	}
	// A batch is a full overwrite; a missing map must not wipe the answers.
	if req.Answers == nil {
		st.client.Send(codeEvent(ws.EventSyncError, response.ErrValidation, map[string]any{"answers": "answers is a required field"}))
		return
	}

	res, err := h.sessions.SyncBatch(ctx, service.SyncBatchInput{
		SessionID:   st.sessionID,
		UserID:      st.userID,
		Answers:     req.Answers,
		BaseVersion: req.BaseVersion,
	})
	if err != nil {
		h.logActionError(st, "sync_batch", err)
		st.client.Send(errorEvent(ws.EventSyncError, err))
		return
	}
	st.client.Send(ws.SyncAckEvent{Event: ws.EventSyncAck, Count: res.AcceptedCount, Timestamp: res.SyncedAt, Version: res.Version})
}

func (h *WSHandler) handleSyncOne(ctx context.Context, st *stream, raw []byte) {
	var req ws.SyncOneRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		st.client.Send(codeEvent(ws.EventSyncError, response.ErrValidation, map[string]any{"detail": err.Error()}))
		return
	}
	answer, err := model.DecodeAnswerValue(req.Answer)
	if err != nil {
		st.client.Send(codeEvent(ws.EventSyncError, response.ErrValidation, map[string]any{"answer": err.Error()}))
		return
	}

	res, err := h.sessions.SyncOne(ctx, service.SyncOneInput{
		SessionID:   st.sessionID,
		UserID:      st.userID,
		QuestionID:  req.QuestionID,
		Answer:      answer,
		BaseVersion: req.BaseVersion,
	})
	if err != nil {
		h.logActionError(st, "sync_one", err)
		st.client.Send(errorEvent(ws.EventSyncError, err))
		return
	}
	st.client.Send(ws.SyncAckEvent{Event: ws.EventSyncAck, Count: res.AcceptedCount, Timestamp: res.SyncedAt, Version: res.Version})
}

func (h *WSHandler) handleHeartbeat(ctx context.Context, st *stream) {
	res, err := h.sessions.Heartbeat(ctx, st.sessionID, st.userID)
	if err != nil {
		h.logActionError(st, "heartbeat", err)
		st.client.Send(errorEvent(ws.EventError, err))
		return
	}

	remaining, warn := st.countdown.Observe(res.RemainingSeconds)
	st.client.Send(ws.HeartbeatAckEvent{Event: ws.EventHeartbeatAck, RemainingSeconds: remaining, ServerTime: res.ServerTime})
	sendWarning(st, warn)
}

func (h *WSHandler) handleSubmit(ctx context.Context, st *stream, raw []byte) {
	var req ws.SubmitRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		st.client.Send(codeEvent(ws.EventError, response.ErrValidation, map[string]any{"detail": err.Error()}))
		return
	}

	out, err := h.submissions.Submit(ctx, service.SubmitInput{
		SessionID: st.sessionID,
		UserID:    st.userID,
		Answers:   req.Answers,
		Origin:    st.client.ID(),
	})

	var te *service.TimeError
	switch {
	case err == nil && out.Rejected:
		st.client.Send(ws.SubmitRejectedEvent{
			Event:            ws.EventSubmitRejected,
			Code:             string(response.ErrTimeLimitExceededOnSubmit),
			Message:          response.GetMessage(response.ErrTimeLimitExceededOnSubmit),
			ElapsedSeconds:   out.ElapsedSeconds,
			LimitSeconds:     out.LimitSeconds,
			LatestSubmission: out.LatestSubmission,
		})
	case err == nil:
		st.client.Send(ws.SubmittedEvent{Event: ws.EventSubmitted, Submission: out.Submission, Replayed: out.Replayed})
	case errors.As(err, &te) && errors.Is(err, service.ErrTimeLimitExceeded):
		st.client.Send(ws.SubmitRejectedEvent{
			Event:          ws.EventSubmitRejected,
			Code:           string(response.ErrTimeLimitExceededOnSubmit),
			Message:        response.GetMessage(response.ErrTimeLimitExceededOnSubmit),
			ElapsedSeconds: te.ElapsedSeconds,
			LimitSeconds:   te.LimitSeconds,
		})
	default:
		h.logActionError(st, "submit", err)
		st.client.Send(errorEvent(ws.EventError, err))
		return
	}

	// The session is terminal either way; queued events flush before the
	// close frame.
	st.phase = phaseClosed
	st.client.Close()
}

func sendWarning(st *stream, w *timeauth.Warning) {
	if w == nil {
		return
	}
	st.client.Send(ws.TimeWarningEvent{
		Event:            ws.EventTimeWarning,
		RemainingSeconds: w.Remaining,
		ThresholdSeconds: w.Threshold,
		Message:          w.Message(),
	})
}

func (h *WSHandler) logActionError(st *stream, action string, err error) {
	if classify(err).status >= http.StatusInternalServerError {
		st.log.Error().Err(err).Str("action", action).Msg("Stream action failed")
		return
	}
	st.log.Debug().Err(err).Str("action", action).Msg("Stream action refused")
}
