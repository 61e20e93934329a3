package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/middleware"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/response"
	"github.com/stemsi/exstem-session/internal/service"
	"github.com/stemsi/exstem-session/internal/validator"
)

// SessionHandler serves the request/response endpoints. They are the
// backup path for a client whose stream is down and share every rule with
// the stream.
type SessionHandler struct {
	sessions    *service.SessionService
	submissions *service.SubmissionService
	log         zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessions *service.SessionService, submissions *service.SubmissionService, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions:    sessions,
		submissions: submissions,
		log:         log.With().Str("component", "session_handler").Logger(),
	}
}

type sessionURI struct {
	SessionID string `uri:"session_id" binding:"required,max=64"`
}

type answerURI struct {
	SessionID  string `uri:"session_id" binding:"required,max=64"`
	QuestionID string `uri:"question_id" binding:"required,question_id"`
}

// SyncAnswersRequest replaces the whole answer map.
type SyncAnswersRequest struct {
	Answers     map[string]*model.Answer `json:"answers" binding:"required,max=500"`
	BaseVersion *int64                   `json:"base_version" binding:"omitempty,min=0"`
}

// UpsertAnswerRequest sets one answer; an explicit null clears it.
type UpsertAnswerRequest struct {
	Answer      json.RawMessage `json:"answer" binding:"required"`
	BaseVersion *int64          `json:"base_version" binding:"omitempty,min=0"`
}

// SubmitRequest carries the final answers.
type SubmitRequest struct {
	Answers map[string]*model.Answer `json:"answers" binding:"max=500"`
}

func (h *SessionHandler) fail(c *gin.Context, err error) {
	r := classify(err)
	if r.status >= http.StatusInternalServerError {
		response.Logger(c, h.log).Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	}
	if r.details != nil {
		response.FailWithDetails(c, r.status, r.code, r.details)
		return
	}
	response.Fail(c, r.status, r.code)
}

func testIDParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("test_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}
	return id, true
}

// GetTest godoc
// GET /api/v1/tests/:test_id
// Returns the learner-facing test without answer keys.
func (h *SessionHandler) GetTest(c *gin.Context) {
	claims := middleware.GetClaims(c)
	testID, ok := testIDParam(c)
	if !ok {
		return
	}

	view, err := h.sessions.Describe(c.Request.Context(), testID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, view)
}

// StartTest godoc
// POST /api/v1/tests/:test_id/start
// Creates a new attempt. Refused once max_attempts is reached.
func (h *SessionHandler) StartTest(c *gin.Context) {
	claims := middleware.GetClaims(c)
	testID, ok := testIDParam(c)
	if !ok {
		return
	}

	res, err := h.sessions.Start(c.Request.Context(), testID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusCreated, res)
}

// LatestSubmission godoc
// GET /api/v1/tests/:test_id/submissions/latest
func (h *SessionHandler) LatestSubmission(c *gin.Context) {
	claims := middleware.GetClaims(c)
	testID, ok := testIDParam(c)
	if !ok {
		return
	}

	sub, err := h.submissions.Latest(c.Request.Context(), testID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, sub)
}

// GetSession godoc
// GET /api/v1/sessions/:session_id
// Returns current answers and remaining time, whatever the status.
func (h *SessionHandler) GetSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	var uri sessionURI
	if fields := validator.BindURI(c, &uri); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	state, err := h.sessions.State(c.Request.Context(), uri.SessionID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, state)
}

// SyncAnswers godoc
// PUT /api/v1/sessions/:session_id/answers
// Overwrites current_answers with the full map.
func (h *SessionHandler) SyncAnswers(c *gin.Context) {
	claims := middleware.GetClaims(c)
	var uri sessionURI
	if fields := validator.BindURI(c, &uri); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	var req SyncAnswersRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	res, err := h.sessions.SyncBatch(c.Request.Context(), service.SyncBatchInput{
		SessionID:   uri.SessionID,
		UserID:      claims.UserID,
		Answers:     req.Answers,
		BaseVersion: req.BaseVersion,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

// UpsertAnswer godoc
// PATCH /api/v1/sessions/:session_id/answers/:question_id
func (h *SessionHandler) UpsertAnswer(c *gin.Context) {
	claims := middleware.GetClaims(c)
	var uri answerURI
	if fields := validator.BindURI(c, &uri); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	var req UpsertAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	answer, err := model.DecodeAnswerValue(req.Answer)
	if err != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, map[string]string{"answer": err.Error()})
		return
	}

	res, err := h.sessions.SyncOne(c.Request.Context(), service.SyncOneInput{
		SessionID:   uri.SessionID,
		UserID:      claims.UserID,
		QuestionID:  uri.QuestionID,
		Answer:      answer,
		BaseVersion: req.BaseVersion,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

// Submit godoc
// POST /api/v1/sessions/:session_id/submit
// 201 with the new submission, 200 on a replay or on a late submit that
// falls back to the latest submission, 422 when late with no fallback.
func (h *SessionHandler) Submit(c *gin.Context) {
	claims := middleware.GetClaims(c)
	var uri sessionURI
	if fields := validator.BindURI(c, &uri); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	var req SubmitRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	out, err := h.submissions.Submit(c.Request.Context(), service.SubmitInput{
		SessionID: uri.SessionID,
		UserID:    claims.UserID,
		Answers:   req.Answers,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	switch {
	case out.Rejected:
		response.Partial(c, http.StatusOK, out, response.ErrTimeLimitExceededOnSubmit, map[string]any{
			"elapsed_seconds": out.ElapsedSeconds,
			"limit_seconds":   out.LimitSeconds,
		})
	case out.Replayed:
		response.Success(c, http.StatusOK, out)
	default:
		response.Success(c, http.StatusCreated, out)
	}
}
