package handler

import (
	"errors"
	"net/http"

	"github.com/stemsi/exstem-session/internal/response"
	"github.com/stemsi/exstem-session/internal/service"
)

// errorReply is the transport-neutral rendering of a service error, shared
// by the REST endpoints and the session stream.
type errorReply struct {
	status  int
	code    response.ErrCode
	details map[string]any
}

func classify(err error) errorReply {
	var te *service.TimeError
	if errors.As(err, &te) {
		r := errorReply{
			status:  http.StatusGone,
			code:    response.ErrTimeExpired,
			details: map[string]any{"elapsed_seconds": te.ElapsedSeconds, "limit_seconds": te.LimitSeconds},
		}
		if errors.Is(err, service.ErrTimeLimitExceeded) {
			r.status = http.StatusUnprocessableEntity
			r.code = response.ErrTimeLimitExceededOnSubmit
		}
		return r
	}

	switch {
	case errors.Is(err, service.ErrSessionInactive):
		return errorReply{status: http.StatusConflict, code: response.ErrSessionInactive}
	case errors.Is(err, service.ErrConflict):
		return errorReply{status: http.StatusConflict, code: response.ErrConflict}
	case errors.Is(err, service.ErrValidation):
		return errorReply{status: http.StatusBadRequest, code: response.ErrValidation,
			details: map[string]any{"detail": err.Error()}}
	case errors.Is(err, service.ErrTooManyAttempts):
		return errorReply{status: http.StatusForbidden, code: response.ErrTooManyAttempts}
	case errors.Is(err, service.ErrInsufficientPoints):
		return errorReply{status: http.StatusPaymentRequired, code: response.ErrInsufficientPoints}
	case errors.Is(err, service.ErrForbidden):
		return errorReply{status: http.StatusForbidden, code: response.ErrForbidden}
	case errors.Is(err, service.ErrTestNotFound):
		return errorReply{status: http.StatusNotFound, code: response.ErrTestNotFound}
	case errors.Is(err, service.ErrSubmissionNotFound):
		return errorReply{status: http.StatusNotFound, code: response.ErrNotFound}
	default:
		return errorReply{status: http.StatusInternalServerError, code: response.ErrInternal}
	}
}
