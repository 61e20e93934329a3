package service

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced to handlers, which map them to response codes.
var (
	ErrTestNotFound       = errors.New("test not found")
	ErrSessionInactive    = errors.New("session inactive")
	ErrTimeExpired        = errors.New("time expired")
	ErrTimeLimitExceeded  = errors.New("time limit exceeded on submit")
	ErrTooManyAttempts    = errors.New("too many attempts")
	ErrValidation         = errors.New("validation error")
	ErrConflict           = errors.New("conflict")
	ErrInsufficientPoints = errors.New("insufficient points")
	ErrForbidden          = errors.New("forbidden")
	ErrSubmissionNotFound = errors.New("submission not found")
)

// TimeError is a deadline violation carrying the server's view of the clock.
// It unwraps to ErrTimeExpired or ErrTimeLimitExceeded.
type TimeError struct {
	Err            error
	ElapsedSeconds int64
	LimitSeconds   int64
}

func (e *TimeError) Error() string {
	return fmt.Sprintf("%v: elapsed %ds, limit %ds", e.Err, e.ElapsedSeconds, e.LimitSeconds)
}

func (e *TimeError) Unwrap() error { return e.Err }
