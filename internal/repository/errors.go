package repository

import "errors"

// Store-level errors shared by the pgx and in-memory implementations.
var (
	ErrNotFound            = errors.New("record not found")
	ErrDuplicate           = errors.New("record already exists")
	ErrNotActive           = errors.New("session is not active")
	ErrVersionMismatch     = errors.New("answer version mismatch")
	ErrInsufficientBalance = errors.New("insufficient points balance")
)
