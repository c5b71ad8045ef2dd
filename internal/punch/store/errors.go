package store

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidOperation = errors.New("invalid operation for session state")
	ErrInvalidState     = errors.New("invalid session state transition")
)
