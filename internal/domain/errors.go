package domain

import "errors"

var (
	ErrValidation     = errors.New("validation error")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrAlreadyRunning = errors.New("dispatch run already active")
	ErrLoggedOut      = errors.New("session logged out, re-authentication required")
	ErrNotConnected   = errors.New("session is not connected")
)
