package app

import "errors"

var (
	// ErrSessionNotFound indicates a caller-supplied session id with no
	// matching conversation. Nothing is created or written in that case.
	ErrSessionNotFound = errors.New("session not found")
)
