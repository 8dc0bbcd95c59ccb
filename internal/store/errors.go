package store

import "errors"

var (
	// ErrSessionNotFound indicates no session exists for the given id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionEnded indicates the session no longer accepts messages.
	ErrSessionEnded = errors.New("session ended")

	// ErrSessionFull indicates the session reached its message cap.
	ErrSessionFull = errors.New("session full")

	// ErrAgentNotFound indicates no agent state exists for the given id.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrJobNotFound indicates no cron job exists for the given id.
	ErrJobNotFound = errors.New("cron job not found")
)
