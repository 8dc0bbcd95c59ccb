package llm

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a gateway failure.
type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindUpstream4xx ErrorKind = "upstream_4xx"
	KindUpstream5xx ErrorKind = "upstream_5xx"
	KindCircuitOpen ErrorKind = "circuit_open"
	KindNetwork     ErrorKind = "network"
)

// Error is a gateway failure carrying its kind and underlying cause.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("llm: %s", e.Kind)
	}
	return fmt.Sprintf("llm: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the error kind, or "" when err is not a gateway error.
func KindOf(err error) ErrorKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}

// retryable reports whether an error is worth a fallback attempt.
// Auth and argument-shape errors (4xx) and circuit-open are not.
func retryable(err error) bool {
	switch KindOf(err) {
	case KindUpstream5xx, KindNetwork, KindTimeout:
		return true
	}
	return false
}
