// Package protect guards session writes: input validation and
// sanitization, sliding-window rate limits, and per-session write locks.
package protect

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/nextlevelbuilder/hive/internal/store"
)

// ValidationError rejects malformed input before it reaches the engine.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RateLimitError tells the caller when to retry.
type RateLimitError struct {
	Scope      string // "session" or "agent"
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limit exceeded, retry after %s", e.Scope, e.RetryAfter.Round(time.Second))
}

var validRoles = map[string]bool{
	"user":      true,
	"assistant": true,
	"system":    true,
	"tool":      true,
}

// Validate checks role and content. Oversized content is not an error:
// callers truncate deterministically via store.ClampContent.
func Validate(role, content string) error {
	if !validRoles[role] && !strings.HasPrefix(role, "round-") {
		return &ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", role)}
	}
	if content == "" {
		return &ValidationError{Field: "content", Reason: "empty"}
	}
	if !utf8.ValidString(content) {
		return &ValidationError{Field: "content", Reason: "not valid UTF-8"}
	}
	return nil
}

// Sanitize strips control characters from user content. Newlines and
// tabs survive.
func Sanitize(content string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 0x00 && r <= 0x08:
			return -1
		case r == 0x0b || r == 0x0c:
			return -1
		case r >= 0x0e && r <= 0x1f:
			return -1
		case r == 0x7f:
			return -1
		}
		return r
	}, content)
}

// Locks hands out one write mutex per session id, lazily created.
// The lock is held across the whole tool-call loop of a turn.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocks creates an empty lock table.
func NewLocks() *Locks {
	return &Locks{locks: make(map[string]*sync.Mutex)}
}

// Acquire returns the session's write mutex, creating it on first use.
// The caller locks and unlocks it.
func (l *Locks) Acquire(sessionID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[sessionID] = m
	}
	return m
}

// Release drops the lock entry for an ended or deleted session.
func (l *Locks) Release(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, sessionID)
}

// CheckSessionFull rejects sessions at their message cap. The cap is
// the context window times a safety factor so history trimming has
// headroom before the hard stop.
func CheckSessionFull(s *store.Session) error {
	if s.ContextWindow <= 0 {
		return nil
	}
	cap := s.ContextWindow * 20
	if s.MessageCount >= cap {
		return fmt.Errorf("%w: %d messages (cap %d)", store.ErrSessionFull, s.MessageCount, cap)
	}
	return nil
}
