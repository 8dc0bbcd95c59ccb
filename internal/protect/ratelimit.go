package protect

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// windowLength is the measurement window for both limits.
	windowLength = time.Minute

	// janitorIdle is how long an untouched window lives before the
	// janitor evicts it.
	janitorIdle = 2 * time.Hour

	janitorInterval = 10 * time.Minute
)

// Limiter enforces sliding-window message rate limits per session and
// per agent. Windows are in-memory; a janitor evicts idle ones.
type Limiter struct {
	mu         sync.Mutex
	sessions   map[string]*window
	agents     map[string]*window
	perSession int
	perAgent   int
	now        func() time.Time
}

type window struct {
	hits     []time.Time
	lastSeen time.Time
}

// NewLimiter creates a limiter with per-minute budgets. Zero or
// negative budgets fall back to the defaults (30 per session, 120 per
// agent).
func NewLimiter(perSession, perAgent int) *Limiter {
	if perSession <= 0 {
		perSession = 30
	}
	if perAgent <= 0 {
		perAgent = 120
	}
	return &Limiter{
		sessions:   make(map[string]*window),
		agents:     make(map[string]*window),
		perSession: perSession,
		perAgent:   perAgent,
		now:        time.Now,
	}
}

// Allow records one message attempt. Both scopes must have room; a
// rejected attempt is not counted.
func (l *Limiter) Allow(sessionID, agentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	sw := l.windowFor(l.sessions, sessionID, now)
	if retry, ok := sw.room(now, l.perSession); !ok {
		return &RateLimitError{Scope: "session", RetryAfter: retry}
	}
	aw := l.windowFor(l.agents, agentID, now)
	if retry, ok := aw.room(now, l.perAgent); !ok {
		return &RateLimitError{Scope: "agent", RetryAfter: retry}
	}

	sw.hits = append(sw.hits, now)
	aw.hits = append(aw.hits, now)
	return nil
}

func (l *Limiter) windowFor(m map[string]*window, key string, now time.Time) *window {
	w, ok := m[key]
	if !ok {
		w = &window{}
		m[key] = w
	}
	w.lastSeen = now
	return w
}

// room trims expired hits and reports whether another fits. When full
// it returns how long until the oldest hit leaves the window.
func (w *window) room(now time.Time, limit int) (time.Duration, bool) {
	cutoff := now.Add(-windowLength)
	trimmed := w.hits[:0]
	for _, h := range w.hits {
		if h.After(cutoff) {
			trimmed = append(trimmed, h)
		}
	}
	w.hits = trimmed

	if len(w.hits) < limit {
		return 0, true
	}
	retry := w.hits[0].Add(windowLength).Sub(now)
	if retry < time.Second {
		retry = time.Second
	}
	return retry, false
}

// StartJanitor evicts idle windows until ctx is cancelled.
func (l *Limiter) StartJanitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := l.sweep(); n > 0 {
					slog.Debug("rate limiter janitor", "evicted", n)
				}
			}
		}
	}()
}

func (l *Limiter) sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-janitorIdle)
	n := 0
	for key, w := range l.sessions {
		if w.lastSeen.Before(cutoff) {
			delete(l.sessions, key)
			n++
		}
	}
	for key, w := range l.agents {
		if w.lastSeen.Before(cutoff) {
			delete(l.agents, key)
			n++
		}
	}
	return n
}
