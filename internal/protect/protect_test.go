package protect

import (
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/hive/internal/store"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		role    string
		content string
		wantErr bool
	}{
		{"user ok", "user", "hello", false},
		{"assistant ok", "assistant", "hi", false},
		{"tool ok", "tool", `{"ok":true}`, false},
		{"roundtable role ok", "round-2", "thoughts", false},
		{"unknown role", "admin", "x", true},
		{"empty content", "user", "", true},
		{"invalid utf8", "user", string([]byte{0xff, 0xfe}), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.role, tc.content)
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate(%q, ...) = %v, wantErr %v", tc.role, err, tc.wantErr)
			}
			if tc.wantErr {
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Errorf("error type = %T, want *ValidationError", err)
				}
			}
		})
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"clean", "hello world", "hello world"},
		{"null byte", "a\x00b", "ab"},
		{"bell and backspace", "a\x07\x08b", "ab"},
		{"vertical tab and form feed", "a\x0b\x0cb", "ab"},
		{"escape", "a\x1bb", "ab"},
		{"delete", "a\x7fb", "ab"},
		{"newline kept", "a\nb", "a\nb"},
		{"tab kept", "a\tb", "a\tb"},
		{"carriage return kept", "a\r\nb", "a\r\nb"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Sanitize(tc.in); got != tc.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestLimiterSessionBudget(t *testing.T) {
	l := NewLimiter(3, 100)
	now := time.Now()
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if err := l.Allow("s1", "a1"); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}

	err := l.Allow("s1", "a1")
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v, want *RateLimitError", err)
	}
	if rl.Scope != "session" {
		t.Errorf("scope = %q, want session", rl.Scope)
	}
	if rl.RetryAfter <= 0 {
		t.Errorf("retry_after = %v, want > 0", rl.RetryAfter)
	}

	// Another session under the same agent is unaffected.
	if err := l.Allow("s2", "a1"); err != nil {
		t.Errorf("other session: %v", err)
	}

	// The window slides: after a minute the budget is back.
	now = now.Add(windowLength + time.Second)
	if err := l.Allow("s1", "a1"); err != nil {
		t.Errorf("after window: %v", err)
	}
}

func TestLimiterAgentBudget(t *testing.T) {
	l := NewLimiter(100, 2)
	now := time.Now()
	l.now = func() time.Time { return now }

	l.Allow("s1", "a1")
	l.Allow("s2", "a1")

	err := l.Allow("s3", "a1")
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v, want *RateLimitError", err)
	}
	if rl.Scope != "agent" {
		t.Errorf("scope = %q, want agent", rl.Scope)
	}

	// The rejected attempt must not have consumed session budget.
	if err := l.Allow("s3", "a2"); err != nil {
		t.Errorf("different agent: %v", err)
	}
}

func TestLimiterJanitorSweep(t *testing.T) {
	l := NewLimiter(10, 10)
	now := time.Now()
	l.now = func() time.Time { return now }

	l.Allow("s1", "a1")
	now = now.Add(janitorIdle + time.Minute)
	l.Allow("s2", "a2")

	if n := l.sweep(); n != 2 {
		t.Errorf("sweep evicted %d windows, want 2 (s1 and a1)", n)
	}
	l.mu.Lock()
	_, s1 := l.sessions["s1"]
	_, s2 := l.sessions["s2"]
	l.mu.Unlock()
	if s1 || !s2 {
		t.Errorf("after sweep: s1 present=%v s2 present=%v", s1, s2)
	}
}

func TestLocksSameSessionSameMutex(t *testing.T) {
	locks := NewLocks()
	a := locks.Acquire("s1")
	b := locks.Acquire("s1")
	if a != b {
		t.Error("same session must return the same mutex")
	}
	if locks.Acquire("s2") == a {
		t.Error("different sessions must not share a mutex")
	}
}

func TestCheckSessionFull(t *testing.T) {
	s := &store.Session{ContextWindow: 50, MessageCount: 999}
	if err := CheckSessionFull(s); err != nil {
		t.Errorf("under cap: %v", err)
	}

	s.MessageCount = 1000
	err := CheckSessionFull(s)
	if !errors.Is(err, store.ErrSessionFull) {
		t.Errorf("at cap: err = %v, want ErrSessionFull", err)
	}

	// No window configured means no cap.
	if err := CheckSessionFull(&store.Session{MessageCount: 1 << 20}); err != nil {
		t.Errorf("no cap: %v", err)
	}
}
