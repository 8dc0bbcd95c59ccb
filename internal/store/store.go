package store

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"
)

// SessionFilter narrows and pages ListSessions.
type SessionFilter struct {
	AgentID  string
	Type     string
	Search   string // matched against title, case-insensitive
	DateFrom *time.Time
	DateTo   *time.Time
	SortBy   string // created_at|updated_at|title
	Order    string // asc|desc
	Limit    int
	Offset   int
}

// Normalize clamps paging and defaults sorting. Limit is clamped to
// [1,100], offset to >= 0.
func (f *SessionFilter) Normalize() {
	if f.Limit < 1 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	switch f.SortBy {
	case "created_at", "updated_at", "title":
	default:
		f.SortBy = "updated_at"
	}
	if f.Order != "asc" {
		f.Order = "desc"
	}
}

// SessionStats is the aggregate served at /sessions/stats.
type SessionStats struct {
	Total         int            `json:"total"`
	Active        int            `json:"active"`
	Ended         int            `json:"ended"`
	TotalMessages int64          `json:"total_messages"`
	TotalTokens   int64          `json:"total_tokens"`
	TotalCost     float64        `json:"total_cost"`
	ByType        map[string]int `json:"by_type"`
}

// SessionStore persists sessions and their messages.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, s *Session) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, f SessionFilter) ([]*Session, int, error)
	EndSession(ctx context.Context, id string) error
	SessionStats(ctx context.Context) (*SessionStats, error)

	// AppendMessage assigns the message id, persists it, and bumps the
	// session's counters in the same operation. A zero CreatedAt is
	// stamped with the current time; a caller-set one survives so
	// imports keep their original timestamps.
	AppendMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, sessionID string, since *time.Time, limit int) ([]*Message, error)

	// PruneOldSessions ends sessions idle longer than olderThan and
	// returns how many were (or would be) affected. Dry runs never mutate.
	PruneOldSessions(ctx context.Context, olderThan time.Duration, dryRun bool) (int, error)
}

// AgentStore persists agent state and the metrics roll-up.
type AgentStore interface {
	UpsertAgent(ctx context.Context, a *AgentState) error
	GetAgent(ctx context.Context, id string) (*AgentState, error)
	ListAgents(ctx context.Context) ([]*AgentState, error)
	SetAgentStatus(ctx context.Context, id string, status AgentStatus, consecutiveFailures int) error
	SetPheromone(ctx context.Context, id string, score float64) error

	// RecordAgentResult folds one interaction into the roll-up counters
	// and refreshes last_active.
	RecordAgentResult(ctx context.Context, id string, tokens int64, latencyMs int64, success bool) error
}

// CronStore persists cron jobs and their execution history.
type CronStore interface {
	CreateJob(ctx context.Context, j *CronJob) error
	GetJob(ctx context.Context, id string) (*CronJob, error)
	UpdateJob(ctx context.Context, j *CronJob) error
	DeleteJob(ctx context.Context, id string) error
	ListJobs(ctx context.Context, enabledOnly bool) ([]*CronJob, error)

	// RecordRun appends a history entry and updates the job's counters
	// and last-run fields.
	RecordRun(ctx context.Context, jobID, status string, durationMs int64, errText string, nextRun *time.Time) error
	ListHistory(ctx context.Context, jobID string, limit int) ([]*HistoryEntry, error)
}

// Store is the full persistence surface of the engine.
type Store interface {
	SessionStore
	AgentStore
	CronStore
	Close() error
}

// ClampTitle truncates a title to MaxTitleChars runes.
func ClampTitle(title string) string {
	title = strings.TrimSpace(title)
	if utf8.RuneCountInString(title) <= MaxTitleChars {
		return title
	}
	runes := []rune(title)
	return string(runes[:MaxTitleChars])
}

// ClampContent truncates content to MaxContentBytes, never splitting a
// UTF-8 sequence.
func ClampContent(content string) string {
	if len(content) <= MaxContentBytes {
		return content
	}
	cut := MaxContentBytes
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut]
}
