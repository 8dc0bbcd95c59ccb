package store

import "time"

// SessionType classifies who drives a session.
type SessionType string

const (
	SessionChat       SessionType = "chat"
	SessionRoundtable SessionType = "roundtable"
	SessionCron       SessionType = "cron"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// AgentStatus is the runtime state of an agent.
type AgentStatus string

const (
	AgentIdle     AgentStatus = "idle"
	AgentBusy     AgentStatus = "busy"
	AgentError    AgentStatus = "error"
	AgentDisabled AgentStatus = "disabled"
)

const (
	// MaxContentBytes caps message content. Longer content is truncated
	// before persistence.
	MaxContentBytes = 100 * 1024

	// MaxTitleChars caps session titles.
	MaxTitleChars = 200
)

// Session is a durable, ordered conversation owned by one agent.
type Session struct {
	ID            string         `json:"id"`
	AgentID       string         `json:"agent_id"`
	Type          SessionType    `json:"session_type"`
	Title         string         `json:"title"`
	SystemPrompt  string         `json:"system_prompt,omitempty"`
	Model         string         `json:"model"`
	Temperature   float64        `json:"temperature"`
	MaxTokens     int            `json:"max_tokens"`
	ContextWindow int            `json:"context_window"`
	Status        SessionStatus  `json:"status"`
	MessageCount  int            `json:"message_count"`
	TotalTokens   int64          `json:"total_tokens"`
	TotalCost     float64        `json:"total_cost"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
}

// ToolCall is a persisted model request to invoke a named function.
// Arguments stay a raw JSON string exactly as the upstream produced them.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one append-only entry in a session. IDs are monotonic
// within the store; chronological order within a session is total.
type Message struct {
	ID               int64          `json:"id"`
	SessionID        string         `json:"session_id"`
	Role             string         `json:"role"`
	Content          string         `json:"content"`
	Thinking         string         `json:"thinking,omitempty"`
	ToolCalls        []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID       string         `json:"tool_call_id,omitempty"`
	Model            string         `json:"model,omitempty"`
	PromptTokens     int            `json:"prompt_tokens,omitempty"`
	CompletionTokens int            `json:"completion_tokens,omitempty"`
	Cost             float64        `json:"cost,omitempty"`
	LatencyMs        int64          `json:"latency_ms,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// AgentState is the durable record behind one agent, including the
// metrics roll-up served at /agents/metrics.
type AgentState struct {
	AgentID             string         `json:"agent_id"`
	DisplayName         string         `json:"display_name"`
	Focus               string         `json:"focus,omitempty"` // social|analysis|devops|creative|research or empty
	Model               string         `json:"model"`
	Temperature         float64        `json:"temperature"`
	SystemPrompt        string         `json:"system_prompt,omitempty"`
	Status              AgentStatus    `json:"status"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	Pheromone           float64        `json:"pheromone"`
	MessagesProcessed   int64          `json:"messages_processed"`
	TotalTokens         int64          `json:"total_tokens"`
	TotalLatencyMs      int64          `json:"total_latency_ms"`
	Errors              int64          `json:"errors"`
	LastActive          time.Time      `json:"last_active"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
}

// CronJob is a scheduled unit of work.
type CronJob struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Schedule       string     `json:"schedule"`
	AgentID        string     `json:"agent_id"`
	Enabled        bool       `json:"enabled"`
	PayloadKind    string     `json:"payload_kind"` // prompt|skill|pipeline
	Payload        string     `json:"payload"`
	SessionMode    string     `json:"session_mode"` // isolated|shared|persistent
	SessionID      string     `json:"session_id,omitempty"`
	MaxDurationS   int        `json:"max_duration_s"`
	RetryCount     int        `json:"retry_count"`
	Runs           int        `json:"runs"`
	Successes      int        `json:"successes"`
	Failures       int        `json:"failures"`
	LastStatus     string     `json:"last_status,omitempty"`
	LastDurationMs int64      `json:"last_duration_ms,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// HistoryEntry records one cron execution.
type HistoryEntry struct {
	ID         int64     `json:"id"`
	JobID      string    `json:"job_id"`
	Status     string    `json:"status"` // success|error|timeout
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
