package config

import (
	"sync"
	"time"
)

// Config is the root configuration for the hive engine.
type Config struct {
	Server    ServerConfig    `json:"server"`
	LLM       LLMConfig       `json:"llm"`
	Agents    AgentsConfig    `json:"agents"`
	Sessions  SessionsConfig  `json:"sessions"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Memories  MemoriesConfig  `json:"memories,omitempty"`
	mu        sync.RWMutex
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// LLMConfig configures the upstream model gateway.
// APIKey is never read from config.json, only from env HIVE_LLM_API_KEY.
type LLMConfig struct {
	BaseURL        string                `json:"base_url"`
	APIKey         string                `json:"-"`
	DefaultModel   string                `json:"default_model"`
	RequestTimeout int                   `json:"request_timeout_s,omitempty"` // per upstream call, seconds
	UpstreamRPS    float64               `json:"upstream_rps,omitempty"`      // pacing; 0 = unlimited
	Models         map[string]ModelEntry `json:"models,omitempty"`            // alias → catalogue entry
}

// ModelEntry is one row of the model-alias catalogue.
type ModelEntry struct {
	Upstream        string   `json:"upstream"`                    // upstream-native identifier
	PromptPrice     float64  `json:"prompt_price,omitempty"`      // USD per 1K prompt tokens
	CompletionPrice float64  `json:"completion_price,omitempty"`  // USD per 1K completion tokens
	Fallbacks       []string `json:"fallbacks,omitempty"`         // tried in order on upstream errors
	Encoding        string   `json:"encoding,omitempty"`          // tiktoken encoding override
}

// AgentsConfig holds per-agent definitions and defaults.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentDefaults are default settings applied to every agent.
type AgentDefaults struct {
	Model             string  `json:"model"`
	MaxTokens         int     `json:"max_tokens"`
	Temperature       float64 `json:"temperature"`
	ContextWindow     int     `json:"context_window"` // message cap per session
	MaxToolIterations int     `json:"max_tool_iterations"`
	SystemPrompt      string  `json:"system_prompt,omitempty"`
}

// AgentSpec is a per-agent override of the defaults.
type AgentSpec struct {
	DisplayName  string  `json:"display_name,omitempty"`
	Focus        string  `json:"focus,omitempty"` // social|analysis|devops|creative|research
	Model        string  `json:"model,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Disabled     bool    `json:"disabled,omitempty"`
}

// SessionsConfig bounds session protection.
type SessionsConfig struct {
	RateLimitPerSession int `json:"rate_limit_per_session,omitempty"` // messages/min, default 30
	RateLimitPerAgent   int `json:"rate_limit_per_agent,omitempty"`   // messages/min, default 120
	PruneAfterDays      int `json:"prune_after_days,omitempty"`       // inactivity pruning, default 30
}

// SchedulerConfig bounds cron execution.
type SchedulerConfig struct {
	DefaultMaxDuration int `json:"default_max_duration_s,omitempty"` // default 300
	DefaultRetries     int `json:"default_retries,omitempty"`        // default 2
	StopGraceSeconds   int `json:"stop_grace_s,omitempty"`           // default 10
}

// DatabaseConfig selects the persistent store.
// URL is never read from config.json, only from env DATABASE_URL.
type DatabaseConfig struct {
	URL string `json:"-"`
}

// TelemetryConfig configures optional OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"` // e.g. "localhost:4317"
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// MemoriesConfig points at the JSONL export tree.
type MemoriesConfig struct {
	Path string `json:"path,omitempty"` // overridden by env MEMORIES_PATH
}

// RequestTimeout returns the upstream call timeout as a duration.
func (c *LLMConfig) Timeout() time.Duration {
	if c.RequestTimeout <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.RequestTimeout) * time.Second
}

// ResolveAgent returns the effective settings for an agent ID,
// merging defaults with per-agent overrides.
func (c *Config) ResolveAgent(agentID string) AgentDefaults {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d := c.Agents.Defaults
	if spec, ok := c.Agents.List[agentID]; ok {
		if spec.Model != "" {
			d.Model = spec.Model
		}
		if spec.Temperature > 0 {
			d.Temperature = spec.Temperature
		}
		if spec.SystemPrompt != "" {
			d.SystemPrompt = spec.SystemPrompt
		}
	}
	return d
}
