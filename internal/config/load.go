package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 18890,
		},
		LLM: LLMConfig{
			BaseURL:        "https://api.openai.com/v1",
			DefaultModel:   "default",
			RequestTimeout: 120,
			Models: map[string]ModelEntry{
				"default": {Upstream: "gpt-4o", PromptPrice: 0.0025, CompletionPrice: 0.01},
				"fast":    {Upstream: "gpt-4o-mini", PromptPrice: 0.00015, CompletionPrice: 0.0006},
			},
		},
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Model:             "default",
				MaxTokens:         4096,
				Temperature:       0.7,
				ContextWindow:     50,
				MaxToolIterations: 10,
			},
		},
		Sessions: SessionsConfig{
			RateLimitPerSession: 30,
			RateLimitPerAgent:   120,
			PruneAfterDays:      30,
		},
		Scheduler: SchedulerConfig{
			DefaultMaxDuration: 300,
			DefaultRetries:     2,
			StopGraceSeconds:   10,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults + env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("DATABASE_URL", &c.Database.URL)
	envStr("MEMORIES_PATH", &c.Memories.Path)

	envStr("HIVE_LLM_BASE_URL", &c.LLM.BaseURL)
	envStr("HIVE_LLM_API_KEY", &c.LLM.APIKey)
	envStr("HIVE_MODEL", &c.Agents.Defaults.Model)

	envStr("HIVE_HOST", &c.Server.Host)
	if v := os.Getenv("HIVE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}

	envStr("HIVE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("HIVE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("HIVE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("HIVE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("HIVE_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}
