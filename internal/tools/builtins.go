package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/hive/internal/store"
)

type ctxKey int

const sessionIDKey ctxKey = iota

// WithSessionID tags the dispatch context with the calling session so
// builtins can read their own history. The engine sets this per call;
// nothing is stored back.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionIDFrom extracts the calling session id, if any.
func SessionIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}

// HistoryReader is the slice of the store the session_history tool needs.
type HistoryReader interface {
	ListMessages(ctx context.Context, sessionID string, since *time.Time, limit int) ([]*store.Message, error)
}

// JobScheduler is the slice of the scheduler the schedule_job tool needs.
type JobScheduler interface {
	AddJob(ctx context.Context, job *store.CronJob) error
}

// RegisterBuiltins installs the engine's built-in tools.
func RegisterBuiltins(r *Registry, history HistoryReader, sched JobScheduler) error {
	builtins := []Tool{
		{
			Name:        "current_time",
			Description: "Get the current date and time, optionally in a named IANA timezone.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"timezone": map[string]any{
						"type":        "string",
						"description": "IANA timezone name, e.g. Asia/Ho_Chi_Minh. Defaults to UTC.",
					},
				},
			},
			Handler: currentTimeHandler,
		},
		{
			Name:        "session_history",
			Description: "Read recent messages from the current conversation.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"limit": map[string]any{
						"type":        "integer",
						"description": "How many recent messages to return, max 50.",
					},
				},
			},
			Handler: sessionHistoryHandler(history),
		},
		{
			Name:        "schedule_job",
			Description: "Schedule a recurring prompt. Accepts cron expressions or interval shorthand like 30m.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":     map[string]any{"type": "string", "description": "Human-readable job name."},
					"schedule": map[string]any{"type": "string", "description": "Cron expression or Ns/Nm/Nh interval."},
					"prompt":   map[string]any{"type": "string", "description": "The prompt to send on each run."},
					"agent_id": map[string]any{"type": "string", "description": "Agent to run the prompt as."},
				},
				"required": []string{"name", "schedule", "prompt"},
			},
			Handler: scheduleJobHandler(sched),
		},
	}
	for _, t := range builtins {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func currentTimeHandler(ctx context.Context, args map[string]any) (string, error) {
	loc := time.UTC
	if tz, _ := args["timezone"].(string); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", tz)
		}
		loc = l
	}
	now := time.Now().In(loc)
	return now.Format("Monday, 2 January 2006 15:04:05 MST"), nil
}

func sessionHistoryHandler(history HistoryReader) Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		sessionID := SessionIDFrom(ctx)
		if sessionID == "" {
			return "", fmt.Errorf("no session in scope")
		}

		limit := 10
		if v, ok := args["limit"].(float64); ok && v >= 1 {
			limit = int(v)
		}
		if limit > 50 {
			limit = 50
		}

		msgs, err := history.ListMessages(ctx, sessionID, nil, limit)
		if err != nil {
			return "", fmt.Errorf("load history: %w", err)
		}

		type entry struct {
			Role      string `json:"role"`
			Content   string `json:"content"`
			Timestamp string `json:"timestamp"`
		}
		out := make([]entry, 0, len(msgs))
		for _, m := range msgs {
			content := m.Content
			if len(content) > 500 {
				content = content[:500] + "…"
			}
			out = append(out, entry{
				Role:      m.Role,
				Content:   content,
				Timestamp: m.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		b, err := json.Marshal(out)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

func scheduleJobHandler(sched JobScheduler) Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		name, _ := args["name"].(string)
		schedule, _ := args["schedule"].(string)
		prompt, _ := args["prompt"].(string)
		agentID, _ := args["agent_id"].(string)
		if name == "" || schedule == "" || prompt == "" {
			return "", fmt.Errorf("name, schedule and prompt are required")
		}

		job := &store.CronJob{
			Name:        name,
			Schedule:    schedule,
			AgentID:     agentID,
			Enabled:     true,
			PayloadKind: "prompt",
			Payload:     prompt,
			SessionMode: "isolated",
		}
		if err := sched.AddJob(ctx, job); err != nil {
			return "", fmt.Errorf("schedule: %w", err)
		}
		return fmt.Sprintf("scheduled job %q (%s) as %s", name, schedule, job.ID), nil
	}
}
