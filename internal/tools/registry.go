// Package tools holds the declared tool set and dispatches model tool
// calls by name.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/hive/internal/llm"
)

// ToolError marks an unknown tool or malformed arguments. Inside the
// tool loop it is reported back to the model as a failed result, never
// to the caller.
type ToolError struct {
	Name string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %q: %v", e.Name, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Handler runs one tool invocation. Arguments arrive decoded from the
// model's JSON string.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool is one registered tool.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema
	Handler     Handler
}

// ToolResult is what a tool invocation produced, fed back to the model
// as a "tool" message.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	Success    bool   `json:"success"`
	DurationMs int64  `json:"duration_ms"`
}

// Registry is a concurrency-safe tool table.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool by name.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("register tool: empty name")
	}
	if t.Handler == nil {
		return fmt.Errorf("register tool %q: nil handler", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
	return nil
}

// Names lists registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptors returns the declarations in the shape the gateway passes
// to the model.
func (r *Registry) Descriptors() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, llm.ToolDefinition{
			Type: "function",
			Function: llm.ToolFunctionSchema{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Function.Name < out[j].Function.Name })
	return out
}

// Execute runs one tool call. Failures come back as an unsuccessful
// result carrying the error text, so the model can react.
func (r *Registry) Execute(ctx context.Context, callID, name, argsJSON string) ToolResult {
	start := time.Now()
	result := ToolResult{ToolCallID: callID, Name: name}
	fail := func(err error) ToolResult {
		result.Content = (&ToolError{Name: name, Err: err}).Error()
		result.DurationMs = time.Since(start).Milliseconds()
		slog.Warn("tool failed", "tool", name, "error", err)
		return result
	}

	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fail(fmt.Errorf("unknown tool"))
	}

	args := map[string]any{}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return fail(fmt.Errorf("malformed arguments: %w", err))
		}
	}

	content, err := t.Handler(ctx, args)
	if err != nil {
		return fail(err)
	}

	result.Content = content
	result.Success = true
	result.DurationMs = time.Since(start).Milliseconds()
	return result
}
