// Package llm is the single choke point for upstream model calls:
// alias resolution, circuit breaking, fallback, pacing, and streaming.
package llm

import "context"

// Upstream is the raw completion transport the gateway delegates to.
type Upstream interface {
	// Complete sends messages upstream and returns the full response.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream sends messages upstream and delivers chunks via callback.
	// Returns the final accumulated response after the stream ends.
	Stream(ctx context.Context, req Request, onChunk func(Chunk)) (*Response, error)
}

// Request is the input for a Complete/Stream call.
type Request struct {
	Messages       []Message        `json:"messages"`
	Model          string           `json:"model,omitempty"` // catalogue alias; resolved by the gateway
	Temperature    float64          `json:"temperature,omitempty"`
	MaxTokens      int              `json:"max_tokens,omitempty"`
	Tools          []ToolDefinition `json:"tools,omitempty"`
	EnableThinking bool             `json:"enable_thinking,omitempty"`
}

// Response is the result of one model call.
type Response struct {
	Content          string     `json:"content"`
	Thinking         string     `json:"thinking,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	Model            string     `json:"model"` // alias echo
	PromptTokens     int        `json:"prompt_tokens"`
	CompletionTokens int        `json:"completion_tokens"`
	Cost             float64    `json:"cost"`
	LatencyMs        int64      `json:"latency_ms"`
	FinishReason     string     `json:"finish_reason"` // "stop", "tool_calls", "length"
}

// Chunk is one piece of a streaming response.
// FinishReason is set only on the final chunk.
type Chunk struct {
	Content      string `json:"content,omitempty"`
	Thinking     string `json:"thinking,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Message is one conversation message in upstream shape.
type Message struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	Thinking   string     `json:"thinking,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // for role="tool" results
}

// ToolCall is a structured tool invocation requested by the model.
// Arguments is the raw JSON string exactly as the model emitted it.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function ToolFunctionSchema `json:"function"`
}

// ToolFunctionSchema is the JSON-schema declaration of a function tool.
type ToolFunctionSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}
