// Package protocol defines the wire frames exchanged on the chat WebSocket.
package protocol

// Frame types pushed from server to client during a streaming turn.
const (
	FrameStreamStart = "stream_start"
	FrameContent     = "content"
	FrameThinking    = "thinking"
	FrameToolCall    = "tool_call"
	FrameToolResult  = "tool_result"
	FrameStreamEnd   = "stream_end"
	FrameError       = "error"
	FrameMessage     = "message"
)

// Frame is one server→client event on /ws/chat/{session_id}.
// Type is always set; the remaining fields depend on the frame type.
type Frame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content,omitempty"`
	Thinking  string `json:"thinking,omitempty"`

	// tool_call / tool_result frames
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ToolOK     *bool  `json:"tool_ok,omitempty"`

	// stream_end frame
	FinishReason     string  `json:"finish_reason,omitempty"`
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	Cost             float64 `json:"cost,omitempty"`
	LatencyMs        int64   `json:"latency_ms,omitempty"`

	Error string `json:"error,omitempty"`
}

// ClientMessage is the single client→server frame accepted on the socket.
type ClientMessage struct {
	Type    string `json:"type"` // "message"
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
}
