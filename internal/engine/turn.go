package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/hive/internal/llm"
	"github.com/nextlevelbuilder/hive/internal/protect"
	"github.com/nextlevelbuilder/hive/internal/store"
	"github.com/nextlevelbuilder/hive/internal/tools"
	"github.com/nextlevelbuilder/hive/internal/window"
	"github.com/nextlevelbuilder/hive/pkg/protocol"
)

// SendOptions tweaks one turn.
type SendOptions struct {
	Model          string // overrides the session's model alias
	EnableThinking bool
	EnableTools    bool
}

// Reply is the outcome of one turn.
type Reply struct {
	Content          string             `json:"content"`
	Thinking         string             `json:"thinking,omitempty"`
	ToolCalls        []llm.ToolCall     `json:"tool_calls,omitempty"`
	PromptTokens     int                `json:"prompt_tokens"`
	CompletionTokens int                `json:"completion_tokens"`
	Cost             float64            `json:"cost"`
	LatencyMs        int64              `json:"latency_ms"`
	FinishReason     string             `json:"finish_reason"`
	ToolResults      []tools.ToolResult `json:"tool_results,omitempty"`

	// Usage of the closing upstream call only. Intermediate tool-request
	// messages are charged their own usage when they persist, so the
	// final assistant row must not repeat the accumulated totals.
	finalPromptTokens     int
	finalCompletionTokens int
	finalCost             float64
	finalLatencyMs        int64
}

// SendMessage runs one blocking turn and returns the final reply.
func (e *Engine) SendMessage(ctx context.Context, sessionID, content string, opts SendOptions) (*Reply, error) {
	return e.runTurn(ctx, sessionID, content, opts, nil)
}

// StreamMessage runs one turn, emitting frames on the returned channel.
// The channel is bounded; a slow consumer back-pressures the stream.
// It closes after stream_end or error. Cancelling ctx aborts the
// upstream call and persists the partial reply with finish reason
// "cancelled".
func (e *Engine) StreamMessage(ctx context.Context, sessionID, content string, opts SendOptions) (<-chan protocol.Frame, error) {
	// Fail fast on precondition errors before spawning the stream task,
	// so transports can map them to status codes.
	sess, err := e.checkTurn(ctx, sessionID, content)
	if err != nil {
		return nil, err
	}

	frames := make(chan protocol.Frame, streamBuffer)
	go func() {
		defer close(frames)
		emit := func(f protocol.Frame) {
			f.SessionID = sessionID
			select {
			case frames <- f:
			case <-ctx.Done():
			}
		}
		_, err := e.runCheckedTurn(ctx, sess, content, opts, emit)
		if err != nil && !errors.Is(err, context.Canceled) {
			emit(protocol.Frame{Type: protocol.FrameError, Error: err.Error()})
		}
	}()
	return frames, nil
}

// checkTurn validates the turn preconditions: session state, input
// shape, rate limits, and capacity.
func (e *Engine) checkTurn(ctx context.Context, sessionID, content string) (*store.Session, error) {
	sess, err := e.st.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == store.SessionEnded {
		return nil, fmt.Errorf("session %s: %w", sessionID, store.ErrSessionEnded)
	}
	if err := protect.Validate("user", content); err != nil {
		return nil, err
	}
	if err := e.limiter.Allow(sessionID, sess.AgentID); err != nil {
		return nil, err
	}
	if err := protect.CheckSessionFull(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (e *Engine) runTurn(ctx context.Context, sessionID, content string, opts SendOptions, emit func(protocol.Frame)) (*Reply, error) {
	sess, err := e.checkTurn(ctx, sessionID, content)
	if err != nil {
		return nil, err
	}
	return e.runCheckedTurn(ctx, sess, content, opts, emit)
}

func (e *Engine) runCheckedTurn(ctx context.Context, sess *store.Session, content string, opts SendOptions, emit func(protocol.Frame)) (*Reply, error) {
	ctx, span := e.tracer.Start(ctx, "engine.turn")
	span.SetAttributes(
		attribute.String("session.id", sess.ID),
		attribute.String("agent.id", sess.AgentID),
	)
	defer span.End()

	content = protect.Sanitize(content)

	lock := e.locks.Acquire(sess.ID)
	lock.Lock()
	defer lock.Unlock()

	// The precondition pass ran outside the lock; a concurrent turn may
	// have ended or filled the session since.
	sess, err := e.st.GetSession(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	if sess.Status == store.SessionEnded {
		return nil, fmt.Errorf("session %s: %w", sess.ID, store.ErrSessionEnded)
	}
	if err := protect.CheckSessionFull(sess); err != nil {
		return nil, err
	}

	firstTurn := sess.MessageCount == 0

	// The user message is persisted before any upstream call so history
	// stays consistent if the stream fails mid-way.
	userMsg := &store.Message{SessionID: sess.ID, Role: "user", Content: content}
	if err := e.st.AppendMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	if emit != nil {
		emit(protocol.Frame{Type: protocol.FrameStreamStart})
	}

	history, err := e.st.ListMessages(ctx, sess.ID, nil, sess.ContextWindow)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	candidates := history
	if sess.SystemPrompt != "" {
		candidates = append([]*store.Message{{Role: "system", Content: sess.SystemPrompt}}, history...)
	}
	selected, err := window.Build(candidates, window.Params{
		MaxTokens:     defaultContextTokens,
		ReserveTokens: sess.MaxTokens,
		Model:         sess.Model,
	}, e.gw)
	if err != nil {
		return nil, fmt.Errorf("build context: %w", err)
	}

	working := toLLMMessages(selected)
	model := sess.Model
	if opts.Model != "" {
		model = opts.Model
	}

	reply, err := e.toolLoop(ctx, sess, working, model, opts, emit)
	if err != nil {
		// A cancelled stream persists whatever arrived before the cut.
		if errors.Is(err, context.Canceled) && reply != nil && reply.Content != "" {
			reply.FinishReason = "cancelled"
			e.persistAssistant(context.WithoutCancel(ctx), sess, model, reply)
		}
		return nil, err
	}

	if err := e.persistAssistant(ctx, sess, model, reply); err != nil {
		return nil, err
	}

	if firstTurn && sess.Title == "" {
		sess.Title = compactTitle(content)
		if fresh, gerr := e.st.GetSession(ctx, sess.ID); gerr == nil {
			fresh.Title = sess.Title
			if uerr := e.st.UpdateSession(ctx, fresh); uerr != nil {
				slog.Warn("set session title", "session", sess.ID, "error", uerr)
			}
		}
	}

	if emit != nil {
		emit(protocol.Frame{
			Type:             protocol.FrameStreamEnd,
			FinishReason:     reply.FinishReason,
			PromptTokens:     reply.PromptTokens,
			CompletionTokens: reply.CompletionTokens,
			Cost:             reply.Cost,
			LatencyMs:        reply.LatencyMs,
		})
	}
	return reply, nil
}

// toolLoop drives the model until it stops asking for tools or the
// iteration bound is hit. The partially accumulated reply is returned
// alongside errors so cancellation can persist it.
func (e *Engine) toolLoop(ctx context.Context, sess *store.Session, working []llm.Message, model string, opts SendOptions, emit func(protocol.Frame)) (*Reply, error) {
	maxIter := e.cfg.Agents.Defaults.MaxToolIterations
	if maxIter <= 0 {
		maxIter = 10
	}

	reply := &Reply{FinishReason: "tool_loop_exhausted"}
	var descriptors []llm.ToolDefinition
	if opts.EnableTools {
		descriptors = e.reg.Descriptors()
	}

	for iter := 0; iter < maxIter; iter++ {
		req := llm.Request{
			Messages:       working,
			Model:          model,
			Temperature:    sess.Temperature,
			MaxTokens:      sess.MaxTokens,
			Tools:          descriptors,
			EnableThinking: opts.EnableThinking,
		}

		var resp *llm.Response
		var err error
		if emit != nil {
			resp, err = e.gw.Stream(ctx, req, func(c llm.Chunk) {
				if c.Content != "" {
					reply.Content += c.Content
					emit(protocol.Frame{Type: protocol.FrameContent, Content: c.Content})
				}
				if c.Thinking != "" {
					reply.Thinking += c.Thinking
					emit(protocol.Frame{Type: protocol.FrameThinking, Thinking: c.Thinking})
				}
			})
		} else {
			resp, err = e.gw.Complete(ctx, req)
		}
		if err != nil {
			return reply, fmt.Errorf("llm call: %w", err)
		}

		reply.PromptTokens += resp.PromptTokens
		reply.CompletionTokens += resp.CompletionTokens
		reply.Cost += resp.Cost
		reply.LatencyMs += resp.LatencyMs
		reply.Content = resp.Content
		reply.Thinking = resp.Thinking
		reply.finalPromptTokens = resp.PromptTokens
		reply.finalCompletionTokens = resp.CompletionTokens
		reply.finalCost = resp.Cost
		reply.finalLatencyMs = resp.LatencyMs

		if len(resp.ToolCalls) == 0 {
			reply.FinishReason = resp.FinishReason
			return reply, nil
		}

		reply.ToolCalls = resp.ToolCalls

		// Persist the assistant message that requested the tools.
		assistant := &store.Message{
			SessionID:        sess.ID,
			Role:             "assistant",
			Content:          resp.Content,
			Thinking:         resp.Thinking,
			ToolCalls:        toStoreCalls(resp.ToolCalls),
			Model:            model,
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
			Cost:             resp.Cost,
			LatencyMs:        resp.LatencyMs,
		}
		if err := e.st.AppendMessage(ctx, assistant); err != nil {
			return reply, fmt.Errorf("persist assistant tool request: %w", err)
		}
		// This call's usage is now charged through the intermediate
		// message.
		reply.finalPromptTokens, reply.finalCompletionTokens = 0, 0
		reply.finalCost, reply.finalLatencyMs = 0, 0

		working = append(working, llm.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		toolCtx := tools.WithSessionID(ctx, sess.ID)
		for _, call := range resp.ToolCalls {
			if emit != nil {
				emit(protocol.Frame{Type: protocol.FrameToolCall, ToolCallID: call.ID, ToolName: call.Name})
			}

			result := e.reg.Execute(toolCtx, call.ID, call.Name, call.Arguments)
			reply.ToolResults = append(reply.ToolResults, result)

			if emit != nil {
				ok := result.Success
				emit(protocol.Frame{
					Type:       protocol.FrameToolResult,
					ToolCallID: result.ToolCallID,
					ToolName:   result.Name,
					ToolOK:     &ok,
					Content:    result.Content,
				})
			}

			toolMsg := &store.Message{
				SessionID:  sess.ID,
				Role:       "tool",
				Content:    result.Content,
				ToolCallID: result.ToolCallID,
				LatencyMs:  result.DurationMs,
			}
			if err := e.st.AppendMessage(ctx, toolMsg); err != nil {
				return reply, fmt.Errorf("persist tool result: %w", err)
			}

			working = append(working, llm.Message{
				Role:       "tool",
				Content:    result.Content,
				ToolCallID: result.ToolCallID,
			})
		}

		// The next iteration answers with the tool results in context.
		reply.Content = ""
		reply.Thinking = ""
	}

	slog.Warn("tool loop exhausted", "session", sess.ID, "iterations", maxIter)
	return reply, nil
}

// persistAssistant writes the final assistant message of a turn,
// charged with the closing call's usage only. The store sums message
// usage into the session counters, so the accumulated turn totals stay
// on the Reply.
func (e *Engine) persistAssistant(ctx context.Context, sess *store.Session, model string, reply *Reply) error {
	msg := &store.Message{
		SessionID:        sess.ID,
		Role:             "assistant",
		Content:          reply.Content,
		Thinking:         reply.Thinking,
		Model:            model,
		PromptTokens:     reply.finalPromptTokens,
		CompletionTokens: reply.finalCompletionTokens,
		Cost:             reply.finalCost,
		LatencyMs:        reply.finalLatencyMs,
		Metadata:         map[string]any{"finish_reason": reply.FinishReason},
	}
	if err := e.st.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("persist assistant message: %w", err)
	}
	return nil
}

func toLLMMessages(msgs []*store.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  toLLMCalls(m.ToolCalls),
			ToolCallID: m.ToolCallID,
		})
	}
	return out
}

func toLLMCalls(calls []store.ToolCall) []llm.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]llm.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = llm.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	return out
}

func toStoreCalls(calls []llm.ToolCall) []store.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]store.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = store.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	return out
}
