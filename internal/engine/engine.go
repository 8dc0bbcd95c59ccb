// Package engine orchestrates conversational turns: session lifecycle,
// the tool-call loop, persistence, and stream fan-out.
package engine

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/hive/internal/config"
	"github.com/nextlevelbuilder/hive/internal/llm"
	"github.com/nextlevelbuilder/hive/internal/protect"
	"github.com/nextlevelbuilder/hive/internal/store"
	"github.com/nextlevelbuilder/hive/internal/tools"
)

const (
	// defaultContextTokens is the input budget assumed for the model's
	// context when a session does not override it.
	defaultContextTokens = 16384

	// streamBuffer bounds the frame channel so slow clients apply
	// back-pressure instead of unbounded buffering.
	streamBuffer = 32
)

// Engine is the root handle wiring gateway, store, tools, and
// protection together. Tests build a fresh Engine per test.
type Engine struct {
	cfg     *config.Config
	gw      *llm.Gateway
	st      store.Store
	reg     *tools.Registry
	locks   *protect.Locks
	limiter *protect.Limiter
	tracer  trace.Tracer
}

// New wires an engine from its parts.
func New(cfg *config.Config, gw *llm.Gateway, st store.Store, reg *tools.Registry) *Engine {
	return &Engine{
		cfg:     cfg,
		gw:      gw,
		st:      st,
		reg:     reg,
		locks:   protect.NewLocks(),
		limiter: protect.NewLimiter(cfg.Sessions.RateLimitPerSession, cfg.Sessions.RateLimitPerAgent),
		tracer:  otel.Tracer("hive/engine"),
	}
}

// Store exposes the persistence layer to transports and tools.
func (e *Engine) Store() store.Store { return e.st }

// Registry exposes the tool table.
func (e *Engine) Registry() *tools.Registry { return e.reg }

// Gateway exposes the LLM gateway.
func (e *Engine) Gateway() *llm.Gateway { return e.gw }

// Limiter exposes the rate limiter so the host can start its janitor.
func (e *Engine) Limiter() *protect.Limiter { return e.limiter }

// CreateOptions parameterizes a new session.
type CreateOptions struct {
	AgentID      string
	Type         store.SessionType
	Title        string
	Model        string
	SystemPrompt string
	Metadata     map[string]any
}

// CreateSession creates a session from agent defaults plus overrides.
func (e *Engine) CreateSession(ctx context.Context, opts CreateOptions) (*store.Session, error) {
	defaults := e.cfg.ResolveAgent(opts.AgentID)

	sess := &store.Session{
		AgentID:       opts.AgentID,
		Type:          opts.Type,
		Title:         opts.Title,
		SystemPrompt:  defaults.SystemPrompt,
		Model:         defaults.Model,
		Temperature:   defaults.Temperature,
		MaxTokens:     defaults.MaxTokens,
		ContextWindow: defaults.ContextWindow,
		Metadata:      opts.Metadata,
	}
	if opts.Model != "" {
		sess.Model = opts.Model
	}
	if opts.SystemPrompt != "" {
		sess.SystemPrompt = opts.SystemPrompt
	}
	if err := e.st.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// ResumeSession loads an existing session for further turns.
func (e *Engine) ResumeSession(ctx context.Context, id string) (*store.Session, error) {
	sess, err := e.st.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status == store.SessionEnded {
		return nil, fmt.Errorf("resume %s: %w", id, store.ErrSessionEnded)
	}
	return sess, nil
}

// EndSession marks a session ended and drops its write lock.
func (e *Engine) EndSession(ctx context.Context, id string) error {
	if err := e.st.EndSession(ctx, id); err != nil {
		return err
	}
	e.locks.Release(id)
	return nil
}

// compactTitle derives a session title from the first user message:
// whitespace collapsed, cut at 80 characters with an ellipsis.
func compactTitle(content string) string {
	compact := strings.Join(strings.Fields(content), " ")
	runes := []rune(compact)
	if len(runes) <= 80 {
		return compact
	}
	return string(runes[:80]) + "…"
}
