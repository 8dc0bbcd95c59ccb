package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/hive/internal/config"
	"github.com/nextlevelbuilder/hive/internal/engine"
	"github.com/nextlevelbuilder/hive/internal/store"
)

var (
	// ErrAgentDisabled means the agent refuses to process.
	ErrAgentDisabled = errors.New("agent disabled")

	// ErrAgentBusy means the agent is mid-turn for another caller.
	ErrAgentBusy = errors.New("agent busy")
)

// Runner is the slice of the chat engine the pool drives turns through.
type Runner interface {
	CreateSession(ctx context.Context, opts engine.CreateOptions) (*store.Session, error)
	ResumeSession(ctx context.Context, id string) (*store.Session, error)
	SendMessage(ctx context.Context, sessionID, content string, opts engine.SendOptions) (*engine.Reply, error)
}

// Pool tracks per-agent runtime state and processes messages on behalf
// of a specific agent.
type Pool struct {
	cfg    *config.Config
	runner Runner
	st     store.AgentStore
	router *Router

	mu       sync.Mutex
	sessions map[string]string // agent id → working session id
	now      func() time.Time
}

// NewPool creates a pool over the engine and agent store.
func NewPool(cfg *config.Config, runner Runner, st store.AgentStore, router *Router) *Pool {
	return &Pool{
		cfg:      cfg,
		runner:   runner,
		st:       st,
		router:   router,
		sessions: make(map[string]string),
		now:      time.Now,
	}
}

// Router exposes the pool's router.
func (p *Pool) Router() *Router { return p.router }

// SyncConfig upserts agent state from configuration. Called at startup
// and after config reloads.
func (p *Pool) SyncConfig(ctx context.Context) error {
	for id, spec := range p.cfg.Agents.List {
		defaults := p.cfg.ResolveAgent(id)
		state := &store.AgentState{
			AgentID:      id,
			DisplayName:  spec.DisplayName,
			Focus:        spec.Focus,
			Model:        defaults.Model,
			Temperature:  defaults.Temperature,
			SystemPrompt: defaults.SystemPrompt,
			Status:       store.AgentIdle,
		}
		if spec.Disabled {
			state.Status = store.AgentDisabled
		}
		if state.DisplayName == "" {
			state.DisplayName = id
		}
		if err := p.st.UpsertAgent(ctx, state); err != nil {
			return fmt.Errorf("sync agent %s: %w", id, err)
		}
	}
	return nil
}

// ProcessWithAgent pushes a message through the given agent and returns
// the reply text. Status transitions idle→busy→idle on success and
// busy→error with a failure count bump on failure.
func (p *Pool) ProcessWithAgent(ctx context.Context, agentID, message, sessionID string) (string, error) {
	state, err := p.st.GetAgent(ctx, agentID)
	if err != nil {
		return "", err
	}
	switch state.Status {
	case store.AgentDisabled:
		return "", fmt.Errorf("agent %s: %w", agentID, ErrAgentDisabled)
	case store.AgentBusy:
		return "", fmt.Errorf("agent %s: %w", agentID, ErrAgentBusy)
	}

	if err := p.st.SetAgentStatus(ctx, agentID, store.AgentBusy, state.ConsecutiveFailures); err != nil {
		return "", fmt.Errorf("mark busy: %w", err)
	}

	start := p.now()
	reply, err := p.process(ctx, agentID, message, sessionID)
	durationMs := p.now().Sub(start).Milliseconds()

	settleCtx := context.WithoutCancel(ctx)
	if err != nil {
		if serr := p.st.SetAgentStatus(settleCtx, agentID, store.AgentError, state.ConsecutiveFailures+1); serr != nil {
			slog.Warn("mark agent error", "agent", agentID, "error", serr)
		}
		p.st.RecordAgentResult(settleCtx, agentID, 0, durationMs, false)
		p.router.RecordResult(settleCtx, agentID, false, durationMs, 0)
		return "", err
	}

	if serr := p.st.SetAgentStatus(settleCtx, agentID, store.AgentIdle, 0); serr != nil {
		slog.Warn("mark agent idle", "agent", agentID, "error", serr)
	}
	tokens := int64(reply.PromptTokens + reply.CompletionTokens)
	p.st.RecordAgentResult(settleCtx, agentID, tokens, durationMs, true)
	p.router.RecordResult(settleCtx, agentID, true, durationMs, reply.Cost)

	return reply.Content, nil
}

func (p *Pool) process(ctx context.Context, agentID, message, sessionID string) (*engine.Reply, error) {
	if sessionID == "" {
		id, err := p.workingSession(ctx, agentID)
		if err != nil {
			return nil, err
		}
		sessionID = id
	}
	return p.runner.SendMessage(ctx, sessionID, message, engine.SendOptions{EnableTools: true})
}

// workingSession returns the agent's reusable chat session, creating
// one when missing or ended.
func (p *Pool) workingSession(ctx context.Context, agentID string) (string, error) {
	p.mu.Lock()
	id := p.sessions[agentID]
	p.mu.Unlock()

	if id != "" {
		if _, err := p.runner.ResumeSession(ctx, id); err == nil {
			return id, nil
		}
	}

	sess, err := p.runner.CreateSession(ctx, engine.CreateOptions{
		AgentID: agentID,
		Type:    store.SessionChat,
		Title:   fmt.Sprintf("agent: %s", agentID),
	})
	if err != nil {
		return "", fmt.Errorf("create agent session: %w", err)
	}

	p.mu.Lock()
	p.sessions[agentID] = sess.ID
	p.mu.Unlock()
	return sess.ID, nil
}

// Route selects an agent for the message and processes it.
func (p *Pool) Route(ctx context.Context, message string, candidates []string) (string, string, error) {
	agentID, err := p.router.Select(ctx, message, candidates)
	if err != nil {
		return "", "", err
	}
	reply, err := p.ProcessWithAgent(ctx, agentID, message, "")
	return agentID, reply, err
}
