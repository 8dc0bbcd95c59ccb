package agents

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/hive/internal/config"
	"github.com/nextlevelbuilder/hive/internal/engine"
	"github.com/nextlevelbuilder/hive/internal/store"
)

// fakeRunner stands in for the chat engine. It tracks live sessions and
// answers sends through a scripted function.
type fakeRunner struct {
	mu           sync.Mutex
	active       map[string]bool
	sessionAgent map[string]string
	created      int
	sendFn       func(sessionID, content string) (*engine.Reply, error)
}

func newFakeRunner(sendFn func(sessionID, content string) (*engine.Reply, error)) *fakeRunner {
	if sendFn == nil {
		sendFn = func(string, string) (*engine.Reply, error) {
			return &engine.Reply{Content: "ok"}, nil
		}
	}
	return &fakeRunner{
		active:       make(map[string]bool),
		sessionAgent: make(map[string]string),
		sendFn:       sendFn,
	}
}

func (f *fakeRunner) CreateSession(ctx context.Context, opts engine.CreateOptions) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	id := fmt.Sprintf("sess-%d", f.created)
	f.active[id] = true
	f.sessionAgent[id] = opts.AgentID
	return &store.Session{ID: id, AgentID: opts.AgentID, Type: opts.Type, Title: opts.Title}, nil
}

func (f *fakeRunner) agentFor(sessionID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionAgent[sessionID]
}

func (f *fakeRunner) ResumeSession(ctx context.Context, id string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active[id] {
		return nil, store.ErrSessionNotFound
	}
	return &store.Session{ID: id}, nil
}

func (f *fakeRunner) SendMessage(ctx context.Context, sessionID, content string, opts engine.SendOptions) (*engine.Reply, error) {
	f.mu.Lock()
	ok := f.active[sessionID]
	f.mu.Unlock()
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	return f.sendFn(sessionID, content)
}

func (f *fakeRunner) endSession(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, id)
}

func (f *fakeRunner) sessionsCreated() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

func testPool(st store.AgentStore, runner Runner) *Pool {
	cfg := config.Default()
	return NewPool(cfg, runner, st, NewRouter(st))
}

func TestProcessWithAgentSuccess(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	seedAgent(t, st, "worker", "", store.AgentIdle, 0.5)

	var statusDuringSend store.AgentStatus
	runner := newFakeRunner(func(sessionID, content string) (*engine.Reply, error) {
		state, err := st.GetAgent(ctx, "worker")
		if err != nil {
			return nil, err
		}
		statusDuringSend = state.Status
		return &engine.Reply{Content: "done", PromptTokens: 10, CompletionTokens: 5, Cost: 0.01}, nil
	})
	p := testPool(st, runner)

	reply, err := p.ProcessWithAgent(ctx, "worker", "do the thing", "")
	if err != nil {
		t.Fatalf("ProcessWithAgent: %v", err)
	}
	if reply != "done" {
		t.Fatalf("reply = %q, want done", reply)
	}
	if statusDuringSend != store.AgentBusy {
		t.Fatalf("status during send = %q, want busy", statusDuringSend)
	}

	state, err := st.GetAgent(ctx, "worker")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if state.Status != store.AgentIdle {
		t.Fatalf("status after = %q, want idle", state.Status)
	}
	if state.ConsecutiveFailures != 0 {
		t.Fatalf("failures = %d, want 0", state.ConsecutiveFailures)
	}
	if state.MessagesProcessed != 1 || state.TotalTokens != 15 {
		t.Fatalf("rollup = %d msgs / %d tokens, want 1 / 15", state.MessagesProcessed, state.TotalTokens)
	}
}

func TestProcessWithAgentFailure(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	seedAgent(t, st, "worker", "", store.AgentIdle, 0.5)

	sendErr := errors.New("model exploded")
	runner := newFakeRunner(func(string, string) (*engine.Reply, error) {
		return nil, sendErr
	})
	p := testPool(st, runner)

	if _, err := p.ProcessWithAgent(ctx, "worker", "do it", ""); !errors.Is(err, sendErr) {
		t.Fatalf("error = %v, want %v", err, sendErr)
	}

	state, err := st.GetAgent(ctx, "worker")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if state.Status != store.AgentError {
		t.Fatalf("status = %q, want error", state.Status)
	}
	if state.ConsecutiveFailures != 1 {
		t.Fatalf("failures = %d, want 1", state.ConsecutiveFailures)
	}
	if state.Errors != 1 {
		t.Fatalf("error count = %d, want 1", state.Errors)
	}
}

func TestProcessWithAgentRefusals(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	seedAgent(t, st, "off", "", store.AgentDisabled, 0.5)
	seedAgent(t, st, "mid", "", store.AgentBusy, 0.5)

	p := testPool(st, newFakeRunner(nil))

	if _, err := p.ProcessWithAgent(ctx, "off", "hi", ""); !errors.Is(err, ErrAgentDisabled) {
		t.Fatalf("disabled: got %v, want ErrAgentDisabled", err)
	}
	if _, err := p.ProcessWithAgent(ctx, "mid", "hi", ""); !errors.Is(err, ErrAgentBusy) {
		t.Fatalf("busy: got %v, want ErrAgentBusy", err)
	}
	if _, err := p.ProcessWithAgent(ctx, "ghost", "hi", ""); !errors.Is(err, store.ErrAgentNotFound) {
		t.Fatalf("unknown: got %v, want ErrAgentNotFound", err)
	}
}

func TestWorkingSessionReuse(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	seedAgent(t, st, "worker", "", store.AgentIdle, 0.5)

	runner := newFakeRunner(nil)
	p := testPool(st, runner)

	for i := 0; i < 3; i++ {
		if _, err := p.ProcessWithAgent(ctx, "worker", "hi", ""); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if n := runner.sessionsCreated(); n != 1 {
		t.Fatalf("sessions created = %d, want 1", n)
	}

	// An ended working session is replaced on the next send.
	runner.endSession("sess-1")
	if _, err := p.ProcessWithAgent(ctx, "worker", "hi", ""); err != nil {
		t.Fatalf("send after end: %v", err)
	}
	if n := runner.sessionsCreated(); n != 2 {
		t.Fatalf("sessions created = %d, want 2", n)
	}
}

func TestExplicitSessionBypassesWorkingSession(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	seedAgent(t, st, "worker", "", store.AgentIdle, 0.5)

	runner := newFakeRunner(nil)
	p := testPool(st, runner)

	target, err := runner.CreateSession(ctx, engine.CreateOptions{Title: "given"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := p.ProcessWithAgent(ctx, "worker", "hi", target.ID); err != nil {
		t.Fatalf("ProcessWithAgent: %v", err)
	}
	if n := runner.sessionsCreated(); n != 1 {
		t.Fatalf("sessions created = %d, want 1 (no working session)", n)
	}
}

func TestSyncConfig(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()

	cfg := config.Default()
	cfg.Agents.List = map[string]config.AgentSpec{
		"main":   {DisplayName: "Main", Focus: ""},
		"devops": {Focus: "devops", Model: "fast"},
		"off":    {Disabled: true},
	}
	p := NewPool(cfg, newFakeRunner(nil), st, NewRouter(st))

	if err := p.SyncConfig(ctx); err != nil {
		t.Fatalf("SyncConfig: %v", err)
	}

	main, err := st.GetAgent(ctx, "main")
	if err != nil {
		t.Fatalf("GetAgent main: %v", err)
	}
	if main.DisplayName != "Main" || main.Status != store.AgentIdle {
		t.Fatalf("main state = %q/%q", main.DisplayName, main.Status)
	}

	devops, err := st.GetAgent(ctx, "devops")
	if err != nil {
		t.Fatalf("GetAgent devops: %v", err)
	}
	if devops.DisplayName != "devops" {
		t.Fatalf("display name default = %q, want agent id", devops.DisplayName)
	}
	if devops.Focus != "devops" || devops.Model != "fast" {
		t.Fatalf("devops state = %q/%q", devops.Focus, devops.Model)
	}

	off, err := st.GetAgent(ctx, "off")
	if err != nil {
		t.Fatalf("GetAgent off: %v", err)
	}
	if off.Status != store.AgentDisabled {
		t.Fatalf("off status = %q, want disabled", off.Status)
	}
}

func TestRouteSelectsAndProcesses(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	seedAgent(t, st, "main", "", store.AgentIdle, 0.5)
	seedAgent(t, st, "devops", "devops", store.AgentIdle, 0.5)

	runner := newFakeRunner(func(sessionID, content string) (*engine.Reply, error) {
		return &engine.Reply{Content: "deployed"}, nil
	})
	p := testPool(st, runner)

	agentID, reply, err := p.Route(ctx, "Deploy the Docker build", []string{"main", "devops"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if agentID != "devops" {
		t.Fatalf("routed to %q, want devops", agentID)
	}
	if reply != "deployed" {
		t.Fatalf("reply = %q", reply)
	}
}
