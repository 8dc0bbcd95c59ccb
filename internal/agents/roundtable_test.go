package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/hive/internal/engine"
	"github.com/nextlevelbuilder/hive/internal/store"
)

func TestDiscussRequiresTwoParticipants(t *testing.T) {
	rt := NewRoundtable(testPool(store.NewMemStore(), newFakeRunner(nil)), store.NewMemStore())

	if _, err := rt.Discuss(context.Background(), "topic", []string{"solo"}, DiscussOptions{}); !errors.Is(err, ErrTooFewParticipants) {
		t.Fatalf("got %v, want ErrTooFewParticipants", err)
	}
	if _, err := rt.Discuss(context.Background(), "topic", nil, DiscussOptions{}); !errors.Is(err, ErrTooFewParticipants) {
		t.Fatalf("nil participants: got %v, want ErrTooFewParticipants", err)
	}
}

func TestDiscussRoundsAndSynthesis(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	seedAgent(t, st, "alpha", "", store.AgentIdle, 0.5)
	seedAgent(t, st, "beta", "", store.AgentIdle, 0.5)

	var runner *fakeRunner
	runner = newFakeRunner(func(sessionID, content string) (*engine.Reply, error) {
		if strings.Contains(content, "Synthesize the discussion") {
			return &engine.Reply{Content: "the verdict"}, nil
		}
		return &engine.Reply{Content: "view of " + runner.agentFor(sessionID)}, nil
	})
	rt := NewRoundtable(testPool(st, runner), st)

	res, err := rt.Discuss(ctx, "ship it?", []string{"alpha", "beta"}, DiscussOptions{
		Rounds:        2,
		SynthesizerID: "alpha",
	})
	if err != nil {
		t.Fatalf("Discuss: %v", err)
	}

	if len(res.Turns) != 4 {
		t.Fatalf("turns = %d, want 4", len(res.Turns))
	}
	if res.Synthesis != "the verdict" {
		t.Fatalf("synthesis = %q", res.Synthesis)
	}
	seen := map[string]int{}
	for _, turn := range res.Turns {
		seen[fmt.Sprintf("%d/%s", turn.Round, turn.AgentID)]++
	}
	for _, key := range []string{"1/alpha", "1/beta", "2/alpha", "2/beta"} {
		if seen[key] != 1 {
			t.Fatalf("turn %s appeared %d times", key, seen[key])
		}
	}

	// The discussion session carries the per-round messages plus the
	// synthesis as a final assistant message.
	sess, err := st.GetSession(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Type != store.SessionRoundtable {
		t.Fatalf("session type = %q", sess.Type)
	}
	if got := sess.Metadata["participants"]; got != "alpha,beta" {
		t.Fatalf("participants = %v", got)
	}

	msgs, err := st.ListMessages(ctx, res.SessionID, nil, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	roles := map[string]int{}
	for _, m := range msgs {
		roles[m.Role]++
	}
	if roles["round-1"] != 2 || roles["round-2"] != 2 || roles["assistant"] != 1 {
		t.Fatalf("message roles = %v", roles)
	}
	last := msgs[len(msgs)-1]
	if last.Role != "assistant" || last.Content != "the verdict" {
		t.Fatalf("last message = %s %q", last.Role, last.Content)
	}
}

func TestDiscussDropsFailingAgent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	seedAgent(t, st, "alpha", "", store.AgentIdle, 0.5)
	seedAgent(t, st, "beta", "", store.AgentIdle, 0.5)

	var runner *fakeRunner
	runner = newFakeRunner(func(sessionID, content string) (*engine.Reply, error) {
		if runner.agentFor(sessionID) == "beta" {
			return nil, errors.New("beta is down")
		}
		return &engine.Reply{Content: "alpha speaks"}, nil
	})
	rt := NewRoundtable(testPool(st, runner), st)

	res, err := rt.Discuss(ctx, "topic", []string{"alpha", "beta"}, DiscussOptions{
		Rounds:        1,
		SynthesizerID: "alpha",
	})
	if err != nil {
		t.Fatalf("Discuss: %v", err)
	}
	if len(res.Turns) != 1 || res.Turns[0].AgentID != "alpha" {
		t.Fatalf("turns = %+v, want single alpha turn", res.Turns)
	}
	if res.Synthesis == "" {
		t.Fatal("synthesis missing")
	}
}

func TestDiscussFallbackSynthesis(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	seedAgent(t, st, "alpha", "", store.AgentIdle, 0.5)
	seedAgent(t, st, "beta", "", store.AgentIdle, 0.5)

	var runner *fakeRunner
	runner = newFakeRunner(func(sessionID, content string) (*engine.Reply, error) {
		if strings.Contains(content, "Synthesize the discussion") {
			return nil, errors.New("synthesizer is down")
		}
		return &engine.Reply{Content: "point from " + runner.agentFor(sessionID)}, nil
	})
	rt := NewRoundtable(testPool(st, runner), st)

	res, err := rt.Discuss(ctx, "big question", []string{"alpha", "beta"}, DiscussOptions{Rounds: 1})
	if err != nil {
		t.Fatalf("Discuss: %v", err)
	}
	if !strings.Contains(res.Synthesis, "big question") {
		t.Fatalf("fallback synthesis missing topic: %q", res.Synthesis)
	}
	for _, id := range []string{"alpha", "beta"} {
		if !strings.Contains(res.Synthesis, "point from "+id) {
			t.Fatalf("fallback synthesis missing %s: %q", id, res.Synthesis)
		}
	}
}

func TestFallbackSynthesisListsFinalRound(t *testing.T) {
	turns := []Turn{
		{Round: 1, AgentID: "a", Content: "old idea"},
		{Round: 2, AgentID: "a", Content: "final idea"},
		{Round: 2, AgentID: "b", Content: "counterpoint"},
	}
	out := fallbackSynthesis("t", turns)
	if strings.Contains(out, "old idea") {
		t.Fatalf("fallback included non-final round: %q", out)
	}
	if !strings.Contains(out, "final idea") || !strings.Contains(out, "counterpoint") {
		t.Fatalf("fallback missing final round: %q", out)
	}

	if out := fallbackSynthesis("t", nil); !strings.Contains(out, "No contributions") {
		t.Fatalf("empty fallback = %q", out)
	}
}

func TestRoundPromptPhasesAndContextCap(t *testing.T) {
	rt := NewRoundtable(testPool(store.NewMemStore(), newFakeRunner(nil)), store.NewMemStore())

	long := strings.Repeat("x", contextCapPerTurn+100)
	prior := []Turn{{Round: 1, AgentID: "a", Content: long}}

	p := rt.roundPrompt("topic", "WORK", 2, prior)
	if !strings.Contains(p, "Round 2, phase WORK") {
		t.Fatalf("prompt missing phase header: %q", p)
	}
	if strings.Contains(p, long) {
		t.Fatal("prior turn not capped")
	}
	if !strings.Contains(p, long[:contextCapPerTurn]+"…") {
		t.Fatal("capped prior turn missing")
	}
}

func TestDiscussUpdatesPheromones(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	seedAgent(t, st, "alpha", "", store.AgentIdle, 0.5)
	seedAgent(t, st, "beta", "", store.AgentIdle, 0.5)

	var runner *fakeRunner
	runner = newFakeRunner(func(sessionID, content string) (*engine.Reply, error) {
		if runner.agentFor(sessionID) == "beta" {
			return nil, errors.New("down")
		}
		return &engine.Reply{Content: "fine"}, nil
	})
	pool := testPool(st, runner)
	rt := NewRoundtable(pool, st)

	if _, err := rt.Discuss(ctx, "t", []string{"alpha", "beta"}, DiscussOptions{Rounds: 1, SynthesizerID: "alpha", AgentTimeout: 5 * time.Second}); err != nil {
		t.Fatalf("Discuss: %v", err)
	}

	// Beta missed every round, alpha contributed. Both get recorded and
	// the gap shows in the scores.
	if a, b := pool.Router().Pheromone("alpha"), pool.Router().Pheromone("beta"); a <= b {
		t.Fatalf("pheromones alpha=%v beta=%v, want alpha > beta", a, b)
	}
}
