package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/hive/internal/store"
)

// ErrTooFewParticipants rejects discussions with fewer than two agents.
var ErrTooFewParticipants = errors.New("roundtable needs at least 2 participants")

var roundPhases = []string{"EXPLORE", "WORK", "VALIDATE"}

// contextCapPerTurn bounds how much of each prior turn feeds the next
// round's context string.
const contextCapPerTurn = 300

// DiscussOptions bounds one roundtable run.
type DiscussOptions struct {
	Rounds        int           // default 3
	SynthesizerID string        // default: first participant
	AgentTimeout  time.Duration // per agent per round, default 60s
	TotalTimeout  time.Duration // whole discussion, default 10m
}

// Turn is one agent's contribution in one round.
type Turn struct {
	Round     int    `json:"round"`
	AgentID   string `json:"agent_id"`
	Content   string `json:"content"`
	LatencyMs int64  `json:"latency_ms"`
}

// DiscussResult is the outcome of a roundtable discussion.
type DiscussResult struct {
	SessionID string `json:"session_id"`
	Topic     string `json:"topic"`
	Turns     []Turn `json:"turns"`
	Synthesis string `json:"synthesis"`
}

// Roundtable runs bounded multi-agent discussions.
type Roundtable struct {
	pool *Pool
	st   store.SessionStore
}

// NewRoundtable creates a roundtable over the pool and session store.
func NewRoundtable(pool *Pool, st store.SessionStore) *Roundtable {
	return &Roundtable{pool: pool, st: st}
}

// Discuss runs rounds of parallel agent contributions on a topic, then
// a synthesis step. Agents that miss their timeout are dropped from the
// round; the discussion continues with whoever answered.
func (r *Roundtable) Discuss(ctx context.Context, topic string, agentIDs []string, opts DiscussOptions) (*DiscussResult, error) {
	if len(agentIDs) < 2 {
		return nil, ErrTooFewParticipants
	}
	if opts.Rounds <= 0 {
		opts.Rounds = 3
	}
	if opts.AgentTimeout <= 0 {
		opts.AgentTimeout = 60 * time.Second
	}
	if opts.TotalTimeout <= 0 {
		opts.TotalTimeout = 10 * time.Minute
	}
	if opts.SynthesizerID == "" {
		opts.SynthesizerID = agentIDs[0]
	}

	ctx, cancel := context.WithTimeout(ctx, opts.TotalTimeout)
	defer cancel()

	sess := &store.Session{
		Type:  store.SessionRoundtable,
		Title: store.ClampTitle("roundtable: " + topic),
		Metadata: map[string]any{
			"participants": strings.Join(agentIDs, ","),
		},
	}
	if err := r.st.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create roundtable session: %w", err)
	}

	result := &DiscussResult{SessionID: sess.ID, Topic: topic}
	completed := map[string]bool{}
	var totalLatency int64
	var latencyCount int64

	for round := 1; round <= opts.Rounds; round++ {
		phase := roundPhases[(round-1)%len(roundPhases)]
		prompt := r.roundPrompt(topic, phase, round, result.Turns)

		turns := r.dispatchRound(ctx, agentIDs, round, prompt, opts.AgentTimeout)
		for _, turn := range turns {
			completed[turn.AgentID] = true
			totalLatency += turn.LatencyMs
			latencyCount++
			result.Turns = append(result.Turns, turn)

			msg := &store.Message{
				SessionID: sess.ID,
				Role:      fmt.Sprintf("round-%d", round),
				Content:   turn.Content,
				LatencyMs: turn.LatencyMs,
				Metadata:  map[string]any{"agent_id": turn.AgentID, "phase": phase},
			}
			if err := r.st.AppendMessage(ctx, msg); err != nil {
				slog.Warn("persist roundtable turn", "session", sess.ID, "error", err)
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	result.Synthesis = r.synthesize(ctx, topic, opts, result.Turns)
	synthMsg := &store.Message{
		SessionID: sess.ID,
		Role:      "assistant",
		Content:   result.Synthesis,
		Metadata:  map[string]any{"agent_id": opts.SynthesizerID, "phase": "SYNTHESIS"},
	}
	if err := r.st.AppendMessage(context.WithoutCancel(ctx), synthMsg); err != nil {
		slog.Warn("persist synthesis", "session", sess.ID, "error", err)
	}

	// Every participant gets a pheromone update; missing all rounds
	// counts against them.
	avgLatency := int64(0)
	if latencyCount > 0 {
		avgLatency = totalLatency / latencyCount
	}
	settleCtx := context.WithoutCancel(ctx)
	for _, id := range agentIDs {
		r.pool.Router().RecordResult(settleCtx, id, completed[id], avgLatency, 0)
	}

	return result, nil
}

// dispatchRound fans the prompt out to all agents in parallel and
// collects whichever finish within the round deadline.
func (r *Roundtable) dispatchRound(ctx context.Context, agentIDs []string, round int, prompt string, agentTimeout time.Duration) []Turn {
	// Aggregate bound: the round never outlives agent_timeout * N even
	// if every agent runs long.
	roundTimeout := agentTimeout * time.Duration(len(agentIDs))
	roundCtx, cancel := context.WithTimeout(ctx, roundTimeout)
	defer cancel()

	results := make(chan Turn, len(agentIDs))
	var wg sync.WaitGroup
	for _, id := range agentIDs {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			agentCtx, acancel := context.WithTimeout(roundCtx, agentTimeout)
			defer acancel()

			start := time.Now()
			reply, err := r.pool.ProcessWithAgent(agentCtx, agentID, prompt, "")
			if err != nil {
				slog.Info("roundtable turn dropped", "agent", agentID, "round", round, "error", err)
				return
			}
			results <- Turn{
				Round:     round,
				AgentID:   agentID,
				Content:   reply,
				LatencyMs: time.Since(start).Milliseconds(),
			}
		}(id)
	}
	wg.Wait()
	close(results)

	turns := []Turn{}
	for t := range results {
		turns = append(turns, t)
	}
	return turns
}

// roundPrompt builds the per-round instruction, folding in prior turns
// capped at contextCapPerTurn characters each.
func (r *Roundtable) roundPrompt(topic, phase string, round int, prior []Turn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Roundtable discussion on: %s\n", topic)
	fmt.Fprintf(&b, "Round %d, phase %s.\n", round, phase)

	switch phase {
	case "EXPLORE":
		b.WriteString("Share your initial perspective and surface the key questions.\n")
	case "WORK":
		b.WriteString("Build on the discussion so far and work toward concrete answers.\n")
	default:
		b.WriteString("Validate or challenge the conclusions so far; flag weak points.\n")
	}

	if len(prior) > 0 {
		b.WriteString("\nDiscussion so far:\n")
		for _, t := range prior {
			content := t.Content
			if len(content) > contextCapPerTurn {
				content = content[:contextCapPerTurn] + "…"
			}
			fmt.Fprintf(&b, "[round %d, %s] %s\n", t.Round, t.AgentID, content)
		}
	}
	return b.String()
}

// synthesize asks the synthesizer agent to wrap up; a timeout or error
// falls back to a deterministic listing of the final round.
func (r *Roundtable) synthesize(ctx context.Context, topic string, opts DiscussOptions, turns []Turn) string {
	prompt := r.roundPrompt(topic, "SYNTHESIS", opts.Rounds+1, turns) +
		"\nSynthesize the discussion into a final answer."

	synthCtx, cancel := context.WithTimeout(ctx, opts.AgentTimeout)
	defer cancel()
	if reply, err := r.pool.ProcessWithAgent(synthCtx, opts.SynthesizerID, prompt, ""); err == nil {
		return reply
	} else {
		slog.Warn("synthesis failed, using fallback", "synthesizer", opts.SynthesizerID, "error", err)
	}

	return fallbackSynthesis(topic, turns)
}

// fallbackSynthesis lists the final-round contributions verbatim.
func fallbackSynthesis(topic string, turns []Turn) string {
	lastRound := 0
	for _, t := range turns {
		if t.Round > lastRound {
			lastRound = t.Round
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Summary of the discussion on %q:\n", topic)
	if lastRound == 0 {
		b.WriteString("No contributions were received in time.\n")
		return b.String()
	}
	for _, t := range turns {
		if t.Round != lastRound {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", t.AgentID, t.Content)
	}
	return b.String()
}
