// Package agents holds the agent pool, the pheromone-weighted router,
// and the roundtable discussion driver.
package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/nextlevelbuilder/hive/internal/store"
)

const (
	weightPheromone = 0.35
	weightSpecialty = 0.30
	weightLoad      = 0.20
	weightRecency   = 0.15

	// maxRecordsPerAgent caps the in-memory performance buffer; older
	// records are evicted FIFO.
	maxRecordsPerAgent = 200

	// recordMaxAge is the compaction horizon for performance records.
	recordMaxAge = 2 * time.Hour

	compactInterval = 10 * time.Minute

	// speedCeilingMs is the duration at which speed score bottoms out.
	speedCeilingMs = 30000
)

// ErrNoCandidates means the router was given an empty candidate list.
var ErrNoCandidates = errors.New("no candidate agents")

type perfRecord struct {
	success    bool
	speedScore float64
	costScore  float64
	durationMs int64
	createdAt  time.Time
}

// Router selects the best agent for a message and maintains the
// per-agent performance buffers behind the pheromone scores.
type Router struct {
	st      store.AgentStore
	mu      sync.Mutex
	records map[string][]perfRecord
	now     func() time.Time
}

// NewRouter creates a router over the agent store.
func NewRouter(st store.AgentStore) *Router {
	return &Router{
		st:      st,
		records: make(map[string][]perfRecord),
		now:     time.Now,
	}
}

// Select picks the agent for a message. Disabled agents never win.
// Ties break by higher pheromone, then lexicographic agent id.
func (r *Router) Select(ctx context.Context, message string, candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", ErrNoCandidates
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	type scored struct {
		id        string
		score     float64
		pheromone float64
	}
	var best *scored

	for _, id := range candidates {
		state, err := r.st.GetAgent(ctx, id)
		if err != nil {
			slog.Warn("router skipping unknown agent", "agent", id, "error", err)
			continue
		}
		if state.Status == store.AgentDisabled {
			continue
		}

		s := scored{
			id:        id,
			pheromone: state.Pheromone,
			score: weightPheromone*state.Pheromone +
				weightSpecialty*specialtyScore(message, state.Focus) +
				weightLoad*loadScore(state) +
				weightRecency*r.recencyScore(id),
		}

		if best == nil ||
			s.score > best.score ||
			(s.score == best.score && s.pheromone > best.pheromone) ||
			(s.score == best.score && s.pheromone == best.pheromone && s.id < best.id) {
			b := s
			best = &b
		}
	}

	if best == nil {
		return "", fmt.Errorf("%w: all candidates disabled or unknown", ErrNoCandidates)
	}
	return best.id, nil
}

// loadScore penalizes unavailable or struggling agents.
func loadScore(a *store.AgentState) float64 {
	switch a.Status {
	case store.AgentDisabled:
		return 0.0
	case store.AgentError:
		return 0.1
	case store.AgentBusy:
		return 0.3
	}
	s := 1.0 - 0.1*float64(a.ConsecutiveFailures)
	if s < 0.2 {
		s = 0.2
	}
	return s
}

// recencyScore is the success ratio of the last 10 records, 0.5 if none.
func (r *Router) recencyScore(agentID string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs := r.records[agentID]
	if len(recs) == 0 {
		return 0.5
	}
	start := 0
	if len(recs) > 10 {
		start = len(recs) - 10
	}
	wins := 0
	for _, rec := range recs[start:] {
		if rec.success {
			wins++
		}
	}
	return float64(wins) / float64(len(recs)-start)
}

// RecordResult appends one interaction and recomputes the agent's
// pheromone score, persisting it to the store.
func (r *Router) RecordResult(ctx context.Context, agentID string, success bool, durationMs int64, tokenCost float64) {
	speed := 1.0 - float64(durationMs)/speedCeilingMs
	if speed < 0 {
		speed = 0
	}
	cost := 1.0 - math.Min(tokenCost, 1.0)
	if cost < 0 {
		cost = 0
	}

	r.mu.Lock()
	recs := append(r.records[agentID], perfRecord{
		success:    success,
		speedScore: speed,
		costScore:  cost,
		durationMs: durationMs,
		createdAt:  r.now(),
	})
	if len(recs) > maxRecordsPerAgent {
		recs = recs[len(recs)-maxRecordsPerAgent:]
	}
	r.records[agentID] = recs
	score := r.pheromoneLocked(agentID)
	r.mu.Unlock()

	if err := r.st.SetPheromone(ctx, agentID, score); err != nil {
		slog.Warn("persist pheromone", "agent", agentID, "error", err)
	}
}

// Pheromone computes the current score from the in-memory buffer.
// With no records the default is 0.5.
func (r *Router) Pheromone(agentID string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pheromoneLocked(agentID)
}

// pheromoneLocked is the time-decayed weighted mean over the records:
// score = Σ (0.6·success + 0.3·speed + 0.1·cost) · d / Σ d with
// d = 0.95^age_days, clamped to [0, 1].
func (r *Router) pheromoneLocked(agentID string) float64 {
	recs := r.records[agentID]
	if len(recs) == 0 {
		return 0.5
	}

	now := r.now()
	var num, den float64
	for _, rec := range recs {
		ageDays := now.Sub(rec.createdAt).Hours() / 24
		d := math.Pow(0.95, ageDays)
		succ := 0.0
		if rec.success {
			succ = 1.0
		}
		num += (0.6*succ + 0.3*rec.speedScore + 0.1*rec.costScore) * d
		den += d
	}
	if den == 0 {
		return 0.5
	}
	score := num / den
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

// StartCompaction trims aged records periodically until ctx ends.
func (r *Router) StartCompaction(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(compactInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.compact()
			}
		}
	}()
}

func (r *Router) compact() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-recordMaxAge)
	for id, recs := range r.records {
		kept := recs[:0]
		for _, rec := range recs {
			if rec.createdAt.After(cutoff) {
				kept = append(kept, rec)
			}
		}
		if len(kept) == 0 {
			delete(r.records, id)
			continue
		}
		r.records[id] = kept
	}
}
