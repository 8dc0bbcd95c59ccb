package server

import (
	"net/http"
	"time"

	"github.com/nextlevelbuilder/hive/internal/agents"
	"github.com/nextlevelbuilder/hive/internal/protect"
)

// agentMetrics is the per-agent roll-up served at /agents/metrics.
type agentMetrics struct {
	AgentID             string  `json:"agent_id"`
	DisplayName         string  `json:"display_name"`
	Focus               string  `json:"focus,omitempty"`
	Status              string  `json:"status"`
	Pheromone           float64 `json:"pheromone"`
	MessagesProcessed   int64   `json:"messages_processed"`
	TotalTokens         int64   `json:"total_tokens"`
	AvgLatencyMs        int64   `json:"avg_latency_ms"`
	Errors              int64   `json:"errors"`
	ErrorRate           float64 `json:"error_rate"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	UptimeSeconds       int64   `json:"uptime_s"`
	LastActive          string  `json:"last_active,omitempty"`
}

func (s *Server) handleAgentMetrics(w http.ResponseWriter, r *http.Request) {
	states, err := s.st.ListAgents(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	now := time.Now().UTC()
	out := make([]agentMetrics, 0, len(states))
	for _, a := range states {
		m := agentMetrics{
			AgentID:             a.AgentID,
			DisplayName:         a.DisplayName,
			Focus:               a.Focus,
			Status:              string(a.Status),
			Pheromone:           a.Pheromone,
			MessagesProcessed:   a.MessagesProcessed,
			TotalTokens:         a.TotalTokens,
			Errors:              a.Errors,
			ConsecutiveFailures: a.ConsecutiveFailures,
		}
		if a.MessagesProcessed > 0 {
			m.AvgLatencyMs = a.TotalLatencyMs / a.MessagesProcessed
			m.ErrorRate = float64(a.Errors) / float64(a.MessagesProcessed)
		}
		if !a.CreatedAt.IsZero() {
			m.UptimeSeconds = int64(now.Sub(a.CreatedAt).Seconds())
		}
		if !a.LastActive.IsZero() {
			m.LastActive = a.LastActive.UTC().Format(time.RFC3339)
		}
		out = append(out, m)
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "agent pool not running"})
		return
	}
	var req struct {
		Message    string   `json:"message"`
		Candidates []string `json:"candidates"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Message == "" {
		writeError(w, &protect.ValidationError{Field: "message", Reason: "required"})
		return
	}

	agentID, reply, err := s.pool.Route(r.Context(), req.Message, req.Candidates)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": agentID, "reply": reply})
}

func (s *Server) handleRoundtable(w http.ResponseWriter, r *http.Request) {
	if s.roundtable == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "roundtable not running"})
		return
	}
	var req struct {
		Topic         string   `json:"topic"`
		AgentIDs      []string `json:"agent_ids"`
		Rounds        int      `json:"rounds"`
		SynthesizerID string   `json:"synthesizer_id"`
		AgentTimeoutS int      `json:"agent_timeout_s"`
		TotalTimeoutS int      `json:"total_timeout_s"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Topic == "" {
		writeError(w, &protect.ValidationError{Field: "topic", Reason: "required"})
		return
	}

	result, err := s.roundtable.Discuss(r.Context(), req.Topic, req.AgentIDs, agents.DiscussOptions{
		Rounds:        req.Rounds,
		SynthesizerID: req.SynthesizerID,
		AgentTimeout:  time.Duration(req.AgentTimeoutS) * time.Second,
		TotalTimeout:  time.Duration(req.TotalTimeoutS) * time.Second,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
