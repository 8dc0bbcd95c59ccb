package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const agentColumns = `agent_id, display_name, focus, model, temperature,
	system_prompt, status, consecutive_failures, pheromone,
	messages_processed, total_tokens, total_latency_ms, errors,
	last_active, metadata, created_at`

func (s *SQLStore) UpsertAgent(ctx context.Context, a *AgentState) error {
	if a.Status == "" {
		a.Status = AgentIdle
	}
	if a.Pheromone == 0 {
		a.Pheromone = 0.5
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.LastActive.IsZero() {
		a.LastActive = now
	}

	meta, err := marshalMeta(a.Metadata)
	if err != nil {
		return err
	}

	// Roll-up counters survive the upsert; config fields are replaced.
	query := fmt.Sprintf(`INSERT INTO %s (agent_id, display_name, focus, model,
		temperature, system_prompt, status, consecutive_failures, pheromone,
		messages_processed, total_tokens, total_latency_ms, errors,
		last_active, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, 0, 0, 0, $10, $11, $12)
		ON CONFLICT (agent_id) DO UPDATE SET
			display_name = $2, focus = $3, model = $4, temperature = $5,
			system_prompt = $6, status = $7, metadata = $11`, s.t("agent_states"))
	_, err = s.db.ExecContext(ctx, query,
		a.AgentID, a.DisplayName, a.Focus, a.Model, a.Temperature,
		a.SystemPrompt, string(a.Status), a.ConsecutiveFailures, a.Pheromone,
		a.LastActive, meta, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

func (s *SQLStore) GetAgent(ctx context.Context, id string) (*AgentState, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE agent_id = $1`, agentColumns, s.t("agent_states"))
	a, err := scanAgent(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *SQLStore) ListAgents(ctx context.Context) ([]*AgentState, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY agent_id ASC`, agentColumns, s.t("agent_states"))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	out := []*AgentState{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLStore) SetAgentStatus(ctx context.Context, id string, status AgentStatus, consecutiveFailures int) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $2, consecutive_failures = $3,
		last_active = $4 WHERE agent_id = $1`, s.t("agent_states"))
	res, err := s.db.ExecContext(ctx, query, id, string(status), consecutiveFailures, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set agent status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (s *SQLStore) SetPheromone(ctx context.Context, id string, score float64) error {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	query := fmt.Sprintf(`UPDATE %s SET pheromone = $2 WHERE agent_id = $1`, s.t("agent_states"))
	res, err := s.db.ExecContext(ctx, query, id, score)
	if err != nil {
		return fmt.Errorf("set pheromone: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (s *SQLStore) RecordAgentResult(ctx context.Context, id string, tokens, latencyMs int64, success bool) error {
	errDelta := 0
	if !success {
		errDelta = 1
	}
	query := fmt.Sprintf(`UPDATE %s SET
		messages_processed = messages_processed + 1,
		total_tokens = total_tokens + $2,
		total_latency_ms = total_latency_ms + $3,
		errors = errors + $4,
		last_active = $5
		WHERE agent_id = $1`, s.t("agent_states"))
	res, err := s.db.ExecContext(ctx, query, id, tokens, latencyMs, errDelta, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record agent result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func scanAgent(row rowScanner) (*AgentState, error) {
	var a AgentState
	var status string
	var meta []byte
	err := row.Scan(&a.AgentID, &a.DisplayName, &a.Focus, &a.Model,
		&a.Temperature, &a.SystemPrompt, &status, &a.ConsecutiveFailures,
		&a.Pheromone, &a.MessagesProcessed, &a.TotalTokens, &a.TotalLatencyMs,
		&a.Errors, &a.LastActive, &meta, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = AgentStatus(status)
	a.Metadata = unmarshalMeta(meta)
	a.LastActive = a.LastActive.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}
