package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const sessionColumns = `id, agent_id, session_type, title, system_prompt, model,
	temperature, max_tokens, context_window, status, message_count,
	total_tokens, total_cost, metadata, created_at, updated_at, ended_at`

func (s *SQLStore) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.Must(uuid.NewV7()).String()
	}
	if sess.Type == "" {
		sess.Type = SessionChat
	}
	if sess.Status == "" {
		sess.Status = SessionActive
	}
	sess.Title = ClampTitle(sess.Title)
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	meta, err := marshalMeta(sess.Metadata)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, agent_id, session_type, title,
		system_prompt, model, temperature, max_tokens, context_window, status,
		message_count, total_tokens, total_cost, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, 0, 0, $11, $12, $13)`,
		s.t("sessions"))
	_, err = s.db.ExecContext(ctx, query,
		sess.ID, sess.AgentID, string(sess.Type), sess.Title, sess.SystemPrompt,
		sess.Model, sess.Temperature, sess.MaxTokens, sess.ContextWindow,
		string(sess.Status), meta, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, sessionColumns, s.t("sessions"))
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *SQLStore) UpdateSession(ctx context.Context, sess *Session) error {
	sess.Title = ClampTitle(sess.Title)
	sess.UpdatedAt = time.Now().UTC()

	meta, err := marshalMeta(sess.Metadata)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE %s SET title = $2, system_prompt = $3,
		model = $4, temperature = $5, max_tokens = $6, context_window = $7,
		status = $8, metadata = $9, updated_at = $10, ended_at = $11
		WHERE id = $1`, s.t("sessions"))
	res, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.Title, sess.SystemPrompt, sess.Model, sess.Temperature,
		sess.MaxTokens, sess.ContextWindow, string(sess.Status), meta,
		sess.UpdatedAt, sess.EndedAt)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLStore) DeleteSession(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.t("sessions"))
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLStore) EndSession(ctx context.Context, id string) error {
	now := time.Now().UTC()
	query := fmt.Sprintf(`UPDATE %s SET status = 'ended', ended_at = $2,
		updated_at = $2 WHERE id = $1 AND status = 'active'`, s.t("sessions"))
	res, err := s.db.ExecContext(ctx, query, id, now)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already ended is fine; missing is not.
		if _, err := s.GetSession(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) ListSessions(ctx context.Context, f SessionFilter) ([]*Session, int, error) {
	f.Normalize()

	where := "WHERE 1=1"
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.AgentID != "" {
		where += " AND agent_id = " + arg(f.AgentID)
	}
	if f.Type != "" {
		where += " AND session_type = " + arg(f.Type)
	}
	if f.Search != "" {
		where += " AND lower(title) LIKE '%' || lower(" + arg(f.Search) + ") || '%'"
	}
	if f.DateFrom != nil {
		where += " AND created_at >= " + arg(f.DateFrom.UTC())
	}
	if f.DateTo != nil {
		where += " AND created_at <= " + arg(f.DateTo.UTC())
	}

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s %s`, s.t("sessions"), where)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	// SortBy and Order are whitelisted by Normalize.
	query := fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY %s %s LIMIT %s OFFSET %s`,
		sessionColumns, s.t("sessions"), where, f.SortBy, f.Order,
		arg(f.Limit), arg(f.Offset))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := []*Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, total, rows.Err()
}

func (s *SQLStore) SessionStats(ctx context.Context) (*SessionStats, error) {
	stats := &SessionStats{ByType: make(map[string]int)}

	query := fmt.Sprintf(`SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'ended' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(message_count), 0),
		COALESCE(SUM(total_tokens), 0),
		COALESCE(SUM(total_cost), 0)
		FROM %s`, s.t("sessions"))
	err := s.db.QueryRowContext(ctx, query).Scan(&stats.Total, &stats.Active,
		&stats.Ended, &stats.TotalMessages, &stats.TotalTokens, &stats.TotalCost)
	if err != nil {
		return nil, fmt.Errorf("session stats: %w", err)
	}

	byType := fmt.Sprintf(`SELECT session_type, COUNT(*) FROM %s GROUP BY session_type`, s.t("sessions"))
	rows, err := s.db.QueryContext(ctx, byType)
	if err != nil {
		return nil, fmt.Errorf("session stats by type: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		stats.ByType[typ] = n
	}
	return stats, rows.Err()
}

func (s *SQLStore) PruneOldSessions(ctx context.Context, olderThan time.Duration, dryRun bool) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	if dryRun {
		var n int
		query := fmt.Sprintf(`SELECT COUNT(*) FROM %s
			WHERE status = 'active' AND updated_at < $1`, s.t("sessions"))
		if err := s.db.QueryRowContext(ctx, query, cutoff).Scan(&n); err != nil {
			return 0, fmt.Errorf("prune dry run: %w", err)
		}
		return n, nil
	}

	now := time.Now().UTC()
	query := fmt.Sprintf(`UPDATE %s SET status = 'ended', ended_at = $2, updated_at = $2
		WHERE status = 'active' AND updated_at < $1`, s.t("sessions"))
	res, err := s.db.ExecContext(ctx, query, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLStore) AppendMessage(ctx context.Context, m *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var status string
	query := fmt.Sprintf(`SELECT status FROM %s WHERE id = $1`, s.t("sessions"))
	if err := tx.QueryRowContext(ctx, query, m.SessionID).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("check session: %w", err)
	}
	if status == string(SessionEnded) {
		return ErrSessionEnded
	}

	m.Content = ClampContent(m.Content)
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	} else {
		m.CreatedAt = m.CreatedAt.UTC()
	}

	meta, err := marshalMeta(m.Metadata)
	if err != nil {
		return err
	}
	calls, err := marshalToolCalls(m.ToolCalls)
	if err != nil {
		return err
	}

	insert := fmt.Sprintf(`INSERT INTO %s (session_id, role, content, thinking,
		tool_calls, tool_call_id, model, prompt_tokens, completion_tokens,
		cost, latency_ms, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`, s.t("messages"))
	err = tx.QueryRowContext(ctx, insert,
		m.SessionID, m.Role, m.Content, m.Thinking, calls, m.ToolCallID,
		m.Model, m.PromptTokens, m.CompletionTokens, m.Cost, m.LatencyMs,
		meta, m.CreatedAt).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	bump := fmt.Sprintf(`UPDATE %s SET message_count = message_count + 1,
		total_tokens = total_tokens + $2, total_cost = total_cost + $3,
		updated_at = $4 WHERE id = $1`, s.t("sessions"))
	if _, err := tx.ExecContext(ctx, bump, m.SessionID,
		m.PromptTokens+m.CompletionTokens, m.Cost, now); err != nil {
		return fmt.Errorf("bump session counters: %w", err)
	}

	return tx.Commit()
}

func (s *SQLStore) ListMessages(ctx context.Context, sessionID string, since *time.Time, limit int) ([]*Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	where := "WHERE session_id = $1"
	args := []any{sessionID}
	if since != nil {
		args = append(args, since.UTC())
		where += fmt.Sprintf(" AND created_at > $%d", len(args))
	}

	query := fmt.Sprintf(`SELECT id, session_id, role, content, thinking,
		tool_calls, tool_call_id, model, prompt_tokens, completion_tokens,
		cost, latency_ms, metadata, created_at
		FROM %s %s ORDER BY id ASC`, s.t("messages"), where)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := []*Message{}
	for rows.Next() {
		var m Message
		var calls, meta []byte
		err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Thinking,
			&calls, &m.ToolCallID, &m.Model, &m.PromptTokens, &m.CompletionTokens,
			&m.Cost, &m.LatencyMs, &meta, &m.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ToolCalls = unmarshalToolCalls(calls)
		m.Metadata = unmarshalMeta(meta)
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var typ, status string
	var meta []byte
	var endedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.AgentID, &typ, &sess.Title,
		&sess.SystemPrompt, &sess.Model, &sess.Temperature, &sess.MaxTokens,
		&sess.ContextWindow, &status, &sess.MessageCount, &sess.TotalTokens,
		&sess.TotalCost, &meta, &sess.CreatedAt, &sess.UpdatedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	sess.Type = SessionType(typ)
	sess.Status = SessionStatus(status)
	sess.Metadata = unmarshalMeta(meta)
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.UpdatedAt = sess.UpdatedAt.UTC()
	sess.EndedAt = nullableTime(endedAt)
	return &sess, nil
}
