// Package jsonl exports session transcripts as JSON-lines files under
// the memories tree and reads them back. One file per session; every
// record carries an engine_version field so future readers can branch
// on format changes.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nextlevelbuilder/hive/internal/store"
)

// EngineVersion is stamped on every exported record.
const EngineVersion = "1.0.0"

// maxLineBytes bounds a single record line. Content is capped at
// 100 KiB before persistence, so 2 MiB leaves ample room for escaping.
const maxLineBytes = 2 * 1024 * 1024

// Record is one exported line. Role, content and timestamp are
// required; everything else is optional and readers must tolerate
// unknown keys.
type Record struct {
	Role            string           `json:"role"`
	Content         string           `json:"content"`
	Timestamp       string           `json:"timestamp"`
	SessionID       string           `json:"session_id,omitempty"`
	Model           string           `json:"model,omitempty"`
	EngineVersion   string           `json:"engine_version,omitempty"`
	ThinkingContent string           `json:"thinking_content,omitempty"`
	ToolCalls       []store.ToolCall `json:"tool_calls,omitempty"`
	AgentID         string           `json:"agent_id,omitempty"`
	PheromoneScore  float64          `json:"pheromone_score,omitempty"`
	Tokens          int64            `json:"tokens,omitempty"`
}

// FromMessage builds the export record for one stored message.
func FromMessage(sess *store.Session, m *store.Message) Record {
	model := m.Model
	if model == "" {
		model = sess.Model
	}
	return Record{
		Role:            m.Role,
		Content:         m.Content,
		Timestamp:       m.CreatedAt.UTC().Format(time.RFC3339),
		SessionID:       sess.ID,
		Model:           model,
		EngineVersion:   EngineVersion,
		ThinkingContent: m.Thinking,
		ToolCalls:       m.ToolCalls,
		AgentID:         sess.AgentID,
		Tokens:          int64(m.PromptTokens + m.CompletionTokens),
	}
}

// Write encodes records to w, one JSON object per line.
func Write(w io.Writer, recs []Record) error {
	enc := json.NewEncoder(w)
	for i, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode record %d: %w", i, err)
		}
	}
	return nil
}

// Read decodes records from w, skipping malformed lines. It returns the
// valid records and the number of lines skipped.
func Read(r io.Reader) ([]Record, int) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	var recs []Record
	skipped := 0
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			skipped++
			continue
		}
		if rec.Role == "" || rec.Timestamp == "" {
			skipped++
			continue
		}
		recs = append(recs, rec)
	}
	if err := sc.Err(); err != nil {
		slog.Warn("jsonl read aborted", "error", err)
	}
	return recs, skipped
}

// Exporter writes session transcripts under a root directory.
type Exporter struct {
	st   store.SessionStore
	root string
}

// NewExporter creates an exporter rooted at dir, typically the
// MEMORIES_PATH tree.
func NewExporter(st store.SessionStore, root string) *Exporter {
	return &Exporter{st: st, root: root}
}

// ExportSession writes one session's transcript to <root>/<id>.jsonl
// and returns the path and the number of records written.
func (e *Exporter) ExportSession(ctx context.Context, sessionID string) (string, int, error) {
	sess, err := e.st.GetSession(ctx, sessionID)
	if err != nil {
		return "", 0, err
	}
	msgs, err := e.st.ListMessages(ctx, sessionID, nil, 0)
	if err != nil {
		return "", 0, fmt.Errorf("list messages: %w", err)
	}

	recs := make([]Record, 0, len(msgs))
	for _, m := range msgs {
		recs = append(recs, FromMessage(sess, m))
	}

	if err := os.MkdirAll(e.root, 0o755); err != nil {
		return "", 0, fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(e.root, sess.ID+".jsonl")
	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("create export file: %w", err)
	}
	defer f.Close()

	if err := Write(f, recs); err != nil {
		return "", 0, err
	}
	if err := f.Close(); err != nil {
		return "", 0, fmt.Errorf("flush export file: %w", err)
	}
	return path, len(recs), nil
}

// ExportAll walks every session in the store and exports each one.
// It returns the number of files and total records written.
func (e *Exporter) ExportAll(ctx context.Context) (int, int, error) {
	files, records := 0, 0
	filter := store.SessionFilter{Limit: 100}
	for {
		sessions, total, err := e.st.ListSessions(ctx, filter)
		if err != nil {
			return files, records, fmt.Errorf("list sessions: %w", err)
		}
		for _, sess := range sessions {
			_, n, err := e.ExportSession(ctx, sess.ID)
			if err != nil {
				slog.Warn("export session failed", "session", sess.ID, "error", err)
				continue
			}
			files++
			records += n
		}
		filter.Offset += len(sessions)
		if filter.Offset >= total || len(sessions) == 0 {
			break
		}
	}
	return files, records, nil
}

// ImportFile reads one exported file. Malformed lines are skipped and
// counted, never fatal.
func ImportFile(path string) ([]Record, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open import file: %w", err)
	}
	defer f.Close()
	recs, skipped := Read(f)
	return recs, skipped, nil
}

// Restore appends imported records into a session, creating the session
// when it does not exist. Record timestamps are kept on the restored
// messages, so a re-export emits the same required fields. It returns
// the number of messages appended.
func Restore(ctx context.Context, st store.SessionStore, sessionID string, recs []Record) (int, error) {
	if _, err := st.GetSession(ctx, sessionID); err != nil {
		sess := &store.Session{
			ID:    sessionID,
			Type:  store.SessionChat,
			Title: "imported: " + sessionID,
		}
		if len(recs) > 0 {
			sess.AgentID = recs[0].AgentID
			sess.Model = recs[0].Model
		}
		if err := st.CreateSession(ctx, sess); err != nil {
			return 0, fmt.Errorf("create session: %w", err)
		}
	}

	appended := 0
	for _, rec := range recs {
		msg := &store.Message{
			SessionID: sessionID,
			Role:      rec.Role,
			Content:   rec.Content,
			Thinking:  rec.ThinkingContent,
			ToolCalls: rec.ToolCalls,
			Model:     rec.Model,
		}
		// An unparseable timestamp falls back to append time.
		if ts, err := time.Parse(time.RFC3339, rec.Timestamp); err == nil {
			msg.CreatedAt = ts
		}
		if err := st.AppendMessage(ctx, msg); err != nil {
			return appended, fmt.Errorf("append record %d: %w", appended, err)
		}
		appended++
	}
	return appended, nil
}
