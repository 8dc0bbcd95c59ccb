package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSessionLifecycle(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	sess := &Session{AgentID: "main", Title: "greeting"}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("CreateSession must assign an id")
	}
	if sess.Status != SessionActive {
		t.Errorf("status = %q, want active", sess.Status)
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Title != "greeting" {
		t.Errorf("title = %q, want greeting", got.Title)
	}

	if err := s.EndSession(ctx, sess.ID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	got, _ = s.GetSession(ctx, sess.ID)
	if got.Status != SessionEnded || got.EndedAt == nil {
		t.Errorf("ended session: status = %q, ended_at = %v", got.Status, got.EndedAt)
	}

	// Ending twice is a no-op.
	if err := s.EndSession(ctx, sess.ID); err != nil {
		t.Errorf("second EndSession: %v", err)
	}

	if err := s.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := s.GetSession(ctx, sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("after delete: err = %v, want ErrSessionNotFound", err)
	}
}

func TestAppendMessageOrdering(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	sess := &Session{AgentID: "main"}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	var lastID int64
	for i, role := range []string{"user", "assistant", "user", "assistant"} {
		m := &Message{SessionID: sess.ID, Role: role, Content: "turn", PromptTokens: 10, CompletionTokens: 5}
		if err := s.AppendMessage(ctx, m); err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
		if m.ID <= lastID {
			t.Fatalf("message %d id %d not strictly increasing after %d", i, m.ID, lastID)
		}
		lastID = m.ID
	}

	got, _ := s.GetSession(ctx, sess.ID)
	if got.MessageCount != 4 {
		t.Errorf("message_count = %d, want 4", got.MessageCount)
	}
	if got.TotalTokens != 60 {
		t.Errorf("total_tokens = %d, want 60", got.TotalTokens)
	}

	msgs, err := s.ListMessages(ctx, sess.ID, nil, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].ID <= msgs[i-1].ID || msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Errorf("messages out of order at %d", i)
		}
	}
}

func TestAppendMessageKeepsCallerTimestamp(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	sess := &Session{AgentID: "main"}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// Imports carry their original timestamps; fresh messages are
	// stamped with append time.
	old := time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)
	imported := &Message{SessionID: sess.ID, Role: "user", Content: "from export", CreatedAt: old}
	if err := s.AppendMessage(ctx, imported); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if !imported.CreatedAt.Equal(old) {
		t.Errorf("created_at = %v, want %v", imported.CreatedAt, old)
	}

	fresh := &Message{SessionID: sess.ID, Role: "assistant", Content: "new"}
	if err := s.AppendMessage(ctx, fresh); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if fresh.CreatedAt.IsZero() || fresh.CreatedAt.Equal(old) {
		t.Errorf("fresh message created_at = %v", fresh.CreatedAt)
	}

	// The session's activity clock follows append time, not the
	// imported timestamp.
	got, _ := s.GetSession(ctx, sess.ID)
	if got.UpdatedAt.Before(fresh.CreatedAt) {
		t.Errorf("updated_at = %v, want >= %v", got.UpdatedAt, fresh.CreatedAt)
	}
}

func TestAppendToEndedSession(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	sess := &Session{AgentID: "main"}
	s.CreateSession(ctx, sess)
	s.EndSession(ctx, sess.ID)

	err := s.AppendMessage(ctx, &Message{SessionID: sess.ID, Role: "user", Content: "hi"})
	if !errors.Is(err, ErrSessionEnded) {
		t.Errorf("err = %v, want ErrSessionEnded", err)
	}
}

func TestContentClamp(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	sess := &Session{AgentID: "main"}
	s.CreateSession(ctx, sess)

	big := strings.Repeat("x", MaxContentBytes+500)
	m := &Message{SessionID: sess.ID, Role: "user", Content: big}
	if err := s.AppendMessage(ctx, m); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if len(m.Content) != MaxContentBytes {
		t.Errorf("content length = %d, want %d", len(m.Content), MaxContentBytes)
	}
}

func TestClampContentUTF8Boundary(t *testing.T) {
	// A multi-byte rune straddling the cut must be dropped whole.
	content := strings.Repeat("x", MaxContentBytes-1) + "héllo"
	got := ClampContent(content)
	if len(got) > MaxContentBytes {
		t.Fatalf("clamped to %d bytes, want <= %d", len(got), MaxContentBytes)
	}
	for _, r := range got {
		if r == 0xFFFD {
			t.Fatal("clamp split a UTF-8 sequence")
		}
	}
}

func TestListSessionsFilterAndPaging(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	for i, spec := range []struct {
		agent string
		typ   SessionType
		title string
	}{
		{"main", SessionChat, "deploy pipeline"},
		{"main", SessionChat, "weekly report"},
		{"devops", SessionCron, "nightly build"},
		{"devops", SessionChat, "deploy checklist"},
	} {
		sess := &Session{AgentID: spec.agent, Type: spec.typ, Title: spec.title}
		if err := s.CreateSession(ctx, sess); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	tests := []struct {
		name      string
		filter    SessionFilter
		wantTotal int
		wantLen   int
	}{
		{"by agent", SessionFilter{AgentID: "devops"}, 2, 2},
		{"by type", SessionFilter{Type: "cron"}, 1, 1},
		{"search title", SessionFilter{Search: "DEPLOY"}, 2, 2},
		{"paged", SessionFilter{Limit: 2, Offset: 0}, 4, 2},
		{"offset past end", SessionFilter{Limit: 10, Offset: 100}, 4, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, total, err := s.ListSessions(ctx, tc.filter)
			if err != nil {
				t.Fatalf("ListSessions: %v", err)
			}
			if total != tc.wantTotal {
				t.Errorf("total = %d, want %d", total, tc.wantTotal)
			}
			if len(got) != tc.wantLen {
				t.Errorf("len = %d, want %d", len(got), tc.wantLen)
			}
		})
	}
}

func TestFilterNormalizeClamps(t *testing.T) {
	tests := []struct {
		in        SessionFilter
		wantLimit int
		wantOff   int
	}{
		{SessionFilter{Limit: 0, Offset: -5}, 20, 0},
		{SessionFilter{Limit: 1000, Offset: 10}, 100, 10},
		{SessionFilter{Limit: 50}, 50, 0},
	}
	for _, tc := range tests {
		f := tc.in
		f.Normalize()
		if f.Limit != tc.wantLimit || f.Offset != tc.wantOff {
			t.Errorf("Normalize(%+v) = limit %d offset %d, want %d/%d",
				tc.in, f.Limit, f.Offset, tc.wantLimit, tc.wantOff)
		}
	}
}

func TestPruneOldSessionsDryRun(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	old := &Session{AgentID: "main", Title: "stale"}
	s.CreateSession(ctx, old)
	// Backdate by writing through the store's clock.
	s.mu.Lock()
	s.sessions[old.ID].UpdatedAt = time.Now().UTC().Add(-40 * 24 * time.Hour)
	s.mu.Unlock()

	fresh := &Session{AgentID: "main", Title: "fresh"}
	s.CreateSession(ctx, fresh)

	n, err := s.PruneOldSessions(ctx, 30*24*time.Hour, true)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if n != 1 {
		t.Errorf("dry run count = %d, want 1", n)
	}
	got, _ := s.GetSession(ctx, old.ID)
	if got.Status != SessionActive {
		t.Error("dry run must not mutate")
	}

	n, err = s.PruneOldSessions(ctx, 30*24*time.Hour, false)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Errorf("prune count = %d, want 1", n)
	}
	got, _ = s.GetSession(ctx, old.ID)
	if got.Status != SessionEnded {
		t.Error("prune must end stale sessions")
	}
}

func TestAgentStateRoundtrip(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	a := &AgentState{AgentID: "devops", DisplayName: "DevOps", Focus: "devops"}
	if err := s.UpsertAgent(ctx, a); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}

	got, err := s.GetAgent(ctx, "devops")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Pheromone != 0.5 {
		t.Errorf("default pheromone = %v, want 0.5", got.Pheromone)
	}
	if got.Status != AgentIdle {
		t.Errorf("default status = %q, want idle", got.Status)
	}

	if err := s.SetPheromone(ctx, "devops", 1.7); err != nil {
		t.Fatalf("SetPheromone: %v", err)
	}
	got, _ = s.GetAgent(ctx, "devops")
	if got.Pheromone != 1.0 {
		t.Errorf("pheromone = %v, want clamp to 1.0", got.Pheromone)
	}

	if err := s.RecordAgentResult(ctx, "devops", 120, 900, false); err != nil {
		t.Fatalf("RecordAgentResult: %v", err)
	}
	got, _ = s.GetAgent(ctx, "devops")
	if got.MessagesProcessed != 1 || got.Errors != 1 || got.TotalTokens != 120 {
		t.Errorf("rollup = %+v", got)
	}

	// Upsert keeps the rollup counters.
	a.DisplayName = "DevOps v2"
	s.UpsertAgent(ctx, a)
	got, _ = s.GetAgent(ctx, "devops")
	if got.DisplayName != "DevOps v2" || got.MessagesProcessed != 1 {
		t.Errorf("after upsert: name %q processed %d", got.DisplayName, got.MessagesProcessed)
	}
}

func TestCronJobRunRecording(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	j := &CronJob{Name: "nightly", Schedule: "0 0 * * *", AgentID: "main",
		Enabled: true, PayloadKind: "prompt", Payload: "summarize", SessionMode: "isolated"}
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	next := time.Now().UTC().Add(24 * time.Hour)
	if err := s.RecordRun(ctx, j.ID, "success", 1500, "", &next); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	if err := s.RecordRun(ctx, j.ID, "timeout", 5000, "deadline exceeded", &next); err != nil {
		t.Fatalf("RecordRun timeout: %v", err)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.Runs != 2 || got.Successes != 1 || got.Failures != 1 {
		t.Errorf("counters = %d/%d/%d, want 2/1/1", got.Runs, got.Successes, got.Failures)
	}
	if got.LastStatus != "timeout" {
		t.Errorf("last_status = %q, want timeout", got.LastStatus)
	}

	hist, err := s.ListHistory(ctx, j.ID, 10)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history len = %d, want 2", len(hist))
	}
	if hist[0].Status != "timeout" {
		t.Errorf("newest entry = %q, want timeout", hist[0].Status)
	}
}

func TestSessionStats(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	a := &Session{AgentID: "main", Type: SessionChat}
	b := &Session{AgentID: "main", Type: SessionCron}
	s.CreateSession(ctx, a)
	s.CreateSession(ctx, b)
	s.AppendMessage(ctx, &Message{SessionID: a.ID, Role: "user", Content: "hi", PromptTokens: 5})
	s.EndSession(ctx, b.ID)

	stats, err := s.SessionStats(ctx)
	if err != nil {
		t.Fatalf("SessionStats: %v", err)
	}
	if stats.Total != 2 || stats.Active != 1 || stats.Ended != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.ByType["chat"] != 1 || stats.ByType["cron"] != 1 {
		t.Errorf("by_type = %v", stats.ByType)
	}
}
