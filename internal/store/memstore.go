package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is the in-memory Store used for tests and DSN-less runs.
// All state is lost on process exit.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	messages map[string][]*Message // session id → ordered messages
	agents   map[string]*AgentState
	jobs     map[string]*CronJob
	history  map[string][]*HistoryEntry // job id → newest last
	nextID   int64
	now      func() time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string]*Session),
		messages: make(map[string][]*Message),
		agents:   make(map[string]*AgentState),
		jobs:     make(map[string]*CronJob),
		history:  make(map[string][]*HistoryEntry),
		now:      time.Now,
	}
}

func (s *MemStore) Close() error { return nil }

// --- sessions ---

func (s *MemStore) CreateSession(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

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
	now := s.now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemStore) GetSession(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemStore) UpdateSession(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.sessions[sess.ID]
	if !ok {
		return ErrSessionNotFound
	}
	sess.Title = ClampTitle(sess.Title)
	sess.CreatedAt = cur.CreatedAt
	sess.UpdatedAt = s.now().UTC()

	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, id)
	delete(s.messages, id)
	return nil
}

func (s *MemStore) EndSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.Status == SessionEnded {
		return nil
	}
	now := s.now().UTC()
	sess.Status = SessionEnded
	sess.EndedAt = &now
	sess.UpdatedAt = now
	return nil
}

func (s *MemStore) ListSessions(ctx context.Context, f SessionFilter) ([]*Session, int, error) {
	f.Normalize()

	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if f.AgentID != "" && sess.AgentID != f.AgentID {
			continue
		}
		if f.Type != "" && string(sess.Type) != f.Type {
			continue
		}
		if f.Search != "" && !strings.Contains(strings.ToLower(sess.Title), strings.ToLower(f.Search)) {
			continue
		}
		if f.DateFrom != nil && sess.CreatedAt.Before(*f.DateFrom) {
			continue
		}
		if f.DateTo != nil && sess.CreatedAt.After(*f.DateTo) {
			continue
		}
		matched = append(matched, sess)
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		var c int
		switch f.SortBy {
		case "created_at":
			c = a.CreatedAt.Compare(b.CreatedAt)
		case "title":
			c = strings.Compare(a.Title, b.Title)
		default:
			c = a.UpdatedAt.Compare(b.UpdatedAt)
		}
		if f.Order == "desc" {
			return c > 0
		}
		return c < 0
	})

	total := len(matched)
	if f.Offset >= total {
		return []*Session{}, total, nil
	}
	end := f.Offset + f.Limit
	if end > total {
		end = total
	}

	out := make([]*Session, 0, end-f.Offset)
	for _, sess := range matched[f.Offset:end] {
		cp := *sess
		out = append(out, &cp)
	}
	return out, total, nil
}

func (s *MemStore) SessionStats(ctx context.Context) (*SessionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &SessionStats{ByType: make(map[string]int)}
	for _, sess := range s.sessions {
		stats.Total++
		if sess.Status == SessionActive {
			stats.Active++
		} else {
			stats.Ended++
		}
		stats.TotalMessages += int64(sess.MessageCount)
		stats.TotalTokens += sess.TotalTokens
		stats.TotalCost += sess.TotalCost
		stats.ByType[string(sess.Type)]++
	}
	return stats, nil
}

func (s *MemStore) PruneOldSessions(ctx context.Context, olderThan time.Duration, dryRun bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().UTC().Add(-olderThan)
	count := 0
	for _, sess := range s.sessions {
		if sess.Status != SessionActive || !sess.UpdatedAt.Before(cutoff) {
			continue
		}
		count++
		if dryRun {
			continue
		}
		now := s.now().UTC()
		sess.Status = SessionEnded
		sess.EndedAt = &now
	}
	return count, nil
}

// --- messages ---

func (s *MemStore) AppendMessage(ctx context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[m.SessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.Status == SessionEnded {
		return ErrSessionEnded
	}

	s.nextID++
	m.ID = s.nextID
	m.Content = ClampContent(m.Content)
	now := s.now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	} else {
		m.CreatedAt = m.CreatedAt.UTC()
	}

	cp := *m
	s.messages[m.SessionID] = append(s.messages[m.SessionID], &cp)

	sess.MessageCount++
	sess.TotalTokens += int64(m.PromptTokens + m.CompletionTokens)
	sess.TotalCost += m.Cost
	sess.UpdatedAt = now
	return nil
}

func (s *MemStore) ListMessages(ctx context.Context, sessionID string, since *time.Time, limit int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}

	msgs := s.messages[sessionID]
	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		if since != nil && !m.CreatedAt.After(*since) {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// --- agents ---

func (s *MemStore) UpsertAgent(ctx context.Context, a *AgentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.agents[a.AgentID]; ok {
		a.CreatedAt = cur.CreatedAt
		a.MessagesProcessed = cur.MessagesProcessed
		a.TotalTokens = cur.TotalTokens
		a.TotalLatencyMs = cur.TotalLatencyMs
		a.Errors = cur.Errors
	} else {
		a.CreatedAt = s.now().UTC()
		if a.Pheromone == 0 {
			a.Pheromone = 0.5
		}
		if a.Status == "" {
			a.Status = AgentIdle
		}
	}
	cp := *a
	s.agents[a.AgentID] = &cp
	return nil
}

func (s *MemStore) GetAgent(ctx context.Context, id string) (*AgentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemStore) ListAgents(ctx context.Context) ([]*AgentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*AgentState, 0, len(s.agents))
	for _, a := range s.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (s *MemStore) SetAgentStatus(ctx context.Context, id string, status AgentStatus, consecutiveFailures int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	a.Status = status
	a.ConsecutiveFailures = consecutiveFailures
	a.LastActive = s.now().UTC()
	return nil
}

func (s *MemStore) SetPheromone(ctx context.Context, id string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	a.Pheromone = score
	return nil
}

func (s *MemStore) RecordAgentResult(ctx context.Context, id string, tokens, latencyMs int64, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	a.MessagesProcessed++
	a.TotalTokens += tokens
	a.TotalLatencyMs += latencyMs
	if !success {
		a.Errors++
	}
	a.LastActive = s.now().UTC()
	return nil
}

// --- cron ---

func (s *MemStore) CreateJob(ctx context.Context, j *CronJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.ID == "" {
		j.ID = uuid.Must(uuid.NewV7()).String()
	}
	now := s.now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now

	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

func (s *MemStore) GetJob(ctx context.Context, id string) (*CronJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *MemStore) UpdateJob(ctx context.Context, j *CronJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.jobs[j.ID]
	if !ok {
		return ErrJobNotFound
	}
	j.CreatedAt = cur.CreatedAt
	j.UpdatedAt = s.now().UTC()

	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

func (s *MemStore) DeleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(s.jobs, id)
	delete(s.history, id)
	return nil
}

func (s *MemStore) ListJobs(ctx context.Context, enabledOnly bool) ([]*CronJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*CronJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		if enabledOnly && !j.Enabled {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) RecordRun(ctx context.Context, jobID, status string, durationMs int64, errText string, nextRun *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	now := s.now().UTC()

	s.nextID++
	s.history[jobID] = append(s.history[jobID], &HistoryEntry{
		ID:         s.nextID,
		JobID:      jobID,
		Status:     status,
		DurationMs: durationMs,
		Error:      errText,
		CreatedAt:  now,
	})

	j.Runs++
	if status == "success" {
		j.Successes++
	} else {
		j.Failures++
	}
	j.LastStatus = status
	j.LastDurationMs = durationMs
	j.LastError = errText
	j.LastRunAt = &now
	j.NextRunAt = nextRun
	j.UpdatedAt = now
	return nil
}

func (s *MemStore) ListHistory(ctx context.Context, jobID string, limit int) ([]*HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.jobs[jobID]; !ok {
		return nil, ErrJobNotFound
	}
	if limit < 1 || limit > 500 {
		limit = 500
	}

	entries := s.history[jobID]
	out := make([]*HistoryEntry, 0, limit)
	// Newest first.
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *entries[i]
		out = append(out, &cp)
	}
	return out, nil
}
