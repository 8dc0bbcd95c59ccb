package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/hive/internal/engine"
	"github.com/nextlevelbuilder/hive/internal/store"
	"github.com/nextlevelbuilder/hive/internal/tools"
)

func TestParseScheduleRoundTrip(t *testing.T) {
	// The normalized printed form must parse back to itself.
	tests := []struct {
		in   string
		want string
	}{
		{"* * * * *", "0 * * * * *"},
		{"0 9 * * 1-5", "0 0 9 * * 1-5"},
		{"*/5 * * * *", "0 */5 * * * *"},
		{"30 0 0 1 1 *", "30 0 0 1 1 *"},
		{"15,45 */2 * * * *", "15,45 */2 * * * *"},
		{"30s", "30s"},
		{"5m", "5m"},
		{"2h", "2h"},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			s, err := ParseSchedule(tc.in)
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tc.in, err)
			}
			if s.String() != tc.want {
				t.Fatalf("normalized = %q, want %q", s.String(), tc.want)
			}
			again, err := ParseSchedule(s.String())
			if err != nil {
				t.Fatalf("reparse: %v", err)
			}
			if again.String() != s.String() {
				t.Errorf("round trip: %q -> %q", s.String(), again.String())
			}
		})
	}
}

func TestParseScheduleRejects(t *testing.T) {
	bad := []string{
		"", "yearly", "* * *", "* * * * * * *",
		"60 * * * *", "* 24 * * *", "* * 32 * *", "* * * 13 *", "* * * * 8",
		"0s", "0m", "-5m", "m", "5d",
	}
	for _, expr := range bad {
		if _, err := ParseSchedule(expr); !errors.Is(err, ErrInvalidSchedule) {
			t.Errorf("ParseSchedule(%q) = %v, want ErrInvalidSchedule", expr, err)
		}
	}
}

func TestScheduleNextInterval(t *testing.T) {
	s, _ := ParseSchedule("30s")
	from := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	next, err := s.Next(from)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if want := from.Add(30 * time.Second); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestScheduleNextCron(t *testing.T) {
	s, _ := ParseSchedule("0 9 * * *")
	from := time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC)
	next, err := s.Next(from)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if next.Hour() != 9 || next.Minute() != 0 || !next.After(from) {
		t.Errorf("next = %v, want 09:00 after %v", next, from)
	}
}

// fakeRunner records prompt sends; behavior is scripted per test.
type fakeRunner struct {
	mu       sync.Mutex
	sessions int
	sends    []string
	ended    []string
	sendFn   func(ctx context.Context) error
	live     map[string]bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{live: map[string]bool{}}
}

func (f *fakeRunner) CreateSession(ctx context.Context, opts engine.CreateOptions) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions++
	id := fmt.Sprintf("sess-%d", f.sessions)
	f.live[id] = true
	return &store.Session{ID: id, AgentID: opts.AgentID, Type: opts.Type}, nil
}

func (f *fakeRunner) ResumeSession(ctx context.Context, id string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live[id] {
		return nil, store.ErrSessionNotFound
	}
	return &store.Session{ID: id}, nil
}

func (f *fakeRunner) SendMessage(ctx context.Context, sessionID, content string, opts engine.SendOptions) (*engine.Reply, error) {
	f.mu.Lock()
	f.sends = append(f.sends, content)
	fn := f.sendFn
	f.mu.Unlock()
	if fn != nil {
		if err := fn(ctx); err != nil {
			return nil, err
		}
	}
	return &engine.Reply{Content: "done", FinishReason: "stop"}, nil
}

func (f *fakeRunner) EndSession(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, id)
	delete(f.live, id)
	return nil
}

func (f *fakeRunner) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func newTestScheduler(runner *fakeRunner) (*Scheduler, *store.MemStore) {
	mem := store.NewMemStore()
	return New(mem, runner, tools.NewRegistry()), mem
}

func TestAddJobValidatesSchedule(t *testing.T) {
	s, _ := newTestScheduler(newFakeRunner())
	ctx := context.Background()

	err := s.AddJob(ctx, &store.CronJob{Name: "bad", Schedule: "not a cron"})
	if !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("err = %v, want ErrInvalidSchedule", err)
	}

	j := &store.CronJob{Name: "ok", Schedule: "*/5 * * * *", PayloadKind: "prompt", Payload: "hi", Enabled: true}
	if err := s.AddJob(ctx, j); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if j.Schedule != "0 */5 * * * *" {
		t.Errorf("schedule normalized to %q", j.Schedule)
	}
	if j.NextRunAt == nil || !j.NextRunAt.After(time.Now().Add(-time.Second)) {
		t.Errorf("next_run_at = %v", j.NextRunAt)
	}
}

func TestTriggerJobRecordsRun(t *testing.T) {
	runner := newFakeRunner()
	s, mem := newTestScheduler(runner)
	ctx := context.Background()

	j := &store.CronJob{Name: "digest", Schedule: "1h", PayloadKind: "prompt",
		Payload: "summarize", SessionMode: "isolated", AgentID: "main", Enabled: true}
	if err := s.AddJob(ctx, j); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	if err := s.TriggerJob(ctx, j.ID); err != nil {
		t.Fatalf("TriggerJob: %v", err)
	}

	if runner.sendCount() != 1 {
		t.Errorf("sends = %d, want 1", runner.sendCount())
	}
	if len(runner.ended) != 1 {
		t.Errorf("isolated session must be ended after the run")
	}

	got, _ := mem.GetJob(ctx, j.ID)
	if got.Runs != 1 || got.Successes != 1 || got.LastStatus != "success" {
		t.Errorf("job after run = %+v", got)
	}
	hist, _ := mem.ListHistory(ctx, j.ID, 10)
	if len(hist) != 1 || hist[0].Status != "success" {
		t.Errorf("history = %+v", hist)
	}
}

func TestTriggerUnknownJob(t *testing.T) {
	s, _ := newTestScheduler(newFakeRunner())
	err := s.TriggerJob(context.Background(), "nope")
	if !errors.Is(err, ErrUnknownJob) {
		t.Errorf("err = %v, want ErrUnknownJob", err)
	}
}

func TestJobTimeout(t *testing.T) {
	runner := newFakeRunner()
	runner.sendFn = func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	}
	s, mem := newTestScheduler(runner)
	ctx := context.Background()

	j := &store.CronJob{Name: "slow", Schedule: "1h", PayloadKind: "prompt",
		Payload: "sleep", SessionMode: "isolated", MaxDurationS: 1, RetryCount: 3, Enabled: true}
	if err := s.AddJob(ctx, j); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	start := time.Now()
	if err := s.TriggerJob(ctx, j.ID); err != nil {
		t.Fatalf("TriggerJob: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timeout must not be retried, took %s", elapsed)
	}

	hist, _ := mem.ListHistory(ctx, j.ID, 10)
	if len(hist) != 1 {
		t.Fatalf("history entries = %d, want exactly 1", len(hist))
	}
	if hist[0].Status != "timeout" {
		t.Errorf("status = %q, want timeout", hist[0].Status)
	}

	got, _ := mem.GetJob(ctx, j.ID)
	if got.NextRunAt == nil || !got.NextRunAt.After(time.Now()) {
		t.Errorf("next run must still come from the schedule: %v", got.NextRunAt)
	}
}

func TestJobRetriesThenSucceeds(t *testing.T) {
	runner := newFakeRunner()
	var mu sync.Mutex
	failures := 1
	runner.sendFn = func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return errors.New("transient")
		}
		return nil
	}
	s, mem := newTestScheduler(runner)
	ctx := context.Background()

	j := &store.CronJob{Name: "flaky", Schedule: "1h", PayloadKind: "prompt",
		Payload: "go", SessionMode: "isolated", RetryCount: 2, Enabled: true}
	s.AddJob(ctx, j)

	if err := s.TriggerJob(ctx, j.ID); err != nil {
		t.Fatalf("TriggerJob: %v", err)
	}

	if runner.sendCount() != 2 {
		t.Errorf("attempts = %d, want 2 (one failure, one success)", runner.sendCount())
	}
	got, _ := mem.GetJob(ctx, j.ID)
	if got.LastStatus != "success" {
		t.Errorf("last_status = %q, want success", got.LastStatus)
	}
}

func TestSkillPayload(t *testing.T) {
	reg := tools.NewRegistry()
	ran := false
	reg.Register(tools.Tool{
		Name: "cleanup",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			ran = true
			return "cleaned", nil
		},
	})
	mem := store.NewMemStore()
	s := New(mem, newFakeRunner(), reg)
	ctx := context.Background()

	j := &store.CronJob{Name: "cleanup", Schedule: "1h", PayloadKind: "skill", Payload: "cleanup", Enabled: true}
	s.AddJob(ctx, j)
	if err := s.TriggerJob(ctx, j.ID); err != nil {
		t.Fatalf("TriggerJob: %v", err)
	}
	if !ran {
		t.Error("skill payload must invoke the registered tool")
	}
	got, _ := mem.GetJob(ctx, j.ID)
	if got.LastStatus != "success" {
		t.Errorf("last_status = %q", got.LastStatus)
	}
}

func TestPipelinePayload(t *testing.T) {
	mem := store.NewMemStore()
	s := New(mem, newFakeRunner(), tools.NewRegistry())
	ctx := context.Background()

	called := false
	s.RegisterPipeline("reindex", func(ctx context.Context, job *store.CronJob) error {
		called = true
		return nil
	})

	j := &store.CronJob{Name: "reindex", Schedule: "1h", PayloadKind: "pipeline", Payload: "reindex", Enabled: true}
	s.AddJob(ctx, j)
	if err := s.TriggerJob(ctx, j.ID); err != nil {
		t.Fatalf("TriggerJob: %v", err)
	}
	if !called {
		t.Error("pipeline payload must invoke the registered handler")
	}

	// Unregistered pipelines record an error, not a crash.
	j2 := &store.CronJob{Name: "ghost", Schedule: "1h", PayloadKind: "pipeline", Payload: "ghost", Enabled: true}
	s.AddJob(ctx, j2)
	s.TriggerJob(ctx, j2.ID)
	got, _ := mem.GetJob(ctx, j2.ID)
	if got.LastStatus != "error" {
		t.Errorf("last_status = %q, want error", got.LastStatus)
	}
}

func TestSharedSessionReuse(t *testing.T) {
	runner := newFakeRunner()
	s, mem := newTestScheduler(runner)
	ctx := context.Background()

	j := &store.CronJob{Name: "journal", Schedule: "1h", PayloadKind: "prompt",
		Payload: "note the time", SessionMode: "shared", Enabled: true}
	s.AddJob(ctx, j)

	s.TriggerJob(ctx, j.ID)
	s.TriggerJob(ctx, j.ID)

	if runner.sessions != 1 {
		t.Errorf("sessions created = %d, want 1 (shared mode reuses)", runner.sessions)
	}
	if len(runner.ended) != 0 {
		t.Error("shared session must not be ended")
	}
	got, _ := mem.GetJob(ctx, j.ID)
	if got.SessionID == "" {
		t.Error("shared session id must be persisted on the job")
	}
}

func TestStartIdempotentAndStop(t *testing.T) {
	s, _ := newTestScheduler(newFakeRunner())
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	s.Stop()
	s.Stop()
}

func TestStopReturnsWithoutGraceWait(t *testing.T) {
	s, _ := newTestScheduler(newFakeRunner())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Default grace is 10s; with nothing in flight Stop must not sit it
	// out.
	start := time.Now()
	s.Stop()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Stop took %s with no jobs in flight", elapsed)
	}
}

func TestStopDrainsInflightJob(t *testing.T) {
	runner := newFakeRunner()
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	runner.sendFn = func(ctx context.Context) error {
		once.Do(func() { close(started) })
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s, mem := newTestScheduler(runner)
	ctx := context.Background()

	j := &store.CronJob{Name: "slow", Schedule: "1s", PayloadKind: "prompt",
		Payload: "work", SessionMode: "isolated", Enabled: true}
	if err := s.AddJob(ctx, j); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never fired")
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was still running")
	case <-time.After(200 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the job drained")
	}

	got, _ := mem.GetJob(ctx, j.ID)
	if got.LastStatus != "success" {
		t.Errorf("last_status = %q, want success (draining jobs must not be cancelled)", got.LastStatus)
	}
}

func TestRemoveAndToggle(t *testing.T) {
	s, mem := newTestScheduler(newFakeRunner())
	ctx := context.Background()

	j := &store.CronJob{Name: "x", Schedule: "1h", PayloadKind: "prompt", Payload: "p", Enabled: true}
	s.AddJob(ctx, j)

	if err := s.ToggleJob(ctx, j.ID, false); err != nil {
		t.Fatalf("ToggleJob: %v", err)
	}
	got, _ := mem.GetJob(ctx, j.ID)
	if got.Enabled {
		t.Error("job must be disabled")
	}

	if err := s.RemoveJob(ctx, j.ID); err != nil {
		t.Fatalf("RemoveJob: %v", err)
	}
	if err := s.RemoveJob(ctx, j.ID); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("second remove = %v, want ErrUnknownJob", err)
	}
}
