// Package scheduler owns the cron job set: registration, firing,
// retries, timeouts, and execution history.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/hive/internal/engine"
	"github.com/nextlevelbuilder/hive/internal/store"
	"github.com/nextlevelbuilder/hive/internal/tools"
)

// ErrUnknownJob means the job id is not registered.
var ErrUnknownJob = errors.New("unknown cron job")

// Runner is the slice of the chat engine prompt payloads need.
type Runner interface {
	CreateSession(ctx context.Context, opts engine.CreateOptions) (*store.Session, error)
	ResumeSession(ctx context.Context, id string) (*store.Session, error)
	SendMessage(ctx context.Context, sessionID, content string, opts engine.SendOptions) (*engine.Reply, error)
	EndSession(ctx context.Context, id string) error
}

// PipelineFunc is a named composite registered by the host.
type PipelineFunc func(ctx context.Context, job *store.CronJob) error

const tickInterval = time.Second

// Scheduler fires cron jobs against the engine and tool registry.
type Scheduler struct {
	st        store.CronStore
	runner    Runner
	reg       *tools.Registry
	pipelines map[string]PipelineFunc

	defaultMaxDuration time.Duration
	defaultRetries     int
	stopGrace          time.Duration

	mu        sync.Mutex
	entries   map[string]*entry
	executing map[string]bool
	started   bool

	// The tick loop and job executions stop independently: Stop halts
	// the loop first so nothing new fires, then drains jobs.
	cancelLoop context.CancelFunc
	cancelJobs context.CancelFunc
	jobCtx     context.Context
	loopDone   chan struct{}
	jobs       sync.WaitGroup

	now func() time.Time
}

type entry struct {
	job      *store.CronJob
	schedule *Schedule
	next     time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithDefaults sets fallbacks for jobs without explicit bounds.
func WithDefaults(maxDuration time.Duration, retries int, stopGrace time.Duration) Option {
	return func(s *Scheduler) {
		if maxDuration > 0 {
			s.defaultMaxDuration = maxDuration
		}
		if retries >= 0 {
			s.defaultRetries = retries
		}
		if stopGrace > 0 {
			s.stopGrace = stopGrace
		}
	}
}

// New creates a stopped scheduler.
func New(st store.CronStore, runner Runner, reg *tools.Registry, opts ...Option) *Scheduler {
	s := &Scheduler{
		st:                 st,
		runner:             runner,
		reg:                reg,
		pipelines:          make(map[string]PipelineFunc),
		defaultMaxDuration: 5 * time.Minute,
		defaultRetries:     2,
		stopGrace:          10 * time.Second,
		entries:            make(map[string]*entry),
		executing:          make(map[string]bool),
		now:                time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RegisterPipeline installs a named pipeline handler.
func (s *Scheduler) RegisterPipeline(name string, fn PipelineFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipelines[name] = fn
}

// Start loads enabled jobs and begins the tick loop. Idempotent.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	loopCtx, cancelLoop := context.WithCancel(context.WithoutCancel(ctx))
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelLoop = cancelLoop
	s.cancelJobs = cancelJobs
	s.jobCtx = jobCtx
	s.loopDone = make(chan struct{})
	s.mu.Unlock()

	jobs, err := s.st.ListJobs(ctx, true)
	if err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		cancelLoop()
		cancelJobs()
		return fmt.Errorf("load cron jobs: %w", err)
	}

	s.mu.Lock()
	for _, j := range jobs {
		sched, err := ParseSchedule(j.Schedule)
		if err != nil {
			slog.Warn("skip cron job with bad schedule", "job", j.ID, "schedule", j.Schedule, "error", err)
			continue
		}
		next, _ := sched.Next(s.now())
		s.entries[j.ID] = &entry{job: j, schedule: sched, next: next}
	}
	count := len(s.entries)
	s.mu.Unlock()

	slog.Info("scheduler started", "jobs", count)

	go s.loop(loopCtx)
	return nil
}

// Stop halts the tick loop, waits for in-flight jobs up to the grace
// window, then cancels whatever is still running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancelLoop := s.cancelLoop
	cancelJobs := s.cancelJobs
	loopDone := s.loopDone
	s.mu.Unlock()

	cancelLoop()
	<-loopDone

	done := make(chan struct{})
	go func() {
		s.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.stopGrace):
		slog.Warn("scheduler stop grace elapsed, cancelling jobs")
	}
	cancelJobs()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fireDue(s.jobCtx)
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	due := []*entry{}
	for id, e := range s.entries {
		if e.next.IsZero() || e.next.After(now) {
			continue
		}
		if s.executing[id] {
			continue
		}
		s.executing[id] = true
		due = append(due, e)
		if next, err := e.schedule.Next(now); err == nil {
			e.next = next
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		job := e.job
		s.jobs.Add(1)
		go func() {
			defer s.jobs.Done()
			defer func() {
				s.mu.Lock()
				delete(s.executing, job.ID)
				s.mu.Unlock()
			}()
			s.runJob(ctx, job, e.schedule)
		}()
	}
}

// AddJob validates, persists, and registers a job.
func (s *Scheduler) AddJob(ctx context.Context, j *store.CronJob) error {
	sched, err := ParseSchedule(j.Schedule)
	if err != nil {
		return err
	}
	j.Schedule = sched.String()
	if j.SessionMode == "" {
		j.SessionMode = "isolated"
	}
	if j.PayloadKind == "" {
		j.PayloadKind = "prompt"
	}
	if j.MaxDurationS <= 0 {
		j.MaxDurationS = int(s.defaultMaxDuration.Seconds())
	}
	if j.RetryCount < 0 {
		j.RetryCount = s.defaultRetries
	}
	next, _ := sched.Next(s.now())
	j.NextRunAt = &next

	if err := s.st.CreateJob(ctx, j); err != nil {
		return err
	}

	s.mu.Lock()
	if s.started && j.Enabled {
		s.entries[j.ID] = &entry{job: j, schedule: sched, next: next}
	}
	s.mu.Unlock()
	return nil
}

// UpdateJob revalidates and replaces a job in store and registry.
func (s *Scheduler) UpdateJob(ctx context.Context, j *store.CronJob) error {
	sched, err := ParseSchedule(j.Schedule)
	if err != nil {
		return err
	}
	j.Schedule = sched.String()
	next, _ := sched.Next(s.now())
	j.NextRunAt = &next

	if err := s.st.UpdateJob(ctx, j); err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownJob, j.ID)
		}
		return err
	}

	s.mu.Lock()
	delete(s.entries, j.ID)
	if s.started && j.Enabled {
		s.entries[j.ID] = &entry{job: j, schedule: sched, next: next}
	}
	s.mu.Unlock()
	return nil
}

// RemoveJob deletes a job and its history.
func (s *Scheduler) RemoveJob(ctx context.Context, id string) error {
	if err := s.st.DeleteJob(ctx, id); err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownJob, id)
		}
		return err
	}
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	return nil
}

// ToggleJob flips the enabled flag.
func (s *Scheduler) ToggleJob(ctx context.Context, id string, enabled bool) error {
	j, err := s.st.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownJob, id)
		}
		return err
	}
	j.Enabled = enabled
	return s.UpdateJob(ctx, j)
}

// TriggerJob runs a job immediately, ignoring its schedule. Counted in
// stats as a normal run.
func (s *Scheduler) TriggerJob(ctx context.Context, id string) error {
	j, err := s.st.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownJob, id)
		}
		return err
	}
	sched, err := ParseSchedule(j.Schedule)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.executing[id] {
		s.mu.Unlock()
		return fmt.Errorf("job %s already executing", id)
	}
	s.executing[id] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.executing, id)
		s.mu.Unlock()
	}()

	s.runJob(ctx, j, sched)
	return nil
}
