package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/hive/internal/engine"
	"github.com/nextlevelbuilder/hive/internal/store"
)

// runJob executes one job with timeout, retries, and history recording.
// Every failure is caught and recorded; nothing propagates to the loop.
func (s *Scheduler) runJob(ctx context.Context, job *store.CronJob, sched *Schedule) {
	maxDuration := s.defaultMaxDuration
	if job.MaxDurationS > 0 {
		maxDuration = time.Duration(job.MaxDurationS) * time.Second
	}
	retries := job.RetryCount
	if retries < 0 {
		retries = s.defaultRetries
	}

	start := s.now()
	var err error
	for attempt := 0; ; attempt++ {
		execCtx, cancel := context.WithTimeout(ctx, maxDuration)
		err = s.execute(execCtx, job)
		cancel()

		if err == nil {
			break
		}
		// A hard-wall timeout is terminal: retrying a job that cannot
		// finish in its budget just burns the budget again.
		if errors.Is(err, context.DeadlineExceeded) {
			break
		}
		if attempt >= retries {
			break
		}
		backoff := time.Duration(1<<attempt) * time.Second
		slog.Warn("cron job retry", "job", job.ID, "attempt", attempt+1, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(backoff):
			continue
		}
		break
	}
	durationMs := s.now().Sub(start).Milliseconds()

	status := "success"
	errText := ""
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		status = "timeout"
		errText = fmt.Sprintf("exceeded max duration %s", maxDuration)
	default:
		status = "error"
		errText = err.Error()
	}

	// The next instant comes from the schedule, not from the outcome.
	var nextRun *time.Time
	if next, nerr := sched.Next(s.now()); nerr == nil {
		nextRun = &next
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if rerr := s.st.RecordRun(recordCtx, job.ID, status, durationMs, errText, nextRun); rerr != nil {
		slog.Error("record cron run", "job", job.ID, "error", rerr)
	}

	slog.Info("cron job finished", "job", job.ID, "status", status, "duration_ms", durationMs)
}

// execute dispatches one attempt by payload kind.
func (s *Scheduler) execute(ctx context.Context, job *store.CronJob) error {
	switch job.PayloadKind {
	case "prompt":
		return s.executePrompt(ctx, job)
	case "skill":
		result := s.reg.Execute(ctx, uuid.NewString(), job.Payload, "{}")
		if !result.Success {
			return fmt.Errorf("skill %s: %s", job.Payload, result.Content)
		}
		return nil
	case "pipeline":
		s.mu.Lock()
		fn, ok := s.pipelines[job.Payload]
		s.mu.Unlock()
		if !ok {
			return fmt.Errorf("pipeline %q not registered", job.Payload)
		}
		return fn(ctx, job)
	default:
		return fmt.Errorf("unknown payload kind %q", job.PayloadKind)
	}
}

// executePrompt sends the payload as a user message through the engine,
// choosing the session per the job's session mode.
func (s *Scheduler) executePrompt(ctx context.Context, job *store.CronJob) error {
	sessionID, fresh, err := s.sessionFor(ctx, job)
	if err != nil {
		return err
	}

	_, err = s.runner.SendMessage(ctx, sessionID, job.Payload, engine.SendOptions{EnableTools: true})

	// Isolated sessions live exactly one run.
	if job.SessionMode == "isolated" || job.SessionMode == "" {
		if eerr := s.runner.EndSession(context.WithoutCancel(ctx), sessionID); eerr != nil {
			slog.Warn("end isolated cron session", "job", job.ID, "error", eerr)
		}
	} else if fresh {
		// Remember the shared/persistent session for the next run.
		job.SessionID = sessionID
		if uerr := s.st.UpdateJob(context.WithoutCancel(ctx), job); uerr != nil {
			slog.Warn("persist cron session id", "job", job.ID, "error", uerr)
		}
	}
	return err
}

// sessionFor resolves the session a prompt run writes into. The fresh
// flag reports that a new session was created.
func (s *Scheduler) sessionFor(ctx context.Context, job *store.CronJob) (string, bool, error) {
	mode := job.SessionMode
	if mode == "" {
		mode = "isolated"
	}

	if mode != "isolated" && job.SessionID != "" {
		// Reuse unless the session has ended or vanished.
		if _, err := s.runner.ResumeSession(ctx, job.SessionID); err == nil {
			return job.SessionID, false, nil
		}
		slog.Info("cron session gone, creating a new one", "job", job.ID, "session", job.SessionID)
	}

	sess, err := s.runner.CreateSession(ctx, engine.CreateOptions{
		AgentID: job.AgentID,
		Type:    store.SessionCron,
		Title:   fmt.Sprintf("cron: %s", job.Name),
		Metadata: map[string]any{
			"cron_job_id":  job.ID,
			"session_mode": mode,
		},
	})
	if err != nil {
		return "", false, fmt.Errorf("create cron session: %w", err)
	}
	return sess.ID, true, nil
}
