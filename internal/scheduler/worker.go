// Package scheduler runs the poll-lease-dispatch-advance loop. Each worker
// instance polls the store for due tasks, takes an atomic lease on each
// candidate, dispatches the winning ones through a semaphore-bounded
// goroutine set, and advances or fails the task. A separate reaper pass
// frees leases whose holders appear to have died.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/temporal-agent/scheduler/internal/dispatch"
	"github.com/temporal-agent/scheduler/internal/domain"
	"github.com/temporal-agent/scheduler/internal/store"
	"github.com/temporal-agent/scheduler/internal/timeutil"
)

// Config parameterizes one Worker instance. All defaults are compiled in.
type Config struct {
	PollInterval time.Duration // default 10s
	BatchSize    int           // default 50
	LockTimeout  time.Duration // default 60s
	ReapInterval time.Duration // default 5m
	Concurrency  int           // max in-flight dispatches per poll batch
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 60 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 5 * time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	return c
}

// Worker is the poll-lease-dispatch-advance state machine. Each instance
// holds an opaque worker_id used as the lease holder identity.
type Worker struct {
	id       string
	repo     store.Repository
	registry dispatch.Registry
	cfg      Config

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Worker with a random id used as its lease-holder identity.
func New(repo store.Repository, registry dispatch.Registry, cfg Config) *Worker {
	return &Worker{
		id:       uuid.NewString(),
		repo:     repo,
		registry: registry,
		cfg:      cfg.withDefaults(),
	}
}

// ID returns this worker's lease-holder identity.
func (w *Worker) ID() string { return w.id }

// Start transitions the worker to running and launches the poll and reaper
// timers. Repeated calls while already running are a no-op (idempotent).
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true

	w.wg.Add(2)
	go w.pollLoop(runCtx)
	go w.reapLoop(runCtx)

	log.Info().Str("worker_id", w.id).Dur("poll_interval", w.cfg.PollInterval).Msg("scheduler worker started")
}

// Stop transitions the worker to stopped, cancels timers, and waits for the
// in-flight poll batch to finish before returning. Repeated calls are a
// no-op (idempotent).
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
	log.Info().Str("worker_id", w.id).Msg("scheduler worker stopped")
}

func (w *Worker) pollLoop(ctx context.Context) {
	defer w.wg.Done()
	t := time.NewTicker(w.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			w.pollOnce(ctx, now.UTC())
		}
	}
}

func (w *Worker) reapLoop(ctx context.Context) {
	defer w.wg.Done()
	t := time.NewTicker(w.cfg.ReapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := w.repo.ReapStaleLeases(ctx, now.UTC(), w.cfg.LockTimeout)
			if err != nil {
				log.Error().Err(err).Msg("reaper pass failed")
				continue
			}
			if n > 0 {
				log.Info().Int("reaped", n).Msg("reaper freed stale leases")
			}
		}
	}
}

// pollOnce fetches up to BatchSize due tasks ordered by due time, attempts
// a lease on each, and dispatches the ones this worker wins. The poll step
// is serialized per worker: the next tick does not begin until this batch
// completes. All timestamps are normalized to UTC before they touch the
// store; scheduling columns are written in UTC everywhere.
func (w *Worker) pollOnce(ctx context.Context, now time.Time) {
	now = now.UTC()
	tasks, err := w.repo.DueTasks(ctx, now, w.cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch due tasks")
		return
	}
	if len(tasks) == 0 {
		return
	}

	sem := make(chan struct{}, w.cfg.Concurrency)
	var batch sync.WaitGroup
	for _, t := range tasks {
		won, err := w.repo.AcquireLease(ctx, t.ID, w.id, now)
		if err != nil {
			log.Error().Err(err).Str("task_id", t.ID).Msg("lease acquisition failed")
			continue
		}
		if !won {
			continue // another worker won the race
		}

		sem <- struct{}{}
		batch.Add(1)
		go func(task domain.Task) {
			defer batch.Done()
			defer func() { <-sem }()
			w.processTask(ctx, task, now)
		}(t)
	}
	batch.Wait()
}

// processTask runs one leased task end to end: open an Execution, dispatch,
// finalize the Execution, then advance or fail the Task.
func (w *Worker) processTask(ctx context.Context, t domain.Task, now time.Time) {
	payloadJSON, _ := json.Marshal(t.Payload)
	exec, err := w.repo.CreateExecution(ctx, domain.Execution{
		TaskID:         t.ID,
		Status:         domain.ExecRunning,
		RetryNumber:    t.CurrentRetryCount,
		RequestURL:     t.CallbackConfig["url"],
		RequestPayload: string(payloadJSON),
	})
	if err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Msg("failed to open execution record")
		_ = w.repo.ReleaseLease(ctx, t.ID)
		return
	}

	d, ok := w.registry.Select(t.CallbackKind)
	start := time.Now()
	var result dispatch.Result
	if !ok {
		result = dispatch.Result{Success: false, Error: "unknown callback kind"}
	} else {
		result = safeDispatch(ctx, d, t, now, t.FireCount+1)
	}
	duration := time.Since(start)

	execStatus := domain.ExecSuccess
	if !result.Success {
		execStatus = domain.ExecFailed
		if result.Error == "Timeout" {
			execStatus = domain.ExecTimeout
		}
	}
	exec.Status = execStatus
	exec.ResponseCode = result.StatusCode
	exec.ResponseBody = result.Body
	exec.ErrorMessage = result.Error
	exec.DurationMS = duration.Milliseconds()
	if result.RequestURL != "" {
		exec.RequestURL = result.RequestURL
	}
	if err := w.repo.FinishExecution(ctx, exec); err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Msg("failed to finalize execution")
	}

	if result.Success {
		w.advanceOnSuccess(ctx, t, now)
		return
	}
	w.advanceOnFailure(ctx, t)
}

// safeDispatch converts a dispatcher panic into a failed Result so one bad
// callback cannot take the whole poll batch down.
func safeDispatch(ctx context.Context, d dispatch.Dispatcher, t domain.Task, now time.Time, fireIndex int) (result dispatch.Result) {
	defer func() {
		if r := recover(); r != nil {
			result = dispatch.Result{Success: false, Error: "dispatcher panicked"}
		}
	}()
	return d.Dispatch(ctx, t, now, fireIndex)
}

func (w *Worker) advanceOnSuccess(ctx context.Context, t domain.Task, firedAt time.Time) {
	if t.Kind == domain.KindOneShot {
		if err := w.repo.AdvanceOneShot(ctx, t.ID, firedAt); err != nil {
			log.Error().Err(err).Str("task_id", t.ID).Msg("failed to advance one-shot task")
		}
		return
	}

	next, err := timeutil.NextAfter(t.Cron, t.Timezone, firedAt)
	if err != nil {
		// An unschedulable cron after a successful fire is terminal: mark the
		// task failed, record the reason on the most recent Execution, and
		// always clear the lease.
		log.Error().Err(err).Str("task_id", t.ID).Msg("cron evaluation failed after successful dispatch; marking task failed")
		if setErr := w.repo.SetLastExecutionError(ctx, t.ID, "next_after failed: "+err.Error()); setErr != nil {
			log.Error().Err(setErr).Str("task_id", t.ID).Msg("failed to annotate execution with cron failure")
		}
		if stErr := w.repo.UpdateTaskStatus(ctx, t.ID, domain.StatusFailed); stErr != nil {
			log.Error().Err(stErr).Str("task_id", t.ID).Msg("failed to mark task failed")
		}
		if relErr := w.repo.ReleaseLease(ctx, t.ID); relErr != nil {
			log.Error().Err(relErr).Str("task_id", t.ID).Msg("failed to release lease after cron failure")
		}
		return
	}

	if err := w.repo.AdvanceRecurring(ctx, t.ID, firedAt, next); err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Msg("failed to advance recurring task")
	}
}

func (w *Worker) advanceOnFailure(ctx context.Context, t domain.Task) {
	nextRetry := t.CurrentRetryCount + 1
	failed := nextRetry > t.MaxRetries
	delay := time.Duration(t.RetryDelaySeconds) * time.Second
	if delay <= 0 {
		delay = time.Second
	}
	retryAt := time.Now().UTC().Add(delay)
	if err := w.repo.RecordRetry(ctx, t.ID, t.Kind, nextRetry, failed, retryAt); err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Msg("failed to record retry")
	}
	if failed {
		log.Warn().Str("task_id", t.ID).Int("retries", nextRetry).Msg("task exceeded max retries; marked failed")
	}
}
