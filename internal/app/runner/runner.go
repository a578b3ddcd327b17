// Package runner executes calculation tasks off the request path.
//
// Submit validates a request, records a PENDING task and returns at once.
// Each task then runs in its own goroutine:
//
//	PENDING → PROCESSING → (5–10 s simulated latency) → estimate → COMPLETED | FAILED
//
// followed by delivery of a completed result to the main service. The task
// record always reaches a terminal state before the goroutine exits.
package runner

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/surgilog/bloodloss/internal/domain"
	"github.com/surgilog/bloodloss/internal/infra/metrics"
	"github.com/surgilog/bloodloss/internal/logger"
)

// failWriteTimeout bounds the best-effort FAILED write after a cancellation.
const failWriteTimeout = 5 * time.Second

// Config controls task execution.
type Config struct {
	MinDelay      time.Duration // lower bound of the simulated latency
	MaxDelay      time.Duration // upper bound of the simulated latency
	MaxConcurrent int           // tasks in PROCESSING at once; 0 = unbounded
}

// DefaultConfig returns the production latency window with no concurrency cap.
func DefaultConfig() Config {
	return Config{
		MinDelay: 5 * time.Second,
		MaxDelay: 10 * time.Second,
	}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Runner schedules and executes calculation tasks.
type Runner struct {
	store     domain.TaskStore
	estimator domain.Estimator
	notifier  domain.ResultNotifier
	cfg       Config

	rnd   func() float64
	sleep SleepFunc
	sem   *semaphore.Weighted // nil when unbounded

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool

	log zerolog.Logger
}

// Option customizes a Runner.
type Option func(*Runner)

// WithRand replaces the source of the latency draw. fn returns values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(r *Runner) { r.rnd = fn }
}

// WithSleep replaces the latency wait.
func WithSleep(fn SleepFunc) Option {
	return func(r *Runner) { r.sleep = fn }
}

// New creates a Runner. Tasks run until Shutdown.
func New(store domain.TaskStore, est domain.Estimator, n domain.ResultNotifier, cfg Config, opts ...Option) *Runner {
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		store:     store,
		estimator: est,
		notifier:  n,
		cfg:       cfg,
		rnd:       rand.Float64,
		sleep:     sleepCtx,
		ctx:       ctx,
		cancel:    cancel,
		log:       logger.Component("runner"),
	}
	if cfg.MaxConcurrent > 0 {
		r.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit validates req, creates a PENDING task and schedules it. It returns
// before execution begins. A *domain.ValidationError means no task was created.
func (r *Runner) Submit(ctx context.Context, req domain.SubmitRequest) (*domain.CalculationTask, error) {
	sub, err := req.Validate()
	if err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			metrics.TasksRejected.WithLabelValues(ve.Field).Inc()
		}
		r.log.Warn().Err(err).Msg("submission rejected")
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, domain.ErrRunnerClosed
	}
	r.wg.Add(1)
	r.mu.Unlock()

	task, err := r.store.CreateTask(ctx, sub)
	if err != nil {
		r.wg.Done()
		return nil, fmt.Errorf("create task: %w", err)
	}
	metrics.TasksSubmitted.Inc()
	metrics.TasksActive.Inc()
	r.log.Info().
		Str("task_id", task.ID).
		Int64("bloodlosscalc_id", task.BloodLossCalcID).
		Int64("operation_id", task.OperationID).
		Msg("task created")

	go r.execute(*task)
	return task, nil
}

// Shutdown stops accepting tasks and waits for in-flight ones. If ctx ends
// first, running tasks are interrupted, recorded as FAILED, and ctx.Err()
// is returned once they have exited.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.log.Warn().Msg("shutdown deadline reached, interrupting running tasks")
		r.cancel()
		<-done
		return ctx.Err()
	}
}

func (r *Runner) execute(task domain.CalculationTask) {
	defer r.wg.Done()
	defer metrics.TasksActive.Dec()

	log := r.log.With().Str("task_id", task.ID).Logger()
	release := func() {}
	completed := false
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("stack", string(debug.Stack())).Msg("task panicked")
			if !completed {
				r.fail(task.ID, "panic", fmt.Sprintf("internal error: %v", rec))
			}
		}
		release()
	}()

	if r.sem != nil {
		if err := r.sem.Acquire(r.ctx, 1); err != nil {
			log.Warn().Err(err).Msg("task not started before shutdown")
			r.interrupt(task.ID)
			return
		}
		var once sync.Once
		release = func() { once.Do(func() { r.sem.Release(1) }) }
	}

	// Written even if shutdown has begun; the delay below observes the cancel.
	if err := r.store.UpdateStatus(context.WithoutCancel(r.ctx), task.ID, domain.StatusUpdate{Status: domain.TaskProcessing}); err != nil {
		log.Error().Err(err).Msg("failed to mark task processing")
		r.fail(task.ID, "persist", err.Error())
		return
	}
	started := time.Now()
	log.Info().Msg("processing task")

	delay := r.cfg.MinDelay + time.Duration(r.rnd()*float64(r.cfg.MaxDelay-r.cfg.MinDelay))
	if err := r.sleep(r.ctx, delay); err != nil {
		r.fail(task.ID, "interrupted", "interrupted by shutdown")
		return
	}

	total, err := r.estimator.Estimate(task.Inputs)
	if err != nil {
		log.Error().Err(err).Msg("calculation failed")
		r.fail(task.ID, "estimate", err.Error())
		return
	}

	err = r.store.UpdateStatus(r.ctx, task.ID, domain.StatusUpdate{
		Status:         domain.TaskCompleted,
		TotalBloodLoss: total,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to record result")
		r.fail(task.ID, "persist", err.Error())
		return
	}
	completed = true
	metrics.TasksCompleted.Inc()
	metrics.TaskDuration.Observe(time.Since(started).Seconds())
	log.Info().Int("total_blood_loss", total).Dur("took", time.Since(started)).Msg("task completed")

	release()
	r.notifier.Notify(r.ctx, domain.Result{
		TaskID:         task.ID,
		ExternalIDs:    task.ExternalIDs,
		TotalBloodLoss: total,
	})
}

// fail records FAILED. There is no caller left to report to, so a failure
// here is logged and swallowed.
func (r *Runner) fail(id, stage, msg string) {
	metrics.TasksFailed.WithLabelValues(stage).Inc()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), failWriteTimeout)
	defer cancel()
	err := r.store.UpdateStatus(ctx, id, domain.StatusUpdate{Status: domain.TaskFailed, ErrorMessage: msg})
	if err != nil {
		r.log.Error().Err(err).Str("task_id", id).Str("reason", msg).Msg("failed to record task failure")
		return
	}
	r.log.Warn().Str("task_id", id).Str("stage", stage).Str("reason", msg).Msg("task failed")
}

// interrupt fails a task that never left PENDING. FAILED is only reachable
// from PROCESSING, so the task is moved there first.
func (r *Runner) interrupt(id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), failWriteTimeout)
	defer cancel()
	if err := r.store.UpdateStatus(ctx, id, domain.StatusUpdate{Status: domain.TaskProcessing}); err != nil {
		r.log.Error().Err(err).Str("task_id", id).Msg("failed to mark interrupted task processing")
		return
	}
	r.fail(id, "interrupted", "interrupted by shutdown")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
