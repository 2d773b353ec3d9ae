// Package scheduler runs the background pollers: the task runner, the drip scheduler and the
// experiment evaluator
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/amirphl/Kusanagi/app/metrics"
	businessflow "github.com/amirphl/Kusanagi/business_flow"
	"github.com/amirphl/Kusanagi/config"
	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	"github.com/amirphl/Kusanagi/utils"
	"golang.org/x/sync/errgroup"
)

// Dispatcher executes a claimed task. *businessflow.HandlerRegistry implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *models.ScheduledTask) error
}

// DispatcherFunc adapts a plain function to Dispatcher
type DispatcherFunc func(ctx context.Context, task *models.ScheduledTask) error

func (f DispatcherFunc) Dispatch(ctx context.Context, task *models.ScheduledTask) error {
	return f(ctx, task)
}

// Backoff strategies
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// BackoffPolicy computes how long a failed task waits before its next attempt
type BackoffPolicy struct {
	Strategy string
	Base     time.Duration
	Max      time.Duration
}

// BackoffFromConfig defaults to a fixed one hour delay capped at one day
func BackoffFromConfig(cfg config.SchedulerConfig) BackoffPolicy {
	p := BackoffPolicy{Strategy: strings.ToLower(cfg.RetryStrategy), Base: cfg.RetryBackoff, Max: cfg.RetryBackoffMax}
	if p.Strategy == "" {
		p.Strategy = BackoffFixed
	}
	if p.Base <= 0 {
		p.Base = utils.DefaultRetryBackoff
	}
	if p.Max <= 0 {
		p.Max = utils.DefaultRetryBackoffMax
	}
	return p
}

// Delay returns the wait before retry number retry (1 for the first retry)
func (p BackoffPolicy) Delay(retry int) time.Duration {
	d := p.Base
	if p.Strategy == BackoffExponential {
		for i := 1; i < retry && d < p.Max; i++ {
			d *= 2
		}
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

// RunSummary counts the outcomes of one runner cycle
type RunSummary struct {
	Claimed   int
	Completed int
	Retried   int
	Failed    int
	Reaped    int64
}

// TaskRunner claims due tasks and executes them. Several runners may poll the same store;
// the atomic claim guarantees each task attempt runs on exactly one of them.
type TaskRunner struct {
	taskRepo    repository.ScheduledTaskRepository
	dispatcher  Dispatcher
	backoff     BackoffPolicy
	interval    time.Duration
	batchSize   int
	workers     int
	taskTimeout time.Duration
	staleAfter  time.Duration
	clock       utils.Clock
	logger      *slog.Logger
}

func NewTaskRunner(
	taskRepo repository.ScheduledTaskRepository,
	dispatcher Dispatcher,
	cfg config.SchedulerConfig,
	clock utils.Clock,
	logger *slog.Logger,
) *TaskRunner {
	r := &TaskRunner{
		taskRepo:    taskRepo,
		dispatcher:  dispatcher,
		backoff:     BackoffFromConfig(cfg),
		interval:    cfg.TaskPollInterval,
		batchSize:   cfg.ClaimBatchSize,
		workers:     cfg.Workers,
		taskTimeout: cfg.TaskTimeout,
		staleAfter:  cfg.StaleTaskAfter,
		clock:       clock,
		logger:      logger.With("component", "task_runner"),
	}
	if r.interval <= 0 {
		r.interval = utils.DefaultTaskPollInterval
	}
	if r.batchSize <= 0 {
		r.batchSize = utils.DefaultClaimBatchSize
	}
	if r.workers <= 0 {
		r.workers = 1
	}
	return r
}

// Start runs a cycle immediately and then on every tick. The returned stop function cancels
// the loop and waits for in-flight tasks to be recorded.
func (r *TaskRunner) Start(parent context.Context) func() {
	return startLoop(parent, r.interval, r.logger, func(ctx context.Context) {
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Error("task runner cycle failed", "error", err)
		}
	})
}

// RunOnce reaps abandoned claims, claims one batch of due tasks and runs them to an outcome
func (r *TaskRunner) RunOnce(ctx context.Context) (*RunSummary, error) {
	summary := &RunSummary{}
	now := r.clock.Now()

	if r.staleAfter > 0 {
		reaped, err := r.taskRepo.FailStale(ctx, now.Add(-r.staleAfter), "task abandoned by its runner")
		if err != nil {
			return summary, fmt.Errorf("failed to reap stale tasks: %w", err)
		}
		if reaped > 0 {
			r.logger.Warn("failed stale processing tasks", "count", reaped)
			metrics.TasksFailed.WithLabelValues("unknown", "stale").Add(float64(reaped))
		}
		summary.Reaped = reaped
	}

	claimed, err := r.taskRepo.ClaimDue(ctx, now, r.batchSize)
	if err != nil {
		return summary, fmt.Errorf("failed to claim due tasks: %w", err)
	}
	summary.Claimed = len(claimed)
	if len(claimed) == 0 {
		return summary, nil
	}

	var completed, retried, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(r.workers)
	for _, task := range claimed {
		g.Go(func() error {
			switch r.execute(ctx, task) {
			case outcomeCompleted:
				completed.Add(1)
			case outcomeRetried:
				retried.Add(1)
			case outcomeFailed:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	summary.Completed = int(completed.Load())
	summary.Retried = int(retried.Load())
	summary.Failed = int(failed.Load())
	r.logger.Info("task cycle finished",
		"claimed", summary.Claimed, "completed", summary.Completed,
		"retried", summary.Retried, "failed", summary.Failed)
	return summary, nil
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeCompleted
	outcomeRetried
	outcomeFailed
)

func (r *TaskRunner) execute(ctx context.Context, task *models.ScheduledTask) outcome {
	taskType := task.Type.String()
	metrics.TasksClaimed.WithLabelValues(taskType).Inc()

	runCtx := ctx
	if r.taskTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.taskTimeout)
		defer cancel()
	}

	start := time.Now()
	err := r.dispatch(runCtx, task)
	metrics.TaskDuration.WithLabelValues(taskType).Observe(time.Since(start).Seconds())

	// The outcome is recorded even when the runner is shutting down
	recordCtx := context.WithoutCancel(ctx)
	now := r.clock.Now()

	if err == nil {
		ok, err := r.taskRepo.MarkCompleted(recordCtx, task.ID, now)
		if err != nil {
			r.logger.Error("failed to mark task completed", "task_id", task.ID, "error", err)
			return outcomeNone
		}
		if !ok {
			r.logger.Warn("task left processing before completion was recorded", "task_id", task.ID)
			return outcomeNone
		}
		metrics.TasksCompleted.WithLabelValues(taskType).Inc()
		r.logger.Debug("task completed", "task_id", task.ID, "type", taskType)
		return outcomeCompleted
	}

	permanent := businessflow.IsPermanentFailure(err)
	if permanent || task.RetryCount >= task.MaxRetries {
		reason := "retries_exhausted"
		if permanent {
			reason = "permanent"
		}
		ok, markErr := r.taskRepo.MarkFailed(recordCtx, task.ID, task.RetryCount, now, err.Error())
		if markErr != nil {
			r.logger.Error("failed to mark task failed", "task_id", task.ID, "error", markErr)
			return outcomeNone
		}
		if !ok {
			r.logger.Debug("task left processing before failure was recorded", "task_id", task.ID, "error", err)
			return outcomeNone
		}
		metrics.TasksFailed.WithLabelValues(taskType, reason).Inc()
		r.logger.Warn("task failed",
			"task_id", task.ID, "type", taskType, "reason", reason,
			"attempts", task.RetryCount+1, "error", err)
		return outcomeFailed
	}

	retry := task.RetryCount + 1
	next := now.Add(r.backoff.Delay(retry))
	ok, rsErr := r.taskRepo.Reschedule(recordCtx, task.ID, retry, next, err.Error())
	if rsErr != nil {
		r.logger.Error("failed to reschedule task", "task_id", task.ID, "error", rsErr)
		return outcomeNone
	}
	if !ok {
		r.logger.Debug("task left processing before retry was recorded", "task_id", task.ID, "error", err)
		return outcomeNone
	}
	metrics.TasksRetried.WithLabelValues(taskType).Inc()
	r.logger.Info("task rescheduled",
		"task_id", task.ID, "type", taskType, "retry", retry, "scheduled_for", next, "error", err)
	return outcomeRetried
}

// dispatch turns a handler panic into a permanent failure
func (r *TaskRunner) dispatch(ctx context.Context, task *models.ScheduledTask) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("task handler panicked", "task_id", task.ID, "panic", p, "stack", string(debug.Stack()))
			err = businessflow.Permanent(fmt.Errorf("handler panic: %v", p))
		}
	}()
	return r.dispatcher.Dispatch(ctx, task)
}
