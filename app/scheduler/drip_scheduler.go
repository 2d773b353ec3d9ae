package scheduler

import (
	"context"
	"log/slog"
	"time"

	businessflow "github.com/amirphl/Kusanagi/business_flow"
	"github.com/amirphl/Kusanagi/config"
	"github.com/amirphl/Kusanagi/utils"
)

// DripScheduler polls for enrollments whose next step is due
type DripScheduler struct {
	flow     businessflow.EnrollmentFlow
	interval time.Duration
	logger   *slog.Logger
}

func NewDripScheduler(flow businessflow.EnrollmentFlow, cfg config.SchedulerConfig, logger *slog.Logger) *DripScheduler {
	interval := cfg.DripPollInterval
	if interval <= 0 {
		interval = utils.DefaultDripPollInterval
	}
	return &DripScheduler{flow: flow, interval: interval, logger: logger.With("component", "drip_scheduler")}
}

func (s *DripScheduler) Start(parent context.Context) func() {
	return startLoop(parent, s.interval, s.logger, func(ctx context.Context) {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("drip cycle failed", "error", err)
		}
	})
}

func (s *DripScheduler) RunOnce(ctx context.Context) (*businessflow.ProcessSummary, error) {
	return s.flow.ProcessDue(ctx)
}

// ExperimentEvaluator periodically evaluates every running experiment
type ExperimentEvaluator struct {
	flow     businessflow.ExperimentFlow
	interval time.Duration
	logger   *slog.Logger
}

func NewExperimentEvaluator(flow businessflow.ExperimentFlow, cfg config.SchedulerConfig, logger *slog.Logger) *ExperimentEvaluator {
	interval := cfg.ExperimentEvalInterval
	if interval <= 0 {
		interval = utils.DefaultExperimentEvalInterval
	}
	return &ExperimentEvaluator{flow: flow, interval: interval, logger: logger.With("component", "experiment_evaluator")}
}

func (e *ExperimentEvaluator) Start(parent context.Context) func() {
	return startLoop(parent, e.interval, e.logger, func(ctx context.Context) {
		n, err := e.flow.EvaluateRunning(ctx)
		if err != nil {
			e.logger.Error("experiment evaluation cycle failed", "error", err)
			return
		}
		if n > 0 {
			e.logger.Info("experiments completed", "count", n)
		}
	})
}
