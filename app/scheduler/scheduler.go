package scheduler

import (
	"context"
	"log/slog"
)

// Poller is a background loop started with a context and stopped through the returned function
type Poller interface {
	Start(ctx context.Context) func()
}

type namedPoller struct {
	name   string
	poller Poller
}

// Scheduler groups the enabled pollers behind one start/stop handle
type Scheduler struct {
	pollers []namedPoller
	logger  *slog.Logger
}

func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{logger: logger.With("component", "scheduler")}
}

func (s *Scheduler) Add(name string, p Poller) *Scheduler {
	s.pollers = append(s.pollers, namedPoller{name: name, poller: p})
	return s
}

// Len returns the number of registered pollers
func (s *Scheduler) Len() int { return len(s.pollers) }

// Start launches every poller. The returned function stops them in reverse order and
// returns once all of them have finished their current cycle.
func (s *Scheduler) Start(ctx context.Context) func() {
	stops := make([]func(), 0, len(s.pollers))
	for _, p := range s.pollers {
		s.logger.Info("starting poller", "poller", p.name)
		stops = append(stops, p.poller.Start(ctx))
	}
	return func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
			s.logger.Info("poller stopped", "poller", s.pollers[i].name)
		}
	}
}
