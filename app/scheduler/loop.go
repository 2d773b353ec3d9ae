package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// startLoop runs cycle once right away and then every interval until the returned stop
// function is called. stop blocks until the running cycle returns.
func startLoop(parent context.Context, interval time.Duration, logger *slog.Logger, cycle func(context.Context)) func() {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		runCycle(ctx, logger, cycle)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runCycle(ctx, logger, cycle)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// runCycle keeps a panicking cycle from killing the loop
func runCycle(ctx context.Context, logger *slog.Logger, cycle func(context.Context)) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("poll cycle panicked", "panic", p)
		}
	}()
	cycle(ctx)
}
