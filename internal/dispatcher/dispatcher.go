// Package dispatcher runs a pool of independent workers in one process.
package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runner is a long-running consumer such as *worker.Worker.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// Dispatcher fans out across runners that each own their broker connection and buffer.
type Dispatcher struct {
	runners []Runner
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(runners []Runner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{runners: runners, logger: logger}
}

// Run starts all runners and blocks until every one has returned. The first
// runner error cancels the others, which then shut down normally.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range d.runners {
		g.Go(func() error {
			if err := r.Run(gctx); err != nil {
				d.logger.Error("worker stopped", zap.Int("worker", i), zap.Error(err))
				return fmt.Errorf("worker %d: %w", i, err)
			}
			return nil
		})
	}
	d.logger.Info("workers started", zap.Int("workers", len(d.runners)))
	return g.Wait()
}
