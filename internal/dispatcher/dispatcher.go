// Package dispatcher runs a fixed pool of analysis workers over the queue.
package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runner is a single-threaded consumer loop. Run returns nil on orderly
// shutdown.
type Runner interface {
	Run(ctx context.Context) error
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	workers []Runner
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(workers []Runner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		workers: workers,
		logger:  logger,
	}
}

// Size reports the number of worker instances.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts all workers and blocks until every one of them has returned. A
// worker error cancels the rest.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.workers) == 0 {
		return fmt.Errorf("dispatcher: no workers configured")
	}
	d.logger.Info("starting analysis workers", zap.Int("instances", len(d.workers)))

	g, ctx := errgroup.WithContext(ctx)
	for i, w := range d.workers {
		i, w := i, w
		g.Go(func() error {
			if err := w.Run(ctx); err != nil {
				return fmt.Errorf("worker %d: %w", i, err)
			}
			return nil
		})
	}
	err := g.Wait()
	d.logger.Info("analysis workers stopped", zap.Error(err))
	return err
}
