package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/forageapi/forage/internal/constants"
	"github.com/forageapi/forage/internal/repository"
)

// Reaper periodically requeues jobs whose visibility lease lapsed and
// fails jobs that have exhausted their attempts.
type Reaper struct {
	jobs     *repository.JobRepository
	interval time.Duration
	logger   *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewReaper creates a reaper over the jobs table.
func NewReaper(jobs *repository.JobRepository, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = constants.ReaperInterval
	}
	return &Reaper{
		jobs:     jobs,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the reap loop.
func (r *Reaper) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.logger.Info("queue reaper started", "interval", r.interval)

		// Leases left by a previous process have already lapsed; sweep
		// them back onto the queue before the first tick.
		r.reap()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.reap()
			}
		}
	}()
}

// Stop halts the loop and waits for an in-progress sweep.
func (r *Reaper) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	r.logger.Info("queue reaper stopped")
}

func (r *Reaper) reap() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	requeued, failed, err := r.jobs.ReapExpired(ctx, constants.MaxJobAttempts)
	if err != nil {
		r.logger.Error("lease reap failed", "error", err)
		return
	}
	if requeued > 0 || failed > 0 {
		r.logger.Info("reaped expired leases", "requeued", requeued, "failed", failed)
	}
}
