package scraper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/forageapi/forage/internal/repository"
	"github.com/forageapi/forage/internal/storage"
)

// RetentionCleaner prunes terminal jobs, finished crawls, job log rows,
// and cached index entries older than the retention window, deleting
// stored artifacts alongside the job rows.
type RetentionCleaner struct {
	repos    *repository.Repositories
	blobs    *storage.BlobStore
	maxAge   time.Duration
	interval time.Duration
	stop     chan struct{}
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewRetentionCleaner creates the cleaner.
func NewRetentionCleaner(repos *repository.Repositories, blobs *storage.BlobStore, maxAge, interval time.Duration, logger *slog.Logger) *RetentionCleaner {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionCleaner{
		repos:    repos,
		blobs:    blobs,
		maxAge:   maxAge,
		interval: interval,
		stop:     make(chan struct{}),
		logger:   logger.With("component", "retention-cleaner"),
	}
}

// Start runs the periodic sweep, once immediately and then at interval.
func (c *RetentionCleaner) Start(ctx context.Context) {
	c.logger.Info("starting", "max_age", c.maxAge.String(), "interval", c.interval.String())
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		if err := c.Sweep(ctx); err != nil {
			c.logger.Error("initial sweep failed", "error", err)
		}

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Sweep(ctx); err != nil {
					c.logger.Error("sweep failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the sweep loop.
func (c *RetentionCleaner) Stop() {
	close(c.stop)
	c.wg.Wait()
	c.logger.Info("stopped")
}

// Sweep performs one retention pass over every aged table.
func (c *RetentionCleaner) Sweep(ctx context.Context) error {
	before := time.Now().Add(-c.maxAge)

	jobIDs, err := c.repos.Jobs.DeleteOlderThan(ctx, before)
	if err != nil {
		return err
	}
	if c.blobs != nil {
		for _, id := range jobIDs {
			if _, err := c.blobs.DeleteJob(ctx, id); err != nil {
				c.logger.Warn("artifact delete failed", "job_id", id, "error", err)
			}
		}
	}

	crawls, err := c.repos.Crawls.DeleteOlderThan(ctx, before)
	if err != nil {
		return err
	}
	logs, err := c.repos.JobLogs.DeleteOlderThan(ctx, before)
	if err != nil {
		return err
	}
	cached, err := c.repos.Index.DeleteOlderThan(ctx, before)
	if err != nil {
		return err
	}

	if len(jobIDs) > 0 || crawls > 0 || logs > 0 || cached > 0 {
		c.logger.Info("retention sweep done",
			"jobs", len(jobIDs), "crawls", crawls, "job_logs", logs, "index_entries", cached)
	}
	return nil
}
