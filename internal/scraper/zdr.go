package scraper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/forageapi/forage/internal/constants"
	"github.com/forageapi/forage/internal/repository"
	"github.com/forageapi/forage/internal/storage"
)

// zdrCleanBatch bounds how many overdue rows one sweep handles.
const zdrCleanBatch = 500

// ZDRCleaner sweeps zero-data-retention residue: job log rows whose
// dr_clean_by deadline has passed get their payload columns scrubbed and
// their stored artifacts deleted.
type ZDRCleaner struct {
	logs     *repository.JobLogRepository
	blobs    *storage.BlobStore
	interval time.Duration
	stop     chan struct{}
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewZDRCleaner creates the cleaner.
func NewZDRCleaner(logs *repository.JobLogRepository, blobs *storage.BlobStore, interval time.Duration, logger *slog.Logger) *ZDRCleaner {
	if interval <= 0 {
		interval = constants.ZDRCleanInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ZDRCleaner{
		logs:     logs,
		blobs:    blobs,
		interval: interval,
		stop:     make(chan struct{}),
		logger:   logger.With("component", "zdr-cleaner"),
	}
}

// Start runs the periodic sweep, once immediately and then at interval.
func (c *ZDRCleaner) Start(ctx context.Context) {
	c.logger.Info("starting", "interval", c.interval.String())
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		if _, err := c.Clean(ctx); err != nil {
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
				if _, err := c.Clean(ctx); err != nil {
					c.logger.Error("sweep failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the sweep loop.
func (c *ZDRCleaner) Stop() {
	close(c.stop)
	c.wg.Wait()
	c.logger.Info("stopped")
}

// Clean performs one sweep and returns how many rows were scrubbed. The
// lookback window keeps the overdue scan on the indexed recent range.
func (c *ZDRCleaner) Clean(ctx context.Context) (int, error) {
	ids, err := c.logs.FindOverdueZDR(ctx, time.Now(), constants.ZDRLookback, zdrCleanBatch)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	blobsDeleted := 0
	if c.blobs != nil {
		for _, id := range ids {
			n, err := c.blobs.DeleteJob(ctx, id)
			if err != nil {
				c.logger.Warn("artifact delete failed", "job_id", id, "error", err)
				continue
			}
			blobsDeleted += n
		}
	}

	scrubbed, err := c.logs.ScrubPayload(ctx, ids)
	if err != nil {
		return int(scrubbed), err
	}

	c.logger.Info("swept overdue rows",
		"rows", scrubbed, "artifacts_deleted", blobsDeleted)
	return int(scrubbed), nil
}
