// Package queue layers priority-band scheduling, cancellation tombstones,
// and lease reaping over the jobs table.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/forageapi/forage/internal/constants"
	"github.com/forageapi/forage/internal/kv"
	"github.com/forageapi/forage/internal/models"
	"github.com/forageapi/forage/internal/repository"
)

// bandPattern is the weighted round-robin reservation order: realtime
// claims four slots for every two crawl and one background slot, so
// interactive scrapes stay responsive under heavy crawl fan-out while no
// band starves.
var bandPattern = []models.PriorityBand{
	models.BandRealtime, models.BandRealtime, models.BandRealtime, models.BandRealtime,
	models.BandCrawl, models.BandCrawl,
	models.BandBackground,
}

// Queue is the job queue facade used by producers and workers.
type Queue struct {
	jobs  *repository.JobRepository
	store *kv.Store
	lease time.Duration

	mu  sync.Mutex
	pos int
}

// New creates a queue over the jobs table and the shared KV store.
func New(jobs *repository.JobRepository, store *kv.Store, lease time.Duration) *Queue {
	if lease <= 0 {
		lease = constants.VisibilityLease
	}
	return &Queue{jobs: jobs, store: store, lease: lease}
}

// Enqueue submits one job.
func (q *Queue) Enqueue(ctx context.Context, job *models.Job) error {
	return q.jobs.Create(ctx, job)
}

// EnqueueBatch submits many jobs atomically.
func (q *Queue) EnqueueBatch(ctx context.Context, jobs []*models.Job) error {
	return q.jobs.CreateBatch(ctx, jobs)
}

// Dequeue claims the next job honoring band weights. The pattern position
// picks the preferred band; when that band is empty the other bands are
// tried in priority order, so weights shape contention without idling
// workers.
func (q *Queue) Dequeue(ctx context.Context) (*models.Job, error) {
	q.mu.Lock()
	start := bandPattern[q.pos]
	q.pos = (q.pos + 1) % len(bandPattern)
	q.mu.Unlock()

	tried := map[models.PriorityBand]bool{}
	order := append([]models.PriorityBand{start},
		models.BandRealtime, models.BandCrawl, models.BandBackground)

	for _, band := range order {
		if tried[band] {
			continue
		}
		tried[band] = true

		job, err := q.jobs.ClaimNext(ctx, band, q.lease)
		if err != nil {
			return nil, err
		}
		if job == nil {
			continue
		}
		// A child of a cancelled crawl is dead on arrival.
		if job.CrawlID != "" {
			cancelled, err := q.IsCancelled(job.CrawlID)
			if err != nil {
				return nil, err
			}
			if cancelled {
				if err := q.jobs.Fail(ctx, job.ID, "CANCELLED", "crawl cancelled"); err != nil {
					return nil, err
				}
				continue
			}
		}
		return job, nil
	}
	return nil, nil
}

// ExtendLease keeps a long-running job visible as claimed.
func (q *Queue) ExtendLease(ctx context.Context, jobID string) error {
	return q.jobs.ExtendLease(ctx, jobID, q.lease)
}

// Complete finishes a job with its result.
func (q *Queue) Complete(ctx context.Context, jobID, resultJSON string) error {
	return q.jobs.Complete(ctx, jobID, resultJSON)
}

// Fail terminally fails a job.
func (q *Queue) Fail(ctx context.Context, jobID, code, message string) error {
	return q.jobs.Fail(ctx, jobID, code, message)
}

// Retry returns a job to the queue with backoff scaled by attempts.
func (q *Queue) Retry(ctx context.Context, job *models.Job) error {
	backoff := time.Duration(job.Attempts) * 5 * time.Second
	return q.jobs.Requeue(ctx, job.ID, backoff)
}

// Cancel tombstones a crawl and fails its queued children. In-flight
// children observe the tombstone at claim or completion time.
func (q *Queue) Cancel(ctx context.Context, crawlID string) error {
	if err := q.store.Set(tombKey(crawlID), []byte("1"), 24*time.Hour); err != nil {
		return fmt.Errorf("set cancel tombstone: %w", err)
	}
	if _, err := q.jobs.CancelQueuedByCrawl(ctx, crawlID); err != nil {
		return err
	}
	return nil
}

// IsCancelled reports whether a crawl has been tombstoned.
func (q *Queue) IsCancelled(crawlID string) (bool, error) {
	return q.store.Has(tombKey(crawlID))
}

func tombKey(crawlID string) string {
	return "tomb:" + crawlID
}
