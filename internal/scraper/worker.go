package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/forageapi/forage/internal/billing"
	"github.com/forageapi/forage/internal/concurrency"
	"github.com/forageapi/forage/internal/constants"
	"github.com/forageapi/forage/internal/crawl"
	"github.com/forageapi/forage/internal/fetch"
	"github.com/forageapi/forage/internal/models"
	"github.com/forageapi/forage/internal/queue"
	"github.com/forageapi/forage/internal/repository"
)

// LimitFunc resolves a team's concurrency cap. The HTTP layer supplies
// one backed by the auth chunk cache; when nil the default plan cap
// applies.
type LimitFunc func(teamID string) int

// Config holds worker pool configuration.
type Config struct {
	PollInterval time.Duration
	Concurrency  int
}

// Worker pulls jobs from the queue and runs them through the pipeline.
type Worker struct {
	queue        *queue.Queue
	pipeline     *Pipeline
	engine       *crawl.Engine
	governor     *concurrency.Governor
	billing      *billing.Batcher
	jobLogs      *repository.JobLogRepository
	limits       LimitFunc
	pollInterval time.Duration
	concurrency  int
	stop         chan struct{}
	wg           sync.WaitGroup
	logger       *slog.Logger
}

// NewWorker creates the worker pool.
func NewWorker(
	q *queue.Queue,
	pipeline *Pipeline,
	engine *crawl.Engine,
	governor *concurrency.Governor,
	batcher *billing.Batcher,
	jobLogs *repository.JobLogRepository,
	limits LimitFunc,
	cfg Config,
	logger *slog.Logger,
) *Worker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = constants.WorkerPollDefault
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:        q,
		pipeline:     pipeline,
		engine:       engine,
		governor:     governor,
		billing:      batcher,
		jobLogs:      jobLogs,
		limits:       limits,
		pollInterval: cfg.PollInterval,
		concurrency:  cfg.Concurrency,
		stop:         make(chan struct{}),
		logger:       logger.With("component", "worker"),
	}
}

// Start begins processing jobs.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("starting", "concurrency", w.concurrency)
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.runWorker(ctx, i)
	}
}

// Stop gracefully stops the worker pool.
func (w *Worker) Stop() {
	w.logger.Info("stopping")
	close(w.stop)
	w.wg.Wait()
	w.logger.Info("stopped")
}

func (w *Worker) runWorker(ctx context.Context, workerID int) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessNext(ctx, workerID)
		}
	}
}

// ProcessNext claims and runs at most one job. Returns whether a job was
// claimed, so tests and drain loops can pump the queue deterministically.
func (w *Worker) ProcessNext(ctx context.Context, workerID int) bool {
	job, err := w.queue.Dequeue(ctx)
	if err != nil {
		w.logger.Error("failed to claim job", "worker_id", workerID, "error", err)
		return false
	}
	if job == nil {
		return false
	}

	limit := w.limitFor(job)
	acquired, err := w.governor.TryAcquire(job.TeamID, job.ID, limit)
	if err != nil {
		w.logger.Error("concurrency check failed", "job_id", job.ID, "error", err)
		return true
	}
	if !acquired {
		// Team is saturated; push the job back without burning an attempt's
		// worth of backoff.
		if err := w.queue.Retry(ctx, job); err != nil {
			w.logger.Error("failed to defer job", "job_id", job.ID, "error", err)
		}
		return true
	}
	defer func() {
		if err := w.governor.Release(job.TeamID, job.ID); err != nil {
			w.logger.Warn("lease release failed", "job_id", job.ID, "error", err)
		}
	}()

	w.logger.Info("processing job",
		"worker_id", workerID, "job_id", job.ID, "mode", job.Mode, "attempt", job.Attempts)

	start := time.Now()
	outcome, runErr := w.pipeline.Run(ctx, job)

	// A child of a cancelled crawl finishes its fetch but the result is
	// discarded, unbilled and unlogged.
	if job.CrawlID != "" {
		cancelled, err := w.queue.IsCancelled(job.CrawlID)
		if err == nil && cancelled {
			if err := w.queue.Fail(ctx, job.ID, "CANCELLED", "crawl cancelled"); err != nil {
				w.logger.Error("failed to discard cancelled child", "job_id", job.ID, "error", err)
			}
			return true
		}
	}

	if runErr != nil {
		w.finishFailure(ctx, job, runErr, start)
	} else {
		w.finishSuccess(ctx, job, outcome, start)
	}
	return true
}

func (w *Worker) limitFor(job *models.Job) int {
	limit := constants.DefaultTeamConcurrency
	if w.limits != nil {
		if l := w.limits(job.TeamID); l > 0 {
			limit = l
		}
	}
	if job.Options.MaxConcurrency > 0 && job.Options.MaxConcurrency < limit {
		limit = job.Options.MaxConcurrency
	}
	return limit
}

func (w *Worker) finishSuccess(ctx context.Context, job *models.Job, outcome *Outcome, start time.Time) {
	resultJSON, err := json.Marshal(outcome.Doc)
	if err != nil {
		w.finishFailure(ctx, job, models.NewInternalError(), start)
		return
	}
	if err := w.queue.Complete(ctx, job.ID, string(resultJSON)); err != nil {
		w.logger.Error("failed to complete job", "job_id", job.ID, "error", err)
		return
	}

	w.writeLog(ctx, job, string(resultJSON), true, "", 1, outcome.Tokens, time.Since(start))

	if w.billing != nil {
		op := models.BillingOp{
			TeamID:    job.TeamID,
			Credits:   outcome.Credits,
			Tokens:    outcome.Tokens,
			IsExtract: job.Mode == models.ModeExtract,
			Timestamp: time.Now().UTC(),
		}
		if err := w.billing.Enqueue(ctx, op); err != nil {
			w.logger.Error("failed to buffer billing op", "job_id", job.ID, "error", err)
		}
	}

	if w.engine != nil && job.CrawlID != "" {
		var links []string
		if job.Mode == models.ModeCrawlChild {
			links = outcome.Links
		}
		if err := w.engine.OnChildCompleted(ctx, job, links); err != nil {
			w.logger.Error("crawl completion callback failed",
				"job_id", job.ID, "crawl_id", job.CrawlID, "error", err)
		}
	}

	w.logger.Info("completed job",
		"job_id", job.ID, "credits", outcome.Credits, "cache_hit", outcome.CacheHit,
		"took_ms", time.Since(start).Milliseconds())
}

func (w *Worker) finishFailure(ctx context.Context, job *models.Job, runErr error, start time.Time) {
	var fe *fetch.Error
	retryable := errors.As(runErr, &fe) && fe.Retryable

	if retryable && job.Attempts < constants.MaxJobAttempts {
		if err := w.queue.Retry(ctx, job); err != nil {
			w.logger.Error("failed to requeue job", "job_id", job.ID, "error", err)
		}
		w.logger.Warn("retrying job",
			"job_id", job.ID, "attempt", job.Attempts, "error", runErr)
		return
	}

	code := models.CodeInternal
	message := runErr.Error()
	if fe != nil {
		code = fe.Code
		message = fe.Message
	} else if re := models.AsRequestError(runErr); re != nil {
		code = re.Code
		message = re.Message
	}

	if err := w.queue.Fail(ctx, job.ID, code, message); err != nil {
		w.logger.Error("failed to fail job", "job_id", job.ID, "error", err)
	}

	w.writeLog(ctx, job, "", false, message, 0, 0, time.Since(start))

	if w.engine != nil && job.CrawlID != "" {
		if err := w.engine.OnChildFailed(ctx, job, code, message); err != nil {
			w.logger.Error("crawl failure callback failed",
				"job_id", job.ID, "crawl_id", job.CrawlID, "error", err)
		}
	}

	w.logger.Error("job failed", "job_id", job.ID, "code", code, "error", message)
}

func (w *Worker) writeLog(ctx context.Context, job *models.Job, docs string, success bool, message string, numDocs int, tokens int64, took time.Duration) {
	if w.jobLogs == nil {
		return
	}
	entry := BuildLogEntry(job, docs, success, message, numDocs, tokens, took)
	if err := w.jobLogs.Create(ctx, entry); err != nil {
		w.logger.Error("failed to write job log", "job_id", job.ID, "error", err)
	}
}

// BuildLogEntry shapes the durable audit row for a finished job. ZDR
// jobs get their payload columns nulled at insert plus a clean-by
// deadline so the cleaner can sweep any lingering blobs. The sync
// scrape path and the worker share this so both log identically.
func BuildLogEntry(job *models.Job, docs string, success bool, message string, numDocs int, tokens int64, took time.Duration) *models.JobLogEntry {
	optsJSON, _ := json.Marshal(&job.Options)
	entry := &models.JobLogEntry{
		JobID:        job.ID,
		TeamID:       job.TeamID,
		CrawlID:      job.CrawlID,
		URL:          job.URL,
		Docs:         docs,
		PageOptions:  string(optsJSON),
		Success:      success,
		Message:      message,
		NumDocs:      numDocs,
		TimeTakenMs:  took.Milliseconds(),
		TokensBilled: tokens,
		ZDR:          job.ZDR,
		RequestZDR:   job.Options.ZeroDataRetention,
		CreatedAt:    time.Now().UTC(),
	}
	if job.ZDR || entry.RequestZDR {
		cleanBy := entry.CreatedAt.Add(constants.ZDRBlobGrace)
		entry.DRCleanBy = &cleanBy
	}
	return entry
}
