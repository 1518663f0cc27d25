// Package handlers contains the HTTP handlers for the API surface.
// Handlers admit requests (auth chunk, credits, ZDR policy), delegate to
// the domain packages, and shape the response envelopes. Rate limiting
// and credential resolution happen in middleware before any handler
// runs.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/forageapi/forage/internal/billing"
	"github.com/forageapi/forage/internal/concurrency"
	"github.com/forageapi/forage/internal/config"
	"github.com/forageapi/forage/internal/crawl"
	"github.com/forageapi/forage/internal/http/mw"
	"github.com/forageapi/forage/internal/models"
	"github.com/forageapi/forage/internal/repository"
	"github.com/forageapi/forage/internal/scraper"
	"github.com/forageapi/forage/internal/search"
)

// Deps holds the collaborators a Handler needs. Everything is wired once
// at startup; handlers hold no per-request state.
type Deps struct {
	Config   *config.Config
	Pipeline *scraper.Pipeline
	Engine   *crawl.Engine
	Governor *concurrency.Governor
	Batcher  *billing.Batcher
	JobLogs  *repository.JobLogRepository
	Search   search.Provider
	Logger   *slog.Logger
}

// IDInput identifies a resource by its path id.
type IDInput struct {
	ID string `path:"id" doc:"Resource id"`
}

// Handler implements the API operations.
type Handler struct {
	cfg      *config.Config
	pipeline *scraper.Pipeline
	engine   *crawl.Engine
	governor *concurrency.Governor
	batcher  *billing.Batcher
	jobLogs  *repository.JobLogRepository
	search   search.Provider
	logger   *slog.Logger
}

// New creates the handler set.
func New(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:      d.Config,
		pipeline: d.Pipeline,
		engine:   d.Engine,
		governor: d.Governor,
		batcher:  d.Batcher,
		jobLogs:  d.JobLogs,
		search:   d.Search,
		logger:   logger.With("component", "handlers"),
	}
}

// admit fetches the auth chunk and applies the credit gate shared by
// every billable operation.
func (h *Handler) admit(ctx context.Context) (*models.AuthChunk, error) {
	chunk := mw.GetAuthChunk(ctx)
	if chunk == nil {
		return nil, &ErrorEnvelope{status: http.StatusUnauthorized, Message: "authentication required"}
	}
	if chunk.CreditsRemaining <= 0 {
		return nil, apiErr(models.NewInsufficientCreditsError())
	}
	return chunk, nil
}

// chunkOnly fetches the auth chunk without the credit gate, for reads.
func chunkOnly(ctx context.Context) (*models.AuthChunk, error) {
	chunk := mw.GetAuthChunk(ctx)
	if chunk == nil {
		return nil, &ErrorEnvelope{status: http.StatusUnauthorized, Message: "authentication required"}
	}
	return chunk, nil
}

// zdrGate rejects request-scoped ZDR for teams that have not enabled it.
func zdrGate(chunk *models.AuthChunk, requested bool) error {
	if requested && !chunk.AllowZDR {
		return models.NewZDRViolationError("zero data retention is not enabled for this team")
	}
	return nil
}

// bill buffers a billing operation for the batcher to settle.
func (h *Handler) bill(ctx context.Context, chunk *models.AuthChunk, credits, tokens int64) {
	if h.batcher == nil || chunk.Bypass || (credits == 0 && tokens == 0) {
		return
	}
	op := models.BillingOp{
		TeamID:         chunk.TeamID,
		SubscriptionID: chunk.SubscriptionID,
		Credits:        credits,
		Tokens:         tokens,
		IsExtract:      chunk.IsExtract,
		Preview:        chunk.Preview,
		Timestamp:      time.Now().UTC(),
	}
	if err := h.batcher.Enqueue(ctx, op); err != nil {
		h.logger.Error("failed to buffer billing op", "team_id", chunk.TeamID, "error", err)
	}
}

// writeJobLog records the audit row for a synchronously executed job,
// identical in shape to what the queue worker writes.
func (h *Handler) writeJobLog(ctx context.Context, job *models.Job, docs string, success bool, message string, numDocs int, tokens int64, took time.Duration) {
	if h.jobLogs == nil {
		return
	}
	entry := scraper.BuildLogEntry(job, docs, success, message, numDocs, tokens, took)
	if err := h.jobLogs.Create(ctx, entry); err != nil {
		h.logger.Error("failed to write job log", "job_id", job.ID, "error", err)
	}
}

// ownedCrawl loads a crawl and enforces tenant ownership.
func (h *Handler) ownedCrawl(ctx context.Context, chunk *models.AuthChunk, crawlID, afterID string, limit int) (*models.Crawl, []*models.Job, error) {
	cr, jobs, err := h.engine.Status(ctx, crawlID, afterID, limit)
	if err != nil {
		return nil, nil, apiErr(err)
	}
	if cr.TeamID != chunk.TeamID {
		return nil, nil, apiErr(models.NewForbiddenError("crawl belongs to another team"))
	}
	return cr, jobs, nil
}

// documentsFor unmarshals the completed jobs' stored results.
func documentsFor(jobs []*models.Job) []*models.Document {
	docs := make([]*models.Document, 0, len(jobs))
	for _, job := range jobs {
		if job.State != models.JobCompleted || job.ResultJSON == "" {
			continue
		}
		var doc models.Document
		if err := json.Unmarshal([]byte(job.ResultJSON), &doc); err != nil {
			continue
		}
		docs = append(docs, &doc)
	}
	return docs
}

// isoMillis formats timestamps the way the status surface expects:
// ISO-8601 with millisecond precision.
func isoMillis(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
