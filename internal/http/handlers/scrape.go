package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/forageapi/forage/internal/concurrency"
	"github.com/forageapi/forage/internal/crawl"
	"github.com/forageapi/forage/internal/fetch"
	"github.com/forageapi/forage/internal/models"
	"github.com/forageapi/forage/internal/scraper"
)

// ScrapeRequest is the scrape request body, shared by the sync scrape
// endpoint and the nested scrapeOptions of crawl, batch, and search.
type ScrapeRequest struct {
	URL                 string                        `json:"url,omitempty" doc:"URL to scrape"`
	Formats             []string                      `json:"formats,omitempty" doc:"Output formats: markdown, rawHtml, links, screenshot, screenshot@fullPage, json, summary, changeTracking"`
	Headers             map[string]string             `json:"headers,omitempty" doc:"Extra request headers sent to the target"`
	WaitFor             int                           `json:"waitFor,omitempty" doc:"Milliseconds to wait before capture; must not exceed half of timeout"`
	Timeout             int                           `json:"timeout,omitempty" doc:"Scrape deadline in milliseconds"`
	MaxAge              *int64                        `json:"maxAge,omitempty" doc:"Accept a cached result up to this many milliseconds old; 0 forces a fresh fetch"`
	StoreInCache        *bool                         `json:"storeInCache,omitempty" doc:"Store the result in the shared cache (default true)"`
	Mobile              bool                          `json:"mobile,omitempty" doc:"Emulate a mobile client"`
	Location            *models.Location              `json:"location,omitempty" doc:"Geographic egress preference"`
	BlockAds            bool                          `json:"blockAds,omitempty"`
	Proxy               models.ProxyMode              `json:"proxy,omitempty" enum:"basic,stealth,auto" doc:"Egress proxy mode"`
	Actions             []json.RawMessage             `json:"actions,omitempty" doc:"Browser actions executed before capture"`
	JSONOptions         *models.JSONOptions           `json:"jsonOptions,omitempty" doc:"Schema or prompt for the json format"`
	Extract             *models.JSONOptions           `json:"extract,omitempty" doc:"Legacy alias of jsonOptions"`
	ChangeTracking      *models.ChangeTrackingOptions `json:"changeTrackingOptions,omitempty"`
	SkipTLSVerification *bool                         `json:"skipTlsVerification,omitempty" doc:"Skip TLS certificate verification (defaults to true on v2)"`
	ZeroDataRetention   bool                          `json:"zeroDataRetention,omitempty" doc:"Request-scoped zero data retention"`
	UseMock             bool                          `json:"useMock,omitempty" doc:"Use the deterministic mock fetcher (only honored when enabled server-side)"`
}

// scrapeOptions maps the request body onto domain options, applying the
// per-version defaults.
func (h *Handler) scrapeOptions(body *ScrapeRequest, version int) models.ScrapeOptions {
	opts := models.ScrapeOptions{
		Formats:           body.Formats,
		Headers:           body.Headers,
		WaitFor:           body.WaitFor,
		Timeout:           body.Timeout,
		MaxAge:            body.MaxAge,
		StoreInCache:      body.StoreInCache,
		Mobile:            body.Mobile,
		Location:          body.Location,
		BlockAds:          body.BlockAds,
		Proxy:             body.Proxy,
		Actions:           body.Actions,
		JSONOptions:       body.JSONOptions,
		ChangeTracking:    body.ChangeTracking,
		ZeroDataRetention: body.ZeroDataRetention,
	}
	if body.SkipTLSVerification != nil {
		opts.SkipTLSVerification = *body.SkipTLSVerification
	} else if version >= 2 {
		opts.SkipTLSVerification = true
	}
	if version == 1 && body.Extract != nil && opts.JSONOptions == nil {
		opts.JSONOptions = body.Extract
		opts.LegacyExtract = true
	}
	if h.cfg == nil || !h.cfg.AllowMockFetch {
		opts.UseMock = false
	} else {
		opts.UseMock = body.UseMock
	}
	return opts
}

// ScrapeInput is the sync scrape request.
type ScrapeInput struct {
	Body ScrapeRequest
}

// ScrapeOutput is the sync scrape response.
type ScrapeOutput struct {
	Body struct {
		Success bool             `json:"success"`
		Data    *models.Document `json:"data"`
	}
}

// Scrape runs a synchronous scrape: admission, inline pipeline run, log,
// bill, respond. The job never enters the queue; it holds a concurrency
// lease for the duration of the fetch like any queued job would.
func (h *Handler) Scrape(ctx context.Context, input *ScrapeInput, version int) (*ScrapeOutput, error) {
	chunk, err := h.admit(ctx)
	if err != nil {
		return nil, err
	}
	if err := fetch.ValidateURL(input.Body.URL); err != nil {
		return nil, apiErr(models.NewInvalidURLError(input.Body.URL))
	}

	opts := h.scrapeOptions(&input.Body, version)
	if err := scraper.ValidateScrapeOptions(&opts); err != nil {
		return nil, apiErr(err)
	}
	if err := zdrGate(chunk, opts.ZeroDataRetention); err != nil {
		return nil, apiErr(err)
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:        crawl.NewID(),
		TeamID:    chunk.TeamID,
		URL:       input.Body.URL,
		Mode:      models.ModeSingle,
		Options:   opts,
		Priority:  models.BandRealtime,
		State:     models.JobActive,
		ZDR:       chunk.ForceZDR,
		RunAt:     now,
		CreatedAt: now,
	}

	limit := concurrency.LimitFor(chunk, 0)
	acquired, err := h.governor.TryAcquire(chunk.TeamID, job.ID, limit)
	if err != nil {
		return nil, apiErr(err)
	}
	if !acquired {
		return nil, apiErr(models.NewConcurrencyLimitError(limit))
	}
	defer func() {
		if err := h.governor.Release(chunk.TeamID, job.ID); err != nil {
			h.logger.Warn("lease release failed", "job_id", job.ID, "error", err)
		}
	}()

	start := time.Now()
	outcome, runErr := h.pipeline.Run(ctx, job)
	if runErr != nil {
		h.writeJobLog(ctx, job, "", false, runErr.Error(), 0, 0, time.Since(start))
		return nil, apiErr(runErr)
	}

	docJSON, err := json.Marshal(outcome.Doc)
	if err != nil {
		return nil, apiErr(models.NewInternalError())
	}
	h.writeJobLog(ctx, job, string(docJSON), true, "", 1, outcome.Tokens, time.Since(start))
	h.bill(ctx, chunk, outcome.Credits, outcome.Tokens)

	h.logger.Info("scrape completed",
		"job_id", job.ID, "team_id", chunk.TeamID,
		"credits", outcome.Credits, "cache_hit", outcome.CacheHit)

	out := &ScrapeOutput{}
	out.Body.Success = true
	out.Body.Data = outcome.Doc
	return out, nil
}

// GetScrapeOutput re-reads a prior result.
type GetScrapeOutput struct {
	Body struct {
		Success bool             `json:"success"`
		Data    *models.Document `json:"data,omitempty"`
		Error   string           `json:"error,omitempty"`
	}
}

// GetScrape re-reads a prior scrape result from the job log. ZDR rows,
// whether forced or request-scoped, read as not found.
func (h *Handler) GetScrape(ctx context.Context, input *IDInput) (*GetScrapeOutput, error) {
	chunk, err := chunkOnly(ctx)
	if err != nil {
		return nil, err
	}

	entry, err := h.jobLogs.GetByJobID(ctx, input.ID)
	if err != nil {
		return nil, apiErr(err)
	}
	if entry == nil {
		return nil, apiErr(models.NewNotFoundError("scrape not found"))
	}
	if entry.TeamID != chunk.TeamID {
		return nil, apiErr(models.NewForbiddenError("scrape belongs to another team"))
	}
	if entry.ZDR || entry.RequestZDR {
		return nil, apiErr(models.NewJobExpiredError())
	}

	out := &GetScrapeOutput{}
	out.Body.Success = entry.Success
	if !entry.Success {
		out.Body.Error = entry.Message
		return out, nil
	}

	var doc models.Document
	if err := json.Unmarshal([]byte(entry.Docs), &doc); err != nil {
		return nil, apiErr(models.NewInternalError())
	}
	out.Body.Data = &doc
	return out, nil
}
