package handlers

import (
	"context"
	"fmt"

	"github.com/forageapi/forage/internal/constants"
	"github.com/forageapi/forage/internal/models"
	"github.com/forageapi/forage/internal/scraper"
)

// CrawlRequest is the crawl submission body.
type CrawlRequest struct {
	URL               string         `json:"url" minLength:"1" doc:"Seed URL"`
	Limit             int            `json:"limit,omitempty" doc:"Maximum pages to crawl (default 10000)"`
	MaxDepth          *int           `json:"maxDepth,omitempty" doc:"Maximum link depth beyond the seed; 0 crawls only the seed"`
	MaxDiscoveryDepth *int           `json:"maxDiscoveryDepth,omitempty" doc:"Maximum discovery hops regardless of URL path depth"`
	IncludePaths      []string       `json:"includePaths,omitempty" doc:"Regex allowlist applied to candidate paths"`
	ExcludePaths      []string       `json:"excludePaths,omitempty" doc:"Regex denylist applied to candidate paths"`
	RegexOnFullURL    bool           `json:"regexOnFullURL,omitempty" doc:"Match include/exclude patterns against the full URL"`
	IgnoreSitemap     bool           `json:"ignoreSitemap,omitempty" doc:"Skip sitemap seeding"`
	IgnoreRobotsTxt   bool           `json:"ignoreRobotsTxt,omitempty" doc:"Skip robots.txt admission checks"`
	AllowBackwardLinks bool          `json:"allowBackwardLinks,omitempty" doc:"Legacy alias of crawlEntireDomain"`
	CrawlEntireDomain *bool          `json:"crawlEntireDomain,omitempty" doc:"Admit links outside the seed path prefix"`
	AllowSubdomains   bool           `json:"allowSubdomains,omitempty" doc:"Admit sibling subdomains of the seed's registrable domain"`
	Delay             int            `json:"delay,omitempty" doc:"Seconds between child dispatches"`
	MaxConcurrency    int            `json:"maxConcurrency,omitempty" doc:"Cap on this crawl's concurrent children"`
	ScrapeOptions     *ScrapeRequest `json:"scrapeOptions,omitempty" doc:"Options applied to every crawled page"`
	ZeroDataRetention bool           `json:"zeroDataRetention,omitempty"`
}

// crawlOptions maps the request onto domain options.
func (h *Handler) crawlOptions(body *CrawlRequest, version int) models.CrawlOptions {
	opts := models.CrawlOptions{
		Limit:              body.Limit,
		MaxDepth:           body.MaxDepth,
		MaxDiscoveryDepth:  body.MaxDiscoveryDepth,
		IncludePaths:       body.IncludePaths,
		ExcludePaths:       body.ExcludePaths,
		RegexOnFullURL:     body.RegexOnFullURL,
		IgnoreSitemap:      body.IgnoreSitemap,
		IgnoreRobotsTxt:    body.IgnoreRobotsTxt,
		AllowBackwardLinks: body.AllowBackwardLinks,
		CrawlEntireDomain:  body.CrawlEntireDomain,
		AllowSubdomains:    body.AllowSubdomains,
		Delay:              body.Delay,
		MaxConcurrency:     body.MaxConcurrency,
		ZeroDataRetention:  body.ZeroDataRetention,
	}
	if body.ScrapeOptions != nil {
		opts.ScrapeOptions = h.scrapeOptions(body.ScrapeOptions, version)
	}
	return opts
}

// CrawlInput is the crawl submission request.
type CrawlInput struct {
	Body CrawlRequest
}

// StartOutput acknowledges an asynchronous submission.
type StartOutput struct {
	Body struct {
		Success bool   `json:"success"`
		ID      string `json:"id"`
		URL     string `json:"url,omitempty"`
	}
}

// StartCrawl validates and seeds a new crawl.
func (h *Handler) StartCrawl(ctx context.Context, input *CrawlInput, version int) (*StartOutput, error) {
	chunk, err := h.admit(ctx)
	if err != nil {
		return nil, err
	}

	opts := h.crawlOptions(&input.Body, version)
	if opts.MaxDepth != nil && (*opts.MaxDepth < 0 || *opts.MaxDepth > constants.MaxCrawlDepth) {
		return nil, apiErr(models.NewValidationError("maxDepth must be between 0 and %d", constants.MaxCrawlDepth))
	}
	if err := scraper.ValidateScrapeOptions(&opts.ScrapeOptions); err != nil {
		return nil, apiErr(err)
	}
	if err := zdrGate(chunk, opts.ZeroDataRetention || opts.ScrapeOptions.ZeroDataRetention); err != nil {
		return nil, apiErr(err)
	}

	cr, err := h.engine.StartCrawl(ctx, chunk.TeamID, input.Body.URL, opts)
	if err != nil {
		return nil, apiErr(err)
	}

	out := &StartOutput{}
	out.Body.Success = true
	out.Body.ID = cr.ID
	out.Body.URL = fmt.Sprintf("%s/v%d/crawl/%s", h.cfg.BaseURL, version, cr.ID)
	return out, nil
}

// CrawlStatusInput identifies a crawl, with result pagination.
type CrawlStatusInput struct {
	ID    string `path:"id" doc:"Crawl id"`
	After string `query:"after" doc:"Return results after this job id"`
	Limit int    `query:"limit" doc:"Page size (max 100)"`
}

// CrawlStatusOutput is the crawl status surface.
type CrawlStatusOutput struct {
	Body struct {
		Success   bool               `json:"success"`
		Status    models.CrawlState  `json:"status"`
		Completed int                `json:"completed"`
		Failed    int                `json:"failed,omitempty"`
		Total     int                `json:"total"`
		Next      string             `json:"next,omitempty"`
		Data      []*models.Document `json:"data"`
	}
}

// CrawlStatus reports progress and the completed documents so far.
func (h *Handler) CrawlStatus(ctx context.Context, input *CrawlStatusInput, version int) (*CrawlStatusOutput, error) {
	chunk, err := chunkOnly(ctx)
	if err != nil {
		return nil, err
	}
	cr, jobs, err := h.ownedCrawl(ctx, chunk, input.ID, input.After, input.Limit)
	if err != nil {
		return nil, err
	}

	out := &CrawlStatusOutput{}
	out.Body.Success = true
	out.Body.Status = cr.State
	out.Body.Completed = cr.Completed
	out.Body.Failed = cr.Failed
	out.Body.Total = cr.Discovered
	out.Body.Data = documentsFor(jobs)

	limit := input.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	if len(jobs) == limit {
		out.Body.Next = fmt.Sprintf("%s/v%d/crawl/%s?after=%s",
			h.cfg.BaseURL, version, cr.ID, jobs[len(jobs)-1].ID)
	}
	return out, nil
}

// CrawlErrorsOutput lists per-child failures and robots refusals.
type CrawlErrorsOutput struct {
	Body struct {
		Errors        []CrawlErrorItem `json:"errors"`
		RobotsBlocked []string         `json:"robotsBlocked"`
	}
}

// CrawlErrorItem is one non-fatal child failure.
type CrawlErrorItem struct {
	URL   string `json:"url"`
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// CrawlErrors reports the crawl's recorded child failures.
func (h *Handler) CrawlErrors(ctx context.Context, input *IDInput) (*CrawlErrorsOutput, error) {
	chunk, err := chunkOnly(ctx)
	if err != nil {
		return nil, err
	}
	cr, _, err := h.ownedCrawl(ctx, chunk, input.ID, "", 1)
	if err != nil {
		return nil, err
	}

	out := &CrawlErrorsOutput{}
	out.Body.Errors = make([]CrawlErrorItem, 0, len(cr.Errors))
	for _, e := range cr.Errors {
		out.Body.Errors = append(out.Body.Errors, CrawlErrorItem{
			URL:   e.URL,
			Error: e.Message,
			Code:  e.Code,
		})
	}
	out.Body.RobotsBlocked = cr.RobotsBlocked
	if out.Body.RobotsBlocked == nil {
		out.Body.RobotsBlocked = []string{}
	}
	return out, nil
}

// OngoingOutput lists a team's active crawls.
type OngoingOutput struct {
	Body struct {
		Success bool           `json:"success"`
		Crawls  []OngoingCrawl `json:"crawls"`
	}
}

// OngoingCrawl is one active crawl summary.
type OngoingCrawl struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	SeedURL   string `json:"url"`
	CreatedAt string `json:"created_at"`
}

// CrawlOngoing lists the team's crawls still scraping.
func (h *Handler) CrawlOngoing(ctx context.Context, _ *struct{}) (*OngoingOutput, error) {
	chunk, err := chunkOnly(ctx)
	if err != nil {
		return nil, err
	}
	crawls, err := h.engine.Ongoing(ctx, chunk.TeamID)
	if err != nil {
		return nil, apiErr(err)
	}

	out := &OngoingOutput{}
	out.Body.Success = true
	out.Body.Crawls = make([]OngoingCrawl, 0, len(crawls))
	for _, cr := range crawls {
		out.Body.Crawls = append(out.Body.Crawls, OngoingCrawl{
			ID:        cr.ID,
			Kind:      cr.Kind,
			SeedURL:   cr.SeedURL,
			CreatedAt: isoMillis(cr.CreatedAt),
		})
	}
	return out, nil
}

// CancelOutput acknowledges a cancellation.
type CancelOutput struct {
	Body struct {
		Success bool              `json:"success"`
		Status  models.CrawlState `json:"status"`
	}
}

// CancelCrawl tombstones the crawl and fails its queued children.
func (h *Handler) CancelCrawl(ctx context.Context, input *IDInput) (*CancelOutput, error) {
	chunk, err := chunkOnly(ctx)
	if err != nil {
		return nil, err
	}
	if _, _, err := h.ownedCrawl(ctx, chunk, input.ID, "", 1); err != nil {
		return nil, err
	}

	cr, err := h.engine.Cancel(ctx, input.ID)
	if err != nil {
		return nil, apiErr(err)
	}
	out := &CancelOutput{}
	out.Body.Success = true
	out.Body.Status = cr.State
	return out, nil
}

// BatchRequest is the batch-scrape submission body: an explicit URL list
// plus the scrape options applied to every URL.
type BatchRequest struct {
	URLs           []string `json:"urls" minItems:"1" doc:"URLs to scrape"`
	MaxConcurrency int      `json:"maxConcurrency,omitempty"`
	ScrapeRequest
}

// BatchInput is the batch submission request.
type BatchInput struct {
	Body BatchRequest
}

// StartBatch submits a batch scrape over an explicit URL list.
func (h *Handler) StartBatch(ctx context.Context, input *BatchInput, version int) (*StartOutput, error) {
	chunk, err := h.admit(ctx)
	if err != nil {
		return nil, err
	}

	scrapeOpts := h.scrapeOptions(&input.Body.ScrapeRequest, version)
	if err := scraper.ValidateScrapeOptions(&scrapeOpts); err != nil {
		return nil, apiErr(err)
	}
	if err := zdrGate(chunk, scrapeOpts.ZeroDataRetention); err != nil {
		return nil, apiErr(err)
	}

	opts := models.CrawlOptions{
		MaxConcurrency:    input.Body.MaxConcurrency,
		ScrapeOptions:     scrapeOpts,
		ZeroDataRetention: scrapeOpts.ZeroDataRetention,
	}
	cr, err := h.engine.StartBatch(ctx, chunk.TeamID, input.Body.URLs, opts)
	if err != nil {
		return nil, apiErr(err)
	}

	out := &StartOutput{}
	out.Body.Success = true
	out.Body.ID = cr.ID
	out.Body.URL = fmt.Sprintf("%s/v%d/crawl/%s", h.cfg.BaseURL, version, cr.ID)
	return out, nil
}
