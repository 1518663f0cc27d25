// Package scraper runs scrape jobs: fetch, post-process into the
// requested formats, index, bill, and log. The worker pool pulls jobs
// from the queue; the HTTP layer runs the same pipeline inline for
// synchronous scrapes.
package scraper

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/forageapi/forage/internal/constants"
	"github.com/forageapi/forage/internal/fetch"
	"github.com/forageapi/forage/internal/index"
	"github.com/forageapi/forage/internal/llm"
	"github.com/forageapi/forage/internal/models"
	"github.com/forageapi/forage/internal/storage"
	"github.com/forageapi/forage/internal/transform"
)

// placeholderPNG is a 1x1 transparent PNG served for screenshot formats
// on the mock path.
const placeholderPNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="

// Outcome is one finished scrape: the document plus the accounting the
// caller needs to settle it.
type Outcome struct {
	Doc      *models.Document
	Links    []string // outbound links, extracted regardless of formats for crawl fan-out
	Credits  int64
	Tokens   int64
	CacheHit bool
}

// Pipeline turns a job into a document. It holds no per-job state and is
// safe for concurrent use.
type Pipeline struct {
	fetcher fetch.Fetcher
	mock    fetch.Fetcher
	index   *index.Service
	llm     llm.Client
	blobs   *storage.BlobStore
	logger  *slog.Logger
}

func NewPipeline(
	fetcher fetch.Fetcher,
	mock fetch.Fetcher,
	idx *index.Service,
	llmClient llm.Client,
	blobs *storage.BlobStore,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		fetcher: fetcher,
		mock:    mock,
		index:   idx,
		llm:     llmClient,
		blobs:   blobs,
		logger:  logger.With("component", "pipeline"),
	}
}

// Run executes one scrape. Cache hits short-circuit the fetch; misses go
// through the fetcher and the format post-processors in declared order,
// then land in the index. Credits are computed here but settled by the
// caller, so sync and queued paths bill identically.
func (p *Pipeline) Run(ctx context.Context, job *models.Job) (*Outcome, error) {
	opts := &job.Options
	formats := opts.Formats
	if len(formats) == 0 {
		formats = []string{models.FormatMarkdown}
	}

	if cached, hit, err := p.index.Lookup(ctx, job.URL, opts); err == nil && hit {
		cached.Metadata.ScrapeID = job.ID
		p.logger.Debug("cache hit", "job_id", job.ID, "url", job.URL)
		return &Outcome{
			Doc:      cached,
			Links:    cached.Links,
			Credits:  creditsFor(opts),
			CacheHit: true,
		}, nil
	}

	timeout := opts.EffectiveTimeout(constants.DefaultScrapeTimeout, constants.MaxScrapeTimeout)
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fetcher := p.fetcher
	if opts.UseMock {
		fetcher = p.mock
	}

	res, err := fetcher.Fetch(fetchCtx, &fetch.Request{
		URL:      job.URL,
		Timeout:  timeout,
		Headers:  opts.Headers,
		Mobile:   opts.Mobile,
		SkipTLS:  opts.SkipTLSVerification,
		Proxy:    opts.Proxy,
		WaitFor:  time.Duration(opts.WaitFor) * time.Millisecond,
		BlockAds: opts.BlockAds,
	})
	if err != nil {
		var fe *fetch.Error
		if errors.As(err, &fe) {
			return nil, fe
		}
		return nil, fetch.Classify(err, job.URL)
	}

	doc := &models.Document{
		Metadata: models.DocumentMetadata{
			SourceURL:   job.URL,
			StatusCode:  res.StatusCode,
			ProxyUsed:   res.ProxyUsed,
			CacheState:  models.CacheMiss,
			ScrapeID:    job.ID,
			NumPages:    res.NumPages,
			ContentType: res.ContentType,
		},
	}

	html := string(res.Body)
	var links []string
	if !res.IsPDF {
		if meta, err := transform.ExtractMeta(html); err == nil {
			doc.Metadata.Title = meta.Title
			doc.Metadata.Description = meta.Description
		}
		if extracted, err := transform.Links(html, res.FinalURL); err == nil {
			links = extracted
		}
	}

	markdown, err := p.markdownFor(res, html)
	if err != nil {
		return nil, err
	}

	var tokens int64
	for _, format := range formats {
		switch format {
		case models.FormatMarkdown:
			doc.Markdown = markdown

		case models.FormatRawHTML:
			doc.RawHTML = html

		case models.FormatLinks:
			doc.Links = links

		case models.FormatScreenshot, models.FormatScreenshotFullPage:
			shot, err := p.screenshot(ctx, job, opts)
			if err != nil {
				return nil, err
			}
			doc.Screenshot = shot

		case models.FormatJSON, models.FormatExtract:
			raw, usage, err := p.extractJSON(ctx, markdown, opts)
			if err != nil {
				return nil, err
			}
			tokens += usage.Total()
			doc.JSON = raw
			if format == models.FormatExtract || opts.LegacyExtract {
				doc.Extract = raw
			}

		case models.FormatSummary:
			summary, usage, err := p.llm.Summarize(ctx, markdown)
			if err != nil {
				return nil, llmError(err)
			}
			tokens += usage.Total()
			doc.Summary = summary

		case models.FormatChangeTracking:
			ct, usage, err := p.trackChanges(ctx, job.URL, markdown, opts)
			if err != nil {
				return nil, err
			}
			tokens += usage.Total()
			doc.ChangeTracking = ct
		}
	}

	if err := p.index.Store(ctx, job.URL, opts, doc, res.StatusCode); err != nil {
		p.logger.Warn("index store failed", "job_id", job.ID, "error", err)
	}

	return &Outcome{
		Doc:     doc,
		Links:   links,
		Credits: creditsFor(opts),
		Tokens:  tokens,
	}, nil
}

// markdownFor converts the body once; PDF bodies arrive already as
// extracted text.
func (p *Pipeline) markdownFor(res *fetch.Result, html string) (string, error) {
	if res.IsPDF {
		return html, nil
	}
	md, err := transform.Markdown(html)
	if err != nil {
		return "", models.NewInternalError()
	}
	return md, nil
}

// screenshot serves the mock placeholder; real rendering needs the
// browser fetch engine, which is an external adapter.
func (p *Pipeline) screenshot(ctx context.Context, job *models.Job, opts *models.ScrapeOptions) (string, error) {
	if !opts.UseMock {
		return "", &models.RequestError{
			Code:    models.CodeUnsupportedFile,
			Status:  400,
			Message: "screenshot formats require the browser fetch engine",
		}
	}
	if p.blobs != nil && !job.ZDR {
		data, _ := base64.StdEncoding.DecodeString(placeholderPNG)
		if err := p.blobs.Put(ctx, job.ID, "screenshot.png", "image/png", data); err != nil {
			p.logger.Warn("screenshot blob write failed", "job_id", job.ID, "error", err)
		}
	}
	return placeholderPNG, nil
}

func (p *Pipeline) extractJSON(ctx context.Context, content string, opts *models.ScrapeOptions) (json.RawMessage, llm.Usage, error) {
	var schema json.RawMessage
	var prompt string
	if opts.JSONOptions != nil {
		schema = opts.JSONOptions.Schema
		prompt = opts.JSONOptions.Prompt
	}
	raw, usage, err := p.llm.ExtractJSON(ctx, content, schema, prompt)
	if err != nil {
		return nil, usage, llmError(err)
	}
	return raw, usage, nil
}

// trackChanges compares the current markdown with the latest indexed
// version of the URL. ZDR requests never read the index, so they always
// report the page as new.
func (p *Pipeline) trackChanges(ctx context.Context, rawURL, markdown string, opts *models.ScrapeOptions) (*models.ChangeTrackingResult, llm.Usage, error) {
	var usage llm.Usage
	var prev *models.Document
	var prevAt *time.Time
	if !opts.ZeroDataRetention {
		tag := ""
		if opts.ChangeTracking != nil {
			tag = opts.ChangeTracking.Tag
		}
		var err error
		prev, prevAt, err = p.index.Previous(ctx, rawURL, tag)
		if err != nil {
			return nil, usage, models.NewInternalError()
		}
	}

	ct, err := transform.TrackChanges(prev, prevAt, markdown, opts.ChangeTracking)
	if err != nil {
		return nil, usage, models.NewInternalError()
	}

	if ct.ChangeStatus == transform.ChangeStatusChanged && hasChangeMode(opts, "json") {
		var schema json.RawMessage
		var prompt string
		if opts.ChangeTracking != nil {
			schema = opts.ChangeTracking.Schema
			prompt = opts.ChangeTracking.Prompt
		}
		raw, u, err := p.llm.DiffJSON(ctx, prev.Markdown, markdown, schema, prompt)
		if err != nil {
			return nil, usage, llmError(err)
		}
		usage = u
		ct.JSON = raw
	}
	return ct, usage, nil
}

func hasChangeMode(opts *models.ScrapeOptions, mode string) bool {
	if opts.ChangeTracking == nil {
		return false
	}
	for _, m := range opts.ChangeTracking.Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// creditsFor prices one scrape: the base rate, multiplied when any
// LLM-backed format is requested.
func creditsFor(opts *models.ScrapeOptions) int64 {
	credits := int64(constants.CreditsPerScrape)
	if opts.WantsLLM() {
		credits *= constants.LLMFormatMultiplier
	}
	return credits
}

// llmError normalizes provider failures into coded request errors.
func llmError(err error) error {
	return models.AsRequestError(err)
}

// ValidateScrapeOptions enforces the submit-time option invariants shared
// by every entry point.
func ValidateScrapeOptions(opts *models.ScrapeOptions) error {
	for _, f := range opts.Formats {
		if !models.ValidFormats[f] {
			return models.NewValidationError("unknown format %q", f)
		}
	}
	if opts.WaitFor > 0 {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = int(constants.DefaultScrapeTimeout / time.Millisecond)
		}
		if opts.WaitFor > timeout/2 {
			return models.NewValidationError("waitFor must not exceed half of timeout")
		}
	}
	if opts.JSONOptions != nil && len(opts.JSONOptions.Schema) > 0 && !json.Valid(opts.JSONOptions.Schema) {
		return models.NewValidationError("jsonOptions.schema is not valid JSON")
	}
	return nil
}
