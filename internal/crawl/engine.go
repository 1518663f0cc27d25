package crawl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/forageapi/forage/internal/constants"
	"github.com/forageapi/forage/internal/fetch"
	"github.com/forageapi/forage/internal/index"
	"github.com/forageapi/forage/internal/models"
	"github.com/forageapi/forage/internal/queue"
	"github.com/forageapi/forage/internal/repository"
	"github.com/forageapi/forage/internal/transform"
)

const casRetries = 8

// Engine drives crawls: seeds the frontier, admits discovered links,
// paces fan-out, keeps counters, and detects completion. The durable
// state lives in the crawls table; the engine itself only holds pacing
// limiters and compiled scopes.
type Engine struct {
	crawls  *repository.CrawlRepository
	jobs    *repository.JobRepository
	queue   *queue.Queue
	fetcher fetch.Fetcher
	sitemap *fetch.SitemapDiscoverer
	robots  *fetch.RobotsChecker
	logger  *slog.Logger

	mu     sync.Mutex
	pacers map[string]*rate.Limiter
	scopes map[string]*Scope
}

func NewEngine(
	crawls *repository.CrawlRepository,
	jobs *repository.JobRepository,
	q *queue.Queue,
	fetcher fetch.Fetcher,
	sitemap *fetch.SitemapDiscoverer,
	robots *fetch.RobotsChecker,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		crawls:  crawls,
		jobs:    jobs,
		queue:   q,
		fetcher: fetcher,
		sitemap: sitemap,
		robots:  robots,
		logger:  logger,
		pacers:  make(map[string]*rate.Limiter),
		scopes:  make(map[string]*Scope),
	}
}

// NewID mints a sortable identifier for crawls and jobs.
func NewID() string {
	return strings.ToLower(ulid.Make().String())
}

// StartCrawl creates the crawl record and seeds its frontier with the
// seed URL plus sitemap discoveries. Returns the persisted crawl.
func (e *Engine) StartCrawl(ctx context.Context, teamID, seedURL string, opts models.CrawlOptions) (*models.Crawl, error) {
	if err := fetch.ValidateURL(seedURL); err != nil {
		return nil, models.NewInvalidURLError(seedURL)
	}
	scope, err := NewScope(seedURL, &opts)
	if err != nil {
		return nil, err
	}
	if opts.Limit <= 0 {
		opts.Limit = constants.DefaultCrawlLimit
	}

	crawl := &models.Crawl{
		ID:        NewID(),
		TeamID:    teamID,
		Kind:      "crawl",
		SeedURL:   seedURL,
		Options:   opts,
		State:     models.CrawlScraping,
		ZDR:       opts.ZeroDataRetention || opts.ScrapeOptions.ZeroDataRetention,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.crawls.Create(ctx, crawl); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.scopes[crawl.ID] = scope
	e.mu.Unlock()

	e.logger.Info("crawl started",
		"crawl_id", crawl.ID, "team_id", teamID, "seed", seedURL, "scope", scope.Describe())

	// Seed candidates: the seed URL first, then sitemap discoveries.
	// Sitemap finds are not link hops, so they bypass maxDiscoveryDepth;
	// the path-based maxDepth still applies to them in Admit.
	candidates := []frontierLink{{url: seedURL}}
	if !opts.IgnoreSitemap && e.sitemap != nil {
		if urls, ok := e.sitemap.TryDiscover(ctx, seedURL); ok {
			for _, u := range urls {
				candidates = append(candidates, frontierLink{url: u, sitemap: true})
			}
		}
	}

	admitted, err := e.admitAndEnqueue(ctx, crawl.ID, teamID, candidates)
	if err != nil {
		return nil, err
	}
	if admitted == 0 {
		// Everything was blocked or out of scope; there will be no child
		// events to drive completion.
		if err := e.checkCompletion(ctx, crawl.ID); err != nil {
			return nil, err
		}
	}
	return e.crawls.GetByID(ctx, crawl.ID)
}

// StartBatch creates a batch-scrape record over an explicit URL list.
// Batches skip scope admission; every valid URL becomes a child.
func (e *Engine) StartBatch(ctx context.Context, teamID string, urls []string, opts models.CrawlOptions) (*models.Crawl, error) {
	if len(urls) == 0 {
		return nil, models.NewValidationError("urls must not be empty")
	}
	for _, u := range urls {
		if err := fetch.ValidateURL(u); err != nil {
			return nil, models.NewInvalidURLError(u)
		}
	}

	crawl := &models.Crawl{
		ID:        NewID(),
		TeamID:    teamID,
		Kind:      "batch",
		SeedURL:   urls[0],
		Options:   opts,
		State:     models.CrawlScraping,
		ZDR:       opts.ZeroDataRetention || opts.ScrapeOptions.ZeroDataRetention,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.crawls.Create(ctx, crawl); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	jobs := make([]*models.Job, 0, len(urls))
	admitted := 0
	for _, u := range urls {
		norm, err := index.NormalizeURL(u)
		if err != nil {
			continue
		}
		seen, err := e.crawls.MarkSeen(ctx, crawl.ID, norm)
		if err != nil {
			return nil, err
		}
		if !seen {
			continue
		}
		jobs = append(jobs, &models.Job{
			ID:        NewID(),
			TeamID:    teamID,
			URL:       u,
			Mode:      models.ModeBatchChild,
			CrawlID:   crawl.ID,
			Options:   opts.ScrapeOptions,
			Priority:  models.BandCrawl,
			State:     models.JobQueued,
			ZDR:       crawl.ZDR,
			RunAt:     now,
			CreatedAt: now,
		})
		admitted++
	}
	if err := e.queue.EnqueueBatch(ctx, jobs); err != nil {
		return nil, err
	}

	updated, err := e.casUpdate(ctx, crawl.ID, func(c *models.Crawl) {
		c.Discovered += admitted
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// StartExtract creates an asynchronous LLM extraction over an explicit
// URL list. Children carry the json format and run in the background
// band; the extraction surface polls the same record as crawls.
func (e *Engine) StartExtract(ctx context.Context, teamID string, urls []string, opts models.ScrapeOptions) (*models.Crawl, error) {
	if len(urls) == 0 {
		return nil, models.NewValidationError("urls must not be empty")
	}
	for _, u := range urls {
		if err := fetch.ValidateURL(u); err != nil {
			return nil, models.NewInvalidURLError(u)
		}
	}
	if !opts.HasFormat(models.FormatJSON) {
		opts.Formats = append(opts.Formats, models.FormatJSON)
	}

	crawl := &models.Crawl{
		ID:        NewID(),
		TeamID:    teamID,
		Kind:      "extract",
		SeedURL:   urls[0],
		Options:   models.CrawlOptions{ScrapeOptions: opts},
		State:     models.CrawlScraping,
		ZDR:       opts.ZeroDataRetention,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.crawls.Create(ctx, crawl); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	jobs := make([]*models.Job, 0, len(urls))
	admitted := 0
	for _, u := range urls {
		norm, err := index.NormalizeURL(u)
		if err != nil {
			continue
		}
		seen, err := e.crawls.MarkSeen(ctx, crawl.ID, norm)
		if err != nil {
			return nil, err
		}
		if !seen {
			continue
		}
		jobs = append(jobs, &models.Job{
			ID:        NewID(),
			TeamID:    teamID,
			URL:       u,
			Mode:      models.ModeExtract,
			CrawlID:   crawl.ID,
			Options:   opts,
			Priority:  models.BandBackground,
			State:     models.JobQueued,
			ZDR:       crawl.ZDR,
			RunAt:     now,
			CreatedAt: now,
		})
		admitted++
	}
	if err := e.queue.EnqueueBatch(ctx, jobs); err != nil {
		return nil, err
	}

	return e.casUpdate(ctx, crawl.ID, func(c *models.Crawl) {
		c.Discovered += admitted
	})
}

type frontierLink struct {
	url     string
	hops    int  // discovery iterations from the seed
	sitemap bool // found via sitemap, not link extraction
}

// OnChildCompleted records a successful child and admits its outbound
// links. Called by the scrape worker after post-processing.
func (e *Engine) OnChildCompleted(ctx context.Context, job *models.Job, links []string) error {
	cancelled, err := e.queue.IsCancelled(job.CrawlID)
	if err != nil {
		return err
	}
	if cancelled {
		return nil
	}

	candidates := make([]frontierLink, 0, len(links))
	for _, link := range links {
		candidates = append(candidates, frontierLink{url: link, hops: job.Depth + 1})
	}
	if _, err := e.admitAndEnqueue(ctx, job.CrawlID, job.TeamID, candidates); err != nil {
		return err
	}

	if _, err := e.casUpdate(ctx, job.CrawlID, func(c *models.Crawl) {
		c.Completed++
	}); err != nil {
		return err
	}
	return e.checkCompletion(ctx, job.CrawlID)
}

// OnChildFailed records a terminal child failure.
func (e *Engine) OnChildFailed(ctx context.Context, job *models.Job, code, message string) error {
	if _, err := e.casUpdate(ctx, job.CrawlID, func(c *models.Crawl) {
		c.Failed++
		c.Errors = append(c.Errors, models.CrawlErrorEntry{
			URL:     job.URL,
			Code:    code,
			Message: message,
		})
	}); err != nil {
		return err
	}
	return e.checkCompletion(ctx, job.CrawlID)
}

// admitAndEnqueue runs candidates through the scope predicate, robots
// policy, frontier dedup, and the crawl limit, then enqueues the
// survivors as paced child jobs. Returns the number admitted.
func (e *Engine) admitAndEnqueue(ctx context.Context, crawlID, teamID string, candidates []frontierLink) (int, error) {
	if len(candidates) == 0 {
		return 0, nil
	}

	crawl, err := e.crawls.GetByID(ctx, crawlID)
	if err != nil {
		return 0, err
	}
	scope, err := e.scopeFor(crawlID, crawl)
	if err != nil {
		return 0, err
	}

	var robotsBlocked []string
	var jobs []*models.Job
	budget := crawl.Options.Limit - crawl.Discovered
	crawlDelay := time.Duration(0)

	for _, cand := range candidates {
		if budget <= 0 {
			break
		}
		ok, _ := scope.Admit(cand.url, cand.hops, cand.sitemap)
		if !ok {
			continue
		}

		if !crawl.Options.IgnoreRobotsTxt && e.robots != nil {
			allowed, delay, err := e.robots.Allowed(ctx, cand.url)
			if err == nil && !allowed {
				robotsBlocked = append(robotsBlocked, cand.url)
				continue
			}
			if delay > crawlDelay {
				crawlDelay = delay
			}
		}

		norm, err := index.NormalizeURL(cand.url)
		if err != nil {
			continue
		}
		first, err := e.crawls.MarkSeen(ctx, crawlID, norm)
		if err != nil {
			return 0, err
		}
		if !first {
			continue
		}

		now := time.Now().UTC()
		jobs = append(jobs, &models.Job{
			ID:        NewID(),
			TeamID:    teamID,
			URL:       cand.url,
			Mode:      models.ModeCrawlChild,
			CrawlID:   crawlID,
			Options:   crawl.Options.ScrapeOptions,
			Priority:  models.BandCrawl,
			State:     models.JobQueued,
			ZDR:       crawl.ZDR,
			Depth:     cand.hops,
			RunAt:     now,
			CreatedAt: now,
		})
		budget--
	}

	// Pace dispatches: the effective gap is the larger of the caller's
	// delay and the host's robots crawl-delay.
	if pacer := e.pacerFor(crawlID, &crawl.Options, crawlDelay); pacer != nil {
		for _, job := range jobs {
			res := pacer.Reserve()
			job.RunAt = job.RunAt.Add(res.Delay())
		}
	}

	if len(jobs) > 0 {
		if err := e.queue.EnqueueBatch(ctx, jobs); err != nil {
			return 0, err
		}
	}

	if len(jobs) > 0 || len(robotsBlocked) > 0 {
		if _, err := e.casUpdate(ctx, crawlID, func(c *models.Crawl) {
			c.Discovered += len(jobs)
			c.RobotsBlocked = append(c.RobotsBlocked, robotsBlocked...)
		}); err != nil {
			return 0, err
		}
	}
	return len(jobs), nil
}

// checkCompletion transitions the crawl to completed once every
// discovered child reached a terminal state and nothing is in flight.
func (e *Engine) checkCompletion(ctx context.Context, crawlID string) error {
	crawl, err := e.crawls.GetByID(ctx, crawlID)
	if err != nil {
		return err
	}
	if crawl.State != models.CrawlScraping {
		return nil
	}
	if crawl.Completed+crawl.Failed < crawl.Discovered {
		return nil
	}

	queued, err := e.jobs.CountByCrawlAndState(ctx, crawlID, models.JobQueued)
	if err != nil {
		return err
	}
	active, err := e.jobs.CountByCrawlAndState(ctx, crawlID, models.JobActive)
	if err != nil {
		return err
	}
	if queued > 0 || active > 0 {
		return nil
	}

	_, err = e.casUpdate(ctx, crawlID, func(c *models.Crawl) {
		if c.State != models.CrawlScraping {
			return
		}
		now := time.Now().UTC()
		c.State = models.CrawlCompleted
		c.CompletedAt = &now
	})
	if err != nil {
		return err
	}

	e.forget(crawlID)
	e.logger.Info("crawl completed",
		"crawl_id", crawlID,
		"completed", crawl.Completed, "failed", crawl.Failed)
	return nil
}

// Cancel tombstones the crawl, fails queued children, and marks the
// record cancelled. In-flight children finish their fetch but their
// results are discarded at the tombstone check.
func (e *Engine) Cancel(ctx context.Context, crawlID string) (*models.Crawl, error) {
	crawl, err := e.crawls.GetByID(ctx, crawlID)
	if err != nil {
		return nil, err
	}
	if crawl.State != models.CrawlScraping {
		return crawl, nil
	}

	if err := e.queue.Cancel(ctx, crawlID); err != nil {
		return nil, err
	}
	updated, err := e.casUpdate(ctx, crawlID, func(c *models.Crawl) {
		if c.State != models.CrawlScraping {
			return
		}
		now := time.Now().UTC()
		c.State = models.CrawlCancelled
		c.CompletedAt = &now
	})
	if err != nil {
		return nil, err
	}

	e.forget(crawlID)
	e.logger.Info("crawl cancelled", "crawl_id", crawlID)
	return updated, nil
}

// Status returns the crawl record with completed documents, paginated
// by last-seen job ID.
func (e *Engine) Status(ctx context.Context, crawlID, afterID string, limit int) (*models.Crawl, []*models.Job, error) {
	crawl, err := e.crawls.GetByID(ctx, crawlID)
	if err != nil {
		return nil, nil, err
	}
	if crawl == nil {
		return nil, nil, models.NewNotFoundError("crawl not found")
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	jobs, err := e.jobs.GetByCrawlID(ctx, crawlID, afterID, limit)
	if err != nil {
		return nil, nil, err
	}
	return crawl, jobs, nil
}

// Ongoing lists a team's crawls still in the scraping state.
func (e *Engine) Ongoing(ctx context.Context, teamID string) ([]*models.Crawl, error) {
	return e.crawls.GetOngoingByTeam(ctx, teamID)
}

// Map discovers a site's URLs without scraping them: sitemap first,
// optionally enriched with seed-page links, filtered by an optional
// search substring.
func (e *Engine) Map(ctx context.Context, seedURL, search string, limit int, includeLinks, skipSitemap bool) ([]string, error) {
	if err := fetch.ValidateURL(seedURL); err != nil {
		return nil, models.NewInvalidURLError(seedURL)
	}
	if limit <= 0 || limit > constants.MaxSitemapURLs {
		limit = constants.MaxSitemapURLs
	}

	seen := make(map[string]bool)
	var urls []string
	add := func(raw string) {
		norm, err := index.NormalizeURL(raw)
		if err != nil || seen[norm] {
			return
		}
		seen[norm] = true
		urls = append(urls, raw)
	}

	add(seedURL)
	if !skipSitemap && e.sitemap != nil {
		if discovered, ok := e.sitemap.TryDiscover(ctx, seedURL); ok {
			for _, u := range discovered {
				add(u)
			}
		}
	}

	if includeLinks {
		res, err := e.fetcher.Fetch(ctx, &fetch.Request{URL: seedURL})
		if err == nil && res.StatusCode >= 200 && res.StatusCode < 300 {
			links, err := transform.Links(string(res.Body), res.FinalURL)
			if err == nil {
				for _, l := range links {
					add(l)
				}
			}
		}
	}

	if search != "" {
		needle := strings.ToLower(search)
		filtered := urls[:0]
		for _, u := range urls {
			if strings.Contains(strings.ToLower(u), needle) {
				filtered = append(filtered, u)
			}
		}
		urls = filtered
		sort.SliceStable(urls, func(i, j int) bool {
			// Shorter URLs are usually the more canonical match.
			return len(urls[i]) < len(urls[j])
		})
	}

	if len(urls) > limit {
		urls = urls[:limit]
	}
	return urls, nil
}

// scopeFor returns the compiled scope, rebuilding it after a restart.
func (e *Engine) scopeFor(crawlID string, crawl *models.Crawl) (*Scope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.scopes[crawlID]; ok {
		return s, nil
	}
	s, err := NewScope(crawl.SeedURL, &crawl.Options)
	if err != nil {
		return nil, err
	}
	e.scopes[crawlID] = s
	return s, nil
}

// pacerFor returns the crawl's dispatch limiter, or nil when no delay
// applies. The limiter emits one token per effective delay interval.
func (e *Engine) pacerFor(crawlID string, opts *models.CrawlOptions, robotsDelay time.Duration) *rate.Limiter {
	delay := time.Duration(opts.Delay) * time.Second
	if robotsDelay > delay {
		delay = robotsDelay
	}
	if delay <= 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.pacers[crawlID]; ok {
		return p
	}
	p := rate.NewLimiter(rate.Every(delay), 1)
	e.pacers[crawlID] = p
	return p
}

func (e *Engine) forget(crawlID string) {
	e.mu.Lock()
	delete(e.pacers, crawlID)
	delete(e.scopes, crawlID)
	e.mu.Unlock()
}

// casUpdate retries the read-modify-write loop on version conflicts.
func (e *Engine) casUpdate(ctx context.Context, crawlID string, mutate func(*models.Crawl)) (*models.Crawl, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		crawl, err := e.crawls.GetByID(ctx, crawlID)
		if err != nil {
			return nil, err
		}
		if crawl == nil {
			return nil, models.NewNotFoundError("crawl not found")
		}
		mutate(crawl)
		err = e.crawls.UpdateCAS(ctx, crawl)
		if errors.Is(err, repository.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return crawl, nil
	}
	return nil, fmt.Errorf("crawl %s: version conflict persisted after %d attempts", crawlID, casRetries)
}
