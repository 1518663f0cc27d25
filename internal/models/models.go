// Package models defines the domain models for the scraping service.
// Teams and credentials are owned by the Accounts store; the core never
// creates or destroys them, it only snapshots them into auth chunks.
package models

import (
	"encoding/json"
	"time"
)

// Team is the tenant identity as known to the Accounts store.
type Team struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Plan             string         `json:"plan"`
	SubscriptionID   string         `json:"subscription_id,omitempty"`
	StripeCustomerID string         `json:"stripe_customer_id,omitempty"`
	CreditsRemaining int64          `json:"credits_remaining"`
	TokensRemaining  int64          `json:"tokens_remaining"`
	RateLimits       map[string]int `json:"rate_limits,omitempty"` // per-op requests/minute
	ConcurrencyMax   int            `json:"concurrency_max"`
	AllowZDR         bool           `json:"allow_zdr"`
	ForceZDR         bool           `json:"force_zdr"`
	CreatedAt        time.Time      `json:"created_at"`
}

// AuthChunk is a cached snapshot of team identity, plan limits, and credit
// state, resolved from a credential. Cached at most constants.AuthChunkTTL.
type AuthChunk struct {
	TeamID           string
	Plan             string
	SubscriptionID   string
	RateLimits       map[string]int
	ConcurrencyMax   int
	CreditsRemaining int64
	TokensRemaining  int64
	AllowZDR         bool
	ForceZDR         bool
	IsExtract        bool
	Preview          bool   // synthetic preview-credential chunk
	PreviewIP        string // rate-limit partition for preview chunks
	Bypass           bool   // auth disabled by deployment flag; no limits, no billing
	FetchedAt        time.Time
}

// ProxyMode selects the egress strategy for a fetch.
type ProxyMode string

const (
	ProxyBasic   ProxyMode = "basic"
	ProxyStealth ProxyMode = "stealth"
	ProxyAuto    ProxyMode = "auto"
)

// Location pins the fetch to a geography.
type Location struct {
	Country string `json:"country,omitempty"`
}

// JSONOptions guides LLM-driven structured extraction.
type JSONOptions struct {
	Schema json.RawMessage `json:"schema,omitempty"`
	Prompt string          `json:"prompt,omitempty"`
}

// ChangeTrackingOptions configures comparison against the previously
// indexed version of the page.
type ChangeTrackingOptions struct {
	Tag    string          `json:"tag,omitempty"`
	Modes  []string        `json:"modes,omitempty"` // "git-diff", "json"
	Prompt string          `json:"prompt,omitempty"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

// ScrapeOptions is the full per-request option set. Serialized into the job
// record; the cache fingerprint covers only the output-affecting subset.
type ScrapeOptions struct {
	Formats             []string               `json:"formats,omitempty"`
	Headers             map[string]string      `json:"headers,omitempty"`
	WaitFor             int                    `json:"waitFor,omitempty"` // ms
	Timeout             int                    `json:"timeout,omitempty"` // ms
	MaxAge              *int64                 `json:"maxAge,omitempty"`  // ms; nil = default
	StoreInCache        *bool                  `json:"storeInCache,omitempty"`
	Mobile              bool                   `json:"mobile,omitempty"`
	Location            *Location              `json:"location,omitempty"`
	BlockAds            bool                   `json:"blockAds,omitempty"`
	Proxy               ProxyMode              `json:"proxy,omitempty"`
	Actions             []json.RawMessage      `json:"actions,omitempty"`
	JSONOptions         *JSONOptions           `json:"jsonOptions,omitempty"`
	LegacyExtract       bool                   `json:"legacyExtract,omitempty"` // v1 "extract" alias of json
	ChangeTracking      *ChangeTrackingOptions `json:"changeTrackingOptions,omitempty"`
	SkipTLSVerification bool                   `json:"skipTlsVerification,omitempty"`
	ZeroDataRetention   bool                   `json:"zeroDataRetention,omitempty"`
	UseMock             bool                   `json:"useMock,omitempty"`
	MaxConcurrency      int                    `json:"maxConcurrency,omitempty"` // crawl/batch cap narrowing
}

// EffectiveTimeout returns the caller timeout with defaults and cap applied.
func (o *ScrapeOptions) EffectiveTimeout(def, max time.Duration) time.Duration {
	if o.Timeout <= 0 {
		return def
	}
	d := time.Duration(o.Timeout) * time.Millisecond
	if d > max {
		return max
	}
	return d
}

// HasFormat reports whether the request asked for the given format.
func (o *ScrapeOptions) HasFormat(f string) bool {
	for _, v := range o.Formats {
		if v == f {
			return true
		}
	}
	return false
}

// WantsLLM reports whether any format requires the LLM adapter.
func (o *ScrapeOptions) WantsLLM() bool {
	return o.HasFormat(FormatJSON) || o.HasFormat(FormatExtract) || o.HasFormat(FormatSummary)
}

// Format names accepted in ScrapeOptions.Formats.
const (
	FormatMarkdown           = "markdown"
	FormatRawHTML            = "rawHtml"
	FormatLinks              = "links"
	FormatScreenshot         = "screenshot"
	FormatScreenshotFullPage = "screenshot@fullPage"
	FormatJSON               = "json"
	FormatExtract            = "extract"
	FormatSummary            = "summary"
	FormatChangeTracking     = "changeTracking"
)

// ValidFormats is the accepted format set, for request validation.
var ValidFormats = map[string]bool{
	FormatMarkdown:           true,
	FormatRawHTML:            true,
	FormatLinks:              true,
	FormatScreenshot:         true,
	FormatScreenshotFullPage: true,
	FormatJSON:               true,
	FormatExtract:            true,
	FormatSummary:            true,
	FormatChangeTracking:     true,
}

// CacheState reports whether a document came from the result index.
type CacheState string

const (
	CacheHit   CacheState = "hit"
	CacheMiss  CacheState = "miss"
	CacheUndef CacheState = "undef"
)

// DocumentMetadata carries per-scrape provenance. SourceURL is preserved
// bit-exact from the request.
type DocumentMetadata struct {
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	SourceURL   string     `json:"sourceURL"`
	StatusCode  int        `json:"statusCode"`
	ProxyUsed   ProxyMode  `json:"proxyUsed,omitempty"`
	CacheState  CacheState `json:"cacheState"`
	CachedAt    *time.Time `json:"cachedAt,omitempty"`
	ScrapeID    string     `json:"scrapeId"`
	Error       string     `json:"error,omitempty"`
	NumPages    int        `json:"numPages,omitempty"` // PDF page count
	ContentType string     `json:"contentType,omitempty"`
}

// ChangeTrackingResult is the changeTracking format output.
type ChangeTrackingResult struct {
	PreviousScrapeAt *time.Time      `json:"previousScrapeAt"`
	ChangeStatus     string          `json:"changeStatus"` // new, same, changed, removed
	Visibility       string          `json:"visibility"`   // visible, hidden
	Diff             string          `json:"diff,omitempty"`
	JSON             json.RawMessage `json:"json,omitempty"`
}

// Document is a scrape result.
type Document struct {
	Markdown       string                `json:"markdown,omitempty"`
	RawHTML        string                `json:"rawHtml,omitempty"`
	Links          []string              `json:"links,omitempty"`
	Screenshot     string                `json:"screenshot,omitempty"` // base64 PNG
	JSON           json.RawMessage       `json:"json,omitempty"`
	Extract        json.RawMessage       `json:"extract,omitempty"` // v1 alias field
	Summary        string                `json:"summary,omitempty"`
	ChangeTracking *ChangeTrackingResult `json:"changeTracking,omitempty"`
	Metadata       DocumentMetadata      `json:"metadata"`
}

// JobMode distinguishes how a scrape job entered the system.
type JobMode string

const (
	ModeSingle     JobMode = "single"
	ModeCrawlChild JobMode = "crawlChild"
	ModeBatchChild JobMode = "batchChild"
	ModeExtract    JobMode = "extract"
)

// JobState is the scrape job lifecycle.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// PriorityBand partitions the queue; reservation is weighted 4:2:1.
type PriorityBand int

const (
	BandRealtime   PriorityBand = 0
	BandCrawl      PriorityBand = 1
	BandBackground PriorityBand = 2
)

// Job is a queued scrape unit. The crawl owning a child job is referenced by
// id only; navigation goes through the store.
type Job struct {
	ID          string        `json:"id"`
	TeamID      string        `json:"team_id"`
	URL         string        `json:"url"` // bit-exact as submitted
	Mode        JobMode       `json:"mode"`
	CrawlID     string        `json:"crawl_id,omitempty"`
	Options     ScrapeOptions `json:"options"`
	Priority    PriorityBand  `json:"priority"`
	Attempts    int           `json:"attempts"`
	State       JobState      `json:"state"`
	ZDR         bool          `json:"zdr"`
	Depth       int           `json:"depth"` // crawl child link depth
	RunAt       time.Time     `json:"run_at"`
	LeaseUntil  *time.Time    `json:"lease_until,omitempty"`
	ResultJSON  string        `json:"result_json,omitempty"`
	ErrorCode   string        `json:"error_code,omitempty"`
	ErrorMsg    string        `json:"error_message,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// CrawlState is the crawl lifecycle.
type CrawlState string

const (
	CrawlScraping  CrawlState = "scraping"
	CrawlCompleted CrawlState = "completed"
	CrawlCancelled CrawlState = "cancelled"
	CrawlFailed    CrawlState = "failed"
)

// CrawlErrorEntry records a non-fatal child failure.
type CrawlErrorEntry struct {
	URL     string `json:"url"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CrawlOptions configures frontier admission and fan-out.
type CrawlOptions struct {
	Limit             int            `json:"limit,omitempty"`
	MaxDepth          *int           `json:"maxDepth,omitempty"`
	MaxDiscoveryDepth *int           `json:"maxDiscoveryDepth,omitempty"`
	IncludePaths      []string       `json:"includePaths,omitempty"`
	ExcludePaths      []string       `json:"excludePaths,omitempty"`
	RegexOnFullURL    bool           `json:"regexOnFullURL,omitempty"`
	IgnoreSitemap     bool           `json:"ignoreSitemap,omitempty"`
	IgnoreRobotsTxt   bool           `json:"ignoreRobotsTxt,omitempty"`
	AllowBackwardLinks bool          `json:"allowBackwardLinks,omitempty"` // legacy alias
	CrawlEntireDomain *bool          `json:"crawlEntireDomain,omitempty"`  // supersedes AllowBackwardLinks
	AllowSubdomains   bool           `json:"allowSubdomains,omitempty"`
	Delay             int            `json:"delay,omitempty"` // seconds between child dispatches
	MaxConcurrency    int            `json:"maxConcurrency,omitempty"`
	ScrapeOptions     ScrapeOptions  `json:"scrapeOptions,omitempty"`
	ZeroDataRetention bool           `json:"zeroDataRetention,omitempty"`
}

// EntireDomain resolves the preferred flag over its legacy alias.
func (o *CrawlOptions) EntireDomain() bool {
	if o.CrawlEntireDomain != nil {
		return *o.CrawlEntireDomain
	}
	return o.AllowBackwardLinks
}

// Crawl is the per-crawl orchestration record. Mutations go through a
// compare-and-set on Version.
type Crawl struct {
	ID            string            `json:"id"`
	TeamID        string            `json:"team_id"`
	Kind          string            `json:"kind"` // "crawl" or "batch"
	SeedURL       string            `json:"seed_url"`
	Options       CrawlOptions      `json:"options"`
	State         CrawlState        `json:"state"`
	Discovered    int               `json:"discovered"`
	Completed     int               `json:"completed"`
	Failed        int               `json:"failed"`
	Errors        []CrawlErrorEntry `json:"errors,omitempty"`
	RobotsBlocked []string          `json:"robots_blocked,omitempty"`
	ZDR           bool              `json:"zdr"`
	Version       int64             `json:"version"`
	CreatedAt     time.Time         `json:"created_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// BillingOp is one buffered billing operation; flushed in aggregated
// (team, subscription, isExtract) groups.
type BillingOp struct {
	TeamID         string    `json:"team_id"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	Credits        int64     `json:"credits"`
	Tokens         int64     `json:"tokens,omitempty"`
	IsExtract      bool      `json:"is_extract"`
	Preview        bool      `json:"preview,omitempty"`
	Retried        bool      `json:"retried,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// JobLogEntry is the durable per-job audit row. Under ZDR the payload
// columns (URL, Docs, PageOptions, CrawlerOptions) are persisted as NULL.
type JobLogEntry struct {
	JobID          string     `json:"job_id"`
	TeamID         string     `json:"team_id"`
	CrawlID        string     `json:"crawl_id,omitempty"`
	URL            string     `json:"url,omitempty"`
	Docs           string     `json:"docs,omitempty"` // JSON array of documents
	PageOptions    string     `json:"page_options,omitempty"`
	CrawlerOptions string     `json:"crawler_options,omitempty"`
	Success        bool       `json:"success"`
	Message        string     `json:"message,omitempty"`
	NumDocs        int        `json:"num_docs"`
	TimeTakenMs    int64      `json:"time_taken_ms"`
	TokensBilled   int64      `json:"tokens_billed"`
	ZDR            bool       `json:"zdr"`
	RequestZDR     bool       `json:"request_zdr"` // request-scoped ZDR: status reads 404
	DRCleanBy      *time.Time `json:"dr_clean_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
