// Package constants holds operational limits, credit costs, and the built-in
// rate-limit table used when a team's plan carries no explicit limits.
package constants

import "time"

// Operation names used for rate limiting and billing.
const (
	OpScrape      = "scrape"
	OpCrawl       = "crawl"
	OpBatchScrape = "batch-scrape"
	OpMap         = "map"
	OpSearch      = "search"
	OpExtract     = "extract"
	OpCrawlStatus = "crawl-status"
)

// Credit costs per §billing. Crawl/batch bill per successfully completed
// child at the scrape rate.
const (
	CreditsPerScrape    = 1
	CreditsPerMap       = 1
	CreditsPerSearchDoc = 1
	// LLM-backed formats (json, extract, summary) multiply the base scrape cost.
	LLMFormatMultiplier = 5
)

// DefaultRateLimits is the fallback requests-per-minute table keyed by
// operation, used when the team's AUC carries no per-op limit.
var DefaultRateLimits = map[string]int{
	OpScrape:      100,
	OpCrawl:       15,
	OpBatchScrape: 50,
	OpMap:         100,
	OpSearch:      100,
	OpExtract:     100,
	OpCrawlStatus: 1500,
}

// Preview (keyless) credentials get fixed low limits regardless of plan.
var PreviewRateLimits = map[string]int{
	OpScrape:      5,
	OpCrawl:       2,
	OpBatchScrape: 5,
	OpMap:         5,
	OpSearch:      5,
	OpExtract:     5,
	OpCrawlStatus: 300,
}

const (
	// RateLimitWindow is the sliding admission window.
	RateLimitWindow = 60 * time.Second

	// PreviewConcurrency caps in-flight jobs for preview credentials.
	PreviewConcurrency = 2
	// DefaultTeamConcurrency applies when the plan carries no cap.
	DefaultTeamConcurrency = 10
	// BypassTeamID is the synthetic tenant used when auth is disabled.
	// Its usage is never billed.
	BypassTeamID = "bypass"
)

// Auth chunk cache behavior.
const (
	AuthChunkTTL         = 10 * time.Minute
	AuthChunkNegativeTTL = 30 * time.Second
	AccountsRPCRetries   = 5
	AccountsRPCBackoff   = 200 * time.Millisecond
)

// Scrape timeouts and cache freshness.
const (
	DefaultScrapeTimeout = 30 * time.Second
	MaxScrapeTimeout     = 300 * time.Second
	// MinPDFTimeout is the floor below which PDF processing is rejected
	// with InsufficientPDFTime rather than attempted.
	MinPDFTimeout   = 20 * time.Second
	DefaultMaxAge   = 4 * time.Hour
	IndexEntryTTL   = 0 // entries kept until cleanup; maxAge gates freshness
	SitemapTimeout  = 15 * time.Second
	RobotsTimeout   = 10 * time.Second
	MaxSitemapURLs  = 30000
	SitemapMaxDepth = 3
)

// Queue behavior.
const (
	VisibilityLease   = 2 * time.Minute
	MaxJobAttempts    = 3
	ReaperInterval    = 30 * time.Second
	WorkerPollDefault = 500 * time.Millisecond
)

// Billing batcher behavior.
const (
	BillingFlushInterval = 15 * time.Second
	BillingBatchSize     = 100
	BillingLockTTL       = 30 * time.Second
)

// ZDR cleanup behavior.
const (
	ZDRCleanInterval = 5 * time.Minute
	// ZDRLookback bounds the dr_clean_by scan for index efficiency.
	ZDRLookback = 7 * 24 * time.Hour
	// ZDRBlobGrace is how long after completion blobs may linger before
	// the cleaner is obligated to remove them.
	ZDRBlobGrace = time.Minute
)

// Crawl limits.
const (
	DefaultCrawlLimit = 10000
	MaxCrawlDepth     = 10
	DefaultUserAgent  = "ForageBot/1.0 (+https://forage.dev/bot)"
)

// HTTP server behavior.
const (
	DefaultRequestTimeout = 60 * time.Second
	GlobalIPRatePerMinute = 500
	MaxRequestBody        = 1 << 20 // 1MB
)
