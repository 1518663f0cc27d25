package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

// Register wires the versioned API surface onto a huma API. The v1 and
// v2 surfaces share handlers; per-version behavior (skipTlsVerification
// default, the extract alias) lives in the option mapping.
func Register(api huma.API, h *Handler, version int) {
	prefix := fmt.Sprintf("/v%d", version)
	opID := func(name string) string { return fmt.Sprintf("%s-v%d", name, version) }

	huma.Register(api, huma.Operation{
		OperationID: opID("scrape"),
		Method:      http.MethodPost,
		Path:        prefix + "/scrape",
		Summary:     "Scrape a URL",
	}, func(ctx context.Context, input *ScrapeInput) (*ScrapeOutput, error) {
		return h.Scrape(ctx, input, version)
	})

	huma.Register(api, huma.Operation{
		OperationID: opID("get-scrape"),
		Method:      http.MethodGet,
		Path:        prefix + "/scrape/{id}",
		Summary:     "Re-read a prior scrape result",
	}, h.GetScrape)

	huma.Register(api, huma.Operation{
		OperationID: opID("crawl"),
		Method:      http.MethodPost,
		Path:        prefix + "/crawl",
		Summary:     "Start a crawl",
	}, func(ctx context.Context, input *CrawlInput) (*StartOutput, error) {
		return h.StartCrawl(ctx, input, version)
	})

	// Registered before /crawl/{id} so chi does not swallow "ongoing" as
	// an id.
	huma.Register(api, huma.Operation{
		OperationID: opID("crawl-ongoing"),
		Method:      http.MethodGet,
		Path:        prefix + "/crawl/ongoing",
		Summary:     "List active crawls",
	}, h.CrawlOngoing)

	huma.Register(api, huma.Operation{
		OperationID: opID("crawl-status"),
		Method:      http.MethodGet,
		Path:        prefix + "/crawl/{id}",
		Summary:     "Crawl status and results",
	}, func(ctx context.Context, input *CrawlStatusInput) (*CrawlStatusOutput, error) {
		return h.CrawlStatus(ctx, input, version)
	})

	huma.Register(api, huma.Operation{
		OperationID: opID("crawl-errors"),
		Method:      http.MethodGet,
		Path:        prefix + "/crawl/{id}/errors",
		Summary:     "Crawl child failures",
	}, h.CrawlErrors)

	huma.Register(api, huma.Operation{
		OperationID: opID("crawl-cancel"),
		Method:      http.MethodDelete,
		Path:        prefix + "/crawl/{id}",
		Summary:     "Cancel a crawl",
	}, h.CancelCrawl)

	huma.Register(api, huma.Operation{
		OperationID: opID("batch-scrape"),
		Method:      http.MethodPost,
		Path:        prefix + "/batch/scrape",
		Summary:     "Scrape a list of URLs",
	}, func(ctx context.Context, input *BatchInput) (*StartOutput, error) {
		return h.StartBatch(ctx, input, version)
	})

	huma.Register(api, huma.Operation{
		OperationID: opID("map"),
		Method:      http.MethodPost,
		Path:        prefix + "/map",
		Summary:     "Map a site's URLs",
	}, h.Map)

	huma.Register(api, huma.Operation{
		OperationID: opID("search"),
		Method:      http.MethodPost,
		Path:        prefix + "/search",
		Summary:     "Web search, optionally scraping each hit",
	}, func(ctx context.Context, input *SearchInput) (*SearchOutput, error) {
		return h.Search(ctx, input, version)
	})

	huma.Register(api, huma.Operation{
		OperationID: opID("extract"),
		Method:      http.MethodPost,
		Path:        prefix + "/extract",
		Summary:     "Start an LLM extraction",
	}, h.StartExtract)

	huma.Register(api, huma.Operation{
		OperationID: opID("extract-status"),
		Method:      http.MethodGet,
		Path:        prefix + "/extract/{id}",
		Summary:     "Extraction status and results",
	}, h.ExtractStatus)

	huma.Register(api, huma.Operation{
		OperationID: opID("team-credit-usage"),
		Method:      http.MethodGet,
		Path:        prefix + "/team/credit-usage",
		Summary:     "Remaining credits",
	}, h.CreditUsage)

	huma.Register(api, huma.Operation{
		OperationID: opID("team-token-usage"),
		Method:      http.MethodGet,
		Path:        prefix + "/team/token-usage",
		Summary:     "Remaining tokens",
	}, h.TokenUsage)

	huma.Register(api, huma.Operation{
		OperationID: opID("team-concurrency-check"),
		Method:      http.MethodGet,
		Path:        prefix + "/team/concurrency-check",
		Summary:     "In-flight jobs against the team cap",
	}, h.ConcurrencyCheck)
}

// RegisterPublic wires the unauthenticated surface.
func RegisterPublic(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Service health",
	}, Health)
}
