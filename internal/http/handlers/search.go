package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/forageapi/forage/internal/constants"
	"github.com/forageapi/forage/internal/crawl"
	"github.com/forageapi/forage/internal/models"
)

const searchDefaultLimit = 5

// SearchRequest is the web-search body. With scrapeOptions the hits are
// scraped inline; without, the provider's metadata is returned as-is.
type SearchRequest struct {
	Query         string         `json:"query" minLength:"1" doc:"Search query"`
	Limit         int            `json:"limit,omitempty" doc:"Maximum results (default 5)"`
	ScrapeOptions *ScrapeRequest `json:"scrapeOptions,omitempty" doc:"Scrape each hit with these options"`
}

// SearchInput is the search request.
type SearchInput struct {
	Body SearchRequest
}

// SearchOutput is the search response.
type SearchOutput struct {
	Body struct {
		Success bool               `json:"success"`
		Data    []*models.Document `json:"data"`
	}
}

// Search runs the provider query and optionally scrapes each hit. A hit
// that fails to scrape falls back to its provider metadata; search
// itself still succeeds.
func (h *Handler) Search(ctx context.Context, input *SearchInput, version int) (*SearchOutput, error) {
	chunk, err := h.admit(ctx)
	if err != nil {
		return nil, err
	}
	if h.search == nil {
		return nil, &ErrorEnvelope{
			status:  http.StatusInternalServerError,
			Code:    models.CodeInternal,
			Message: "no search provider is configured",
		}
	}

	limit := input.Body.Limit
	if limit <= 0 {
		limit = searchDefaultLimit
	}
	results, err := h.search.Search(ctx, input.Body.Query, limit)
	if err != nil {
		h.logger.Error("search provider failed", "query", input.Body.Query, "error", err)
		return nil, apiErr(models.NewInternalError())
	}

	var scrapeOpts *models.ScrapeOptions
	if input.Body.ScrapeOptions != nil && len(input.Body.ScrapeOptions.Formats) > 0 {
		opts := h.scrapeOptions(input.Body.ScrapeOptions, version)
		scrapeOpts = &opts
	}

	var credits int64
	docs := make([]*models.Document, 0, len(results))
	for _, hit := range results {
		if scrapeOpts == nil {
			docs = append(docs, &models.Document{
				Metadata: models.DocumentMetadata{
					Title:       hit.Title,
					Description: hit.Description,
					SourceURL:   hit.URL,
					CacheState:  models.CacheUndef,
				},
			})
			credits += constants.CreditsPerSearchDoc
			continue
		}

		now := time.Now().UTC()
		job := &models.Job{
			ID:        crawl.NewID(),
			TeamID:    chunk.TeamID,
			URL:       hit.URL,
			Mode:      models.ModeSingle,
			Options:   *scrapeOpts,
			Priority:  models.BandRealtime,
			State:     models.JobActive,
			ZDR:       chunk.ForceZDR,
			RunAt:     now,
			CreatedAt: now,
		}
		outcome, runErr := h.pipeline.Run(ctx, job)
		if runErr != nil {
			h.logger.Warn("search hit scrape failed", "url", hit.URL, "error", runErr)
			docs = append(docs, &models.Document{
				Metadata: models.DocumentMetadata{
					Title:       hit.Title,
					Description: hit.Description,
					SourceURL:   hit.URL,
					CacheState:  models.CacheUndef,
					Error:       runErr.Error(),
				},
			})
			credits += constants.CreditsPerSearchDoc
			continue
		}
		if outcome.Doc.Metadata.Title == "" {
			outcome.Doc.Metadata.Title = hit.Title
		}
		if outcome.Doc.Metadata.Description == "" {
			outcome.Doc.Metadata.Description = hit.Description
		}
		docs = append(docs, outcome.Doc)
		credits += outcome.Credits
	}

	h.bill(ctx, chunk, credits, 0)

	out := &SearchOutput{}
	out.Body.Success = true
	out.Body.Data = docs
	return out, nil
}
