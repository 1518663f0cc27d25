package handlers

import (
	"context"

	"github.com/forageapi/forage/internal/constants"
)

// MapRequest is the site-map request body. The sitemap field supersedes
// the two boolean aliases.
type MapRequest struct {
	URL               string `json:"url" minLength:"1" doc:"Site to map"`
	Search            string `json:"search,omitempty" doc:"Substring filter; matches sort shortest-first"`
	Limit             int    `json:"limit,omitempty" doc:"Maximum URLs returned"`
	Sitemap           string `json:"sitemap,omitempty" enum:"only,skip,include" doc:"Sitemap handling (default include)"`
	SitemapOnly       bool   `json:"sitemapOnly,omitempty" doc:"Legacy alias of sitemap=only"`
	IgnoreSitemap     bool   `json:"ignoreSitemap,omitempty" doc:"Legacy alias of sitemap=skip"`
	IncludeSubdomains bool   `json:"includeSubdomains,omitempty"`
	Timeout           int    `json:"timeout,omitempty" doc:"Discovery deadline in milliseconds"`
}

// sitemapMode folds the aliases into one switch.
func (r *MapRequest) sitemapMode() string {
	if r.Sitemap != "" {
		return r.Sitemap
	}
	if r.SitemapOnly {
		return "only"
	}
	if r.IgnoreSitemap {
		return "skip"
	}
	return "include"
}

// MapInput is the map request.
type MapInput struct {
	Body MapRequest
}

// MapEntry is one discovered URL.
type MapEntry struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// MapOutput is the map response.
type MapOutput struct {
	Body struct {
		Success  bool       `json:"success"`
		Links    []string   `json:"links"`
		Web      []MapEntry `json:"web"`
		Metadata struct {
			TotalCount  int    `json:"totalCount"`
			HasMore     bool   `json:"hasMore"`
			SearchQuery string `json:"searchQuery,omitempty"`
		} `json:"metadata"`
	}
}

// Map discovers a site's URLs without scraping them.
func (h *Handler) Map(ctx context.Context, input *MapInput) (*MapOutput, error) {
	chunk, err := h.admit(ctx)
	if err != nil {
		return nil, err
	}

	mode := input.Body.sitemapMode()
	includeLinks := mode != "only"
	skipSitemap := mode == "skip"

	limit := input.Body.Limit
	urls, err := h.engine.Map(ctx, input.Body.URL, input.Body.Search, limit, includeLinks, skipSitemap)
	if err != nil {
		return nil, apiErr(err)
	}

	out := &MapOutput{}
	out.Body.Success = true
	out.Body.Links = urls
	out.Body.Web = make([]MapEntry, 0, len(urls))
	for _, u := range urls {
		out.Body.Web = append(out.Body.Web, MapEntry{URL: u})
	}
	out.Body.Metadata.TotalCount = len(urls)
	out.Body.Metadata.HasMore = limit > 0 && len(urls) == limit
	out.Body.Metadata.SearchQuery = input.Body.Search

	h.bill(ctx, chunk, constants.CreditsPerMap, 0)
	return out, nil
}
