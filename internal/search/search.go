// Package search adapts an external web-search provider. The provider
// is any HTTP JSON endpoint returning {results:[{title,url,description}]}.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Result is one search hit.
type Result struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// Provider runs a web search.
type Provider interface {
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

// HTTPProvider queries a configured search endpoint with
// ?q={query}&limit={n} and a bearer key.
type HTTPProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *slog.Logger
}

func NewHTTPProvider(endpoint, apiKey string, logger *slog.Logger) *HTTPProvider {
	return &HTTPProvider{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 15 * time.Second},
		logger:   logger,
	}
}

type searchResponse struct {
	Results []Result `json:"results"`
}

func (p *HTTPProvider) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search provider returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse search response: %w", err)
	}

	results := parsed.Results
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}

	p.logger.Debug("search completed", "query", query, "results", len(results))
	return results, nil
}

// FakeProvider serves canned results for tests and mock mode.
type FakeProvider struct {
	Results []Result
	Err     error
	Queries []string
}

func (f *FakeProvider) Search(_ context.Context, query string, limit int) ([]Result, error) {
	f.Queries = append(f.Queries, query)
	if f.Err != nil {
		return nil, f.Err
	}
	results := f.Results
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
