package fetch

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/forageapi/forage/internal/constants"
)

// SitemapDiscoverer fetches sitemap.xml to seed crawl frontiers.
type SitemapDiscoverer struct {
	logger    *slog.Logger
	client    *http.Client
	userAgent string
}

// NewSitemapDiscoverer creates a sitemap discoverer.
func NewSitemapDiscoverer(logger *slog.Logger, userAgent string) *SitemapDiscoverer {
	if userAgent == "" {
		userAgent = constants.DefaultUserAgent
	}
	return &SitemapDiscoverer{
		logger:    logger,
		client:    &http.Client{Timeout: constants.SitemapTimeout},
		userAgent: userAgent,
	}
}

// SitemapURL is one URL entry from a sitemap.
type SitemapURL struct {
	Loc        string  `xml:"loc"`
	LastMod    string  `xml:"lastmod,omitempty"`
	ChangeFreq string  `xml:"changefreq,omitempty"`
	Priority   float64 `xml:"priority,omitempty"`
}

// Sitemap is a parsed sitemap.xml file.
type Sitemap struct {
	XMLName xml.Name     `xml:"urlset"`
	URLs    []SitemapURL `xml:"url"`
}

// SitemapIndex is a sitemap index file referencing nested sitemaps.
type SitemapIndex struct {
	XMLName  xml.Name       `xml:"sitemapindex"`
	Sitemaps []SitemapEntry `xml:"sitemap"`
}

// SitemapEntry is one entry in a sitemap index.
type SitemapEntry struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod,omitempty"`
}

// Discover fetches and parses the site's sitemap.xml, following index
// files, and returns the contained URLs. It handles both regular
// sitemaps and sitemap indexes.
func (s *SitemapDiscoverer) Discover(ctx context.Context, baseURL string) ([]string, error) {
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	sitemapURL := fmt.Sprintf("%s://%s/sitemap.xml", parsedURL.Scheme, parsedURL.Host)

	s.logger.Debug("fetching sitemap",
		"url", sitemapURL,
		"base_url", baseURL,
	)

	urls, err := s.fetchSitemap(ctx, sitemapURL, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sitemap: %w", err)
	}

	s.logger.Info("discovered URLs from sitemap",
		"sitemap_url", sitemapURL,
		"url_count", len(urls),
	)

	return urls, nil
}

// TryDiscover attempts sitemap discovery without surfacing failures.
// Returns the URLs and whether discovery found anything.
func (s *SitemapDiscoverer) TryDiscover(ctx context.Context, baseURL string) ([]string, bool) {
	ctx, cancel := context.WithTimeout(ctx, constants.SitemapTimeout)
	defer cancel()

	urls, err := s.Discover(ctx, baseURL)
	if err != nil {
		s.logger.Debug("sitemap discovery failed",
			"base_url", baseURL,
			"error", err,
		)
		return nil, false
	}
	if len(urls) == 0 {
		return nil, false
	}
	return urls, true
}

// fetchSitemap fetches and parses one sitemap, recursing into indexes.
func (s *SitemapDiscoverer) fetchSitemap(ctx context.Context, sitemapURL string, depth int) ([]string, error) {
	if depth > constants.SitemapMaxDepth {
		s.logger.Warn("sitemap recursion depth exceeded", "url", sitemapURL, "depth", depth)
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "application/xml, text/xml, */*")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sitemap: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sitemap returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read sitemap body: %w", err)
	}

	// Try parsing as sitemap index first
	var sitemapIndex SitemapIndex
	if err := xml.Unmarshal(body, &sitemapIndex); err == nil && len(sitemapIndex.Sitemaps) > 0 {
		s.logger.Debug("parsed as sitemap index",
			"sitemap_count", len(sitemapIndex.Sitemaps),
		)
		return s.fetchSitemapIndex(ctx, sitemapIndex, depth)
	}

	// Try parsing as regular sitemap
	var sitemap Sitemap
	if err := xml.Unmarshal(body, &sitemap); err != nil {
		return nil, fmt.Errorf("failed to parse sitemap XML: %w", err)
	}

	return collectURLs(sitemap.URLs), nil
}

// fetchSitemapIndex recursively fetches sitemaps from an index.
func (s *SitemapDiscoverer) fetchSitemapIndex(ctx context.Context, index SitemapIndex, depth int) ([]string, error) {
	var allURLs []string

	for _, entry := range index.Sitemaps {
		if len(allURLs) >= constants.MaxSitemapURLs {
			s.logger.Warn("reached max sitemap URLs limit",
				"limit", constants.MaxSitemapURLs,
				"total_found", len(allURLs),
			)
			break
		}

		urls, err := s.fetchSitemap(ctx, entry.Loc, depth+1)
		if err != nil {
			s.logger.Warn("failed to fetch nested sitemap",
				"url", entry.Loc,
				"error", err,
			)
			continue
		}

		allURLs = append(allURLs, urls...)
	}

	return allURLs, nil
}

func collectURLs(urls []SitemapURL) []string {
	var result []string
	for _, u := range urls {
		if len(result) >= constants.MaxSitemapURLs {
			break
		}
		if u.Loc == "" {
			continue
		}
		result = append(result, u.Loc)
	}
	return result
}
