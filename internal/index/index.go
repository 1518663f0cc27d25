package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/forageapi/forage/internal/constants"
	"github.com/forageapi/forage/internal/models"
	"github.com/forageapi/forage/internal/repository"
)

// Service mediates cache reads and writes against the result index.
type Service struct {
	repo          *repository.IndexRepository
	defaultMaxAge time.Duration
	logger        *slog.Logger
}

// NewService creates the index service.
func NewService(repo *repository.IndexRepository, defaultMaxAge time.Duration, logger *slog.Logger) *Service {
	if defaultMaxAge <= 0 {
		defaultMaxAge = constants.DefaultMaxAge
	}
	return &Service{repo: repo, defaultMaxAge: defaultMaxAge, logger: logger}
}

// effectiveMaxAge resolves the request's freshness window. Zero disables
// cache reads entirely.
func (s *Service) effectiveMaxAge(opts *models.ScrapeOptions) time.Duration {
	if opts.MaxAge == nil {
		return s.defaultMaxAge
	}
	if *opts.MaxAge <= 0 {
		return 0
	}
	return time.Duration(*opts.MaxAge) * time.Millisecond
}

// Lookup returns a cached document for the request if one exists within the
// freshness window. ZDR requests never touch the index.
func (s *Service) Lookup(ctx context.Context, rawURL string, opts *models.ScrapeOptions) (*models.Document, bool, error) {
	if opts.ZeroDataRetention {
		return nil, false, nil
	}
	maxAge := s.effectiveMaxAge(opts)
	if maxAge == 0 {
		return nil, false, nil
	}

	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, false, nil
	}

	entry, err := s.repo.Lookup(ctx, normalized, Fingerprint(opts), time.Now().Add(-maxAge))
	if err != nil {
		return nil, false, fmt.Errorf("index lookup: %w", err)
	}
	if entry == nil {
		return nil, false, nil
	}

	var doc models.Document
	if err := json.Unmarshal([]byte(entry.DocJSON), &doc); err != nil {
		s.logger.Warn("corrupt index entry dropped", "url", normalized, "error", err)
		return nil, false, nil
	}

	cachedAt := entry.CreatedAt
	doc.Metadata.CacheState = models.CacheHit
	doc.Metadata.CachedAt = &cachedAt
	return &doc, true, nil
}

// Store writes a successful scrape into the index. Non-2xx results, empty
// documents, ZDR requests, and storeInCache=false all skip the write.
func (s *Service) Store(ctx context.Context, rawURL string, opts *models.ScrapeOptions, doc *models.Document, statusCode int) error {
	if opts.ZeroDataRetention {
		return nil
	}
	if opts.StoreInCache != nil && !*opts.StoreInCache {
		return nil
	}
	if statusCode < 200 || statusCode >= 300 {
		return nil
	}
	if doc.Markdown == "" && doc.RawHTML == "" && len(doc.Links) == 0 {
		// An empty 2xx body is not worth a cache slot.
		return nil
	}

	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return nil
	}

	// The stored copy is always a miss-shaped document; hit decoration
	// happens at read time.
	stored := *doc
	stored.Metadata.CacheState = models.CacheMiss
	stored.Metadata.CachedAt = nil

	docJSON, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshal index document: %w", err)
	}

	return s.repo.Upsert(ctx, &repository.IndexEntry{
		NormalizedURL: normalized,
		Fingerprint:   Fingerprint(opts),
		ChangeTag:     changeTag(opts),
		DocJSON:       string(docJSON),
		StatusCode:    statusCode,
		CreatedAt:     time.Now().UTC(),
	})
}

// changeTag is the comparison namespace a stored result belongs to.
// Untagged scrapes share the empty namespace.
func changeTag(opts *models.ScrapeOptions) string {
	if opts.ChangeTracking == nil {
		return ""
	}
	return opts.ChangeTracking.Tag
}

// Previous returns the most recent indexed document for the URL under any
// fingerprint, for change tracking comparisons. The tag partitions the
// namespace: a tagged scrape only ever compares against snapshots stored
// under the same tag.
func (s *Service) Previous(ctx context.Context, rawURL, tag string) (*models.Document, *time.Time, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, nil, nil
	}
	entry, err := s.repo.LookupLatest(ctx, normalized, tag)
	if err != nil {
		return nil, nil, fmt.Errorf("index previous: %w", err)
	}
	if entry == nil {
		return nil, nil, nil
	}
	var doc models.Document
	if err := json.Unmarshal([]byte(entry.DocJSON), &doc); err != nil {
		return nil, nil, nil
	}
	at := entry.CreatedAt
	return &doc, &at, nil
}
