package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// IndexEntry is a stored scrape result keyed by normalized URL, option
// fingerprint, and change-tracking tag. The tag is empty for untagged
// scrapes; it only partitions change-tracking comparisons, never cache
// reads.
type IndexEntry struct {
	NormalizedURL string
	Fingerprint   string
	ChangeTag     string
	DocJSON       string
	StatusCode    int
	CreatedAt     time.Time
}

// IndexRepository stores the result index backing cached reads.
type IndexRepository struct {
	db *sql.DB
}

// NewIndexRepository creates a new index repository.
func NewIndexRepository(db *sql.DB) *IndexRepository {
	return &IndexRepository{db: db}
}

// Upsert stores an entry, replacing any prior result for the same
// (normalized URL, fingerprint, tag) triple.
func (r *IndexRepository) Upsert(ctx context.Context, entry *IndexEntry) error {
	query := `
		INSERT INTO index_entries (normalized_url, fingerprint, change_tag, doc_json, status_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(normalized_url, fingerprint, change_tag) DO UPDATE SET
			doc_json = excluded.doc_json,
			status_code = excluded.status_code,
			created_at = excluded.created_at
	`
	_, err := r.db.ExecContext(ctx, query,
		entry.NormalizedURL,
		entry.Fingerprint,
		entry.ChangeTag,
		entry.DocJSON,
		entry.StatusCode,
		entry.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert index entry: %w", err)
	}
	return nil
}

// Lookup returns the freshest entry for the pair if one was stored at or
// after oldest, nil otherwise. Any tag namespace can satisfy a cache
// read. Freshness gating happens here so a stale row is indistinguishable
// from a miss.
func (r *IndexRepository) Lookup(ctx context.Context, normalizedURL, fingerprint string, oldest time.Time) (*IndexEntry, error) {
	query := `
		SELECT normalized_url, fingerprint, change_tag, doc_json, status_code, created_at
		FROM index_entries
		WHERE normalized_url = ? AND fingerprint = ? AND created_at >= ?
		ORDER BY created_at DESC
		LIMIT 1
	`
	var entry IndexEntry
	var createdAt string
	err := r.db.QueryRowContext(ctx, query, normalizedURL, fingerprint, oldest.Format(time.RFC3339)).Scan(
		&entry.NormalizedURL, &entry.Fingerprint, &entry.ChangeTag, &entry.DocJSON, &entry.StatusCode, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lookup index entry: %w", err)
	}
	entry.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &entry, nil
}

// LookupLatest returns the freshest entry for a normalized URL in the
// given tag namespace, regardless of fingerprint. Change tracking
// compares against this; the tag keeps independently tagged watches from
// seeing each other's snapshots.
func (r *IndexRepository) LookupLatest(ctx context.Context, normalizedURL, changeTag string) (*IndexEntry, error) {
	query := `
		SELECT normalized_url, fingerprint, change_tag, doc_json, status_code, created_at
		FROM index_entries
		WHERE normalized_url = ? AND change_tag = ?
		ORDER BY created_at DESC
		LIMIT 1
	`
	var entry IndexEntry
	var createdAt string
	err := r.db.QueryRowContext(ctx, query, normalizedURL, changeTag).Scan(
		&entry.NormalizedURL, &entry.Fingerprint, &entry.ChangeTag, &entry.DocJSON, &entry.StatusCode, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lookup latest index entry: %w", err)
	}
	entry.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &entry, nil
}

// DeleteOlderThan removes entries past the retention window.
func (r *IndexRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM index_entries WHERE created_at < ?", before.Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old index entries: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
