package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/forageapi/forage/internal/models"
)

// ErrVersionConflict is returned when a compare-and-set update loses the
// race. Callers reload the record and retry.
var ErrVersionConflict = errors.New("crawl version conflict")

// CrawlRepository stores crawl and batch-scrape orchestration records.
type CrawlRepository struct {
	db *sql.DB
}

// NewCrawlRepository creates a new crawl repository.
func NewCrawlRepository(db *sql.DB) *CrawlRepository {
	return &CrawlRepository{db: db}
}

const crawlColumns = `id, team_id, kind, seed_url, options_json, state, discovered,
	completed, failed, errors_json, robots_blocked_json, zdr, version, created_at, completed_at`

func (r *CrawlRepository) Create(ctx context.Context, crawl *models.Crawl) error {
	optionsJSON, err := json.Marshal(crawl.Options)
	if err != nil {
		return fmt.Errorf("failed to marshal crawl options: %w", err)
	}
	query := `
		INSERT INTO crawls (id, team_id, kind, seed_url, options_json, state, discovered,
			completed, failed, errors_json, robots_blocked_json, zdr, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, query,
		crawl.ID,
		crawl.TeamID,
		crawl.Kind,
		crawl.SeedURL,
		string(optionsJSON),
		crawl.State,
		crawl.Discovered,
		crawl.Completed,
		crawl.Failed,
		marshalNullable(crawl.Errors),
		marshalNullable(crawl.RobotsBlocked),
		boolToInt(crawl.ZDR),
		crawl.Version,
		crawl.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create crawl: %w", err)
	}
	return nil
}

func (r *CrawlRepository) GetByID(ctx context.Context, id string) (*models.Crawl, error) {
	query := `SELECT ` + crawlColumns + ` FROM crawls WHERE id = ?`
	crawl, err := scanCrawlRow(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return crawl, err
}

// UpdateCAS persists counter and state mutations guarded by the record
// version. Concurrent child completions serialize through retry on
// ErrVersionConflict.
func (r *CrawlRepository) UpdateCAS(ctx context.Context, crawl *models.Crawl) error {
	query := `
		UPDATE crawls
		SET state = ?, discovered = ?, completed = ?, failed = ?, errors_json = ?,
			robots_blocked_json = ?, version = version + 1, completed_at = ?
		WHERE id = ? AND version = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		crawl.State,
		crawl.Discovered,
		crawl.Completed,
		crawl.Failed,
		marshalNullable(crawl.Errors),
		marshalNullable(crawl.RobotsBlocked),
		nullTime(crawl.CompletedAt),
		crawl.ID,
		crawl.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update crawl: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	crawl.Version++
	return nil
}

// MarkSeen records a normalized URL as admitted for the crawl. Returns true
// when the URL was new, so each page is enqueued at most once per crawl.
func (r *CrawlRepository) MarkSeen(ctx context.Context, crawlID, normalizedURL string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO crawl_seen (crawl_id, normalized_url) VALUES (?, ?)",
		crawlID, normalizedURL)
	if err != nil {
		return false, fmt.Errorf("failed to mark seen: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

// GetOngoingByTeam returns the team's crawls still in the scraping state.
func (r *CrawlRepository) GetOngoingByTeam(ctx context.Context, teamID string) ([]*models.Crawl, error) {
	query := `SELECT ` + crawlColumns + ` FROM crawls WHERE team_id = ? AND state = 'scraping' ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ongoing crawls: %w", err)
	}
	defer rows.Close()

	var crawls []*models.Crawl
	for rows.Next() {
		crawl, err := scanCrawlRow(rows)
		if err != nil {
			return nil, err
		}
		crawls = append(crawls, crawl)
	}
	return crawls, rows.Err()
}

// DeleteOlderThan removes terminal crawls and their frontier dedup rows.
func (r *CrawlRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	cutoff := before.Format(time.RFC3339)
	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM crawl_seen WHERE crawl_id IN (
			SELECT id FROM crawls WHERE created_at < ? AND state IN ('completed', 'cancelled', 'failed')
		)
	`, cutoff); err != nil {
		return 0, fmt.Errorf("failed to delete crawl frontier rows: %w", err)
	}
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM crawls WHERE created_at < ? AND state IN ('completed', 'cancelled', 'failed')", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old crawls: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func scanCrawlRow(s rowScanner) (*models.Crawl, error) {
	var crawl models.Crawl
	var errorsJSON, robotsJSON, completedAt sql.NullString
	var optionsJSON, createdAt string
	var zdr int

	err := s.Scan(
		&crawl.ID, &crawl.TeamID, &crawl.Kind, &crawl.SeedURL, &optionsJSON,
		&crawl.State, &crawl.Discovered, &crawl.Completed, &crawl.Failed,
		&errorsJSON, &robotsJSON, &zdr, &crawl.Version, &createdAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan crawl: %w", err)
	}

	if err := json.Unmarshal([]byte(optionsJSON), &crawl.Options); err != nil {
		return nil, fmt.Errorf("failed to unmarshal crawl options: %w", err)
	}
	if errorsJSON.Valid {
		json.Unmarshal([]byte(errorsJSON.String), &crawl.Errors)
	}
	if robotsJSON.Valid {
		json.Unmarshal([]byte(robotsJSON.String), &crawl.RobotsBlocked)
	}
	crawl.ZDR = zdr == 1
	crawl.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	crawl.CompletedAt = parseTimePtr(completedAt)

	return &crawl, nil
}

func marshalNullable(v any) sql.NullString {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}
