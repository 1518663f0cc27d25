package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/forageapi/forage/internal/models"
)

// JobLogRepository stores the durable per-job audit log. For ZDR jobs,
// whether team-wide or requested on a single job, the payload columns are
// written as NULL at insert time, never scrubbed later.
type JobLogRepository struct {
	db *sql.DB
}

// NewJobLogRepository creates a new job log repository.
func NewJobLogRepository(db *sql.DB) *JobLogRepository {
	return &JobLogRepository{db: db}
}

func (r *JobLogRepository) Create(ctx context.Context, entry *models.JobLogEntry) error {
	query := `
		INSERT INTO job_logs (job_id, team_id, crawl_id, url, docs, page_options, crawler_options,
			success, message, num_docs, time_taken_ms, tokens_billed, zdr, request_zdr,
			dr_clean_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	url := nullString(entry.URL)
	docs := nullString(entry.Docs)
	pageOpts := nullString(entry.PageOptions)
	crawlerOpts := nullString(entry.CrawlerOptions)
	if entry.ZDR || entry.RequestZDR {
		// Payload columns must never be persisted for ZDR jobs.
		url = sql.NullString{}
		docs = sql.NullString{}
		pageOpts = sql.NullString{}
		crawlerOpts = sql.NullString{}
	}

	_, err := r.db.ExecContext(ctx, query,
		entry.JobID,
		entry.TeamID,
		nullString(entry.CrawlID),
		url,
		docs,
		pageOpts,
		crawlerOpts,
		boolToInt(entry.Success),
		nullString(entry.Message),
		entry.NumDocs,
		entry.TimeTakenMs,
		entry.TokensBilled,
		boolToInt(entry.ZDR),
		boolToInt(entry.RequestZDR),
		nullTime(entry.DRCleanBy),
		entry.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create job log: %w", err)
	}
	return nil
}

func (r *JobLogRepository) GetByJobID(ctx context.Context, jobID string) (*models.JobLogEntry, error) {
	query := `
		SELECT job_id, team_id, crawl_id, url, docs, page_options, crawler_options,
			success, message, num_docs, time_taken_ms, tokens_billed, zdr, request_zdr,
			dr_clean_by, created_at
		FROM job_logs WHERE job_id = ?
	`
	var entry models.JobLogEntry
	var crawlID, url, docs, pageOpts, crawlerOpts, message, drCleanBy sql.NullString
	var createdAt string
	var success, zdr, requestZDR int

	err := r.db.QueryRowContext(ctx, query, jobID).Scan(
		&entry.JobID, &entry.TeamID, &crawlID, &url, &docs, &pageOpts, &crawlerOpts,
		&success, &message, &entry.NumDocs, &entry.TimeTakenMs, &entry.TokensBilled,
		&zdr, &requestZDR, &drCleanBy, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job log: %w", err)
	}

	entry.CrawlID = crawlID.String
	entry.URL = url.String
	entry.Docs = docs.String
	entry.PageOptions = pageOpts.String
	entry.CrawlerOptions = crawlerOpts.String
	entry.Message = message.String
	entry.Success = success == 1
	entry.ZDR = zdr == 1
	entry.RequestZDR = requestZDR == 1
	entry.DRCleanBy = parseTimePtr(drCleanBy)
	entry.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	return &entry, nil
}

// FindOverdueZDR returns job ids whose dr_clean_by has passed but still
// carry payload data, bounded by the lookback window for index efficiency.
func (r *JobLogRepository) FindOverdueZDR(ctx context.Context, now time.Time, lookback time.Duration, limit int) ([]string, error) {
	query := `
		SELECT job_id FROM job_logs
		WHERE dr_clean_by IS NOT NULL
			AND dr_clean_by <= ?
			AND dr_clean_by >= ?
			AND (url IS NOT NULL OR docs IS NOT NULL OR page_options IS NOT NULL OR crawler_options IS NOT NULL)
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query,
		now.Format(time.RFC3339),
		now.Add(-lookback).Format(time.RFC3339),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue ZDR logs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ScrubPayload nulls all payload columns for the given job ids.
func (r *JobLogRepository) ScrubPayload(ctx context.Context, jobIDs []string) (int64, error) {
	if len(jobIDs) == 0 {
		return 0, nil
	}
	var total int64
	for _, id := range jobIDs {
		result, err := r.db.ExecContext(ctx, `
			UPDATE job_logs
			SET url = NULL, docs = NULL, page_options = NULL, crawler_options = NULL
			WHERE job_id = ?
		`, id)
		if err != nil {
			return total, fmt.Errorf("failed to scrub job log %s: %w", id, err)
		}
		n, _ := result.RowsAffected()
		total += n
	}
	return total, nil
}

// DeleteOlderThan removes log rows past the retention window.
func (r *JobLogRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM job_logs WHERE created_at < ?", before.Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old job logs: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
