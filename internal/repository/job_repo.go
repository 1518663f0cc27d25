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

// JobRepository stores scrape jobs and implements queue claiming.
type JobRepository struct {
	db *sql.DB
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, team_id, url, mode, crawl_id, options_json, priority, attempts,
	state, zdr, depth, run_at, lease_until, result_json, error_code, error_message,
	created_at, completed_at`

func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	optionsJSON, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("failed to marshal job options: %w", err)
	}
	query := `
		INSERT INTO jobs (id, team_id, url, mode, crawl_id, options_json, priority, attempts,
			state, zdr, depth, run_at, lease_until, result_json, error_code, error_message,
			created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, query,
		job.ID,
		job.TeamID,
		job.URL,
		job.Mode,
		nullString(job.CrawlID),
		string(optionsJSON),
		int(job.Priority),
		job.Attempts,
		job.State,
		boolToInt(job.ZDR),
		job.Depth,
		job.RunAt.Format(time.RFC3339),
		nullTime(job.LeaseUntil),
		nullString(job.ResultJSON),
		nullString(job.ErrorCode),
		nullString(job.ErrorMsg),
		job.CreatedAt.Format(time.RFC3339),
		nullTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// CreateBatch inserts multiple jobs in one transaction. Used by crawl
// fan-out and batch-scrape so a partial submit never happens.
func (r *JobRepository) CreateBatch(ctx context.Context, jobs []*models.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO jobs (id, team_id, url, mode, crawl_id, options_json, priority, attempts,
			state, zdr, depth, run_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, job := range jobs {
		optionsJSON, err := json.Marshal(job.Options)
		if err != nil {
			return fmt.Errorf("failed to marshal job options: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			job.ID, job.TeamID, job.URL, job.Mode, nullString(job.CrawlID),
			string(optionsJSON), int(job.Priority), job.Attempts, job.State,
			boolToInt(job.ZDR), job.Depth,
			job.RunAt.Format(time.RFC3339), job.CreatedAt.Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
		}
	}
	return tx.Commit()
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`
	return r.scanJob(r.db.QueryRowContext(ctx, query, id))
}

// ClaimNext atomically claims the oldest runnable job in the given priority
// band. The claim flips state to active and stamps a visibility lease; a
// worker that dies leaves the lease to expire and the reaper requeues the
// job. Returns nil when the band has no runnable job.
func (r *JobRepository) ClaimNext(ctx context.Context, band models.PriorityBand, lease time.Duration) (*models.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	now := time.Now()
	query := `
		UPDATE jobs
		SET state = 'active', attempts = attempts + 1, lease_until = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE state = 'queued' AND priority = ? AND run_at <= ?
			ORDER BY run_at ASC, created_at ASC
			LIMIT 1
		)
		RETURNING ` + jobColumns

	job, err := r.scanJob(tx.QueryRowContext(ctx, query,
		now.Add(lease).Format(time.RFC3339),
		int(band),
		now.Format(time.RFC3339),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if job == nil {
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return job, nil
}

// ExtendLease pushes the visibility lease forward for a long-running job.
func (r *JobRepository) ExtendLease(ctx context.Context, id string, lease time.Duration) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE jobs SET lease_until = ? WHERE id = ? AND state = 'active'",
		time.Now().Add(lease).Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	return nil
}

// Complete marks a job finished with its serialized result.
func (r *JobRepository) Complete(ctx context.Context, id, resultJSON string) error {
	now := time.Now().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx,
		"UPDATE jobs SET state = 'completed', result_json = ?, lease_until = NULL, completed_at = ? WHERE id = ?",
		nullString(resultJSON), now, id)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// Fail marks a job permanently failed with an error code.
func (r *JobRepository) Fail(ctx context.Context, id, code, message string) error {
	now := time.Now().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx,
		"UPDATE jobs SET state = 'failed', error_code = ?, error_message = ?, lease_until = NULL, completed_at = ? WHERE id = ?",
		code, message, now, id)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	return nil
}

// Requeue returns an active job to the queue for a later retry. The delay
// becomes the new run_at so retries back off instead of hot-looping.
func (r *JobRepository) Requeue(ctx context.Context, id string, delay time.Duration) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE jobs SET state = 'queued', lease_until = NULL, run_at = ? WHERE id = ?",
		time.Now().Add(delay).Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	return nil
}

// ReapExpired requeues active jobs whose lease has lapsed and fails those
// that have exhausted their attempts. Returns (requeued, failed) counts.
func (r *JobRepository) ReapExpired(ctx context.Context, maxAttempts int) (int64, int64, error) {
	now := time.Now().Format(time.RFC3339)

	failed, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = 'failed', error_code = ?, error_message = 'job lease expired after maximum attempts',
			lease_until = NULL, completed_at = ?
		WHERE state = 'active' AND lease_until IS NOT NULL AND lease_until < ? AND attempts >= ?
	`, models.CodeInternal, now, now, maxAttempts)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to reap exhausted jobs: %w", err)
	}
	nFailed, _ := failed.RowsAffected()

	requeued, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = 'queued', lease_until = NULL, run_at = ?
		WHERE state = 'active' AND lease_until IS NOT NULL AND lease_until < ?
	`, now, now)
	if err != nil {
		return 0, nFailed, fmt.Errorf("failed to reap expired leases: %w", err)
	}
	nRequeued, _ := requeued.RowsAffected()

	return nRequeued, nFailed, nil
}

// CancelQueuedByCrawl fails all still-queued children of a cancelled crawl.
// Active jobs finish on their own; their completion is discarded upstream.
func (r *JobRepository) CancelQueuedByCrawl(ctx context.Context, crawlID string) (int64, error) {
	now := time.Now().Format(time.RFC3339)
	result, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = 'failed', error_code = 'CANCELLED', error_message = 'crawl cancelled', completed_at = ?
		WHERE crawl_id = ? AND state = 'queued'
	`, now, crawlID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel queued jobs: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// GetByCrawlID returns children of a crawl ordered by creation, paginated
// by job id. ULIDs sort by time so id pagination preserves order.
func (r *JobRepository) GetByCrawlID(ctx context.Context, crawlID, afterID string, limit int) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE crawl_id = ? AND id > ? ORDER BY id ASC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, crawlID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query crawl jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountByCrawlAndState counts a crawl's children in the given state.
func (r *JobRepository) CountByCrawlAndState(ctx context.Context, crawlID string, state models.JobState) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM jobs WHERE crawl_id = ? AND state = ?", crawlID, state).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count crawl jobs: %w", err)
	}
	return count, nil
}

// DeleteOlderThan removes terminal jobs past the retention window and
// returns the deleted ids so blob storage can be cleaned alongside.
func (r *JobRepository) DeleteOlderThan(ctx context.Context, before time.Time) ([]string, error) {
	cutoff := before.Format(time.RFC3339)
	rows, err := r.db.QueryContext(ctx,
		"SELECT id FROM jobs WHERE created_at < ? AND state IN ('completed', 'failed')", cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query old jobs: %w", err)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := r.db.ExecContext(ctx,
		"DELETE FROM jobs WHERE created_at < ? AND state IN ('completed', 'failed')", cutoff); err != nil {
		return nil, fmt.Errorf("failed to delete old jobs: %w", err)
	}
	return ids, nil
}

func (r *JobRepository) scanJob(row *sql.Row) (*models.Job, error) {
	job, err := scanJobRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func scanJobRow(s rowScanner) (*models.Job, error) {
	var job models.Job
	var crawlID, leaseUntil, resultJSON, errorCode, errorMsg, completedAt sql.NullString
	var optionsJSON, runAt, createdAt string
	var priority, zdr int

	err := s.Scan(
		&job.ID, &job.TeamID, &job.URL, &job.Mode, &crawlID, &optionsJSON,
		&priority, &job.Attempts, &job.State, &zdr, &job.Depth,
		&runAt, &leaseUntil, &resultJSON, &errorCode, &errorMsg,
		&createdAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	if err := json.Unmarshal([]byte(optionsJSON), &job.Options); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job options: %w", err)
	}
	job.CrawlID = crawlID.String
	job.Priority = models.PriorityBand(priority)
	job.ZDR = zdr == 1
	job.ResultJSON = resultJSON.String
	job.ErrorCode = errorCode.String
	job.ErrorMsg = errorMsg.String
	job.RunAt, _ = time.Parse(time.RFC3339, runAt)
	job.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	job.LeaseUntil = parseTimePtr(leaseUntil)
	job.CompletedAt = parseTimePtr(completedAt)

	return &job, nil
}
