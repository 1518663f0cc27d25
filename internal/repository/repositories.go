// Package repository provides data access on top of libsql.
package repository

import (
	"database/sql"
	"time"
)

// Repositories aggregates all repository implementations.
type Repositories struct {
	Jobs    *JobRepository
	Crawls  *CrawlRepository
	Index   *IndexRepository
	JobLogs *JobLogRepository
	Teams   *TeamRepository
}

// NewRepositories creates all repositories sharing one connection pool.
func NewRepositories(db *sql.DB) *Repositories {
	return &Repositories{
		Jobs:    NewJobRepository(db),
		Crawls:  NewCrawlRepository(db),
		Index:   NewIndexRepository(db),
		JobLogs: NewJobLogRepository(db),
		Teams:   NewTeamRepository(db),
	}
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339), Valid: true}
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
