package repository

import (
	"database/sql"
	"testing"
	"time"

	"github.com/forageapi/forage/internal/database/migrations"
	"github.com/forageapi/forage/internal/models"
	_ "github.com/tursodatabase/go-libsql"
)

// setupTestDB creates an in-memory database, runs migrations, and arranges
// cleanup when the test completes.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("libsql", ":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("failed to enable foreign keys: %v", err)
	}

	if err := migrations.Run(db, nil); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	t.Cleanup(func() {
		_ = db.Close()
	})

	return db
}

// setupTestRepos creates all repositories on a fresh test database.
func setupTestRepos(t *testing.T) *Repositories {
	t.Helper()
	return NewRepositories(setupTestDB(t))
}

// newTestJob builds a queued job with sane defaults.
func newTestJob(id, teamID string, band models.PriorityBand) *models.Job {
	now := time.Now().UTC()
	return &models.Job{
		ID:        id,
		TeamID:    teamID,
		URL:       "https://example.com/page",
		Mode:      models.ModeSingle,
		Options:   models.ScrapeOptions{Formats: []string{models.FormatMarkdown}},
		Priority:  band,
		State:     models.JobQueued,
		RunAt:     now,
		CreatedAt: now,
	}
}

// insertTestTeam inserts a team row directly.
func insertTestTeam(t *testing.T, db *sql.DB, id string, credits int64) {
	t.Helper()
	query := `
		INSERT INTO teams (id, name, plan, credits_remaining, tokens_remaining, concurrency_max, created_at)
		VALUES (?, 'Test Team', 'standard', ?, 0, 10, datetime('now'))
	`
	if _, err := db.Exec(query, id, credits); err != nil {
		t.Fatalf("failed to insert test team: %v", err)
	}
}
