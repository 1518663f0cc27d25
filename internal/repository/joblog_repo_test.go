package repository

import (
	"context"
	"testing"
	"time"

	"github.com/forageapi/forage/internal/models"
)

func TestJobLogZDRInsertOmitsPayload(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	entry := &models.JobLogEntry{
		JobID:       "job-1",
		TeamID:      "team-1",
		URL:         "https://secret.example.com",
		Docs:        `[{"markdown":"secret"}]`,
		PageOptions: `{"formats":["markdown"]}`,
		Success:     true,
		NumDocs:     1,
		ZDR:         true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := repos.JobLogs.Create(ctx, entry); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repos.JobLogs.GetByJobID(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.URL != "" || got.Docs != "" || got.PageOptions != "" {
		t.Errorf("ZDR log persisted payload: url=%q docs=%q opts=%q", got.URL, got.Docs, got.PageOptions)
	}
	if !got.Success || got.NumDocs != 1 {
		t.Errorf("metadata lost: %+v", got)
	}
}

func TestJobLogRequestZDRInsertOmitsPayload(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	// ZDR requested on a single job redacts at insert just like the
	// team-wide flag; nothing is left for a later sweep to catch.
	clean := time.Now().Add(time.Hour)
	entry := &models.JobLogEntry{
		JobID:      "job-rz",
		TeamID:     "team-1",
		URL:        "https://secret.example.com",
		Docs:       `[{"markdown":"secret"}]`,
		Success:    true,
		NumDocs:    1,
		RequestZDR: true,
		DRCleanBy:  &clean,
		CreatedAt:  time.Now().UTC(),
	}
	if err := repos.JobLogs.Create(ctx, entry); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repos.JobLogs.GetByJobID(ctx, "job-rz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.URL != "" || got.Docs != "" {
		t.Errorf("request-scoped ZDR log persisted payload: url=%q docs=%q", got.URL, got.Docs)
	}
	if got.ZDR || !got.RequestZDR {
		t.Errorf("zdr flags = %v/%v", got.ZDR, got.RequestZDR)
	}
}

func TestJobLogNonZDRKeepsPayload(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	entry := &models.JobLogEntry{
		JobID:     "job-2",
		TeamID:    "team-1",
		URL:       "https://example.com",
		Docs:      `[{"markdown":"# hi"}]`,
		Success:   true,
		NumDocs:   1,
		CreatedAt: time.Now().UTC(),
	}
	if err := repos.JobLogs.Create(ctx, entry); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, _ := repos.JobLogs.GetByJobID(ctx, "job-2")
	if got.URL != "https://example.com" || got.Docs == "" {
		t.Errorf("payload missing: %+v", got)
	}
}

func TestFindOverdueZDRAndScrub(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	overdue := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	// The sweep is a backstop for rows that still carry payload alongside
	// a clean-by deadline, written before insert-time redaction.
	if err := repos.JobLogs.Create(ctx, &models.JobLogEntry{
		JobID: "due", TeamID: "team-1", URL: "https://example.com/a", Docs: `[]`,
		DRCleanBy: &overdue, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := repos.JobLogs.Create(ctx, &models.JobLogEntry{
		JobID: "not-yet", TeamID: "team-1", URL: "https://example.com/b", Docs: `[]`,
		DRCleanBy: &future, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	ids, err := repos.JobLogs.FindOverdueZDR(ctx, time.Now(), 7*24*time.Hour, 100)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(ids) != 1 || ids[0] != "due" {
		t.Fatalf("overdue ids = %v, want [due]", ids)
	}

	n, err := repos.JobLogs.ScrubPayload(ctx, ids)
	if err != nil {
		t.Fatalf("scrub: %v", err)
	}
	if n != 1 {
		t.Errorf("scrubbed %d, want 1", n)
	}

	got, _ := repos.JobLogs.GetByJobID(ctx, "due")
	if got.URL != "" || got.Docs != "" {
		t.Errorf("payload survived scrub: %+v", got)
	}

	// Scrubbed rows no longer show up as overdue.
	ids, _ = repos.JobLogs.FindOverdueZDR(ctx, time.Now(), 7*24*time.Hour, 100)
	if len(ids) != 0 {
		t.Errorf("overdue after scrub = %v, want empty", ids)
	}
}
