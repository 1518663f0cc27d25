package repository

import (
	"context"
	"testing"
	"time"
)

func TestIndexUpsertAndLookup(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	entry := &IndexEntry{
		NormalizedURL: "https://example.com/page",
		Fingerprint:   "fp-1",
		DocJSON:       `{"markdown":"# one"}`,
		StatusCode:    200,
		CreatedAt:     time.Now().UTC(),
	}
	if err := repos.Index.Upsert(ctx, entry); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := repos.Index.Lookup(ctx, entry.NormalizedURL, "fp-1", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got == nil || got.DocJSON != entry.DocJSON {
		t.Errorf("lookup = %+v", got)
	}

	// Different fingerprint is a miss even for the same URL.
	got, err = repos.Index.Lookup(ctx, entry.NormalizedURL, "fp-other", time.Now().Add(-time.Hour))
	if err != nil || got != nil {
		t.Errorf("foreign fingerprint = %+v, %v", got, err)
	}
}

func TestIndexLookupFreshness(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	stale := &IndexEntry{
		NormalizedURL: "https://example.com/old",
		Fingerprint:   "fp-1",
		DocJSON:       `{}`,
		StatusCode:    200,
		CreatedAt:     time.Now().Add(-2 * time.Hour).UTC(),
	}
	if err := repos.Index.Upsert(ctx, stale); err != nil {
		t.Fatal(err)
	}

	// An entry older than the freshness floor reads as a miss.
	got, err := repos.Index.Lookup(ctx, stale.NormalizedURL, "fp-1", time.Now().Add(-time.Hour))
	if err != nil || got != nil {
		t.Errorf("stale lookup = %+v, %v", got, err)
	}

	got, err = repos.Index.Lookup(ctx, stale.NormalizedURL, "fp-1", time.Now().Add(-3*time.Hour))
	if err != nil || got == nil {
		t.Errorf("wide lookup = %+v, %v", got, err)
	}
}

func TestIndexUpsertReplaces(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	key := "https://example.com/page"
	if err := repos.Index.Upsert(ctx, &IndexEntry{
		NormalizedURL: key, Fingerprint: "fp", DocJSON: `{"v":1}`, StatusCode: 200, CreatedAt: time.Now().Add(-time.Minute).UTC(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := repos.Index.Upsert(ctx, &IndexEntry{
		NormalizedURL: key, Fingerprint: "fp", DocJSON: `{"v":2}`, StatusCode: 200, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	got, err := repos.Index.Lookup(ctx, key, "fp", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.DocJSON != `{"v":2}` {
		t.Errorf("doc = %q, want replaced value", got.DocJSON)
	}
}

func TestIndexDeleteOlderThan(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	if err := repos.Index.Upsert(ctx, &IndexEntry{
		NormalizedURL: "https://example.com/old", Fingerprint: "fp", DocJSON: `{}`,
		StatusCode: 200, CreatedAt: time.Now().Add(-48 * time.Hour).UTC(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := repos.Index.Upsert(ctx, &IndexEntry{
		NormalizedURL: "https://example.com/new", Fingerprint: "fp", DocJSON: `{}`,
		StatusCode: 200, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	n, err := repos.Index.DeleteOlderThan(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}

	got, _ := repos.Index.LookupLatest(ctx, "https://example.com/new", "")
	if got == nil {
		t.Error("recent entry deleted")
	}
}

func TestIndexLookupLatestPartitionedByTag(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	key := "https://example.com/watched"
	if err := repos.Index.Upsert(ctx, &IndexEntry{
		NormalizedURL: key, Fingerprint: "fp", ChangeTag: "pricing", DocJSON: `{"v":"tagged"}`,
		StatusCode: 200, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := repos.Index.Upsert(ctx, &IndexEntry{
		NormalizedURL: key, Fingerprint: "fp", DocJSON: `{"v":"plain"}`,
		StatusCode: 200, CreatedAt: time.Now().Add(time.Second).UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	got, err := repos.Index.LookupLatest(ctx, key, "pricing")
	if err != nil {
		t.Fatalf("lookup tagged: %v", err)
	}
	if got == nil || got.DocJSON != `{"v":"tagged"}` {
		t.Errorf("tagged latest = %+v", got)
	}

	got, err = repos.Index.LookupLatest(ctx, key, "")
	if err != nil || got == nil || got.DocJSON != `{"v":"plain"}` {
		t.Errorf("untagged latest = %+v, %v", got, err)
	}

	if got, _ := repos.Index.LookupLatest(ctx, key, "inventory"); got != nil {
		t.Errorf("foreign tag saw snapshot %+v", got)
	}

	// Either namespace can satisfy a cache read; the freshest row wins.
	cached, err := repos.Index.Lookup(ctx, key, "fp", time.Now().Add(-time.Hour))
	if err != nil || cached == nil || cached.DocJSON != `{"v":"plain"}` {
		t.Errorf("cache lookup = %+v, %v", cached, err)
	}
}
