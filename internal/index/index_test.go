package index

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"
	"time"

	"github.com/forageapi/forage/internal/database/migrations"
	"github.com/forageapi/forage/internal/models"
	"github.com/forageapi/forage/internal/repository"
	_ "github.com/tursodatabase/go-libsql"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := sql.Open("libsql", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrations.Run(db, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewService(repository.NewIndexRepository(db), 4*time.Hour, slog.Default())
}

func markdownDoc(md string) *models.Document {
	return &models.Document{
		Markdown: md,
		Metadata: models.DocumentMetadata{SourceURL: "https://example.com", StatusCode: 200},
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"HTTPS://Example.COM/Path/", "https://example.com/Path"},
		{"https://example.com:443/a", "https://example.com/a"},
		{"http://example.com:80/a", "https://example.com/a"},
		{"http://example.com:8080/", "https://example.com:8080/"},
		{"https://example.com/a#frag", "https://example.com/a"},
		{"https://example.com/a?b=2&a=1", "https://example.com/a?a=1&b=2"},
		{"https://example.com", "https://example.com/"},
		// Scheme, www, and default index documents all collapse.
		{"http://example.com/a", "https://example.com/a"},
		{"https://www.example.com/a", "https://example.com/a"},
		{"https://example.com/docs/index.html", "https://example.com/docs"},
		{"https://example.com/docs/Index.HTM", "https://example.com/docs"},
		{"https://example.com/index.php", "https://example.com/"},
		{"https://example.com/index.xml", "https://example.com/"},
		{"https://example.com/reindex.html", "https://example.com/reindex.html"},
	}
	for _, tt := range tests {
		got, err := NormalizeURL(tt.in)
		if err != nil {
			t.Errorf("NormalizeURL(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	base := &models.ScrapeOptions{Formats: []string{"markdown"}}

	same := &models.ScrapeOptions{Formats: []string{"markdown"}}
	if Fingerprint(base) != Fingerprint(same) {
		t.Error("identical options produced different fingerprints")
	}

	// Format order must not matter.
	a := &models.ScrapeOptions{Formats: []string{"markdown", "links"}}
	b := &models.ScrapeOptions{Formats: []string{"links", "markdown"}}
	if Fingerprint(a) != Fingerprint(b) {
		t.Error("format order changed the fingerprint")
	}

	// Output-affecting fields must matter.
	mobile := &models.ScrapeOptions{Formats: []string{"markdown"}, Mobile: true}
	if Fingerprint(base) == Fingerprint(mobile) {
		t.Error("mobile flag ignored by fingerprint")
	}

	// Delivery-only fields must not matter.
	slow := &models.ScrapeOptions{Formats: []string{"markdown"}, Timeout: 90000}
	if Fingerprint(base) != Fingerprint(slow) {
		t.Error("timeout changed the fingerprint")
	}
	age := int64(60000)
	cached := &models.ScrapeOptions{Formats: []string{"markdown"}, MaxAge: &age}
	if Fingerprint(base) != Fingerprint(cached) {
		t.Error("maxAge changed the fingerprint")
	}

	// changeTracking rides along: a plain markdown result satisfies a
	// tracked request, so the format must not alter the fingerprint.
	tracked := &models.ScrapeOptions{Formats: []string{"markdown", "changeTracking"}}
	if Fingerprint(base) != Fingerprint(tracked) {
		t.Error("changeTracking format changed the fingerprint")
	}

	// Proxy auto resolves to basic at fetch time and is indexed as such.
	auto := &models.ScrapeOptions{Formats: []string{"markdown"}, Proxy: models.ProxyAuto}
	basic := &models.ScrapeOptions{Formats: []string{"markdown"}, Proxy: models.ProxyBasic}
	stealth := &models.ScrapeOptions{Formats: []string{"markdown"}, Proxy: models.ProxyStealth}
	if Fingerprint(auto) != Fingerprint(basic) {
		t.Error("proxy auto did not index as basic")
	}
	if Fingerprint(stealth) == Fingerprint(basic) {
		t.Error("stealth proxy shared the basic fingerprint")
	}
}

func TestStoreAndLookupRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	opts := &models.ScrapeOptions{Formats: []string{"markdown"}}

	if err := svc.Store(ctx, "https://example.com/page", opts, markdownDoc("# hi"), 200); err != nil {
		t.Fatalf("store: %v", err)
	}

	doc, hit, err := svc.Lookup(ctx, "https://example.com/page", opts)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !hit {
		t.Fatal("expected cache hit")
	}
	if doc.Markdown != "# hi" {
		t.Errorf("markdown = %q", doc.Markdown)
	}
	if doc.Metadata.CacheState != models.CacheHit {
		t.Errorf("cacheState = %q, want hit", doc.Metadata.CacheState)
	}
	if doc.Metadata.CachedAt == nil {
		t.Error("cachedAt missing on hit")
	}

	// URL variants normalize to the same entry.
	_, hit, _ = svc.Lookup(ctx, "HTTPS://EXAMPLE.com/page#x", opts)
	if !hit {
		t.Error("normalized variant missed")
	}
}

func TestLookupRespectsMaxAgeZero(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	opts := &models.ScrapeOptions{Formats: []string{"markdown"}}

	if err := svc.Store(ctx, "https://example.com", opts, markdownDoc("# hi"), 200); err != nil {
		t.Fatal(err)
	}

	zero := int64(0)
	bypass := &models.ScrapeOptions{Formats: []string{"markdown"}, MaxAge: &zero}
	_, hit, err := svc.Lookup(ctx, "https://example.com", bypass)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if hit {
		t.Error("maxAge=0 must bypass the cache")
	}
}

func TestZDRNeverTouchesIndex(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	zdr := &models.ScrapeOptions{Formats: []string{"markdown"}, ZeroDataRetention: true}
	if err := svc.Store(ctx, "https://example.com", zdr, markdownDoc("# secret"), 200); err != nil {
		t.Fatalf("store: %v", err)
	}

	// Even a plain request must find nothing: the ZDR store was a no-op.
	plain := &models.ScrapeOptions{Formats: []string{"markdown"}}
	_, hit, _ := svc.Lookup(ctx, "https://example.com", plain)
	if hit {
		t.Error("ZDR scrape leaked into the index")
	}

	// And a ZDR request never reads, even if an entry exists.
	if err := svc.Store(ctx, "https://example.com", plain, markdownDoc("# public"), 200); err != nil {
		t.Fatal(err)
	}
	_, hit, _ = svc.Lookup(ctx, "https://example.com", zdr)
	if hit {
		t.Error("ZDR request read from the index")
	}
}

func TestStoreSkipsNonCacheable(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	opts := &models.ScrapeOptions{Formats: []string{"markdown"}}

	// Non-2xx.
	if err := svc.Store(ctx, "https://example.com/404", opts, markdownDoc("not found"), 404); err != nil {
		t.Fatal(err)
	}
	if _, hit, _ := svc.Lookup(ctx, "https://example.com/404", opts); hit {
		t.Error("non-2xx result cached")
	}

	// Empty 2xx body.
	if err := svc.Store(ctx, "https://example.com/empty", opts, &models.Document{}, 200); err != nil {
		t.Fatal(err)
	}
	if _, hit, _ := svc.Lookup(ctx, "https://example.com/empty", opts); hit {
		t.Error("empty document cached")
	}

	// storeInCache=false.
	no := false
	optOut := &models.ScrapeOptions{Formats: []string{"markdown"}, StoreInCache: &no}
	if err := svc.Store(ctx, "https://example.com/optout", optOut, markdownDoc("# hi"), 200); err != nil {
		t.Fatal(err)
	}
	if _, hit, _ := svc.Lookup(ctx, "https://example.com/optout", &models.ScrapeOptions{Formats: []string{"markdown"}, StoreInCache: &no}); hit {
		t.Error("storeInCache=false result cached")
	}
}

func TestPrevious(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	doc, at, err := svc.Previous(ctx, "https://example.com/none", "")
	if err != nil || doc != nil || at != nil {
		t.Errorf("previous on empty index = %v %v %v", doc, at, err)
	}

	opts := &models.ScrapeOptions{Formats: []string{"markdown"}}
	if err := svc.Store(ctx, "https://example.com/page", opts, markdownDoc("# v1"), 200); err != nil {
		t.Fatal(err)
	}

	doc, at, err = svc.Previous(ctx, "https://example.com/page", "")
	if err != nil {
		t.Fatalf("previous: %v", err)
	}
	if doc == nil || doc.Markdown != "# v1" || at == nil {
		t.Errorf("previous = %+v at %v", doc, at)
	}
}

func TestPreviousPartitionedByTag(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	tagged := &models.ScrapeOptions{
		Formats:        []string{"markdown", "changeTracking"},
		ChangeTracking: &models.ChangeTrackingOptions{Tag: "pricing"},
	}
	if err := svc.Store(ctx, "https://example.com/page", tagged, markdownDoc("# tagged"), 200); err != nil {
		t.Fatal(err)
	}

	// The same tag sees its own snapshot.
	doc, _, err := svc.Previous(ctx, "https://example.com/page", "pricing")
	if err != nil || doc == nil || doc.Markdown != "# tagged" {
		t.Errorf("same tag previous = %+v, %v", doc, err)
	}

	// Another tag and the untagged namespace see nothing.
	if doc, _, _ := svc.Previous(ctx, "https://example.com/page", "inventory"); doc != nil {
		t.Errorf("foreign tag saw snapshot %+v", doc)
	}
	if doc, _, _ := svc.Previous(ctx, "https://example.com/page", ""); doc != nil {
		t.Errorf("untagged namespace saw tagged snapshot %+v", doc)
	}
}
