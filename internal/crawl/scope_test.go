package crawl

import (
	"testing"

	"github.com/forageapi/forage/internal/models"
)

func intPtr(v int) *int { return &v }

func TestScopeAdmit(t *testing.T) {
	boolPtr := func(v bool) *bool { return &v }

	tests := []struct {
		name    string
		seed    string
		opts    models.CrawlOptions
		url     string
		hops    int
		sitemap bool
		admit   bool
		reason  string
	}{
		{
			name:  "same host same path prefix",
			seed:  "https://example.com/docs",
			url:   "https://example.com/docs/page",
			admit: true,
		},
		{
			name:   "outside path prefix without entire domain",
			seed:   "https://example.com/docs",
			url:    "https://example.com/blog/post",
			admit:  false,
			reason: RejectOutOfScope,
		},
		{
			name:  "outside path prefix with entire domain",
			seed:  "https://example.com/docs",
			opts:  models.CrawlOptions{CrawlEntireDomain: boolPtr(true)},
			url:   "https://example.com/blog/post",
			admit: true,
		},
		{
			name:  "legacy allowBackwardLinks alias",
			seed:  "https://example.com/docs",
			opts:  models.CrawlOptions{AllowBackwardLinks: true},
			url:   "https://example.com/blog/post",
			admit: true,
		},
		{
			name:   "other host",
			seed:   "https://example.com/",
			url:    "https://other.example.org/",
			admit:  false,
			reason: RejectOutOfScope,
		},
		{
			name:   "subdomain rejected by default",
			seed:   "https://example.com/",
			url:    "https://docs.example.com/a",
			admit:  false,
			reason: RejectOutOfScope,
		},
		{
			name:  "subdomain allowed when configured",
			seed:  "https://example.com/",
			opts:  models.CrawlOptions{AllowSubdomains: true},
			url:   "https://docs.example.com/a",
			admit: true,
		},
		{
			name:  "sibling subdomain via registrable domain",
			seed:  "https://www.example.com/",
			opts:  models.CrawlOptions{AllowSubdomains: true},
			url:   "https://api.example.com/a",
			admit: true,
		},
		{
			name:   "beyond max depth",
			seed:   "https://example.com/",
			opts:   models.CrawlOptions{MaxDepth: intPtr(2)},
			url:    "https://example.com/a/b/c",
			admit:  false,
			reason: RejectDepth,
		},
		{
			name:  "at max depth",
			seed:  "https://example.com/",
			opts:  models.CrawlOptions{MaxDepth: intPtr(2)},
			url:   "https://example.com/a/b",
			admit: true,
		},
		{
			// Depth is the URL's own path depth, not how few hops it
			// took to find it.
			name:   "deep page one hop away",
			seed:   "https://example.com/",
			opts:   models.CrawlOptions{MaxDepth: intPtr(1)},
			url:    "https://example.com/a/b/c",
			hops:   1,
			admit:  false,
			reason: RejectDepth,
		},
		{
			name:  "depth measured beyond the seed path",
			seed:  "https://example.com/docs",
			opts:  models.CrawlOptions{MaxDepth: intPtr(1)},
			url:   "https://example.com/docs/intro",
			admit: true,
		},
		{
			name:   "beyond max discovery depth",
			seed:   "https://example.com/",
			opts:   models.CrawlOptions{MaxDiscoveryDepth: intPtr(1)},
			url:    "https://example.com/a",
			hops:   2,
			admit:  false,
			reason: RejectDiscovery,
		},
		{
			name:    "sitemap finds skip discovery depth",
			seed:    "https://example.com/",
			opts:    models.CrawlOptions{MaxDiscoveryDepth: intPtr(0)},
			url:     "https://example.com/a",
			hops:    5,
			sitemap: true,
			admit:   true,
		},
		{
			name:   "excluded path",
			seed:   "https://example.com/",
			opts:   models.CrawlOptions{ExcludePaths: []string{`^/admin`}},
			url:    "https://example.com/admin/panel",
			admit:  false,
			reason: RejectExcluded,
		},
		{
			name:   "include list misses",
			seed:   "https://example.com/",
			opts:   models.CrawlOptions{IncludePaths: []string{`^/docs`}},
			url:    "https://example.com/blog",
			admit:  false,
			reason: RejectNotInclude,
		},
		{
			name:  "include list matches",
			seed:  "https://example.com/",
			opts:  models.CrawlOptions{IncludePaths: []string{`^/docs`}},
			url:   "https://example.com/docs/intro",
			admit: true,
		},
		{
			name:   "regex on full url",
			seed:   "https://example.com/",
			opts:   models.CrawlOptions{ExcludePaths: []string{`\?page=`}, RegexOnFullURL: true},
			url:    "https://example.com/list?page=2",
			admit:  false,
			reason: RejectExcluded,
		},
		{
			name:   "non-http scheme",
			seed:   "https://example.com/",
			url:    "ftp://example.com/file",
			admit:  false,
			reason: RejectScheme,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scope, err := NewScope(tt.seed, &tt.opts)
			if err != nil {
				t.Fatalf("NewScope: %v", err)
			}
			ok, reason := scope.Admit(tt.url, tt.hops, tt.sitemap)
			if ok != tt.admit {
				t.Errorf("Admit(%q, %d) = %v (%s), want %v", tt.url, tt.hops, ok, reason, tt.admit)
			}
			if !tt.admit && tt.reason != "" && reason != tt.reason {
				t.Errorf("reason = %q, want %q", reason, tt.reason)
			}
		})
	}
}

func TestNewScopeRejectsMaxDepthBelowSeed(t *testing.T) {
	_, err := NewScope("https://example.com/docs/guides", &models.CrawlOptions{MaxDepth: intPtr(1)})
	if err == nil {
		t.Error("maxDepth below the seed's own depth accepted")
	}
	if _, err := NewScope("https://example.com/docs", &models.CrawlOptions{MaxDepth: intPtr(1)}); err != nil {
		t.Errorf("maxDepth equal to seed depth rejected: %v", err)
	}
}

func TestNewScopeRejectsBadPatterns(t *testing.T) {
	_, err := NewScope("https://example.com/", &models.CrawlOptions{IncludePaths: []string{`[`}})
	if err == nil {
		t.Error("invalid include pattern accepted")
	}
	_, err = NewScope("https://example.com/", &models.CrawlOptions{ExcludePaths: []string{`(`}})
	if err == nil {
		t.Error("invalid exclude pattern accepted")
	}
}
