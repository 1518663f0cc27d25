package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/forageapi/forage/internal/models"
)

// fetchRaw fetches from a loopback httptest server, which the production
// private-address guard would otherwise reject.
func fetchRaw(t *testing.T, f *HTTPFetcher, req *Request) (*Result, error) {
	t.Helper()
	f.allowLocal = true
	return f.Fetch(context.Background(), req)
}

func TestHTTPFetcherHeadersAndUA(t *testing.T) {
	var gotUA, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotHeader = r.Header.Get("X-Custom")
		fmt.Fprint(w, "<html>ok</html>")
	}))
	defer srv.Close()

	f := NewHTTPFetcher(slog.Default())

	res, err := fetchRaw(t, f, &Request{
		URL:     srv.URL,
		Headers: map[string]string{"X-Custom": "yes"},
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.StatusCode != 200 {
		t.Errorf("status = %d", res.StatusCode)
	}
	if gotHeader != "yes" {
		t.Errorf("custom header = %q", gotHeader)
	}
	if !strings.Contains(gotUA, "ForageBot") {
		t.Errorf("user agent = %q", gotUA)
	}

	// Mobile emulation switches the UA.
	if _, err := fetchRaw(t, f, &Request{URL: srv.URL, Mobile: true}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(gotUA, "iPhone") {
		t.Errorf("mobile user agent = %q", gotUA)
	}
}

func TestHTTPFetcherTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(slog.Default())
	_, err := fetchRaw(t, f, &Request{URL: srv.URL, Timeout: 100 * time.Millisecond})
	var fe *Error
	if !errors.As(err, &fe) || fe.Code != models.CodeTimeout {
		t.Errorf("err = %v, want %s", err, models.CodeTimeout)
	}
	if fe != nil && !fe.Retryable {
		t.Error("timeout should be retryable")
	}
}

func TestHTTPFetcherSkipTLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "secure")
	}))
	defer srv.Close()

	f := NewHTTPFetcher(slog.Default())

	// Self-signed cert fails with verification on.
	_, err := fetchRaw(t, f, &Request{URL: srv.URL})
	var fe *Error
	if !errors.As(err, &fe) || fe.Code != models.CodeSSL {
		t.Errorf("err = %v, want %s", err, models.CodeSSL)
	}

	// And succeeds with verification off.
	res, err := fetchRaw(t, f, &Request{URL: srv.URL, SkipTLS: true})
	if err != nil {
		t.Fatalf("fetch with skipTLS: %v", err)
	}
	if string(res.Body) != "secure" {
		t.Errorf("body = %q", res.Body)
	}
}

func TestHTTPFetcherNonOKStatusIsResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(slog.Default())
	res, err := fetchRaw(t, f, &Request{URL: srv.URL + "/missing"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.StatusCode != 404 {
		t.Errorf("status = %d, want 404", res.StatusCode)
	}
}

func TestRobotsChecker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fmt.Fprint(w, "User-agent: *\nDisallow: /private/\nCrawl-delay: 2\n")
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	rc := NewRobotsChecker("")
	ctx := context.Background()

	allowed, delay, err := rc.Allowed(ctx, srv.URL+"/public/page")
	if err != nil {
		t.Fatalf("allowed: %v", err)
	}
	if !allowed {
		t.Error("public path blocked")
	}
	if delay != 2*time.Second {
		t.Errorf("crawl delay = %v, want 2s", delay)
	}

	allowed, _, err = rc.Allowed(ctx, srv.URL+"/private/secret")
	if err != nil {
		t.Fatalf("allowed: %v", err)
	}
	if allowed {
		t.Error("private path allowed")
	}
}

func TestRobotsCheckerMissingFileAllowsAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	rc := NewRobotsChecker("")
	allowed, _, err := rc.Allowed(context.Background(), srv.URL+"/anything")
	if err != nil || !allowed {
		t.Errorf("allowed = %v, %v; want true, nil", allowed, err)
	}
}

func TestSitemapDiscoverer(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sitemap.xml":
			fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>%s/sitemap-pages.xml</loc></sitemap>
</sitemapindex>`, srv.URL)
		case "/sitemap-pages.xml":
			fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%s/a</loc></url>
  <url><loc>%s/b</loc></url>
</urlset>`, srv.URL, srv.URL)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	d := NewSitemapDiscoverer(slog.Default(), "")
	urls, ok := d.TryDiscover(context.Background(), srv.URL+"/start")
	if !ok {
		t.Fatal("discovery failed")
	}
	if len(urls) != 2 {
		t.Fatalf("urls = %v", urls)
	}
	if urls[0] != srv.URL+"/a" || urls[1] != srv.URL+"/b" {
		t.Errorf("urls = %v", urls)
	}
}

func TestSitemapDiscovererMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	d := NewSitemapDiscoverer(slog.Default(), "")
	if _, ok := d.TryDiscover(context.Background(), srv.URL); ok {
		t.Error("discovery reported success without a sitemap")
	}
}
