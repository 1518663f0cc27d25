package fetch

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/forageapi/forage/internal/models"
)

// MockFetcher serves deterministic pages without network access. Used
// when a request sets useMock, and by tests. Pages can be registered
// explicitly; unregistered URLs get a synthesized page whose content
// derives from the path, so repeated fetches are stable.
type MockFetcher struct {
	mu    sync.RWMutex
	pages map[string]*Result
	errs  map[string]error

	callMu sync.Mutex
	calls  []string
}

func NewMockFetcher() *MockFetcher {
	return &MockFetcher{
		pages: make(map[string]*Result),
		errs:  make(map[string]error),
	}
}

// RegisterPage serves the body for the exact URL.
func (m *MockFetcher) RegisterPage(rawURL, html string) {
	m.RegisterResult(rawURL, &Result{
		FinalURL:    rawURL,
		StatusCode:  200,
		Body:        []byte(html),
		ContentType: "text/html; charset=utf-8",
		ProxyUsed:   models.ProxyBasic,
	})
}

// RegisterResult serves a full result for the exact URL.
func (m *MockFetcher) RegisterResult(rawURL string, res *Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[rawURL] = res
}

// RegisterError fails fetches of the exact URL.
func (m *MockFetcher) RegisterError(rawURL string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[rawURL] = err
}

// Calls returns the URLs fetched so far, in order.
func (m *MockFetcher) Calls() []string {
	m.callMu.Lock()
	defer m.callMu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockFetcher) Fetch(ctx context.Context, req *Request) (*Result, error) {
	if err := ValidateURL(req.URL); err != nil {
		return nil, err
	}

	m.callMu.Lock()
	m.calls = append(m.calls, req.URL)
	m.callMu.Unlock()

	m.mu.RLock()
	res, okPage := m.pages[req.URL]
	err, okErr := m.errs[req.URL]
	m.mu.RUnlock()

	if okErr {
		return nil, err
	}
	if okPage {
		return res, nil
	}
	return m.synthesize(req.URL), nil
}

// synthesize builds a stable page for an unregistered URL with a title
// drawn from the path and a couple of same-site links.
func (m *MockFetcher) synthesize(rawURL string) *Result {
	u, _ := url.Parse(rawURL)
	title := strings.Trim(u.Path, "/")
	if title == "" {
		title = "home"
	}

	base := u.Scheme + "://" + u.Host
	html := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><title>%s</title><meta name="description" content="Mock page for %s"></head>
<body>
<h1>%s</h1>
<p>Deterministic content for %s.</p>
<a href="%s/%s/child-a">Child A</a>
<a href="%s/%s/child-b">Child B</a>
</body>
</html>`, title, rawURL, title, rawURL, base, title, base, title)

	return &Result{
		FinalURL:    rawURL,
		StatusCode:  200,
		Body:        []byte(html),
		ContentType: "text/html; charset=utf-8",
		ProxyUsed:   models.ProxyBasic,
	}
}
