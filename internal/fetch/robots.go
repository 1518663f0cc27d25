package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"

	"github.com/forageapi/forage/internal/constants"
)

// RobotsChecker fetches and caches robots.txt per host. An unreachable
// or missing robots.txt allows everything, matching common crawler
// convention.
type RobotsChecker struct {
	client    *http.Client
	userAgent string

	mu    sync.RWMutex
	cache map[string]*robotsEntry
}

type robotsEntry struct {
	group     *robotstxt.Group
	fetchedAt time.Time
}

const robotsCacheTTL = 30 * time.Minute

func NewRobotsChecker(userAgent string) *RobotsChecker {
	if userAgent == "" {
		userAgent = constants.DefaultUserAgent
	}
	return &RobotsChecker{
		client:    &http.Client{Timeout: constants.RobotsTimeout},
		userAgent: userAgent,
		cache:     make(map[string]*robotsEntry),
	}
}

// Allowed reports whether the URL may be crawled and any crawl-delay the
// host requests.
func (r *RobotsChecker) Allowed(ctx context.Context, rawURL string) (bool, time.Duration, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, 0, fmt.Errorf("parse url: %w", err)
	}

	group, err := r.groupFor(ctx, u)
	if err != nil {
		return true, 0, nil
	}
	if group == nil {
		return true, 0, nil
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return group.Test(path), group.CrawlDelay, nil
}

func (r *RobotsChecker) groupFor(ctx context.Context, u *url.URL) (*robotstxt.Group, error) {
	key := u.Scheme + "://" + u.Host

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < robotsCacheTTL {
		return entry.group, nil
	}

	group, err := r.fetchGroup(ctx, key)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = &robotsEntry{group: group, fetchedAt: time.Now()}
	r.mu.Unlock()
	return group, nil
}

func (r *RobotsChecker) fetchGroup(ctx context.Context, origin string) (*robotstxt.Group, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// 4xx means no robots policy; other statuses are treated the same
	// after the body parse below fails or yields an allow-all group.
	if resp.StatusCode >= 400 {
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil, err
	}
	return data.FindGroup(r.userAgent), nil
}
