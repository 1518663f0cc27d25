// Package crawl orchestrates multi-page crawls: frontier admission,
// child fan-out, pacing, counters, and completion.
package crawl

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/forageapi/forage/internal/models"
)

// Rejection reasons reported by the admission predicate.
const (
	RejectOutOfScope = "out_of_scope"
	RejectDepth      = "max_depth"
	RejectDiscovery  = "max_discovery_depth"
	RejectExcluded   = "excluded_path"
	RejectNotInclude = "not_included_path"
	RejectScheme     = "unsupported_scheme"
)

// Scope is the compiled admission predicate for one crawl. Built once
// from the seed URL and options, then consulted for every discovered
// link.
type Scope struct {
	seedHost    string
	seedDomain  string // eTLD+1
	seedPath    string
	seedDepth   int
	entireSite  bool
	subdomains  bool
	maxDepth    int
	maxDiscover int
	includes    []*regexp.Regexp
	excludes    []*regexp.Regexp
	onFullURL   bool
}

// NewScope compiles the predicate. Invalid include/exclude patterns are
// a validation error surfaced at submit time.
func NewScope(seedURL string, opts *models.CrawlOptions) (*Scope, error) {
	u, err := url.Parse(seedURL)
	if err != nil {
		return nil, models.NewInvalidURLError(seedURL)
	}
	host := strings.ToLower(u.Hostname())

	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		// Bare hosts and IPs have no registrable domain; scope falls
		// back to exact-host matching.
		domain = host
	}

	s := &Scope{
		seedHost:    host,
		seedDomain:  domain,
		seedPath:    u.Path,
		seedDepth:   pathDepth(u.Path),
		entireSite:  opts.EntireDomain(),
		subdomains:  opts.AllowSubdomains,
		maxDepth:    -1,
		maxDiscover: -1,
		onFullURL:   opts.RegexOnFullURL,
	}
	if opts.MaxDepth != nil {
		if s.seedDepth > *opts.MaxDepth {
			return nil, models.NewValidationError(
				"maxDepth %d is below the seed URL's own depth %d", *opts.MaxDepth, s.seedDepth)
		}
		s.maxDepth = *opts.MaxDepth
	}
	if opts.MaxDiscoveryDepth != nil {
		s.maxDiscover = *opts.MaxDiscoveryDepth
	}

	for _, p := range opts.IncludePaths {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, models.NewValidationError("invalid includePaths pattern %q: %v", p, err)
		}
		s.includes = append(s.includes, re)
	}
	for _, p := range opts.ExcludePaths {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, models.NewValidationError("invalid excludePaths pattern %q: %v", p, err)
		}
		s.excludes = append(s.excludes, re)
	}

	return s, nil
}

// Admit decides whether a discovered link enters the frontier. Crawl
// depth is a property of the URL itself: path segments beyond the seed's,
// so a deep page reached in one hop is still deep. hops counts discovery
// iterations and only feeds maxDiscoveryDepth, which never constrains
// sitemap finds. Returns the rejection reason for observability.
func (s *Scope) Admit(rawURL string, hops int, fromSitemap bool) (bool, string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, RejectScheme
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false, RejectScheme
	}

	if !s.inSite(strings.ToLower(u.Hostname())) {
		return false, RejectOutOfScope
	}

	if s.maxDepth >= 0 && pathDepth(u.Path)-s.seedDepth > s.maxDepth {
		return false, RejectDepth
	}
	if !fromSitemap && s.maxDiscover >= 0 && hops > s.maxDiscover {
		return false, RejectDiscovery
	}

	// Without entire-domain the crawl stays under the seed's path prefix.
	if !s.entireSite && s.seedPath != "" && s.seedPath != "/" {
		if !strings.HasPrefix(u.Path, strings.TrimSuffix(s.seedPath, "/")) {
			return false, RejectOutOfScope
		}
	}

	target := u.Path
	if s.onFullURL {
		target = rawURL
	}
	for _, re := range s.excludes {
		if re.MatchString(target) {
			return false, RejectExcluded
		}
	}
	if len(s.includes) > 0 {
		matched := false
		for _, re := range s.includes {
			if re.MatchString(target) {
				matched = true
				break
			}
		}
		if !matched {
			return false, RejectNotInclude
		}
	}

	return true, ""
}

// pathDepth counts non-empty path segments, so /, //, and a trailing
// slash do not inflate depth.
func pathDepth(path string) int {
	n := 0
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			n++
		}
	}
	return n
}

func (s *Scope) inSite(host string) bool {
	if host == s.seedHost {
		return true
	}
	if s.subdomains {
		if host == s.seedDomain || strings.HasSuffix(host, "."+s.seedDomain) {
			return true
		}
	}
	return false
}

// Describe summarizes the scope for logs.
func (s *Scope) Describe() string {
	return fmt.Sprintf("host=%s domain=%s entireSite=%v subdomains=%v maxDepth=%d",
		s.seedHost, s.seedDomain, s.entireSite, s.subdomains, s.maxDepth)
}
