// Package index implements the result index: cached scrape results keyed
// by normalized URL and an option fingerprint.
package index

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"sort"
	"strings"

	"github.com/forageapi/forage/internal/models"
)

// defaultIndexDocs are filenames servers conventionally serve for a bare
// directory; /docs/index.html and /docs/ are the same page.
var defaultIndexDocs = map[string]bool{
	"index.html":  true,
	"index.htm":   true,
	"index.php":   true,
	"index.shtml": true,
	"index.xml":   true,
}

// NormalizeURL canonicalizes a URL for index keys and frontier dedup:
// scheme forced to https, lowercased host with any www. prefix and
// default ports stripped, default index documents removed, fragment
// dropped, query keys sorted, trailing slash removed from non-root
// paths. http and https variants of a page share one key. The original
// request URL is never rewritten; normalization exists only for key
// equality.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}

	scheme := strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	if host, port, ok := strings.Cut(u.Host, ":"); ok {
		if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
			u.Host = host
		}
	}
	u.Scheme = "https"
	u.Host = strings.TrimPrefix(u.Host, "www.")

	if i := strings.LastIndex(u.Path, "/"); i >= 0 && defaultIndexDocs[strings.ToLower(u.Path[i+1:])] {
		u.Path = u.Path[:i+1]
	}

	if u.Path == "" {
		u.Path = "/"
	} else if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	if u.RawQuery != "" {
		q := u.Query()
		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var parts []string
		for _, k := range keys {
			vals := q[k]
			sort.Strings(vals)
			for _, v := range vals {
				parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
			}
		}
		u.RawQuery = strings.Join(parts, "&")
	}

	return u.String(), nil
}

// fingerprintFields is the output-affecting subset of scrape options. Two
// requests with equal fields can safely share a cached result; fields like
// timeout or maxAge shape delivery, not content, and are excluded.
type fingerprintFields struct {
	Formats  []string               `json:"formats,omitempty"`
	Headers  map[string]string      `json:"headers,omitempty"`
	WaitFor  int                    `json:"waitFor,omitempty"`
	Mobile   bool                   `json:"mobile,omitempty"`
	Location *models.Location       `json:"location,omitempty"`
	BlockAds bool                   `json:"blockAds,omitempty"`
	Proxy    models.ProxyMode       `json:"proxy,omitempty"`
	Actions  []json.RawMessage      `json:"actions,omitempty"`
	JSONOpts *models.JSONOptions    `json:"jsonOptions,omitempty"`
	SkipTLS  bool                   `json:"skipTlsVerification,omitempty"`
}

// Fingerprint hashes the output-affecting options into a stable hex digest.
// changeTracking rides on whatever content was fetched, so it is excluded
// and a plain request can satisfy a tracked one. Proxy auto resolves to
// basic at fetch time, so it is indexed as basic and a later explicit
// basic request may reuse the entry.
func Fingerprint(opts *models.ScrapeOptions) string {
	formats := make([]string, 0, len(opts.Formats))
	for _, f := range opts.Formats {
		if f == models.FormatChangeTracking {
			continue
		}
		formats = append(formats, f)
	}
	sort.Strings(formats)

	proxy := opts.Proxy
	if proxy == models.ProxyAuto {
		proxy = models.ProxyBasic
	}

	f := fingerprintFields{
		Formats:  formats,
		Headers:  opts.Headers,
		WaitFor:  opts.WaitFor,
		Mobile:   opts.Mobile,
		Location: opts.Location,
		BlockAds: opts.BlockAds,
		Proxy:    proxy,
		Actions:  opts.Actions,
		JSONOpts: opts.JSONOptions,
		SkipTLS:  opts.SkipTLSVerification,
	}
	data, _ := json.Marshal(f)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}
