package fetch

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/forageapi/forage/internal/constants"
	"github.com/forageapi/forage/internal/models"
)

const (
	// maxBodyBytes caps downloads; pages beyond this are truncated.
	maxBodyBytes = 32 << 20 // 32MB

	desktopUserAgent = constants.DefaultUserAgent
	mobileUserAgent  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1 " + constants.DefaultUserAgent
)

// HTTPFetcher fetches over plain HTTP. The stealth proxy tier is not
// wired to a browser farm here, so auto resolves to basic and the result
// records which tier actually served the request.
type HTTPFetcher struct {
	client     *http.Client
	skipClient *http.Client
	pdf        *PDFExtractor
	logger     *slog.Logger

	// allowLocal disables the private-address guard. Tests fetch from
	// loopback httptest servers.
	allowLocal bool
}

// NewHTTPFetcher builds a fetcher with separate verified and
// skip-verification transports.
func NewHTTPFetcher(logger *slog.Logger) *HTTPFetcher {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.MaxIdleConnsPerHost = 16

	skip := base.Clone()
	skip.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}

	return &HTTPFetcher{
		client:     &http.Client{Transport: base},
		skipClient: &http.Client{Transport: skip},
		pdf:        NewPDFExtractor(logger),
		logger:     logger,
	}
}

// Fetch retrieves the URL, following redirects and classifying failures.
// PDF responses are decoded into per-page text transparently.
func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) (*Result, error) {
	if !f.allowLocal {
		if err := ValidateURL(req.URL); err != nil {
			return nil, err
		}
	}
	target := RewriteGoogleDocsURL(req.URL)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultScrapeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &Error{Code: models.CodeInvalidURL, Message: err.Error(), cause: err}
	}

	ua := req.UserAgent
	if ua == "" {
		if req.Mobile {
			ua = mobileUserAgent
		} else {
			ua = desktopUserAgent
		}
	}
	httpReq.Header.Set("User-Agent", ua)
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf,*/*;q=0.8")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	client := f.client
	if req.SkipTLS {
		client = f.skipClient
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, Classify(err, req.URL)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, Classify(err, req.URL)
	}

	result := &Result{
		FinalURL:    resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		ProxyUsed:   resolveProxy(req.Proxy),
	}

	if isPDFResponse(result.ContentType, body) {
		if timeout < constants.MinPDFTimeout {
			return nil, &Error{
				Code:    models.CodeTimeout,
				Message: fmt.Sprintf("PDF processing needs at least %s, got %s", constants.MinPDFTimeout, timeout),
			}
		}
		text, pages, err := f.pdf.Extract(ctx, body)
		if err != nil {
			return nil, err
		}
		result.IsPDF = true
		result.NumPages = pages
		result.Body = []byte(text)
		result.ContentType = "text/plain; charset=utf-8"
	}

	return result, nil
}

// resolveProxy maps the requested proxy mode to the tier actually used.
// Without a stealth browser pool every request rides the basic tier.
func resolveProxy(mode models.ProxyMode) models.ProxyMode {
	if mode == models.ProxyStealth {
		return models.ProxyStealth
	}
	return models.ProxyBasic
}

func isPDFResponse(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "application/pdf") {
		return true
	}
	return len(body) >= 5 && string(body[:5]) == "%PDF-"
}
