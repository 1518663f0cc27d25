// Package fetch retrieves page content. Fetchers classify transport
// failures into the error taxonomy so callers can decide between retry,
// engine escalation, and terminal failure.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/forageapi/forage/internal/models"
)

// Request is a single fetch attempt.
type Request struct {
	URL       string
	Timeout   time.Duration
	Headers   map[string]string
	UserAgent string
	Mobile    bool
	SkipTLS   bool
	Proxy     models.ProxyMode
	WaitFor   time.Duration
	BlockAds  bool
}

// Result is a successful fetch. Non-2xx statuses are results, not errors;
// the pipeline decides what a 404 means.
type Result struct {
	FinalURL    string
	StatusCode  int
	Body        []byte
	ContentType string
	IsPDF       bool
	NumPages    int
	ProxyUsed   models.ProxyMode
}

// Fetcher retrieves a URL.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Result, error)
}

// Error is a classified fetch failure. Code is one of the models.Code*
// taxonomy values; Retryable marks failures worth another attempt or an
// engine escalation.
type Error struct {
	Code      string
	Message   string
	Retryable bool
	cause     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Classify maps a transport error onto the taxonomy. Unrecognized errors
// become retryable internal failures.
func Classify(err error, rawURL string) *Error {
	if err == nil {
		return nil
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &Error{
			Code:    models.CodeDNSResolution,
			Message: fmt.Sprintf("could not resolve host for %s", rawURL),
			cause:   err,
		}
	}

	if isTimeout(err) {
		return &Error{
			Code:      models.CodeTimeout,
			Message:   fmt.Sprintf("timed out fetching %s", rawURL),
			Retryable: true,
			cause:     err,
		}
	}

	if isTLS(err) {
		// A broken certificate stays broken; the caller can opt into
		// skipTlsVerification instead.
		return &Error{
			Code:    models.CodeSSL,
			Message: fmt.Sprintf("TLS handshake failed for %s", rawURL),
			cause:   err,
		}
	}

	return &Error{
		Code:      models.CodeInternal,
		Message:   err.Error(),
		Retryable: true,
		cause:     err,
	}
}

// ValidateURL rejects URLs the service will not fetch: non-http schemes,
// empty hosts, and obvious local targets.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return &Error{Code: models.CodeInvalidURL, Message: fmt.Sprintf("unparseable URL: %s", rawURL), cause: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &Error{Code: models.CodeInvalidURL, Message: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	if u.Host == "" {
		return &Error{Code: models.CodeInvalidURL, Message: "URL has no host"}
	}
	host := u.Hostname()
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return &Error{Code: models.CodeInvalidURL, Message: "local addresses are not allowed"}
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return &Error{Code: models.CodeInvalidURL, Message: "private addresses are not allowed"}
		}
	}
	return nil
}

// RewriteGoogleDocsURL maps Google Docs viewer URLs onto their export
// endpoints so documents fetch as plain files.
func RewriteGoogleDocsURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || !strings.HasSuffix(u.Hostname(), "docs.google.com") {
		return rawURL
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	// Path shape: {kind}/d/{id}/...
	if len(parts) < 3 || parts[1] != "d" {
		return rawURL
	}
	id := parts[2]

	switch parts[0] {
	case "document":
		return fmt.Sprintf("https://docs.google.com/document/d/%s/export?format=pdf", id)
	case "presentation":
		return fmt.Sprintf("https://docs.google.com/presentation/d/%s/export/pdf", id)
	case "spreadsheets":
		return fmt.Sprintf("https://docs.google.com/spreadsheets/d/%s/export?format=csv", id)
	}
	return rawURL
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "context deadline exceeded")
}

func isTLS(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "x509:") ||
		strings.Contains(msg, "tls:") ||
		strings.Contains(msg, "certificate")
}
