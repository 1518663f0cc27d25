package mw

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/forageapi/forage/internal/constants"
	"github.com/forageapi/forage/internal/ratelimit"
)

// RateLimit returns a middleware enforcing the per-team, per-operation
// sliding window. It must run after Auth; requests without a chunk pass
// through untouched. Denials carry Retry-After plus the X-RateLimit
// headers.
func RateLimit(limiter *ratelimit.Limiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			chunk := GetAuthChunk(r.Context())
			if chunk == nil || chunk.Bypass {
				next.ServeHTTP(w, r)
				return
			}

			op := OpFromRequest(r)
			decision, err := limiter.Check(chunk, op)
			if err != nil {
				logger.Error("rate limit check failed", "op", op, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))

			if !decision.Allowed {
				retryAfter := int(decision.RetryAfter.Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]any{
					"success": false,
					"error":   "Rate limit exceeded for " + op + ", please retry later",
					"details": map[string]int{
						"retryAfter": retryAfter,
						"limit":      decision.Limit,
						"remaining":  decision.Remaining,
					},
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// OpFromRequest maps a request to its rate-limit operation. Reads count
// against the cheap status window; submissions count against their own
// per-operation windows.
func OpFromRequest(r *http.Request) string {
	path := strings.Trim(r.URL.Path, "/")
	segments := strings.Split(path, "/")
	// Drop the version prefix (v1, v2, ...).
	if len(segments) > 0 && strings.HasPrefix(segments[0], "v") {
		segments = segments[1:]
	}
	if len(segments) == 0 {
		return constants.OpCrawlStatus
	}

	if r.Method != http.MethodPost {
		return constants.OpCrawlStatus
	}

	switch segments[0] {
	case "scrape":
		return constants.OpScrape
	case "crawl":
		return constants.OpCrawl
	case "batch":
		return constants.OpBatchScrape
	case "map":
		return constants.OpMap
	case "search":
		return constants.OpSearch
	case "extract":
		return constants.OpExtract
	}
	return constants.OpCrawlStatus
}
