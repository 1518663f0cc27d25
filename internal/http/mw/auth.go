// Package mw contains HTTP middleware for the forage API.
package mw

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/forageapi/forage/internal/accounts"
	"github.com/forageapi/forage/internal/auth"
	"github.com/forageapi/forage/internal/constants"
	"github.com/forageapi/forage/internal/models"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// AuthChunkKey is the context key for the resolved auth chunk.
	AuthChunkKey ContextKey = "auth_chunk"
)

// Auth returns an authentication middleware that resolves the bearer
// credential into an auth chunk. Keyless requests get a synthetic
// preview chunk, partitioned by client IP, when preview access is
// enabled. With authDisabled every request gets the unlimited bypass
// identity and credentials are not consulted at all.
func Auth(cache *auth.ChunkCache, previewEnabled, authDisabled bool, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)

			var chunk *models.AuthChunk
			switch {
			case authDisabled:
				chunk = auth.BypassChunk()

			case token == "" || auth.IsPreviewToken(token):
				if !previewEnabled {
					writeAuthError(w, http.StatusUnauthorized, "missing authorization header")
					return
				}
				chunk = auth.PreviewChunk(clientIP(r))

			default:
				isExtract := OpFromRequest(r) == constants.OpExtract
				resolved, err := cache.Resolve(r.Context(), token, isExtract)
				if errors.Is(err, accounts.ErrUnknownCredential) {
					writeAuthError(w, http.StatusUnauthorized, "invalid API key")
					return
				}
				if err != nil {
					logger.Error("credential resolution failed", "error", err)
					writeAuthError(w, http.StatusServiceUnavailable, "authentication temporarily unavailable")
					return
				}
				chunk = resolved
			}

			ctx := context.WithValue(r.Context(), AuthChunkKey, chunk)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAuthChunk extracts the resolved auth chunk from context. Returns
// nil when the request did not pass the Auth middleware.
func GetAuthChunk(ctx context.Context) *models.AuthChunk {
	chunk, _ := ctx.Value(AuthChunkKey).(*models.AuthChunk)
	return chunk
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return header
}

// clientIP trusts RemoteAddr; the RealIP middleware upstream has already
// folded X-Forwarded-For into it.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"success":false,"error":"` + msg + `"}`))
}
