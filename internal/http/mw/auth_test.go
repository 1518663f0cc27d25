package mw

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/forageapi/forage/internal/accounts"
	"github.com/forageapi/forage/internal/auth"
	"github.com/forageapi/forage/internal/models"
)

type staticSource struct {
	keyHash string
	team    *models.Team
}

func (s *staticSource) ResolveKeyHash(_ context.Context, keyHash string) (*models.Team, bool, error) {
	if s.team != nil && keyHash == s.keyHash {
		return s.team, false, nil
	}
	return nil, false, nil
}

func (s *staticSource) Settle(context.Context, accounts.SettleOp) error { return nil }

func newTestCache(t *testing.T) *auth.ChunkCache {
	t.Helper()
	source := &staticSource{
		keyHash: accounts.HashKey("fc-test-key"),
		team: &models.Team{
			ID:               "team-1",
			Plan:             "standard",
			CreditsRemaining: 100,
		},
	}
	cache := auth.NewChunkCache(accounts.NewService(source, slog.Default()), slog.Default())
	t.Cleanup(cache.Stop)
	return cache
}

func chunkEcho(t *testing.T, got **models.AuthChunk) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = GetAuthChunk(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthResolvesBearerKey(t *testing.T) {
	var got *models.AuthChunk
	handler := Auth(newTestCache(t), false, false, slog.Default())(chunkEcho(t, &got))

	req := httptest.NewRequest(http.MethodGet, "/v1/scrape/x", nil)
	req.Header.Set("Authorization", "Bearer fc-test-key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got == nil || got.TeamID != "team-1" {
		t.Fatalf("chunk = %+v, want team-1", got)
	}
}

func TestAuthUnknownKey(t *testing.T) {
	var got *models.AuthChunk
	handler := Auth(newTestCache(t), false, false, slog.Default())(chunkEcho(t, &got))

	req := httptest.NewRequest(http.MethodGet, "/v1/scrape/x", nil)
	req.Header.Set("Authorization", "Bearer fc-wrong-key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got != nil {
		t.Fatalf("handler ran despite auth failure")
	}
	if !strings.Contains(rec.Body.String(), `"success":false`) {
		t.Fatalf("body = %s, want error envelope", rec.Body.String())
	}
}

func TestAuthMissingHeaderPreviewDisabled(t *testing.T) {
	var got *models.AuthChunk
	handler := Auth(newTestCache(t), false, false, slog.Default())(chunkEcho(t, &got))

	req := httptest.NewRequest(http.MethodGet, "/v1/scrape/x", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuthPreviewChunkPartitionedByIP(t *testing.T) {
	var got *models.AuthChunk
	handler := Auth(newTestCache(t), true, false, slog.Default())(chunkEcho(t, &got))

	req := httptest.NewRequest(http.MethodGet, "/v1/scrape/x", nil)
	req.RemoteAddr = "203.0.113.9:51334"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got == nil || !got.Preview {
		t.Fatalf("chunk = %+v, want preview chunk", got)
	}
	if got.TeamID != "preview_203.0.113.9" {
		t.Fatalf("TeamID = %q, want preview_203.0.113.9", got.TeamID)
	}
}

func TestAuthDisabledBypassesCredentials(t *testing.T) {
	var got *models.AuthChunk
	handler := Auth(newTestCache(t), false, true, slog.Default())(chunkEcho(t, &got))

	req := httptest.NewRequest(http.MethodGet, "/v1/scrape/x", nil)
	req.Header.Set("Authorization", "Bearer fc-wrong-key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got == nil || !got.Bypass {
		t.Fatalf("chunk = %+v, want bypass chunk", got)
	}
}

func TestAuthPreviewToken(t *testing.T) {
	var got *models.AuthChunk
	handler := Auth(newTestCache(t), true, false, slog.Default())(chunkEcho(t, &got))

	req := httptest.NewRequest(http.MethodGet, "/v1/scrape/x", nil)
	req.Header.Set("Authorization", "Bearer preview_session")
	req.RemoteAddr = "198.51.100.7:40000"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got == nil || !got.Preview {
		t.Fatalf("chunk = %+v, want preview chunk", got)
	}
}
