package accounts

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/forageapi/forage/internal/models"
)

type fakeSource struct {
	failures int
	calls    int
	team     *models.Team
	settled  []SettleOp
	keys     []string // idempotency key seen on every settle attempt
}

func (f *fakeSource) ResolveKeyHash(ctx context.Context, keyHash string) (*models.Team, bool, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, false, errors.New("transient backend error")
	}
	return f.team, false, nil
}

func (f *fakeSource) Settle(ctx context.Context, op SettleOp) error {
	f.calls++
	f.keys = append(f.keys, op.IdempotencyKey)
	if f.calls <= f.failures {
		return errors.New("transient backend error")
	}
	f.settled = append(f.settled, op)
	return nil
}

func newTestService(src Source) *Service {
	s := NewService(src, slog.Default())
	s.backoff = time.Millisecond
	return s
}

func TestResolveCredentialRetriesTransientFailures(t *testing.T) {
	src := &fakeSource{
		failures: 2,
		team:     &models.Team{ID: "team-1", Plan: "standard", CreditsRemaining: 100, ConcurrencyMax: 5},
	}
	svc := newTestService(src)

	chunk, err := svc.ResolveCredential(context.Background(), "fc-test-key")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if chunk.TeamID != "team-1" || chunk.ConcurrencyMax != 5 {
		t.Errorf("chunk = %+v", chunk)
	}
	if src.calls != 3 {
		t.Errorf("calls = %d, want 3 (two failures then success)", src.calls)
	}
}

func TestResolveCredentialUnknown(t *testing.T) {
	svc := newTestService(&fakeSource{team: nil})

	_, err := svc.ResolveCredential(context.Background(), "fc-bogus")
	if !errors.Is(err, ErrUnknownCredential) {
		t.Errorf("err = %v, want ErrUnknownCredential", err)
	}
}

func TestResolveCredentialGivesUpAfterRetries(t *testing.T) {
	src := &fakeSource{failures: 100}
	svc := newTestService(src)

	_, err := svc.ResolveCredential(context.Background(), "fc-test-key")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if src.calls != svc.retries+1 {
		t.Errorf("calls = %d, want %d", src.calls, svc.retries+1)
	}
}

func TestResolveCredentialDefaultsConcurrency(t *testing.T) {
	src := &fakeSource{team: &models.Team{ID: "team-1", ConcurrencyMax: 0}}
	svc := newTestService(src)

	chunk, err := svc.ResolveCredential(context.Background(), "fc-test-key")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if chunk.ConcurrencyMax <= 0 {
		t.Errorf("concurrency = %d, want positive default", chunk.ConcurrencyMax)
	}
}

func TestSettleKeepsIdempotencyKeyAcrossRetries(t *testing.T) {
	src := &fakeSource{failures: 2}
	svc := newTestService(src)

	err := svc.Settle(context.Background(), SettleOp{TeamID: "team-1", Credits: 5})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if len(src.keys) != 3 {
		t.Fatalf("attempts = %d, want 3", len(src.keys))
	}
	if src.keys[0] == "" {
		t.Fatal("settle attempt carried no idempotency key")
	}
	for i, k := range src.keys[1:] {
		if k != src.keys[0] {
			t.Errorf("attempt %d key = %q, want %q", i+2, k, src.keys[0])
		}
	}

	// A separate settlement gets its own key.
	if err := svc.Settle(context.Background(), SettleOp{TeamID: "team-1", Credits: 5}); err != nil {
		t.Fatal(err)
	}
	if last := src.keys[len(src.keys)-1]; last == src.keys[0] {
		t.Error("distinct settlements shared an idempotency key")
	}
}

func TestHashKeyStable(t *testing.T) {
	a := HashKey("fc-abc")
	b := HashKey("fc-abc")
	c := HashKey("fc-abd")
	if a != b {
		t.Error("hash not deterministic")
	}
	if a == c {
		t.Error("distinct keys collide")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
}
