package concurrency

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/forageapi/forage/internal/constants"
	"github.com/forageapi/forage/internal/kv"
	"github.com/forageapi/forage/internal/models"
)

func newTestGovernor(t *testing.T) *Governor {
	t.Helper()
	store, err := kv.Open("")
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewGovernor(store)
}

func TestTryAcquireEnforcesLimit(t *testing.T) {
	g := newTestGovernor(t)

	for i := 0; i < 2; i++ {
		ok, err := g.TryAcquire("team-1", fmt.Sprintf("job-%d", i), 2)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("acquire %d denied under limit", i)
		}
	}

	ok, err := g.TryAcquire("team-1", "job-over", 2)
	if err != nil {
		t.Fatalf("acquire over limit: %v", err)
	}
	if ok {
		t.Error("acquired slot over limit")
	}

	// Releasing frees a slot.
	if err := g.Release("team-1", "job-0"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, _ = g.TryAcquire("team-1", "job-next", 2)
	if !ok {
		t.Error("slot not freed by release")
	}
}

func TestConcurrentAcquiresRespectLimit(t *testing.T) {
	g := newTestGovernor(t)
	const limit = 3
	const contenders = 8

	results := make(chan bool, contenders)
	errs := make(chan error, contenders)
	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := g.TryAcquire("team-1", fmt.Sprintf("job-%d", i), limit)
			results <- ok
			errs <- err
		}(i)
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
	}
	admitted := 0
	for ok := range results {
		if ok {
			admitted++
		}
	}
	if admitted != limit {
		t.Errorf("admitted %d concurrent acquires, want exactly %d", admitted, limit)
	}
	if n, _ := g.Active("team-1"); n != limit {
		t.Errorf("active = %d, want %d", n, limit)
	}
}

func TestExpiredLeasesAreSwept(t *testing.T) {
	g := newTestGovernor(t)
	g.leaseTTL = -time.Second // every lease born expired

	ok, err := g.TryAcquire("team-1", "job-dead", 1)
	if err != nil || !ok {
		t.Fatalf("acquire: %v %v", ok, err)
	}

	g.leaseTTL = DefaultLeaseTTL
	ok, err = g.TryAcquire("team-1", "job-live", 1)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if !ok {
		t.Error("expired lease still pinning the only slot")
	}
}

func TestTeamsAreIsolated(t *testing.T) {
	g := newTestGovernor(t)

	if ok, _ := g.TryAcquire("team-a", "job-1", 1); !ok {
		t.Fatal("team-a acquire failed")
	}
	if ok, _ := g.TryAcquire("team-b", "job-1", 1); !ok {
		t.Error("team-b denied by team-a lease")
	}
}

func TestActiveCount(t *testing.T) {
	g := newTestGovernor(t)

	g.TryAcquire("team-1", "a", 10)
	g.TryAcquire("team-1", "b", 10)

	n, err := g.Active("team-1")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if n != 2 {
		t.Errorf("active = %d, want 2", n)
	}
}

func TestLimitFor(t *testing.T) {
	tests := []struct {
		name       string
		chunk      *models.AuthChunk
		requestMax int
		want       int
	}{
		{"plan limit", &models.AuthChunk{ConcurrencyMax: 20}, 0, 20},
		{"request narrows", &models.AuthChunk{ConcurrencyMax: 20}, 5, 5},
		{"request cannot widen", &models.AuthChunk{ConcurrencyMax: 20}, 50, 20},
		{"zero falls back", &models.AuthChunk{}, 0, constants.DefaultTeamConcurrency},
		{"preview fixed", &models.AuthChunk{ConcurrencyMax: 100, Preview: true}, 0, constants.PreviewConcurrency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LimitFor(tt.chunk, tt.requestMax); got != tt.want {
				t.Errorf("LimitFor() = %d, want %d", got, tt.want)
			}
		})
	}
}
