package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/forageapi/forage/internal/constants"
	"github.com/forageapi/forage/internal/kv"
	"github.com/forageapi/forage/internal/models"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	store, err := kv.Open("")
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewLimiter(store)
}

func teamChunk(id string, limits map[string]int) *models.AuthChunk {
	return &models.AuthChunk{TeamID: id, RateLimits: limits}
}

func TestCheckEnforcesLimit(t *testing.T) {
	l := newTestLimiter(t)
	chunk := teamChunk("team-1", map[string]int{constants.OpScrape: 3})

	for i := 1; i <= 3; i++ {
		d, err := l.Check(chunk, constants.OpScrape)
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("request %d denied within limit", i)
		}
		if d.Remaining != 3-i {
			t.Errorf("request %d remaining = %d, want %d", i, d.Remaining, 3-i)
		}
	}

	d, err := l.Check(chunk, constants.OpScrape)
	if err != nil {
		t.Fatalf("check over limit: %v", err)
	}
	if d.Allowed {
		t.Error("request over limit allowed")
	}
	if d.RetryAfter <= 0 {
		t.Error("denied decision missing RetryAfter")
	}
}

func TestCheckIsolatesOpsAndTeams(t *testing.T) {
	l := newTestLimiter(t)
	a := teamChunk("team-a", map[string]int{constants.OpScrape: 1, constants.OpMap: 1})
	b := teamChunk("team-b", map[string]int{constants.OpScrape: 1})

	if d, _ := l.Check(a, constants.OpScrape); !d.Allowed {
		t.Fatal("first scrape denied")
	}
	if d, _ := l.Check(a, constants.OpScrape); d.Allowed {
		t.Error("second scrape should be denied")
	}
	// Different op, same team: independent window.
	if d, _ := l.Check(a, constants.OpMap); !d.Allowed {
		t.Error("map op denied by scrape window")
	}
	// Different team, same op: independent window.
	if d, _ := l.Check(b, constants.OpScrape); !d.Allowed {
		t.Error("team-b denied by team-a window")
	}
}

func TestWindowSlidesOverRequestHistory(t *testing.T) {
	l := newTestLimiter(t)
	chunk := teamChunk("team-1", map[string]int{constants.OpScrape: 1})

	// A request 45s into a 60s window still occupies its slot; there is
	// no boundary at which the whole allowance comes back at once.
	stale := kv.ScoreNow(time.Now().Add(-45 * time.Second))
	if err := l.store.ZAdd(counterKey(chunk, constants.OpScrape), "earlier", stale); err != nil {
		t.Fatal(err)
	}

	d, err := l.Check(chunk, constants.OpScrape)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed {
		t.Fatal("in-window request did not count against the limit")
	}
	// The slot frees when the earlier request ages out, ~15s from now,
	// not a full window later.
	if d.RetryAfter < 14*time.Second || d.RetryAfter > 16*time.Second {
		t.Errorf("RetryAfter = %v, want about 15s", d.RetryAfter)
	}
}

func TestExpiredRequestsFreeTheirSlots(t *testing.T) {
	l := newTestLimiter(t)
	chunk := teamChunk("team-1", map[string]int{constants.OpScrape: 1})

	expired := kv.ScoreNow(time.Now().Add(-2 * constants.RateLimitWindow))
	if err := l.store.ZAdd(counterKey(chunk, constants.OpScrape), "ancient", expired); err != nil {
		t.Fatal(err)
	}

	d, err := l.Check(chunk, constants.OpScrape)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !d.Allowed {
		t.Error("request denied by a slot outside the window")
	}
}

func TestLimitForFallsBackToDefaults(t *testing.T) {
	chunk := teamChunk("team-1", nil)
	if got := LimitFor(chunk, constants.OpScrape); got != constants.DefaultRateLimits[constants.OpScrape] {
		t.Errorf("default limit = %d", got)
	}

	chunk.RateLimits = map[string]int{constants.OpScrape: 7}
	if got := LimitFor(chunk, constants.OpScrape); got != 7 {
		t.Errorf("plan limit = %d, want 7", got)
	}
}

func TestPreviewPartitionedByIP(t *testing.T) {
	l := newTestLimiter(t)

	limit := constants.PreviewRateLimits[constants.OpCrawl]
	mk := func(ip string) *models.AuthChunk {
		return &models.AuthChunk{TeamID: "preview_" + ip, Preview: true, PreviewIP: ip}
	}

	for i := 0; i < limit; i++ {
		if d, _ := l.Check(mk("198.51.100.1"), constants.OpCrawl); !d.Allowed {
			t.Fatalf("preview request %d denied within limit %d", i+1, limit)
		}
	}
	if d, _ := l.Check(mk("198.51.100.1"), constants.OpCrawl); d.Allowed {
		t.Error("preview over limit allowed")
	}
	// A different IP gets a fresh window.
	if d, _ := l.Check(mk("198.51.100.2"), constants.OpCrawl); !d.Allowed {
		t.Error("second IP denied by first IP's window")
	}
}

func TestPreviewUsesPreviewTable(t *testing.T) {
	chunk := &models.AuthChunk{
		Preview:    true,
		PreviewIP:  "192.0.2.1",
		RateLimits: map[string]int{constants.OpScrape: 99999},
	}
	want := constants.PreviewRateLimits[constants.OpScrape]
	if got := LimitFor(chunk, constants.OpScrape); got != want {
		t.Errorf("preview limit = %d, want %d (plan table must not apply)", got, want)
	}
}

func ExampleLimiter_Check() {
	store, _ := kv.Open("")
	defer store.Close()
	l := NewLimiter(store)

	chunk := &models.AuthChunk{TeamID: "team-1", RateLimits: map[string]int{"scrape": 2}}
	for i := 0; i < 3; i++ {
		d, _ := l.Check(chunk, "scrape")
		fmt.Println(d.Allowed)
	}
	// Output:
	// true
	// true
	// false
}
