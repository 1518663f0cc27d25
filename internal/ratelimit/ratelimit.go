// Package ratelimit enforces per-team, per-operation sliding windows over
// the shared KV store, so every API instance sees the same request history.
package ratelimit

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/forageapi/forage/internal/constants"
	"github.com/forageapi/forage/internal/kv"
	"github.com/forageapi/forage/internal/models"
)

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration // only meaningful when !Allowed
}

// Limiter records request timestamps per (team, operation) and admits a
// request only while fewer than the limit fall inside the trailing window.
type Limiter struct {
	store  *kv.Store
	window time.Duration
}

// NewLimiter creates a limiter over the shared store.
func NewLimiter(store *kv.Store) *Limiter {
	return &Limiter{store: store, window: constants.RateLimitWindow}
}

// LimitFor resolves the effective requests-per-window limit for a chunk
// and operation: the chunk's plan table first, then the built-in defaults.
func LimitFor(chunk *models.AuthChunk, op string) int {
	if chunk.Preview {
		if n, ok := constants.PreviewRateLimits[op]; ok {
			return n
		}
	}
	if n, ok := chunk.RateLimits[op]; ok && n > 0 {
		return n
	}
	if n, ok := constants.DefaultRateLimits[op]; ok {
		return n
	}
	return constants.DefaultRateLimits[constants.OpScrape]
}

// Check consumes one slot from the team's window for op and reports
// whether the request may proceed. The window slides over the recorded
// request timestamps, so a burst never gets a fresh allowance just by
// straddling a boundary. On denial RetryAfter is the time until the
// oldest recorded request ages out, rounded up to whole seconds.
func (l *Limiter) Check(chunk *models.AuthChunk, op string) (Decision, error) {
	limit := LimitFor(chunk, op)
	set := counterKey(chunk, op)
	now := time.Now()

	admitted, count, oldest, err := l.store.ZAddUnderCap(
		set, ulid.Make().String(), kv.ScoreNow(now), kv.ScoreNow(now.Add(-l.window)), limit)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit window: %w", err)
	}

	d := Decision{
		Allowed:   admitted,
		Limit:     limit,
		Remaining: limit - count,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !admitted {
		resetMs := oldest + l.window.Milliseconds() - now.UnixMilli()
		if resetMs < 0 {
			resetMs = 0
		}
		d.RetryAfter = time.Duration((resetMs+999)/1000) * time.Second
		if d.RetryAfter < time.Second {
			d.RetryAfter = time.Second
		}
	}
	return d, nil
}

// counterKey partitions preview traffic by client IP so keyless callers
// cannot pool a shared window.
func counterKey(chunk *models.AuthChunk, op string) string {
	if chunk.Preview {
		return fmt.Sprintf("rl:preview:%s:%s", chunk.PreviewIP, op)
	}
	return fmt.Sprintf("rl:%s:%s", chunk.TeamID, op)
}
