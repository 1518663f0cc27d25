// Package concurrency caps in-flight jobs per team using expiring leases
// in the shared KV store. A worker that dies without releasing leaves its
// lease to lapse; the next check sweeps it out.
package concurrency

import (
	"fmt"
	"time"

	"github.com/forageapi/forage/internal/constants"
	"github.com/forageapi/forage/internal/kv"
	"github.com/forageapi/forage/internal/models"
)

// DefaultLeaseTTL bounds how long a crashed worker can hold a slot.
const DefaultLeaseTTL = 5 * time.Minute

// Governor manages per-team concurrency slots.
type Governor struct {
	store    *kv.Store
	leaseTTL time.Duration
}

// NewGovernor creates a governor over the shared store.
func NewGovernor(store *kv.Store) *Governor {
	return &Governor{store: store, leaseTTL: DefaultLeaseTTL}
}

// LimitFor resolves the effective concurrency cap for a chunk, optionally
// narrowed by a request-level maxConcurrency.
func LimitFor(chunk *models.AuthChunk, requestMax int) int {
	limit := chunk.ConcurrencyMax
	if chunk.Preview {
		limit = constants.PreviewConcurrency
	}
	if limit <= 0 {
		limit = constants.DefaultTeamConcurrency
	}
	if requestMax > 0 && requestMax < limit {
		limit = requestMax
	}
	return limit
}

// TryAcquire claims a slot for jobID if the team is under limit. The sweep
// of expired leases, the count, and the insert run in one store transaction,
// so concurrent acquires never admit past the cap.
func (g *Governor) TryAcquire(teamID, jobID string, limit int) (bool, error) {
	now := time.Now()
	expiry := kv.ScoreNow(now.Add(g.leaseTTL))
	ok, _, _, err := g.store.ZAddUnderCap(leaseSet(teamID), jobID, expiry, kv.ScoreNow(now), limit)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return ok, nil
}

// Renew extends the lease for a long-running job.
func (g *Governor) Renew(teamID, jobID string) error {
	expiry := kv.ScoreNow(time.Now().Add(g.leaseTTL))
	return g.store.ZAdd(leaseSet(teamID), jobID, expiry)
}

// Release frees the slot held by jobID. Releasing an unknown lease is a
// no-op, so completion paths can release unconditionally.
func (g *Governor) Release(teamID, jobID string) error {
	return g.store.ZRem(leaseSet(teamID), jobID)
}

// Active returns the team's current in-flight count after sweeping
// expired leases.
func (g *Governor) Active(teamID string) (int, error) {
	set := leaseSet(teamID)
	if _, err := g.store.ZRemRangeByScore(set, kv.ScoreNow(time.Now())); err != nil {
		return 0, fmt.Errorf("sweep leases: %w", err)
	}
	return g.store.ZCard(set)
}

func leaseSet(teamID string) string {
	return "cc:" + teamID
}
