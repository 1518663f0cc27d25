// Package billing batches usage charges. Workers enqueue one op per
// completed job; a ticker drains the durable KV buffer, groups ops by
// tenant, and settles each group against the accounts ledger.
package billing

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/forageapi/forage/internal/accounts"
	"github.com/forageapi/forage/internal/constants"
	"github.com/forageapi/forage/internal/kv"
	"github.com/forageapi/forage/internal/models"
)

const (
	opsList  = "billing:ops"
	flushKey = "billing:flush-lock"
)

// balanceMutator is the cached-AUC adjustment seam (auth.ChunkCache).
type balanceMutator interface {
	ApplyUsage(teamID string, credits, tokens int64)
}

// Batcher buffers billing ops in the KV store and settles them in
// grouped batches. The KV list survives restarts; the flush lock keeps
// concurrent instances from double-settling.
type Batcher struct {
	store    *kv.Store
	accounts *accounts.Service
	chunks   balanceMutator
	logger   *slog.Logger

	interval  time.Duration
	batchSize int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewBatcher(store *kv.Store, svc *accounts.Service, chunks balanceMutator, interval time.Duration, batchSize int, logger *slog.Logger) *Batcher {
	if interval <= 0 {
		interval = constants.BillingFlushInterval
	}
	if batchSize <= 0 {
		batchSize = constants.BillingBatchSize
	}
	return &Batcher{
		store:     store,
		accounts:  svc,
		chunks:    chunks,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
		stopCh:    make(chan struct{}),
	}
}

// Enqueue buffers one billing op. Preview and bypass usage is never
// billed. When
// the buffer reaches a full batch the flush runs immediately instead of
// waiting out the ticker.
func (b *Batcher) Enqueue(ctx context.Context, op models.BillingOp) error {
	if op.Preview || op.TeamID == constants.BypassTeamID {
		return nil
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(op)
	if err != nil {
		return err
	}
	if err := b.store.RPush(opsList, data); err != nil {
		return err
	}

	if n, err := b.store.LLen(opsList); err == nil && n >= b.batchSize {
		b.Flush(ctx)
	}
	return nil
}

// Start launches the flush loop.
func (b *Batcher) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()

		b.logger.Info("billing batcher started", "interval", b.interval, "batch_size", b.batchSize)
		for {
			select {
			case <-b.stopCh:
				return
			case <-ticker.C:
				b.Flush(context.Background())
			}
		}
	}()
}

// Stop halts the loop and flushes whatever is buffered.
func (b *Batcher) Stop() {
	close(b.stopCh)
	b.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	b.Flush(ctx)
	b.logger.Info("billing batcher stopped")
}

type groupKey struct {
	teamID         string
	subscriptionID string
	isExtract      bool
}

// Flush drains up to one batch and settles it. Guarded by a KV lock so
// only one flusher runs at a time; losing the lock race is not an error.
func (b *Batcher) Flush(ctx context.Context) {
	acquired, err := b.store.SetNX(flushKey, []byte("1"), constants.BillingLockTTL)
	if err != nil {
		b.logger.Error("billing flush lock failed", "error", err)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := b.store.Delete(flushKey); err != nil {
			b.logger.Warn("billing flush lock release failed", "error", err)
		}
	}()

	raw, err := b.store.LPopN(opsList, b.batchSize)
	if err != nil {
		b.logger.Error("billing pop failed", "error", err)
		return
	}
	if len(raw) == 0 {
		return
	}

	groups := make(map[groupKey]*accounts.SettleOp)
	retried := make(map[groupKey]bool)
	for _, data := range raw {
		var op models.BillingOp
		if err := json.Unmarshal(data, &op); err != nil {
			b.logger.Error("dropping unreadable billing op", "error", err)
			continue
		}
		key := groupKey{op.TeamID, op.SubscriptionID, op.IsExtract}
		g, ok := groups[key]
		if !ok {
			g = &accounts.SettleOp{
				TeamID:         op.TeamID,
				SubscriptionID: op.SubscriptionID,
				IsExtract:      op.IsExtract,
			}
			groups[key] = g
		}
		g.Credits += op.Credits
		g.Tokens += op.Tokens
		if op.Retried {
			retried[key] = true
		}
	}

	settled := 0
	for key, g := range groups {
		if err := b.accounts.Settle(ctx, *g); err != nil {
			// One retry per group; a second failure drops the charge
			// rather than wedging the buffer.
			if retried[key] {
				b.logger.Error("billing settle failed twice, dropping group",
					"team_id", g.TeamID, "credits", g.Credits, "tokens", g.Tokens, "error", err)
				continue
			}
			b.logger.Error("billing settle failed, re-enqueueing group",
				"team_id", g.TeamID, "credits", g.Credits, "tokens", g.Tokens, "error", err)
			b.requeueGroup(g)
			continue
		}
		if b.chunks != nil {
			b.chunks.ApplyUsage(g.TeamID, g.Credits, g.Tokens)
		}
		settled++
	}

	b.logger.Info("billing flush completed",
		"ops", len(raw), "groups", len(groups), "settled", settled)
}

// requeueGroup puts a failed group back on the buffer as a single op so
// it gets one more settle attempt on a later flush.
func (b *Batcher) requeueGroup(g *accounts.SettleOp) {
	op := models.BillingOp{
		TeamID:         g.TeamID,
		SubscriptionID: g.SubscriptionID,
		Credits:        g.Credits,
		Tokens:         g.Tokens,
		IsExtract:      g.IsExtract,
		Retried:        true,
		Timestamp:      time.Now().UTC(),
	}
	data, err := json.Marshal(op)
	if err != nil {
		b.logger.Error("billing requeue marshal failed", "error", err)
		return
	}
	if err := b.store.RPush(opsList, data); err != nil {
		b.logger.Error("billing requeue failed", "team_id", g.TeamID, "error", err)
	}
}

// Pending returns the buffered op count.
func (b *Batcher) Pending() (int, error) {
	return b.store.LLen(opsList)
}
