// Package auth resolves credentials into cached auth chunks.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/forageapi/forage/internal/accounts"
	"github.com/forageapi/forage/internal/constants"
	"github.com/forageapi/forage/internal/models"
)

// cachedChunk wraps an auth chunk with its expiry. A nil Chunk is a cached
// negative: an unknown credential, held briefly so a misconfigured client
// cannot hammer the accounts backend.
type cachedChunk struct {
	Chunk     *models.AuthChunk
	ExpiresAt time.Time
}

func (c *cachedChunk) isExpired() bool {
	return time.Now().After(c.ExpiresAt)
}

// ChunkCache caches credential-to-chunk resolutions. Safe for concurrent
// access. Positive entries live constants.AuthChunkTTL; negatives live
// constants.AuthChunkNegativeTTL.
type ChunkCache struct {
	mu       sync.RWMutex
	cache    map[string]*cachedChunk
	accounts *accounts.Service
	logger   *slog.Logger
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewChunkCache creates the cache and starts its expiry sweep.
func NewChunkCache(svc *accounts.Service, logger *slog.Logger) *ChunkCache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &ChunkCache{
		cache:    make(map[string]*cachedChunk),
		accounts: svc,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Resolve returns the auth chunk for a raw credential, consulting the
// cache first. Entries are keyed by (credential, operation class), so an
// extract resolution never serves a scrape request's chunk or vice versa.
// Unknown credentials return accounts.ErrUnknownCredential.
func (c *ChunkCache) Resolve(ctx context.Context, rawKey string, isExtract bool) (*models.AuthChunk, error) {
	cacheKey := chunkKey(accounts.HashKey(rawKey), isExtract)

	c.mu.RLock()
	cached, ok := c.cache[cacheKey]
	c.mu.RUnlock()

	if ok && !cached.isExpired() {
		if cached.Chunk == nil {
			return nil, accounts.ErrUnknownCredential
		}
		return cached.Chunk, nil
	}

	chunk, err := c.accounts.ResolveCredential(ctx, rawKey)
	if errors.Is(err, accounts.ErrUnknownCredential) {
		c.mu.Lock()
		c.cache[cacheKey] = &cachedChunk{
			Chunk:     nil,
			ExpiresAt: time.Now().Add(constants.AuthChunkNegativeTTL),
		}
		c.mu.Unlock()
		return nil, err
	}
	if err != nil {
		// Serve stale over failing closed when the backend is down.
		if ok && cached.Chunk != nil {
			c.logger.Warn("accounts resolve failed, serving stale chunk",
				"team_id", cached.Chunk.TeamID, "error", err)
			return cached.Chunk, nil
		}
		return nil, err
	}

	// Extract-class credentials stay extract; a plain credential used on
	// an extract operation is billed as extract for that variant.
	chunk.IsExtract = chunk.IsExtract || isExtract

	c.mu.Lock()
	c.cache[cacheKey] = &cachedChunk{
		Chunk:     chunk,
		ExpiresAt: time.Now().Add(constants.AuthChunkTTL),
	}
	c.mu.Unlock()

	c.logger.Debug("cached auth chunk", "team_id", chunk.TeamID, "plan", chunk.Plan)
	return chunk, nil
}

// PreviewChunk synthesizes a chunk for keyless preview access, partitioned
// by client IP for rate limiting.
func PreviewChunk(clientIP string) *models.AuthChunk {
	return &models.AuthChunk{
		TeamID:           "preview_" + clientIP,
		Plan:             "preview",
		RateLimits:       constants.PreviewRateLimits,
		ConcurrencyMax:   constants.PreviewConcurrency,
		CreditsRemaining: 1, // enough to pass the balance check, billed nowhere
		Preview:          true,
		PreviewIP:        clientIP,
		FetchedAt:        time.Now(),
	}
}

// BypassChunk synthesizes the unlimited identity used when the
// deployment disables authentication. Nothing attributed to it is rate
// limited or billed.
func BypassChunk() *models.AuthChunk {
	return &models.AuthChunk{
		TeamID:           constants.BypassTeamID,
		Plan:             "unlimited",
		ConcurrencyMax:   1 << 16,
		CreditsRemaining: 1 << 40,
		TokensRemaining:  1 << 40,
		AllowZDR:         true,
		Bypass:           true,
		FetchedAt:        time.Now(),
	}
}

// IsPreviewToken reports whether the bearer token requests preview access.
func IsPreviewToken(token string) bool {
	return strings.HasPrefix(token, "preview_")
}

// Invalidate drops both cached variants for a raw credential. Called when
// the accounts store signals a plan or balance change.
func (c *ChunkCache) Invalidate(rawKey string) {
	hash := accounts.HashKey(rawKey)
	c.mu.Lock()
	delete(c.cache, chunkKey(hash, false))
	delete(c.cache, chunkKey(hash, true))
	c.mu.Unlock()
}

func chunkKey(keyHash string, isExtract bool) string {
	if isExtract {
		return keyHash + ":extract"
	}
	return keyHash + ":scrape"
}

// ApplyUsage decrements the cached balances for a team so admission
// checks see settled spend before the next refresh. Chunks are keyed by
// credential hash, so every cached chunk of the team is adjusted.
func (c *ChunkCache) ApplyUsage(teamID string, credits, tokens int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, cached := range c.cache {
		if cached.Chunk == nil || cached.Chunk.TeamID != teamID {
			continue
		}
		cached.Chunk.CreditsRemaining -= credits
		cached.Chunk.TokensRemaining -= tokens
	}
}

// InvalidateAll clears the cache.
func (c *ChunkCache) InvalidateAll() {
	c.mu.Lock()
	c.cache = make(map[string]*cachedChunk)
	c.mu.Unlock()
}

// Size returns the number of cached entries.
func (c *ChunkCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// Stop shuts down the expiry sweep.
func (c *ChunkCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

func (c *ChunkCache) cleanupLoop() {
	ticker := time.NewTicker(constants.AuthChunkTTL)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

func (c *ChunkCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	expired := 0
	for key, cached := range c.cache {
		if now.After(cached.ExpiresAt) {
			delete(c.cache, key)
			expired++
		}
	}
	if expired > 0 {
		c.logger.Debug("cleaned up expired auth chunks",
			"expired_count", expired, "remaining_count", len(c.cache))
	}
}
