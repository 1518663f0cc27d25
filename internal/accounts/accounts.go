// Package accounts is the adapter to the accounts store: credential
// resolution into auth chunks and billing settlement. Team identity is
// owned here; the rest of the service only ever sees snapshots.
package accounts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/forageapi/forage/internal/constants"
	"github.com/forageapi/forage/internal/models"
)

// ErrUnknownCredential is returned for credentials that resolve to no team.
var ErrUnknownCredential = errors.New("accounts: unknown credential")

// Source is the raw accounts backend. Local mode reads the teams tables;
// a remote mode would call the accounts RPC.
type Source interface {
	// ResolveKeyHash maps a hashed credential to a team snapshot.
	ResolveKeyHash(ctx context.Context, keyHash string) (*models.Team, bool, error)
	// Settle applies an aggregated billing deduction against a team.
	Settle(ctx context.Context, op SettleOp) error
}

// SettleOp is one aggregated billing deduction.
type SettleOp struct {
	TeamID         string
	SubscriptionID string
	Credits        int64
	Tokens         int64
	IsExtract      bool

	// IdempotencyKey identifies the logical settlement across retries.
	// Service.Settle assigns it once before the first attempt.
	IdempotencyKey string
}

// Service wraps a Source with retry. Transient backend failures are
// retried with backoff; a definitive unknown-credential answer is not.
type Service struct {
	source  Source
	logger  *slog.Logger
	retries int
	backoff time.Duration
}

// NewService creates the accounts service over a backend source.
func NewService(source Source, logger *slog.Logger) *Service {
	return &Service{
		source:  source,
		logger:  logger,
		retries: constants.AccountsRPCRetries,
		backoff: constants.AccountsRPCBackoff,
	}
}

// HashKey derives the stored credential hash from a raw API key.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// ResolveCredential maps a raw API key to an auth chunk.
func (s *Service) ResolveCredential(ctx context.Context, rawKey string) (*models.AuthChunk, error) {
	var team *models.Team
	var isExtract bool

	err := s.withRetry(ctx, "resolve_credential", func() error {
		var err error
		team, isExtract, err = s.source.ResolveKeyHash(ctx, HashKey(rawKey))
		return err
	})
	if err != nil {
		return nil, err
	}
	if team == nil {
		return nil, ErrUnknownCredential
	}

	chunk := &models.AuthChunk{
		TeamID:           team.ID,
		Plan:             team.Plan,
		SubscriptionID:   team.SubscriptionID,
		RateLimits:       team.RateLimits,
		ConcurrencyMax:   team.ConcurrencyMax,
		CreditsRemaining: team.CreditsRemaining,
		TokensRemaining:  team.TokensRemaining,
		AllowZDR:         team.AllowZDR,
		ForceZDR:         team.ForceZDR,
		IsExtract:        isExtract,
		FetchedAt:        time.Now(),
	}
	if chunk.ConcurrencyMax <= 0 {
		chunk.ConcurrencyMax = constants.DefaultTeamConcurrency
	}
	return chunk, nil
}

// Settle applies an aggregated deduction, retrying transient failures.
// Every attempt carries the same idempotency key, so a retry after a
// failure that already reached the backend cannot double-settle.
func (s *Service) Settle(ctx context.Context, op SettleOp) error {
	if op.IdempotencyKey == "" {
		op.IdempotencyKey = uuid.NewString()
	}
	return s.withRetry(ctx, "settle", func() error {
		return s.source.Settle(ctx, op)
	})
}

func (s *Service) withRetry(ctx context.Context, opName string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			s.logger.Warn("accounts call retrying",
				"op", opName, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.backoff * time.Duration(attempt)):
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
	}
	return err
}
