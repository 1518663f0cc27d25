package accounts

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/customerbalancetransaction"

	"github.com/forageapi/forage/internal/models"
	"github.com/forageapi/forage/internal/repository"
)

// LocalSource backs the accounts store with the service's own teams tables.
// When a Stripe key is configured, settlements for teams with a Stripe
// customer are mirrored as customer balance transactions.
type LocalSource struct {
	teams         *repository.TeamRepository
	logger        *slog.Logger
	stripeEnabled bool
}

// NewLocalSource creates a local accounts backend. stripeKey may be empty.
func NewLocalSource(teams *repository.TeamRepository, stripeKey string, logger *slog.Logger) *LocalSource {
	if stripeKey != "" {
		stripe.Key = stripeKey
	}
	return &LocalSource{
		teams:         teams,
		logger:        logger,
		stripeEnabled: stripeKey != "",
	}
}

func (s *LocalSource) ResolveKeyHash(ctx context.Context, keyHash string) (*models.Team, bool, error) {
	return s.teams.GetByAPIKeyHash(ctx, keyHash)
}

func (s *LocalSource) Settle(ctx context.Context, op SettleOp) error {
	balance, err := s.teams.AdjustCredits(ctx, op.TeamID, -op.Credits)
	if err != nil {
		return fmt.Errorf("settle credits: %w", err)
	}
	if op.Tokens > 0 {
		if _, err := s.teams.AdjustTokens(ctx, op.TeamID, -op.Tokens); err != nil {
			return fmt.Errorf("settle tokens: %w", err)
		}
	}

	s.logger.Debug("settled billing op",
		"team_id", op.TeamID, "credits", op.Credits, "tokens", op.Tokens,
		"is_extract", op.IsExtract, "balance", balance)

	if s.stripeEnabled {
		if err := s.mirrorToStripe(ctx, op); err != nil {
			// The local ledger is authoritative; Stripe mirroring failures
			// are logged and reconciled out of band.
			s.logger.Error("stripe balance mirror failed",
				"team_id", op.TeamID, "error", err)
		}
	}
	return nil
}

func (s *LocalSource) mirrorToStripe(ctx context.Context, op SettleOp) error {
	team, err := s.teams.GetByID(ctx, op.TeamID)
	if err != nil {
		return err
	}
	if team == nil || team.StripeCustomerID == "" {
		return nil
	}

	params := &stripe.CustomerBalanceTransactionParams{
		Customer:    stripe.String(team.StripeCustomerID),
		Amount:      stripe.Int64(op.Credits),
		Currency:    stripe.String(string(stripe.CurrencyUSD)),
		Description: stripe.String(fmt.Sprintf("scrape usage: %d credits", op.Credits)),
	}
	params.Context = ctx
	// The key is fixed per logical settlement, so neither SDK transport
	// retries nor our own retry loop can double-post the transaction.
	params.SetIdempotencyKey(op.IdempotencyKey)
	_, err = customerbalancetransaction.New(params)
	return err
}
