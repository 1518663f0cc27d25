package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/forageapi/forage/internal/models"
)

// TeamRepository stores teams and API keys for local accounts mode.
type TeamRepository struct {
	db *sql.DB
}

// NewTeamRepository creates a new team repository.
func NewTeamRepository(db *sql.DB) *TeamRepository {
	return &TeamRepository{db: db}
}

const teamColumns = `id, name, plan, subscription_id, stripe_customer_id, credits_remaining,
	tokens_remaining, rate_limits_json, concurrency_max, allow_zdr, force_zdr, created_at`

func (r *TeamRepository) Create(ctx context.Context, team *models.Team) error {
	rateLimitsJSON, _ := json.Marshal(team.RateLimits)
	query := `
		INSERT INTO teams (id, name, plan, subscription_id, stripe_customer_id, credits_remaining,
			tokens_remaining, rate_limits_json, concurrency_max, allow_zdr, force_zdr, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		team.ID,
		team.Name,
		team.Plan,
		nullString(team.SubscriptionID),
		nullString(team.StripeCustomerID),
		team.CreditsRemaining,
		team.TokensRemaining,
		string(rateLimitsJSON),
		team.ConcurrencyMax,
		boolToInt(team.AllowZDR),
		boolToInt(team.ForceZDR),
		team.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create team: %w", err)
	}
	return nil
}

func (r *TeamRepository) GetByID(ctx context.Context, id string) (*models.Team, error) {
	query := `SELECT ` + teamColumns + ` FROM teams WHERE id = ?`
	team, err := scanTeamRow(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return team, err
}

// GetByAPIKeyHash resolves a credential hash to its team, along with the
// key's is_extract flag. Returns nil when the hash is unknown or revoked.
func (r *TeamRepository) GetByAPIKeyHash(ctx context.Context, keyHash string) (*models.Team, bool, error) {
	query := `
		SELECT t.id, t.name, t.plan, t.subscription_id, t.stripe_customer_id, t.credits_remaining,
			t.tokens_remaining, t.rate_limits_json, t.concurrency_max, t.allow_zdr, t.force_zdr,
			t.created_at, k.is_extract
		FROM api_keys k
		JOIN teams t ON t.id = k.team_id
		WHERE k.key_hash = ? AND k.revoked_at IS NULL
	`
	var team models.Team
	var subscriptionID, stripeCustomerID, rateLimitsJSON sql.NullString
	var createdAt string
	var allowZDR, forceZDR, isExtract int

	err := r.db.QueryRowContext(ctx, query, keyHash).Scan(
		&team.ID, &team.Name, &team.Plan, &subscriptionID, &stripeCustomerID,
		&team.CreditsRemaining, &team.TokensRemaining, &rateLimitsJSON,
		&team.ConcurrencyMax, &allowZDR, &forceZDR, &createdAt, &isExtract,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to resolve api key: %w", err)
	}

	team.SubscriptionID = subscriptionID.String
	team.StripeCustomerID = stripeCustomerID.String
	if rateLimitsJSON.Valid {
		json.Unmarshal([]byte(rateLimitsJSON.String), &team.RateLimits)
	}
	team.AllowZDR = allowZDR == 1
	team.ForceZDR = forceZDR == 1
	team.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	return &team, isExtract == 1, nil
}

// CreateAPIKey registers a credential hash for a team.
func (r *TeamRepository) CreateAPIKey(ctx context.Context, id, teamID, keyHash, keyPrefix string, isExtract bool) error {
	query := `
		INSERT INTO api_keys (id, team_id, key_hash, key_prefix, is_extract, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		id, teamID, keyHash, keyPrefix, boolToInt(isExtract), time.Now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

// AdjustCredits applies a signed delta to the team's credit balance and
// returns the new balance. Negative balances are allowed; admission checks
// happen at auth time, not here.
func (r *TeamRepository) AdjustCredits(ctx context.Context, teamID string, delta int64) (int64, error) {
	var balance int64
	err := r.db.QueryRowContext(ctx, `
		UPDATE teams SET credits_remaining = credits_remaining + ?
		WHERE id = ?
		RETURNING credits_remaining
	`, delta, teamID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("team %s not found", teamID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to adjust credits: %w", err)
	}
	return balance, nil
}

// AdjustTokens applies a signed delta to the team's token balance.
func (r *TeamRepository) AdjustTokens(ctx context.Context, teamID string, delta int64) (int64, error) {
	var balance int64
	err := r.db.QueryRowContext(ctx, `
		UPDATE teams SET tokens_remaining = tokens_remaining + ?
		WHERE id = ?
		RETURNING tokens_remaining
	`, delta, teamID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("team %s not found", teamID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to adjust tokens: %w", err)
	}
	return balance, nil
}

func scanTeamRow(s rowScanner) (*models.Team, error) {
	var team models.Team
	var subscriptionID, stripeCustomerID, rateLimitsJSON sql.NullString
	var createdAt string
	var allowZDR, forceZDR int

	err := s.Scan(
		&team.ID, &team.Name, &team.Plan, &subscriptionID, &stripeCustomerID,
		&team.CreditsRemaining, &team.TokensRemaining, &rateLimitsJSON,
		&team.ConcurrencyMax, &allowZDR, &forceZDR, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan team: %w", err)
	}

	team.SubscriptionID = subscriptionID.String
	team.StripeCustomerID = stripeCustomerID.String
	if rateLimitsJSON.Valid {
		json.Unmarshal([]byte(rateLimitsJSON.String), &team.RateLimits)
	}
	team.AllowZDR = allowZDR == 1
	team.ForceZDR = forceZDR == 1
	team.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	return &team, nil
}
