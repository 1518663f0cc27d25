package handlers

import (
	"context"

	"github.com/forageapi/forage/internal/concurrency"
)

// CreditUsageOutput reports the team's remaining credit balance as seen
// by the auth chunk cache.
type CreditUsageOutput struct {
	Body struct {
		Success bool            `json:"success"`
		Data    CreditUsageData `json:"data"`
	}
}

// CreditUsageData is the payload of CreditUsageOutput.
type CreditUsageData struct {
	RemainingCredits int64 `json:"remaining_credits"`
}

// CreditUsage returns the cached credit balance.
func (h *Handler) CreditUsage(ctx context.Context, _ *struct{}) (*CreditUsageOutput, error) {
	chunk, err := chunkOnly(ctx)
	if err != nil {
		return nil, err
	}
	out := &CreditUsageOutput{}
	out.Body.Success = true
	out.Body.Data.RemainingCredits = chunk.CreditsRemaining
	return out, nil
}

// TokenUsageOutput reports the team's remaining token balance.
type TokenUsageOutput struct {
	Body struct {
		Success bool           `json:"success"`
		Data    TokenUsageData `json:"data"`
	}
}

// TokenUsageData is the payload of TokenUsageOutput.
type TokenUsageData struct {
	RemainingTokens int64 `json:"remaining_tokens"`
}

// TokenUsage returns the cached token balance.
func (h *Handler) TokenUsage(ctx context.Context, _ *struct{}) (*TokenUsageOutput, error) {
	chunk, err := chunkOnly(ctx)
	if err != nil {
		return nil, err
	}
	out := &TokenUsageOutput{}
	out.Body.Success = true
	out.Body.Data.RemainingTokens = chunk.TokensRemaining
	return out, nil
}

// ConcurrencyCheckOutput reports in-flight jobs against the team's cap.
type ConcurrencyCheckOutput struct {
	Body struct {
		Success        bool `json:"success"`
		Concurrency    int  `json:"concurrency"`
		MaxConcurrency int  `json:"maxConcurrency"`
	}
}

// ConcurrencyCheck returns the team's live lease count and cap.
func (h *Handler) ConcurrencyCheck(ctx context.Context, _ *struct{}) (*ConcurrencyCheckOutput, error) {
	chunk, err := chunkOnly(ctx)
	if err != nil {
		return nil, err
	}
	active, err := h.governor.Active(chunk.TeamID)
	if err != nil {
		return nil, apiErr(err)
	}
	out := &ConcurrencyCheckOutput{}
	out.Body.Success = true
	out.Body.Concurrency = active
	out.Body.MaxConcurrency = concurrency.LimitFor(chunk, 0)
	return out, nil
}
