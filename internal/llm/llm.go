// Package llm adapts structured extraction and summarization to an LLM
// provider. Formats json, extract, and summary route through here, as
// does changeTracking's structured diff mode.
package llm

import (
	"context"
	"encoding/json"
)

// Usage is the token consumption of one call, billed against the team's
// token ledger.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Client is the LLM provider seam.
type Client interface {
	// ExtractJSON pulls schema-shaped data out of page content. Schema and
	// prompt are both optional, but at least one should guide the model.
	ExtractJSON(ctx context.Context, content string, schema json.RawMessage, prompt string) (json.RawMessage, Usage, error)

	// Summarize produces a prose summary of page content.
	Summarize(ctx context.Context, content string) (string, Usage, error)

	// DiffJSON compares two content versions and reports per-field changes
	// shaped by the schema.
	DiffJSON(ctx context.Context, previous, current string, schema json.RawMessage, prompt string) (json.RawMessage, Usage, error)
}
