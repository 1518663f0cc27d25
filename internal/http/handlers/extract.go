package handlers

import (
	"context"
	"encoding/json"

	"github.com/forageapi/forage/internal/models"
)

// ExtractRequest starts an asynchronous LLM extraction over a URL list.
type ExtractRequest struct {
	URLs              []string        `json:"urls" minItems:"1" doc:"URLs to extract from"`
	Schema            json.RawMessage `json:"schema,omitempty" doc:"JSON schema the extraction must satisfy"`
	Prompt            string          `json:"prompt,omitempty" doc:"Freeform extraction prompt"`
	ZeroDataRetention bool            `json:"zeroDataRetention,omitempty"`
}

// ExtractInput is the extract submission request.
type ExtractInput struct {
	Body ExtractRequest
}

// ExtractOutput acknowledges the submission.
type ExtractOutput struct {
	Body struct {
		Success bool   `json:"success"`
		ID      string `json:"id"`
	}
}

// StartExtract submits the extraction; results are polled by id.
func (h *Handler) StartExtract(ctx context.Context, input *ExtractInput) (*ExtractOutput, error) {
	chunk, err := h.admit(ctx)
	if err != nil {
		return nil, err
	}
	if len(input.Body.Schema) > 0 && !json.Valid(input.Body.Schema) {
		return nil, apiErr(models.NewValidationError("schema is not valid JSON"))
	}
	if err := zdrGate(chunk, input.Body.ZeroDataRetention); err != nil {
		return nil, apiErr(err)
	}

	opts := models.ScrapeOptions{
		Formats:           []string{models.FormatJSON},
		ZeroDataRetention: input.Body.ZeroDataRetention,
	}
	if len(input.Body.Schema) > 0 || input.Body.Prompt != "" {
		opts.JSONOptions = &models.JSONOptions{
			Schema: input.Body.Schema,
			Prompt: input.Body.Prompt,
		}
	}

	cr, err := h.engine.StartExtract(ctx, chunk.TeamID, input.Body.URLs, opts)
	if err != nil {
		return nil, apiErr(err)
	}

	out := &ExtractOutput{}
	out.Body.Success = true
	out.Body.ID = cr.ID
	return out, nil
}

// ExtractStatusOutput is the extraction poll surface.
type ExtractStatusOutput struct {
	Body struct {
		Success bool              `json:"success"`
		Status  string            `json:"status"`
		Data    []json.RawMessage `json:"data"`
	}
}

// ExtractStatus reports extraction progress and the structured results
// gathered so far.
func (h *Handler) ExtractStatus(ctx context.Context, input *IDInput) (*ExtractStatusOutput, error) {
	chunk, err := chunkOnly(ctx)
	if err != nil {
		return nil, err
	}
	cr, jobs, err := h.ownedCrawl(ctx, chunk, input.ID, "", 100)
	if err != nil {
		return nil, err
	}

	out := &ExtractStatusOutput{}
	out.Body.Success = true
	out.Body.Status = extractStatus(cr.State)
	out.Body.Data = make([]json.RawMessage, 0, len(jobs))
	for _, doc := range documentsFor(jobs) {
		if len(doc.JSON) > 0 {
			out.Body.Data = append(out.Body.Data, doc.JSON)
		}
	}
	return out, nil
}

func extractStatus(state models.CrawlState) string {
	if state == models.CrawlScraping {
		return "processing"
	}
	return string(state)
}
