package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/forageapi/forage/internal/models"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 8192
	callTimeout      = 60 * time.Second
)

// AnthropicClient implements Client over the Anthropic Messages API.
type AnthropicClient struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	logger    *slog.Logger
}

// NewAnthropicClient builds a client. Model falls back to a current
// Sonnet when unset.
func NewAnthropicClient(apiKey, model string, logger *slog.Logger) *AnthropicClient {
	if model == "" {
		model = defaultModel
	}
	return &AnthropicClient{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     anthropic.Model(model),
		maxTokens: defaultMaxTokens,
		logger:    logger,
	}
}

func (c *AnthropicClient) ExtractJSON(ctx context.Context, content string, schema json.RawMessage, prompt string) (json.RawMessage, Usage, error) {
	system := "You extract structured data from web page content. Respond with a single JSON object and nothing else."
	var sb strings.Builder
	if prompt != "" {
		sb.WriteString(prompt)
		sb.WriteString("\n\n")
	}
	if len(schema) > 0 {
		sb.WriteString("The JSON object must conform to this JSON schema:\n")
		sb.Write(schema)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Page content:\n")
	sb.WriteString(content)

	text, usage, err := c.complete(ctx, system, sb.String())
	if err != nil {
		return nil, usage, err
	}
	raw, err := extractJSONPayload(text)
	if err != nil {
		return nil, usage, err
	}
	return raw, usage, nil
}

func (c *AnthropicClient) Summarize(ctx context.Context, content string) (string, Usage, error) {
	system := "You summarize web page content. Respond with a concise prose summary and nothing else."
	return c.complete(ctx, system, "Summarize this page:\n\n"+content)
}

func (c *AnthropicClient) DiffJSON(ctx context.Context, previous, current string, schema json.RawMessage, prompt string) (json.RawMessage, Usage, error) {
	system := "You compare two versions of a web page and report what changed. Respond with a single JSON object and nothing else."
	var sb strings.Builder
	if prompt != "" {
		sb.WriteString(prompt)
		sb.WriteString("\n\n")
	}
	if len(schema) > 0 {
		sb.WriteString("Shape the comparison per this JSON schema:\n")
		sb.Write(schema)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Previous version:\n")
	sb.WriteString(previous)
	sb.WriteString("\n\nCurrent version:\n")
	sb.WriteString(current)

	text, usage, err := c.complete(ctx, system, sb.String())
	if err != nil {
		return nil, usage, err
	}
	raw, err := extractJSONPayload(text)
	if err != nil {
		return nil, usage, err
	}
	return raw, usage, nil
}

func (c *AnthropicClient) complete(ctx context.Context, system, user string) (string, Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", Usage{}, &models.RequestError{
			Code:    models.CodeInternal,
			Status:  500,
			Message: fmt.Sprintf("LLM call failed: %v", err),
		}
	}

	usage := Usage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", usage, fmt.Errorf("empty LLM response")
	}

	c.logger.Debug("llm call completed",
		"model", c.model,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
	)

	return text.String(), usage, nil
}

// extractJSONPayload pulls the JSON object out of a model reply,
// tolerating code fences and surrounding prose.
func extractJSONPayload(text string) (json.RawMessage, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return nil, fmt.Errorf("LLM response contains no JSON")
	}
	candidate := text[start:]
	if end := lastJSONEnd(candidate); end > 0 {
		candidate = candidate[:end]
	}

	if !json.Valid([]byte(candidate)) {
		return nil, fmt.Errorf("LLM response is not valid JSON")
	}
	return json.RawMessage(candidate), nil
}

func lastJSONEnd(s string) int {
	if i := strings.LastIndexAny(s, "}]"); i >= 0 {
		return i + 1
	}
	return 0
}
