package llm

import (
	"context"
	"encoding/json"
)

// FakeClient returns canned responses. Used by the mock scrape path and
// by tests, so LLM formats are exercisable without a provider key.
type FakeClient struct {
	JSONResult    json.RawMessage
	SummaryResult string
	DiffResult    json.RawMessage
	Err           error
	FixedUsage    Usage

	ExtractCalls   int
	SummarizeCalls int
	DiffCalls      int
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		JSONResult:    json.RawMessage(`{"mock":true}`),
		SummaryResult: "Mock summary of the page content.",
		DiffResult:    json.RawMessage(`{"changed":[]}`),
		FixedUsage:    Usage{InputTokens: 100, OutputTokens: 50},
	}
}

func (f *FakeClient) ExtractJSON(_ context.Context, _ string, _ json.RawMessage, _ string) (json.RawMessage, Usage, error) {
	f.ExtractCalls++
	if f.Err != nil {
		return nil, Usage{}, f.Err
	}
	return f.JSONResult, f.FixedUsage, nil
}

func (f *FakeClient) Summarize(_ context.Context, _ string) (string, Usage, error) {
	f.SummarizeCalls++
	if f.Err != nil {
		return "", Usage{}, f.Err
	}
	return f.SummaryResult, f.FixedUsage, nil
}

func (f *FakeClient) DiffJSON(_ context.Context, _, _ string, _ json.RawMessage, _ string) (json.RawMessage, Usage, error) {
	f.DiffCalls++
	if f.Err != nil {
		return nil, Usage{}, f.Err
	}
	return f.DiffResult, f.FixedUsage, nil
}
