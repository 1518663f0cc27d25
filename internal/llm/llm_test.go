package llm

import (
	"testing"
)

func TestExtractJSONPayload(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"bare object", `{"a":1}`, `{"a":1}`, false},
		{"bare array", `[1,2]`, `[1,2]`, false},
		{"code fence", "```json\n{\"a\":1}\n```", `{"a":1}`, false},
		{"surrounding prose", `Here is the data: {"a":1} Done.`, `{"a":1}`, false},
		{"no json", "I could not find anything.", "", true},
		{"broken json", `{"a":`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractJSONPayload(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("got %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("payload = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUsageTotal(t *testing.T) {
	u := Usage{InputTokens: 120, OutputTokens: 30}
	if u.Total() != 150 {
		t.Errorf("total = %d", u.Total())
	}
}
