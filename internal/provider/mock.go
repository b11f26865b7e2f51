package provider

import (
	"context"
	"fmt"
	"strings"
)

// MockProvider is a deterministic, no-network provider used for tests and
// local development: content is "Processed node=<node_id>;
// prompt_len=<len(prompt)>", and token counts are derived from
// whitespace-split word counts of the prompt and of that generated content
// (each floored at 1).
type MockProvider struct{}

// NewMockProvider constructs a MockProvider.
func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) Generate(ctx context.Context, prompt, model string, timeoutS int, metadata map[string]any) (Result, error) {
	nodeID := "unknown"
	if metadata != nil {
		if v, ok := metadata["node_id"].(string); ok && v != "" {
			nodeID = v
		}
	}
	content := fmt.Sprintf("Processed node=%s; prompt_len=%d", nodeID, len(prompt))
	return Result{
		Provider:         p.Name(),
		Model:            model,
		Content:          content,
		PromptTokens:     wordCount(prompt),
		CompletionTokens: wordCount(content),
	}, nil
}

func wordCount(s string) int {
	n := len(strings.Fields(s))
	if n < 1 {
		return 1
	}
	return n
}
