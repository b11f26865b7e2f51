// Package provider adapts the orchestrator's model calls to concrete LLM
// backends: a deterministic mock for tests and HTTP adapters for the
// OpenAI and Anthropic APIs.
package provider

import "context"

// Result is one model call's content and token accounting.
type Result struct {
	Provider         string
	Model            string
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// Provider generates model output for a single prompt under an explicit
// per-call timeout, independent of any context deadline the caller also
// enforces (the executor wraps every call in its own outer timeout in
// addition to passing timeoutS).
type Provider interface {
	Generate(ctx context.Context, prompt, model string, timeoutS int, metadata map[string]any) (Result, error)
	// Name identifies the provider for routing/metrics (e.g. "mock", "openai", "anthropic").
	Name() string
}

// ConfigurationError reports a provider that cannot be constructed from the
// current configuration (missing API key, unsupported provider name).
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string { return e.Message }

// Build constructs the Provider named by configuration.
func Build(providerName, apiKey, baseURL string) (Provider, error) {
	switch providerName {
	case "", "mock":
		return NewMockProvider(), nil
	case "openai":
		if apiKey == "" {
			return nil, &ConfigurationError{Message: "llm.api_key must be set when llm.provider=openai"}
		}
		return NewOpenAIProvider(apiKey, baseURL), nil
	case "anthropic":
		if apiKey == "" {
			return nil, &ConfigurationError{Message: "llm.api_key must be set when llm.provider=anthropic"}
		}
		return NewAnthropicProvider(apiKey, baseURL), nil
	default:
		return nil, &ConfigurationError{Message: "unsupported LLM provider: " + providerName}
	}
}
