package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// AnthropicProvider calls the Messages API. Response content is joined
// from the returned text blocks; the endpoint's usage counts are used when
// present, with a word-count fallback.
type AnthropicProvider struct {
	apiKey  string
	baseURL string
	client  *resty.Client
}

// NewAnthropicProvider constructs an AnthropicProvider. An empty baseURL
// falls back to ANTHROPIC_BASE_URL, then to the public API endpoint.
func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
		if envURL := os.Getenv("ANTHROPIC_BASE_URL"); envURL != "" {
			baseURL = envURL
		}
	}
	client := resty.New()
	client.SetTimeout(60 * time.Second)
	client.SetRetryCount(3)
	client.SetRetryWaitTime(1 * time.Second)
	client.SetRetryMaxWaitTime(5 * time.Second)
	return &AnthropicProvider{apiKey: apiKey, baseURL: baseURL, client: client}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Generate(ctx context.Context, prompt, model string, timeoutS int, metadata map[string]any) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutS)*time.Second)
	defer cancel()

	body := map[string]any{
		"model":      model,
		"max_tokens": 1024,
		"messages":   []map[string]string{{"role": "user", "content": prompt}},
	}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}

	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("x-api-key", p.apiKey).
		SetHeader("anthropic-version", "2023-06-01").
		SetBody(body).
		Post(p.baseURL + "/messages")
	if err != nil {
		return Result{}, fmt.Errorf("anthropic messages call: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return Result{}, fmt.Errorf("anthropic returned status %d: %s", resp.StatusCode(), resp.String())
	}

	var parsed struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return Result{}, fmt.Errorf("parsing anthropic response: %w", err)
	}
	if len(parsed.Content) == 0 {
		return Result{}, fmt.Errorf("anthropic returned no content blocks")
	}

	parts := make([]string, 0, len(parsed.Content))
	for _, block := range parsed.Content {
		parts = append(parts, block.Text)
	}
	content := strings.TrimSpace(strings.Join(parts, " "))
	promptTokens := parsed.Usage.InputTokens
	if promptTokens == 0 {
		promptTokens = wordCount(prompt)
	}
	completionTokens := parsed.Usage.OutputTokens
	if completionTokens == 0 {
		completionTokens = wordCount(content)
	}

	return Result{
		Provider:         p.Name(),
		Model:            model,
		Content:          content,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
	}, nil
}
