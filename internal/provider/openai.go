package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

// OpenAIProvider calls the Chat Completions API. The endpoint's usage
// counts are used when present, with a word-count fallback.
type OpenAIProvider struct {
	apiKey  string
	baseURL string
	client  *resty.Client
}

// NewOpenAIProvider constructs an OpenAIProvider. An empty baseURL falls
// back to OPENAI_BASE_URL, then to the public API endpoint.
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
		if envURL := os.Getenv("OPENAI_BASE_URL"); envURL != "" {
			baseURL = envURL
		}
	}
	client := resty.New()
	client.SetTimeout(60 * time.Second)
	client.SetRetryCount(3)
	client.SetRetryWaitTime(1 * time.Second)
	client.SetRetryMaxWaitTime(5 * time.Second)
	return &OpenAIProvider{apiKey: apiKey, baseURL: baseURL, client: client}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Generate(ctx context.Context, prompt, model string, timeoutS int, metadata map[string]any) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutS)*time.Second)
	defer cancel()

	body := map[string]any{
		"model":    model,
		"messages": []map[string]string{{"role": "user", "content": prompt}},
	}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}

	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", "Bearer "+p.apiKey).
		SetBody(body).
		Post(p.baseURL + "/chat/completions")
	if err != nil {
		return Result{}, fmt.Errorf("openai chat completions call: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return Result{}, fmt.Errorf("openai returned status %d: %s", resp.StatusCode(), resp.String())
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return Result{}, fmt.Errorf("parsing openai response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Result{}, fmt.Errorf("openai returned no choices")
	}

	content := parsed.Choices[0].Message.Content
	promptTokens := parsed.Usage.PromptTokens
	if promptTokens == 0 {
		promptTokens = wordCount(prompt)
	}
	completionTokens := parsed.Usage.CompletionTokens
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
