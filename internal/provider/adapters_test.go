package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIProvider_PassesKeyAndMetadataThrough(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "hello"}}},
			"usage":   map[string]any{"prompt_tokens": 12, "completion_tokens": 7},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider("sk-test", srv.URL)
	res, err := p.Generate(context.Background(), "prompt text", "gpt-default", 30, map[string]any{"run_id": "r1"})
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-default", gotBody["model"])
	meta, ok := gotBody["metadata"].(map[string]any)
	require.True(t, ok, "metadata must be forwarded in the request body")
	assert.Equal(t, "r1", meta["run_id"])
	assert.Equal(t, "hello", res.Content)
	assert.Equal(t, 12, res.PromptTokens)
	assert.Equal(t, 7, res.CompletionTokens)
}

func TestAnthropicProvider_JoinsContentBlocksAndSendsHeaders(t *testing.T) {
	var gotKey, gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"text": "  first part"}, {"text": "second part  "}},
			"usage":   map[string]any{"input_tokens": 9, "output_tokens": 4},
		})
	}))
	defer srv.Close()

	p := NewAnthropicProvider("ak-test", srv.URL)
	res, err := p.Generate(context.Background(), "prompt text", "claude-default", 30, nil)
	require.NoError(t, err)

	assert.Equal(t, "ak-test", gotKey)
	assert.NotEmpty(t, gotVersion)
	assert.Equal(t, "first part second part", res.Content)
	assert.Equal(t, 9, res.PromptTokens)
	assert.Equal(t, 4, res.CompletionTokens)
}

func TestAnthropicProvider_NoContentBlocksIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"content": []map[string]any{}})
	}))
	defer srv.Close()

	p := NewAnthropicProvider("ak-test", srv.URL)
	_, err := p.Generate(context.Background(), "prompt", "claude-default", 30, nil)
	require.Error(t, err)
}
