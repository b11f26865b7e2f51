package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockProvider_DeterministicContent(t *testing.T) {
	p := NewMockProvider()
	res, err := p.Generate(context.Background(), "one two three", "any-model", 30, map[string]any{"node_id": "execute_task"})
	require.NoError(t, err)
	assert.Equal(t, "mock", res.Provider)
	assert.Equal(t, "Processed node=execute_task; prompt_len=13", res.Content)
	assert.Equal(t, 3, res.PromptTokens)
	assert.Equal(t, 3, res.CompletionTokens)
}

func TestMockProvider_UnknownNodeIDWhenMetadataMissing(t *testing.T) {
	p := NewMockProvider()
	res, err := p.Generate(context.Background(), "x", "m", 30, nil)
	require.NoError(t, err)
	assert.Contains(t, res.Content, "node=unknown")
}

func TestMockProvider_TokensFloorAtOne(t *testing.T) {
	p := NewMockProvider()
	res, err := p.Generate(context.Background(), "", "m", 30, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PromptTokens)
}

func TestBuild_MockByDefault(t *testing.T) {
	p, err := Build("", "", "")
	require.NoError(t, err)
	assert.Equal(t, "mock", p.Name())
}

func TestBuild_OpenAIRequiresAPIKey(t *testing.T) {
	_, err := Build("openai", "", "")
	require.Error(t, err)
	var cfgErr *ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestBuild_UnsupportedProvider(t *testing.T) {
	_, err := Build("does-not-exist", "key", "")
	require.Error(t, err)
}

func TestRateLimited_DelegatesToInner(t *testing.T) {
	inner := NewMockProvider()
	rl := NewRateLimited(inner, 1000, 10)
	res, err := rl.Generate(context.Background(), "hello world", "m", 30, nil)
	require.NoError(t, err)
	assert.Equal(t, "mock", res.Provider)
}
