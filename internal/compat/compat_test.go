package compat

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/routecore/internal/protocol"
	"github.com/blueberrycongee/routecore/pkg/types"
)

func TestGenericModule_ClampsMaxTokensAndForcesStreamFalse(t *testing.T) {
	m := genericModule{}
	req := &types.ChatRequest{Model: "ignored", MaxTokens: 999999, Stream: true}
	binding := protocol.Binding{Endpoint: "http://localhost:1234/v1/chat/completions", AuthHeader: "Authorization", AuthValue: "Bearer key"}
	layers := types.LayerConfig{TargetModel: "gpt-oss-20b", MaxTokens: 4096}

	out, err := m.Apply(req, binding, layers)
	require.NoError(t, err)

	var decoded types.ChatRequest
	require.NoError(t, json.Unmarshal(out.Body, &decoded))
	require.Equal(t, "gpt-oss-20b", decoded.Model)
	require.Equal(t, 4096, decoded.MaxTokens)
	require.False(t, decoded.Stream)
	require.Equal(t, "Bearer key", out.Headers["Authorization"])
}

func TestGenericModule_DoesNotClampWithinLimit(t *testing.T) {
	m := genericModule{}
	req := &types.ChatRequest{MaxTokens: 100}
	out, err := m.Apply(req, protocol.Binding{}, types.LayerConfig{MaxTokens: 4096})
	require.NoError(t, err)
	var decoded types.ChatRequest
	require.NoError(t, json.Unmarshal(out.Body, &decoded))
	require.Equal(t, 100, decoded.MaxTokens)
}

func TestNoAuthHeaderModule_DropsAuth(t *testing.T) {
	m := noAuthHeaderModule{inner: genericModule{}}
	req := &types.ChatRequest{}
	binding := protocol.Binding{AuthHeader: "Authorization", AuthValue: "Bearer key"}
	out, err := m.Apply(req, binding, types.LayerConfig{MaxTokens: 4096})
	require.NoError(t, err)
	require.NotContains(t, out.Headers, "Authorization")
}

func TestAnthropicModule_UsesXAPIKeyHeader(t *testing.T) {
	m := anthropicModule{}
	out, err := m.Apply(&types.ChatRequest{}, protocol.Binding{AuthValue: "sk-ant-xyz"}, types.LayerConfig{MaxTokens: 4096})
	require.NoError(t, err)
	require.Equal(t, "sk-ant-xyz", out.Headers["x-api-key"])
	require.Equal(t, "2023-06-01", out.Headers["anthropic-version"])
}

func TestGeminiModule_AppendsKeyAndModelToURL(t *testing.T) {
	m := geminiModule{}
	binding := protocol.Binding{Endpoint: "https://generativelanguage.googleapis.com/v1beta/models/", AuthValue: "secret-key"}
	out, err := m.Apply(&types.ChatRequest{}, binding, types.LayerConfig{TargetModel: "gemini-2.0-flash", MaxTokens: 4096})
	require.NoError(t, err)
	require.Equal(t, "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:generateContent?key=secret-key", out.URL)
}

func TestGenericModule_SetsUserAgent(t *testing.T) {
	m := genericModule{}
	out, err := m.Apply(&types.ChatRequest{}, protocol.Binding{}, types.LayerConfig{MaxTokens: 4096})
	require.NoError(t, err)
	require.Equal(t, userAgent, out.Headers["User-Agent"])
}

func TestRegistry_UnknownTagFallsBackToGeneric(t *testing.T) {
	r := NewRegistry()
	require.IsType(t, genericModule{}, r.Resolve("nonexistent-tag"))
}

func TestRegistry_LMStudioDropsAuthHeader(t *testing.T) {
	r := NewRegistry()
	m := r.Resolve("lmstudio")
	out, err := m.Apply(&types.ChatRequest{}, protocol.Binding{AuthHeader: "Authorization", AuthValue: "Bearer key"}, types.LayerConfig{MaxTokens: 4096})
	require.NoError(t, err)
	require.NotContains(t, out.Headers, "Authorization")
}
