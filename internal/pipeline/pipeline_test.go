package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/routecore/internal/compat"
	"github.com/blueberrycongee/routecore/internal/protocol"
	"github.com/blueberrycongee/routecore/internal/transform"
	"github.com/blueberrycongee/routecore/pkg/types"
)

func testTable(endpoint string) *types.RoutingTable {
	cfg := types.PipelineConfig{
		PipelineID:  "lmstudio-gpt-oss-20b-key0",
		Category:    types.CategoryDefault,
		Provider:    "lmstudio",
		TargetModel: "gpt-oss-20b",
		Endpoint:    endpoint,
		MaxTokens:   4096,
		TimeoutMs:   5000,
		MaxRetries:  0,
		Layers: types.LayerConfig{
			TransformerTag: "openai",
			ProtocolTag:    "openai",
			CompatTag:      "lmstudio",
			Provider:       "lmstudio",
			TargetModel:    "gpt-oss-20b",
			Endpoint:       endpoint,
			TimeoutMs:      5000,
			MaxTokens:      4096,
			MaxRetries:     0,
		},
	}
	return &types.RoutingTable{
		Categories: map[types.Category][]string{types.CategoryDefault: {cfg.PipelineID}},
		Pipelines:  map[string]types.PipelineConfig{cfg.PipelineID: cfg},
	}
}

func newTestRegistry() *Registry {
	return NewRegistry(transform.NewRegistry(), protocol.NewRegistry(nil), compat.NewRegistry())
}

func rawStringJSON(s string) []byte {
	return []byte(`"` + s + `"`)
}

func TestPipeline_Execute_RunsAllFourLayersInOrder(t *testing.T) {
	var receivedModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if m, ok := body["model"].(string); ok {
			receivedModel = m
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	reg := newTestRegistry()
	reg.Rebuild(testTable(srv.URL))

	p, ok := reg.Get("lmstudio-gpt-oss-20b-key0")
	require.True(t, ok)
	require.Equal(t, types.PipelineRuntime, p.Status())

	req := &types.AnthropicRequest{
		Model:    "claude-sonnet-4",
		Messages: []types.AnthropicMessage{{Role: "user", Content: rawStringJSON("hi")}},
	}
	rc := types.NewRequestContext("req-1")
	resp, result, err := p.Execute(context.Background(), rc, req)
	require.NoError(t, err)
	require.Equal(t, types.OutcomeOK, result.Outcome)
	require.Equal(t, "gpt-oss-20b", receivedModel, "TargetModel must override the client-supplied model name")
	require.Equal(t, "end_turn", resp.StopReason)

	require.Contains(t, rc.PerLayerTimingsMs, "transformer")
	require.Contains(t, rc.PerLayerTimingsMs, "protocol")
	require.Contains(t, rc.PerLayerTimingsMs, "compat")
	require.Contains(t, rc.PerLayerTimingsMs, "server")
	require.Len(t, rc.TransformationAudit, 5)
	require.Equal(t, "transformer", rc.TransformationAudit[0].Layer)
	require.Equal(t, "protocol", rc.TransformationAudit[1].Layer)
	require.Equal(t, "compat", rc.TransformationAudit[2].Layer)
	require.Equal(t, "server", rc.TransformationAudit[3].Layer)
}

func TestPipeline_Execute_TransformerFailureStopsChain(t *testing.T) {
	reg := newTestRegistry()
	reg.Rebuild(testTable("http://unused"))
	p, ok := reg.Get("lmstudio-gpt-oss-20b-key0")
	require.True(t, ok)

	req := &types.AnthropicRequest{
		Messages: []types.AnthropicMessage{{Role: "moderator", Content: rawStringJSON("hi")}},
	}
	rc := types.NewRequestContext("req-2")
	_, _, err := p.Execute(context.Background(), rc, req)
	require.Error(t, err)
	require.Len(t, rc.Errors, 1)
	require.NotContains(t, rc.PerLayerTimingsMs, "server")
}

func TestRegistry_GetMissingPipelineReturnsFalse(t *testing.T) {
	reg := newTestRegistry()
	reg.Rebuild(&types.RoutingTable{Pipelines: map[string]types.PipelineConfig{}})
	_, ok := reg.Get("nonexistent")
	require.False(t, ok)
}

func TestRegistry_RebuildReplacesInstancesWholesale(t *testing.T) {
	reg := newTestRegistry()
	reg.Rebuild(testTable("http://a"))
	_, ok := reg.Get("lmstudio-gpt-oss-20b-key0")
	require.True(t, ok)

	reg.Rebuild(&types.RoutingTable{Pipelines: map[string]types.PipelineConfig{}})
	_, ok = reg.Get("lmstudio-gpt-oss-20b-key0")
	require.False(t, ok, "a reload must discard pipelines absent from the new table")
}
