package classify

import (
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/routecore/pkg/types"
)

func rawString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func TestClassify_Default(t *testing.T) {
	c := New()
	req := &types.AnthropicRequest{Messages: []types.AnthropicMessage{{Role: "user", Content: rawString("hi")}}}
	require.Equal(t, types.CategoryDefault, c.Classify("claude-sonnet-4", req))
}

func TestClassify_Coding(t *testing.T) {
	c := New()
	req := &types.AnthropicRequest{
		Messages: []types.AnthropicMessage{{Role: "user", Content: rawString("fix this")}},
		Tools:    []types.AnthropicTool{{Name: "read_file", Description: "reads a file"}},
	}
	require.Equal(t, types.CategoryCoding, c.Classify("claude-sonnet-4", req))
}

func TestClassify_WebSearch(t *testing.T) {
	c := New()
	req := &types.AnthropicRequest{
		Messages: []types.AnthropicMessage{{Role: "user", Content: rawString("who won")}},
		Tools:    []types.AnthropicTool{{Name: "web_search", Description: "search the web"}},
	}
	require.Equal(t, types.CategoryWebSearch, c.Classify("claude-sonnet-4", req))
}

func TestClassify_Reasoning(t *testing.T) {
	c := New()
	req := &types.AnthropicRequest{
		Messages: []types.AnthropicMessage{{Role: "user", Content: rawString("think hard")}},
		Thinking: &types.AnthropicThinking{Type: "enabled", BudgetTokens: 1024},
	}
	require.Equal(t, types.CategoryReasoning, c.Classify("claude-sonnet-4", req))
}

func TestClassify_LongContext(t *testing.T) {
	c := New()
	big := strings.Repeat("a", 300000) // 300000/4 = 75000 >= 60000 threshold
	req := &types.AnthropicRequest{Messages: []types.AnthropicMessage{{Role: "user", Content: rawString(big)}}}
	require.Equal(t, types.CategoryLongContext, c.Classify("claude-sonnet-4", req))
}

func TestClassify_WebSearch_ByType(t *testing.T) {
	c := New()
	req := &types.AnthropicRequest{
		Messages: []types.AnthropicMessage{{Role: "user", Content: rawString("who won")}},
		Tools:    []types.AnthropicTool{{Type: "web_search_20250305", Name: "lookup"}},
	}
	require.Equal(t, types.CategoryWebSearch, c.Classify("claude-sonnet-4", req))
}

func TestClassify_PriorityOrder_LongContextBeatsWebSearch(t *testing.T) {
	c := New()
	big := strings.Repeat("a", 300000)
	req := &types.AnthropicRequest{
		Messages: []types.AnthropicMessage{{Role: "user", Content: rawString(big)}},
		Tools:    []types.AnthropicTool{{Name: "web_search"}},
	}
	require.Equal(t, types.CategoryLongContext, c.Classify("claude-sonnet-4", req))
}

func TestEstimateTokens_Deterministic(t *testing.T) {
	req := &types.AnthropicRequest{Messages: []types.AnthropicMessage{{Role: "user", Content: rawString("12345678")}}}
	require.Equal(t, 2, EstimateTokens(req))
}
