package transform

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/routecore/pkg/types"
)

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestOpenAITransformer_Request_StringContentPassesThrough(t *testing.T) {
	tr := OpenAITransformer{}
	req := &types.AnthropicRequest{
		Messages: []types.AnthropicMessage{
			{Role: "user", Content: rawJSON(t, "hello there")},
		},
	}
	out, err := tr.Request(req, "gpt-oss-20b")
	require.NoError(t, err)
	require.Equal(t, "gpt-oss-20b", out.Model)
	require.Len(t, out.Messages, 1)
	var content string
	require.NoError(t, json.Unmarshal(out.Messages[0].Content, &content))
	require.Equal(t, "hello there", content)
}

func TestOpenAITransformer_Request_ToolsConverted(t *testing.T) {
	tr := OpenAITransformer{}
	req := &types.AnthropicRequest{
		Messages: []types.AnthropicMessage{{Role: "user", Content: rawJSON(t, "read the file")}},
		Tools: []types.AnthropicTool{
			{Name: "read_file", Description: "reads a file", InputSchema: json.RawMessage(`{"type":"object"}`)},
		},
	}
	out, err := tr.Request(req, "gpt-oss-20b")
	require.NoError(t, err)
	require.Len(t, out.Tools, 1)
	require.Equal(t, "function", out.Tools[0].Type)
	require.Equal(t, "read_file", out.Tools[0].Function.Name)
	require.JSONEq(t, `{"type":"object"}`, string(out.Tools[0].Function.Parameters))
}

func TestOpenAITransformer_Request_DropsToolWithoutName(t *testing.T) {
	tr := OpenAITransformer{}
	req := &types.AnthropicRequest{
		Messages: []types.AnthropicMessage{{Role: "user", Content: rawJSON(t, "hi")}},
		Tools:    []types.AnthropicTool{{Name: "  "}, {Name: "valid_tool"}},
	}
	out, err := tr.Request(req, "m")
	require.NoError(t, err)
	require.Len(t, out.Tools, 1)
	require.Equal(t, "valid_tool", out.Tools[0].Function.Name)
}

func TestOpenAITransformer_Request_ToolUseAndToolResult(t *testing.T) {
	tr := OpenAITransformer{}
	assistantBlocks := []types.AnthropicContentBlock{
		{Type: "text", Text: "let me check"},
		{Type: "tool_use", ID: "call_1", Name: "read_file", Input: json.RawMessage(`{"path":"a.go"}`)},
	}
	userBlocks := []types.AnthropicContentBlock{
		{Type: "tool_result", ToolUseID: "call_1", Content: rawJSON(t, "file contents")},
	}
	req := &types.AnthropicRequest{
		Messages: []types.AnthropicMessage{
			{Role: "assistant", Content: rawJSON(t, assistantBlocks)},
			{Role: "user", Content: rawJSON(t, userBlocks)},
		},
	}
	out, err := tr.Request(req, "m")
	require.NoError(t, err)
	require.Len(t, out.Messages, 2)

	assistantMsg := out.Messages[0]
	require.Equal(t, "assistant", assistantMsg.Role)
	require.Len(t, assistantMsg.ToolCalls, 1)
	require.Equal(t, "call_1", assistantMsg.ToolCalls[0].ID)
	require.Equal(t, "read_file", assistantMsg.ToolCalls[0].Function.Name)
	require.JSONEq(t, `{"path":"a.go"}`, assistantMsg.ToolCalls[0].Function.Arguments)

	toolMsg := out.Messages[1]
	require.Equal(t, "tool", toolMsg.Role)
	require.Equal(t, "call_1", toolMsg.ToolCallID)
}

func TestOpenAITransformer_Request_UnsupportedRole(t *testing.T) {
	tr := OpenAITransformer{}
	req := &types.AnthropicRequest{
		Messages: []types.AnthropicMessage{{Role: "moderator", Content: rawJSON(t, "hi")}},
	}
	_, err := tr.Request(req, "m")
	require.Error(t, err)
}

func TestOpenAITransformer_Request_SystemPromptBecomesSystemMessage(t *testing.T) {
	tr := OpenAITransformer{}
	req := &types.AnthropicRequest{
		System:   rawJSON(t, "be concise"),
		Messages: []types.AnthropicMessage{{Role: "user", Content: rawJSON(t, "hi")}},
	}
	out, err := tr.Request(req, "m")
	require.NoError(t, err)
	require.Len(t, out.Messages, 2)
	require.Equal(t, "system", out.Messages[0].Role)
}

func TestOpenAITransformer_Response_TextAndFinishReason(t *testing.T) {
	tr := OpenAITransformer{}
	resp := &types.ChatResponse{
		ID:    "chatcmpl-1",
		Model: "gpt-oss-20b",
		Choices: []types.Choice{
			{Message: types.ChatMessage{Role: "assistant", Content: rawJSON(t, "hi there")}, FinishReason: "stop"},
		},
		Usage: &types.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
	out, err := tr.Response(resp)
	require.NoError(t, err)
	require.Equal(t, "end_turn", out.StopReason)
	require.Len(t, out.Content, 1)
	require.Equal(t, "text", out.Content[0].Type)
	require.Equal(t, "hi there", out.Content[0].Text)
	require.Equal(t, 10, out.Usage.InputTokens)
	require.Equal(t, 5, out.Usage.OutputTokens)
}

func TestOpenAITransformer_Response_ToolCallsBecomeToolUse(t *testing.T) {
	tr := OpenAITransformer{}
	resp := &types.ChatResponse{
		Choices: []types.Choice{{
			Message: types.ChatMessage{
				Role: "assistant",
				ToolCalls: []types.ToolCall{
					{ID: "call_1", Type: "function", Function: types.ToolCallFunction{Name: "read_file", Arguments: `{"path":"a.go"}`}},
				},
			},
			FinishReason: "tool_calls",
		}},
	}
	out, err := tr.Response(resp)
	require.NoError(t, err)
	require.Equal(t, "tool_use", out.StopReason)
	require.Len(t, out.Content, 1)
	require.Equal(t, "tool_use", out.Content[0].Type)
	require.Equal(t, "read_file", out.Content[0].Name)
	require.JSONEq(t, `{"path":"a.go"}`, string(out.Content[0].Input))
}

func TestOpenAITransformer_Response_NoChoicesIsSchemaInvalid(t *testing.T) {
	tr := OpenAITransformer{}
	_, err := tr.Response(&types.ChatResponse{})
	require.Error(t, err)
}

func TestFinishReasonMapping(t *testing.T) {
	cases := map[string]string{
		"stop":           "end_turn",
		"length":         "max_tokens",
		"tool_calls":     "tool_use",
		"content_filter": "stop_sequence",
		"something_else": "end_turn",
	}
	for in, want := range cases {
		require.Equal(t, want, finishReasonFromOpenAI(in), "reason=%s", in)
	}
}

func TestRegistry_ResolveFallsBackToOpenAI(t *testing.T) {
	r := NewRegistry()
	require.IsType(t, OpenAITransformer{}, r.Resolve("unknown-tag"))
}
