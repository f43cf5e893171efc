// Package transform implements the TransformerLayer (§4.4): bidirectional
// translation between the client-facing Anthropic dialect and the backend
// OpenAI-like dialect. Each Transformer is a pure function of its input —
// no network, no shared state — selected from a closed, typed registry at
// assembly time (§9) rather than looked up by string tag at request time.
package transform

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	llmerrors "github.com/blueberrycongee/routecore/pkg/errors"
	"github.com/blueberrycongee/routecore/pkg/types"
)

// Transformer translates one request/response pair for a specific backend
// dialect. The "openai" transformer (the only variant currently needed,
// since every supported backend speaks an OpenAI-like wire format) is
// grounded on the request/response shaping in the teacher's Anthropic
// provider adapter, run in the opposite direction.
type Transformer interface {
	// Request translates the client-facing Anthropic request into the
	// backend's ChatRequest, targeting targetModel.
	Request(req *types.AnthropicRequest, targetModel string) (*types.ChatRequest, error)
	// Response translates a backend ChatResponse back into the
	// client-facing Anthropic response.
	Response(resp *types.ChatResponse) (*types.AnthropicResponse, error)
}

// Registry resolves a transformer tag to a concrete Transformer, a closed
// set fixed at construction (§9: "resolved from a closed set of variants").
type Registry struct {
	transformers map[string]Transformer
}

// NewRegistry returns a Registry pre-populated with every transformer
// variant the router ships.
func NewRegistry() *Registry {
	return &Registry{transformers: map[string]Transformer{
		"openai": OpenAITransformer{},
	}}
}

// Resolve looks up a transformer by tag, falling back to "openai" for an
// unknown or empty tag — every backend this router targets speaks an
// OpenAI-like wire format once past the compat layer.
func (r *Registry) Resolve(tag string) Transformer {
	if t, ok := r.transformers[tag]; ok {
		return t
	}
	return r.transformers["openai"]
}

// OpenAITransformer implements the Anthropic<->OpenAI-like translation of
// §4.4.
type OpenAITransformer struct{}

// Request translates Anthropic -> OpenAI-like (§4.4 "Request direction").
func (OpenAITransformer) Request(req *types.AnthropicRequest, targetModel string) (*types.ChatRequest, error) {
	out := &types.ChatRequest{
		Model:       targetModel,
		Stream:      req.Stream,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSeqs,
	}

	var messages []types.ChatMessage
	if len(req.System) > 0 {
		sysText, err := flattenToText(req.System)
		if err != nil {
			return nil, err
		}
		if sysText != "" {
			messages = append(messages, types.ChatMessage{Role: "system", Content: rawString(sysText)})
		}
	}

	for _, m := range req.Messages {
		converted, err := convertMessage(m)
		if err != nil {
			return nil, err
		}
		messages = append(messages, converted...)
	}
	out.Messages = messages

	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, err
		}
		out.Tools = tools
	}
	if len(req.ToolChoice) > 0 {
		out.ToolChoice = req.ToolChoice
	}

	return out, nil
}

// convertMessage maps one Anthropic message (role + string|array content)
// into zero or more OpenAI-dialect messages — a tool-result content block
// inside a user message becomes its own role:"tool" message (§4.4).
func convertMessage(m types.AnthropicMessage) ([]types.ChatMessage, error) {
	switch m.Role {
	case "user", "assistant", "system":
	default:
		return nil, llmerrors.NewUnsupportedMessageRoleError(m.Role)
	}

	var asString string
	if err := json.Unmarshal(m.Content, &asString); err == nil {
		return []types.ChatMessage{{Role: m.Role, Content: rawString(asString)}}, nil
	}

	var blocks []types.AnthropicContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, fmt.Errorf("invalid message content format: %w", err)
	}

	var textParts []string
	var toolCalls []types.ToolCall
	var toolMessages []types.ChatMessage

	for _, b := range blocks {
		switch b.Type {
		case "text":
			textParts = append(textParts, b.Text)
		case "tool_use":
			args := "{}"
			if len(b.Input) > 0 {
				args = string(b.Input)
			}
			toolCalls = append(toolCalls, types.ToolCall{
				ID:   b.ID,
				Type: "function",
				Function: types.ToolCallFunction{
					Name:      b.Name,
					Arguments: args,
				},
			})
		case "tool_result":
			content := ""
			if len(b.Content) > 0 {
				if s, err := flattenToText(b.Content); err == nil {
					content = s
				} else {
					content = string(b.Content)
				}
			}
			toolMessages = append(toolMessages, types.ChatMessage{
				Role:       "tool",
				Content:    rawString(content),
				ToolCallID: b.ToolUseID,
			})
		default:
			raw, _ := json.Marshal(b)
			textParts = append(textParts, string(raw))
		}
	}

	var out []types.ChatMessage
	if len(textParts) > 0 || len(toolCalls) > 0 {
		msg := types.ChatMessage{Role: m.Role, Content: rawString(strings.Join(textParts, ""))}
		if len(toolCalls) > 0 {
			msg.ToolCalls = toolCalls
		}
		out = append(out, msg)
	}
	out = append(out, toolMessages...)
	return out, nil
}

// convertTools maps Anthropic tool defs {name, description, input_schema}
// to OpenAI form {type:"function", function:{name, description, parameters}}.
// A tool without a valid string name is dropped (§4.4).
func convertTools(tools []types.AnthropicTool) ([]types.Tool, error) {
	out := make([]types.Tool, 0, len(tools))
	for _, t := range tools {
		if strings.TrimSpace(t.Name) == "" {
			continue
		}
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, types.Tool{
			Type: "function",
			Function: types.ToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		})
	}
	return out, nil
}

// finishReasonFromOpenAI maps OpenAI `finish_reason` to Anthropic
// `stop_reason` (§4.4 "Response direction").
func finishReasonFromOpenAI(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	case "content_filter":
		return "stop_sequence"
	default:
		return "end_turn"
	}
}

// Response translates OpenAI -> Anthropic (§4.4 "Response direction").
func (OpenAITransformer) Response(resp *types.ChatResponse) (*types.AnthropicResponse, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, llmerrors.NewResponseSchemaInvalidError("response has no choices")
	}
	choice := resp.Choices[0]

	var blocks []types.AnthropicContentBlock
	var text string
	if err := json.Unmarshal(choice.Message.Content, &text); err == nil && text != "" {
		blocks = append(blocks, types.AnthropicContentBlock{Type: "text", Text: text})
	}

	for _, tc := range choice.Message.ToolCalls {
		var input json.RawMessage
		if json.Valid([]byte(tc.Function.Arguments)) {
			input = json.RawMessage(tc.Function.Arguments)
		} else {
			b, _ := json.Marshal(tc.Function.Arguments)
			input = b
		}
		blocks = append(blocks, types.AnthropicContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}

	out := &types.AnthropicResponse{
		ID:         resp.ID,
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Model,
		Content:    blocks,
		StopReason: finishReasonFromOpenAI(choice.FinishReason),
	}
	if resp.Usage != nil {
		out.Usage = types.AnthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out, nil
}

func flattenToText(raw json.RawMessage) (string, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}
	var blocks []types.AnthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" {
				parts = append(parts, b.Text)
			} else {
				raw, _ := json.Marshal(b)
				parts = append(parts, string(raw))
			}
		}
		return strings.Join(parts, ""), nil
	}
	return string(raw), nil
}

func rawString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
