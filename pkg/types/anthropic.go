package types //nolint:revive // package name is intentional

import "github.com/goccy/go-json"

// AnthropicRequest is the client-facing inbound dialect accepted by the
// router's ingress handler. Field shapes mirror Anthropic's Messages API.
type AnthropicRequest struct {
	Model       string              `json:"model"`
	Messages    []AnthropicMessage  `json:"messages"`
	System      json.RawMessage     `json:"system,omitempty"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Temperature *float64            `json:"temperature,omitempty"`
	TopP        *float64            `json:"top_p,omitempty"`
	Stream      bool                `json:"stream,omitempty"`
	Tools       []AnthropicTool     `json:"tools,omitempty"`
	ToolChoice  json.RawMessage     `json:"tool_choice,omitempty"`
	Thinking    *AnthropicThinking  `json:"thinking,omitempty"`
	Metadata    *AnthropicMetadata  `json:"metadata,omitempty"`
	StopSeqs    []string            `json:"stop_sequences,omitempty"`

	// Priority is a router extension, not part of the upstream dialect: an
	// optional high|normal|low scoring hint. It is never forwarded upstream.
	Priority string `json:"priority,omitempty"`
}

// AnthropicThinking signals extended reasoning mode; the classifier treats a
// non-nil value with a non-empty type or a positive budget as a reasoning
// request.
type AnthropicThinking struct {
	Type         string `json:"type,omitempty"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// AnthropicMetadata carries optional request metadata (e.g. end-user id).
type AnthropicMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

// AnthropicMessage is one turn in an Anthropic-dialect conversation. Content
// may be a bare string or an array of content blocks; both are preserved
// in raw form so the transformer can branch on shape.
type AnthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// AnthropicContentBlock is one element of an array-shaped message content.
type AnthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// AnthropicTool is a tool definition in Anthropic's {name, description,
// input_schema} shape. Type carries Anthropic's built-in tool variants (e.g.
// "web_search_20250305"); client-defined function tools leave it empty.
type AnthropicTool struct {
	Type        string          `json:"type,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// AnthropicResponse is the client-facing outbound dialect.
type AnthropicResponse struct {
	ID           string                  `json:"id"`
	Type         string                  `json:"type"`
	Role         string                  `json:"role"`
	Model        string                  `json:"model"`
	Content      []AnthropicContentBlock `json:"content"`
	StopReason   string                  `json:"stop_reason,omitempty"`
	StopSequence string                  `json:"stop_sequence,omitempty"`
	Usage        AnthropicUsage          `json:"usage"`
}

// AnthropicUsage mirrors Anthropic's input/output token accounting.
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
