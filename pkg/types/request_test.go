package types //nolint:revive // package name is intentional

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatRequestMarshal_StreamAlwaysExplicit(t *testing.T) {
	req := ChatRequest{
		Model:    "gpt-oss-20b",
		Messages: []ChatMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}},
	}

	data, err := json.Marshal(&req)
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	// The server layer forces stream off; the field must be present on the
	// wire rather than omitted, so upstreams never fall back to a default.
	assert.JSONEq(t, `false`, string(decoded["stream"]))
}

func TestChatRequestMarshal_OmitsUnsetOptionalFields(t *testing.T) {
	req := ChatRequest{
		Model:    "gpt-oss-20b",
		Messages: []ChatMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}},
	}

	data, err := json.Marshal(&req)
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.NotContains(t, decoded, "max_tokens")
	assert.NotContains(t, decoded, "temperature")
	assert.NotContains(t, decoded, "tools")
	assert.NotContains(t, decoded, "tool_choice")
	assert.NotContains(t, decoded, "stop")
}
