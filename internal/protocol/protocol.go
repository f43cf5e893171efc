// Package protocol implements the ProtocolLayer (§4.5): a pure, synchronous
// step that binds authentication, endpoint, timeout, and retry budget onto a
// request without performing any network I/O. The result is carried as an
// internal side-channel record — it is never serialized onto the wire.
package protocol

import (
	"time"

	"github.com/blueberrycongee/routecore/pkg/provider"
	"github.com/blueberrycongee/routecore/pkg/types"
)

// Binding is the side-channel record attached to a request after protocol
// resolution (§4.5). ServerCompatLayer and ServerLayer consume it; none of
// its fields are written into the outbound request body.
type Binding struct {
	Endpoint   string
	AuthHeader string
	AuthValue  string
	Timeout    time.Duration
	MaxRetries int
	Protocol   string
}

// Binder resolves a Binding for one protocol tag. Implementations are pure
// functions of their inputs — no shared state, no I/O (§9).
type Binder interface {
	Bind(layers types.LayerConfig) (Binding, error)
}

// Registry resolves a protocol tag to a Binder from a closed set fixed at
// construction time.
type Registry struct {
	binders map[string]Binder
}

// NewRegistry returns a Registry covering every protocol this router speaks.
// tokenSources, keyed by provider name, lets a provider substitute a dynamic
// TokenSource (OAuth2, IAM) for its static API key; providers absent from
// the map use their configured key as a static bearer token.
func NewRegistry(tokenSources map[string]provider.TokenSource) *Registry {
	return &Registry{binders: map[string]Binder{
		"openai":    bearerBinder{tokenSources: tokenSources},
		"anthropic": anthropicBinder{tokenSources: tokenSources},
		"gemini":    geminiBinder{tokenSources: tokenSources},
		"bedrock":   bedrockBinder{},
	}}
}

// Resolve looks up a Binder by tag, falling back to the bearer-token binder
// — every compat tag this router ships ultimately authenticates with either
// a bearer token, an x-api-key header, or a query-string key, and the
// bearer form is the most common (§4.6).
func (r *Registry) Resolve(tag string) Binder {
	if b, ok := r.binders[tag]; ok {
		return b
	}
	return r.binders["openai"]
}

// bearerBinder authenticates via "Authorization: Bearer <key>", the form
// used by OpenAI and every OpenAI-compatible backend (§4.5).
type bearerBinder struct {
	tokenSources map[string]provider.TokenSource
}

func (b bearerBinder) Bind(layers types.LayerConfig) (Binding, error) {
	token, err := provider.GetToken(b.tokenSources[layers.Provider], layers.APIKey)
	if err != nil {
		return Binding{}, err
	}
	return Binding{
		Endpoint:   layers.Endpoint,
		AuthHeader: "Authorization",
		AuthValue:  "Bearer " + token,
		Timeout:    time.Duration(layers.TimeoutMs) * time.Millisecond,
		MaxRetries: layers.MaxRetries,
		Protocol:   "openai",
	}, nil
}

// anthropicBinder authenticates via "x-api-key", Anthropic's native scheme.
type anthropicBinder struct {
	tokenSources map[string]provider.TokenSource
}

func (b anthropicBinder) Bind(layers types.LayerConfig) (Binding, error) {
	token, err := provider.GetToken(b.tokenSources[layers.Provider], layers.APIKey)
	if err != nil {
		return Binding{}, err
	}
	return Binding{
		Endpoint:   layers.Endpoint,
		AuthHeader: "x-api-key",
		AuthValue:  token,
		Timeout:    time.Duration(layers.TimeoutMs) * time.Millisecond,
		MaxRetries: layers.MaxRetries,
		Protocol:   "anthropic",
	}, nil
}

// bedrockBinder carries no static credential at all: Amazon Bedrock
// authenticates the outbound call with an AWS SigV4 signature computed from
// the request's own method, headers, and body, which only the
// ServerCompatLayer has in hand. The binding supplies endpoint/timeout/retry
// budget and leaves auth fields empty.
type bedrockBinder struct{}

func (bedrockBinder) Bind(layers types.LayerConfig) (Binding, error) {
	return Binding{
		Endpoint:   layers.Endpoint,
		Timeout:    time.Duration(layers.TimeoutMs) * time.Millisecond,
		MaxRetries: layers.MaxRetries,
		Protocol:   "bedrock",
	}, nil
}

// geminiBinder authenticates via a `?key=` query parameter, appended to the
// already-resolved endpoint by the compat layer (§4.5, §4.6).
type geminiBinder struct {
	tokenSources map[string]provider.TokenSource
}

func (b geminiBinder) Bind(layers types.LayerConfig) (Binding, error) {
	token, err := provider.GetToken(b.tokenSources[layers.Provider], layers.APIKey)
	if err != nil {
		return Binding{}, err
	}
	return Binding{
		Endpoint:   layers.Endpoint,
		AuthHeader: "",
		AuthValue:  token,
		Timeout:    time.Duration(layers.TimeoutMs) * time.Millisecond,
		MaxRetries: layers.MaxRetries,
		Protocol:   "gemini",
	}, nil
}
