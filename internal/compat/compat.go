// Package compat implements the ServerCompatLayer (§4.6): per-backend
// endpoint correction, header injection, and body shaping, resolved from a
// closed, typed tag registry rather than a string-keyed lookup scattered
// through request handling (§9). Ungrounded or unknown tags fall back to
// "generic", the OpenAI-compatible default every backend in this router
// ultimately resembles.
package compat

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/routecore/internal/protocol"
	"github.com/blueberrycongee/routecore/pkg/types"
)

// userAgent identifies this router on every outbound call (§4.7).
const userAgent = "routecore/0.1"

// Outbound is the fully-resolved HTTP request shape the ServerLayer sends.
// Nothing past this point performs further translation.
type Outbound struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Module adapts one ChatRequest/Binding pair into an Outbound request for a
// specific backend dialect.
type Module interface {
	Apply(req *types.ChatRequest, binding protocol.Binding, layers types.LayerConfig) (Outbound, error)
}

// Registry resolves a compat tag to a Module.
type Registry struct {
	modules map[string]Module
}

// NewRegistry returns a Registry covering every compat tag named in §4.6:
// lmstudio, ollama, vllm, qwen, iflow, anthropic, openai, gemini,
// modelscope, and the generic OpenAI-compatible fallback.
func NewRegistry() *Registry {
	generic := genericModule{}
	return &Registry{modules: map[string]Module{
		"generic":    generic,
		"openai":     generic,
		"lmstudio":   noAuthHeaderModule{inner: generic},
		"ollama":     noAuthHeaderModule{inner: generic},
		"vllm":       generic,
		"qwen":       generic,
		"iflow":      generic,
		"modelscope": generic,
		"anthropic":  anthropicModule{},
		"gemini":     geminiModule{},
	}}
}

// Register binds an additional compat tag, used at startup to wire in
// modules that need runtime configuration unavailable to NewRegistry (the
// Bedrock module needs a resolved AWS config; see NewBedrockModule).
func (r *Registry) Register(tag string, m Module) {
	r.modules[tag] = m
}

// Resolve looks up a Module by tag, falling back to "generic" for an
// unknown tag (§4.6).
func (r *Registry) Resolve(tag string) Module {
	if m, ok := r.modules[tag]; ok {
		return m
	}
	return r.modules["generic"]
}

// clampMaxTokens enforces the resolved per-pipeline maxTokens ceiling (§4.1,
// §4.6): a request that asks for more than the pipeline allows is clamped,
// never rejected.
func clampMaxTokens(req *types.ChatRequest, ceiling int) {
	if ceiling > 0 && (req.MaxTokens <= 0 || req.MaxTokens > ceiling) {
		req.MaxTokens = ceiling
	}
}

// genericModule implements the OpenAI-compatible wire format shared by
// every non-Anthropic, non-Gemini backend this router targets, grounded on
// the teacher's openailike.Provider.BuildRequest.
type genericModule struct{}

func (genericModule) Apply(req *types.ChatRequest, binding protocol.Binding, layers types.LayerConfig) (Outbound, error) {
	req.Model = layers.TargetModel
	req.Stream = false // ServerLayer never streams upstream (§4.7)
	clampMaxTokens(req, layers.MaxTokens)

	body, err := json.Marshal(req)
	if err != nil {
		return Outbound{}, fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{
		"Content-Type": "application/json",
		"User-Agent":   userAgent,
	}
	if binding.AuthHeader != "" {
		headers[binding.AuthHeader] = binding.AuthValue
	}

	return Outbound{Method: http.MethodPost, URL: binding.Endpoint, Headers: headers, Body: body}, nil
}

// noAuthHeaderModule wraps another Module and drops any auth header — local
// backends like LM Studio and Ollama typically run unauthenticated (§4.6).
type noAuthHeaderModule struct {
	inner Module
}

func (m noAuthHeaderModule) Apply(req *types.ChatRequest, binding protocol.Binding, layers types.LayerConfig) (Outbound, error) {
	binding.AuthHeader = ""
	return m.inner.Apply(req, binding, layers)
}

// anthropicModule speaks Anthropic's native x-api-key + anthropic-version
// headers. The body is the ChatRequest the TransformerLayer produced,
// marshaled with the target model, stream:false and the max_tokens clamp
// applied; no Anthropic Messages-API body is rebuilt here.
type anthropicModule struct{}

func (anthropicModule) Apply(req *types.ChatRequest, binding protocol.Binding, layers types.LayerConfig) (Outbound, error) {
	req.Model = layers.TargetModel
	req.Stream = false
	clampMaxTokens(req, layers.MaxTokens)

	body, err := json.Marshal(req)
	if err != nil {
		return Outbound{}, fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{
		"Content-Type":      "application/json",
		"User-Agent":        userAgent,
		"anthropic-version": "2023-06-01",
	}
	if binding.AuthValue != "" {
		headers["x-api-key"] = binding.AuthValue
	}

	return Outbound{Method: http.MethodPost, URL: binding.Endpoint, Headers: headers, Body: body}, nil
}

// geminiModule appends the API key as a `?key=` query parameter and
// templates the model name into the endpoint path, per Gemini's
// generateContent URL shape (§4.5, §4.6), grounded on the teacher's Gemini
// adapter's BuildRequest.
type geminiModule struct{}

func (geminiModule) Apply(req *types.ChatRequest, binding protocol.Binding, layers types.LayerConfig) (Outbound, error) {
	req.Model = layers.TargetModel
	req.Stream = false
	clampMaxTokens(req, layers.MaxTokens)

	body, err := json.Marshal(req)
	if err != nil {
		return Outbound{}, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := strings.TrimRight(binding.Endpoint, "/")
	url := fmt.Sprintf("%s/%s:generateContent?key=%s", endpoint, layers.TargetModel, binding.AuthValue)

	headers := map[string]string{
		"Content-Type": "application/json",
		"User-Agent":   userAgent,
	}
	return Outbound{Method: http.MethodPost, URL: url, Headers: headers, Body: body}, nil
}
