package compat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/goccy/go-json"

	"github.com/blueberrycongee/routecore/internal/protocol"
	"github.com/blueberrycongee/routecore/pkg/types"
)

// bedrockService is the SigV4 service name Bedrock's runtime API signs
// under, distinct from the "bedrock-runtime" hostname.
const bedrockService = "bedrock"

// bedrockModule adapts a ChatRequest into Amazon Bedrock's native
// invoke-model request for Anthropic-family models and signs it with AWS
// SigV4 — the one compat tag in this router that authenticates via request
// signing rather than a static header, grounded on the teacher's Bedrock
// provider adapter.
type bedrockModule struct {
	cfg aws.Config
}

// NewBedrockModule constructs the Bedrock compat module from a resolved AWS
// configuration (region, credential chain). Callers typically load cfg once
// at startup via aws-sdk-go-v2/config.LoadDefaultConfig.
func NewBedrockModule(cfg aws.Config) Module {
	return bedrockModule{cfg: cfg}
}

// bedrockInvokeRequest is Bedrock's native body shape for Anthropic-family
// models: the model itself is named in the URL path, not the body, and
// there is no stream flag (the ServerLayer never streams upstream anyway).
type bedrockInvokeRequest struct {
	AnthropicVersion string              `json:"anthropic_version"`
	MaxTokens        int                 `json:"max_tokens"`
	Messages         []types.ChatMessage `json:"messages"`
	Temperature      *float64            `json:"temperature,omitempty"`
	TopP             *float64            `json:"top_p,omitempty"`
	Stop             []string            `json:"stop_sequences,omitempty"`
}

func (m bedrockModule) Apply(req *types.ChatRequest, binding protocol.Binding, layers types.LayerConfig) (Outbound, error) {
	clampMaxTokens(req, layers.MaxTokens)

	invoke := bedrockInvokeRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        req.MaxTokens,
		Messages:         req.Messages,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		Stop:             req.Stop,
	}
	body, err := json.Marshal(invoke)
	if err != nil {
		return Outbound{}, fmt.Errorf("marshal bedrock request: %w", err)
	}

	endpoint := strings.TrimRight(layers.Endpoint, "/")
	url := fmt.Sprintf("%s/model/%s/invoke", endpoint, layers.TargetModel)

	httpReq, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		return Outbound{}, fmt.Errorf("build bedrock request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)

	ctx := context.Background()
	creds, err := m.cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return Outbound{}, fmt.Errorf("retrieve aws credentials: %w", err)
	}

	sum := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(sum[:])

	signer := v4.NewSigner()
	if err := signer.SignHTTP(ctx, creds, httpReq, payloadHash, bedrockService, m.cfg.Region, time.Now()); err != nil {
		return Outbound{}, fmt.Errorf("sign bedrock request: %w", err)
	}

	headers := make(map[string]string, len(httpReq.Header))
	for k := range httpReq.Header {
		headers[k] = httpReq.Header.Get(k)
	}

	return Outbound{Method: http.MethodPost, URL: url, Headers: headers, Body: body}, nil
}
