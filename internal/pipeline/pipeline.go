// Package pipeline owns PipelineInstance lifecycle and the four-layer chain
// each request passes through in strict order: transformer -> protocol ->
// server-compat -> server (§3, §4). A Pipeline is built once per pipelineId
// at assembly/reload time and never mutated mid-flight; per-request state
// lives entirely on the caller's RequestContext.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/blueberrycongee/routecore/internal/compat"
	"github.com/blueberrycongee/routecore/internal/obstrace"
	"github.com/blueberrycongee/routecore/internal/protocol"
	"github.com/blueberrycongee/routecore/internal/transform"
	"github.com/blueberrycongee/routecore/internal/transport"
	"github.com/blueberrycongee/routecore/pkg/types"
)

// Pipeline binds one PipelineConfig to its resolved layer implementations.
// Status tracks the §3 lifecycle (initializing -> runtime -> error|stopped);
// it is informational only — eligibility for picking is governed entirely
// by routing.HealthRegistry and keypool.Pool, not by Status.
type Pipeline struct {
	Config types.PipelineConfig

	transformer transform.Transformer
	binder      protocol.Binder
	compatMod   compat.Module
	server      *transport.Server
	tracer      *obstrace.Provider

	mu     sync.RWMutex
	status types.PipelineStatus
}

// layerSpan opens a tracing child span for one layer, or a no-op when no
// tracer is attached.
func (p *Pipeline) layerSpan(ctx context.Context, layer string) (context.Context, func(err error)) {
	if p.tracer == nil {
		return ctx, func(error) {}
	}
	return p.tracer.LayerSpan(ctx, layer, p.Config.PipelineID)
}

// Status returns the current lifecycle status.
func (p *Pipeline) Status() types.PipelineStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

func (p *Pipeline) setStatus(s types.PipelineStatus) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

// Execute runs the four layers in order against one inbound request,
// recording per-layer timing and an audit trail on rc. It never retries at
// this level — transport.Server owns the ServerLayer retry policy.
func (p *Pipeline) Execute(ctx context.Context, rc *types.RequestContext, req *types.AnthropicRequest) (*types.AnthropicResponse, transport.Result, error) {
	layers := p.Config.Layers

	t0 := time.Now()
	_, endTransform := p.layerSpan(ctx, "transformer")
	chatReq, err := p.transformer.Request(req, layers.TargetModel)
	endTransform(err)
	rc.RecordLayer("transformer", time.Since(t0), fmt.Sprintf("request -> %s", layers.TargetModel))
	if err != nil {
		rc.RecordError(err)
		return nil, transport.Result{}, err
	}

	t1 := time.Now()
	_, endProtocol := p.layerSpan(ctx, "protocol")
	binding, err := p.binder.Bind(layers)
	endProtocol(err)
	rc.RecordLayer("protocol", time.Since(t1), fmt.Sprintf("bound endpoint %s", layers.Endpoint))
	if err != nil {
		rc.RecordError(err)
		return nil, transport.Result{}, err
	}

	t2 := time.Now()
	_, endCompat := p.layerSpan(ctx, "compat")
	outbound, err := p.compatMod.Apply(chatReq, binding, layers)
	endCompat(err)
	rc.RecordLayer("compat", time.Since(t2), fmt.Sprintf("tag=%s", layers.CompatTag))
	if err != nil {
		rc.RecordError(err)
		return nil, transport.Result{}, err
	}

	t3 := time.Now()
	serverCtx, endServer := p.layerSpan(ctx, "server")
	result := p.server.Do(serverCtx, outbound, binding.Timeout, layers.MaxRetries)
	endServer(result.Err)
	rc.RecordLayer("server", time.Since(t3), fmt.Sprintf("outcome=%s attempts=%d", result.Outcome, result.Attempts))
	if result.Err != nil {
		rc.RecordError(result.Err)
		return nil, result, result.Err
	}

	t4 := time.Now()
	_, endResponse := p.layerSpan(ctx, "transformer_response")
	anthResp, err := p.transformer.Response(result.Response)
	endResponse(err)
	rc.RecordLayer("transformer_response", time.Since(t4), "response translated")
	if err != nil {
		rc.RecordError(err)
		return nil, result, err
	}

	return anthResp, result, nil
}

// Registry owns every Pipeline instance for the current RoutingTable,
// rebuilt wholesale on each reload (§3: the table is immutable; a reload
// swaps it, it never patches it in place).
type Registry struct {
	transformers *transform.Registry
	protocols    *protocol.Registry
	compats      *compat.Registry
	server       *transport.Server
	tracer       *obstrace.Provider

	mu        sync.RWMutex
	pipelines map[string]*Pipeline
}

// NewRegistry constructs an empty Registry bound to the given layer
// registries, which are themselves immutable for the registry's lifetime.
func NewRegistry(transformers *transform.Registry, protocols *protocol.Registry, compats *compat.Registry) *Registry {
	return &Registry{
		transformers: transformers,
		protocols:    protocols,
		compats:      compats,
		server:       transport.New(),
		pipelines:    make(map[string]*Pipeline),
	}
}

// WithTracer attaches a tracing provider so every rebuilt Pipeline emits one
// child span per layer. Call before Rebuild; pipelines built earlier keep
// running untraced until the next rebuild.
func (r *Registry) WithTracer(tracer *obstrace.Provider) *Registry {
	r.tracer = tracer
	return r
}

// Rebuild replaces every Pipeline instance with one built from table,
// discarding whatever pipelines existed before. Called once at startup and
// once per successful config reload.
func (r *Registry) Rebuild(table *types.RoutingTable) {
	next := make(map[string]*Pipeline, len(table.Pipelines))
	for id, cfg := range table.Pipelines {
		p := &Pipeline{
			Config:      cfg,
			transformer: r.transformers.Resolve(cfg.Layers.TransformerTag),
			binder:      r.protocols.Resolve(cfg.Layers.ProtocolTag),
			compatMod:   r.compats.Resolve(cfg.Layers.CompatTag),
			server:      r.server,
			tracer:      r.tracer,
			status:      types.PipelineRuntime,
		}
		next[id] = p
	}

	r.mu.Lock()
	r.pipelines = next
	r.mu.Unlock()
}

// Get returns the Pipeline for a pipelineId, or false if it is not (or no
// longer) present in the current table.
func (r *Registry) Get(pipelineID string) (*Pipeline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[pipelineID]
	return p, ok
}
