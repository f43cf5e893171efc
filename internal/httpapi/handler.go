// Package httpapi implements the ingress handler of §6: decode an
// Anthropic-dialect request, classify it, pick a pipeline, run the
// four-layer chain, and map any failure into the client-visible error shape
// of §7.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blueberrycongee/routecore/internal/classify"
	"github.com/blueberrycongee/routecore/internal/config"
	"github.com/blueberrycongee/routecore/internal/metrics"
	"github.com/blueberrycongee/routecore/internal/observability"
	"github.com/blueberrycongee/routecore/internal/obstrace"
	"github.com/blueberrycongee/routecore/internal/pipeline"
	"github.com/blueberrycongee/routecore/internal/routing"
	llmerrors "github.com/blueberrycongee/routecore/pkg/errors"
	"github.com/blueberrycongee/routecore/pkg/types"
)

// maxPickRetries bounds the §7 "re-invoke LoadBalancer.pick after a failed
// attempt" policy to a single extra try — enough to route around one bad
// pipeline without turning a client request into an unbounded retry storm.
const maxPickRetries = 1

// baseKeyCooldown is the starting point for the per-key cooldown escalation
// applied on a 429 (§4.3: baseCooldown * 1.5^consecutiveFailures).
const baseKeyCooldown = time.Second

// Handler is the HTTP entrypoint for the router's single endpoint.
type Handler struct {
	manager    *config.Manager
	classifier *classify.Classifier
	lb         *routing.LoadBalancer
	pipelines  *pipeline.Registry
	logger     *observability.Logger
	tracer     *obstrace.Provider
	audit      observability.AuditSink
}

// New constructs a Handler wired to the given components.
func New(manager *config.Manager, classifier *classify.Classifier, lb *routing.LoadBalancer, pipelines *pipeline.Registry, logger *observability.Logger, tracer *obstrace.Provider) *Handler {
	return &Handler{manager: manager, classifier: classifier, lb: lb, pipelines: pipelines, logger: logger, tracer: tracer}
}

// WithAuditSink attaches a durable completed-request recorder. Optional:
// a Handler with no sink simply skips the Record call.
func (h *Handler) WithAuditSink(sink observability.AuditSink) *Handler {
	h.audit = sink
	return h
}

// Routes returns the router's http.Handler, including the /metrics endpoint
// the DOMAIN STACK's Prometheus wiring exposes.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/messages", h.handleMessages)
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	return observability.RequestIDMiddleware(mux)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := h.manager.Status()
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	ctx, requestID := observability.GetOrCreateRequestID(r.Context())
	log := h.logger.WithRequestID(ctx)

	var req types.AnthropicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, llmerrors.NewInvalidRequestError("", "", "invalid request body: "+err.Error()))
		return
	}

	category := h.classifier.Classify(req.Model, &req)
	rc := types.NewRequestContext(requestID)
	rc.ClassifiedCategory = category
	switch p := types.Priority(req.Priority); p {
	case types.PriorityHigh, types.PriorityLow:
		rc.Priority = p
	}

	ctx, reqSpan := h.tracer.StartRequest(ctx, requestID, string(category))
	defer reqSpan.End()

	// A classified category with no configured pipelines falls back to
	// default; if default is empty too, the request fails — no silent
	// substitution beyond that (§4.2).
	table := h.manager.Get()
	routeCategory := category
	if len(table.PipelineIDsForCategory(routeCategory)) == 0 {
		if len(table.PipelineIDsForCategory(types.CategoryDefault)) == 0 {
			writeAndRecordError(w, log, category, llmerrors.NewNoPipelineForCategoryError(string(category)))
			return
		}
		routeCategory = types.CategoryDefault
	}

	start := time.Now()
	resp, err := h.runWithRetry(ctx, rc, &req, routeCategory)
	elapsed := time.Since(start)
	metrics.RequestLatency.WithLabelValues(string(category)).Observe(elapsed.Seconds())
	for layer, ms := range rc.PerLayerTimingsMs {
		metrics.LayerLatency.WithLabelValues(layer).Observe(ms / 1000.0)
	}

	if err != nil {
		h.recordAudit(requestID, category, table, rc, "error", elapsed, err)
		writeAndRecordError(w, log, category, err)
		return
	}

	metrics.RequestsTotal.WithLabelValues(string(category), "ok").Inc()
	metrics.TokensTotal.WithLabelValues(rc.ChosenPipelineID, "input").Add(float64(resp.Usage.InputTokens))
	metrics.TokensTotal.WithLabelValues(rc.ChosenPipelineID, "output").Add(float64(resp.Usage.OutputTokens))
	h.recordAudit(requestID, category, table, rc, "ok", elapsed, nil)
	writeJSON(w, http.StatusOK, resp)
}

// recordAudit forwards a completed request to the optional audit sink. A
// pipeline may be unresolved (every candidate exhausted before one could be
// picked), in which case provider/model are left blank rather than guessed.
func (h *Handler) recordAudit(requestID string, category types.Category, table *types.RoutingTable, rc *types.RequestContext, outcome string, elapsed time.Duration, err error) {
	if h.audit == nil {
		return
	}
	entry := observability.AuditEntry{
		Timestamp:  time.Now().UTC(),
		RequestID:  requestID,
		Category:   category,
		PipelineID: rc.ChosenPipelineID,
		Outcome:    outcome,
		LatencyMs:  float64(elapsed.Microseconds()) / 1000.0,
	}
	if cfg, ok := table.Config(rc.ChosenPipelineID); ok {
		entry.Provider = cfg.Provider
		entry.Model = cfg.TargetModel
	}
	if err != nil {
		entry.Error = err.Error()
	}
	h.audit.Record(entry)
}

// runWithRetry implements §7's policy: pick a pipeline, acquire its key
// slot, run the chain; on failure, re-invoke LoadBalancer.Pick up to
// maxPickRetries times (the just-failed pipeline is now less likely to be
// picked again, since Record already marked its outcome).
func (h *Handler) runWithRetry(ctx context.Context, rc *types.RequestContext, req *types.AnthropicRequest, category types.Category) (*types.AnthropicResponse, error) {
	table := h.manager.Get()
	var lastErr error

	for attempt := 0; attempt <= maxPickRetries; attempt++ {
		pick, err := h.lb.Pick(table, category, rc.Priority)
		if err != nil {
			lastErr = err
			break
		}
		rc.ChosenPipelineID = pick.PipelineID
		metrics.PipelinePicks.WithLabelValues(pick.PipelineID, boolLabel(pick.Rescued)).Inc()

		if !h.lb.Acquire(pick.Config) {
			lastErr = llmerrors.NewNoEligiblePipelineError(string(category))
			continue
		}

		p, ok := h.pipelines.Get(pick.PipelineID)
		if !ok {
			h.lb.Record(pick.Config, types.OutcomeFatalError, 0, 0)
			lastErr = llmerrors.NewNoEligiblePipelineError(string(category))
			continue
		}

		resp, result, execErr := p.Execute(ctx, rc, req)
		h.lb.Record(pick.Config, result.Outcome, result.LatencyMs, baseKeyCooldown)
		metrics.UpstreamOutcomes.WithLabelValues(pick.PipelineID, string(result.Outcome)).Inc()
		if result.LatencyMs > 0 {
			metrics.UpstreamLatency.WithLabelValues(pick.PipelineID).Observe(result.LatencyMs / 1000.0)
		}
		h.updateStateGauges(pick)

		if execErr == nil {
			return resp, nil
		}
		lastErr = execErr
	}

	return nil, lastErr
}

// updateStateGauges refreshes the health/key-slot gauges for the pipeline a
// request just ran on. Gauges track the slot the request used; other slots
// are refreshed whenever their own traffic passes through.
func (h *Handler) updateStateGauges(pick routing.Pick) {
	metrics.PipelineHealthState.WithLabelValues(pick.PipelineID).
		Set(metrics.HealthStateValue(string(h.lb.HealthStatus(pick.PipelineID))))
	snap, ok := h.lb.SlotSnapshot(pick.Config)
	if !ok {
		return
	}
	keyIndex := strconv.Itoa(pick.Config.APIKeyRef)
	cooling := 0.0
	if snap.CooldownUntil.After(time.Now()) {
		cooling = 1.0
	}
	metrics.KeySlotCooldown.WithLabelValues(pick.Config.Provider, keyIndex).Set(cooling)
	metrics.KeySlotConcurrency.WithLabelValues(pick.Config.Provider, keyIndex).Set(float64(snap.ConcurrencyInUse))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func writeAndRecordError(w http.ResponseWriter, log *observability.Logger, category types.Category, err error) {
	body, status := llmerrors.ToErrorBody(err)
	body.Message = observability.NewRedactor().Redact(body.Message)
	metrics.RequestsTotal.WithLabelValues(string(category), body.Type).Inc()
	log.RedactedWarn("request failed", "error", err.Error(), "status", status)
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, err error) {
	body, status := llmerrors.ToErrorBody(err)
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
