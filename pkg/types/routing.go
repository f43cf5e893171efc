package types //nolint:revive // package name is intentional

import "time"

// Category is a virtual-model classification label. It selects a candidate
// set of pipelines; it is never a model name.
type Category string

const (
	CategoryDefault     Category = "default"
	CategoryCoding      Category = "coding"
	CategoryReasoning   Category = "reasoning"
	CategoryLongContext Category = "longContext"
	CategoryWebSearch   Category = "webSearch"
)

// Priority is a per-request scoring hint (§4.3). Default is PriorityNormal.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// RoutingRuleEntry is one (provider, model) pair parsed out of a routing
// rule string at assembly time (§9: "parse at assembly time, not request
// time").
type RoutingRuleEntry struct {
	Provider string
	Model    string
}

// LayerConfig holds the layer-specific parameters resolved at assembly time
// for a single PipelineConfig (§4.1).
type LayerConfig struct {
	TransformerTag string
	ProtocolTag    string
	CompatTag      string
	Provider       string
	TargetModel    string
	Endpoint       string
	APIKey         string
	TimeoutMs      int
	MaxTokens      int
	MaxRetries     int
	CompatOptions  map[string]any
}

// PipelineConfig is the assembler's immutable per-pipeline output (§3).
type PipelineConfig struct {
	PipelineID        string
	Category          Category
	Provider          string
	TargetModel       string
	Endpoint          string
	APIKeyRef         int
	MaxTokens         int
	TimeoutMs         int
	MaxRetries        int
	MaxConcurrent     int     // per-key concurrency gate for this provider (§4.8)
	ProviderKeyCount  int     // total API keys configured for this provider
	RequestsPerSecond float64 // optional per-key token-bucket cap; 0 disables the limiter
	Layers            LayerConfig
}

// RoutingTable is the immutable assembler output: category -> ordered
// pipelineId list, plus the flat list of all pipeline configs (§3).
type RoutingTable struct {
	Categories  map[Category][]string
	Pipelines   map[string]PipelineConfig
	GeneratedAt time.Time
}

// PipelineIDsForCategory returns the ordered pipeline id list for a
// category, or nil if the category has no pipelines.
func (t *RoutingTable) PipelineIDsForCategory(c Category) []string {
	if t == nil {
		return nil
	}
	return t.Categories[c]
}

// Config returns the PipelineConfig for a pipeline id.
func (t *RoutingTable) Config(pipelineID string) (PipelineConfig, bool) {
	if t == nil {
		return PipelineConfig{}, false
	}
	cfg, ok := t.Pipelines[pipelineID]
	return cfg, ok
}

// AllHealthyUnion returns the union of all pipeline ids across every
// category, in stable order, for cross-category rescue (§4.3 global pool).
func (t *RoutingTable) AllHealthyUnion() []string {
	if t == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(t.Pipelines))
	ordered := make([]string, 0, len(t.Pipelines))
	for _, cat := range []Category{CategoryDefault, CategoryCoding, CategoryReasoning, CategoryLongContext, CategoryWebSearch} {
		for _, id := range t.Categories[cat] {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ordered = append(ordered, id)
		}
	}
	return ordered
}

// PipelineStatus is PipelineInstance lifecycle state (§3).
type PipelineStatus string

const (
	PipelineInitializing PipelineStatus = "initializing"
	PipelineRuntime      PipelineStatus = "runtime"
	PipelineError        PipelineStatus = "error"
	PipelineStopped      PipelineStatus = "stopped"
)

// HealthStatus is PipelineHealth.status (§3).
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Outcome is the classified result of one ServerLayer attempt (§4.3, §4.7).
type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeRateLimited429 Outcome = "rateLimited429"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeTransientError Outcome = "transientError"
	OutcomeFatalError     Outcome = "fatalError"
)

// TransformationAuditEntry is one append-only record of a layer's effect on
// a request, held on RequestContext for diagnostics.
type TransformationAuditEntry struct {
	Layer   string
	Summary string
}

// RequestContext is per-request, single-owner state (§3). It is never
// shared across requests or retained past the request's lifetime.
type RequestContext struct {
	RequestID           string
	StartTime           time.Time
	ClassifiedCategory  Category
	ChosenPipelineID    string
	Priority            Priority
	PerLayerTimingsMs   map[string]float64
	TransformationAudit []TransformationAuditEntry
	Errors              []error
}

// NewRequestContext creates a RequestContext with its maps/slices
// initialized, ready for a single request's lifetime.
func NewRequestContext(requestID string) *RequestContext {
	return &RequestContext{
		RequestID:         requestID,
		StartTime:         time.Now(),
		Priority:          PriorityNormal,
		PerLayerTimingsMs: make(map[string]float64, 4),
	}
}

// RecordLayer appends a timing + audit entry for one layer's execution.
func (rc *RequestContext) RecordLayer(layer string, elapsed time.Duration, summary string) {
	rc.PerLayerTimingsMs[layer] = float64(elapsed.Microseconds()) / 1000.0
	rc.TransformationAudit = append(rc.TransformationAudit, TransformationAuditEntry{Layer: layer, Summary: summary})
}

// RecordError appends an error without aborting the audit trail.
func (rc *RequestContext) RecordError(err error) {
	rc.Errors = append(rc.Errors, err)
}
