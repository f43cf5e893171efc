package routing

import (
	"math"
	"time"

	"github.com/blueberrycongee/routecore/internal/keypool"
	llmerrors "github.com/blueberrycongee/routecore/pkg/errors"
	"github.com/blueberrycongee/routecore/pkg/types"
)

// scoreEpsilon is the "within epsilon of the running best" tolerance used
// when choosing among near-tied candidates (§4.3 step 4).
const scoreEpsilon = 0.5

// recentRateLimitWindow bounds the linearly-decaying rate-limit penalty to
// the last 30 minutes (§4.3).
const recentRateLimitWindow = 30 * time.Minute

// Pick is the result of a successful LoadBalancer.pick call.
type Pick struct {
	PipelineID string
	Config     types.PipelineConfig
	Score      float64
	Rescued    bool // true if satisfied from the cross-category global pool
}

// LoadBalancer chooses one pipeline from a category's candidate set, tracks
// per-pipeline health and per-key state via KeyPool, and applies the
// blacklist/cooldown/backoff rules of §4.3.
type LoadBalancer struct {
	router    *Router
	health    *HealthRegistry
	keypools  *keypool.Registry
	windows   Windows
	observers Observers
}

// New constructs a LoadBalancer. observers may be nil — the core functions
// correctly with zero observers (§9).
func New(router *Router, health *HealthRegistry, keypools *keypool.Registry, windows Windows, observers Observers) *LoadBalancer {
	return &LoadBalancer{router: router, health: health, keypools: keypools, windows: windows, observers: observers}
}

// SetWindows updates the blacklist windows (used after a config reload).
func (lb *LoadBalancer) SetWindows(w Windows) { lb.windows = w }

// Pick implements §4.3's LoadBalancer.pick(category): iterate in-category
// candidates in order, skipping ineligible ones, scoring the rest, and
// returning the first candidate within epsilon of the running best (or the
// best once the list is exhausted). If every in-category candidate is
// ineligible, it falls back to the cross-category global pool with the same
// scoring. If still none, it returns NoEligiblePipelineError.
func (lb *LoadBalancer) Pick(table *types.RoutingTable, category types.Category, priority types.Priority) (Pick, error) {
	inCategory, globalPool := lb.router.Candidates(table, category)

	if pick, ok := lb.pickFrom(table, inCategory, priority); ok {
		pick.Rescued = false
		lb.observers.onPick(category, pick.PipelineID, pick.Score, false)
		return pick, nil
	}

	if pick, ok := lb.pickFrom(table, globalPool, priority); ok {
		pick.Rescued = true
		lb.observers.onPick(category, pick.PipelineID, pick.Score, true)
		return pick, nil
	}

	return Pick{}, llmerrors.NewNoEligiblePipelineError(string(category))
}

// scoredCandidate is one eligible candidate's computed score, kept in the
// order it was encountered.
type scoredCandidate struct {
	id    string
	cfg   types.PipelineConfig
	score float64
}

// pickFrom scores every eligible candidate in ids, then returns the first
// one (in the given order) whose score is within epsilon of the minimum
// score found — the "first near-best" rule of §4.3 step 4. Two passes are
// used so that "running best" means the true best over the whole candidate
// set, not just whatever has been seen so far.
func (lb *LoadBalancer) pickFrom(table *types.RoutingTable, ids []string, priority types.Priority) (Pick, bool) {
	var scored []scoredCandidate
	bestScore := math.Inf(1)

	for _, id := range ids {
		cfg, ok := table.Config(id)
		if !ok {
			continue
		}
		if !lb.health.Eligible(id) {
			continue
		}
		pool := lb.keypools.EnsureWithRateLimit(cfg.Provider, cfg.ProviderKeyCount, cfg.MaxConcurrent, cfg.RequestsPerSecond)
		if !pool.Available(cfg.APIKeyRef) {
			continue
		}
		snap, _ := pool.Snapshot(cfg.APIKeyRef)
		score := scorePipeline(cfg, snap, priority)
		scored = append(scored, scoredCandidate{id: id, cfg: cfg, score: score})
		if score < bestScore {
			bestScore = score
		}
	}

	for _, c := range scored {
		if c.score <= bestScore+scoreEpsilon {
			return Pick{PipelineID: c.id, Config: c.cfg, Score: c.score}, true
		}
	}
	return Pick{}, false
}

// scorePipeline implements the §4.3 scoring formula (lower is better):
// base priority + (1-successRate)*100 + recent-rate-limit penalty (0..30,
// linearly decaying over 30 minutes) + consecutiveFailures*5 +
// avgResponseTimeMs/100, adjusted by the request priority multiplier.
func scorePipeline(cfg types.PipelineConfig, snap keypool.Snapshot, priority types.Priority) float64 {
	basePriority := 10.0

	successRate := 1.0
	if snap.TotalRequests > 0 {
		successRate = float64(snap.Successes) / float64(snap.TotalRequests)
	}

	rateLimitPenalty := 0.0
	if !snap.LastRateLimit.IsZero() {
		elapsed := time.Since(snap.LastRateLimit)
		if elapsed < recentRateLimitWindow {
			frac := 1.0 - float64(elapsed)/float64(recentRateLimitWindow)
			rateLimitPenalty = 30.0 * frac
		}
	}

	score := basePriority + (1-successRate)*100 + rateLimitPenalty +
		float64(snap.ConsecutiveFailures)*5 + snap.AvgResponseTimeMs/100

	switch priority {
	case types.PriorityHigh:
		score *= 0.5
	case types.PriorityLow:
		score *= 0.8
	}
	return score
}

// Record applies the outcome of one ServerLayer attempt to both the
// pipeline's health (§4.3 blacklisting rules) and its key slot's cooldown
// statistics (§4.3, §4.8). latencyMs is the observed call duration.
func (lb *LoadBalancer) Record(cfg types.PipelineConfig, outcome types.Outcome, latencyMs float64, baseCooldown time.Duration) {
	lb.health.Record(cfg.PipelineID, outcome, lb.windows)
	pool := lb.keypools.EnsureWithRateLimit(cfg.Provider, cfg.ProviderKeyCount, cfg.MaxConcurrent, cfg.RequestsPerSecond)
	pool.Release(cfg.APIKeyRef, outcome, latencyMs, baseCooldown)
	lb.observers.onOutcome(cfg.PipelineID, outcome)
}

// Acquire reserves a concurrency slot for the chosen pipeline's key, per
// §4.8. Callers must pair a successful Acquire with exactly one Record call.
func (lb *LoadBalancer) Acquire(cfg types.PipelineConfig) bool {
	pool := lb.keypools.EnsureWithRateLimit(cfg.Provider, cfg.ProviderKeyCount, cfg.MaxConcurrent, cfg.RequestsPerSecond)
	return pool.Acquire(cfg.APIKeyRef)
}

// HealthStatus returns the pipeline's current health status, for gauges and
// diagnostics.
func (lb *LoadBalancer) HealthStatus(pipelineID string) types.HealthStatus {
	return lb.health.Snapshot(pipelineID).Status
}

// SlotSnapshot returns a point-in-time copy of the pipeline's key-slot
// statistics, for gauges and diagnostics.
func (lb *LoadBalancer) SlotSnapshot(cfg types.PipelineConfig) (keypool.Snapshot, bool) {
	pool := lb.keypools.EnsureWithRateLimit(cfg.Provider, cfg.ProviderKeyCount, cfg.MaxConcurrent, cfg.RequestsPerSecond)
	return pool.Snapshot(cfg.APIKeyRef)
}
