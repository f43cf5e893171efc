package routing

import (
	"sync"
	"time"

	"github.com/blueberrycongee/routecore/pkg/types"
)

// Health is the runtime PipelineHealth record (§3). All fields are guarded
// by the owning registry's per-pipeline lock.
type Health struct {
	Status           types.HealthStatus
	FailureCount     int
	BlacklistedUntil time.Time
	LastOutcome      types.Outcome
	consecutiveOK    int
}

type guardedHealth struct {
	mu     sync.Mutex
	health Health
}

// HealthRegistry owns PipelineHealth state for every pipeline, one lock per
// pipeline (§9: "guarded the same way" as KeyPool).
type HealthRegistry struct {
	mu    sync.RWMutex
	table map[string]*guardedHealth
}

// NewHealthRegistry returns an empty registry; entries are created lazily.
func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{table: make(map[string]*guardedHealth)}
}

func (r *HealthRegistry) entry(pipelineID string) *guardedHealth {
	r.mu.RLock()
	g, ok := r.table[pipelineID]
	r.mu.RUnlock()
	if ok {
		return g
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.table[pipelineID]; ok {
		return g
	}
	g = &guardedHealth{health: Health{Status: types.HealthHealthy}}
	r.table[pipelineID] = g
	return g
}

// Snapshot returns a point-in-time copy of a pipeline's health.
func (r *HealthRegistry) Snapshot(pipelineID string) Health {
	g := r.entry(pipelineID)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.health
}

// Eligible reports whether the pipeline is usable right now: it is
// ineligible only while it is unhealthy and still inside its blacklist
// window. Once blacklistedUntil has passed, an unhealthy pipeline is
// eligible again; its status returns to healthy on its next success.
func (r *HealthRegistry) Eligible(pipelineID string) bool {
	g := r.entry(pipelineID)
	g.mu.Lock()
	defer g.mu.Unlock()
	return eligibleLocked(&g.health)
}

func eligibleLocked(h *Health) bool {
	if h.Status == types.HealthUnhealthy && time.Now().Before(h.BlacklistedUntil) {
		return false
	}
	return true
}

// recoveryThreshold is the number of consecutive successes required to
// clear a `degraded` flag (§4.3).
const recoveryThreshold = 2

// failureThreshold is the consecutive-failure count at which a pipeline is
// marked unhealthy (§4.3).
const failureThreshold = 3

// Record applies the §4.3 LoadBalancer.record(outcome) state transitions
// for one pipeline.
func (r *HealthRegistry) Record(pipelineID string, outcome types.Outcome, windows Windows) {
	g := r.entry(pipelineID)
	g.mu.Lock()
	defer g.mu.Unlock()

	h := &g.health
	h.LastOutcome = outcome
	now := time.Now()

	switch outcome {
	case types.OutcomeOK:
		h.FailureCount = 0
		h.consecutiveOK++
		if h.Status == types.HealthDegraded && h.consecutiveOK >= recoveryThreshold {
			h.Status = types.HealthHealthy
		}
		if h.Status == types.HealthUnhealthy && now.After(h.BlacklistedUntil) {
			h.Status = types.HealthHealthy
		}
	case types.OutcomeRateLimited429:
		h.consecutiveOK = 0
		h.FailureCount++
		if h.FailureCount >= failureThreshold {
			h.Status = types.HealthUnhealthy
			h.BlacklistedUntil = now.Add(windows.Window429)
		}
	case types.OutcomeTimeout, types.OutcomeTransientError:
		h.consecutiveOK = 0
		h.FailureCount++
		if h.FailureCount >= 2 {
			h.Status = types.HealthDegraded
		}
	case types.OutcomeFatalError:
		h.consecutiveOK = 0
		h.FailureCount++
		h.Status = types.HealthUnhealthy
		h.BlacklistedUntil = now.Add(windows.WindowError)
	}
}

// Windows carries the resolved pipeline-blacklist windows (§4.3, §9).
type Windows struct {
	Window429   time.Duration
	WindowError time.Duration
}
