// Package keypool implements per-provider API-key rotation, cooldown, and
// failure statistics (§4.8). One KeyPool exists per provider; slots are
// indexed by key index and each slot is guarded by its own lock so that
// concurrent acquire/release calls for different keys never contend (§9:
// "model KeyPool as a guarded record... with a small set of total
// operations").
package keypool

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/blueberrycongee/routecore/pkg/types"
)

// Slot is the runtime KeySlot record (§3). All fields are guarded by the
// owning Pool's per-index lock; callers never touch a Slot value directly.
type Slot struct {
	TotalRequests       int64
	Successes           int64
	RateLimited         int64
	ConsecutiveFailures int
	CooldownUntil       time.Time
	LastSuccess         time.Time
	LastRateLimit       time.Time
	AvgResponseTimeMs   float64
	ConcurrencyInUse    int
}

// Snapshot is a point-in-time copy of a Slot safe to read without holding
// the pool's lock (§4.8: "reads by the scorer may observe a slightly stale
// snapshot — acceptable because scoring is best-effort").
type Snapshot = Slot

type guardedSlot struct {
	mu      sync.Mutex
	slot    Slot
	limiter *rate.Limiter
}

// Pool owns every KeySlot for one provider. maxConcurrent is the per-key
// concurrency gate (§4.8, §5 backpressure).
type Pool struct {
	provider      string
	maxConcurrent int
	slots         []*guardedSlot
	store         SlotStore
}

// NewPool creates a Pool with keyCount slots, each allowing up to
// maxConcurrent in-flight requests.
func NewPool(provider string, keyCount, maxConcurrent int) *Pool {
	return NewPoolWithRateLimit(provider, keyCount, maxConcurrent, 0)
}

// NewPoolWithRateLimit is NewPool plus an optional per-key requests-per-second
// token-bucket cap (§4.8's concurrency gate paired with a throughput gate);
// requestsPerSecond <= 0 disables the limiter and every slot behaves exactly
// as NewPool's.
func NewPoolWithRateLimit(provider string, keyCount, maxConcurrent int, requestsPerSecond float64) *Pool {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	slots := make([]*guardedSlot, keyCount)
	for i := range slots {
		g := &guardedSlot{}
		if requestsPerSecond > 0 {
			g.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burstForRate(requestsPerSecond))
		}
		slots[i] = g
	}
	return &Pool{provider: provider, maxConcurrent: maxConcurrent, slots: slots}
}

// burstForRate sizes a limiter's burst so that a brief burst of traffic at
// startup isn't throttled to a trickle while the bucket fills.
func burstForRate(requestsPerSecond float64) int {
	burst := int(requestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return burst
}

// WithStore attaches a distributed SlotStore for cross-replica cooldown
// sync. Concurrency gating stays local regardless.
func (p *Pool) WithStore(store SlotStore) *Pool {
	p.store = store
	return p
}

// Available reports whether keyIndex is eligible right now: not in cooldown
// and under the concurrency gate (§3 KeySlot invariant).
func (p *Pool) Available(keyIndex int) bool {
	g := p.slotFor(keyIndex)
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return p.availableLocked(g)
}

func (p *Pool) availableLocked(g *guardedSlot) bool {
	now := time.Now()
	notCoolingDown := g.slot.CooldownUntil.IsZero() || !now.Before(g.slot.CooldownUntil)
	withinRate := g.limiter == nil || g.limiter.TokensAt(now) >= 1
	return notCoolingDown && withinRate && g.slot.ConcurrencyInUse < p.maxConcurrent
}

// Acquire increments concurrencyInUse if the slot is available, refusing
// otherwise (§4.8). When a distributed store is attached, a remote cooldown
// set by another replica also blocks acquisition even if the local slot
// hasn't seen that outcome itself.
func (p *Pool) Acquire(keyIndex int) bool {
	g := p.slotFor(keyIndex)
	if g == nil {
		return false
	}

	if p.store != nil {
		if remote, err := p.store.GetCooldown(context.Background(), p.provider, keyIndex); err == nil && !remote.IsZero() {
			g.mu.Lock()
			if remote.After(g.slot.CooldownUntil) {
				g.slot.CooldownUntil = remote
			}
			g.mu.Unlock()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	if !g.slot.CooldownUntil.IsZero() && now.Before(g.slot.CooldownUntil) {
		return false
	}
	if g.slot.ConcurrencyInUse >= p.maxConcurrent {
		return false
	}
	if g.limiter != nil && !g.limiter.AllowN(now, 1) {
		return false
	}
	g.slot.ConcurrencyInUse++
	g.slot.TotalRequests++
	return true
}

// Release decrements concurrencyInUse, updates statistics, and adjusts
// cooldownUntil per the §4.3 outcome rules.
func (p *Pool) Release(keyIndex int, outcome types.Outcome, latencyMs float64, baseCooldown time.Duration) {
	g := p.slotFor(keyIndex)
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.slot.ConcurrencyInUse > 0 {
		g.slot.ConcurrencyInUse--
	}

	now := time.Now()
	switch outcome {
	case types.OutcomeOK:
		g.slot.Successes++
		g.slot.ConsecutiveFailures = 0
		g.slot.LastSuccess = now
		g.slot.AvgResponseTimeMs = ema(g.slot.AvgResponseTimeMs, latencyMs)
	case types.OutcomeRateLimited429:
		g.slot.RateLimited++
		g.slot.LastRateLimit = now
		g.slot.ConsecutiveFailures++
		delay := backoffDuration(baseCooldown, g.slot.ConsecutiveFailures)
		g.slot.CooldownUntil = now.Add(delay)
		if p.store != nil {
			until, provider := g.slot.CooldownUntil, p.provider
			go func() {
				ctx := context.Background()
				_ = p.store.SetCooldown(ctx, provider, keyIndex, until, delay)
			}()
		}
	case types.OutcomeTimeout, types.OutcomeTransientError:
		g.slot.ConsecutiveFailures++
		g.slot.AvgResponseTimeMs = ema(g.slot.AvgResponseTimeMs, latencyMs)
	case types.OutcomeFatalError:
		g.slot.ConsecutiveFailures++
	}
}

// maxCooldown is the clamp applied to the per-key cooldown multiplier
// escalation (§4.3: "clamped to 10 minutes").
const maxCooldown = 10 * time.Minute

func backoffDuration(base time.Duration, consecutiveFailures int) time.Duration {
	if base <= 0 {
		base = 1 * time.Second
	}
	mult := 1.0
	for i := 0; i < consecutiveFailures && i < 30; i++ {
		mult *= 1.5
	}
	d := time.Duration(float64(base) * mult)
	if d > maxCooldown {
		return maxCooldown
	}
	return d
}

func ema(current, sample float64) float64 {
	if current == 0 {
		return sample
	}
	return current*0.9 + sample*0.1
}

// Snapshot returns a copy of the slot's current statistics for scoring.
func (p *Pool) Snapshot(keyIndex int) (Snapshot, bool) {
	g := p.slotFor(keyIndex)
	if g == nil {
		return Snapshot{}, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.slot, true
}

func (p *Pool) slotFor(keyIndex int) *guardedSlot {
	if keyIndex < 0 || keyIndex >= len(p.slots) {
		return nil
	}
	return p.slots[keyIndex]
}

// Registry owns one Pool per provider, created lazily from the routing
// table's pipeline configs.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]*Pool)}
}

// Ensure creates (if absent) and returns the Pool for a provider.
func (r *Registry) Ensure(provider string, keyCount, maxConcurrent int) *Pool {
	return r.EnsureWithRateLimit(provider, keyCount, maxConcurrent, 0)
}

// EnsureWithRateLimit is Ensure plus the provider's optional per-key
// requests-per-second cap (§4.8).
func (r *Registry) EnsureWithRateLimit(provider string, keyCount, maxConcurrent int, requestsPerSecond float64) *Pool {
	r.mu.RLock()
	p, ok := r.pools[provider]
	r.mu.RUnlock()
	if ok {
		return p
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pools[provider]; ok {
		return p
	}
	p = NewPoolWithRateLimit(provider, keyCount, maxConcurrent, requestsPerSecond)
	r.pools[provider] = p
	return p
}

// Get returns the Pool for a provider, or nil if none has been created.
func (r *Registry) Get(provider string) *Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pools[provider]
}
