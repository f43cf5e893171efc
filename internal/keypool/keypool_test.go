package keypool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/routecore/pkg/types"
)

func TestPool_AcquireRespectsConcurrency(t *testing.T) {
	p := NewPool("lmstudio", 1, 1)
	require.True(t, p.Acquire(0))
	require.False(t, p.Acquire(0), "second acquire should fail while first is in flight")
	p.Release(0, types.OutcomeOK, 10, time.Second)
	require.True(t, p.Acquire(0))
}

func TestPool_CooldownMonotonicity(t *testing.T) {
	p := NewPool("lmstudio", 1, 4)
	require.True(t, p.Acquire(0))
	p.Release(0, types.OutcomeRateLimited429, 0, time.Second)

	snap, ok := p.Snapshot(0)
	require.True(t, ok)
	require.True(t, snap.CooldownUntil.After(time.Now()))
	require.False(t, p.Available(0))
}

func TestPool_SuccessResetsConsecutiveFailures(t *testing.T) {
	p := NewPool("lmstudio", 1, 4)
	p.Acquire(0)
	p.Release(0, types.OutcomeTransientError, 50, time.Second)
	snap, _ := p.Snapshot(0)
	require.Equal(t, 1, snap.ConsecutiveFailures)

	p.Acquire(0)
	p.Release(0, types.OutcomeOK, 50, time.Second)
	snap, _ = p.Snapshot(0)
	require.Equal(t, 0, snap.ConsecutiveFailures)
}

func TestBackoffDuration_ClampedToTenMinutes(t *testing.T) {
	d := backoffDuration(time.Second, 60)
	require.Equal(t, maxCooldown, d)
}

func TestRegistry_EnsureIsIdempotent(t *testing.T) {
	r := NewRegistry()
	p1 := r.Ensure("lmstudio", 2, 4)
	p2 := r.Ensure("lmstudio", 2, 4)
	require.Same(t, p1, p2)
}

func TestPool_RequestsPerSecondCapsAcquire(t *testing.T) {
	p := NewPoolWithRateLimit("qwen", 1, 10, 1)
	require.True(t, p.Acquire(0))
	p.Release(0, types.OutcomeOK, 10, time.Second)
	require.False(t, p.Acquire(0), "second acquire within the same second should be throttled by the 1rps cap")
}

func TestPool_ZeroRequestsPerSecondDisablesLimiter(t *testing.T) {
	p := NewPoolWithRateLimit("qwen", 1, 10, 0)
	for i := 0; i < 5; i++ {
		require.True(t, p.Acquire(0))
		p.Release(0, types.OutcomeOK, 10, time.Second)
	}
}
