package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/routecore/pkg/types"
)

func testWindows() Windows {
	return Windows{Window429: 60 * time.Second, WindowError: 300 * time.Second}
}

func TestHealthRegistry_NewPipelineIsHealthyAndEligible(t *testing.T) {
	r := NewHealthRegistry()
	require.True(t, r.Eligible("p1"))
	require.Equal(t, types.HealthHealthy, r.Snapshot("p1").Status)
}

func TestHealthRegistry_FatalErrorBlacklistsImmediately(t *testing.T) {
	r := NewHealthRegistry()
	r.Record("p1", types.OutcomeFatalError, testWindows())

	snap := r.Snapshot("p1")
	require.Equal(t, types.HealthUnhealthy, snap.Status)
	require.False(t, r.Eligible("p1"))
}

func TestHealthRegistry_RateLimitedRequiresThreeFailuresToBlacklist(t *testing.T) {
	r := NewHealthRegistry()
	r.Record("p1", types.OutcomeRateLimited429, testWindows())
	r.Record("p1", types.OutcomeRateLimited429, testWindows())
	require.True(t, r.Eligible("p1"), "third-pending failure must not yet blacklist")

	r.Record("p1", types.OutcomeRateLimited429, testWindows())
	require.False(t, r.Eligible("p1"))
	require.Equal(t, types.HealthUnhealthy, r.Snapshot("p1").Status)
}

func TestHealthRegistry_TransientErrorsDegradeNotBlacklist(t *testing.T) {
	r := NewHealthRegistry()
	r.Record("p1", types.OutcomeTransientError, testWindows())
	r.Record("p1", types.OutcomeTimeout, testWindows())

	snap := r.Snapshot("p1")
	require.Equal(t, types.HealthDegraded, snap.Status)
	require.True(t, r.Eligible("p1"), "degraded pipelines remain eligible, unlike unhealthy ones")
}

func TestHealthRegistry_RecoversAfterTwoConsecutiveSuccesses(t *testing.T) {
	r := NewHealthRegistry()
	r.Record("p1", types.OutcomeTransientError, testWindows())
	r.Record("p1", types.OutcomeTransientError, testWindows())
	require.Equal(t, types.HealthDegraded, r.Snapshot("p1").Status)

	r.Record("p1", types.OutcomeOK, testWindows())
	require.Equal(t, types.HealthDegraded, r.Snapshot("p1").Status, "one success is not enough")

	r.Record("p1", types.OutcomeOK, testWindows())
	require.Equal(t, types.HealthHealthy, r.Snapshot("p1").Status)
}

func TestHealthRegistry_UnhealthyClearsOnceBlacklistWindowElapses(t *testing.T) {
	r := NewHealthRegistry()
	windows := Windows{Window429: -time.Second, WindowError: -time.Second}
	r.Record("p1", types.OutcomeFatalError, windows)
	require.True(t, r.Eligible("p1"), "a window already in the past must be immediately eligible again")

	r.Record("p1", types.OutcomeOK, windows)
	require.Equal(t, types.HealthHealthy, r.Snapshot("p1").Status)
}

func TestHealthRegistry_PipelinesAreIndependent(t *testing.T) {
	r := NewHealthRegistry()
	r.Record("p1", types.OutcomeFatalError, testWindows())
	require.False(t, r.Eligible("p1"))
	require.True(t, r.Eligible("p2"), "a different pipelineId must have its own health state")
}
