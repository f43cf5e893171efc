package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/routecore/internal/keypool"
	"github.com/blueberrycongee/routecore/pkg/types"
)

func table2Pipelines() *types.RoutingTable {
	p1 := types.PipelineConfig{PipelineID: "a-m-key0", Category: types.CategoryDefault, Provider: "a", TargetModel: "m", APIKeyRef: 0, ProviderKeyCount: 1, MaxConcurrent: 4}
	p2 := types.PipelineConfig{PipelineID: "b-m-key0", Category: types.CategoryDefault, Provider: "b", TargetModel: "m", APIKeyRef: 0, ProviderKeyCount: 1, MaxConcurrent: 4}
	return &types.RoutingTable{
		Categories: map[types.Category][]string{types.CategoryDefault: {"a-m-key0", "b-m-key0"}},
		Pipelines:  map[string]types.PipelineConfig{"a-m-key0": p1, "b-m-key0": p2},
	}
}

func newTestLB() *LoadBalancer {
	return New(NewRouter(), NewHealthRegistry(), keypool.NewRegistry(),
		Windows{Window429: 60 * time.Second, WindowError: 300 * time.Second}, nil)
}

func TestLoadBalancer_PicksEligibleCandidate(t *testing.T) {
	lb := newTestLB()
	table := table2Pipelines()
	pick, err := lb.Pick(table, types.CategoryDefault, types.PriorityNormal)
	require.NoError(t, err)
	require.Contains(t, []string{"a-m-key0", "b-m-key0"}, pick.PipelineID)
	require.False(t, pick.Rescued)
}

func TestLoadBalancer_429ThenOtherPipelinePicked(t *testing.T) {
	lb := newTestLB()
	table := table2Pipelines()

	cfgA := table.Pipelines["a-m-key0"]
	lb.Acquire(cfgA)
	lb.Record(cfgA, types.OutcomeRateLimited429, 0, time.Second)
	lb.Record(cfgA, types.OutcomeRateLimited429, 0, time.Second)
	lb.Record(cfgA, types.OutcomeRateLimited429, 0, time.Second)

	require.False(t, lb.health.Eligible("a-m-key0"), "three consecutive 429s should mark the pipeline unhealthy")

	pick, err := lb.Pick(table, types.CategoryDefault, types.PriorityNormal)
	require.NoError(t, err)
	require.Equal(t, "b-m-key0", pick.PipelineID)
}

func TestLoadBalancer_AllUnhealthy_NoEligiblePipeline(t *testing.T) {
	lb := newTestLB()
	table := &types.RoutingTable{
		Categories: map[types.Category][]string{types.CategoryDefault: {"a-m-key0"}},
		Pipelines:  map[string]types.PipelineConfig{"a-m-key0": {PipelineID: "a-m-key0", Category: types.CategoryDefault, Provider: "a", ProviderKeyCount: 1, MaxConcurrent: 4}},
	}
	cfg := table.Pipelines["a-m-key0"]
	for i := 0; i < failureThreshold; i++ {
		lb.Record(cfg, types.OutcomeRateLimited429, 0, time.Second)
	}
	_, err := lb.Pick(table, types.CategoryDefault, types.PriorityNormal)
	require.Error(t, err)
}

func TestScorePipeline_PriorityMultiplier(t *testing.T) {
	cfg := types.PipelineConfig{PipelineID: "a-m-key0"}
	snap := keypool.Snapshot{TotalRequests: 10, Successes: 10}

	normal := scorePipeline(cfg, snap, types.PriorityNormal)
	high := scorePipeline(cfg, snap, types.PriorityHigh)
	low := scorePipeline(cfg, snap, types.PriorityLow)

	require.InDelta(t, normal*0.5, high, 1e-9)
	require.InDelta(t, normal*0.8, low, 1e-9)
}

func TestLoadBalancer_SuccessResetsConsecutiveFailures(t *testing.T) {
	lb := newTestLB()
	table := table2Pipelines()
	cfg := table.Pipelines["a-m-key0"]

	lb.Record(cfg, types.OutcomeTransientError, 10, time.Second)
	require.Equal(t, 1, lb.health.Snapshot("a-m-key0").FailureCount)

	lb.Record(cfg, types.OutcomeOK, 10, time.Second)
	require.Equal(t, 0, lb.health.Snapshot("a-m-key0").FailureCount)
}
