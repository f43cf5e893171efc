package routing

import "github.com/blueberrycongee/routecore/pkg/types"

// Observer receives best-effort notifications of load-balancer decisions and
// outcomes. It replaces the EventEmitter-style cross-cutting callback
// pattern (§9): components depend on an explicit, optional observer set
// injected at construction rather than a late-bound event bus, and the core
// functions correctly with zero observers.
type Observer interface {
	// OnPick is called after a pipeline has been selected for a request.
	OnPick(category types.Category, pipelineID string, score float64, rescued bool)
	// OnOutcome is called after ServerLayer reports an outcome for a pipeline.
	OnOutcome(pipelineID string, outcome types.Outcome)
}

// Observers is an ordered set of Observer. A nil or empty Observers behaves
// as a no-op — every dispatch method is safe to call on its zero value.
type Observers []Observer

func (os Observers) onPick(category types.Category, pipelineID string, score float64, rescued bool) {
	for _, o := range os {
		o.OnPick(category, pipelineID, score, rescued)
	}
}

func (os Observers) onOutcome(pipelineID string, outcome types.Outcome) {
	for _, o := range os {
		o.OnOutcome(pipelineID, outcome)
	}
}
