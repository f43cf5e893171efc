package routing

import "github.com/blueberrycongee/routecore/pkg/types"

// Router exposes candidate pipeline lookups over an immutable RoutingTable
// (§4.3). It holds no mutable state of its own — the table is a value
// supplied by the caller on each call, never retained across reloads, so a
// reload's atomic pointer swap is immediately visible with no router-side
// bookkeeping (§9: "components depend only on the immutable table").
type Router struct{}

// NewRouter returns a Router. It is stateless and safe to share.
func NewRouter() *Router { return &Router{} }

// Candidates returns the in-order pipelineId list for category, followed by
// the global pool (the union of all pipelineIds across every category) for
// cross-category rescue (§4.3).
func (r *Router) Candidates(table *types.RoutingTable, category types.Category) (inCategory, globalPool []string) {
	return table.PipelineIDsForCategory(category), table.AllHealthyUnion()
}
