package hmr

import "sort"

// UpdatePlan is the output of a single UpdatePlanner.Plan call: the
// ordered set of modules to refresh, where propagation stopped, and
// whether the change can be patched in place or forces a full reload.
type UpdatePlan struct {
	Chain              []ModuleID
	Boundary           map[ModuleID]struct{}
	RequiresFullReload bool
	PrunedModules      []ModuleID
}

// UpdatePlanner walks a ModuleGraph's reverse edges from a changed module
// to decide how far an update must propagate before it either hits an
// accepting boundary or forces a full reload.
type UpdatePlanner struct {
	graph *ModuleGraph
	// loaded reports whether some connected client currently has id
	// loaded, used by PrunedModules computation. May be nil.
	loaded func(ModuleID) bool
}

func NewUpdatePlanner(graph *ModuleGraph, loaded func(ModuleID) bool) *UpdatePlanner {
	return &UpdatePlanner{graph: graph, loaded: loaded}
}

// Plan computes the UpdatePlan for a change to changedId, per the
// topological-walk/accept-boundary/decline-halts algorithm: the walk
// starts at changedId and follows importers outward. Each node reached
// either becomes a boundary (has accepted or has an accept callback) and
// stops propagation along that path without visiting its own importers,
// forces a full reload (declined, or reached with no importers and no
// accept declaration) and aborts the whole walk, or has neither and is
// passed through to its importers. A decline anywhere halts traversal
// entirely, not just along the path that hit it; an accept boundary only
// halts the path that reached it, since other paths may still need their
// own resolution.
//
// prunedByThisChange is the set of modules UpdateModule's own edge-diff
// step already removed as a direct consequence of the edge that changed.
// Plan folds those in and additionally re-scans the whole graph for
// orphans the edge diff couldn't see (e.g. a sibling import that only
// became unreferenced once this chain's other modules stopped pointing
// at it).
func (p *UpdatePlanner) Plan(changedID ModuleID, prunedByThisChange []ModuleID) UpdatePlan {
	plan := UpdatePlan{Boundary: make(map[ModuleID]struct{})}

	visited := make(map[ModuleID]struct{})
	onPath := make(map[ModuleID]struct{})

	var walk func(ModuleID)
	walk = func(id ModuleID) {
		if plan.RequiresFullReload {
			return
		}
		if _, seen := visited[id]; seen {
			return
		}
		if _, active := onPath[id]; active {
			return // cycle: stop recursing, don't duplicate into the chain
		}
		onPath[id] = struct{}{}
		visited[id] = struct{}{}
		plan.Chain = append(plan.Chain, id)
		defer delete(onPath, id)

		node := p.graph.GetModule(id)
		if node == nil || node.Hot == nil {
			// No hot state at all: treated as "no accept declaration."
			if p.hasNoImporters(id) {
				plan.RequiresFullReload = true
			}
			return
		}

		if node.Hot.IsDeclined() {
			plan.RequiresFullReload = true
			return
		}

		if node.Hot.IsAccepted() || node.Hot.HasAcceptCallback() {
			plan.Boundary[id] = struct{}{}
			return // boundary absorbs the change; don't propagate further
		}

		if p.hasNoImporters(id) {
			plan.RequiresFullReload = true
			return
		}

		for _, imp := range p.sortedImporters(id) {
			walk(imp)
			if plan.RequiresFullReload {
				return
			}
		}
	}

	walk(changedID)

	extra := p.graph.PruneUnreferenced(p.loaded)
	seen := make(map[ModuleID]struct{}, len(prunedByThisChange)+len(extra))
	var pruned []ModuleID
	for _, id := range prunedByThisChange {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			pruned = append(pruned, id)
		}
	}
	for _, id := range extra {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			pruned = append(pruned, id)
		}
	}
	sort.Slice(pruned, func(i, j int) bool { return pruned[i] < pruned[j] })
	plan.PrunedModules = pruned

	return plan
}

func (p *UpdatePlanner) hasNoImporters(id ModuleID) bool {
	n := p.graph.GetModule(id)
	if n == nil {
		return true
	}
	return len(p.graph.Dependents(id)) == 0 && !n.IsEntry
}

// sortedImporters returns id's direct importers in deterministic,
// lexicographic order, matching the tie-break GetUpdateChain uses.
func (p *UpdatePlanner) sortedImporters(id ModuleID) []ModuleID {
	deps := p.graph.Dependents(id)
	out := make([]ModuleID, 0, len(deps))
	for imp := range deps {
		out = append(out, imp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
