package hmr

import (
	"sort"
	"sync"

	"go.uber.org/atomic"
)

// ModuleID is a canonicalised, project-relative, forward-slashed path
// identifying a source file. It is stable across server restarts.
type ModuleID string

// HotModuleState is the accept/decline/dispose/data bookkeeping a module
// has registered for itself, mirroring the client-side `import.meta.hot`
// contract the WebAssembly runtime exposes.
type HotModuleState struct {
	mu               sync.Mutex
	Data             interface{}
	acceptCallbacks  []func(interface{})
	disposeCallbacks []func()
	isAccepted       bool
	isDeclined       bool
}

// Accept marks the module as able to absorb an update for itself. With no
// callback it only sets IsAccepted() (clearing IsDeclined); with a callback
// it also appends to the accept-callback queue, mirroring the client
// runtime's `hot.accept(cb?)` overload.
func (h *HotModuleState) Accept(cb func(interface{})) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.isAccepted = true
	h.isDeclined = false
	if cb != nil {
		h.acceptCallbacks = append(h.acceptCallbacks, cb)
	}
}

// Decline marks the module as unable to accept updates for itself.
// IsAccepted and IsDeclined are mutually exclusive at any observable
// point; the latest write wins, so Decline after Accept clears the
// accepted flag and vice versa.
func (h *HotModuleState) Decline() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.isDeclined = true
	h.isAccepted = false
}

func (h *HotModuleState) Dispose(cb func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disposeCallbacks = append(h.disposeCallbacks, cb)
}

func (h *HotModuleState) IsAccepted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.isAccepted
}

func (h *HotModuleState) IsDeclined() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.isDeclined
}

func (h *HotModuleState) HasAcceptCallback() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.acceptCallbacks) > 0
}

func (h *HotModuleState) AcceptCallbacks() []func(interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]func(interface{}), len(h.acceptCallbacks))
	copy(out, h.acceptCallbacks)
	return out
}

func (h *HotModuleState) DisposeCallbacks() []func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]func(), len(h.disposeCallbacks))
	copy(out, h.disposeCallbacks)
	return out
}

// ModuleNode is the one-per-ModuleID record the graph maintains for every
// distinct module it has seen while the server has been alive.
type ModuleNode struct {
	ID              ModuleID
	ContentHash     string
	TransformedCode string
	Imports         map[ModuleID]struct{}
	Importers       map[ModuleID]struct{}
	Exports         *TrackedExports
	Hot             *HotModuleState
	HMREnabled      bool
	Unresolved      bool // placeholder inserted for an import that didn't resolve to a known file
	IsEntry         bool // project entry point; never pruned

	version *atomic.Int64
}

func newModuleNode(id ModuleID) *ModuleNode {
	return &ModuleNode{
		ID:        id,
		Imports:   make(map[ModuleID]struct{}),
		Importers: make(map[ModuleID]struct{}),
		version:   atomic.NewInt64(0),
	}
}

func (n *ModuleNode) Version() int64 { return n.version.Load() }

// DependencyTracker returns the accessor for export names consumed by
// importers since the last reset, or nil if HMR is disabled for this
// module (in which case Exports is never populated).
func (n *ModuleNode) DependencyTracker() *Tracker {
	if n.Exports == nil {
		return nil
	}
	return n.Exports.Tracker()
}

// ModuleGraph is the forward/reverse-edge index over every ModuleNode the
// server has observed. Its own methods are safe for concurrent use
// (guarded by mu); callers running under goroutines, unlike a
// cooperative single-threaded runtime, still need that guarantee.
type ModuleGraph struct {
	mu           sync.RWMutex
	nodes        map[ModuleID]*ModuleNode
	sccCache     [][]ModuleID
	sccVersion   int64
	sccCached    bool
	cycleCache   [][]ModuleID
	cycleVersion int64
	cycleCached  bool
	graphTicks   *atomic.Int64 // bumped on every topology-affecting mutation, invalidates SCC/cycle caches
}

func NewModuleGraph() *ModuleGraph {
	return &ModuleGraph{
		nodes:      make(map[ModuleID]*ModuleNode),
		graphTicks: atomic.NewInt64(0),
	}
}

// GetModule returns the node for id, or nil if it has never been seen.
func (g *ModuleGraph) GetModule(id ModuleID) *ModuleNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[id]
}

func (g *ModuleGraph) ensureNode(id ModuleID) *ModuleNode {
	n, ok := g.nodes[id]
	if !ok {
		n = newModuleNode(id)
		g.nodes[id] = n
	}
	return n
}

// MarkEntry designates id as a project entry point, exempting it from
// pruning regardless of importer count.
func (g *ModuleGraph) MarkEntry(id ModuleID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensureNode(id).IsEntry = true
}

// Dependents returns the direct reverse edges of id: every module that
// imports it.
func (g *ModuleGraph) Dependents(id ModuleID) map[ModuleID]struct{} {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	out := make(map[ModuleID]struct{}, len(n.Importers))
	for k := range n.Importers {
		out[k] = struct{}{}
	}
	return out
}

// UpdateModule creates id's node on first use, diffs its import set
// against what was previously recorded, keeps every other node's
// Importers consistent with the change, bumps the node's version when
// contentHash changes, and prunes any now-unreferenced target of a
// removed edge that isn't a client-loaded module or project entry.
//
// A self-import (id importing itself) is dropped at insertion.
func (g *ModuleGraph) UpdateModule(id ModuleID, transformedCode string, contentHash string, imports []ModuleID, hmrEnabled bool, loaded func(ModuleID) bool) (prunedNow []ModuleID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	node := g.ensureNode(id)
	node.Unresolved = false // id itself is now a concretely transformed module.

	newImports := make(map[ModuleID]struct{}, len(imports))
	for _, imp := range imports {
		if imp == id {
			continue // no self-loops
		}
		newImports[imp] = struct{}{}
	}

	// Removed edges: present in old imports, absent from new.
	var removed []ModuleID
	for old := range node.Imports {
		if _, still := newImports[old]; !still {
			removed = append(removed, old)
		}
	}
	// Added edges: present in new, absent from old.
	var added []ModuleID
	for nw := range newImports {
		if _, was := node.Imports[nw]; !was {
			added = append(added, nw)
		}
	}

	for _, target := range added {
		t := g.ensureNode(target)
		if t.ContentHash == "" {
			// target hasn't itself been through UpdateModule yet: a
			// placeholder standing in for an import that may never resolve.
			t.Unresolved = true
		}
		t.Importers[id] = struct{}{}
	}
	for _, target := range removed {
		if t, ok := g.nodes[target]; ok {
			delete(t.Importers, id)
		}
	}

	node.Imports = newImports
	node.HMREnabled = hmrEnabled
	if hmrEnabled && node.Exports == nil {
		view, _ := NewTrackedExports(nil)
		node.Exports = view
	}
	if node.Hot == nil {
		node.Hot = &HotModuleState{}
	}

	hashChanged := contentHash != node.ContentHash
	if hashChanged {
		node.ContentHash = contentHash
		node.TransformedCode = transformedCode
		node.version.Inc()
	}

	if len(added) > 0 || len(removed) > 0 {
		g.graphTicks.Inc()
	}

	for _, target := range removed {
		prunedNow = append(prunedNow, g.pruneIfOrphaned(target, loaded)...)
	}

	return prunedNow
}

// pruneIfOrphaned removes id from the graph if it has no importers, is
// not a project entry, and no client has it loaded. Removing id also
// drops it from the Importers set of everything it itself imports, and
// recursively prunes any of those that become orphaned as a result. It
// returns every module it removed (id first), or nil if id was kept.
// Caller holds g.mu.
func (g *ModuleGraph) pruneIfOrphaned(id ModuleID, loaded func(ModuleID) bool) []ModuleID {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	if n.IsEntry || len(n.Importers) > 0 {
		return nil
	}
	if loaded != nil && loaded(id) {
		return nil
	}

	delete(g.nodes, id)
	g.graphTicks.Inc()

	pruned := []ModuleID{id}
	for dep := range n.Imports {
		depNode, ok := g.nodes[dep]
		if !ok {
			continue
		}
		delete(depNode.Importers, id)
		pruned = append(pruned, g.pruneIfOrphaned(dep, loaded)...)
	}

	return pruned
}

// PruneUnreferenced scans the whole graph for nodes with no importers,
// not a project entry, and not loaded by any client, removing them. It
// catches modules that fell out of reach for reasons other than this
// file's own edit (e.g. an importer of theirs was deleted in the same
// change) that UpdateModule's own incremental prune couldn't see.
func (g *ModuleGraph) PruneUnreferenced(loaded func(ModuleID) bool) []ModuleID {
	g.mu.Lock()
	defer g.mu.Unlock()

	var pruned []ModuleID
	for id := range g.nodes {
		pruned = append(pruned, g.pruneIfOrphaned(id, loaded)...)
	}
	sort.Slice(pruned, func(i, j int) bool { return pruned[i] < pruned[j] })
	return pruned
}

// GetUpdateChain performs a reverse-reachability walk from id through
// Importers, returning the result in topological order: id first, its
// furthest importer last. Ties are broken lexicographically on id so the
// result is deterministic. Cycles are tolerated — a node reached again
// (including through a cycle) is not recursed into a second time, so every
// module appears in the output exactly once.
func (g *ModuleGraph) GetUpdateChain(id ModuleID) []ModuleID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := make(map[ModuleID]struct{})
	var post []ModuleID

	// Post-order walk over importers visited in descending id order;
	// reversing it yields a topological order with ascending-id ties.
	var walk func(ModuleID)
	walk = func(cur ModuleID) {
		if _, seen := visited[cur]; seen {
			return // already placed, or on the current path (a cycle)
		}
		visited[cur] = struct{}{}

		n, ok := g.nodes[cur]
		if ok {
			importers := make([]ModuleID, 0, len(n.Importers))
			for imp := range n.Importers {
				importers = append(importers, imp)
			}
			sort.Slice(importers, func(i, j int) bool { return importers[i] > importers[j] })
			for _, imp := range importers {
				walk(imp)
			}
		}
		post = append(post, cur)
	}

	walk(id)
	chain := make([]ModuleID, len(post))
	for i, m := range post {
		chain[len(post)-1-i] = m
	}
	return chain
}

// computeSCCs computes SCCs of the forward graph (Tarjan), returning only
// components of size >= 2 or singletons with a self-edge. The caller
// holds g.mu.
func (g *ModuleGraph) computeSCCs() [][]ModuleID {
	index := 0
	indices := make(map[ModuleID]int)
	lowlink := make(map[ModuleID]int)
	onStack := make(map[ModuleID]bool)
	var stack []ModuleID
	var result [][]ModuleID

	ids := make([]ModuleID, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var strongconnect func(v ModuleID)
	strongconnect = func(v ModuleID) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		n := g.nodes[v]
		deps := make([]ModuleID, 0, len(n.Imports))
		for d := range n.Imports {
			deps = append(deps, d)
		}
		sort.Slice(deps, func(i, j int) bool { return deps[i] < deps[j] })

		for _, w := range deps {
			if _, ok := g.nodes[w]; !ok {
				continue
			}
			if _, seen := indices[w]; !seen {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] {
				if indices[w] < lowlink[v] {
					lowlink[v] = indices[w]
				}
			}
		}

		if lowlink[v] == indices[v] {
			var component []ModuleID
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				component = append(component, w)
				if w == v {
					break
				}
			}
			if len(component) >= 2 || selfEdge(g.nodes[v], v) {
				sort.Slice(component, func(i, j int) bool { return component[i] < component[j] })
				result = append(result, component)
			}
		}
	}

	for _, id := range ids {
		if _, seen := indices[id]; !seen {
			strongconnect(id)
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i][0] < result[j][0] })
	return result
}

func selfEdge(n *ModuleNode, id ModuleID) bool {
	if n == nil {
		return false
	}
	_, ok := n.Imports[id]
	return ok
}

// StronglyConnectedComponents returns the graph's SCCs of size >= 2 (or
// self-looped singletons), memoised by graph version: repeat calls at the
// same version return the cached result.
func (g *ModuleGraph) StronglyConnectedComponents() [][]ModuleID {
	g.mu.Lock()
	defer g.mu.Unlock()

	v := g.graphTicks.Load()
	if g.sccCached && g.sccVersion == v {
		return g.sccCache
	}
	g.sccCache = g.computeSCCs()
	g.sccVersion = v
	g.sccCached = true
	return g.sccCache
}

// CircularDependencies is the same computation as
// StronglyConnectedComponents but memoised separately, for callers that
// only care about cycle reports and shouldn't share a cache slot with SCC
// callers that might query at a different point in the same version.
func (g *ModuleGraph) CircularDependencies() [][]ModuleID {
	g.mu.Lock()
	defer g.mu.Unlock()

	v := g.graphTicks.Load()
	if g.cycleCached && g.cycleVersion == v {
		return g.cycleCache
	}
	g.cycleCache = g.computeSCCs()
	g.cycleVersion = v
	g.cycleCached = true
	return g.cycleCache
}

// Len reports how many modules the graph currently holds.
func (g *ModuleGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}
