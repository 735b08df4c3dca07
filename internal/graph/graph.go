// Package graph implements the module graph: a mutable, cyclic graph
// of every URL/id ever requested by the browser, with bidirectional import
// edges, HMR metadata, and invalidation. Nodes are modeled by stable
// integer handle into an arena rather than by pointer, so that invalidation
// is a sweep over a slice and reference cycles never need special-casing.
package graph

import (
	"sync"
	"time"
)

// Handle is a stable reference to a ModuleNode. Handles are never reused
// within a server's lifetime even if a node's edges are pruned to nothing:
// only edges are pruned, never nodes, so URLs stay stable under HMR and a
// handle, once issued, is valid until shutdown.
type Handle int

// Acceptance is ModuleNode's tri-state self-accepting flag: true, false,
// or unknown-until-analyzed. A plain *bool was rejected in favor of a named
// type so call sites read as intent — "Unknown" reads better than "nil".
type Acceptance int

const (
	Unknown Acceptance = iota
	Accepts
	Rejects
)

// ModuleType distinguishes JS from CSS modules, which propagate
// differently: self-accepting modules additionally propagate through
// CSS importers.
type ModuleType int

const (
	TypeJS ModuleType = iota
	TypeCSS
)

// TransformResult is a ModuleNode's cached code + sourcemap from its last
// transform, or the zero value when absent.
type TransformResult struct {
	Code      string
	Map       string
	Deps      []string // files read during transform, for addWatchFile-style widening
	HasResult bool
}

// ModuleNode is one entry in the module graph. Edges are stored as handle
// sets on the node itself; the Graph keeps the authoritative node-by-handle
// arena and the url/file indices.
type ModuleNode struct {
	Handle Handle

	URL  string
	ID   string
	File string // empty for virtual modules
	Type ModuleType

	Importers       map[Handle]bool
	ImportedModules map[Handle]bool
	SSRImportedModules map[Handle]bool

	AcceptedHMRDeps    map[Handle]bool
	AcceptedHMRExports map[string]bool // nil means "no partial accept recorded"
	ImportedBindings   map[Handle][]string

	IsSelfAccepting Acceptance

	// GlobPatterns are this module's import.meta.glob() pattern literals,
	// resolved relative to File's directory; a file create/delete whose
	// path matches one re-triggers this module.
	GlobPatterns []string

	TransformResult    TransformResult
	SSRTransformResult TransformResult

	LastHMRTimestamp          int64
	LastInvalidationTimestamp int64
	LastHMRInvalidationReceived bool

	HasResolveFailedError bool
}

// Graph owns the arena, the url→handle and file→handles indices, and a
// single coarse lock: readers (transforms reading edges) and the writer
// (UpdateModuleInfo / InvalidateModule) share one RWMutex, so edge flips
// can never race with a concurrent read of the same invariant.
type Graph struct {
	mu sync.RWMutex

	nodes    []*ModuleNode
	byURL    map[string]Handle
	byFile   map[string]map[Handle]bool
	resolver resolveFunc
}

// resolveFunc parses a URL into (id, file, type) the first time a URL is
// seen; the Graph remembers the url→id mapping afterward so repeat
// requests (including ones that only differ by a `?t=` cache-buster) never
// re-run resolution — two URLs that differ only in the timestamp query
// resolve to the same ModuleNode.
type resolveFunc func(url string) (id, file string, typ ModuleType, err error)

// New builds an empty graph. resolve is called by EnsureEntryFromURL the
// first time a URL is requested.
func New(resolve resolveFunc) *Graph {
	return &Graph{
		byURL:    make(map[string]Handle),
		byFile:   make(map[string]map[Handle]bool),
		resolver: resolve,
	}
}

// stripVersionQuery removes the whole query string, not only ?v=/?t=, so
// any two URLs that differ only in their query resolve to the same cache
// key and share one node.
func stripVersionQuery(url string) string {
	for i, c := range url {
		if c == '?' {
			return url[:i]
		}
	}
	return url
}

// EnsureEntryFromURL returns the existing node for url (compared with its
// query stripped) or creates one, running resolve exactly once per distinct
// base URL. Node identity does not depend on SSR: a module has exactly one
// node whether or not it has ever been SSR-rendered.
func (g *Graph) EnsureEntryFromURL(url string) (*ModuleNode, error) {
	key := stripVersionQuery(url)

	g.mu.RLock()
	if h, ok := g.byURL[key]; ok {
		n := g.nodes[h]
		g.mu.RUnlock()
		return n, nil
	}
	g.mu.RUnlock()

	id, file, typ, err := g.resolver(key)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Another writer may have raced us between the RUnlock and Lock above.
	if h, ok := g.byURL[key]; ok {
		return g.nodes[h], nil
	}

	h := Handle(len(g.nodes))
	n := &ModuleNode{
		Handle:              h,
		URL:                 key,
		ID:                  id,
		File:                file,
		Type:                typ,
		Importers:           make(map[Handle]bool),
		ImportedModules:     make(map[Handle]bool),
		SSRImportedModules:  make(map[Handle]bool),
		AcceptedHMRDeps:     make(map[Handle]bool),
		ImportedBindings:    make(map[Handle][]string),
		IsSelfAccepting:     Unknown,
	}
	g.nodes = append(g.nodes, n)
	g.byURL[key] = h

	if file != "" {
		if g.byFile[file] == nil {
			g.byFile[file] = make(map[Handle]bool)
		}
		g.byFile[file][h] = true
	}

	return n, nil
}

// GetModulesByFile returns every node currently backed by file. URLs that
// differ only in their query share one node, so several nodes exist for a
// file only when distinct base URLs resolve to it.
func (g *Graph) GetModulesByFile(file string) []*ModuleNode {
	g.mu.RLock()
	defer g.mu.RUnlock()

	handles := g.byFile[file]
	out := make([]*ModuleNode, 0, len(handles))
	for h := range handles {
		out = append(out, g.nodes[h])
	}
	return out
}

// Node returns the node at h. Panics if h is out of range — callers only
// ever hold handles returned by this package, so an out-of-range handle is
// a programming error, not a runtime condition to recover from.
func (g *Graph) Node(h Handle) *ModuleNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[h]
}

// NodesWithResolveFailures returns every node whose last resolution
// attempt failed, so a `create` file event can re-check whether a
// previously dangling import now resolves.
func (g *Graph) NodesWithResolveFailures() []*ModuleNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*ModuleNode
	for _, n := range g.nodes {
		if n.HasResolveFailedError {
			out = append(out, n)
		}
	}
	return out
}

// NodesWithGlobImports returns every node that recorded at least one
// import.meta.glob() pattern on its last transform, so a `create`/`delete`
// file event can check whether the new or removed path matches one of
// them.
func (g *Graph) NodesWithGlobImports() []*ModuleNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*ModuleNode
	for _, n := range g.nodes {
		if len(n.GlobPatterns) > 0 {
			out = append(out, n)
		}
	}
	return out
}

// UpdateInfo is the set of per-module fields the import analyzer computes
// from a single transform pass and commits atomically via
// UpdateModuleInfo.
type UpdateInfo struct {
	ImportedURLs       []string
	ImportedBindings   map[string][]string // importedURL -> binding names
	AcceptedURLs       []string            // explicit import.meta.hot.accept(["..."]) deps
	AcceptedExports    []string            // import.meta.hot.acceptExports([...])
	IsSelfAccepting    Acceptance
	SSR                bool
	StaticImportedURLs []string // subset of ImportedURLs that are static (not dynamic)
	GlobPatterns       []string // import.meta.glob() pattern literals found in this module
}

// UpdateModuleInfo atomically replaces mod's outgoing edges and HMR
// metadata and returns the set of pruned modules — imports that existed
// before this call and no longer do. Every edge it removes on the "to"
// side is removed on the "from" side in the same critical section, so
// readers never observe a half-flipped edge: A∈B.ImportedModules iff
// B∈A.Importers, always.
func (g *Graph) UpdateModuleInfo(mod *ModuleNode, info UpdateInfo) ([]*ModuleNode, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	newImported := make(map[Handle]bool, len(info.ImportedURLs))
	for _, url := range info.ImportedURLs {
		h, ok := g.byURL[stripVersionQuery(url)]
		if !ok {
			continue // not-yet-created node; caller resolves before calling UpdateModuleInfo
		}
		newImported[h] = true
	}

	edgeSet := mod.ImportedModules
	if info.SSR {
		edgeSet = mod.SSRImportedModules
	}

	var pruned []*ModuleNode
	for h := range edgeSet {
		if !newImported[h] {
			delete(g.nodes[h].Importers, mod.Handle)
			pruned = append(pruned, g.nodes[h])
		}
	}
	for h := range newImported {
		if !edgeSet[h] {
			g.nodes[h].Importers[mod.Handle] = true
		}
	}

	if info.SSR {
		mod.SSRImportedModules = newImported
	} else {
		mod.ImportedModules = newImported
	}

	mod.AcceptedHMRDeps = make(map[Handle]bool, len(info.AcceptedURLs))
	for _, url := range info.AcceptedURLs {
		if h, ok := g.byURL[stripVersionQuery(url)]; ok {
			mod.AcceptedHMRDeps[h] = true
		}
	}

	if info.AcceptedExports != nil {
		mod.AcceptedHMRExports = make(map[string]bool, len(info.AcceptedExports))
		for _, e := range info.AcceptedExports {
			mod.AcceptedHMRExports[e] = true
		}
	} else {
		mod.AcceptedHMRExports = nil
	}

	mod.IsSelfAccepting = info.IsSelfAccepting
	mod.GlobPatterns = info.GlobPatterns

	bindings := make(map[Handle][]string, len(info.ImportedBindings))
	for url, names := range info.ImportedBindings {
		if h, ok := g.byURL[stripVersionQuery(url)]; ok {
			bindings[h] = names
		}
	}
	mod.ImportedBindings = bindings

	return pruned, nil
}

// InvalidateModule clears mod's cached transform result, bumps its
// invalidation timestamp (and HMR timestamp when isHMR), and recursively
// invalidates every importer that has not explicitly accepted mod.
// seen is the caller's cycle guard; InvalidateModule populates it and
// respects entries already present.
func (g *Graph) InvalidateModule(mod *ModuleNode, seen map[Handle]bool, timestamp int64, isHMR bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.invalidateLocked(mod, seen, timestamp, isHMR)
}

func (g *Graph) invalidateLocked(mod *ModuleNode, seen map[Handle]bool, timestamp int64, isHMR bool) {
	if seen[mod.Handle] {
		return
	}
	seen[mod.Handle] = true

	mod.TransformResult = TransformResult{}
	mod.SSRTransformResult = TransformResult{}
	mod.LastInvalidationTimestamp = timestamp
	if isHMR {
		mod.LastHMRTimestamp = timestamp
	}

	for h := range mod.Importers {
		importer := g.nodes[h]
		if importer.AcceptedHMRDeps[mod.Handle] {
			continue
		}
		g.invalidateLocked(importer, seen, timestamp, isHMR)
	}
}

// SetTransformResult caches mod's rendered code/map after a successful
// Transform, so a repeat request for the same (uninvalidated) module skips
// re-running the plugin container's hook chain.
func (g *Graph) SetTransformResult(mod *ModuleNode, result TransformResult, ssr bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	result.HasResult = true
	if ssr {
		mod.SSRTransformResult = result
	} else {
		mod.TransformResult = result
	}
}

// MarkPruned stamps every module in mods with timestamp as its HMR
// timestamp: once the client has run a pruned module's dispose/prune
// callbacks, a later re-import of the same URL must not be treated as
// stale relative to a batch that already pruned it.
func (g *Graph) MarkPruned(mods []*ModuleNode, timestamp int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range mods {
		m.LastHMRTimestamp = timestamp
		m.LastHMRInvalidationReceived = true
	}
}

// InvalidateAll sets every module's invalidation timestamp to now, used on
// config reload / full restart.
func (g *Graph) InvalidateAll(timestamp int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range g.nodes {
		n.TransformResult = TransformResult{}
		n.SSRTransformResult = TransformResult{}
		n.LastInvalidationTimestamp = timestamp
	}
}

// Now returns the current time in the monotonic millisecond form used for
// LastHMRTimestamp / LastInvalidationTimestamp comparisons.
func Now() int64 {
	return time.Now().UnixMilli()
}
