package hmr

import (
	"github.com/vitelike/esmgraph/internal/graph"
	"github.com/vitelike/esmgraph/internal/transport"
)

// Boundary is one accept boundary discovered by propagate: the module the
// client's accept callback runs on, and the module whose new version it
// was resolved "via" (itself, for a self-accepting module; the changed
// dependency, for an explicit accept(dep) call).
type Boundary struct {
	BoundaryModule         *graph.ModuleNode
	AcceptedVia            *graph.ModuleNode
	IsWithinCircularImport bool
}

// updateModules propagates from each changed module, invalidates it on the
// graph, and emits either a full-reload (any dead end) or a batched update
// message.
func (e *Engine) updateModules(path string, modules []*graph.ModuleNode, timestamp int64) error {
	var updates []transport.Update
	hasDeadEnd := false

	for _, mod := range modules {
		var boundaries []Boundary
		traversed := make(map[graph.Handle]bool)
		if e.propagate(mod, []graph.Handle{mod.Handle}, traversed, &boundaries) {
			hasDeadEnd = true
		}

		e.Graph.InvalidateModule(mod, make(map[graph.Handle]bool), timestamp, true)

		for _, b := range boundaries {
			typ := "js-update"
			if b.BoundaryModule.Type == graph.TypeCSS {
				typ = "css-update"
			}
			updates = append(updates, transport.Update{
				Type:                    typ,
				Timestamp:               timestamp,
				Path:                    mod.URL,
				AcceptedPath:            b.BoundaryModule.URL,
				ExplicitImportRequired:  b.BoundaryModule.Type == graph.TypeJS && b.BoundaryModule.Handle != mod.Handle,
				IsWithinCircularImport:  b.IsWithinCircularImport,
				SSRInvalidates:          e.ssrInvalidationList(b.AcceptedVia, timestamp),
			})
		}
	}

	if hasDeadEnd {
		e.Transport.Send(transport.Message{Type: "full-reload", Path: path})
		return nil
	}
	if len(updates) > 0 {
		e.Transport.Send(transport.Message{Type: "update", Updates: updates})
	}
	return nil
}

// propagate is a depth-first walk over importers that either finds every
// accept boundary (returns false) or discovers a branch with no way to
// stop propagating (returns true, a "dead end"). chain is the path of
// handles from the originally changed module down to node, used by the
// circular-import check; traversed is the walk's termination guard, shared
// across the whole call tree for one changed module so the walk terminates
// on an arbitrary import graph, cyclic or not.
func (e *Engine) propagate(node *graph.ModuleNode, chain []graph.Handle, traversed map[graph.Handle]bool, boundaries *[]Boundary) (deadEnd bool) {
	if traversed[node.Handle] {
		return false
	}
	traversed[node.Handle] = true

	if node.IsSelfAccepting == graph.Unknown {
		return false // a pause, not a dead end: this branch hasn't been analyzed yet
	}

	if node.IsSelfAccepting == graph.Accepts {
		*boundaries = append(*boundaries, Boundary{BoundaryModule: node, AcceptedVia: node})
		for h := range node.Importers {
			importer := e.Graph.Node(h)
			if importer.Type == graph.TypeCSS && !containsHandle(chain, importer.Handle) {
				e.propagate(importer, append(append([]graph.Handle{}, chain...), importer.Handle), traversed, boundaries)
			}
		}
		return false
	}

	partiallyAccepting := node.AcceptedHMRExports != nil
	if partiallyAccepting {
		*boundaries = append(*boundaries, Boundary{BoundaryModule: node, AcceptedVia: node})
	} else {
		if len(node.Importers) == 0 {
			return true
		}
		if node.Type != graph.TypeCSS && allImportersAreCSS(e.Graph, node) {
			return true
		}
	}

	for h := range node.Importers {
		importer := e.Graph.Node(h)

		if importer.AcceptedHMRDeps[node.Handle] {
			*boundaries = append(*boundaries, Boundary{
				BoundaryModule:         importer,
				AcceptedVia:            node,
				IsWithinCircularImport: e.isWithinCircularImport(importer, chain),
			})
			continue
		}

		if partiallyAccepting {
			if names, ok := importer.ImportedBindings[node.Handle]; ok && isSubsetOfAccepted(names, node.AcceptedHMRExports) {
				continue
			}
		}

		if traversed[importer.Handle] || containsHandle(chain, importer.Handle) {
			continue // already visited or already on this chain: circular, but not a dead end here
		}

		subChain := append(append([]graph.Handle{}, chain...), importer.Handle)
		if e.propagate(importer, subChain, traversed, boundaries) {
			return true
		}
	}
	return false
}

func allImportersAreCSS(g *graph.Graph, node *graph.ModuleNode) bool {
	for h := range node.Importers {
		if g.Node(h).Type != graph.TypeCSS {
			return false
		}
	}
	return true
}

func isSubsetOfAccepted(bindings []string, accepted map[string]bool) bool {
	for _, b := range bindings {
		if !accepted[b] {
			return false
		}
	}
	return true
}

func containsHandle(chain []graph.Handle, h graph.Handle) bool {
	for _, c := range chain {
		if c == h {
			return true
		}
	}
	return false
}

// isWithinCircularImport reports true if any importer of boundary
// (ignoring self-edges and CSS edges) already appears in chain, the path
// down to the module about to recover its accept. The recursion carries
// its own traversed set so it terminates on arbitrary import cycles.
func (e *Engine) isWithinCircularImport(boundary *graph.ModuleNode, chain []graph.Handle) bool {
	return e.circularCheck(boundary, chain, make(map[graph.Handle]bool))
}

func (e *Engine) circularCheck(m *graph.ModuleNode, chain []graph.Handle, traversed map[graph.Handle]bool) bool {
	if traversed[m.Handle] {
		return false
	}
	traversed[m.Handle] = true

	for h := range m.Importers {
		if h == m.Handle {
			continue // self-edge
		}
		importer := e.Graph.Node(h)
		if importer.Type == graph.TypeCSS {
			continue
		}
		if containsHandle(chain, importer.Handle) {
			return true
		}
		if e.circularCheck(importer, chain, traversed) {
			return true
		}
	}
	return false
}

// ssrInvalidationList walks the import graph upward from from, collecting
// every module whose
// LastHMRTimestamp equals timestamp (i.e., invalidated within this same
// batch), so the server can evict them from its SSR module cache.
func (e *Engine) ssrInvalidationList(from *graph.ModuleNode, timestamp int64) []string {
	seen := make(map[graph.Handle]bool)
	var out []string
	var walk func(m *graph.ModuleNode)
	walk = func(m *graph.ModuleNode) {
		if seen[m.Handle] {
			return
		}
		seen[m.Handle] = true
		if m.LastHMRTimestamp == timestamp {
			out = append(out, m.URL)
		}
		for h := range m.Importers {
			walk(e.Graph.Node(h))
		}
	}
	walk(from)
	return out
}

// EmitPrune tells the client to run dispose/prune callbacks for a non-empty
// pruned module set and marks those modules so a later re-import is
// treated as fresh.
func (e *Engine) EmitPrune(pruned []*graph.ModuleNode, timestamp int64) {
	if len(pruned) == 0 {
		return
	}
	urls := make([]string, len(pruned))
	for i, m := range pruned {
		urls[i] = m.URL
	}
	e.Graph.MarkPruned(pruned, timestamp)
	e.Transport.Send(transport.Message{Type: "prune", Paths: urls})
}
