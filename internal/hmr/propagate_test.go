package hmr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vitelike/esmgraph/internal/graph"
	"github.com/vitelike/esmgraph/internal/transport"
)

func testResolver(url string) (string, string, graph.ModuleType, error) {
	typ := graph.TypeJS
	if len(url) > 4 && url[len(url)-4:] == ".css" {
		typ = graph.TypeCSS
	}
	return url, url, typ, nil
}

func newTestEngine() (*Engine, *graph.Graph) {
	g := graph.New(testResolver)
	return &Engine{Graph: g, Transport: transport.NewBroadcaster()}, g
}

func TestPropagate_SelfAcceptingRecordsBoundary(t *testing.T) {
	e, g := newTestEngine()
	mod, _ := g.EnsureEntryFromURL("/src/a.js")
	g.UpdateModuleInfo(mod, graph.UpdateInfo{IsSelfAccepting: graph.Accepts})

	var boundaries []Boundary
	dead := e.propagate(mod, []graph.Handle{mod.Handle}, map[graph.Handle]bool{}, &boundaries)

	require.False(t, dead)
	require.Len(t, boundaries, 1)
	require.Equal(t, mod.Handle, boundaries[0].BoundaryModule.Handle)
}

func TestPropagate_UnknownAcceptanceIsAPauseNotDead(t *testing.T) {
	e, g := newTestEngine()
	mod, _ := g.EnsureEntryFromURL("/src/a.js")

	var boundaries []Boundary
	dead := e.propagate(mod, []graph.Handle{mod.Handle}, map[graph.Handle]bool{}, &boundaries)

	require.False(t, dead)
	require.Empty(t, boundaries)
}

func TestPropagate_NoImportersAndNotAcceptingIsDeadEnd(t *testing.T) {
	e, g := newTestEngine()
	mod, _ := g.EnsureEntryFromURL("/src/a.js")
	g.UpdateModuleInfo(mod, graph.UpdateInfo{IsSelfAccepting: graph.Rejects})

	var boundaries []Boundary
	dead := e.propagate(mod, []graph.Handle{mod.Handle}, map[graph.Handle]bool{}, &boundaries)

	require.True(t, dead)
	require.Empty(t, boundaries)
}

func TestPropagate_ImporterExplicitlyAcceptsDep(t *testing.T) {
	e, g := newTestEngine()
	dep, _ := g.EnsureEntryFromURL("/src/dep.js")
	parent, _ := g.EnsureEntryFromURL("/src/parent.js")
	g.UpdateModuleInfo(parent, graph.UpdateInfo{
		ImportedURLs: []string{"/src/dep.js"},
		AcceptedURLs: []string{"/src/dep.js"},
	})
	g.UpdateModuleInfo(dep, graph.UpdateInfo{IsSelfAccepting: graph.Rejects})

	var boundaries []Boundary
	dead := e.propagate(dep, []graph.Handle{dep.Handle}, map[graph.Handle]bool{}, &boundaries)

	require.False(t, dead)
	require.Len(t, boundaries, 1)
	require.Equal(t, parent.Handle, boundaries[0].BoundaryModule.Handle)
	require.Equal(t, dep.Handle, boundaries[0].AcceptedVia.Handle)
}

func TestPropagate_RecursesUpToGrandparentWhenParentDoesNotAccept(t *testing.T) {
	e, g := newTestEngine()
	dep, _ := g.EnsureEntryFromURL("/src/dep.js")
	parent, _ := g.EnsureEntryFromURL("/src/parent.js")
	grandparent, _ := g.EnsureEntryFromURL("/src/grandparent.js")

	g.UpdateModuleInfo(parent, graph.UpdateInfo{ImportedURLs: []string{"/src/dep.js"}, IsSelfAccepting: graph.Rejects})
	g.UpdateModuleInfo(grandparent, graph.UpdateInfo{
		ImportedURLs: []string{"/src/parent.js"},
		AcceptedURLs: []string{"/src/parent.js"},
	})
	g.UpdateModuleInfo(dep, graph.UpdateInfo{IsSelfAccepting: graph.Rejects})

	var boundaries []Boundary
	dead := e.propagate(dep, []graph.Handle{dep.Handle}, map[graph.Handle]bool{}, &boundaries)

	require.False(t, dead)
	require.Len(t, boundaries, 1)
	require.Equal(t, grandparent.Handle, boundaries[0].BoundaryModule.Handle)
}

func TestPropagate_PartialAcceptSkipsImporterNotUsingAcceptedExport(t *testing.T) {
	e, g := newTestEngine()
	dep, _ := g.EnsureEntryFromURL("/src/dep.js")
	parent, _ := g.EnsureEntryFromURL("/src/parent.js")

	g.UpdateModuleInfo(dep, graph.UpdateInfo{
		IsSelfAccepting: graph.Rejects,
		AcceptedExports: []string{"foo"},
	})
	g.UpdateModuleInfo(parent, graph.UpdateInfo{
		ImportedURLs:     []string{"/src/dep.js"},
		ImportedBindings: map[string][]string{"/src/dep.js": {"foo"}},
		IsSelfAccepting:  graph.Rejects,
	})

	var boundaries []Boundary
	dead := e.propagate(dep, []graph.Handle{dep.Handle}, map[graph.Handle]bool{}, &boundaries)

	require.False(t, dead)
	// dep itself records a boundary (partial accept); parent is skipped
	// entirely since its only binding from dep is covered.
	require.Len(t, boundaries, 1)
	require.Equal(t, dep.Handle, boundaries[0].BoundaryModule.Handle)
}

func TestPropagate_PartialAcceptRecursesWhenBindingNotCovered(t *testing.T) {
	e, g := newTestEngine()
	dep, _ := g.EnsureEntryFromURL("/src/dep.js")
	parent, _ := g.EnsureEntryFromURL("/src/parent.js")

	g.UpdateModuleInfo(dep, graph.UpdateInfo{
		IsSelfAccepting: graph.Rejects,
		AcceptedExports: []string{"foo"},
	})
	g.UpdateModuleInfo(parent, graph.UpdateInfo{
		ImportedURLs:     []string{"/src/dep.js"},
		ImportedBindings: map[string][]string{"/src/dep.js": {"bar"}},
		IsSelfAccepting:  graph.Rejects,
	})

	var boundaries []Boundary
	dead := e.propagate(dep, []graph.Handle{dep.Handle}, map[graph.Handle]bool{}, &boundaries)

	require.True(t, dead) // parent rejects and has no importers of its own
	require.Len(t, boundaries, 1)
	require.Equal(t, dep.Handle, boundaries[0].BoundaryModule.Handle)
}

func TestPropagate_AllCSSImportersWithNonCSSSelfIsDeadEnd(t *testing.T) {
	e, g := newTestEngine()
	mod, _ := g.EnsureEntryFromURL("/src/a.js")
	css, _ := g.EnsureEntryFromURL("/src/a.css")

	g.UpdateModuleInfo(mod, graph.UpdateInfo{IsSelfAccepting: graph.Rejects})
	g.UpdateModuleInfo(css, graph.UpdateInfo{ImportedURLs: []string{"/src/a.js"}, IsSelfAccepting: graph.Rejects})

	var boundaries []Boundary
	dead := e.propagate(mod, []graph.Handle{mod.Handle}, map[graph.Handle]bool{}, &boundaries)

	require.True(t, dead)
}

func TestSSRInvalidationList_WalksUpwardCollectingSameBatchTimestamp(t *testing.T) {
	e, g := newTestEngine()
	dep, _ := g.EnsureEntryFromURL("/src/dep.js")
	parent, _ := g.EnsureEntryFromURL("/src/parent.js")
	g.UpdateModuleInfo(parent, graph.UpdateInfo{ImportedURLs: []string{"/src/dep.js"}, SSR: true})

	ts := int64(1000)
	parent.LastHMRTimestamp = ts
	dep.LastHMRTimestamp = ts

	list := e.ssrInvalidationList(dep, ts)
	require.Len(t, list, 2)
}

func TestEmitPrune_SendsMessageAndMarksTimestamp(t *testing.T) {
	e, g := newTestEngine()
	mod, _ := g.EnsureEntryFromURL("/src/a.js")

	e.EmitPrune([]*graph.ModuleNode{mod}, 42)

	require.Equal(t, int64(42), mod.LastHMRTimestamp)
}
