package hmr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vitelike/esmgraph/internal/graph"
)

func TestIsConfigDependency_MatchesConfigFileAndEnvFiles(t *testing.T) {
	e := &Engine{ConfigFile: "/proj/esmgraph.config.js", EnvFiles: []string{"/proj/.env"}}

	require.True(t, e.isConfigDependency("/proj/esmgraph.config.js"))
	require.True(t, e.isConfigDependency("/proj/.env"))
	require.False(t, e.isConfigDependency("/proj/src/a.js"))
}

func TestIsUnder_DetectsClientRuntimeDirectory(t *testing.T) {
	require.True(t, isUnder("/proj/client", "/proj/client/inject.js"))
	require.False(t, isUnder("/proj/client", "/proj/src/a.js"))
}

func TestDedupeModules_DropsDuplicateHandles(t *testing.T) {
	g := graph.New(testResolver)
	a, _ := g.EnsureEntryFromURL("/src/a.js")
	b, _ := g.EnsureEntryFromURL("/src/b.js")

	out := dedupeModules([]*graph.ModuleNode{a, b, a, nil})

	require.Len(t, out, 2)
}
