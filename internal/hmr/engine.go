// Package hmr turns watcher file events into module-graph invalidation and
// propagation, and hands the resulting wire messages to the transport
// broadcaster.
package hmr

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vitelike/esmgraph/internal/graph"
	"github.com/vitelike/esmgraph/internal/plugin"
	"github.com/vitelike/esmgraph/internal/transport"
)

// Engine owns the wiring between a Watcher, the Module Graph, the Plugin
// Container's handleHotUpdate hooks, and the Transport broadcaster.
type Engine struct {
	Graph     *graph.Graph
	Container *plugin.Container
	Transport *transport.Broadcaster

	Root            string
	ClientDir       string   // client runtime directory; changes always full-reload
	ConfigFile      string   // triggers a full restart
	ConfigDeps      []string // files the config itself reads (tsconfig, plugin config, …)
	EnvFiles        []string

	OnFullRestart func()
}

// HandleFileEvent routes one watcher event through config-dependency,
// client-runtime, glob-import, and resolve-failure checks before graph
// invalidation and propagation.
func (e *Engine) HandleFileEvent(ev FileEvent) error {
	if e.isConfigDependency(ev.Path) {
		if e.OnFullRestart != nil {
			e.OnFullRestart()
		}
		return nil
	}

	if e.ClientDir != "" && isUnder(e.ClientDir, ev.Path) {
		e.Transport.Send(transport.Message{Type: "full-reload", Path: "*"})
		return nil
	}

	modules := e.Graph.GetModulesByFile(ev.Path)
	if ev.Kind == "create" {
		modules = append(modules, e.matchGlobImports(ev.Path)...)
		modules = append(modules, e.reconsiderResolveFailures(ev.Path)...)
	} else if ev.Kind == "delete" {
		modules = append(modules, e.matchGlobImports(ev.Path)...)
	}
	modules = dedupeModules(modules)

	if ev.Kind == "update" && e.Container != nil {
		refined, err := e.runHandleHotUpdate(ev.Path, modules)
		if err != nil {
			return err
		}
		modules = refined
	}

	if len(modules) == 0 {
		if strings.HasSuffix(ev.Path, ".html") {
			e.Transport.Send(transport.Message{Type: "full-reload", Path: ev.Path})
		}
		return nil
	}

	return e.updateModules(ev.Path, modules, graph.Now())
}

func (e *Engine) isConfigDependency(path string) bool {
	if e.ConfigFile != "" && samePath(path, e.ConfigFile) {
		return true
	}
	for _, dep := range e.ConfigDeps {
		if samePath(path, dep) {
			return true
		}
	}
	for _, f := range e.EnvFiles {
		if samePath(path, f) {
			return true
		}
	}
	return false
}

func samePath(a, b string) bool {
	ca, errA := filepath.Abs(a)
	cb, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return ca == cb
}

func isUnder(dir, path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absDir, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// matchGlobImports returns every module whose recorded import.meta.glob()
// pattern matches path, resolved relative to that module's own directory:
// a create/delete event can add or remove a match from a glob importer's
// set without touching the importer's file, so the importer needs to be
// invalidated directly rather than reached through an existing edge.
func (e *Engine) matchGlobImports(path string) []*graph.ModuleNode {
	var out []*graph.ModuleNode
	for _, n := range e.Graph.NodesWithGlobImports() {
		if n.File == "" {
			continue
		}
		dir := filepath.Dir(n.File)
		for _, pattern := range n.GlobPatterns {
			if globMatches(dir, pattern, path) {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

// globMatches reports whether path matches pattern resolved relative to
// dir. "**" segments match any number of path segments (including zero);
// every other segment is matched with filepath.Match so "*.css"-style
// wildcards work within a single segment.
func globMatches(dir, pattern, path string) bool {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	full := pattern
	if !filepath.IsAbs(pattern) {
		full = filepath.Join(dir, pattern)
	}
	full = filepath.ToSlash(full)
	absPath = filepath.ToSlash(absPath)

	return matchSegments(strings.Split(full, "/"), strings.Split(absPath, "/"))
}

func matchSegments(pattern, path []string) bool {
	if len(pattern) == 0 {
		return len(path) == 0
	}
	if pattern[0] == "**" {
		if matchSegments(pattern[1:], path) {
			return true
		}
		if len(path) == 0 {
			return false
		}
		return matchSegments(pattern, path[1:])
	}
	if len(path) == 0 {
		return false
	}
	ok, err := filepath.Match(pattern[0], path[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(pattern[1:], path[1:])
}

func (e *Engine) reconsiderResolveFailures(path string) []*graph.ModuleNode {
	base := filepath.Base(path)
	var out []*graph.ModuleNode
	for _, n := range e.Graph.NodesWithResolveFailures() {
		if filepath.Base(n.File) == base || filepath.Base(n.ID) == base {
			out = append(out, n)
		}
	}
	return out
}

func dedupeModules(mods []*graph.ModuleNode) []*graph.ModuleNode {
	seen := make(map[graph.Handle]bool, len(mods))
	out := make([]*graph.ModuleNode, 0, len(mods))
	for _, m := range mods {
		if m == nil || seen[m.Handle] {
			continue
		}
		seen[m.Handle] = true
		out = append(out, m)
	}
	return out
}

// nodeRef adapts *graph.ModuleNode to plugin.ModuleRef.
type nodeRef struct{ n *graph.ModuleNode }

func (r nodeRef) URL() string  { return r.n.URL }
func (r nodeRef) File() string { return r.n.File }

func (e *Engine) runHandleHotUpdate(path string, modules []*graph.ModuleNode) ([]*graph.ModuleNode, error) {
	refs := make([]plugin.ModuleRef, len(modules))
	for i, m := range modules {
		refs[i] = nodeRef{m}
	}

	read := func() (string, error) {
		data, err := readSettled(path)
		return string(data), err
	}

	refined, err := e.Container.HandleHotUpdate(path, graph.Now(), refs, read)
	if err != nil {
		return nil, err
	}

	byURL := make(map[string]*graph.ModuleNode, len(modules))
	for _, m := range modules {
		byURL[m.URL] = m
	}
	out := make([]*graph.ModuleNode, 0, len(refined))
	for _, r := range refined {
		if m, ok := byURL[r.URL()]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// readSettled polls mtime up to ten times at ~10ms for editors that create
// a file before writing its content.
func readSettled(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil || len(data) > 0 {
		return data, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	mtime := info.ModTime()
	for i := 0; i < 10; i++ {
		time.Sleep(10 * time.Millisecond)
		if fi, err := os.Stat(path); err == nil && !fi.ModTime().Equal(mtime) {
			break
		}
	}
	return os.ReadFile(path)
}
