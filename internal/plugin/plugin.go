// Package plugin implements the plugin container: ordered invocation of
// plugin hooks with a per-call context.
package plugin

import (
	"sort"

	"github.com/vitelike/esmgraph/internal/config"
	"github.com/vitelike/esmgraph/internal/resolver"
)

// ResolveIDFunc mirrors the `resolveId` hook. A nil result with a nil error
// means "not handled, try the next hook".
type ResolveIDFunc func(ctx *Context, specifier, importer string, opts resolver.Options) (*resolver.ResolvedID, error)

// LoadFunc mirrors `load`. ok=false means "not handled, try the next hook".
type LoadFunc func(ctx *Context, id string) (code string, ok bool, err error)

// TransformFunc mirrors `transform`: every hook runs in order, each
// receiving the previous hook's code and (possibly empty) sourcemap.
type TransformFunc func(ctx *Context, code, srcMap, id string) (newCode, newMap string, err error)

// HandleHotUpdateFunc mirrors `handleHotUpdate`: each plugin
// receives the current module list and may return a refined one, which
// replaces the context's list before the next plugin runs.
type HandleHotUpdateFunc func(ctx *Context, file string, timestamp int64, modules []ModuleRef, read func() (string, error)) ([]ModuleRef, error)

// TransformIndexHTMLFunc mirrors `transform_index_html`.
type TransformIndexHTMLFunc func(ctx *Context, html, urlPath string) (string, error)

// ModuleRef is the minimal module-identity view a plugin hook needs; it
// avoids a plugin↔graph import cycle (internal/graph has no dependency on
// internal/plugin). internal/hmr adapts *graph.ModuleNode to this shape.
type ModuleRef interface {
	URL() string
	File() string
}

// Plugin is a named set of optional hooks plus an enforce tier. apply is
// a predicate deciding whether the plugin
// participates in a given run (serve vs build vs custom); this project only
// ever runs "serve" mode, so most plugins leave Apply nil (always active).
type Plugin struct {
	Name    string
	Enforce config.EnforceTier
	Apply   func(mode string) bool

	ResolveID          ResolveIDFunc
	Load               LoadFunc
	Transform          TransformFunc
	HandleHotUpdate    HandleHotUpdateFunc
	TransformIndexHTML TransformIndexHTMLFunc
}

func (p Plugin) appliesTo(mode string) bool {
	if p.Apply == nil {
		return true
	}
	return p.Apply(mode)
}

// Context is what hooks receive: a re-entrant resolve, file-watch
// registration, warn/error reporting, and the set of
// files consumed during the current transform (used by HMR to widen
// invalidation via addWatchFile).
type Context struct {
	container *Container
	mode      string

	consumedFiles map[string]bool
	warnings      []string
	errs          []error
	pruned        []ModuleRef
}

func newContext(c *Container, mode string) *Context {
	return &Context{container: c, mode: mode, consumedFiles: map[string]bool{}}
}

// Resolve re-enters the container's resolveId chain.
func (c *Context) Resolve(specifier, importer string, opts resolver.Options) (*resolver.ResolvedID, error) {
	return c.container.ResolveID(specifier, importer, opts)
}

// AddWatchFile registers an additional file the current transform depends
// on beyond its own id, so a change to that file also invalidates this
// module.
func (c *Context) AddWatchFile(path string) { c.consumedFiles[path] = true }

// ConsumedFiles returns every path registered via AddWatchFile during the
// current call.
func (c *Context) ConsumedFiles() []string {
	out := make([]string, 0, len(c.consumedFiles))
	for f := range c.consumedFiles {
		out = append(out, f)
	}
	return out
}

func (c *Context) Warn(msg string)  { c.warnings = append(c.warnings, msg) }
func (c *Context) Error(err error)  { c.errs = append(c.errs, err) }
func (c *Context) Warnings() []string { return c.warnings }
func (c *Context) Errors() []error    { return c.errs }

// SetPruned records the modules the import analyzer's transform hook
// found to have been pruned from the current module's import set (the
// pruned set UpdateModuleInfo returns), so the HMR engine can read it
// back off the Context after Container.Transform returns.
func (c *Context) SetPruned(pruned []ModuleRef) { c.pruned = pruned }

// Pruned returns the modules recorded via SetPruned during this call.
func (c *Context) Pruned() []ModuleRef { return c.pruned }

// Container sorts plugins into [pre, normal, post] tiers and runs hooks in
// that order: alias-resolve → built-in pre → user pre → built-in normal
// → user normal → built-in post → user post. This project has no
// separate "built-in vs user" distinction at the type level;
// callers achieve the same effect by registering built-ins with
// EnforcePre/EnforcePost as appropriate before user plugins are appended.
type Container struct {
	plugins []Plugin
	mode    string
}

// New builds a container from an unsorted plugin list, stable-sorting by
// enforce tier so relative registration order within a tier is preserved.
func New(plugins []Plugin, mode string) *Container {
	sorted := make([]Plugin, len(plugins))
	copy(sorted, plugins)
	sort.SliceStable(sorted, func(i, j int) bool {
		return tierRank(sorted[i].Enforce) < tierRank(sorted[j].Enforce)
	})
	return &Container{plugins: sorted, mode: mode}
}

func tierRank(t config.EnforceTier) int {
	switch t {
	case config.EnforcePre:
		return 0
	case config.EnforceDefault:
		return 1
	case config.EnforcePost:
		return 2
	default:
		return 1
	}
}

// ResolveID calls each plugin's ResolveID hook in order; the first non-nil
// result wins.
func (c *Container) ResolveID(specifier, importer string, opts resolver.Options) (*resolver.ResolvedID, error) {
	ctx := newContext(c, c.mode)
	for _, p := range c.plugins {
		if p.ResolveID == nil || !p.appliesTo(c.mode) {
			continue
		}
		res, err := p.ResolveID(ctx, specifier, importer, opts)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}
	return nil, nil
}

// Load calls each plugin's Load hook in order; the first non-nil result
// wins.
func (c *Container) Load(id string) (string, *Context, error) {
	ctx := newContext(c, c.mode)
	for _, p := range c.plugins {
		if p.Load == nil || !p.appliesTo(c.mode) {
			continue
		}
		code, ok, err := p.Load(ctx, id)
		if err != nil {
			return "", ctx, err
		}
		if ok {
			return code, ctx, nil
		}
	}
	return "", ctx, nil
}

// Transform runs every Transform hook in sequence, each receiving the
// previous hook's code/map: every hook runs, each receiving the previous
// hook's output. Source maps are not composed: the returned map is the
// last non-empty map any hook returned, and earlier maps are dropped.
func (c *Container) Transform(code, id string) (string, string, *Context, error) {
	ctx := newContext(c, c.mode)
	curCode := code
	curMap := ""
	for _, p := range c.plugins {
		if p.Transform == nil || !p.appliesTo(c.mode) {
			continue
		}
		newCode, newMap, err := p.Transform(ctx, curCode, curMap, id)
		if err != nil {
			return "", "", ctx, err
		}
		curCode = newCode
		if newMap != "" {
			curMap = newMap
		}
	}
	return curCode, curMap, ctx, nil
}

// HandleHotUpdate runs every HandleHotUpdate hook in sorted order; each
// plugin may refine the module list, and the refined list replaces the
// context's list before the next plugin sees it.
func (c *Container) HandleHotUpdate(file string, timestamp int64, modules []ModuleRef, read func() (string, error)) ([]ModuleRef, error) {
	ctx := newContext(c, c.mode)
	cur := modules
	for _, p := range c.plugins {
		if p.HandleHotUpdate == nil || !p.appliesTo(c.mode) {
			continue
		}
		refined, err := p.HandleHotUpdate(ctx, file, timestamp, cur, read)
		if err != nil {
			return nil, err
		}
		if refined != nil {
			cur = refined
		}
	}
	return cur, nil
}

// TransformIndexHTML runs every TransformIndexHTML hook in sorted order.
func (c *Container) TransformIndexHTML(html, urlPath string) (string, error) {
	ctx := newContext(c, c.mode)
	cur := html
	for _, p := range c.plugins {
		if p.TransformIndexHTML == nil || !p.appliesTo(c.mode) {
			continue
		}
		next, err := p.TransformIndexHTML(ctx, cur, urlPath)
		if err != nil {
			return "", err
		}
		cur = next
	}
	return cur, nil
}
