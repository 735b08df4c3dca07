package transform

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vitelike/esmgraph/internal/config"
	"github.com/vitelike/esmgraph/internal/graph"
	"github.com/vitelike/esmgraph/internal/plugin"
	"github.com/vitelike/esmgraph/internal/resolver"
)

// Optimizer is the subset of the dependency pre-optimizer the import
// analyzer consults for version queries and CJS interop decisions.
// Declared locally to avoid a transform↔optimizer import cycle.
type Optimizer interface {
	BrowserHash() string
	NeedsInterop(resolvedID string) bool
}

// Analyzer implements the import analyzer's transform pass, run on every
// served JS module.
type Analyzer struct {
	Root      string
	Base      string
	Container *plugin.Container
	Graph     *graph.Graph
	Optimizer Optimizer // nil means "no pre-bundled deps yet"
	SSR       bool
	Env       map[string]string // already rendered via config.DefineForBrowser-style keys
	Mode      string
}

// New builds an Analyzer over an already-constructed graph and plugin
// container.
func New(root, base string, g *graph.Graph, c *plugin.Container) *Analyzer {
	return &Analyzer{Root: root, Base: base, Graph: g, Container: c, Mode: "development"}
}

// AsPlugin wraps the analyzer as a post-tier plugin.Plugin so it runs after
// every other transform hook has had a chance to modify the code, the
// analyzer's specifier rewrite working off each hook's final output rather
// than the raw source.
func (a *Analyzer) AsPlugin() plugin.Plugin {
	return plugin.Plugin{
		Name:      "import-analyzer",
		Enforce:   config.EnforcePost,
		Transform: a.transformHook,
	}
}

func (a *Analyzer) transformHook(ctx *plugin.Context, code, srcMap, id string) (string, string, error) {
	out, info, err := a.Transform(code, id)
	if err != nil {
		return "", "", err
	}
	mod, err := a.Graph.EnsureEntryFromURL(idToURL(a.Root, a.Base, id))
	if err != nil {
		return "", "", err
	}
	pruned, err := a.Graph.UpdateModuleInfo(mod, info)
	if err != nil {
		return "", "", err
	}
	refs := make([]plugin.ModuleRef, len(pruned))
	for i, m := range pruned {
		refs[i] = moduleRef{m}
	}
	ctx.SetPruned(refs)
	return out, srcMap, nil
}

// moduleRef adapts *graph.ModuleNode to plugin.ModuleRef.
type moduleRef struct{ n *graph.ModuleNode }

func (m moduleRef) URL() string  { return m.n.URL }
func (m moduleRef) File() string { return m.n.File }

// Transform runs the specifier-rewrite and metadata-extraction pass (the
// graph update itself is run by the caller since it needs the graph's
// ModuleNode, not just strings) and returns the rewritten source plus the
// info UpdateModuleInfo needs.
func (a *Analyzer) Transform(code, id string) (string, graph.UpdateInfo, error) {
	specifiers := scanSpecifiers(code)
	sort.Slice(specifiers, func(i, j int) bool { return specifiers[i].start < specifiers[j].start })

	importerQuery := queryOf(id)
	var b strings.Builder
	var imports, staticImports []string
	bindings := map[string][]string{}
	last := 0
	interopIdx := 0

	for _, sp := range specifiers {
		if shouldSkipSpecifier(sp.specifier) {
			continue
		}

		resolved, err := a.Container.ResolveID(sp.specifier, id, resolver.Options{SSR: a.SSR})
		if err != nil {
			return "", graph.UpdateInfo{}, err
		}
		if resolved == nil || resolved.External {
			continue
		}

		url := a.toDecoratedURL(resolved.ID, importerQuery)
		imports = append(imports, url)
		if sp.kind != kindDynamicLiteral {
			staticImports = append(staticImports, url)
		}

		needsInterop := a.Optimizer != nil && a.Optimizer.NeedsInterop(resolved.ID)

		b.WriteString(code[last:sp.start])

		switch sp.kind {
		case kindImportFrom:
			if needsInterop && sp.clause != "" {
				b.WriteString(interopRewrite(sp.clause, url, interopIdx))
				interopIdx++
				named := namesOf(sp.clause)
				if len(named) > 0 {
					bindings[url] = append(bindings[url], named...)
				}
				last = sp.end + trailingSemicolonLen(code, sp.end)
				continue
			}
			b.WriteString(fmt.Sprintf("%q", url))
			last = sp.end
		case kindExportFrom:
			if needsInterop {
				if rewritten, ok := exportFromRewrite(sp.clause, url, interopIdx); ok {
					interopIdx++
					b.WriteString(rewritten)
					last = sp.end + trailingSemicolonLen(code, sp.end)
					continue
				}
			}
			b.WriteString(fmt.Sprintf("%q", url))
			last = sp.end
		case kindBareImport, kindDynamicLiteral:
			b.WriteString(fmt.Sprintf("%q", url))
			last = sp.end
		}
	}
	b.WriteString(code[last:])
	rewritten := b.String()

	accepts, err := scanHotAcceptCalls(rewritten)
	if err != nil {
		return "", graph.UpdateInfo{}, err
	}
	info := graph.UpdateInfo{
		ImportedURLs:       imports,
		ImportedBindings:   bindings,
		SSR:                a.SSR,
		StaticImportedURLs: staticImports,
		GlobPatterns:       scanGlobImportPatterns(code),
	}
	for _, acc := range accepts {
		if acc.isSelfAccepting {
			info.IsSelfAccepting = graph.Accepts
			continue
		}
		if acc.isExports {
			info.AcceptedExports = append(info.AcceptedExports, acc.deps...)
			info.IsSelfAccepting = graph.Accepts
			continue
		}
		info.AcceptedURLs = append(info.AcceptedURLs, acc.deps...)
	}
	if info.IsSelfAccepting == graph.Unknown && len(info.AcceptedURLs) == 0 && len(info.AcceptedExports) == 0 && !strings.Contains(rewritten, ".hot.accept") {
		info.IsSelfAccepting = graph.Rejects
	}

	rewritten = a.injectPreambles(rewritten, id)

	rewritten = wrapDynamicImports(rewritten)

	return rewritten, info, nil
}

// injectPreambles synthesizes import.meta.env and import.meta.hot when the
// source references them.
func (a *Analyzer) injectPreambles(code, id string) string {
	var pre strings.Builder
	if strings.Contains(code, "import.meta.env") {
		pre.WriteString("import.meta.env = ")
		pre.WriteString(envObjectLiteral(a.Env, a.Mode, a.SSR))
		pre.WriteString(";\n")
	}
	if strings.Contains(code, "import.meta.hot") {
		pre.WriteString(fmt.Sprintf("import.meta.hot = __vite__createHotContext(%q);\n", normalizedURL(id, a.Root, a.Base)))
	}
	if pre.Len() == 0 {
		return code
	}
	return pre.String() + code
}

func envObjectLiteral(env map[string]string, mode string, ssr bool) string {
	var b strings.Builder
	b.WriteString("{")
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%q: %q, ", k, env[k])
	}
	fmt.Fprintf(&b, "MODE: %q, DEV: %t, PROD: %t, SSR: %t", mode, mode != "production", mode == "production", ssr)
	b.WriteString("}")
	return b.String()
}

// wrapDynamicImports implements step 9: a dynamic import whose argument
// isn't a plain string literal is wrapped with a runtime helper so the
// browser re-applies query-injection rules at call time, since the target
// specifier isn't known until runtime.
func wrapDynamicImports(code string) string {
	locs := dynamicImportAnyRe.FindAllStringIndex(code, -1)
	if len(locs) == 0 {
		return code
	}
	// Skip any call already rewritten to a literal by scanSpecifiers (those
	// now read `import("/resolved/url")`, which IS a literal — harmless to
	// leave as-is since wrapping a literal import is unnecessary overhead,
	// not a correctness issue, so only wrap calls whose argument is not a
	// quoted literal).
	var b strings.Builder
	last := 0
	for _, loc := range locs {
		openParen := loc[1] - 1
		argStart := openParen + 1
		for argStart < len(code) && isSpace(code[argStart]) {
			argStart++
		}
		if argStart < len(code) && (code[argStart] == '\'' || code[argStart] == '"') {
			continue // literal, already rewritten above
		}
		b.WriteString(code[last:loc[0]])
		b.WriteString("__viteDynamicImport(")
		last = openParen + 1
	}
	b.WriteString(code[last:])
	return b.String()
}

func shouldSkipSpecifier(spec string) bool {
	if strings.HasPrefix(spec, "data:") || strings.HasPrefix(spec, "http://") || strings.HasPrefix(spec, "https://") {
		return true
	}
	if spec == "/@vite/client" {
		return true
	}
	return false
}

func namesOf(clause string) []string {
	_, _, named := parseImportClause(clause)
	out := make([]string, len(named))
	for i, n := range named {
		out[i] = n.imported
	}
	return out
}

func trailingSemicolonLen(code string, end int) int {
	if end < len(code) && code[end] == ';' {
		return 1
	}
	return 0
}

func queryOf(id string) string {
	if idx := strings.Index(id, "?"); idx >= 0 {
		return id[idx:]
	}
	return ""
}

// toDecoratedURL attaches version/timestamp/import query params,
// inheriting the importer's ?v= on relative imports that lack one.
func (a *Analyzer) toDecoratedURL(resolvedID, importerQuery string) string {
	if strings.Contains(resolvedID, "?") {
		return resolvedID // already decorated (e.g. by the resolver's node_modules version query)
	}

	url := idToURL(a.Root, a.Base, resolvedID)

	if nodes := a.Graph.GetModulesByFile(resolvedID); len(nodes) > 0 {
		if ts := nodes[0].LastHMRTimestamp; ts > 0 {
			return url + "?t=" + itoa(ts)
		}
	}

	if strings.Contains(resolvedID, string(filepath.Separator)+"node_modules"+string(filepath.Separator)) {
		if a.Optimizer != nil {
			if h := a.Optimizer.BrowserHash(); h != "" {
				return url + "?v=" + h
			}
		}
	}

	ext := filepath.Ext(resolvedID)
	if ext != "" && ext != ".js" && ext != ".mjs" && ext != ".jsx" && ext != ".ts" && ext != ".tsx" && ext != ".css" {
		return url + "?import"
	}

	if importerQuery != "" && strings.HasPrefix(importerQuery, "?v=") {
		return url + importerQuery
	}

	return url
}

func idToURL(root, base, id string) string {
	if strings.HasPrefix(id, "\x00") || strings.HasPrefix(id, "virtual:") {
		return id
	}
	rel, err := filepath.Rel(root, id)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "/@fs/" + strings.TrimPrefix(id, "/")
	}
	p := strings.TrimSuffix(base, "/") + "/" + filepath.ToSlash(rel)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func normalizedURL(id, root, base string) string {
	return idToURL(root, base, strings.TrimSuffix(id, queryOf(id)))
}

func itoa(n int64) string {
	return fmt.Sprintf("%d", n)
}
