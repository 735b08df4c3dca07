package devserver

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/vitelike/esmgraph/internal/plugin"
)

// funcComponentRe and constComponentRe detect likely React components in
// already-transformed JS with regex heuristics rather than an AST: just the
// two declaration shapes Fast Refresh cares about.
var (
	funcComponentRe  = regexp.MustCompile(`(?m)^(?:export\s+(?:default\s+)?)?function\s+([A-Z][a-zA-Z0-9_]*)\s*\(`)
	constComponentRe = regexp.MustCompile(`(?m)^(?:export\s+)?(?:const|let|var)\s+([A-Z][a-zA-Z0-9_]*)\s*=`)
)

func detectComponents(code string) []string {
	seen := map[string]bool{}
	var names []string
	for _, m := range funcComponentRe.FindAllStringSubmatch(code, -1) {
		if !seen[m[1]] {
			names = append(names, m[1])
			seen[m[1]] = true
		}
	}
	for _, m := range constComponentRe.FindAllStringSubmatch(code, -1) {
		if !seen[m[1]] {
			names = append(names, m[1])
			seen[m[1]] = true
		}
	}
	return names
}

// injectRefreshRegistration wraps code with React Fast Refresh's
// $RefreshReg$/$RefreshSig$ dance. It runs as a Transform hook registered
// ahead of the Import Analyzer, so the `import.meta.hot?.accept()` call it
// appends is still present for the analyzer's hot-accept scan.
func injectRefreshRegistration(code, urlPath string, components []string) string {
	var b strings.Builder
	b.WriteString("var __prevReg = window.$RefreshReg$;\n")
	b.WriteString("var __prevSig = window.$RefreshSig$;\n")
	fmt.Fprintf(&b, "window.$RefreshReg$ = (type, id) => window.__REACT_REFRESH__?.register(type, %q + id);\n", urlPath+" ")
	b.WriteString("window.$RefreshSig$ = window.__REACT_REFRESH__?.createSignatureFunctionForTransform || (() => (t) => t);\n")
	b.WriteString(code)
	b.WriteString("\n")
	for _, name := range components {
		fmt.Fprintf(&b, "window.$RefreshReg$(%s, %q);\n", name, name)
	}
	b.WriteString("window.$RefreshReg$ = __prevReg;\n")
	b.WriteString("window.$RefreshSig$ = __prevSig;\n")
	b.WriteString("import.meta.hot?.accept();\n")
	return b.String()
}

// ReactRefreshPlugin registers the component-detection/registration rewrite
// as a plugin.Plugin, gated on hasRefresh (react-refresh present in the
// optimizer's dep cache) and skipping the entry module as a special case.
func ReactRefreshPlugin(root, base string, hasRefresh bool, entryURLPath string) plugin.Plugin {
	return plugin.Plugin{
		Name:    "react-refresh",
		Enforce: 0, // default tier, registered ahead of the import analyzer
		Transform: func(ctx *plugin.Context, code, srcMap, id string) (string, string, error) {
			if !hasRefresh || !strings.HasSuffix(id, ".jsx") && !strings.HasSuffix(id, ".tsx") {
				return code, srcMap, nil
			}
			urlPath := idToURLPath(root, base, id)
			if urlPath == entryURLPath {
				return code, srcMap, nil
			}
			components := detectComponents(code)
			if len(components) == 0 {
				return code, srcMap, nil
			}
			return injectRefreshRegistration(code, urlPath, components), srcMap, nil
		},
	}
}
