// Package cjsfixup applies artifact-level CommonJS-to-ESM fixups to
// esbuild's pre-bundled dependency output, as distinct from
// internal/transform's per-import interop rewriting: this package repairs
// an already-bundled chunk's export shape (synthesizing named exports for
// a `__commonJS`-wrapped entry, rewriting dynamic `__require` calls,
// adding a synthetic default export to ESM-only bundles), while
// internal/transform rewrites how an individual importer binds to an
// already-correct module. Beyond rewriting code in place, this package
// also reports back which externalized specifiers it found proof of CJS
// shape for, so a caller tracking per-dependency bundling state (such as
// the optimizer's depInfo records) can fold that discovery into its own
// bookkeeping instead of the fixup silently consuming it.
package cjsfixup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"
)

// nodeDetectScript requires each entry point under Node and enumerates its
// export names via Object.keys(), stubbing browser globals so packages
// that touch window/document/navigator at require-time don't crash.
const nodeDetectScript = `
var e = JSON.parse(process.argv[1]);
var r = {};
if (typeof globalThis.window === 'undefined') globalThis.window = {};
if (typeof globalThis.document === 'undefined') globalThis.document = { createElement: function() { return {}; }, addEventListener: function() {} };
if (typeof globalThis.navigator === 'undefined') globalThis.navigator = { userAgent: '' };
if (typeof globalThis.self === 'undefined') globalThis.self = globalThis;
for (var k in e) {
  try {
    var m = require(e[k]);
    r[k] = Object.keys(m).filter(function(n) { return n !== '__esModule' && n !== 'default'; });
  } catch(ex) { r[k] = null; }
}
process.stdout.write(JSON.stringify(r));
`

// DetectExports runs Node to require() each entry point and enumerate its
// exports. Entries that fail to require (ESM-only packages, missing deps)
// come back nil in the result map and the caller falls back to regex
// detection for those. If Node is unavailable or the script fails
// entirely, returns nil, nil and every entry falls back to regex.
func DetectExports(nodePath string, entryPoints map[string]string) (map[string][]string, error) {
	if len(entryPoints) == 0 {
		return nil, nil
	}
	entriesJSON, err := json.Marshal(entryPoints)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, nodePath, "-e", nodeDetectScript, string(entriesJSON))
	out, err := cmd.Output()
	if err != nil {
		return nil, nil
	}
	var result map[string][]string
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, nil
	}
	return result, nil
}

// hasExportStatement reports whether code contains an ESM export
// statement — used to detect entry points that lost their exports to
// esbuild's code splitting.
func hasExportStatement(code []byte) bool {
	return bytes.Contains(code, []byte("\nexport ")) || bytes.HasPrefix(code, []byte("export "))
}

var dynamicRequireRe = regexp.MustCompile(`__require\("([^"]+)"\)`)

// FixDynamicRequires replaces `__require("pkg")` calls (emitted when
// bundled CJS code require()s an external package) with static ESM
// imports, since browsers cannot execute `__require`. The static import is
// resolved by the browser's import map at runtime; using a default import
// preserves raw `module.exports` semantics instead of a namespace wrapper.
//
// A `require()` call surviving into the bundle is itself evidence that the
// requiring code treats its target as a CommonJS module (it read
// `module.exports` through the default binding rather than a named ESM
// export). FixDynamicRequires returns the set of specifiers it rewrote so
// a caller can record that evidence against its own per-dependency state
// instead of it being discarded once the rewrite is applied.
func FixDynamicRequires(depCache map[string][]byte) map[string]bool {
	discovered := make(map[string]bool)

	for urlPath, code := range depCache {
		codeStr := string(code)
		matches := dynamicRequireRe.FindAllStringSubmatch(codeStr, -1)
		if len(matches) == 0 {
			continue
		}

		specifiers := make(map[string]string)
		counter := 0
		for _, m := range matches {
			spec := m[1]
			discovered[spec] = true
			if _, ok := specifiers[spec]; !ok {
				specifiers[spec] = fmt.Sprintf("__ext_%d", counter)
				counter++
			}
		}

		var imports strings.Builder
		for spec, varName := range specifiers {
			fmt.Fprintf(&imports, "import %s from %q;\n", varName, spec)
		}

		result := dynamicRequireRe.ReplaceAllStringFunc(codeStr, func(match string) string {
			m := dynamicRequireRe.FindStringSubmatch(match)
			return specifiers[m[1]]
		})

		depCache[urlPath] = []byte(imports.String() + result)
	}

	return discovered
}

var (
	cjsDeclRe        = regexp.MustCompile(`var\s+(require_\w+)\s*=\s*__commonJS\(`)
	cjsExportRe      = regexp.MustCompile(`exports\.(\w+)\s*=`)
	cjsDelegateRe    = regexp.MustCompile(`module\.exports\s*=\s*(require_\w+)\(\)`)
	defaultRequireRe = regexp.MustCompile(`export default (require_\w+)\(\)`)
	reExportRe       = regexp.MustCompile(`__reExport\(\w+,\s*__toESM\((require_\w+)\(\)\)\);?`)
	moduleExportsIdentRe = regexp.MustCompile(`module\.exports\s*=\s*(\w+)\s*;`)
)

type cjsModuleInfo struct {
	exports     []string
	delegatesTo string
}

var jsReservedWords = map[string]bool{
	"default": true, "break": true, "case": true, "catch": true, "class": true,
	"const": true, "continue": true, "debugger": true, "delete": true, "do": true,
	"else": true, "enum": true, "export": true, "extends": true, "finally": true,
	"for": true, "function": true, "if": true, "import": true, "in": true,
	"instanceof": true, "let": true, "new": true, "return": true, "super": true,
	"switch": true, "this": true, "throw": true, "try": true, "typeof": true,
	"var": true, "void": true, "while": true, "with": true, "yield": true,
	"await": true, "implements": true, "interface": true, "package": true,
	"private": true, "protected": true, "public": true, "static": true,
}

// AddNamedExports scans all files in depCache for `__commonJS` wrappers,
// traces delegation chains (e.g. require_react → require_react_development,
// where the development module has the real exports), and adds named
// re-exports to entry files that only expose `export default require_xxx()`
// or the stdin-bundled `__reExport(...)` form. When knownExports is
// non-nil it takes priority over regex-derived names; regex is the
// fallback for entries knownExports doesn't cover.
func AddNamedExports(depCache map[string][]byte, knownExports map[string][]string) {
	cjsInfo := make(map[string]*cjsModuleInfo)

	for _, code := range depCache {
		codeStr := string(code)
		if !strings.Contains(codeStr, "__commonJS") {
			continue
		}

		declMatches := cjsDeclRe.FindAllStringSubmatchIndex(codeStr, -1)
		for i, match := range declMatches {
			funcName := codeStr[match[2]:match[3]]

			startIdx := match[0]
			endIdx := len(codeStr)
			if i+1 < len(declMatches) {
				endIdx = declMatches[i+1][0]
			}
			block := codeStr[startIdx:endIdx]

			info := &cjsModuleInfo{}
			if dm := cjsDelegateRe.FindStringSubmatch(block); dm != nil {
				info.delegatesTo = dm[1]
			}

			seen := make(map[string]bool)
			for _, em := range cjsExportRe.FindAllStringSubmatch(block, -1) {
				name := em[1]
				if !seen[name] && !strings.HasPrefix(name, "__") {
					info.exports = append(info.exports, name)
					seen[name] = true
				}
			}

			if m := moduleExportsIdentRe.FindStringSubmatch(block); m != nil {
				ident := m[1]
				identPropRe := regexp.MustCompile(regexp.QuoteMeta(ident) + `\.(\w+)\s*=`)
				for _, pm := range identPropRe.FindAllStringSubmatch(block, -1) {
					name := pm[1]
					if !seen[name] && !strings.HasPrefix(name, "_") && name != "prototype" {
						info.exports = append(info.exports, name)
						seen[name] = true
					}
				}
			}

			cjsInfo[funcName] = info
		}
	}

	for urlPath, code := range depCache {
		codeStr := string(code)

		if match := defaultRequireRe.FindStringSubmatch(codeStr); match != nil {
			names := resolveNames(knownExports, urlPath, cjsInfo, match[1])
			if len(names) == 0 {
				continue
			}
			idx := strings.LastIndex(codeStr, "export default ")
			if idx < 0 {
				continue
			}
			rest := codeStr[idx+len("export default "):]
			semiIdx := strings.Index(rest, ";")
			if semiIdx < 0 {
				continue
			}
			expr := rest[:semiIdx]
			trailing := rest[semiIdx+1:]

			var sb strings.Builder
			sb.WriteString(codeStr[:idx])
			sb.WriteString("var __cjs_exports = ")
			sb.WriteString(expr)
			sb.WriteString(";\nexport default __cjs_exports;\n")
			writeNamedExports(&sb, names)
			sb.WriteString(trailing)

			depCache[urlPath] = []byte(sb.String())
			continue
		}

		if match := reExportRe.FindStringSubmatch(codeStr); match != nil {
			names := resolveNames(knownExports, urlPath, cjsInfo, match[1])
			if len(names) == 0 {
				continue
			}
			loc := reExportRe.FindStringIndex(codeStr)
			var sb strings.Builder
			sb.WriteString(codeStr[:loc[0]])
			sb.WriteString("var __cjs_exports = ")
			sb.WriteString(match[1])
			sb.WriteString("();\nexport default __cjs_exports;\n")
			writeNamedExports(&sb, names)
			sb.WriteString(codeStr[loc[1]:])

			depCache[urlPath] = []byte(sb.String())
		}
	}
}

func resolveNames(knownExports map[string][]string, urlPath string, cjsInfo map[string]*cjsModuleInfo, funcName string) []string {
	var names []string
	if knownExports != nil {
		if exports, ok := knownExports[urlPath]; ok && len(exports) > 0 {
			names = exports
		}
	}
	if len(names) == 0 {
		names = resolveCJSExports(cjsInfo, funcName)
	}
	names = filterExportNames(names)
	sort.Strings(names)
	return names
}

func filterExportNames(names []string) []string {
	var filtered []string
	for _, name := range names {
		if jsReservedWords[name] || strings.HasPrefix(name, "__") {
			continue
		}
		filtered = append(filtered, name)
	}
	return filtered
}

func writeNamedExports(sb *strings.Builder, names []string) {
	for _, name := range names {
		fmt.Fprintf(sb, "export const %s = __cjs_exports.%s;\n", name, name)
	}
}

func resolveCJSExports(info map[string]*cjsModuleInfo, funcName string) []string {
	visited := make(map[string]bool)
	for {
		if visited[funcName] {
			return nil
		}
		visited[funcName] = true

		ci, ok := info[funcName]
		if !ok {
			return nil
		}
		if ci.delegatesTo != "" {
			funcName = ci.delegatesTo
			continue
		}
		return ci.exports
	}
}

var esmExportBlockRe = regexp.MustCompile(`export\s*\{([^}]+)\}\s*;`)

// AddESMDefaultExport adds a synthetic default export to ESM bundles that
// only have named exports, so CJS consumers whose `require("pkg")` became
// a default import (via FixDynamicRequires) can still resolve a binding.
func AddESMDefaultExport(depCache map[string][]byte) {
	for urlPath, code := range depCache {
		codeStr := string(code)

		if strings.Contains(codeStr, "export default ") || strings.Contains(codeStr, " as default") {
			continue
		}

		match := esmExportBlockRe.FindStringSubmatch(codeStr)
		if match == nil {
			continue
		}

		type exportEntry struct{ local, exported string }
		var entries []exportEntry
		for _, item := range strings.Split(match[1], ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			parts := strings.Fields(item)
			switch {
			case len(parts) == 3 && parts[1] == "as":
				entries = append(entries, exportEntry{local: parts[0], exported: parts[2]})
			case len(parts) == 1:
				entries = append(entries, exportEntry{local: parts[0], exported: parts[0]})
			}
		}
		if len(entries) == 0 {
			continue
		}

		var sb strings.Builder
		sb.WriteString("\nvar __esm_default = {")
		for i, e := range entries {
			if i > 0 {
				sb.WriteString(",")
			}
			if e.local == e.exported {
				fmt.Fprintf(&sb, " %s", e.local)
			} else {
				fmt.Fprintf(&sb, " %s: %s", e.exported, e.local)
			}
		}
		sb.WriteString(" };\nexport { __esm_default as default };\n")

		depCache[urlPath] = []byte(codeStr + sb.String())
	}
}

// FixupOnDemand applies the full artifact-level fixup sequence to a single
// bundled output, reusing AddNamedExports / FixDynamicRequires /
// AddESMDefaultExport via a throwaway single-entry cache — the same path
// used for on-demand bundled dependencies discovered mid-session. The
// discovered-specifier set FixDynamicRequires returns is dropped here: a
// single on-demand bundle has no persistent depInfo record for the caller
// to fold it into.
func FixupOnDemand(code []byte) []byte {
	depCache := map[string][]byte{"entry": code}
	AddNamedExports(depCache, nil)
	FixDynamicRequires(depCache)
	AddESMDefaultExport(depCache)
	return depCache["entry"]
}
