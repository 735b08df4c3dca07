package transform

import "fmt"

// interopRewrite produces the replacement statement(s) for an import
// clause that targets a dep needing CJS→ESM interop. idx disambiguates
// the synthesized `__cjsInterop<idx>` local across multiple interop
// imports in the same file.
func interopRewrite(clause, url string, idx int) string {
	defaultLocal, namespaceLocal, named := parseImportClause(clause)
	m := fmt.Sprintf("__cjsInterop%d", idx)

	var out string
	out += fmt.Sprintf("import %s from %q;\n", m, url)

	if defaultLocal != "" {
		out += fmt.Sprintf("const %s = %s.__esModule ? %s.default : %s;\n", defaultLocal, m, m, m)
	}
	if namespaceLocal != "" {
		out += fmt.Sprintf("const %s = %s.__esModule ? %s : __cjsInteropNamespace(%s);\n", namespaceLocal, m, m, m)
	}
	for _, n := range named {
		out += fmt.Sprintf("const %s = %s[%q];\n", n.local, m, n.imported)
	}
	return out
}

// interopNamespaceHelperSource is the well-known interop helper referenced
// by interopRewrite's namespace branch: pass through an __esModule-marked
// object unchanged, otherwise wrap it as { ...m, default: m }.
const interopNamespaceHelperSource = `function __cjsInteropNamespace(m) {
  if (m && m.__esModule) return m;
  const base = (typeof m === 'object' && m !== null && !Array.isArray(m)) || typeof m === 'function' ? m : {};
  return { ...base, default: m };
}
`

// exportFromRewrite handles `export * from "spec"` / `export * as ns from
// "spec"` / `export { a, b as c } from "spec"` for a dep needing interop.
// Named re-exports read named properties off the interop default import;
// `export *` has no CJS-safe equivalent without enumerating properties at
// runtime, so it falls back to re-exporting through the rewritten URL
// unchanged (the browser then re-applies interop when that URL is itself
// requested).
func exportFromRewrite(clause, url string, idx int) (string, bool) {
	if clause == "*" || hasAsPrefix(clause) {
		return "", false
	}
	if len(clause) < 2 || clause[0] != '{' {
		return "", false
	}
	named := parseNamedList(clause[1 : len(clause)-1])
	m := fmt.Sprintf("__cjsInteropReexport%d", idx)
	out := fmt.Sprintf("import %s from %q;\n", m, url)
	for _, n := range named {
		out += fmt.Sprintf("export const %s = %s[%q];\n", n.local, m, n.imported)
	}
	return out, true
}

func hasAsPrefix(clause string) bool {
	return len(clause) > 1 && clause[0] == '*'
}
