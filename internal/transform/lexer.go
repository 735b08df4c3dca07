// Package transform implements the import analyzer: a lightweight,
// regex-based import scanner (deliberately not a full JS parser) that
// rewrites import specifiers to resolved, query-decorated URLs and
// injects the import.meta.env / import.meta.hot preambles.
package transform

import "regexp"

// importClauseRe matches `import <clause> from "<spec>"`. The clause
// capture is parsed separately by parseImportClause since its internal
// shape (default / named / namespace, in any combination) varies too much
// for a single regex to usefully capture.
var importClauseRe = regexp.MustCompile(`import\s+([^'"();]+?)\s+from\s+(['"])([^'"]+)\2`)

// bareImportRe matches a side-effect-only import: `import "<spec>"`.
var bareImportRe = regexp.MustCompile(`import\s+(['"])([^'"]+)\1`)

// exportFromRe matches `export * from "<spec>"`, `export * as ns from "<spec>"`,
// and `export { a, b as c } from "<spec>"`.
var exportFromRe = regexp.MustCompile(`export\s+(\*(?:\s+as\s+[$\w]+)?|\{[^}]*\})\s+from\s+(['"])([^'"]+)\2`)

// dynamicImportLiteralRe matches `import("<spec>")` / `import('<spec>')`
// where the argument is a plain string literal (no template interpolation).
var dynamicImportLiteralRe = regexp.MustCompile(`import\s*\(\s*(['"])([^'"]+)\1\s*\)`)

// dynamicImportAnyRe matches any `import(` call, literal or not; used to
// find dynamic imports whose argument isn't a simple literal so they can be
// wrapped with the runtime re-query helper instead of statically rewritten.
var dynamicImportAnyRe = regexp.MustCompile(`import\s*\(`)

// globImportRe matches `import.meta.glob("<pattern>")` and the `.glob.eager`
// variant, capturing the glob pattern literal.
var globImportRe = regexp.MustCompile(`import\.meta\.glob(?:\.eager)?\(\s*(['"` + "`" + `])([^'"` + "`" + `]+)\1`)

// scanGlobImportPatterns returns every import.meta.glob pattern literal in
// code, so the caller can record which modules need re-evaluating when a
// file matching one of them is created or deleted.
func scanGlobImportPatterns(code string) []string {
	matches := globImportRe.FindAllStringSubmatch(code, -1)
	if len(matches) == 0 {
		return nil
	}
	patterns := make([]string, len(matches))
	for i, m := range matches {
		patterns[i] = m[2]
	}
	return patterns
}

// specKind distinguishes how a found specifier should be rewritten.
type specKind int

const (
	kindImportFrom specKind = iota
	kindBareImport
	kindExportFrom
	kindDynamicLiteral
)

// foundSpecifier is one import/export/dynamic-import specifier located in
// source text, with the byte range of the quoted string (including quotes)
// so it can be replaced in place.
type foundSpecifier struct {
	kind       specKind
	clause     string // raw import clause text, only for kindImportFrom
	specifier  string
	start, end int // byte offsets of the quoted literal, including quotes
}

// scanSpecifiers finds every static import/export-from/dynamic-literal
// specifier in code. Overlap is avoided by scanning each regex family over
// the whole string and then removing literal-dynamic-import matches that
// are also claimed by import-clause matches is unnecessary: the four
// patterns are syntactically disjoint (different leading keywords/shapes)
// except that `import(` can only match dynamicImportLiteralRe /
// dynamicImportAnyRe, never importClauseRe or bareImportRe (those require
// "from" or a bare string immediately after "import", whereas dynamic
// import always has a following "(").
func scanSpecifiers(code string) []foundSpecifier {
	var found []foundSpecifier

	for _, m := range importClauseRe.FindAllStringSubmatchIndex(code, -1) {
		found = append(found, foundSpecifier{
			kind:      kindImportFrom,
			clause:    code[m[2]:m[3]],
			specifier: code[m[6]:m[7]],
			start:     m[4], // opening quote
			end:       m[7] + 1,
		})
	}
	for _, m := range bareImportRe.FindAllStringSubmatchIndex(code, -1) {
		found = append(found, foundSpecifier{
			kind:      kindBareImport,
			specifier: code[m[4]:m[5]],
			start:     m[2],
			end:       m[5] + 1,
		})
	}
	for _, m := range exportFromRe.FindAllStringSubmatchIndex(code, -1) {
		found = append(found, foundSpecifier{
			kind:      kindExportFrom,
			clause:    code[m[2]:m[3]],
			specifier: code[m[6]:m[7]],
			start:     m[4],
			end:       m[7] + 1,
		})
	}
	for _, m := range dynamicImportLiteralRe.FindAllStringSubmatchIndex(code, -1) {
		found = append(found, foundSpecifier{
			kind:      kindDynamicLiteral,
			specifier: code[m[4]:m[5]],
			start:     m[2],
			end:       m[5] + 1,
		})
	}

	return dedupeByRange(found)
}

// dedupeByRange drops a found specifier if another entry already claims an
// overlapping byte range — guards against a pathological input matching
// more than one family at the same position.
func dedupeByRange(found []foundSpecifier) []foundSpecifier {
	var out []foundSpecifier
	for _, f := range found {
		overlaps := false
		for _, o := range out {
			if f.start < o.end && o.start < f.end {
				overlaps = true
				break
			}
		}
		if !overlaps {
			out = append(out, f)
		}
	}
	return out
}

// namedImport is one binding inside an import clause's `{ ... }` block.
type namedImport struct {
	imported, local string
}

// parseImportClause splits an import clause (the text between `import` and
// `from`) into its default binding, namespace binding, and named bindings.
// Handles the five legal combinations: `Default`, `Default, { a, b as c }`,
// `Default, * as ns`, `{ a, b as c }`, `* as ns` — a deliberately small
// parser rather than a general destructuring-pattern one, keeping with
// this package's avoid-a-full-JS-parse approach.
func parseImportClause(clause string) (defaultLocal, namespaceLocal string, named []namedImport) {
	rest := clause
	if idx := indexByte(rest, '{'); idx >= 0 {
		head := trimSpace(rest[:idx])
		head = trimSuffixComma(head)
		if head != "" {
			defaultLocal = head
		}
		close := indexByte(rest, '}')
		if close > idx {
			named = parseNamedList(rest[idx+1 : close])
		}
		return
	}
	if idx := indexOf(rest, "*"); idx >= 0 {
		head := trimSpace(rest[:idx])
		head = trimSuffixComma(head)
		if head != "" {
			defaultLocal = head
		}
		asRest := trimSpace(rest[idx+1:])
		asRest = trimPrefixWord(asRest, "as")
		namespaceLocal = trimSpace(asRest)
		return
	}
	defaultLocal = trimSpace(rest)
	return
}

func parseNamedList(s string) []namedImport {
	var out []namedImport
	for _, part := range splitComma(s) {
		part = trimSpace(part)
		if part == "" {
			continue
		}
		fields := splitFields(part)
		switch len(fields) {
		case 1:
			out = append(out, namedImport{imported: fields[0], local: fields[0]})
		case 3:
			if fields[1] == "as" {
				out = append(out, namedImport{imported: fields[0], local: fields[2]})
			}
		}
	}
	return out
}
