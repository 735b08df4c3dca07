package transform

import (
	"fmt"
	"strings"
)

// hotAcceptCallMarkers locate `import.meta.hot.accept(` and
// `import.meta.hot.acceptExports(` call sites; the argument itself is then
// scanned character-by-character by scanHotCallArgs rather than by regex.
var hotAcceptCallMarkers = []string{".hot.accept(", ".hot.acceptExports("}

// hotAcceptResult is what scanning one accept(...)/acceptExports(...) call
// site produces.
type hotAcceptResult struct {
	isSelfAccepting bool     // true if the call has no args, or a non-string first arg (callback only)
	deps            []string // string literal(s): the accepted dep specifier(s)
	isExports       bool     // true for acceptExports(names, cb)
}

// scanHotAcceptCalls finds every accept/acceptExports call in code and
// returns the parsed result of each.
func scanHotAcceptCalls(code string) ([]hotAcceptResult, error) {
	var results []hotAcceptResult
	for _, marker := range hotAcceptMarkersFor(code) {
		idx := 0
		for {
			pos := strings.Index(code[idx:], marker)
			if pos < 0 {
				break
			}
			openParen := idx + pos + len(marker) - 1
			res, endPos, err := scanHotCallArgs(code, openParen)
			if err != nil {
				return nil, err
			}
			res.isExports = strings.Contains(marker, "acceptExports")
			results = append(results, res)
			idx = endPos
		}
	}
	return results, nil
}

func hotAcceptMarkersFor(code string) []string {
	var out []string
	for _, m := range hotAcceptCallMarkers {
		if strings.Contains(code, m) {
			out = append(out, m)
		}
	}
	return out
}

// scanHotCallArgs runs a two-level state machine: it reads
// from the character after the call's opening `(` up to the balancing
// close paren, tracking whether it is inside a top-level array (`[...]`),
// a single- or double-quoted string, or a template literal. A non-string
// first token means "self-accepting, callback-only, done". A `]` closes
// array state. `${` inside a template literal is rejected — accepted
// dependency lists must be static.
func scanHotCallArgs(code string, openParenIdx int) (hotAcceptResult, int, error) {
	i := openParenIdx + 1
	n := len(code)

	// Skip leading whitespace to classify the first token.
	for i < n && isSpace(code[i]) {
		i++
	}
	if i >= n {
		return hotAcceptResult{}, n, fmt.Errorf("transform: unterminated accept() call")
	}
	if code[i] != '\'' && code[i] != '"' && code[i] != '[' {
		// Non-string, non-array first argument: a callback. Self-accepting.
		depth := 1
		for i < n && depth > 0 {
			switch code[i] {
			case '(':
				depth++
			case ')':
				depth--
			}
			i++
		}
		return hotAcceptResult{isSelfAccepting: true}, i, nil
	}

	inArray := code[i] == '['
	if inArray {
		i++
	}

	var deps []string
	inSingle, inDouble, inTemplate := false, false, false
	// collecting is true while string literals still belong to the
	// dependency list: until the first literal ends when there is no array,
	// or until the array's closing `]`.
	collecting := true
	// depth tracks nested parens from here to the call's own closing paren
	// (e.g. the `(mod) => {}` callback that follows the dependency list);
	// only an unmatched ')' at depth 0 ends the call itself.
	depth := 1

	for i < n {
		c := code[i]
		switch {
		case inSingle:
			if c == '\\' {
				i += 2
				continue
			}
			if c == '\'' {
				if collecting {
					deps = append(deps, code[strings.LastIndexByte(code[:i], '\'')+1:i])
				}
				inSingle = false
				collecting = collecting && inArray
			}
		case inDouble:
			if c == '\\' {
				i += 2
				continue
			}
			if c == '"' {
				if collecting {
					deps = append(deps, code[strings.LastIndexByte(code[:i], '"')+1:i])
				}
				inDouble = false
				collecting = collecting && inArray
			}
		case inTemplate:
			if c == '\\' {
				i += 2
				continue
			}
			if c == '$' && i+1 < n && code[i+1] == '{' {
				return hotAcceptResult{}, i, fmt.Errorf("transform: accept() dependency list cannot use template interpolation")
			}
			if c == '`' {
				inTemplate = false
			}
		default:
			switch c {
			case '\'':
				inSingle = true
			case '"':
				inDouble = true
			case '`':
				inTemplate = true
			case ']':
				inArray = false
				collecting = false
			case '(':
				depth++
			case ')':
				depth--
				if depth == 0 {
					return hotAcceptResult{deps: deps}, i + 1, nil
				}
			}
		}
		i++
	}
	return hotAcceptResult{}, n, fmt.Errorf("transform: unterminated accept() call")
}

func isSpace(b byte) bool { return b == ' ' || b == '\t' || b == '\n' || b == '\r' }
