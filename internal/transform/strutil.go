package transform

import "strings"

func indexByte(s string, b byte) int { return strings.IndexByte(s, b) }
func indexOf(s, sub string) int      { return strings.Index(s, sub) }
func trimSpace(s string) string      { return strings.TrimSpace(s) }

func trimSuffixComma(s string) string {
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), ","))
}

func trimPrefixWord(s, word string) string {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, word) {
		rest := trimmed[len(word):]
		if rest == "" || rest[0] == ' ' || rest[0] == '\t' {
			return strings.TrimSpace(rest)
		}
	}
	return trimmed
}

func splitComma(s string) []string { return strings.Split(s, ",") }

func splitFields(s string) []string { return strings.Fields(s) }
