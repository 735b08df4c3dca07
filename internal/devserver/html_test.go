package devserver

import (
	"strings"
	"testing"
)

func alwaysResolves(string) bool { return true }
func neverResolves(string) bool  { return false }

func TestRewriteHTML_ImportMapInjectedBeforeHead(t *testing.T) {
	html := `<!DOCTYPE html>
<html>
<head>
<title>Test</title>
</head>
<body></body>
</html>`
	importMap := []byte(`{"imports":{"react":"/npm/react"}}`)
	result := rewriteHTML(html, importMap, false, "/app.js", neverResolves)

	if !strings.Contains(result, `<script type="importmap">{"imports":{"react":"/npm/react"}}</script>`) {
		t.Error("expected import map script to be present in output")
	}
	idx := strings.Index(result, `<script type="importmap">`)
	headIdx := strings.Index(result, `</head>`)
	if idx < 0 || headIdx < 0 || idx >= headIdx {
		t.Error("expected import map to be injected before </head>")
	}
}

func TestRewriteHTML_EntryScriptAppendedWhenMissing(t *testing.T) {
	html := `<html><head></head><body></body></html>`
	result := rewriteHTML(html, []byte(`{}`), false, "/app.js", neverResolves)

	if !strings.Contains(result, `<script type="module" src="/app.js"></script>`) {
		t.Error("expected entry script tag to be injected")
	}
}

func TestRewriteHTML_ResolvingScriptSrcLeftAlone(t *testing.T) {
	html := `<html><head></head><body><script type="module" src="/main.ts"></script></body></html>`
	result := rewriteHTML(html, []byte(`{}`), false, "/app.js", alwaysResolves)

	if !strings.Contains(result, `src="/main.ts"`) {
		t.Error("expected resolving script src to be preserved")
	}
	if strings.Contains(result, `src="/app.js"`) {
		t.Error("did not expect entry script to replace a resolving src")
	}
}

func TestRewriteHTML_NonResolvingScriptSrcRewrittenToEntry(t *testing.T) {
	html := `<html><head></head><body><script type="module" src="/missing.ts"></script></body></html>`
	result := rewriteHTML(html, []byte(`{}`), false, "/app.js", neverResolves)

	if strings.Contains(result, `src="/missing.ts"`) {
		t.Error("expected non-resolving script src to be rewritten")
	}
	if !strings.Contains(result, `src="/app.js"`) {
		t.Error("expected rewritten src to point at the entry")
	}
}

func TestRewriteHTML_NonResolvingStylesheetDropped(t *testing.T) {
	html := `<html><head><link rel="stylesheet" href="/missing.css"></head><body></body></html>`
	result := rewriteHTML(html, []byte(`{}`), false, "/app.js", neverResolves)

	if strings.Contains(result, "missing.css") {
		t.Error("expected non-resolving stylesheet link to be dropped")
	}
}

func TestRewriteHTML_ResolvingStylesheetKept(t *testing.T) {
	html := `<html><head><link rel="stylesheet" href="/styles.css"></head><body></body></html>`
	result := rewriteHTML(html, []byte(`{}`), false, "/app.js", alwaysResolves)

	if !strings.Contains(result, `href="/styles.css"`) {
		t.Error("expected resolving stylesheet link to be kept")
	}
}

func TestRewriteHTML_HasRefreshInjectsInitScript(t *testing.T) {
	html := `<html><head></head><body></body></html>`
	result := rewriteHTML(html, []byte(`{}`), true, "/app.js", neverResolves)

	if !strings.Contains(result, `$RefreshReg$`) {
		t.Error("expected refresh init script when hasRefresh=true")
	}
}

func TestRewriteHTML_NoRefreshOmitsInitScript(t *testing.T) {
	html := `<html><head></head><body></body></html>`
	result := rewriteHTML(html, []byte(`{}`), false, "/app.js", neverResolves)

	if strings.Contains(result, `$RefreshReg$`) {
		t.Error("did not expect refresh init script when hasRefresh=false")
	}
}

func TestRewriteHTML_AlwaysInjectsHMRClient(t *testing.T) {
	html := `<div>no head or body tags</div>`
	result := rewriteHTML(html, []byte(`{}`), false, "/app.js", neverResolves)

	if !strings.Contains(result, `"/@hmr"`) {
		t.Error("expected hmr client script to open /@hmr")
	}
	if !strings.HasPrefix(result, `<script type="importmap">`) {
		t.Error("expected import map to be injected at document start when no head/body tags exist")
	}
}
