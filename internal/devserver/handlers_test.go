package devserver

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vitelike/esmgraph/internal/config"
)

func newTestServer(t *testing.T, root string) *Server {
	t.Helper()
	cfg, err := config.Load(config.Options{Root: root})
	if err != nil {
		t.Fatal(err)
	}
	srv, err := New(cfg, Options{Entry: filepath.Join(root, "main.ts")})
	if err != nil {
		t.Fatal(err)
	}
	return srv
}

func TestHandleSource_ServesAndCachesTransform(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "main.ts"), []byte(`export const x = 1;`), 0644); err != nil {
		t.Fatal(err)
	}
	srv := newTestServer(t, root)

	req := httptest.NewRequest("GET", "/main.ts", nil)
	rec := httptest.NewRecorder()
	srv.handleSource(rec, req, "/main.ts", time.Now())

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/javascript" {
		t.Errorf("expected application/javascript, got %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "x") {
		t.Errorf("expected transformed body to retain the export, got:\n%s", body)
	}

	// Second request should be served from the module's cached TransformResult.
	req2 := httptest.NewRequest("GET", "/main.ts", nil)
	rec2 := httptest.NewRecorder()
	srv.handleSource(rec2, req2, "/main.ts", time.Now())
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected cached request to also return 200, got %d", rec2.Code)
	}
	if rec2.Body.String() != body {
		t.Error("expected cached response body to match first transform")
	}
}

func TestHandleSource_MissingFile404s(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "main.ts"), []byte(`export const x = 1;`), 0644); err != nil {
		t.Fatal(err)
	}
	srv := newTestServer(t, root)

	req := httptest.NewRequest("GET", "/missing.ts", nil)
	rec := httptest.NewRecorder()
	srv.handleSource(rec, req, "/missing.ts", time.Now())

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleCSSModule_WrapsContentInJSTemplate(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "main.ts"), []byte(`export const x = 1;`), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "styles.css"), []byte(`body { color: red; }`), 0644); err != nil {
		t.Fatal(err)
	}
	srv := newTestServer(t, root)

	req := httptest.NewRequest("GET", "/styles.css", nil)
	rec := httptest.NewRecorder()
	srv.handleCSSModule(rec, req, "/styles.css", time.Now())

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, "document.createElement('style')") {
		t.Error("expected css module template wrapper")
	}
	if !strings.Contains(body, "color: red") {
		t.Error("expected the css content to be embedded")
	}
}

func TestHandleAssetModule_DefaultExportsURL(t *testing.T) {
	root := t.TempDir()
	srv := newTestServer(t, root)

	req := httptest.NewRequest("GET", "/logo.png", nil)
	rec := httptest.NewRecorder()
	srv.handleAssetModule(rec, req, "/logo.png", time.Now())

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); body != `export default "/logo.png";`+"\n" {
		t.Errorf("unexpected body: %q", body)
	}
}

func TestPackageNameFromSpec(t *testing.T) {
	cases := map[string]string{
		"lodash":              "lodash",
		"lodash/debounce":     "lodash",
		"@scope/pkg":          "@scope/pkg",
		"@scope/pkg/sub/path": "@scope/pkg",
	}
	for spec, want := range cases {
		if got := packageNameFromSpec(spec); got != want {
			t.Errorf("packageNameFromSpec(%q) = %q, want %q", spec, got, want)
		}
	}
}

func TestWriteTransformError_Returns200WithConsoleError(t *testing.T) {
	root := t.TempDir()
	srv := newTestServer(t, root)

	rec := httptest.NewRecorder()
	srv.writeTransformError(rec, "/broken.ts", errDummy("syntax error"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "console.error") {
		t.Error("expected a console.error call in the error module body")
	}
	if !strings.Contains(rec.Body.String(), "/broken.ts") {
		t.Error("expected the failing path to be named in the error message")
	}
}

type errDummy string

func (e errDummy) Error() string { return string(e) }
