package resolver

import (
	"os"
	"path/filepath"
	"testing"
)

func writePkg(t *testing.T, dir, contents string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestResolvePackageEntry_ExportsSubpath(t *testing.T) {
	dir := t.TempDir()
	writePkg(t, dir, `{
		"name": "pkg",
		"exports": {
			".": { "browser": "./dist/browser.js", "default": "./dist/index.js" },
			"./feature": { "import": "./dist/feature.mjs", "default": "./dist/feature.js" }
		}
	}`)

	got := ResolvePackageEntry(dir, ".", "browser")
	want := filepath.Join(dir, "dist/browser.js")
	if got != want {
		t.Errorf("ResolvePackageEntry(., browser) = %q, want %q", got, want)
	}

	got = ResolvePackageEntry(dir, "./feature", "browser")
	want = filepath.Join(dir, "dist/feature.mjs")
	if got != want {
		t.Errorf("ResolvePackageEntry(./feature, browser) = %q, want %q", got, want)
	}
}

func TestResolvePackageEntry_WildcardSubpath(t *testing.T) {
	dir := t.TempDir()
	writePkg(t, dir, `{
		"name": "pkg",
		"exports": { "./lib/*": "./dist/lib/*.js" }
	}`)

	got := ResolvePackageEntry(dir, "./lib/languages/javascript", "browser")
	want := filepath.Join(dir, "dist/lib/languages/javascript.js")
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestResolvePackageEntry_FallsBackToModuleThenMain(t *testing.T) {
	dir := t.TempDir()
	writePkg(t, dir, `{"name": "pkg", "module": "./esm/index.js", "main": "./cjs/index.js"}`)
	if err := os.MkdirAll(filepath.Join(dir, "esm"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "esm", "index.js"), []byte("export {};"), 0644); err != nil {
		t.Fatal(err)
	}

	got := ResolvePackageEntry(dir, ".", "browser")
	want := filepath.Join(dir, "esm/index.js")
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestResolvePackageEntry_NoRootExportMeansSubpathOnly(t *testing.T) {
	dir := t.TempDir()
	writePkg(t, dir, `{"name": "pkg", "exports": {"./helpers/extends": "./helpers/extends.js"}}`)

	if got := ResolvePackageEntry(dir, ".", "browser"); got != "" {
		t.Errorf("expected empty root resolution, got %q", got)
	}
}

func TestCache_LookupBackfillsIntermediateDirs(t *testing.T) {
	root := t.TempDir()
	writePkg(t, root, `{"name": "root-pkg"}`)
	deep := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(deep, 0755); err != nil {
		t.Fatal(err)
	}

	c := NewCache()
	pj := c.Lookup(deep)
	if pj == nil || pj.Name != "root-pkg" {
		t.Fatalf("expected root-pkg, got %+v", pj)
	}

	// Intermediate directory should now be cached directly without a walk.
	mid := filepath.Join(root, "a", "b")
	pj2 := c.Lookup(mid)
	if pj2 == nil || pj2.Name != "root-pkg" {
		t.Fatalf("expected backfilled root-pkg at %s, got %+v", mid, pj2)
	}
}

func TestExtractPackageName(t *testing.T) {
	cases := map[string]string{
		"node_modules/lodash":             "lodash",
		"node_modules/@scope/pkg":         "@scope/pkg",
		"a/node_modules/@scope/pkg/index": "@scope/pkg",
	}
	for path, want := range cases {
		if got := ExtractPackageName(path); got != want {
			t.Errorf("ExtractPackageName(%q) = %q, want %q", path, got, want)
		}
	}
}
