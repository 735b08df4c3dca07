package resolver

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/evanw/esbuild/pkg/api"
)

// writeFixturePkg writes a minimal CJS-free ESM package under dir/name with
// the given index.js contents and returns the package directory.
func writeFixturePkg(t *testing.T, dir, name, indexJS string) string {
	t.Helper()
	pkgDir := filepath.Join(dir, name)
	if err := os.MkdirAll(pkgDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pkgDir, "index.js"), []byte(indexJS), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pkgDir, "package.json"), []byte(`{"main":"index.js"}`), 0644); err != nil {
		t.Fatal(err)
	}
	return pkgDir
}

func buildWithPlugins(t *testing.T, entry string, moduleMap map[string]string) api.BuildResult {
	t.Helper()
	return api.Build(api.BuildOptions{
		EntryPoints: []string{entry},
		Bundle:      true,
		Write:       false,
		Format:      api.FormatESModule,
		Platform:    api.PlatformBrowser,
		Target:      api.ESNext,
		LogLevel:    api.LogLevelSilent,
		Plugins: []api.Plugin{
			ModuleResolvePlugin(moduleMap, "browser"),
			NodeBuiltinEmptyPlugin(),
			UnknownExternalPlugin(moduleMap),
		},
	})
}

// TestUnknownExternalAndNodeBuiltinStubs covers the resolver's handling of
// unresolvable bare imports and Node builtin subpaths.
func TestUnknownExternalAndNodeBuiltinStubs(t *testing.T) {
	dir := t.TempDir()
	entry := filepath.Join(dir, "entry.js")
	src := `
import "node:fs/promises";
import "fs/promises";
import "stream/web";

import "vue";
import "react-native";
import "@remix-run/react";

console.log("ok");
`
	if err := os.WriteFile(entry, []byte(src), 0644); err != nil {
		t.Fatal(err)
	}

	result := buildWithPlugins(t, entry, map[string]string{})
	if len(result.Errors) > 0 {
		t.Fatalf("build errors: %+v", result.Errors)
	}
	if len(result.OutputFiles) == 0 {
		t.Fatal("no output files")
	}
	out := string(result.OutputFiles[0].Contents)

	for _, pkg := range []string{"vue", "react-native", "@remix-run/react"} {
		if !strings.Contains(out, `"`+pkg+`"`) {
			t.Errorf("expected external import %q preserved in output", pkg)
		}
	}
	for _, builtin := range []string{"node:fs/promises", "fs/promises", "stream/web"} {
		if strings.Contains(out, `from "`+builtin+`"`) {
			t.Errorf("node builtin %q should be empty-stubbed, not imported", builtin)
		}
	}
}

// TestKnownPackagesAreBundledNotExternalized covers the ModuleResolvePlugin
// cascade: a package present in moduleMap resolves and bundles instead of
// falling through to UnknownExternalPlugin.
func TestKnownPackagesAreBundledNotExternalized(t *testing.T) {
	dir := t.TempDir()
	pkgDir := writeFixturePkg(t, dir, "known-pkg", `export const known = "known-value";`)

	entry := filepath.Join(dir, "entry.js")
	src := `import { known } from "known-pkg"; console.log(known);`
	if err := os.WriteFile(entry, []byte(src), 0644); err != nil {
		t.Fatal(err)
	}

	moduleMap := map[string]string{"known-pkg": pkgDir}
	result := buildWithPlugins(t, entry, moduleMap)
	if len(result.Errors) > 0 {
		t.Fatalf("build errors: %+v", result.Errors)
	}
	out := string(result.OutputFiles[0].Contents)

	if strings.Contains(out, `"known-pkg"`) {
		t.Error("known-pkg should be bundled, not left as an external import")
	}
	if !strings.Contains(out, "known-value") {
		t.Error("expected bundled content from known-pkg")
	}
}

// TestScopedPackageSubpathResolution covers splitSpecifier's scoped-package
// handling: a known scoped package resolves even with a subpath, while an
// unknown scoped package is externalized.
func TestScopedPackageSubpathResolution(t *testing.T) {
	dir := t.TempDir()
	pkgDir := writeFixturePkg(t, dir, "known-pkg", `export const known = "known-value";`)
	if err := os.MkdirAll(filepath.Join(pkgDir, "subpath"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pkgDir, "subpath.js"), []byte(`export const sub = "sub-value";`), 0644); err != nil {
		t.Fatal(err)
	}

	entry := filepath.Join(dir, "entry.js")
	src := `
import "@remix-run/react";
import "@known-scope/known-pkg/subpath.js";
console.log("ok");
`
	if err := os.WriteFile(entry, []byte(src), 0644); err != nil {
		t.Fatal(err)
	}

	moduleMap := map[string]string{"@known-scope/known-pkg": pkgDir}
	result := buildWithPlugins(t, entry, moduleMap)
	if len(result.Errors) > 0 {
		t.Fatalf("build errors: %+v", result.Errors)
	}
	out := string(result.OutputFiles[0].Contents)

	if !strings.Contains(out, `"@remix-run/react"`) {
		t.Error("@remix-run/react is unknown, should be external")
	}
	if strings.Contains(out, `"@known-scope/known-pkg/subpath.js"`) {
		t.Error("@known-scope/known-pkg/subpath.js is known, should not be external")
	}
	if !strings.Contains(out, "sub-value") {
		t.Error("expected subpath module to be bundled")
	}
}
