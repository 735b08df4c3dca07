package deplock

import (
	"os"
	"path/filepath"
	"testing"
)

func writeLockfile(t *testing.T, json string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "package-lock.json")
	if err := os.WriteFile(path, []byte(json), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_TopLevelPackages(t *testing.T) {
	path := writeLockfile(t, `{
		"lockfileVersion": 3,
		"packages": {
			"": {},
			"node_modules/react": {
				"version": "18.2.0",
				"resolved": "https://registry.npmjs.org/react/-/react-18.2.0.tgz",
				"dependencies": {"loose-envify": "^1.1.0"}
			},
			"node_modules/loose-envify": {
				"version": "1.4.0",
				"resolved": "https://registry.npmjs.org/loose-envify/-/loose-envify-1.4.0.tgz"
			}
		}
	}`)

	lf, err := Load(path, false)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(lf.Packages) != 2 {
		t.Fatalf("expected 2 packages, got %d: %+v", len(lf.Packages), lf.Packages)
	}

	var react *Package
	for i := range lf.Packages {
		if lf.Packages[i].Name == "react" {
			react = &lf.Packages[i]
		}
	}
	if react == nil {
		t.Fatal("expected a react package")
	}
	if len(react.Deps) != 1 || react.Deps[0] != "loose-envify" {
		t.Errorf("expected react to depend on loose-envify, got %v", react.Deps)
	}
}

func TestLoad_DevDependencyExcludedWhenNoDev(t *testing.T) {
	path := writeLockfile(t, `{
		"lockfileVersion": 3,
		"packages": {
			"": {},
			"node_modules/typescript": {
				"version": "5.0.0",
				"resolved": "https://registry.npmjs.org/typescript/-/typescript-5.0.0.tgz",
				"dev": true
			}
		}
	}`)

	lf, err := Load(path, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(lf.Packages) != 0 {
		t.Fatalf("expected dev dependency excluded, got %+v", lf.Packages)
	}
}

func TestLoad_VersionConflictPromotesConflictTarget(t *testing.T) {
	path := writeLockfile(t, `{
		"lockfileVersion": 3,
		"packages": {
			"": {},
			"node_modules/zod": {
				"version": "3.22.0",
				"resolved": "https://registry.npmjs.org/zod/-/zod-3.22.0.tgz"
			},
			"node_modules/porto": {
				"version": "1.0.0",
				"resolved": "https://registry.npmjs.org/porto/-/porto-1.0.0.tgz",
				"dependencies": {"zod": "^4.0.0"}
			},
			"node_modules/porto/node_modules/zod": {
				"version": "4.3.6",
				"resolved": "https://registry.npmjs.org/zod/-/zod-4.3.6.tgz"
			}
		}
	}`)

	lf, err := Load(path, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(lf.Conflicts) != 1 {
		t.Fatalf("expected 1 conflict target, got %+v", lf.Conflicts)
	}
	ct := lf.Conflicts[0]
	if ct.PkgName != "zod" || ct.Version != "4.3.6" || ct.TargetName != "zod_v4_3_6" {
		t.Errorf("unexpected conflict target: %+v", ct)
	}

	var porto *Package
	for i := range lf.Packages {
		if lf.Packages[i].Name == "porto" {
			porto = &lf.Packages[i]
		}
	}
	if porto == nil {
		t.Fatal("expected a porto package")
	}
	if porto.NestedDeps["zod"] != "//zod:zod_v4_3_6" {
		t.Errorf("expected porto.NestedDeps[zod] = //zod:zod_v4_3_6, got %q", porto.NestedDeps["zod"])
	}

	names := lf.DedupeNames()
	if len(names) != 1 || names[0] != "zod" {
		t.Errorf("expected DedupeNames() = [zod], got %v", names)
	}
}

func TestBreakCycles_DropsBackEdge(t *testing.T) {
	// a -> b -> a is a cycle; breakCycles must drop one edge so the
	// resulting graph is a DAG.
	packages := []Package{
		{Name: "a", Deps: []string{"b"}},
		{Name: "b", Deps: []string{"a"}},
	}
	breakCycles(packages, nil)

	total := len(packages[0].Deps) + len(packages[1].Deps)
	if total != 1 {
		t.Fatalf("expected exactly one edge to survive cycle breaking, got a=%v b=%v", packages[0].Deps, packages[1].Deps)
	}
}

func TestHash_StableForSameContent(t *testing.T) {
	json := `{"lockfileVersion": 3, "packages": {"": {}}}`
	path1 := writeLockfile(t, json)
	path2 := writeLockfile(t, json)

	lf1, err := Load(path1, false)
	if err != nil {
		t.Fatal(err)
	}
	lf2, err := Load(path2, false)
	if err != nil {
		t.Fatal(err)
	}
	if lf1.Hash() != lf2.Hash() {
		t.Error("expected identical lockfile content to hash identically")
	}
}

func TestLoad_RejectsUnsupportedVersion(t *testing.T) {
	path := writeLockfile(t, `{"lockfileVersion": 1, "packages": {}}`)
	if _, err := Load(path, false); err == nil {
		t.Error("expected an error for lockfileVersion 1")
	}
}
