package devserver

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIdToURLPath(t *testing.T) {
	t.Run("file under root", func(t *testing.T) {
		got := idToURLPath("/app", "/", "/app/src/main.ts")
		if got != "/src/main.ts" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("file under root with non-root base", func(t *testing.T) {
		got := idToURLPath("/app", "/base", "/app/src/main.ts")
		if got != "/base/src/main.ts" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("file outside root uses @fs", func(t *testing.T) {
		got := idToURLPath("/app", "/", "/elsewhere/lib.ts")
		if got != "/@fs/elsewhere/lib.ts" {
			t.Errorf("got %q", got)
		}
	})
}

func TestParseProxies(t *testing.T) {
	t.Run("multiple proxies sorted longest-prefix-first", func(t *testing.T) {
		_, prefixes := parseProxies([]string{
			"/api=http://localhost:8080",
			"/api/v2/admin=http://localhost:9090",
			"/api/v2=http://localhost:8081",
		})
		if len(prefixes) != 3 {
			t.Fatalf("expected 3 prefixes, got %v", prefixes)
		}
		if prefixes[0] != "/api/v2/admin" || prefixes[1] != "/api/v2" || prefixes[2] != "/api" {
			t.Errorf("unexpected order: %v", prefixes)
		}
	})

	t.Run("invalid spec skipped", func(t *testing.T) {
		proxies, prefixes := parseProxies([]string{"no-equals-sign"})
		if len(prefixes) != 0 || len(proxies) != 0 {
			t.Errorf("expected nothing parsed, got proxies=%v prefixes=%v", proxies, prefixes)
		}
	})
}

func TestLocalLibraries(t *testing.T) {
	root := t.TempDir()

	withPkgJSON := filepath.Join(root, "published")
	if err := os.MkdirAll(withPkgJSON, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(withPkgJSON, "package.json"), []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}

	workspaceOnly := filepath.Join(root, "workspace-pkg")
	if err := os.MkdirAll(workspaceOnly, 0755); err != nil {
		t.Fatal(err)
	}

	moduleMap := map[string]string{
		"published-pkg": withPkgJSON,
		"@scope/local":  workspaceOnly,
	}

	libs := localLibraries(moduleMap)
	if _, ok := libs["published-pkg"]; ok {
		t.Error("expected package with package.json to be excluded")
	}
	if _, ok := libs["@scope/local"]; !ok {
		t.Error("expected package without package.json to be included")
	}
}

func TestIsAssetExt(t *testing.T) {
	if !isAssetExt(".png") {
		t.Error("expected .png to be an asset extension")
	}
	if isAssetExt(".ts") {
		t.Error("did not expect .ts to be an asset extension")
	}
}
