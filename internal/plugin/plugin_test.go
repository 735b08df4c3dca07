package plugin

import (
	"errors"
	"testing"

	"github.com/vitelike/esmgraph/internal/config"
	"github.com/vitelike/esmgraph/internal/resolver"
)

type fakeModule struct {
	url, file string
}

func (m fakeModule) URL() string  { return m.url }
func (m fakeModule) File() string { return m.file }

func TestContainer_ResolveID_FirstNonNilWins(t *testing.T) {
	var calls []string
	a := Plugin{Name: "a", ResolveID: func(ctx *Context, specifier, importer string, opts resolver.Options) (*resolver.ResolvedID, error) {
		calls = append(calls, "a")
		return nil, nil
	}}
	b := Plugin{Name: "b", ResolveID: func(ctx *Context, specifier, importer string, opts resolver.Options) (*resolver.ResolvedID, error) {
		calls = append(calls, "b")
		return &resolver.ResolvedID{ID: "/resolved/from/b"}, nil
	}}
	c := Plugin{Name: "c", ResolveID: func(ctx *Context, specifier, importer string, opts resolver.Options) (*resolver.ResolvedID, error) {
		calls = append(calls, "c")
		return &resolver.ResolvedID{ID: "/resolved/from/c"}, nil
	}}

	container := New([]Plugin{a, b, c}, "serve")
	res, err := container.ResolveID("./x", "/root/main.ts", resolver.Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res == nil || res.ID != "/resolved/from/b" {
		t.Fatalf("expected b's result to win, got %+v", res)
	}
	if len(calls) != 2 || calls[0] != "a" || calls[1] != "b" {
		t.Fatalf("expected a then b to run (c skipped), got %v", calls)
	}
}

func TestContainer_SortsByEnforceTier(t *testing.T) {
	var order []string
	record := func(name string) Plugin {
		return Plugin{Name: name, Load: func(ctx *Context, id string) (string, bool, error) {
			order = append(order, name)
			return "", false, nil
		}}
	}
	post := record("post")
	post.Enforce = config.EnforcePost
	normal := record("normal")
	pre := record("pre")
	pre.Enforce = config.EnforcePre

	container := New([]Plugin{post, normal, pre}, "serve")
	if _, _, err := container.Load("/x.js"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"pre", "normal", "post"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i, name := range want {
		if order[i] != name {
			t.Errorf("position %d: expected %q, got %q", i, name, order[i])
		}
	}
}

func TestContainer_Transform_ChainsCodeThroughAllHooks(t *testing.T) {
	upper := Plugin{Name: "upper", Transform: func(ctx *Context, code, srcMap, id string) (string, string, error) {
		return code + "-upper", "", nil
	}}
	lower := Plugin{Name: "lower", Transform: func(ctx *Context, code, srcMap, id string) (string, string, error) {
		return code + "-lower", "", nil
	}}

	container := New([]Plugin{upper, lower}, "serve")
	code, _, _, err := container.Transform("src", "/x.js")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != "src-upper-lower" {
		t.Fatalf("expected chained transform, got %q", code)
	}
}

func TestContainer_Transform_PropagatesError(t *testing.T) {
	boom := Plugin{Name: "boom", Transform: func(ctx *Context, code, srcMap, id string) (string, string, error) {
		return "", "", errors.New("boom")
	}}
	container := New([]Plugin{boom}, "serve")
	if _, _, _, err := container.Transform("src", "/x.js"); err == nil {
		t.Fatal("expected error to propagate")
	}
}

func TestContainer_HandleHotUpdate_RefinesModuleList(t *testing.T) {
	a := fakeModule{url: "/a.js", file: "/root/a.js"}
	b := fakeModule{url: "/b.js", file: "/root/b.js"}

	dropB := Plugin{Name: "drop-b", HandleHotUpdate: func(ctx *Context, file string, ts int64, modules []ModuleRef, read func() (string, error)) ([]ModuleRef, error) {
		var out []ModuleRef
		for _, m := range modules {
			if m.URL() != "/b.js" {
				out = append(out, m)
			}
		}
		return out, nil
	}}

	container := New([]Plugin{dropB}, "serve")
	refined, err := container.HandleHotUpdate("/root/a.js", 1000, []ModuleRef{a, b}, func() (string, error) { return "", nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(refined) != 1 || refined[0].URL() != "/a.js" {
		t.Fatalf("expected only a.js to remain, got %v", refined)
	}
}

func TestContext_AddWatchFile_DeduplicatesAndIsVisibleAfterCall(t *testing.T) {
	var captured *Context
	p := Plugin{Name: "watcher", Load: func(ctx *Context, id string) (string, bool, error) {
		ctx.AddWatchFile("/root/dep.css")
		ctx.AddWatchFile("/root/dep.css")
		captured = ctx
		return "body{}", true, nil
	}}
	container := New([]Plugin{p}, "serve")
	if _, _, err := container.Load("/x.css"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(captured.ConsumedFiles()) != 1 {
		t.Fatalf("expected deduplicated watch file, got %v", captured.ConsumedFiles())
	}
}

func TestPlugin_ApplyGatesParticipation(t *testing.T) {
	var ran bool
	buildOnly := Plugin{
		Name:  "build-only",
		Apply: func(mode string) bool { return mode == "build" },
		Load: func(ctx *Context, id string) (string, bool, error) {
			ran = true
			return "", false, nil
		},
	}
	container := New([]Plugin{buildOnly}, "serve")
	if _, _, err := container.Load("/x.js"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ran {
		t.Fatal("expected build-only plugin to be skipped in serve mode")
	}
}
