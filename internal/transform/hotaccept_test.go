package transform

import "testing"

func TestScanHotAcceptCalls_SelfAcceptingNoArgs(t *testing.T) {
	code := `import.meta.hot.accept();`
	results, err := scanHotAcceptCalls(code)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || !results[0].isSelfAccepting {
		t.Fatalf("expected one self-accepting result, got %+v", results)
	}
}

func TestScanHotAcceptCalls_SelfAcceptingWithCallback(t *testing.T) {
	code := `import.meta.hot.accept((mod) => { console.log(mod); });`
	results, err := scanHotAcceptCalls(code)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || !results[0].isSelfAccepting {
		t.Fatalf("expected self-accepting (callback-only), got %+v", results)
	}
}

func TestScanHotAcceptCalls_SingleDepString(t *testing.T) {
	code := `import.meta.hot.accept('./dep.js', (mod) => {});`
	results, err := scanHotAcceptCalls(code)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].isSelfAccepting {
		t.Fatalf("expected dependency accept, got %+v", results)
	}
	if len(results[0].deps) != 1 || results[0].deps[0] != "./dep.js" {
		t.Fatalf("expected dep './dep.js', got %v", results[0].deps)
	}
}

func TestScanHotAcceptCalls_ArrayOfDeps(t *testing.T) {
	code := `import.meta.hot.accept(["./a.js", "./b.js"], (mods) => {});`
	results, err := scanHotAcceptCalls(code)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected one result, got %d", len(results))
	}
	if len(results[0].deps) != 2 || results[0].deps[0] != "./a.js" || results[0].deps[1] != "./b.js" {
		t.Fatalf("expected [./a.js ./b.js], got %v", results[0].deps)
	}
}

func TestScanHotAcceptCalls_AcceptExports(t *testing.T) {
	code := `import.meta.hot.acceptExports(["foo", "bar"], (mod) => {});`
	results, err := scanHotAcceptCalls(code)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || !results[0].isExports {
		t.Fatalf("expected acceptExports result, got %+v", results)
	}
	if len(results[0].deps) != 2 {
		t.Fatalf("expected 2 export names, got %v", results[0].deps)
	}
}

func TestScanHotAcceptCalls_TemplateInterpolationRejected(t *testing.T) {
	code := "import.meta.hot.accept([`./${name}.js`], () => {});"
	if _, err := scanHotAcceptCalls(code); err == nil {
		t.Fatal("expected an error for template interpolation in dep list")
	}
}

func TestScanHotAcceptCalls_NoCalls(t *testing.T) {
	results, err := scanHotAcceptCalls("export const x = 1;")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results, got %v", results)
	}
}
