package transform

import "testing"

func TestScanSpecifiers_DefaultImport(t *testing.T) {
	code := `import React from "react";`
	found := scanSpecifiers(code)
	if len(found) != 1 {
		t.Fatalf("expected 1 specifier, got %d: %+v", len(found), found)
	}
	if found[0].kind != kindImportFrom || found[0].specifier != "react" {
		t.Fatalf("unexpected specifier: %+v", found[0])
	}
}

func TestScanSpecifiers_BareImport(t *testing.T) {
	code := `import "./styles.css";`
	found := scanSpecifiers(code)
	if len(found) != 1 || found[0].kind != kindBareImport || found[0].specifier != "./styles.css" {
		t.Fatalf("unexpected result: %+v", found)
	}
}

func TestScanSpecifiers_ExportFrom(t *testing.T) {
	code := `export { a, b as c } from "./util.js";`
	found := scanSpecifiers(code)
	if len(found) != 1 || found[0].kind != kindExportFrom {
		t.Fatalf("unexpected result: %+v", found)
	}
	if found[0].clause != "{ a, b as c }" {
		t.Fatalf("unexpected clause: %q", found[0].clause)
	}
}

func TestScanSpecifiers_DynamicLiteral(t *testing.T) {
	code := `const mod = await import("./lazy.js");`
	found := scanSpecifiers(code)
	if len(found) != 1 || found[0].kind != kindDynamicLiteral || found[0].specifier != "./lazy.js" {
		t.Fatalf("unexpected result: %+v", found)
	}
}

func TestScanSpecifiers_Multiple(t *testing.T) {
	code := `import React from "react";
import { useState, useEffect } from "react";
import "./base.css";
export * from "./reexport.js";
`
	found := scanSpecifiers(code)
	if len(found) != 4 {
		t.Fatalf("expected 4 specifiers, got %d: %+v", len(found), found)
	}
}

func TestParseImportClause_Default(t *testing.T) {
	def, ns, named := parseImportClause("React")
	if def != "React" || ns != "" || len(named) != 0 {
		t.Fatalf("unexpected: def=%q ns=%q named=%v", def, ns, named)
	}
}

func TestParseImportClause_Named(t *testing.T) {
	_, _, named := parseImportClause("{ useState, useEffect as useFX }")
	if len(named) != 2 {
		t.Fatalf("expected 2 named imports, got %v", named)
	}
	if named[0].imported != "useState" || named[0].local != "useState" {
		t.Fatalf("unexpected first named import: %+v", named[0])
	}
	if named[1].imported != "useEffect" || named[1].local != "useFX" {
		t.Fatalf("unexpected second named import: %+v", named[1])
	}
}

func TestParseImportClause_DefaultAndNamed(t *testing.T) {
	def, _, named := parseImportClause("Default, { a, b as c }")
	if def != "Default" {
		t.Fatalf("expected default %q, got %q", "Default", def)
	}
	if len(named) != 2 {
		t.Fatalf("expected 2 named imports, got %v", named)
	}
}

func TestParseImportClause_Namespace(t *testing.T) {
	def, ns, named := parseImportClause("* as ReactAll")
	if def != "" || ns != "ReactAll" || len(named) != 0 {
		t.Fatalf("unexpected: def=%q ns=%q named=%v", def, ns, named)
	}
}

func TestParseImportClause_DefaultAndNamespace(t *testing.T) {
	def, ns, _ := parseImportClause("Default, * as ns")
	if def != "Default" || ns != "ns" {
		t.Fatalf("unexpected: def=%q ns=%q", def, ns)
	}
}
