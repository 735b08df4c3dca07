// Package resolver implements the Resolver (C1) and Package Cache (C2).
package resolver

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/vitelike/esmgraph/internal/errs"
)

// ResolvedID is the Resolver's result: `resolve(specifier, importer?,
// {ssr, scan}) → Option<ResolvedId>`.
type ResolvedID struct {
	ID          string
	External    bool
	SideEffects *bool // nil means "unknown", matching the spec's optional flag
}

// Options carries the per-call ephemera that travel as explicit function
// parameters rather than thread-local state.
type Options struct {
	SSR  bool
	Scan bool
}

// Optimizer is the subset of the dependency pre-optimizer the Resolver
// consults for the cascade's "pre-bundled redirect" step and version-query
// decoration. Declared as an interface here to avoid a resolver↔optimizer
// import cycle; internal/optimizer implements it.
type Optimizer interface {
	ResolveOptimized(bareID string) (cacheFilePath string, ok bool)
	BrowserHash() string
}

// Resolver implements the resolution cascade. aliases come from tsconfig
// path mapping; moduleMap is the bare-specifier → node_modules directory
// map built from the lockfile/moduleconfig.
type Resolver struct {
	Root       string
	Extensions []string
	Aliases    map[string]string
	ModuleMap  map[string]string
	Cache      *Cache
	Dedupe     map[string]bool
	Optimizer  Optimizer
	Platform   string // "browser" or "node"
}

// New builds a Resolver with the given root and default TS/JS extensions.
func New(root string) *Resolver {
	return &Resolver{
		Root:       root,
		Extensions: []string{".mjs", ".js", ".mts", ".ts", ".jsx", ".tsx", ".json"},
		ModuleMap:  map[string]string{},
		Cache:      NewCache(),
		Dedupe:     map[string]bool{},
		Platform:   "browser",
	}
}

// Resolve implements the resolution cascade, first hit wins.
func (r *Resolver) Resolve(specifier, importer string, opts Options) (*ResolvedID, error) {
	// 1. Guard: virtual ids pass through unchanged.
	if strings.HasPrefix(specifier, "\x00") || strings.HasPrefix(specifier, "virtual:") {
		return &ResolvedID{ID: specifier}, nil
	}

	// 2. Pre-bundled redirect.
	if r.Optimizer != nil {
		if path, ok := r.Optimizer.ResolveOptimized(specifier); ok {
			return &ResolvedID{ID: path}, nil
		}
	}

	// 3. Explicit fs-prefix.
	if strings.HasPrefix(specifier, "/@fs/") {
		abs := strings.TrimPrefix(specifier, "/@fs/")
		if !filepath.IsAbs(abs) {
			abs = "/" + abs
		}
		return &ResolvedID{ID: abs}, nil
	}

	// 7. External URL / data URL — checked early since these never touch
	// the filesystem and must not be mistaken for root-absolute paths.
	if isExternalURL(specifier) {
		return &ResolvedID{ID: specifier, External: true}, nil
	}

	// 4. Root-absolute URL.
	if strings.HasPrefix(specifier, "/") && !strings.HasPrefix(specifier, "/@") {
		abs := filepath.Join(r.Root, specifier)
		if resolved := r.tryFs(abs, importer); resolved != "" {
			return &ResolvedID{ID: resolved}, nil
		}
	}

	// tsconfig path aliases, ahead of node-style resolution.
	if alias, rest, ok := matchAlias(r.Aliases, specifier); ok {
		aliasedPath := filepath.Join(r.Root, alias+rest)
		if resolved := r.tryFs(aliasedPath, importer); resolved != "" {
			return &ResolvedID{ID: resolved}, nil
		}
	}

	// 5. Relative.
	if strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../") {
		base := r.Root
		if importer != "" {
			base = filepath.Dir(importer)
		}
		full := filepath.Join(base, specifier)
		if resolved := r.tryFs(full, importer); resolved != "" {
			return &ResolvedID{ID: resolved}, nil
		}
		return nil, errs.Resolution(specifier, importer)
	}

	// 6. Non-drive absolute path.
	if filepath.IsAbs(specifier) {
		if resolved := r.tryFs(specifier, importer); resolved != "" {
			return &ResolvedID{ID: resolved}, nil
		}
	}

	// 8. Bare specifier.
	pkgName, _ := splitSpecifier(specifier)

	if nodeBuiltins[pkgName] {
		if opts.SSR {
			return &ResolvedID{ID: specifier, External: true}, nil
		}
		return &ResolvedID{ID: "\x00node-builtin-stub:" + specifier}, nil
	}

	if resolved, err := r.resolveNode(specifier, importer, opts); err == nil && resolved != nil {
		return resolved, nil
	}

	return nil, errs.Resolution(specifier, importer)
}

// tryFs resolves a path candidate: exact file; file + each extension;
// directory/package.json entry; directory/index.<ext>. For a .js/.mjs/
// .cjs/.jsx specifier resolved from a TS importer, also tries the .ts/.tsx
// sibling so TS-to-TS imports written with the compiled extension still
// resolve to source.
func (r *Resolver) tryFs(path, importer string) string {
	if isFile(path) {
		return path
	}

	ext := filepath.Ext(path)
	if ext != "" && (ext == ".js" || ext == ".mjs" || ext == ".cjs" || ext == ".jsx") && isTSImporter(importer) {
		base := strings.TrimSuffix(path, ext)
		for _, tsExt := range []string{".ts", ".tsx"} {
			if isFile(base + tsExt) {
				return base + tsExt
			}
		}
	}

	for _, e := range r.Extensions {
		if isFile(path + e) {
			return path + e
		}
	}

	if isDir(path) {
		if pj := r.Cache.Lookup(path); pj != nil {
			if entry := ResolvePackageEntry(path, ".", r.Platform); entry != "" {
				return entry
			}
		}
		for _, e := range r.Extensions {
			if isFile(filepath.Join(path, "index"+e)) {
				return filepath.Join(path, "index"+e)
			}
		}
	}

	return ""
}

// resolveNode selects a base directory (root if the package is in the
// dedupe list, else importer's directory, else root),
// walk up node_modules looking for the package, then pick the entry via
// exports/mainFields/main/index fallback.
func (r *Resolver) resolveNode(specifier, importer string, opts Options) (*ResolvedID, error) {
	pkgName, subpath := splitSpecifier(specifier)

	base := r.Root
	if !r.Dedupe[pkgName] && importer != "" {
		base = filepath.Dir(importer)
	}

	pkgDir := ""
	if dir, ok := r.ModuleMap[pkgName]; ok {
		pkgDir = dir
	} else {
		pkgDir = r.walkNodeModules(base, pkgName)
	}
	if pkgDir == "" {
		return nil, errs.Resolution(specifier, importer)
	}

	platform := r.Platform
	if opts.SSR {
		platform = "node"
	}

	if entry := ResolvePackageEntry(pkgDir, subpath, platform); entry != "" {
		return &ResolvedID{ID: r.versionQuery(entry, pkgDir)}, nil
	}

	// main/index fallback for packages without an exports field, subpath ".".
	if subpath == "." {
		for _, candidate := range []string{"index.js", "index.json"} {
			full := filepath.Join(pkgDir, candidate)
			if isFile(full) {
				return &ResolvedID{ID: r.versionQuery(full, pkgDir)}, nil
			}
		}
	}

	return nil, errs.Resolution(specifier, importer)
}

func (r *Resolver) walkNodeModules(base, pkgName string) string {
	dir := base
	for {
		candidate := filepath.Join(dir, "node_modules", pkgName)
		if isDir(candidate) {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// versionQuery decorates a resolved node_modules file with ?v=<browser_hash>
// when the optimizer considers it optimizable.
func (r *Resolver) versionQuery(path, pkgDir string) string {
	if r.Optimizer == nil {
		return path
	}
	if !strings.Contains(path, string(filepath.Separator)+"node_modules"+string(filepath.Separator)) {
		return path
	}
	hash := r.Optimizer.BrowserHash()
	if hash == "" {
		return path
	}
	return path + "?v=" + hash
}

func matchAlias(aliases map[string]string, specifier string) (alias, rest string, ok bool) {
	for prefix, target := range aliases {
		if strings.HasSuffix(prefix, "/") {
			if strings.HasPrefix(specifier, prefix) {
				return target, strings.TrimPrefix(specifier, prefix), true
			}
		} else if specifier == prefix {
			return target, "", true
		}
	}
	return "", "", false
}

func isExternalURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") ||
		strings.HasPrefix(s, "data:") || strings.HasPrefix(s, "//")
}

func isTSImporter(importer string) bool {
	ext := filepath.Ext(importer)
	return ext == ".ts" || ext == ".tsx" || ext == ".mts"
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
