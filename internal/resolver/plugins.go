package resolver

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// nodeBuiltins is the set of Node.js core modules that have no meaning in
// the browser. Bare imports of these resolve to an empty shim unless the
// importing package itself is present in a supplied moduleMap (meaning the
// project vendored a browser polyfill under that name).
var nodeBuiltins = map[string]bool{
	"assert": true, "buffer": true, "child_process": true, "cluster": true,
	"crypto": true, "dgram": true, "dns": true, "domain": true, "events": true,
	"fs": true, "http": true, "https": true, "net": true, "os": true,
	"path": true, "punycode": true, "querystring": true, "readline": true,
	"stream": true, "string_decoder": true, "tls": true, "tty": true,
	"url": true, "util": true, "vm": true, "zlib": true, "module": true,
	"timers": true, "process": true,
}

const emptyShimContents = `
export default {};
export const Buffer = undefined;
`

// ModuleResolvePlugin resolves bare specifiers against moduleMap (package
// name → on-disk directory): splitSpecifier separates the package name from
// the subpath, the package name is looked up in moduleMap by exact match,
// then ResolvePackageEntry (exports-aware) is tried first, falling back to
// esbuild's own resolve from the matched package directory, then an
// importer-aware fallback resolving relative to the importer's own
// directory for nested node_modules cases.
func ModuleResolvePlugin(moduleMap map[string]string, platform string) api.Plugin {
	return api.Plugin{
		Name: "module-resolve",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: `^[^./]`},
				func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					pkgName, subpath := splitSpecifier(args.Path)
					pkgDir, ok := longestPrefixMatch(moduleMap, pkgName)
					if !ok {
						return api.OnResolveResult{}, nil
					}

					if entry := ResolvePackageEntry(pkgDir, subpath, platform); entry != "" {
						return api.OnResolveResult{Path: entry}, nil
					}

					if resolved, ok := tryBuildResolve(build, args.Path, pkgDir); ok {
						return api.OnResolveResult{Path: resolved}, nil
					}

					if args.Importer != "" {
						importerDir := filepath.Dir(args.Importer)
						if resolved, ok := tryBuildResolve(build, args.Path, importerDir); ok {
							return api.OnResolveResult{Path: resolved}, nil
						}
					}

					return api.OnResolveResult{}, nil
				})
		},
	}
}

func tryBuildResolve(build api.PluginBuild, path, resolveDir string) (string, bool) {
	result := build.Resolve(path, api.ResolveOptions{ResolveDir: resolveDir, Kind: api.ResolveJSImportStatement})
	if len(result.Errors) > 0 || result.Path == "" {
		return "", false
	}
	return result.Path, true
}

// splitSpecifier splits a bare import specifier into its package name and
// subpath ("." for the bare import itself), handling scoped packages.
func splitSpecifier(spec string) (pkgName, subpath string) {
	parts := strings.SplitN(spec, "/", 2)
	if strings.HasPrefix(spec, "@") && len(parts) == 2 {
		scoped := strings.SplitN(parts[1], "/", 2)
		pkgName = parts[0] + "/" + scoped[0]
		if len(scoped) == 2 {
			subpath = "./" + scoped[1]
		} else {
			subpath = "."
		}
		return
	}
	pkgName = parts[0]
	if len(parts) == 2 {
		subpath = "./" + parts[1]
	} else {
		subpath = "."
	}
	return
}

func longestPrefixMatch(moduleMap map[string]string, pkgName string) (string, bool) {
	if dir, ok := moduleMap[pkgName]; ok {
		return dir, true
	}
	return "", false
}

// NodeBuiltinEmptyPlugin externalizes (stubs) Node.js core module imports
// with an in-memory empty object. fullModuleMaps, when supplied, let a
// vendored browser polyfill registered under a builtin's own name (e.g. a
// "buffer" shim package) take precedence over the stub.
func NodeBuiltinEmptyPlugin(fullModuleMaps ...map[string]string) api.Plugin {
	return api.Plugin{
		Name: "node-builtin-empty",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: `^[^./]`},
				func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					pkgName, _ := splitSpecifier(strings.TrimPrefix(args.Path, "node:"))
					if !nodeBuiltins[pkgName] {
						return api.OnResolveResult{}, nil
					}
					for _, mm := range fullModuleMaps {
						if _, ok := mm[pkgName]; ok {
							return api.OnResolveResult{}, nil // let ModuleResolvePlugin handle it
						}
					}
					return api.OnResolveResult{Path: args.Path, Namespace: "node-builtin-empty"}, nil
				})
			build.OnLoad(api.OnLoadOptions{Filter: `.*`, Namespace: "node-builtin-empty"},
				func(args api.OnLoadArgs) (api.OnLoadResult, error) {
					contents := emptyShimContents
					return api.OnLoadResult{Contents: &contents, Loader: api.LoaderJS}, nil
				})
		},
	}
}

// UnknownExternalPlugin externalizes any bare specifier not covered by
// singlePkgMap — used during per-package prebundling where each npm
// package is built independently with every OTHER package externalized,
// so cross-package references are resolved by the browser's import map at
// runtime instead of being inlined into every package's bundle. Skips data:
// URIs, which esbuild handles natively; specifiers containing `#` get no
// special treatment and are externalized like any other.
func UnknownExternalPlugin(singlePkgMap map[string]string) api.Plugin {
	return api.Plugin{
		Name: "unknown-external",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: `^[^./]`},
				func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					if strings.HasPrefix(args.Path, "data:") {
						return api.OnResolveResult{}, nil
					}
					pkgName, _ := splitSpecifier(args.Path)
					if _, ok := singlePkgMap[pkgName]; ok {
						return api.OnResolveResult{}, nil
					}
					return api.OnResolveResult{Path: args.Path, External: true}, nil
				})
		},
	}
}

// RawImportPlugin implements Vite's `?raw` import convention: a specifier
// ending in "?raw" loads the target file's contents as a JS string export
// rather than running it through its normal loader. Resolved relative to
// the importer's directory into the "raw-import" namespace, whose OnLoad
// reads the stripped path from disk and returns it with the text loader.
func RawImportPlugin() api.Plugin {
	return api.Plugin{
		Name: "raw-import",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: `\?raw$`},
				func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					stripped := strings.TrimSuffix(args.Path, "?raw")
					dir := filepath.Dir(args.Importer)
					full := filepath.Join(dir, stripped)
					return api.OnResolveResult{Path: full, Namespace: "raw-import"}, nil
				})
			build.OnLoad(api.OnLoadOptions{Filter: `.*`, Namespace: "raw-import"},
				func(args api.OnLoadArgs) (api.OnLoadResult, error) {
					data, err := os.ReadFile(args.Path)
					if err != nil {
						return api.OnLoadResult{}, err
					}
					contents := string(data)
					return api.OnLoadResult{Contents: &contents, Loader: api.LoaderText}, nil
				})
		},
	}
}
