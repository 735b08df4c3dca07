// Package optimizer turns the many small CJS-or-ESM files under
// node_modules into a small set of pre-bundled ESM artifacts under a
// cache directory.
package optimizer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"golang.org/x/sync/errgroup"

	"github.com/vitelike/esmgraph/internal/cjsfixup"
	"github.com/vitelike/esmgraph/internal/errs"
	"github.com/vitelike/esmgraph/internal/log"
	"github.com/vitelike/esmgraph/internal/resolver"
	"github.com/vitelike/esmgraph/internal/transport"
)

// depLoaders excludes the file loader: pre-bundling writes to memory
// (Write: false), and the file loader requires an output path on disk.
var depLoaders = func() map[string]api.Loader {
	m := make(map[string]api.Loader, len(resolver.Loaders))
	for ext, loader := range resolver.Loaders {
		if loader != api.LoaderFile {
			m[ext] = loader
		}
	}
	return m
}()

// Status is a discovered dependency's bundling state.
type Status int

const (
	StatusDiscovered Status = iota
	StatusOptimized
)

// depInfo is one entry in the optimizer's metadata.
type depInfo struct {
	Status       Status
	FileHash     string
	NeedsInterop bool
	pending      chan struct{} // closed when a discovered dep finishes bundling
}

// Metadata is the persisted cache-validity record: the cache-key hash,
// mode, root, include/exclude lists and the browser hash.
type Metadata struct {
	Hash        string   `json:"hash"`
	Mode        string   `json:"mode"`
	Root        string   `json:"root"`
	Include     []string `json:"include"`
	Exclude     []string `json:"exclude"`
	BrowserHash string   `json:"browserHash"`
}

// Optimizer owns the in-memory dep cache and on-disk prebundle cache for a
// single dev-server run.
type Optimizer struct {
	mu sync.RWMutex

	Root       string
	CacheDir   string
	ModuleMap  map[string]string // package name -> node_modules dir
	Include    []string
	Exclude    []string
	Mode       string
	Define     map[string]string
	NodePath   string // empty disables Node-based CJS export detection
	Hold       bool   // true: withhold result until crawl-end signal

	// Transport receives a full-reload notification whenever a completed
	// Run changes the browser hash after the optimizer has already served
	// at least one generation of bundles. Nil is valid (e.g. the
	// prebundle CLI command never serves a browser) and disables
	// notification entirely.
	Transport *transport.Broadcaster

	deps        map[string]*depInfo // bare specifier -> info
	importMap   map[string]string   // bare specifier -> /@deps/ url
	depCache    map[string]string   // url -> bundled source
	metadata    Metadata
	browserHash string
	hasRun      bool // true once Run has completed at least once

	rerunTimer *time.Timer
	crawlEnded bool
	released   bool
}

// New builds an Optimizer for a resolved module map.
func New(root, cacheDir string, moduleMap map[string]string) *Optimizer {
	return &Optimizer{
		Root:      root,
		CacheDir:  cacheDir,
		ModuleMap: moduleMap,
		Mode:      "development",
		Define:    map[string]string{},
		deps:      map[string]*depInfo{},
		importMap: map[string]string{},
		depCache:  map[string]string{},
	}
}

// CacheKey computes hash = H(lockfile bytes ‖ config), where config is the
// mode, root, module map and include/exclude lists. Only the lockfile's
// content is hashed: neither its mtime nor the mtime of a patches directory
// is part of the key.
func (o *Optimizer) CacheKey(lockfilePath string) string {
	h := sha256.New()
	if data, err := os.ReadFile(lockfilePath); err == nil {
		h.Write(data)
	}
	h.Write([]byte(o.Mode))
	h.Write([]byte(o.Root))
	keys := make([]string, 0, len(o.ModuleMap))
	for k := range o.ModuleMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\n", k, o.ModuleMap[k])
	}
	incl := append([]string{}, o.Include...)
	excl := append([]string{}, o.Exclude...)
	sort.Strings(incl)
	sort.Strings(excl)
	for _, s := range incl {
		h.Write([]byte("+" + s + "\n"))
	}
	for _, s := range excl {
		h.Write([]byte("-" + s + "\n"))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// LoadCache loads a previously-written metadata file and, if its hash
// matches the freshly computed one, reuses the cache verbatim; otherwise
// the caller should call Run to rebuild.
func (o *Optimizer) LoadCache(lockfilePath string) (fresh bool, err error) {
	key := o.CacheKey(lockfilePath)
	o.mu.Lock()
	o.metadata.Hash = key
	o.mu.Unlock()

	metaPath := filepath.Join(o.CacheDir, "_metadata.json")
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return false, nil
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return false, nil
	}
	if meta.Hash != key {
		return false, nil
	}

	importMapData, err := os.ReadFile(filepath.Join(o.CacheDir, "_importmap.json"))
	if err != nil {
		return false, nil
	}
	var im struct {
		Imports map[string]string `json:"imports"`
	}
	if err := json.Unmarshal(importMapData, &im); err != nil {
		return false, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.importMap = im.Imports
	o.metadata = meta
	o.browserHash = meta.BrowserHash
	err = filepath.Walk(o.CacheDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() {
			return nil
		}
		name := fi.Name()
		if name == "_metadata.json" || name == "_importmap.json" {
			return nil
		}
		rel, relErr := filepath.Rel(o.CacheDir, path)
		if relErr != nil {
			return nil
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		o.depCache["/@deps/"+filepath.ToSlash(rel)] = string(data)
		return nil
	})
	return true, err
}

// entryPointsForPackage collects esbuild entry points for one package: only
// its main (".") entry, falling back to index.js. Subpath exports are not
// added as entry points.
func entryPointsForPackage(pkgName, pkgDir string) ([]api.EntryPoint, map[string]string) {
	absPkgDir, err := filepath.Abs(pkgDir)
	if err != nil {
		return nil, nil
	}
	if _, err := os.Stat(filepath.Join(absPkgDir, "package.json")); err != nil {
		return nil, nil // local js_library, not an npm package — served via /@lib/
	}

	var entryPoints []api.EntryPoint
	importMap := make(map[string]string)

	addSpec := func(spec, subpath string) {
		if strings.HasSuffix(spec, "/") {
			return
		}
		ep := resolver.ResolvePackageEntry(absPkgDir, subpath, "browser")
		if ep == "" && subpath == "." {
			if candidate := filepath.Join(absPkgDir, "index.js"); fileExists(candidate) {
				ep = candidate
			}
		}
		if ep == "" {
			return
		}
		entryPoints = append(entryPoints, api.EntryPoint{InputPath: ep, OutputPath: spec})
		importMap[spec] = "/@deps/" + spec + ".js"
	}

	addSpec(pkgName, ".")
	return entryPoints, importMap
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

type buildResult struct {
	pkgName   string
	depCache  map[string]string
	importMap map[string]string
	// externalInterop holds every bare specifier FixDynamicRequires found
	// proof of CJS shape for while repairing this package's bundle — fed
	// back into the merged run's depInfo.NeedsInterop bookkeeping rather
	// than discarded.
	externalInterop map[string]bool
	err             error
}

// bundlePackage runs a single per-package esbuild build with every other
// package externalized, then applies the cjsfixup artifact-level repairs.
func (o *Optimizer) bundlePackage(pkgName, pkgDir, outdir string) buildResult {
	entryPoints, importMap := entryPointsForPackage(pkgName, pkgDir)
	if len(entryPoints) == 0 {
		return buildResult{pkgName: pkgName}
	}

	singlePkgMap := map[string]string{pkgName: pkgDir}
	absPkgDir, _ := filepath.Abs(pkgDir)
	if entries, err := os.ReadDir(filepath.Join(absPkgDir, "node_modules")); err == nil {
		for _, e := range entries {
			if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			if strings.HasPrefix(e.Name(), "@") {
				scoped, _ := os.ReadDir(filepath.Join(absPkgDir, "node_modules", e.Name()))
				for _, se := range scoped {
					if se.IsDir() {
						singlePkgMap[e.Name()+"/"+se.Name()] = filepath.Join(absPkgDir, "node_modules", e.Name(), se.Name())
					}
				}
			} else {
				singlePkgMap[e.Name()] = filepath.Join(absPkgDir, "node_modules", e.Name())
			}
		}
	}

	result := api.Build(api.BuildOptions{
		EntryPointsAdvanced: entryPoints,
		Bundle:              true,
		Write:               false,
		Format:              api.FormatESModule,
		Splitting:           true,
		ChunkNames:          pkgName + "/chunk-[hash]",
		Platform:            api.PlatformBrowser,
		Target:              api.ESNext,
		Outdir:              outdir,
		LogLevel:            api.LogLevelSilent,
		Define:              o.Define,
		IgnoreAnnotations:   true,
		Plugins: []api.Plugin{
			resolver.ModuleResolvePlugin(singlePkgMap, "browser"),
			resolver.NodeBuiltinEmptyPlugin(o.ModuleMap),
			resolver.UnknownExternalPlugin(singlePkgMap),
		},
		Loader: depLoaders,
	})
	if len(result.Errors) > 0 {
		var msgs []string
		for _, e := range result.Errors {
			msgs = append(msgs, e.Text)
		}
		return buildResult{pkgName: pkgName, err: fmt.Errorf("%s", strings.Join(msgs, "; "))}
	}

	depCache := make(map[string][]byte)
	for _, f := range result.OutputFiles {
		rel, err := filepath.Rel(outdir, f.Path)
		if err != nil {
			rel = filepath.Base(f.Path)
		}
		depCache["/@deps/"+filepath.ToSlash(rel)] = f.Contents
	}

	var knownExports map[string][]string
	if o.NodePath != "" {
		entryMap := make(map[string]string)
		for _, ep := range entryPoints {
			entryMap[ep.OutputPath] = ep.InputPath
		}
		if nodeExports, _ := cjsfixup.DetectExports(o.NodePath, entryMap); nodeExports != nil {
			knownExports = make(map[string][]string)
			for spec, exports := range nodeExports {
				if exports != nil {
					knownExports[importMap[spec]] = exports
				}
			}
		}
	}

	cjsfixup.AddNamedExports(depCache, knownExports)
	externalInterop := cjsfixup.FixDynamicRequires(depCache)

	strCache := make(map[string]string, len(depCache))
	for k, v := range depCache {
		strCache[k] = string(v)
	}
	return buildResult{pkgName: pkgName, depCache: strCache, importMap: importMap, externalInterop: externalInterop}
}

// Run bundles every package in o.ModuleMap in parallel (bounded by
// runtime.NumCPU), merges results, computes the browser hash, and persists
// the cache to disk. This is the eager all-mode variant; RegisterMissingImport
// handles the discovered-during-session case separately.
func (o *Optimizer) Run(ctx context.Context) error {
	outdir, _ := filepath.Abs(filepath.Join(o.CacheDir, ".processing"))
	defer os.RemoveAll(outdir)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	_ = gctx

	var mu sync.Mutex
	mergedDeps := map[string]string{}
	mergedImportMap := map[string]string{}
	mergedInterop := map[string]bool{}
	var failed []string

	for pkgName, pkgDir := range o.ModuleMap {
		name, dir := pkgName, pkgDir
		if isLocalLibrary(dir) {
			continue
		}
		g.Go(func() error {
			res := o.bundlePackage(name, dir, outdir)
			mu.Lock()
			defer mu.Unlock()
			if res.err != nil {
				failed = append(failed, name)
				log.Warnf("skipping %s: %v\n", name, res.err)
				return nil
			}
			for k, v := range res.depCache {
				mergedDeps[k] = v
			}
			for k, v := range res.importMap {
				mergedImportMap[k] = v
			}
			for spec := range res.externalInterop {
				mergedInterop[spec] = true
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	addPrefixImportMapEntries(mergedImportMap)

	o.mu.Lock()
	oldHash := o.browserHash
	hadRun := o.hasRun
	o.depCache = mergedDeps
	o.importMap = mergedImportMap
	o.browserHash = computeBrowserHash(mergedDeps)
	o.hasRun = true
	newHash := o.browserHash
	transp := o.Transport
	for spec := range mergedImportMap {
		o.deps[spec] = &depInfo{Status: StatusOptimized}
	}
	for spec := range mergedInterop {
		if info, ok := o.deps[spec]; ok {
			info.NeedsInterop = true
		}
	}
	o.mu.Unlock()

	// A rerun that changes the bundled dep set after the browser already
	// has a generation of bundles loaded can't be reconciled by HMR (the
	// import map itself shifted), so the client reloads from scratch
	// instead of applying an update.
	if hadRun && transp != nil && newHash != oldHash {
		transp.Send(transport.Message{Type: "full-reload", TriggeredBy: "optimizer"})
	}

	if len(failed) > 0 {
		sort.Strings(failed)
		log.Warnf("skipped %d broken deps: %s\n", len(failed), strings.Join(failed, ", "))
	}

	return o.persist()
}

func isLocalLibrary(pkgDir string) bool {
	absPkgDir, _ := filepath.Abs(pkgDir)
	_, err := os.Stat(filepath.Join(absPkgDir, "package.json"))
	return err != nil
}

func computeBrowserHash(depCache map[string]string) string {
	keys := make([]string, 0, len(depCache))
	for k := range depCache {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte(depCache[k]))
	}
	return hex.EncodeToString(h.Sum(nil))[:10]
}

// addPrefixImportMapEntries adds trailing-slash prefix entries per
// package, letting the browser resolve a deep subpath that wasn't
// explicitly pre-bundled via prefix matching (exact entries still win).
func addPrefixImportMapEntries(importMap map[string]string) {
	pkgs := map[string]bool{}
	for spec := range importMap {
		if strings.HasSuffix(spec, "/") {
			continue
		}
		pkgs[packageNameFromSpec(spec)] = true
	}
	for pkg := range pkgs {
		key := pkg + "/"
		if _, ok := importMap[key]; !ok {
			importMap[key] = "/@deps/" + pkg + "/"
		}
	}
}

func packageNameFromSpec(spec string) string {
	if strings.HasPrefix(spec, "@") {
		parts := strings.SplitN(spec, "/", 3)
		if len(parts) >= 2 {
			return parts[0] + "/" + parts[1]
		}
		return spec
	}
	return strings.SplitN(spec, "/", 2)[0]
}

func (o *Optimizer) persist() error {
	if err := os.MkdirAll(o.CacheDir, 0755); err != nil {
		return err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()

	imJSON, err := json.Marshal(map[string]any{"imports": o.importMap})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(o.CacheDir, "_importmap.json"), imJSON, 0644); err != nil {
		return err
	}
	for urlPath, code := range o.depCache {
		rel := strings.TrimPrefix(urlPath, "/@deps/")
		full := filepath.Join(o.CacheDir, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(full, []byte(code), 0644); err != nil {
			return err
		}
	}
	meta := Metadata{
		Hash:        o.metadata.Hash,
		Mode:        o.Mode,
		Root:        o.Root,
		Include:     o.Include,
		Exclude:     o.Exclude,
		BrowserHash: o.browserHash,
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(o.CacheDir, "_metadata.json"), metaJSON, 0644)
}

// ResolveOptimized implements resolver.Optimizer: a bare specifier already
// bundled redirects straight to its cached artifact path.
func (o *Optimizer) ResolveOptimized(bareID string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	path, ok := o.importMap[bareID]
	return path, ok
}

// BrowserHash implements resolver.Optimizer / transform.Optimizer.
func (o *Optimizer) BrowserHash() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.browserHash
}

// NeedsInterop implements transform.Optimizer: true when the bundled
// dep's module-syntax/exports data disagrees with what a plain ESM
// consumer would expect, so importers must go through the default-import
// + property-read rewrite instead of a direct named import.
func (o *Optimizer) NeedsInterop(resolvedID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for spec, url := range o.importMap {
		if url == resolvedID {
			if info, ok := o.deps[spec]; ok {
				return info.NeedsInterop
			}
		}
	}
	return false
}

// RegisterMissingImport adds a not-yet-bundled bare specifier discovered
// mid-session as a pending discovery and schedules a debounced rerun.
// Returns a channel that closes once the specifier's rerun completes, so
// callers can block a request for it.
func (o *Optimizer) RegisterMissingImport(spec, resolvedDir string) <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()

	if info, ok := o.deps[spec]; ok {
		if info.pending != nil {
			return info.pending
		}
		done := make(chan struct{})
		close(done)
		return done
	}

	pending := make(chan struct{})
	o.deps[spec] = &depInfo{Status: StatusDiscovered, pending: pending}
	o.ModuleMap[spec] = resolvedDir

	if o.rerunTimer != nil {
		o.rerunTimer.Stop()
	}
	o.rerunTimer = time.AfterFunc(100*time.Millisecond, func() {
		runErr := o.Run(context.Background())
		if runErr != nil {
			log.Warnf("rerun failed: %v\n", errs.Optimizer(runErr))
		}

		o.mu.Lock()
		for s, d := range o.deps {
			if d.pending != nil {
				close(d.pending)
				d.pending = nil
			}
			// A failed rerun leaves the bundle state unchanged, so a
			// still-discovered spec (never promoted to StatusOptimized)
			// is dropped and retried from scratch on its next import.
			if runErr != nil && d.Status == StatusDiscovered {
				delete(o.deps, s)
			}
		}
		o.mu.Unlock()
	})

	return pending
}

// MarkCrawlEnded signals the HMR engine's first-idle event, the
// hold-until-crawl-end strategy's trigger. In Hold mode the first call runs
// the real bundle via Run; in Release mode, or once already released, it is
// a no-op.
func (o *Optimizer) MarkCrawlEnded(ctx context.Context) error {
	o.mu.Lock()
	o.crawlEnded = true
	hold := o.Hold
	released := o.released
	o.mu.Unlock()

	if !hold || released {
		return nil
	}
	o.mu.Lock()
	o.released = true
	o.mu.Unlock()
	return o.Run(ctx)
}

// CleanStaleTemp removes any `*_temp_*`/`.processing*` directory under the
// cache dir older than 24 hours, in the background.
func (o *Optimizer) CleanStaleTemp() {
	go func() {
		entries, err := os.ReadDir(o.CacheDir)
		if err != nil {
			return
		}
		cutoff := time.Now().Add(-24 * time.Hour)
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			name := e.Name()
			if !strings.Contains(name, "_temp_") && !strings.HasPrefix(name, ".processing") {
				continue
			}
			info, err := e.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			os.RemoveAll(filepath.Join(o.CacheDir, name))
		}
	}()
}

// ImportMap returns a copy of the bare-specifier -> /@deps/ URL table, for
// injecting into the served HTML's <script type="importmap">.
func (o *Optimizer) ImportMap() map[string]string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]string, len(o.importMap))
	for k, v := range o.importMap {
		out[k] = v
	}
	return out
}

// DepSource returns the pre-bundled source for a /@deps/ URL path, as
// served directly from the in-memory cache.
func (o *Optimizer) DepSource(urlPath string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	code, ok := o.depCache[urlPath]
	return code, ok
}

// HasPackage reports whether spec is a known bare specifier in the import
// map, e.g. to detect whether react-refresh was discovered and bundled.
func (o *Optimizer) HasPackage(spec string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.importMap[spec]
	return ok
}
