// Package deplock parses an npm package-lock.json (lockfileVersion 2/3),
// resolves version conflicts between nested and top-level dependencies via
// a unified dependency graph, and breaks cycles with DFS white/gray/black
// coloring. tools/please_js/resolve uses this to emit BUILD files; the live
// dev server reuses it for the Resolver's dedupe set.
package deplock

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/vitelike/esmgraph/internal/log"
)

// Package is a single resolved npm dependency, either top-level or
// promoted from a nested-only position.
type Package struct {
	Name       string            // npm package name or alias
	RealName   string            // real npm package name if aliased; empty if not aliased
	Version    string
	Resolved   string            // tarball URL
	Deps       []string          // dependency package names
	Dev        bool              // dev-only dependency
	NestedDeps map[string]string // import name -> conflict target name, for version-conflict deps
}

// TargetName returns the last path component of a scoped package name
// ("@scope/pkg" -> "pkg").
func (p Package) TargetName() string {
	if strings.Contains(p.Name, "/") {
		parts := strings.Split(p.Name, "/")
		return parts[len(parts)-1]
	}
	return p.Name
}

// EffectivePkgName returns the real npm package name if aliased, otherwise
// the name it was resolved under.
func (p Package) EffectivePkgName() string {
	if p.RealName != "" {
		return p.RealName
	}
	return p.Name
}

// ConflictTarget is an additional version of a package forced into
// existence by a nested dependency whose version disagrees with the
// top-level resolution.
type ConflictTarget struct {
	Dir        string
	TargetName string // version-qualified, e.g. "zod_v4_3_6"
	PkgName    string
	Version    string
	Deps       []string
}

// Lockfile is the parsed and conflict-resolved form of a package-lock.json.
type Lockfile struct {
	Packages  []Package
	Conflicts []ConflictTarget

	raw []byte
}

type packageLock struct {
	LockfileVersion int                    `json:"lockfileVersion"`
	Packages        map[string]packageInfo `json:"packages"`
}

type peerDepMeta struct {
	Optional bool `json:"optional"`
}

type packageInfo struct {
	Version              string                 `json:"version"`
	Resolved             string                 `json:"resolved"`
	Integrity            string                 `json:"integrity"`
	Dependencies         map[string]string      `json:"dependencies"`
	PeerDependencies     map[string]string      `json:"peerDependencies"`
	PeerDependenciesMeta map[string]peerDepMeta `json:"peerDependenciesMeta"`
	Dev                  bool                   `json:"dev"`
	Optional             bool                   `json:"optional"`
}

// Load parses the lockfile at path, resolves nested/top-level version
// conflicts, and breaks any cycles in the resulting dependency graph.
// noDev excludes devDependencies-only packages, for the resolve
// subcommand's --no-dev flag.
func Load(path string, noDev bool) (*Lockfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lockfile: %w", err)
	}

	var lock packageLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("failed to parse lockfile: %w", err)
	}
	if lock.LockfileVersion != 2 && lock.LockfileVersion != 3 {
		return nil, fmt.Errorf("unsupported lockfile version %d (expected 2 or 3)", lock.LockfileVersion)
	}

	packages, conflicts := collectPackages(lock.Packages, noDev)
	breakCycles(packages, conflicts)

	return &Lockfile{Packages: packages, Conflicts: conflicts, raw: data}, nil
}

// Hash returns a stable content hash of the lockfile's raw bytes. The
// optimizer's cache key does not call it; optimizer.CacheKey hashes the
// lockfile bytes itself.
func (l *Lockfile) Hash() string {
	sum := sha256.Sum256(l.raw)
	return hex.EncodeToString(sum[:])
}

// DedupeNames returns every package name that exists at more than one
// version — i.e. has at least one conflict target — for the Resolver's
// Dedupe set, which forces bare-specifier resolution for these names to
// the root-level version rather than whatever nested copy an importer's
// directory would otherwise find first.
func (l *Lockfile) DedupeNames() []string {
	seen := make(map[string]bool)
	for _, c := range l.Conflicts {
		seen[c.PkgName] = true
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func isNestedPackage(path string) bool {
	return strings.Count(path, "node_modules/") > 1
}

func extractPackageName(path string) string {
	const prefix = "node_modules/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	idx := strings.LastIndex(path, prefix)
	return path[idx+len(prefix):]
}

func extractParentPackagePath(path string) string {
	idx := strings.LastIndex(path, "/node_modules/")
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

func extractRealPackageName(resolved string) string {
	const prefix = "https://registry.npmjs.org/"
	if !strings.HasPrefix(resolved, prefix) {
		return ""
	}
	rest := resolved[len(prefix):]
	sepIdx := strings.Index(rest, "/-/")
	if sepIdx < 0 {
		return ""
	}
	return rest[:sepIdx]
}

func versionedTargetName(name, version string) string {
	base := name
	if strings.Contains(name, "/") {
		parts := strings.Split(name, "/")
		base = parts[len(parts)-1]
	}
	v := strings.NewReplacer(".", "_", "-", "_").Replace(version)
	return fmt.Sprintf("%s_v%s", base, v)
}

type parentConflict struct {
	ParentName string
	DepName    string
	Version    string
}

// collectPackages extracts top-level packages from the lockfile, promotes
// nested-only packages, and detects version conflicts in three phases.
func collectPackages(pkgs map[string]packageInfo, noDev bool) ([]Package, []ConflictTarget) {
	topLevel := make(map[string]bool)
	topLevelVersions := make(map[string]string)
	for path, info := range pkgs {
		if path == "" || isNestedPackage(path) {
			continue
		}
		name := extractPackageName(path)
		if name == "" {
			continue
		}
		topLevel[name] = true
		topLevelVersions[name] = info.Version
	}

	promoted := make(map[string]string)
	for path := range pkgs {
		if path == "" || !isNestedPackage(path) {
			continue
		}
		name := extractPackageName(path)
		if name == "" || topLevel[name] {
			continue
		}
		if _, already := promoted[name]; already {
			continue
		}
		promoted[name] = path
		topLevel[name] = true
	}

	var conflicts []parentConflict
	conflictVersionInfos := make(map[string]map[string]packageInfo)
	for path, info := range pkgs {
		if path == "" || !isNestedPackage(path) {
			continue
		}
		name := extractPackageName(path)
		if name == "" || promoted[name] == path {
			continue
		}
		topVer, exists := topLevelVersions[name]
		if !exists || info.Version == topVer || info.Resolved == "" {
			continue
		}
		parentPath := extractParentPackagePath(path)
		parentName := extractPackageName(parentPath)
		if parentName == "" {
			continue
		}
		conflicts = append(conflicts, parentConflict{ParentName: parentName, DepName: name, Version: info.Version})
		if conflictVersionInfos[name] == nil {
			conflictVersionInfos[name] = make(map[string]packageInfo)
		}
		conflictVersionInfos[name][info.Version] = info
	}

	parentNestedDeps := make(map[string]map[string]string)
	for _, c := range conflicts {
		if parentNestedDeps[c.ParentName] == nil {
			parentNestedDeps[c.ParentName] = make(map[string]string)
		}
		targetName := versionedTargetName(c.DepName, c.Version)
		parentNestedDeps[c.ParentName][c.DepName] = fmt.Sprintf("//%s:%s", c.DepName, targetName)
	}

	var result []Package
	for path, info := range pkgs {
		if path == "" {
			continue
		}
		name := extractPackageName(path)
		if name == "" {
			continue
		}
		if isNestedPackage(path) && promoted[name] != path {
			continue
		}
		if noDev && info.Dev {
			continue
		}
		if info.Resolved == "" {
			continue
		}

		var deps []string
		for dep := range info.Dependencies {
			if topLevel[dep] {
				deps = append(deps, dep)
			}
		}
		for dep := range info.PeerDependencies {
			if meta, ok := info.PeerDependenciesMeta[dep]; ok && meta.Optional {
				continue
			}
			if topLevel[dep] {
				deps = append(deps, dep)
			}
		}
		sort.Strings(deps)

		var realName string
		if rn := extractRealPackageName(info.Resolved); rn != "" && rn != name {
			realName = rn
		}

		pkg := Package{Name: name, RealName: realName, Version: info.Version, Resolved: info.Resolved, Deps: deps, Dev: info.Dev}
		if nd, ok := parentNestedDeps[name]; ok {
			pkg.NestedDeps = nd
		}
		result = append(result, pkg)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })

	var ctargets []ConflictTarget
	seen := make(map[string]bool)
	for _, c := range conflicts {
		key := c.DepName + "@" + c.Version
		if seen[key] {
			continue
		}
		seen[key] = true

		info := conflictVersionInfos[c.DepName][c.Version]
		var deps []string
		for dep := range info.Dependencies {
			if topLevel[dep] {
				deps = append(deps, dep)
			}
		}
		sort.Strings(deps)

		ctargets = append(ctargets, ConflictTarget{
			Dir:        c.DepName,
			TargetName: versionedTargetName(c.DepName, c.Version),
			PkgName:    c.DepName,
			Version:    c.Version,
			Deps:       deps,
		})
	}
	sort.Slice(ctargets, func(i, j int) bool {
		if ctargets[i].Dir != ctargets[j].Dir {
			return ctargets[i].Dir < ctargets[j].Dir
		}
		return ctargets[i].TargetName < ctargets[j].TargetName
	})

	return result, ctargets
}

func extractTargetName(label string) string {
	if idx := strings.LastIndex(label, ":"); idx >= 0 {
		return label[idx+1:]
	}
	parts := strings.Split(strings.TrimPrefix(label, "//"), "/")
	return parts[len(parts)-1]
}

// breakCycles detects and removes back-edges in the unified dependency
// graph (regular packages plus conflict targets) via DFS white/gray/black
// coloring.
func breakCycles(packages []Package, ctargets []ConflictTarget) {
	adj := make(map[string][]string)
	nestedEdgeKey := make(map[string]map[string]string)

	for _, pkg := range packages {
		var edges []string
		edges = append(edges, pkg.Deps...)
		for importName, label := range pkg.NestedDeps {
			targetName := extractTargetName(label)
			edges = append(edges, targetName)
			if nestedEdgeKey[pkg.Name] == nil {
				nestedEdgeKey[pkg.Name] = make(map[string]string)
			}
			nestedEdgeKey[pkg.Name][targetName] = importName
		}
		adj[pkg.Name] = edges
	}
	for _, ct := range ctargets {
		adj[ct.TargetName] = append([]string{}, ct.Deps...)
	}

	allNodes := make([]string, 0, len(adj))
	for key := range adj {
		allNodes = append(allNodes, key)
	}
	sort.Strings(allNodes)

	color := make(map[string]int, len(allNodes))
	var dfs func(name string)
	dfs = func(name string) {
		color[name] = 1
		var kept []string
		for _, dep := range adj[name] {
			if _, inGraph := adj[dep]; !inGraph {
				kept = append(kept, dep)
				continue
			}
			if color[dep] == 1 {
				log.Warnf("breaking circular dependency: %s -> %s", name, dep)
				continue
			}
			kept = append(kept, dep)
			if color[dep] == 0 {
				dfs(dep)
			}
		}
		adj[name] = kept
		color[name] = 2
	}
	for _, node := range allNodes {
		if color[node] == 0 {
			dfs(node)
		}
	}

	for i, pkg := range packages {
		var deps []string
		var nestedDeps map[string]string
		for _, edge := range adj[pkg.Name] {
			if importName, ok := nestedEdgeKey[pkg.Name][edge]; ok {
				if nestedDeps == nil {
					nestedDeps = make(map[string]string)
				}
				nestedDeps[importName] = pkg.NestedDeps[importName]
			} else {
				deps = append(deps, edge)
			}
		}
		packages[i].Deps = deps
		packages[i].NestedDeps = nestedDeps
	}
	for i := range ctargets {
		ctargets[i].Deps = append([]string{}, adj[ctargets[i].TargetName]...)
	}
}
