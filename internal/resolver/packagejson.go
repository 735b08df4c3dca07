package resolver

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// exportValue models package.json's polymorphic "exports" field: a string,
// a subpath map ("./foo": "./lib/foo.js"), a conditions object
// ("import"/"require"/"default": ...), or nested combinations of both.
type exportValue struct {
	str    string
	isStr  bool
	fields map[string]*exportValue
}

func (v *exportValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v.str = s
		v.isStr = true
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v.fields = make(map[string]*exportValue, len(raw))
	for k, rv := range raw {
		child := &exportValue{}
		if err := json.Unmarshal(rv, child); err != nil {
			return err
		}
		v.fields[k] = child
	}
	return nil
}

type packageJSON struct {
	Name    string       `json:"name"`
	Exports *exportValue `json:"exports"`
	Module  string       `json:"module"`
	Main    string       `json:"main"`
	Browser any          `json:"browser"`
	Side    any          `json:"sideEffects"`
}

// Cache is a directory-keyed store of parsed package.json. A lookup from a
// deep directory walks upward once and back-fills every intermediate
// directory with the same result, so the upward walk is amortized across
// the whole module graph.
type Cache struct {
	mu      sync.Mutex
	byDir   map[string]*packageJSON // nil value cached for "no package.json found"
	sideFx  map[string]*sideEffectsInfo
}

func NewCache() *Cache {
	return &Cache{
		byDir:  make(map[string]*packageJSON),
		sideFx: make(map[string]*sideEffectsInfo),
	}
}

// Lookup finds the nearest package.json at or above dir.
func (c *Cache) Lookup(dir string) *packageJSON {
	c.mu.Lock()
	defer c.mu.Unlock()

	var visited []string
	cur := dir
	for {
		if pj, ok := c.byDir[cur]; ok {
			for _, v := range visited {
				c.byDir[v] = pj
			}
			return pj
		}
		visited = append(visited, cur)

		candidate := filepath.Join(cur, "package.json")
		if data, err := os.ReadFile(candidate); err == nil {
			var pj packageJSON
			if json.Unmarshal(data, &pj) == nil {
				for _, v := range visited {
					c.byDir[v] = &pj
				}
				return &pj
			}
		}

		parent := filepath.Dir(cur)
		if parent == cur {
			for _, v := range visited {
				c.byDir[v] = nil
			}
			return nil
		}
		cur = parent
	}
}

type sideEffectsInfo struct {
	all      bool // no sideEffects field, or explicit true: assume everything has side effects
	none     bool // explicit false: nothing has side effects
	patterns []string
}

// HasSideEffects reports whether path (inside a package rooted at pkgDir)
// may have side effects, supporting the boolean, glob-array (bare patterns
// expand to **/pattern), and absent ("unknown", treated as all) forms of
// the sideEffects field.
func (c *Cache) HasSideEffects(pkgDir, path string) bool {
	c.mu.Lock()
	info, ok := c.sideFx[pkgDir]
	c.mu.Unlock()
	if !ok {
		pj := c.Lookup(pkgDir)
		info = &sideEffectsInfo{all: true}
		if pj != nil {
			switch v := pj.Side.(type) {
			case bool:
				if v {
					info.all = true
				} else {
					info.none = true
				}
			case []any:
				for _, p := range v {
					if s, ok := p.(string); ok {
						if !strings.Contains(s, "/") && !strings.Contains(s, "*") {
							s = "**/" + s
						}
						info.patterns = append(info.patterns, s)
					}
				}
			case nil:
				info.all = true
			}
		}
		c.mu.Lock()
		c.sideFx[pkgDir] = info
		c.mu.Unlock()
	}

	if info.none {
		return false
	}
	if info.all {
		return true
	}
	rel, err := filepath.Rel(pkgDir, path)
	if err != nil {
		return true
	}
	rel = filepath.ToSlash(rel)
	for _, pat := range info.patterns {
		if ok, _ := filepath.Match(pat, rel); ok {
			return true
		}
	}
	return false
}

// ResolvePackageEntry resolves subpath ("." for the package root, or
// "./foo" for a deep import) against pkgDir's package.json, trying the
// exports field first (with platform-aware condition resolution) and
// falling back to the module/main fields for subpath ".".
func ResolvePackageEntry(pkgDir, subpath, platform string) string {
	data, err := os.ReadFile(filepath.Join(pkgDir, "package.json"))
	if err != nil {
		return ""
	}
	var pj packageJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return ""
	}

	if pj.Exports != nil {
		if entry := matchExports(pj.Exports, subpath, platform); entry != "" {
			return filepath.Join(pkgDir, entry)
		}
		return ""
	}

	if subpath != "." {
		return ""
	}

	candidates := []string{}
	if platform == "browser" {
		if s, ok := pj.Browser.(string); ok && s != "" {
			candidates = append(candidates, s)
		}
	}
	if pj.Module != "" {
		candidates = append(candidates, pj.Module)
	}
	if pj.Main != "" {
		candidates = append(candidates, pj.Main)
	}
	for _, c := range candidates {
		full := filepath.Join(pkgDir, c)
		if fileExists(full) {
			return full
		}
		for _, ext := range []string{".js", ".mjs", ".cjs", "/index.js"} {
			if fileExists(full + ext) {
				return full + ext
			}
		}
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// matchExports disambiguates a "subpath map" (keys starting with ".") from
// a "conditions object" (keys not starting with ".") by checking whether
// any key has the "." prefix, then resolves subpath against the right
// branch.
func matchExports(exports *exportValue, subpath, platform string) string {
	if exports.isStr {
		if subpath == "." {
			return exports.str
		}
		return ""
	}

	isSubpathMap := false
	for k := range exports.fields {
		if strings.HasPrefix(k, ".") {
			isSubpathMap = true
			break
		}
	}

	if !isSubpathMap {
		if subpath != "." {
			return ""
		}
		return resolveCondition(exports, platform)
	}

	if v, ok := exports.fields[subpath]; ok {
		return resolveCondition(v, platform)
	}

	// Wildcard subpath patterns: "./*": "./lib/*.js"
	for pattern, v := range exports.fields {
		if !strings.Contains(pattern, "*") {
			continue
		}
		prefix, suffix, ok := splitWildcard(pattern)
		if !ok || !strings.HasPrefix(subpath, prefix) || !strings.HasSuffix(subpath, suffix) {
			continue
		}
		matched := strings.TrimSuffix(strings.TrimPrefix(subpath, prefix), suffix)
		target := resolveCondition(v, platform)
		if target == "" {
			continue
		}
		tPrefix, tSuffix, ok := splitWildcard(target)
		if !ok {
			continue
		}
		return tPrefix + matched + tSuffix
	}

	return ""
}

func splitWildcard(pattern string) (prefix, suffix string, ok bool) {
	idx := strings.Index(pattern, "*")
	if idx < 0 {
		return "", "", false
	}
	return pattern[:idx], pattern[idx+1:], true
}

// resolveCondition recursively resolves a conditions object using a
// platform-specific priority order: node builds prefer
// node > module > import > require > default; browser builds prefer
// browser > module > import > default.
func resolveCondition(value *exportValue, platform string) string {
	if value.isStr {
		return value.str
	}
	var order []string
	if platform == "node" {
		order = []string{"node", "module", "import", "require", "default"}
	} else {
		order = []string{"browser", "module", "import", "default"}
	}
	for _, cond := range order {
		if v, ok := value.fields[cond]; ok {
			if r := resolveCondition(v, platform); r != "" {
				return r
			}
		}
	}
	return ""
}

// ExtractPackageName returns the final package name segment from a
// node_modules-relative lockfile path, handling scoped packages
// ("@scope/name").
func ExtractPackageName(path string) string {
	idx := strings.LastIndex(path, "node_modules/")
	if idx < 0 {
		return path
	}
	rest := path[idx+len("node_modules/"):]
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) == 0 {
		return rest
	}
	if strings.HasPrefix(parts[0], "@") && len(parts) > 1 {
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}

// IsNestedPackage reports whether path nests more than one node_modules
// segment (a transitive dependency hoisted under its parent rather than
// the top-level node_modules).
func IsNestedPackage(path string) bool {
	return strings.Count(path, "node_modules/") > 1
}

// ExtractParentPackagePath trims the final node_modules/<pkg> segment from
// a nested lockfile path, returning the path to the parent package.
func ExtractParentPackagePath(path string) string {
	idx := strings.LastIndex(path, "node_modules/")
	if idx <= 0 {
		return ""
	}
	return strings.TrimSuffix(path[:idx], "/")
}

// ExtractRealPackageName recovers a package's true name from its resolved
// registry tarball URL (https://registry.npmjs.org/<name>/-/<name>-<version>.tgz),
// which differs from the lockfile key for aliased dependencies.
func ExtractRealPackageName(resolved string) string {
	const marker = "registry.npmjs.org/"
	idx := strings.Index(resolved, marker)
	if idx < 0 {
		return ""
	}
	rest := resolved[idx+len(marker):]
	tarIdx := strings.Index(rest, "/-/")
	if tarIdx < 0 {
		return ""
	}
	return rest[:tarIdx]
}
