// Package config builds the immutable ResolvedConfig: a single record
// constructed once at startup from CLI flags, tsconfig path aliases, and
// .env files, and treated as read-only by every other component for the
// lifetime of the server.
package config

import (
	"path/filepath"

	"github.com/vitelike/esmgraph/internal/errs"
)

// Plugin is a named set of optional hooks plus an enforce tier and apply
// predicate. The hook function types live in
// package plugin to avoid a dependency cycle (config is imported by
// plugin's constructors); ResolvedConfig only holds the already-sorted
// plugin list as opaque values supplied by the caller.
type Plugin any

// EnforceTier is a plugin's position relative to built-in hooks.
type EnforceTier int

const (
	EnforceDefault EnforceTier = iota
	EnforcePre
	EnforcePost
)

// ResolveOptions configures the Resolver's node-style package resolution
// step.
type ResolveOptions struct {
	MainFields []string // e.g. ["browser", "module", "main"]
	Conditions []string // e.g. ["import", "module", "browser", "default"]
	Extensions []string // e.g. [".mjs", ".js", ".ts", ".jsx", ".tsx", ".json"]
	Dedupe     []string // packages forced to resolve from root, not importer dir
	PreserveSymlinks bool
}

func DefaultResolveOptions() ResolveOptions {
	return ResolveOptions{
		MainFields: []string{"browser", "module", "main"},
		Conditions: []string{"import", "module", "browser", "default"},
		Extensions: []string{".mjs", ".js", ".mts", ".ts", ".jsx", ".tsx", ".json"},
	}
}

// ServerOptions configures the HTTP/transport layer and the HMR engine.
type ServerOptions struct {
	Host        string
	Port        int
	Proxy       map[string]string // prefix -> target URL
	HMRInterval int               // heartbeat ping interval, ms
}

// OptimizerOptions configures the dependency pre-optimizer.
type OptimizerOptions struct {
	CacheDir string
	Include  []string // force-include specifiers even if not statically discovered
	Exclude  []string
	Hold     bool // hold-until-crawl-end vs release strategy
}

// ResolvedConfig is the immutable, once-built configuration record. Every
// field is set at construction and never mutated afterward; per-request
// ephemera (ssr, scan flags) travel as explicit function parameters, never
// through this struct or thread-local state.
type ResolvedConfig struct {
	Root    string
	Base    string
	Mode    string // "development" in dev-server use
	Aliases map[string]string

	Resolve   ResolveOptions
	Server    ServerOptions
	Optimizer OptimizerOptions

	Env map[string]string // already prefix-filtered and mode-merged

	Plugins []Plugin // pre-sorted: pre, then normal, then post tiers

	TailwindBin    string
	TailwindConfig string
}

// Options are the raw inputs to Load, one field per CLI flag.
type Options struct {
	Root         string
	Base         string
	Mode         string
	TsconfigPath string
	EnvFile      string
	EnvPrefix    string
	CacheDir     string
	Host         string
	Port         int
	Proxy        map[string]string
	TailwindBin  string
	TailwindCfg  string
}

// Load builds a ResolvedConfig from CLI-level options, loading env files
// and tsconfig path aliases once at process startup.
func Load(opts Options) (*ResolvedConfig, error) {
	root := opts.Root
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, errs.Config(err)
	}

	mode := opts.Mode
	if mode == "" {
		mode = "development"
	}

	env := map[string]string{}
	if opts.EnvFile != "" {
		env, err = LoadEnvFiles(opts.EnvFile, mode, opts.EnvPrefix)
		if err != nil {
			return nil, errs.Config(err)
		}
	}

	var aliases map[string]string
	if opts.TsconfigPath != "" {
		aliases = PathAliases(opts.TsconfigPath, absRoot)
	}

	cacheDir := opts.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(absRoot, "node_modules", ".esmgraph", "deps")
	}

	base := opts.Base
	if base == "" {
		base = "/"
	}

	return &ResolvedConfig{
		Root:    absRoot,
		Base:    base,
		Mode:    mode,
		Aliases: aliases,
		Resolve: DefaultResolveOptions(),
		Server: ServerOptions{
			Host:        opts.Host,
			Port:        opts.Port,
			Proxy:       opts.Proxy,
			HMRInterval: 30000,
		},
		Optimizer: OptimizerOptions{
			CacheDir: cacheDir,
			Hold:     true,
		},
		Env:            env,
		TailwindBin:    opts.TailwindBin,
		TailwindConfig: opts.TailwindCfg,
	}, nil
}
