// Command esmgraph is the CLI entry point: a dev server plus the
// lockfile/BUILD-file tooling that feeds it, dispatched by subcommand name
// to the components this repo wires (internal/config, internal/devserver,
// internal/optimizer, internal/deplock, tools/please_js/resolve).
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/thought-machine/go-flags"

	"github.com/vitelike/esmgraph/internal/config"
	"github.com/vitelike/esmgraph/internal/devserver"
	"github.com/vitelike/esmgraph/internal/log"
	"github.com/vitelike/esmgraph/internal/optimizer"
	"github.com/vitelike/esmgraph/tools/please_js/resolve"
)

var opts = struct {
	Usage string

	Serve struct {
		Entry          string   `short:"e" long:"entry" required:"true" description:"Entry point file"`
		Root           string   `short:"r" long:"root" default:"." description:"Package root directory"`
		Base           string   `long:"base" default:"/" description:"Base URL path the dev server is mounted under"`
		Lockfile       string   `short:"l" long:"lockfile" description:"Path to package-lock.json"`
		Tsconfig       string   `long:"tsconfig" description:"Path to tsconfig.json (for path aliases)"`
		EnvFile        string   `long:"env-file" description:"Base .env file path for auto-discovery"`
		EnvPrefix      string   `long:"env-prefix" default:"VITE_" description:"Prefix filter for .env variables exposed to the browser"`
		Host           string   `long:"host" default:"localhost" description:"Host to bind"`
		Port           int      `short:"p" long:"port" default:"3000" description:"HTTP port"`
		Proxy          []string `long:"proxy" description:"Proxy rules (prefix=target)"`
		CacheDir       string   `long:"cache-dir" description:"Dependency pre-optimizer cache directory"`
		TailwindBin    string   `long:"tailwind-bin" description:"Path to Tailwind CSS binary"`
		TailwindConfig string   `long:"tailwind-config" description:"Path to tailwind.config.js"`
	} `command:"serve" alias:"s" description:"Start the dev server with HMR"`

	Prebundle struct {
		Root     string `short:"r" long:"root" default:"." description:"Package root directory"`
		Lockfile string `short:"l" long:"lockfile" required:"true" description:"Path to package-lock.json"`
		CacheDir string `long:"cache-dir" required:"true" description:"Output directory for pre-bundled deps"`
	} `command:"prebundle" description:"Pre-bundle all npm dependencies ahead of time"`

	PrebundlePkg struct {
		PkgName  string `long:"pkg-name" required:"true" description:"npm package name to pre-bundle"`
		PkgDir   string `long:"pkg-dir" required:"true" description:"Directory of the package to pre-bundle"`
		CacheDir string `long:"cache-dir" required:"true" description:"Output directory for the pre-bundled package"`
	} `command:"prebundle-pkg" description:"Pre-bundle a single npm package"`

	MergeImportmaps struct {
		Out  string `short:"o" long:"out" required:"true" description:"Output importmap.json path"`
		Args struct {
			Files []string `positional-arg-name:"files" description:"importmap.json files to merge"`
		} `positional-args:"true"`
	} `command:"merge-importmaps" description:"Merge multiple importmap.json files into one"`

	Resolve struct {
		Lockfile       string `short:"l" long:"lockfile" required:"true" description:"Path to package-lock.json"`
		Out            string `short:"o" long:"out" required:"true" description:"Output directory for generated BUILD files"`
		NoDev          bool   `long:"no-dev" description:"Exclude dev dependencies"`
		SubincludePath string `long:"subinclude-path" default:"///js//build_defs:js" description:"Subinclude path for generated BUILD files"`
	} `command:"resolve" alias:"r" description:"Generate npm_module BUILD files from package-lock.json"`
}{
	Usage: `
esmgraph is a development-time JS/TS bundler and dev server: resolver,
module graph, plugin pipeline, dependency pre-optimizer, and HMR engine
behind a single net/http.Handler.

It provides these main operations:
  - serve:     Start the dev server with on-demand transforms and HMR
  - prebundle: Pre-bundle all npm dependencies ahead of a serve run
  - resolve:   Generate npm_module BUILD files from package-lock.json
`,
}

var subCommands = map[string]func() int{
	"serve": func() int {
		proxyMap := map[string]string{}
		for _, p := range opts.Serve.Proxy {
			if prefix, target, ok := strings.Cut(p, "="); ok {
				proxyMap[prefix] = target
			}
		}

		cfg, err := config.Load(config.Options{
			Root:         opts.Serve.Root,
			Base:         opts.Serve.Base,
			TsconfigPath: opts.Serve.Tsconfig,
			EnvFile:      opts.Serve.EnvFile,
			EnvPrefix:    opts.Serve.EnvPrefix,
			CacheDir:     opts.Serve.CacheDir,
			Host:         opts.Serve.Host,
			Port:         opts.Serve.Port,
			Proxy:        proxyMap,
			TailwindBin:  opts.Serve.TailwindBin,
			TailwindCfg:  opts.Serve.TailwindConfig,
		})
		if err != nil {
			log.L.WithError(err).Fatal("config")
		}

		var moduleMap map[string]string
		if opts.Serve.Lockfile != "" {
			moduleMap, err = loadLockfileModuleMap(opts.Serve.Lockfile, cfg.Root)
			if err != nil {
				log.L.WithError(err).Fatal("lockfile")
			}
		}

		srv, err := devserver.New(cfg, devserver.Options{
			Entry:     opts.Serve.Entry,
			Lockfile:  opts.Serve.Lockfile,
			Proxy:     opts.Serve.Proxy,
			ModuleMap: moduleMap,
		})
		if err != nil {
			log.L.WithError(err).Fatal("devserver")
		}

		if err := srv.Run(context.Background()); err != nil {
			log.L.WithError(err).Fatal("serve")
		}
		return 0
	},
	"prebundle": func() int {
		absRoot, err := resolveAbs(opts.Prebundle.Root)
		if err != nil {
			log.L.WithError(err).Fatal("root")
		}

		lf, err := loadLockfileModuleMap(opts.Prebundle.Lockfile, absRoot)
		if err != nil {
			log.L.WithError(err).Fatal("lockfile")
		}

		opt := optimizer.New(absRoot, opts.Prebundle.CacheDir, lf)
		if err := opt.Run(context.Background()); err != nil {
			log.L.WithError(err).Fatal("prebundle")
		}
		fmt.Fprintf(os.Stderr, "Pre-bundled %d packages into %s\n", len(lf), opts.Prebundle.CacheDir)
		return 0
	},
	"prebundle-pkg": func() int {
		moduleMap := map[string]string{opts.PrebundlePkg.PkgName: opts.PrebundlePkg.PkgDir}
		opt := optimizer.New(".", opts.PrebundlePkg.CacheDir, moduleMap)
		if err := opt.Run(context.Background()); err != nil {
			log.L.WithError(err).Fatal("prebundle-pkg")
		}
		return 0
	},
	"merge-importmaps": func() int {
		if err := optimizer.MergeImportmaps(opts.MergeImportmaps.Args.Files, opts.MergeImportmaps.Out); err != nil {
			log.L.WithError(err).Fatal("merge-importmaps")
		}
		return 0
	},
	"resolve": func() int {
		if err := resolve.Run(resolve.Args{
			Lockfile:       opts.Resolve.Lockfile,
			Out:            opts.Resolve.Out,
			NoDev:          opts.Resolve.NoDev,
			SubincludePath: opts.Resolve.SubincludePath,
		}); err != nil {
			log.L.WithError(err).Fatal("resolve")
		}
		return 0
	},
}

func main() {
	p := flags.NewParser(&opts, flags.Default)
	_, err := p.Parse()
	if err != nil {
		os.Exit(1)
	}
	if p.Active == nil {
		p.WriteHelp(os.Stderr)
		os.Exit(1)
	}
	os.Exit(subCommands[p.Active.Name]())
}
