// Package devserver wires the resolver, module graph, plugin container,
// import analyzer, dependency pre-optimizer, HMR engine, and transport
// broadcaster into a single net/http.Handler serving a development project.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/vitelike/esmgraph/internal/config"
	"github.com/vitelike/esmgraph/internal/deplock"
	"github.com/vitelike/esmgraph/internal/graph"
	"github.com/vitelike/esmgraph/internal/hmr"
	"github.com/vitelike/esmgraph/internal/log"
	"github.com/vitelike/esmgraph/internal/optimizer"
	"github.com/vitelike/esmgraph/internal/plugin"
	"github.com/vitelike/esmgraph/internal/resolver"
	"github.com/vitelike/esmgraph/internal/transform"
	"github.com/vitelike/esmgraph/internal/transport"
)

// Server serves individual ES modules with on-demand transformation and
// HMR, the single net/http.Handler a running dev process exposes.
type Server struct {
	cfg *config.ResolvedConfig

	Graph     *graph.Graph
	Resolver  *resolver.Resolver
	Container *plugin.Container
	Analyzer  *transform.Analyzer
	Optimizer *optimizer.Optimizer
	Transport *transport.Broadcaster
	Engine    *hmr.Engine
	watcher   *hmr.Watcher

	entryURLPath  string
	localLibs     map[string]string
	moduleMap     map[string]string
	hasRefresh    bool
	importMapJSON []byte

	proxies       map[string]*httputil.ReverseProxy
	proxyPrefixes []string

	onDemandDeps sync.Map // urlPath -> []byte, caches on-demand dependency bundles
}

// Options are the inputs New needs beyond the already-resolved config: the
// entry file, the dependency lockfile path, and proxy specs that belong to
// the CLI surface rather than ResolvedConfig itself.
type Options struct {
	Entry     string
	Lockfile  string
	Proxy     []string
	ModuleMap map[string]string // package name -> node_modules dir, from a moduleconfig/lockfile load
}

// New builds a fully wired Server: loads or runs the optimizer, constructs
// the resolver/graph/plugin-container pipeline, and starts the watcher's
// HMR engine. It does not start listening — call Run for that.
func New(cfg *config.ResolvedConfig, opts Options) (*Server, error) {
	res := resolver.New(cfg.Root)
	res.Aliases = cfg.Aliases
	res.ModuleMap = opts.ModuleMap
	if res.ModuleMap == nil {
		res.ModuleMap = map[string]string{}
	}

	opt := optimizer.New(cfg.Root, cfg.Optimizer.CacheDir, res.ModuleMap)
	opt.Include = cfg.Optimizer.Include
	opt.Exclude = cfg.Optimizer.Exclude
	opt.Hold = cfg.Optimizer.Hold
	opt.Mode = cfg.Mode

	if opts.Lockfile != "" {
		if lf, err := deplock.Load(opts.Lockfile, false); err == nil {
			for _, name := range lf.DedupeNames() {
				res.Dedupe[name] = true
			}
		} else {
			log.L.WithError(err).Warn("lockfile parse failed, dedupe list unavailable")
		}

		fresh, err := opt.LoadCache(opts.Lockfile)
		if err != nil {
			return nil, fmt.Errorf("optimizer cache: %w", err)
		}
		if !fresh {
			if err := opt.Run(context.Background()); err != nil {
				return nil, fmt.Errorf("optimizer run: %w", err)
			}
		}
	}
	res.Optimizer = opt

	g := graph.New(func(url string) (id, file string, typ graph.ModuleType, err error) {
		resolved, rerr := res.Resolve(url, "", resolver.Options{})
		if rerr != nil {
			return "", "", 0, rerr
		}
		t := graph.TypeJS
		if strings.HasSuffix(resolved.ID, ".css") {
			t = graph.TypeCSS
		}
		return resolved.ID, resolved.ID, t, nil
	})

	analyzer := transform.New(cfg.Root, cfg.Base, g, nil)
	analyzer.Optimizer = opt
	analyzer.Env = cfg.Env
	analyzer.Mode = cfg.Mode

	hasRefresh := opt.HasPackage("react-refresh")
	absEntry, _ := filepath.Abs(opts.Entry)
	entryURLPath := idToURLPath(cfg.Root, cfg.Base, absEntry)

	plugins := []plugin.Plugin{
		ReactRefreshPlugin(cfg.Root, cfg.Base, hasRefresh, entryURLPath),
	}
	if cfg.TailwindBin != "" {
		plugins = append(plugins, TailwindPlugin(cfg.TailwindBin, cfg.TailwindConfig))
	}
	for _, p := range cfg.Plugins {
		if pp, ok := p.(plugin.Plugin); ok {
			plugins = append(plugins, pp)
		}
	}
	plugins = append(plugins, analyzer.AsPlugin())

	container := plugin.New(plugins, cfg.Mode)
	analyzer.Container = container

	broadcaster := transport.NewBroadcaster()
	opt.Transport = broadcaster

	engine := &hmr.Engine{
		Graph:      g,
		Container:  container,
		Transport:  broadcaster,
		Root:       cfg.Root,
		ConfigFile: "",
	}

	proxies, prefixes := parseProxies(opts.Proxy)

	return &Server{
		cfg:           cfg,
		Graph:         g,
		Resolver:      res,
		Container:     container,
		Analyzer:      analyzer,
		Optimizer:     opt,
		Transport:     broadcaster,
		Engine:        engine,
		entryURLPath:  entryURLPath,
		moduleMap:     res.ModuleMap,
		localLibs:     localLibraries(res.ModuleMap),
		hasRefresh:    hasRefresh,
		importMapJSON: buildImportMapJSON(opt),
		proxies:       proxies,
		proxyPrefixes: prefixes,
	}, nil
}

func buildImportMapJSON(opt *optimizer.Optimizer) []byte {
	im := opt.ImportMap()
	data, _ := json.Marshal(struct {
		Imports map[string]string `json:"imports"`
	}{Imports: im})
	return data
}

// ServeHTTP dispatches by path and extension, routing source, dependency,
// and asset requests through the plugin container pipeline and the
// transport broadcaster for HMR notifications.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	urlPath := r.URL.Path

	if urlPath == "/@hmr" {
		s.handleHMRUpgrade(w, r)
		return
	}

	for _, prefix := range s.proxyPrefixes {
		if strings.HasPrefix(urlPath, prefix) {
			s.proxies[prefix].ServeHTTP(w, r)
			return
		}
	}

	if strings.HasPrefix(urlPath, "/@deps/") {
		s.handleDepOnDemand(w, r, urlPath, start)
		return
	}

	if strings.HasPrefix(urlPath, "/@lib/") {
		s.handleLibSource(w, r, urlPath, start)
		return
	}

	if strings.HasSuffix(urlPath, ".html") || urlPath == "/" {
		s.handleHTML(w, r, start)
		return
	}

	ext := filepath.Ext(urlPath)
	isSourceExt := ext == ".js" || ext == ".jsx" || ext == ".ts" || ext == ".tsx" || ext == ".mjs" || strings.HasPrefix(urlPath, "/@fs/")
	if isSourceExt || ext == "" {
		s.handleSource(w, r, urlPath, start)
		return
	}

	if ext == ".css" {
		fetchDest := r.Header.Get("Sec-Fetch-Dest")
		if fetchDest == "script" || r.URL.Query().Get("import") != "" {
			s.handleCSSModule(w, r, urlPath, start)
			return
		}
	}

	if isAssetExt(ext) {
		fetchDest := r.Header.Get("Sec-Fetch-Dest")
		if fetchDest == "script" || r.URL.Query().Get("import") != "" {
			s.handleAssetModule(w, r, urlPath, start)
			return
		}
	}

	filePath := filepath.Join(s.cfg.Root, filepath.FromSlash(urlPath))
	if info, err := os.Stat(filePath); err == nil && !info.IsDir() {
		http.ServeFile(w, r, filePath)
		return
	}

	s.handleHTML(w, r, start)
}

func (s *Server) handleHMRUpgrade(w http.ResponseWriter, r *http.Request) {
	ch, err := transport.UpgradeBrowserChannel(w, r, func(msg transport.ClientMessage) {
		log.L.WithField("event", msg.Event).Debug("hmr client message")
	})
	if err != nil {
		log.L.WithError(err).Warn("hmr upgrade failed")
		return
	}
	s.Transport.AddChannel(ch)
}

// Run starts the watcher's HMR loop and the HTTP listener, retrying
// successive ports on bind failure, and blocks until SIGINT/SIGTERM.
func (s *Server) Run(ctx context.Context) error {
	w, err := hmr.NewWatcher(s.cfg.Root)
	if err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	s.watcher = w

	stop := make(chan struct{})
	go func() {
		if err := w.Run(stop, func(ev hmr.FileEvent) {
			if err := s.Engine.HandleFileEvent(ev); err != nil {
				log.L.WithError(err).Warn("hmr file event")
			}
		}); err != nil {
			log.L.WithError(err).Error("watcher stopped")
		}
	}()
	defer close(stop)
	defer w.Close()

	port := s.cfg.Server.Port
	if port == 0 {
		port = 3000
	}
	var listener net.Listener
	actualPort := port
	for attempts := 0; attempts < 20; attempts++ {
		ln, listenErr := net.Listen("tcp", fmtAddr(s.cfg.Server.Host, actualPort))
		if listenErr == nil {
			listener = ln
			break
		}
		if !isAddrInUse(listenErr) {
			return fmt.Errorf("listen on port %d: %w", actualPort, listenErr)
		}
		log.L.Warnf("port %d in use, trying %d", actualPort, actualPort+1)
		actualPort++
	}
	if listener == nil {
		return fmt.Errorf("no available port found (tried %d-%d)", port, actualPort-1)
	}

	httpServer := &http.Server{Handler: s}
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.L.WithError(err).Fatal("http server")
		}
	}()

	log.L.Infof("dev server ready on http://localhost:%d/", actualPort)
	for _, ip := range getLocalIPs() {
		log.L.Infof("  network: http://%s:%d/", ip, actualPort)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.L.Info("shutting down")
	s.Transport.Close()
	return httpServer.Close()
}
