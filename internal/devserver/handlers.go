package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/vitelike/esmgraph/internal/cjsfixup"
	"github.com/vitelike/esmgraph/internal/errs"
	"github.com/vitelike/esmgraph/internal/graph"
	"github.com/vitelike/esmgraph/internal/log"
	"github.com/vitelike/esmgraph/internal/resolver"
	"github.com/vitelike/esmgraph/internal/transport"
)

func (s *Server) handleHTML(w http.ResponseWriter, r *http.Request, start time.Time) {
	htmlPath := r.URL.Path
	if htmlPath == "/" || !strings.HasSuffix(htmlPath, ".html") {
		htmlPath = "/index.html"
	}

	data, err := os.ReadFile(filepath.Join(s.cfg.Root, filepath.FromSlash(htmlPath)))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	resolves := func(p string) bool {
		_, err := os.Stat(filepath.Join(s.cfg.Root, filepath.FromSlash(p)))
		return err == nil
	}

	html := rewriteHTML(string(data), s.importMapJSON, s.hasRefresh, s.entryURLPath, resolves)
	html, err = s.Container.TransformIndexHTML(html, htmlPath)
	if err != nil {
		log.L.WithError(err).Warn("transform_index_html failed")
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write([]byte(html))
	logReq("html", r, start)
}

// handleSource runs urlPath through resolve -> load -> transform -> graph
// update, serving the cached TransformResult on repeat (uninvalidated)
// requests.
func (s *Server) handleSource(w http.ResponseWriter, r *http.Request, urlPath string, start time.Time) {
	mod, err := s.Graph.EnsureEntryFromURL(urlPath)
	if err != nil {
		http.NotFound(w, r)
		logReq("404", r, start)
		return
	}

	if mod.TransformResult.HasResult {
		s.writeJS(w, mod.TransformResult.Code)
		logReq("cache", r, start)
		return
	}

	code, _, err := s.Container.Load(mod.ID)
	if err != nil {
		s.writeTransformError(w, urlPath, err)
		return
	}
	if code == "" {
		src, readErr := os.ReadFile(mod.File)
		if readErr != nil {
			http.NotFound(w, r)
			return
		}
		code = string(src)
	}

	out, _, ctx, err := s.Container.Transform(code, mod.ID)
	if err != nil {
		s.writeTransformError(w, urlPath, err)
		return
	}

	if pruned := ctx.Pruned(); len(pruned) > 0 {
		var nodes []*graph.ModuleNode
		for _, ref := range pruned {
			nodes = append(nodes, s.Graph.GetModulesByFile(ref.File())...)
		}
		s.Engine.EmitPrune(nodes, graph.Now())
	}

	s.Graph.SetTransformResult(mod, graph.TransformResult{Code: out}, false)
	s.writeJS(w, out)
	logReq("transform", r, start)
}

// handleLibSource serves a locally-built library (a workspace package
// without a published npm version) from its own source tree, transformed
// the same way project source is.
func (s *Server) handleLibSource(w http.ResponseWriter, r *http.Request, urlPath string, start time.Time) {
	specPath := strings.TrimPrefix(urlPath, "/@lib/")

	bestLib, bestDir := "", ""
	for name, dir := range s.localLibs {
		if specPath == name || strings.HasPrefix(specPath, name+"/") {
			if len(name) > len(bestLib) {
				bestLib, bestDir = name, dir
			}
		}
	}
	if bestLib == "" {
		http.NotFound(w, r)
		return
	}

	subpath := "/"
	if specPath != bestLib {
		subpath = "/" + strings.TrimPrefix(specPath, bestLib+"/")
	}
	s.handleSource(w, r, "/@fs/"+strings.TrimPrefix(filepath.ToSlash(filepath.Join(bestDir, subpath)), "/"), start)
}

func (s *Server) handleCSSModule(w http.ResponseWriter, r *http.Request, urlPath string, start time.Time) {
	mod, err := s.Graph.EnsureEntryFromURL(urlPath)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	code, _, err := s.Container.Load(mod.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if code == "" {
		data, readErr := os.ReadFile(mod.File)
		if readErr != nil {
			http.NotFound(w, r)
			return
		}
		code = string(data)
	}

	cssJSON, err := json.Marshal(code)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	js := fmt.Sprintf(cssModuleTemplate, urlPath, string(cssJSON))
	s.writeJS(w, js)
	logReq("css-module", r, start)
}

func (s *Server) handleAssetModule(w http.ResponseWriter, r *http.Request, urlPath string, start time.Time) {
	js := fmt.Sprintf(assetModuleTemplate, urlPath)
	s.writeJS(w, js)
	logReq("asset-module", r, start)
}

// handleDepOnDemand serves the optimizer's pre-bundled cache, falling back
// to synchronous single-package bundling for a subpath import the
// optimizer's static crawl never discovered.
func (s *Server) handleDepOnDemand(w http.ResponseWriter, r *http.Request, urlPath string, start time.Time) {
	if v := r.URL.Query().Get("v"); v != "" && v != s.Optimizer.BrowserHash() {
		s.writeOutdated(w, urlPath)
		logReq("dep-outdated", r, start)
		return
	}

	if data, ok := s.onDemandDeps.Load(urlPath); ok {
		s.writeJS(w, string(data.([]byte)))
		return
	}
	if code, ok := s.Optimizer.DepSource(urlPath); ok {
		s.writeJS(w, code)
		return
	}

	spec := strings.TrimPrefix(urlPath, "/@deps/")
	pkgName := packageNameFromSpec(spec)
	pkgDir, ok := s.moduleMap[pkgName]
	if !ok {
		http.NotFound(w, r)
		logReq("dep-lazy-404", r, start)
		return
	}
	absPkgDir, _ := filepath.Abs(pkgDir)

	subpath := "."
	if spec != pkgName {
		subpath = "./" + strings.TrimPrefix(spec, pkgName+"/")
	}

	ep := resolver.ResolvePackageEntry(absPkgDir, subpath, "browser")
	var code []byte
	if ep != "" {
		singlePkgMap := map[string]string{pkgName: pkgDir}
		result := api.Build(api.BuildOptions{
			EntryPoints: []string{ep},
			Bundle:      true,
			Write:       false,
			Format:      api.FormatESModule,
			Platform:    api.PlatformBrowser,
			Target:      api.ESNext,
			LogLevel:    api.LogLevelSilent,
			Plugins: []api.Plugin{
				resolver.ModuleResolvePlugin(singlePkgMap, "browser"),
				resolver.NodeBuiltinEmptyPlugin(s.moduleMap),
				resolver.UnknownExternalPlugin(singlePkgMap),
			},
		})
		if len(result.Errors) == 0 && len(result.OutputFiles) > 0 {
			code = result.OutputFiles[0].Contents
		}
	}
	if code == nil {
		bundled, err := s.bundleViaStdin(spec, pkgName, pkgDir)
		if err != nil {
			http.NotFound(w, r)
			logReq("dep-lazy-unresolvable", r, start)
			return
		}
		code = bundled
	}
	code = cjsfixup.FixupOnDemand(code)

	s.onDemandDeps.Store(urlPath, code)
	rerunDone := s.Optimizer.RegisterMissingImport(pkgName, pkgDir)
	s.writeJS(w, string(code))
	logReq("dep-lazy", r, start)

	// The response above already serves an ad-hoc single-package bundle so
	// the current request isn't held up; once the debounced rerun folds
	// pkgName into the optimizer's real crawl, Run's own browser-hash
	// comparison notifies the client to reload onto the canonical bundle.
	go func() {
		<-rerunDone
		log.L.WithField("package", pkgName).Debug("optimizer rerun settled for on-demand dependency")
	}()
}

// bundleViaStdin uses esbuild's stdin entry point instead of a resolved
// file path: a re-exporting shim resolves wildcard/conditional package
// exports that ResolvePackageEntry's static package.json lookup misses.
func (s *Server) bundleViaStdin(spec, pkgName, pkgDir string) ([]byte, error) {
	contents := fmt.Sprintf("export * from %q;\n", spec)
	singlePkgMap := map[string]string{pkgName: pkgDir}
	result := api.Build(api.BuildOptions{
		Stdin: &api.StdinOptions{
			Contents:   contents,
			ResolveDir: pkgDir,
			Loader:     api.LoaderJS,
		},
		Bundle:   true,
		Write:    false,
		Format:   api.FormatESModule,
		Platform: api.PlatformBrowser,
		Target:   api.ESNext,
		LogLevel: api.LogLevelSilent,
		Plugins: []api.Plugin{
			resolver.ModuleResolvePlugin(singlePkgMap, "browser"),
			resolver.NodeBuiltinEmptyPlugin(s.moduleMap),
			resolver.UnknownExternalPlugin(singlePkgMap),
		},
	})
	if len(result.Errors) > 0 || len(result.OutputFiles) == 0 {
		return nil, fmt.Errorf("esbuild failed to bundle %s", spec)
	}
	return result.OutputFiles[0].Contents, nil
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

func (s *Server) writeJS(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write([]byte(code))
}

// writeOutdated responds 504 for a /@deps/ request whose ?v= query no
// longer matches the optimizer's current browser hash: the client's import
// map predates a dependency rerun and the module it's asking for isn't the
// one the server would now hand back, so it reloads instead of evaluating
// a possibly-incompatible module.
func (s *Server) writeOutdated(w http.ResponseWriter, urlPath string) {
	err := errs.OutdatedRequest(urlPath)
	http.Error(w, err.Error(), http.StatusGatewayTimeout)
	log.L.WithField("path", urlPath).Debug(err)
}

// writeTransformError responds 200 with a JS module that reports the
// error to the console (the browser has already started a module
// evaluation it expects to succeed, so a non-200 response would surface as
// an opaque network failure instead of the real diagnostic) and pushes the
// same diagnostic to connected clients as a wire error so the overlay can
// render it immediately without waiting on that evaluation to run.
func (s *Server) writeTransformError(w http.ResponseWriter, urlPath string, err error) {
	msg := strings.ReplaceAll(err.Error(), `"`, `\"`)
	js := fmt.Sprintf(`console.error(%q);`, fmt.Sprintf("[esmgraph] transform error in %s:\n%s", urlPath, msg))
	w.Header().Set("Content-Type", "application/javascript")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(js))
	log.L.WithField("path", urlPath).Warn(err)

	s.Transport.Send(transport.Message{Type: "error", Err: errorPayload(urlPath, err)})
}

// errorPayload builds a wire-ready ErrorPayload from a transform/resolution
// error, pulling file/line/column out of an *errs.Error's code frame when
// one is attached.
func errorPayload(urlPath string, err error) *transport.ErrorPayload {
	p := &transport.ErrorPayload{Message: err.Error()}

	var e *errs.Error
	if errors.As(err, &e) && e.Frame != nil {
		p.Loc = &transport.Loc{File: e.Frame.File, Line: e.Frame.Line, Column: e.Frame.Col}
		p.Frame = e.Frame.Text
	}
	if p.Loc == nil {
		p.Loc = &transport.Loc{File: urlPath}
	}
	return p
}

func logReq(kind string, r *http.Request, start time.Time) {
	log.L.WithFields(map[string]any{
		"kind": kind,
		"ms":   time.Since(start).Milliseconds(),
	}).Debugf("%s %s", r.Method, r.URL.Path)
}
