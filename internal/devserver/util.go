package devserver

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/vitelike/esmgraph/internal/resolver"
)

// idToURLPath mirrors internal/transform's unexported idToURL: turn an
// absolute file path into the URL path the browser would have requested it
// under, used by the react-refresh plugin to recognize the entry module.
func idToURLPath(root, base, id string) string {
	rel, err := filepath.Rel(root, id)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "/@fs/" + strings.TrimPrefix(id, "/")
	}
	p := strings.TrimSuffix(base, "/") + "/" + filepath.ToSlash(rel)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// cssModuleTemplate and assetModuleTemplate wrap static content in a JS
// module body so CSS and binary assets can be served through the same
// import pipeline as source modules.
const cssModuleTemplate = `const __file = %q;
let s = document.querySelector('style[data-file="' + __file + '"]');
if (!s) { s = document.createElement('style'); s.dataset.file = __file; document.head.appendChild(s); }
s.textContent = %s;
`

const assetModuleTemplate = `export default %q;
`

func isAssetExt(ext string) bool { return resolver.AssetExts[ext] }

// parseProxies converts "prefix=target" specs into reverse proxies,
// longest-prefix-first so the most specific prefix always wins.
func parseProxies(specs []string) (map[string]*httputil.ReverseProxy, []string) {
	proxies := make(map[string]*httputil.ReverseProxy, len(specs))
	var prefixes []string
	for _, spec := range specs {
		parts := strings.SplitN(spec, "=", 2)
		if len(parts) != 2 {
			continue
		}
		prefix := strings.TrimSpace(parts[0])
		target := strings.TrimSpace(parts[1])
		u, err := url.Parse(target)
		if err != nil {
			continue
		}
		proxy := httputil.NewSingleHostReverseProxy(u)
		originalDirector := proxy.Director
		proxy.Director = func(req *http.Request) {
			originalDirector(req)
			req.Host = u.Host
		}
		proxy.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
		proxies[prefix] = proxy
		prefixes = append(prefixes, prefix)
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	return proxies, prefixes
}

func getLocalIPs() []string {
	var ips []string
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			ips = append(ips, ipnet.IP.String())
		}
	}
	return ips
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return errors.Is(sysErr.Err, syscall.EADDRINUSE)
		}
	}
	return false
}

// localLibraries picks out moduleMap entries with no package.json — a
// workspace package served from its own source tree via /@lib/ rather than
// pre-bundled.
func localLibraries(moduleMap map[string]string) map[string]string {
	out := make(map[string]string)
	for name, dir := range moduleMap {
		absDir, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(absDir, "package.json")); err != nil {
			out[name] = absDir
		}
	}
	return out
}

func fmtAddr(host string, port int) string {
	if host == "" {
		host = "0.0.0.0"
	}
	return fmt.Sprintf("%s:%d", host, port)
}
