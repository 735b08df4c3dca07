package devserver

import (
	"fmt"
	"regexp"
	"strings"
)

// hmrClientScript is injected into every served HTML entry. It opens the
// `vite-hmr` WebSocket and applies every message type the Transport/HMR
// Engine send: a batched `update` (dynamic re-import per entry, Fast
// Refresh afterward if present), `full-reload`, `prune` (dispose callbacks
// — left to individual modules' own import.meta.hot wiring, since this
// client shim has no module registry of its own), and `error` (renders a
// dismissable overlay with the server-side diagnostic).
const hmrClientScript = `<script type="module">
(() => {
  const proto = location.protocol === "https:" ? "wss:" : "ws:";
  const socket = new WebSocket(proto + "//" + location.host + "/@hmr", "vite-hmr");

  function showErrorOverlay(err) {
    let overlay = document.getElementById("__esmgraph-error-overlay");
    if (overlay) overlay.remove();
    overlay = document.createElement("div");
    overlay.id = "__esmgraph-error-overlay";
    overlay.style.cssText = "position:fixed;inset:0;z-index:99999;background:rgba(0,0,0,0.85);" +
      "color:#fff;font-family:monospace;white-space:pre-wrap;padding:2rem;overflow:auto;";
    const loc = err.loc ? err.loc.file + ":" + err.loc.line + ":" + err.loc.column + "\\n" : "";
    overlay.textContent = loc + err.message + (err.frame ? "\\n\\n" + err.frame : "");
    overlay.addEventListener("click", () => overlay.remove());
    document.body.appendChild(overlay);
  }

  socket.addEventListener("message", async ({ data }) => {
    const msg = JSON.parse(data);
    switch (msg.type) {
      case "update": {
        let refreshed = false;
        for (const u of msg.updates) {
          try {
            await import(u.acceptedPath + (u.acceptedPath.includes("?") ? "&" : "?") + "t=" + u.timestamp);
            refreshed = true;
          } catch (err) {
            console.error("[hmr] failed to update " + u.path, err);
            location.reload();
            return;
          }
        }
        if (refreshed && window.__REACT_REFRESH__) {
          window.__REACT_REFRESH__.performReactRefresh();
        }
        break;
      }
      case "full-reload":
        location.reload();
        break;
      case "prune":
        break;
      case "error":
        showErrorOverlay(msg.err);
        break;
    }
  });
})();
</script>`

// refreshInitScript initializes react-refresh before any component module
// loads.
const refreshInitScript = `<script type="module">
import RefreshRuntime from "react-refresh";
RefreshRuntime.injectIntoGlobalHook(window);
window.$RefreshReg$ = () => {};
window.$RefreshSig$ = () => (type) => type;
window.__REACT_REFRESH__ = RefreshRuntime;
</script>`

var (
	scriptSrcRe = regexp.MustCompile(`(<script\s[^>]*type=["']module["'][^>]*\ssrc=["'])([^"']+)(["'][^>]*>)`)
	cssLinkRe   = regexp.MustCompile(`<link\s[^>]*rel=["']stylesheet["'][^>]*href=["'][^"']+["'][^>]*/?>`)
	hrefRe      = regexp.MustCompile(`href=["']([^"']+)["']`)
)

// rewriteHTML normalizes the entry script tag, drops <link rel=stylesheet>
// tags that don't resolve to a real file (CSS is injected through JS
// modules instead), and injects the import map plus the HMR client script.
func rewriteHTML(html string, importMapJSON []byte, hasRefresh bool, entryURLPath string, resolves func(path string) bool) string {
	html = scriptSrcRe.ReplaceAllStringFunc(html, func(match string) string {
		parts := scriptSrcRe.FindStringSubmatch(match)
		if parts == nil {
			return match
		}
		if resolves(parts[2]) {
			return match
		}
		return parts[1] + entryURLPath + parts[3]
	})

	html = cssLinkRe.ReplaceAllStringFunc(html, func(match string) string {
		hrefMatch := hrefRe.FindStringSubmatch(match)
		if hrefMatch == nil {
			return match
		}
		if resolves(hrefMatch[1]) {
			return match
		}
		return ""
	})

	if !scriptSrcRe.MatchString(html) && !strings.Contains(html, `src="`+entryURLPath+`"`) && !strings.Contains(html, `src='`+entryURLPath+`'`) {
		entryScript := fmt.Sprintf(`<script type="module" src="%s"></script>`, entryURLPath)
		if idx := strings.Index(html, "</body>"); idx >= 0 {
			html = html[:idx] + entryScript + "\n" + html[idx:]
		} else {
			html += "\n" + entryScript
		}
	}

	clientScript := hmrClientScript
	if hasRefresh {
		clientScript = refreshInitScript + "\n" + hmrClientScript
	}
	injection := fmt.Sprintf(`<script type="importmap">%s</script>
%s`, string(importMapJSON), clientScript)

	if idx := strings.Index(html, "</head>"); idx >= 0 {
		html = html[:idx] + injection + "\n" + html[idx:]
	} else if idx := strings.Index(html, "<body"); idx >= 0 {
		html = html[:idx] + injection + "\n" + html[idx:]
	} else {
		html = injection + "\n" + html
	}

	return html
}
