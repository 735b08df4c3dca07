package devserver

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vitelike/esmgraph/internal/plugin"
)

// tailwindEntry caches compiled Tailwind output, invalidated on the source
// CSS file's own mtime only — not on unrelated JS/TS edits.
type tailwindEntry struct {
	css     string
	modTime time.Time
}

// TailwindPlugin registers a Load hook that shells out to the Tailwind CLI
// for any .css file containing an `@tailwind` directive. CSS files without
// the directive fall through (ok=false) to the default filesystem load.
func TailwindPlugin(bin, configPath string) plugin.Plugin {
	cache := &sync.Map{}

	return plugin.Plugin{
		Name: "tailwind-css",
		Load: func(ctx *plugin.Context, id string) (string, bool, error) {
			if !strings.HasSuffix(id, ".css") {
				return "", false, nil
			}
			data, err := os.ReadFile(id)
			if err != nil {
				return "", false, nil
			}
			if !bytes.Contains(data, []byte("@tailwind")) {
				return "", false, nil
			}

			info, err := os.Stat(id)
			if err != nil {
				return "", false, nil
			}
			if cached, ok := cache.Load(id); ok {
				e := cached.(*tailwindEntry)
				if e.modTime.Equal(info.ModTime()) {
					return e.css, true, nil
				}
			}

			args := []string{"--input", id}
			if configPath != "" {
				args = append(args, "--config", filepath.Base(configPath))
			}
			cmd := exec.Command(bin, args...)
			if configPath != "" {
				cmd.Dir = filepath.Dir(configPath)
			}
			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr
			if err := cmd.Run(); err != nil {
				return "", false, fmt.Errorf("tailwind: %v\n%s", err, stderr.String())
			}

			css := stdout.String()
			cache.Store(id, &tailwindEntry{css: css, modTime: info.ModTime()})
			return css, true, nil
		},
	}
}
