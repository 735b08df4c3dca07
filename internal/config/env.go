package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadEnvFiles loads .env variants in Vite's priority order — base,
// base.local, base.mode, base.mode.local, each later file winning over the
// former — and returns only the prefix-filtered subset meant to be exposed
// to the browser as import.meta.env.*, using a caller-supplied prefix
// instead of a hardcoded one.
func LoadEnvFiles(basePath, mode, prefix string) (map[string]string, error) {
	result := make(map[string]string)

	paths := []string{
		basePath,
		basePath + ".local",
		basePath + "." + mode,
		basePath + "." + mode + ".local",
	}

	for _, p := range paths {
		vars, err := parseEnvFile(p, prefix)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		for k, v := range vars {
			result[k] = v
		}
	}

	return result, nil
}

func parseEnvFile(path, prefix string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	result := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		val = strings.Trim(val, `"'`)
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		result[key] = val
	}
	return result, scanner.Err()
}

// DefineForBrowser converts env vars into esbuild Define entries of the
// form import.meta.env.KEY = "value", JSON-quoting each value so esbuild's
// textual substitution produces valid JS string literals.
func DefineForBrowser(vars map[string]string, mode string, dev bool) map[string]string {
	define := make(map[string]string, len(vars)+4)
	for k, v := range vars {
		define[fmt.Sprintf("import.meta.env.%s", k)] = quoteJS(v)
	}
	define["import.meta.env.MODE"] = quoteJS(mode)
	define["import.meta.env.DEV"] = fmt.Sprintf("%v", dev)
	define["import.meta.env.PROD"] = fmt.Sprintf("%v", !dev)
	define["import.meta.env.SSR"] = "false"
	return define
}

func quoteJS(s string) string {
	return fmt.Sprintf("%q", s)
}
