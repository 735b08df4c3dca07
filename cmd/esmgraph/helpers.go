package main

import (
	"fmt"
	"path/filepath"

	"github.com/vitelike/esmgraph/internal/deplock"
)

// resolveAbs makes root an absolute path, defaulting to the working
// directory the way internal/config.Load does for its own Root option.
func resolveAbs(root string) (string, error) {
	if root == "" {
		root = "."
	}
	return filepath.Abs(root)
}

// loadLockfileModuleMap turns a package-lock.json into the package-name ->
// node_modules-dir map internal/optimizer.New expects, the standalone-CLI
// counterpart of what internal/devserver.New does inline for a live serve
// run.
func loadLockfileModuleMap(lockfilePath, root string) (map[string]string, error) {
	lf, err := deplock.Load(lockfilePath, true)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", lockfilePath, err)
	}

	moduleMap := make(map[string]string, len(lf.Packages))
	for _, pkg := range lf.Packages {
		moduleMap[pkg.Name] = filepath.Join(root, "node_modules", pkg.EffectivePkgName())
	}
	return moduleMap, nil
}
