package optimizer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// MergeImportmaps reads several importmap.json files (one per
// independently pre-bundled package, as produced by one Optimizer.Run
// each) and writes their merged "imports" object to outPath.
func MergeImportmaps(files []string, outPath string) error {
	merged := make(map[string]string)
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("reading %s: %w", f, err)
		}
		var im struct {
			Imports map[string]string `json:"imports"`
		}
		if err := json.Unmarshal(data, &im); err != nil {
			return fmt.Errorf("parsing %s: %w", f, err)
		}
		for k, v := range im.Imports {
			merged[k] = v
		}
	}

	result, err := json.Marshal(map[string]any{"imports": merged})
	if err != nil {
		return fmt.Errorf("marshaling merged import map: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(outPath, result, 0644)
}
