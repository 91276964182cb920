// Package curriculum models the fixed Part→Topic (or Chapter→Section)
// hierarchy of each exam subject and loads it from YAML files.
package curriculum

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load walks rootDir and builds a catalog from every curriculum YAML file.
// Files that fail to parse or validate are skipped with a warning.
func Load(rootDir string) (*Catalog, error) {
	catalog, _ := NewCatalog()

	err := filepath.Walk(rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, ".yaml") && !strings.HasSuffix(path, ".yml") {
			return nil
		}
		return loadFile(catalog, path)
	})
	if err != nil {
		return nil, fmt.Errorf("loading curriculum: %w", err)
	}

	slog.Info("curriculum loaded", "subjects", catalog.Len(), "path", rootDir)
	return catalog, nil
}

func loadFile(catalog *Catalog, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var cur Curriculum
	if err := yaml.Unmarshal(data, &cur); err != nil {
		slog.Warn("skipping invalid curriculum YAML", "path", path, "error", err)
		return nil
	}

	if cur.ID == "" {
		return nil // Not a curriculum file
	}
	if cur.Granularity == "" {
		cur.Granularity = GranularityPart
	}

	if err := catalog.Add(cur); err != nil {
		slog.Warn("skipping curriculum", "path", path, "error", err)
	}
	return nil
}
