package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ModelCatalog maps caller-facing model ids to the dated upstream aliases and
// the system_fingerprint values advertised for them.
type ModelCatalog struct {
	Aliases      map[string]string   `yaml:"aliases"`
	Fingerprints map[string][]string `yaml:"fingerprints"`
}

// LoadModelCatalog parses an optional YAML catalog override. An empty path
// returns an empty catalog.
func LoadModelCatalog(path string) (ModelCatalog, error) {
	var catalog ModelCatalog
	if path == "" {
		return catalog, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return catalog, fmt.Errorf("read model catalog: %w", err)
	}
	if err := yaml.Unmarshal(raw, &catalog); err != nil {
		return catalog, fmt.Errorf("parse model catalog: %w", err)
	}
	return catalog, nil
}
