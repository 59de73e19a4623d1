package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SnapshotFileName is written into the run directory by the designated rank.
const SnapshotFileName = "run_config.yaml"

// MarshalYAML-compatible view of the run settings. Identity fields are
// excluded since they differ per process.
func (c *Config) yamlBytes() ([]byte, error) {
	return yaml.Marshal(c)
}

// Snapshot returns the run settings as a generic map, for telemetry.
func (c *Config) Snapshot() (map[string]any, error) {
	data, err := c.yamlBytes()
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WriteSnapshot writes the run settings to dir/run_config.yaml.
func (c *Config) WriteSnapshot(dir string) (string, error) {
	data, err := c.yamlBytes()
	if err != nil {
		return "", fmt.Errorf("encode run config: %w", err)
	}
	path := filepath.Join(dir, SnapshotFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write run config: %w", err)
	}
	return path, nil
}

// ReadSnapshot decodes a run_config.yaml.
func ReadSnapshot(path string) (*Config, error) {
	//nolint:gosec // G304: path is inside a run directory
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &c, nil
}
