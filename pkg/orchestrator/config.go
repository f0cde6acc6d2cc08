package orchestrator

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadConfigFile reads a YAML configuration file and overlays it onto
// DefaultConfig(): defaults first, then whatever the file actually sets. A
// missing file is not an error; the caller gets plain defaults.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("orchestrator: read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("orchestrator: parse config file: %w", err)
	}
	return cfg, nil
}

// SaveConfigFile writes cfg to path as YAML, for a host that wants to
// persist an admin-adjusted configuration (e.g. after changing Recovery or
// Balancer tunables at runtime) across restarts.
func SaveConfigFile(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("orchestrator: marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("orchestrator: write config file: %w", err)
	}
	return nil
}
