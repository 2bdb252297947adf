package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadServerConfig reads and normalizes a store server configuration file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	var cfg ServerConfig
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadPDConfig reads and normalizes a PD server configuration file.
func LoadPDConfig(path string) (*PDConfig, error) {
	var cfg PDConfig
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func load(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}
