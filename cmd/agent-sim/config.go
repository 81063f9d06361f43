package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

// NewDefaultSimConfig returns a configuration that acknowledges everything.
func NewDefaultSimConfig() SimConfig {
	return SimConfig{
		Listen: "127.0.0.1:1112",
		Default: DefaultConfig{
			Behavior: Behavior{Action: Action{Type: ActionOK}},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig loads simulator configuration from a YAML file.
func LoadConfig(path string) (SimConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SimConfig{}, err
	}

	config := NewDefaultSimConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return SimConfig{}, err
	}

	return config, nil
}
