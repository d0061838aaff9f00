package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kwv/viscomesh/registration"
	"github.com/kwv/viscomesh/telemetry"
)

// LogConfig controls the process logger
type LogConfig struct {
	Level   string `yaml:"level"`   // trace, debug, info, warn, error
	Console bool   `yaml:"console"` // Human-readable output instead of JSON
}

// FileConfig is the on-disk configuration of the CLI
type FileConfig struct {
	Registration registration.Config  `yaml:"registration"`
	MQTT         telemetry.MQTTConfig `yaml:"mqtt"`
	Log          LogConfig            `yaml:"log"`
}

// DefaultFileConfig returns the configuration used when no file is given
func DefaultFileConfig() *FileConfig {
	return &FileConfig{
		Registration: registration.DefaultConfig(),
		Log:          LogConfig{Level: "info", Console: true},
	}
}

// LoadConfig loads the configuration from a YAML file.
// Keys missing from the file keep their default values.
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultFileConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Registration.Validate(); err != nil {
		return nil, fmt.Errorf("registration: %w", err)
	}
	return config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *FileConfig) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
