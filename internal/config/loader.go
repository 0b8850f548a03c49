package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// LoadYAML decodes configFile into config.
func LoadYAML(configFile string, config any) error {
	if configFile == "" {
		return fmt.Errorf("config file path is empty")
	}

	f, err := os.Open(configFile)
	if err != nil {
		return fmt.Errorf("failed to open config file %s: %w", configFile, err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(config); err != nil {
		return fmt.Errorf("failed to decode YAML config from %s: %w", configFile, err)
	}
	return nil
}

// SaveYAML writes config to configFile with 2-space indentation.
func SaveYAML(configFile string, config any) error {
	if configFile == "" {
		return fmt.Errorf("config file path is empty")
	}

	f, err := os.Create(configFile)
	if err != nil {
		return fmt.Errorf("failed to create config file %s: %w", configFile, err)
	}
	defer f.Close()

	encoder := yaml.NewEncoder(f, yaml.Indent(2))
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode YAML config to %s: %w", configFile, err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("failed to finalize YAML encoding to %s: %w", configFile, err)
	}
	return nil
}

// LoadYAMLOrCreate loads configFile, or writes config to it when it does not
// exist yet.
func LoadYAMLOrCreate(configFile string, config any) error {
	if fileExists(configFile) {
		return LoadYAML(configFile, config)
	}
	return SaveYAML(configFile, config)
}
