package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Path          string `yaml:"path"`
	MinimumFreeGB uint   `yaml:"minimumFreeGB"`
	LogLevel      string `yaml:"logLevel"`
}

// Load reads a yaml config file and fills in defaults for missing values.
func Load(path string) (Config, error) {
	var config Config

	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("parse config %s: %w", path, err)
	}

	if config.Path == "" {
		config.Path = "./ouroboros-pin-data"
	}
	if config.MinimumFreeGB == 0 {
		config.MinimumFreeGB = 1
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}

	return config, nil
}
