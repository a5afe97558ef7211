package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig holds process command flags loaded from a yaml file.
type fileConfig struct {
	In        string        `yaml:"in"`
	Out       string        `yaml:"out"`
	Workers   int           `yaml:"workers"`
	Mode      string        `yaml:"mode"`
	Models    []string      `yaml:"models"`
	Queue     int           `yaml:"queue"`
	OnError   string        `yaml:"on_error"`
	Timeout   time.Duration `yaml:"timeout"` // e.g. 250ms
	Manifest  string        `yaml:"manifest"`
	DebugAddr string        `yaml:"debug_addr"`
	Progress  int           `yaml:"progress"`
	FPS       float64       `yaml:"fps"`
	Format    string        `yaml:"format"`
	OTLP      string        `yaml:"otlp"`
}

// loadConfig reads and parses a yaml configuration file.
func loadConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (cfg *fileConfig) validate() error {
	if cfg.Workers < 0 {
		return fmt.Errorf("workers must not be negative: %d", cfg.Workers)
	}
	if cfg.Queue < 0 {
		return fmt.Errorf("queue must not be negative: %d", cfg.Queue)
	}
	if cfg.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative: %v", cfg.Timeout)
	}
	return nil
}
