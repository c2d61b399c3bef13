package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type config struct {
	ServerURL string `yaml:"serverURL"`
	Purpose   string `yaml:"purpose"`
	Token     string `yaml:"token"`
	LogPath   string `yaml:"logPath"`
}

// loadConfig reads the client config file. A missing file is fine; every
// field has a default or an environment fallback.
func loadConfig(path string) (config, error) {
	cfg := config{}

	f, err := os.Open(path)
	if err == nil {
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("error decoding config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("error opening config file: %w", err)
	}

	if cfg.ServerURL == "" {
		cfg.ServerURL = "http://localhost:8001"
	}
	if cfg.Purpose == "" {
		cfg.Purpose = "general assistance"
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv("PURPOSECHAT_TOKEN")
	}
	return cfg, nil
}
