// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the cdctl configuration file, ~/.cdctl/config.yaml by default.
type Config struct {
	Server         string        `yaml:"server"`
	Token          string        `yaml:"token,omitempty"`
	CallbackSecret string        `yaml:"callback_secret,omitempty"`
	User           string        `yaml:"user,omitempty"`
	Output         string        `yaml:"output,omitempty"`
	Timeout        time.Duration `yaml:"timeout,omitempty"`
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() Config {
	return Config{
		Server:  "http://localhost:12310",
		Output:  "auto",
		Timeout: 30 * time.Second,
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".cdctl", "config.yaml")
}

// loadConfig reads path over the defaults. A missing file is not an error.
func loadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return cfg, nil
}

// applyEnv overlays CDCTL_* variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("CDCTL_SERVER"); v != "" {
		c.Server = v
	}
	if v := os.Getenv("CDCTL_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("CDCTL_CALLBACK_SECRET"); v != "" {
		c.CallbackSecret = v
	}
	if v := os.Getenv("CDCTL_USER"); v != "" {
		c.User = v
	}
}
