// SPDX-License-Identifier: GPL-3.0-or-later

// Package config loads the administrative configuration file (the path
// the caller names; the wpkg command defaults to /etc/wpkg/wpkg.yaml) and
// applies WPKG_*-prefixed environment overrides on
// top of it, per spec.md §6 and the installer's ambient configuration
// needs (force-flag defaults, database/sources-list paths, logging).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full set of administrative settings read from the
// configuration file, with environment overrides applied.
type Config struct {
	Database    string            `yaml:"database"`
	SourcesList string            `yaml:"sources-list"`
	LogFile     string            `yaml:"log-file"`
	LogLevel    string            `yaml:"log-level"`
	LogJSON     bool              `yaml:"log-json"`
	Force       map[string]bool   `yaml:"force"`
	Extra       map[string]string `yaml:"-"`
}

// Default returns a Config with the teacher-equivalent defaults: a
// database under /var/lib/wpkg, a sources list under /etc/wpkg, and
// info-level text logging to stderr.
func Default() Config {
	return Config{
		Database:    "/var/lib/wpkg",
		SourcesList: "/etc/wpkg/sources.list",
		LogLevel:    "info",
		Force:       map[string]bool{},
	}
}

// Load reads path as YAML over Default(), then applies WPKG_*
// environment variable overrides, matching the "file, then env"
// precedence order config.Load documents. A missing file is not an
// error; Default() alone is returned with env overrides applied.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("reading config %q: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %q: %w", path, err)
		}
	}

	applyEnvironment(&cfg, os.Environ())
	return cfg, nil
}

// applyEnvironment walks env for WPKG_*-prefixed variables and overrides
// the matching Config field. WPKG_FORCE_<NAME> sets Force["<name>"]; any
// other WPKG_<FIELD> maps to the corresponding scalar field.
func applyEnvironment(cfg *Config, env []string) {
	for _, kv := range env {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "WPKG_") {
			continue
		}
		name := strings.TrimPrefix(key, "WPKG_")

		if strings.HasPrefix(name, "FORCE_") {
			flag := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(name, "FORCE_"), "_", "-"))
			if cfg.Force == nil {
				cfg.Force = map[string]bool{}
			}
			cfg.Force[flag] = parseBool(value)
			continue
		}

		switch name {
		case "DATABASE":
			cfg.Database = value
		case "SOURCES_LIST":
			cfg.SourcesList = value
		case "LOG_FILE":
			cfg.LogFile = value
		case "LOG_LEVEL":
			cfg.LogLevel = value
		case "LOG_JSON":
			cfg.LogJSON = parseBool(value)
		default:
			if cfg.Extra == nil {
				cfg.Extra = map[string]string{}
			}
			cfg.Extra[name] = value
		}
	}
}

func parseBool(s string) bool {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false
	}
	return v
}
