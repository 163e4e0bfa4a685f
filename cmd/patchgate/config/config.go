// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the patchgate YAML configuration.
//
// Resolution order: built-in defaults, then the YAML file, then environment
// variables (PATCHGATE_PORT, PATCHGATE_WORKSPACE_BASE, PATCHGATE_LOG_LEVEL,
// PATCHGATE_AUDIT_PATH).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/patchgate/pkg/logging"
	"github.com/AleutianAI/patchgate/services/patch"
	"github.com/AleutianAI/patchgate/services/patch/audit"
	"github.com/AleutianAI/patchgate/services/patch/telemetry"
	"github.com/AleutianAI/patchgate/services/patch/validate"
	"github.com/AleutianAI/patchgate/services/patch/workspace"
)

// Config is the root of patchgate.yaml.
type Config struct {
	Server     ServerConfig             `yaml:"server"`
	Policy     validate.Policy          `yaml:"policy"`
	Apply      ApplyConfig              `yaml:"apply"`
	Workspaces workspace.RegistryConfig `yaml:"workspaces"`
	Audit      AuditConfig              `yaml:"audit"`
	Telemetry  telemetry.Config         `yaml:"telemetry"`
	Logging    LoggingConfig            `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
}

// ApplyConfig configures patch application.
type ApplyConfig struct {
	MaxParallelFiles int                `yaml:"max_parallel_files"`
	Backup           bool               `yaml:"backup"`
	FS               workspace.FSConfig `yaml:"fs"`
}

// AuditConfig selects the audit sinks.
type AuditConfig struct {
	// Log writes hash-only records to the service log.
	Log bool `yaml:"log"`

	// Store persists records in BadgerDB when Store.Path is set or
	// Store.InMemory is true.
	Store audit.StoreConfig `yaml:"store"`
}

// Enabled reports whether a persistent store should be opened.
func (a AuditConfig) Enabled() bool {
	return a.Store.InMemory || a.Store.Path != ""
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// Default returns the built-in configuration.
func Default() Config {
	svc := patch.DefaultServiceConfig()
	return Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8090,
			ShutdownTimeout: 15 * time.Second,
			ReadTimeout:     30 * time.Second,
		},
		Policy: svc.Policy,
		Apply: ApplyConfig{
			MaxParallelFiles: svc.MaxParallelFiles,
			Backup:           svc.Backup,
			FS:               workspace.DefaultFSConfig(),
		},
		Audit: AuditConfig{
			Log:   true,
			Store: audit.DefaultStoreConfig(),
		},
		Telemetry: telemetry.DefaultConfig(),
		Logging:   LoggingConfig{Level: "info"},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path yields defaults plus environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		cfg.resolveRelative(filepath.Dir(path))
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// resolveRelative anchors relative paths in the file to its directory.
func (c *Config) resolveRelative(dir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) || p[0] == '~' {
			return p
		}
		return filepath.Join(dir, p)
	}
	c.Workspaces.RegistryFile = abs(c.Workspaces.RegistryFile)
	c.Workspaces.BaseDir = abs(c.Workspaces.BaseDir)
	c.Audit.Store.Path = abs(c.Audit.Store.Path)
	for id, root := range c.Workspaces.Roots {
		c.Workspaces.Roots[id] = abs(root)
	}
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PATCHGATE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PATCHGATE_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("PATCHGATE_WORKSPACE_BASE"); v != "" {
		c.Workspaces.BaseDir = v
	}
	if v := os.Getenv("PATCHGATE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PATCHGATE_AUDIT_PATH"); v != "" {
		c.Audit.Store.Path = v
	}
	return nil
}

// Validate checks the values that would otherwise fail late.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Apply.MaxParallelFiles < 0 {
		errs = append(errs, errors.New("apply.max_parallel_files must not be negative"))
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if _, err := validate.NewValidator(c.Policy); err != nil {
		errs = append(errs, fmt.Errorf("policy: %w", err))
	}
	return errors.Join(errs...)
}

// ServiceConfig projects the apply and policy sections.
func (c Config) ServiceConfig() patch.ServiceConfig {
	return patch.ServiceConfig{
		Policy:           c.Policy,
		MaxParallelFiles: c.Apply.MaxParallelFiles,
		Backup:           c.Apply.Backup,
	}
}

// LoggerConfig projects the logging section. Validate has already
// rejected unknown levels.
func (c Config) LoggerConfig() logging.Config {
	level, _ := logging.ParseLevel(c.Logging.Level)
	return logging.Config{
		Level:   level,
		LogDir:  c.Logging.Dir,
		Service: "patchgate",
		JSON:    c.Logging.JSON,
	}
}

// Addr returns host:port for the listener.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WriteDefault writes the default configuration to path, creating parent
// directories. Existing files are not overwritten.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
