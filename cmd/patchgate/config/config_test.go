// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/patchgate/pkg/logging"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "patchgate.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.Server.Port != 8090 {
		t.Errorf("Server.Port = %d, want 8090", cfg.Server.Port)
	}
	if cfg.Policy.MaxFiles != 50 {
		t.Errorf("Policy.MaxFiles = %d, want 50", cfg.Policy.MaxFiles)
	}
	if !cfg.Apply.Backup {
		t.Error("Apply.Backup should default to true")
	}
	if cfg.Audit.Enabled() {
		t.Error("audit store should be disabled without a path")
	}
	if cfg.Server.Addr() != "127.0.0.1:8090" {
		t.Errorf("Addr() = %q", cfg.Server.Addr())
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
  shutdown_timeout: 5s
policy:
  max_files: 3
apply:
  max_parallel_files: 2
  backup: false
workspaces:
  registry_file: workspaces.yaml
  roots:
    demo: ./demo
audit:
  store:
    path: audit-db
    retention: 24h
logging:
  level: debug
`)
	dir := filepath.Dir(path)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout != 5*time.Second {
		t.Errorf("ShutdownTimeout = %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("unset Host lost its default: %q", cfg.Server.Host)
	}
	if cfg.Policy.MaxFiles != 3 {
		t.Errorf("Policy.MaxFiles = %d", cfg.Policy.MaxFiles)
	}
	if cfg.Policy.MaxPatchBytes != 1<<20 {
		t.Errorf("unset MaxPatchBytes lost its default: %d", cfg.Policy.MaxPatchBytes)
	}
	if cfg.Apply.Backup {
		t.Error("Apply.Backup should be false")
	}
	if cfg.Workspaces.RegistryFile != filepath.Join(dir, "workspaces.yaml") {
		t.Errorf("RegistryFile = %q", cfg.Workspaces.RegistryFile)
	}
	if cfg.Workspaces.Roots["demo"] != filepath.Join(dir, "demo") {
		t.Errorf("Roots[demo] = %q", cfg.Workspaces.Roots["demo"])
	}
	if !cfg.Audit.Enabled() || cfg.Audit.Store.Path != filepath.Join(dir, "audit-db") {
		t.Errorf("Audit.Store.Path = %q", cfg.Audit.Store.Path)
	}
	if cfg.Audit.Store.Retention != 24*time.Hour {
		t.Errorf("Retention = %v", cfg.Audit.Store.Retention)
	}

	svc := cfg.ServiceConfig()
	if svc.MaxParallelFiles != 2 || svc.Backup {
		t.Errorf("ServiceConfig() = %+v", svc)
	}
	if cfg.LoggerConfig().Level != logging.LevelDebug {
		t.Errorf("LoggerConfig().Level = %v", cfg.LoggerConfig().Level)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PATCHGATE_PORT", "7001")
	t.Setenv("PATCHGATE_WORKSPACE_BASE", "/srv/workspaces")
	t.Setenv("PATCHGATE_LOG_LEVEL", "warn")
	t.Setenv("PATCHGATE_AUDIT_PATH", "/var/lib/patchgate/audit")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7001 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if cfg.Workspaces.BaseDir != "/srv/workspaces" {
		t.Errorf("BaseDir = %q", cfg.Workspaces.BaseDir)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
	if cfg.Audit.Store.Path != "/var/lib/patchgate/audit" {
		t.Errorf("Audit.Store.Path = %q", cfg.Audit.Store.Path)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     string
	}{
		{name: "bad yaml", content: "server: [unclosed"},
		{name: "bad port", content: "server:\n  port: 70000\n"},
		{name: "bad level", content: "logging:\n  level: loud\n"},
		{name: "bad policy", content: "policy:\n  max_files: 0\n"},
		{name: "bad env port", content: "{}\n", env: "eighty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.env != "" {
				t.Setenv("PATCHGATE_PORT", tt.env)
			}
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("Load() should fail")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() should fail for a missing file")
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "patchgate.yaml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if err := WriteDefault(path); err == nil {
		t.Error("WriteDefault() should refuse to overwrite")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config does not parse: %v", err)
	}
	if cfg.Server.Port != Default().Server.Port {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout != Default().Server.ShutdownTimeout {
		t.Errorf("ShutdownTimeout = %v", cfg.Server.ShutdownTimeout)
	}
}
