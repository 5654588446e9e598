// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate: %v", err)
	}
	if !strings.HasSuffix(cfg.Paths.Database, filepath.Join("conveyor", "conveyor.db")) {
		t.Errorf("Paths.Database = %q, want it under the root", cfg.Paths.Database)
	}
	if cfg.Server.PublicAPIURL != "http://127.0.0.1:7420" {
		t.Errorf("PublicAPIURL = %q, want derived from api_listen", cfg.Server.PublicAPIURL)
	}
}

func TestParseMergesOverDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(`
paths:
  root: /srv/conveyor
broker:
  history_limit: 10
lifecycle:
  sweep_interval: 5s
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Paths.Logs != "/srv/conveyor/logs" {
		t.Errorf("Paths.Logs = %q, want %q", cfg.Paths.Logs, "/srv/conveyor/logs")
	}
	if cfg.Broker.HistoryLimit != 10 {
		t.Errorf("HistoryLimit = %d, want 10", cfg.Broker.HistoryLimit)
	}
	if cfg.Broker.ClientQueue != 1024 {
		t.Errorf("ClientQueue = %d, want default 1024", cfg.Broker.ClientQueue)
	}
	durations, err := cfg.Durations()
	if err != nil {
		t.Fatalf("Durations: %v", err)
	}
	if durations.SweepInterval != 5*time.Second {
		t.Errorf("SweepInterval = %v, want 5s", durations.SweepInterval)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(`
environment: production
paths:
  root: /base
production:
  paths:
    root: /prod
  log:
    level: error
development:
  paths:
    root: /dev
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Paths.Root != "/prod" {
		t.Errorf("Paths.Root = %q, want /prod", cfg.Paths.Root)
	}
	if cfg.Paths.Units != "/prod/units" {
		t.Errorf("Paths.Units = %q, want /prod/units", cfg.Paths.Units)
	}
	if cfg.Log.Level != "error" {
		t.Errorf("Log.Level = %q, want error", cfg.Log.Level)
	}
}

func TestProductionDefaultOverrides(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte("environment: production\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want warn in production", cfg.Log.Level)
	}
}

func TestExpandVarsDefault(t *testing.T) {
	t.Parallel()

	got := expandVars("${CONVEYOR_TEST_UNSET_VARIABLE:-/fallback}/x", map[string]string{})
	if got != "/fallback/x" {
		t.Errorf("expandVars = %q, want /fallback/x", got)
	}
	got = expandVars("${ROOT}/db", map[string]string{"ROOT": "/r"})
	if got != "/r/db" {
		t.Errorf("expandVars = %q, want /r/db", got)
	}
}

func TestValidateAggregates(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(`
environment: staging
worker:
  binary: ""
cascade:
  webhook_timeout: soon
log:
  level: loud
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	err = cfg.Validate()
	if err == nil {
		t.Fatal("Validate accepted invalid config")
	}
	for _, want := range []string{"invalid environment", "worker.binary is required", "cascade.webhook_timeout", "log.level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate error missing %q:\n%v", want, err)
		}
	}
}

func TestLoadFileAndEnsurePaths(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	path := filepath.Join(root, "conveyor.yaml")
	if err := os.WriteFile(path, []byte("paths:\n  root: "+root+"/state\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths: %v", err)
	}
	for _, dir := range []string{cfg.Paths.Logs, cfg.Paths.Units, cfg.Secrets.Directory} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("%s not created: %v", dir, err)
		}
	}
}
