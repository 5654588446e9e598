// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment names the deployment type.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Config is the server configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	Server    ServerConfig    `yaml:"server"`
	Paths     PathsConfig     `yaml:"paths"`
	Worker    WorkerConfig    `yaml:"worker"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Cascade   CascadeConfig   `yaml:"cascade"`
	Broker    BrokerConfig    `yaml:"broker"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Log       LogConfig       `yaml:"log"`

	Development *Overrides `yaml:"development,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides holds the sections an environment block may replace.
type Overrides struct {
	Server *ServerConfig `yaml:"server,omitempty"`
	Paths  *PathsConfig  `yaml:"paths,omitempty"`
	Log    *LogConfig    `yaml:"log,omitempty"`
}

// ServerConfig holds listen addresses and the URLs handed to workers.
type ServerConfig struct {
	// APIListen is the HTTP control API address. Default: 127.0.0.1:7420
	APIListen string `yaml:"api_listen"`

	// SourceListen is the broker source surface workers dial.
	// Default: 127.0.0.1:7421
	SourceListen string `yaml:"source_listen"`

	// ClientListen is the broker client surface observers dial.
	// Default: 127.0.0.1:7422
	ClientListen string `yaml:"client_listen"`

	// PublicAPIURL and PublicSourceAddress are injected into worker
	// environments. They default to the listen addresses.
	PublicAPIURL        string `yaml:"public_api_url"`
	PublicSourceAddress string `yaml:"public_source_address"`

	// MasterSecretFile holds the key material credential digests
	// are derived from. Created on first start when missing.
	MasterSecretFile string `yaml:"master_secret_file"`
}

// PathsConfig configures on-disk locations.
type PathsConfig struct {
	Root     string `yaml:"root"`
	Database string `yaml:"database"`

	// Logs is the root of the persisted job log tree.
	Logs string `yaml:"logs"`

	// Units is where the local driver keeps per-unit directories.
	Units string `yaml:"units"`
}

// WorkerConfig configures the worker processes the server spawns.
type WorkerConfig struct {
	// Binary is the conveyor-worker executable. Resolved through
	// PATH when not absolute.
	Binary string `yaml:"binary"`

	// BuildRoot is the default working directory for tasks. Each
	// unit gets its own subdirectory.
	BuildRoot string `yaml:"build_root"`

	// BufferLimit bounds the events a worker keeps while its broker
	// connection is down.
	BufferLimit int `yaml:"buffer_limit"`
}

// LifecycleConfig configures the worker lifecycle controller.
type LifecycleConfig struct {
	SweepInterval   string `yaml:"sweep_interval"`
	WatchRetryStart string `yaml:"watch_retry_start"`
	WatchRetryMax   string `yaml:"watch_retry_max"`
}

// CascadeConfig configures the stage trigger cascade.
type CascadeConfig struct {
	WebhookTimeout string `yaml:"webhook_timeout"`
}

// BrokerConfig configures the streaming broker.
type BrokerConfig struct {
	// HistoryLimit bounds the events kept per job. Oldest are
	// dropped first.
	HistoryLimit int `yaml:"history_limit"`

	// Retention is how long a finished job's history stays
	// available to late observers.
	Retention string `yaml:"retention"`

	// ClientQueue is the per-observer send queue length. An observer
	// that falls this far behind is disconnected.
	ClientQueue int `yaml:"client_queue"`
}

// SecretsConfig locates sealed secrets.
type SecretsConfig struct {
	// IdentityFile holds the age identity that opens sealed secrets.
	IdentityFile string `yaml:"identity_file"`

	// Directory holds {name}.age files.
	Directory string `yaml:"directory"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Durations are the parsed forms of the duration strings.
type Durations struct {
	SweepInterval   time.Duration
	WatchRetryStart time.Duration
	WatchRetryMax   time.Duration
	WebhookTimeout  time.Duration
	BrokerRetention time.Duration
}

// Default returns the base configuration that the file is merged into.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	root := filepath.Join(homeDir, ".local", "share", "conveyor")

	return &Config{
		Environment: Development,
		Server: ServerConfig{
			APIListen:        "127.0.0.1:7420",
			SourceListen:     "127.0.0.1:7421",
			ClientListen:     "127.0.0.1:7422",
			MasterSecretFile: "${CONVEYOR_ROOT}/master.key",
		},
		Paths: PathsConfig{
			Root:     root,
			Database: "${CONVEYOR_ROOT}/conveyor.db",
			Logs:     "${CONVEYOR_ROOT}/logs",
			Units:    "${CONVEYOR_ROOT}/units",
		},
		Worker: WorkerConfig{
			Binary:      "conveyor-worker",
			BuildRoot:   "${CONVEYOR_ROOT}/build",
			BufferLimit: 10000,
		},
		Lifecycle: LifecycleConfig{
			SweepInterval:   "30s",
			WatchRetryStart: "1s",
			WatchRetryMax:   "30s",
		},
		Cascade: CascadeConfig{
			WebhookTimeout: "10s",
		},
		Broker: BrokerConfig{
			HistoryLimit: 50000,
			Retention:    "10m",
			ClientQueue:  1024,
		},
		Secrets: SecretsConfig{
			IdentityFile: "${CONVEYOR_ROOT}/secrets/identity.txt",
			Directory:    "${CONVEYOR_ROOT}/secrets",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the file named by CONVEYOR_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv("CONVEYOR_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("CONVEYOR_CONFIG environment variable not set; " +
			"set it to the path of your conveyor.yaml, or use --config")
	}
	return LoadFile(path)
}

// LoadFile reads a configuration file, applies the matching
// environment overrides, and expands path variables. It does not
// validate; call Validate.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse is LoadFile without the file.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
		if overrides == nil {
			overrides = &Overrides{Log: &LogConfig{Level: "warn"}}
		}
	}
	if overrides == nil {
		return
	}

	if o := overrides.Server; o != nil {
		override(&c.Server.APIListen, o.APIListen)
		override(&c.Server.SourceListen, o.SourceListen)
		override(&c.Server.ClientListen, o.ClientListen)
		override(&c.Server.PublicAPIURL, o.PublicAPIURL)
		override(&c.Server.PublicSourceAddress, o.PublicSourceAddress)
		override(&c.Server.MasterSecretFile, o.MasterSecretFile)
	}
	if o := overrides.Paths; o != nil {
		override(&c.Paths.Root, o.Root)
		override(&c.Paths.Database, o.Database)
		override(&c.Paths.Logs, o.Logs)
		override(&c.Paths.Units, o.Units)
	}
	if o := overrides.Log; o != nil {
		override(&c.Log.Level, o.Level)
	}
}

func override(target *string, value string) {
	if value != "" {
		*target = value
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}
	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["CONVEYOR_ROOT"] = c.Paths.Root

	for _, field := range []*string{
		&c.Paths.Database,
		&c.Paths.Logs,
		&c.Paths.Units,
		&c.Worker.BuildRoot,
		&c.Server.MasterSecretFile,
		&c.Secrets.IdentityFile,
		&c.Secrets.Directory,
	} {
		*field = expandVars(*field, vars)
	}

	if c.Server.PublicAPIURL == "" {
		c.Server.PublicAPIURL = "http://" + c.Server.APIListen
	}
	if c.Server.PublicSourceAddress == "" {
		c.Server.PublicSourceAddress = c.Server.SourceListen
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars resolves ${VAR} and ${VAR:-default}, preferring vars over
// the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, defaultValue := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []error

	if !slices.Contains([]Environment{Development, Production}, c.Environment) {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	required := map[string]string{
		"server.api_listen":    c.Server.APIListen,
		"server.source_listen": c.Server.SourceListen,
		"server.client_listen": c.Server.ClientListen,
		"paths.root":           c.Paths.Root,
		"paths.database":       c.Paths.Database,
		"paths.logs":           c.Paths.Logs,
		"paths.units":          c.Paths.Units,
		"worker.binary":        c.Worker.Binary,
	}
	for _, name := range slices.Sorted(maps.Keys(required)) {
		if required[name] == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	if c.Worker.BufferLimit <= 0 {
		errs = append(errs, fmt.Errorf("worker.buffer_limit must be positive"))
	}
	if c.Broker.HistoryLimit <= 0 {
		errs = append(errs, fmt.Errorf("broker.history_limit must be positive"))
	}
	if c.Broker.ClientQueue <= 0 {
		errs = append(errs, fmt.Errorf("broker.client_queue must be positive"))
	}
	if _, err := c.Durations(); err != nil {
		errs = append(errs, err)
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level must be one of debug, info, warn, error"))
	}

	return errors.Join(errs...)
}

// Durations parses every duration field.
func (c *Config) Durations() (Durations, error) {
	var durations Durations
	var errs []error
	parse := func(name, value string, target *time.Duration) {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		if parsed <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
			return
		}
		*target = parsed
	}
	parse("lifecycle.sweep_interval", c.Lifecycle.SweepInterval, &durations.SweepInterval)
	parse("lifecycle.watch_retry_start", c.Lifecycle.WatchRetryStart, &durations.WatchRetryStart)
	parse("lifecycle.watch_retry_max", c.Lifecycle.WatchRetryMax, &durations.WatchRetryMax)
	parse("cascade.webhook_timeout", c.Cascade.WebhookTimeout, &durations.WebhookTimeout)
	parse("broker.retention", c.Broker.Retention, &durations.BrokerRetention)
	return durations, errors.Join(errs...)
}

// EnsurePaths creates the configured directories.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{
		c.Paths.Root,
		filepath.Dir(c.Paths.Database),
		c.Paths.Logs,
		c.Paths.Units,
		c.Worker.BuildRoot,
		c.Secrets.Directory,
	} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

// WorkerBinaryPath resolves Worker.Binary to an absolute path.
func (c *Config) WorkerBinaryPath() (string, error) {
	if filepath.IsAbs(c.Worker.Binary) {
		if _, err := os.Stat(c.Worker.Binary); err != nil {
			return "", fmt.Errorf("worker binary: %w", err)
		}
		return c.Worker.Binary, nil
	}
	path, err := exec.LookPath(c.Worker.Binary)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH", c.Worker.Binary)
	}
	return path, nil
}
