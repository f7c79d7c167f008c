// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the cognition service configuration.
//
// The file lives at <root>/cognition.yaml and is created with the defaults
// of the selected deployment mode on first run. All derived storage paths
// hang off Root; see Paths.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/cognition/services/cognition/telemetry"
)

// FileName is the configuration file name under the root.
const FileName = "cognition.yaml"

// Mode is a deployment mode.
type Mode string

const (
	// ModeDevelopment snapshots every 10 cycles.
	ModeDevelopment Mode = "development"
	// ModeProduction snapshots every 100 cycles.
	ModeProduction Mode = "production"
)

// ParseMode accepts "development"/"dev" and "production"/"prod".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "development", "dev", "":
		return ModeDevelopment, nil
	case "production", "prod":
		return ModeProduction, nil
	}
	return "", fmt.Errorf("config: unknown mode %q", s)
}

// ErrInvalid wraps validation failures.
var ErrInvalid = errors.New("config: invalid configuration")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the full service configuration.
type Config struct {
	// Root is the storage root. Every path below is relative to it.
	Root string `yaml:"-" validate:"required"`

	Mode Mode `yaml:"mode" validate:"required,oneof=development production"`

	Engine    EngineConfig     `yaml:"engine"`
	Ledger    LedgerConfig     `yaml:"ledger"`
	Snapshot  SnapshotConfig   `yaml:"snapshot"`
	Evolution EvolutionConfig  `yaml:"evolution"`
	Trace     TraceConfig      `yaml:"trace"`
	HTTP      HTTPConfig       `yaml:"http"`
	Log       LogConfig        `yaml:"log"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// EngineConfig tunes the cycle engine.
type EngineConfig struct {
	Period             time.Duration `yaml:"period" validate:"gt=0"`
	WarmUp             time.Duration `yaml:"warm_up" validate:"gte=0"`
	SnapshotEvery      int64         `yaml:"snapshot_every" validate:"gte=1"`
	NormalizeEvery     int64         `yaml:"normalize_every" validate:"gte=1"`
	FeedbackEvery      int64         `yaml:"feedback_every" validate:"gte=1"`
	HistorySize        int           `yaml:"history_size" validate:"gte=1,lte=10000"`
	AssociationWindow  time.Duration `yaml:"association_window" validate:"gt=0"`
	FoldInputDigest    bool          `yaml:"fold_input_digest"`
	AggregateRetention time.Duration `yaml:"aggregate_retention" validate:"gt=0"`
}

// LedgerConfig tunes the ledger writer.
type LedgerConfig struct {
	// FlushEvery is the number of appends buffered before a flush.
	FlushEvery int `yaml:"flush_every" validate:"gte=1"`
}

// SnapshotConfig tunes snapshot rotation.
type SnapshotConfig struct {
	Retention            int `yaml:"retention" validate:"gte=1"`
	CompressionThreshold int `yaml:"compression_threshold" validate:"gte=0"`
}

// EvolutionConfig tunes the evolution log.
type EvolutionConfig struct {
	FlushEvery int `yaml:"flush_every" validate:"gte=1"`
}

// TraceConfig locates raw trace input.
type TraceConfig struct {
	// Dir holds file-changes.jsonl and git-commits.jsonl. Relative to Root.
	Dir string `yaml:"dir" validate:"required"`

	// Watch, when set, records file changes under this directory.
	Watch string `yaml:"watch,omitempty"`

	// Ignore lists path segments the recorder skips.
	Ignore []string `yaml:"ignore,omitempty"`
}

// HTTPConfig configures the query API.
type HTTPConfig struct {
	// Listen is the address; empty disables the server.
	Listen string `yaml:"listen" validate:"omitempty,hostname_port"`

	// RateLimit is requests per second across the server.
	RateLimit float64 `yaml:"rate_limit" validate:"gt=0"`
	Burst     int     `yaml:"burst" validate:"gte=1"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	// Dir enables the JSON log file. Relative to Root.
	Dir string `yaml:"dir,omitempty"`
}

// Default returns the defaults for a mode rooted at root.
func Default(root string, mode Mode) Config {
	snapshotEvery := int64(10)
	if mode == ModeProduction {
		snapshotEvery = 100
	}
	return Config{
		Root: root,
		Mode: mode,
		Engine: EngineConfig{
			Period:             10 * time.Second,
			WarmUp:             5 * time.Second,
			SnapshotEvery:      snapshotEvery,
			NormalizeEvery:     100,
			FeedbackEvery:      100,
			HistorySize:        100,
			AssociationWindow:  60 * time.Second,
			AggregateRetention: 90 * 24 * time.Hour,
		},
		Ledger:    LedgerConfig{FlushEvery: 1},
		Snapshot:  SnapshotConfig{Retention: 30, CompressionThreshold: 500 * 1024},
		Evolution: EvolutionConfig{FlushEvery: 10},
		Trace:     TraceConfig{Dir: "traces", Ignore: []string{".git", "node_modules", ".cognition"}},
		HTTP:      HTTPConfig{Listen: "127.0.0.1:8790", RateLimit: 50, Burst: 100},
		Log:       LogConfig{Level: "info", Dir: "logs"},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Validate checks the struct tags.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Load reads <root>/cognition.yaml, creating it from Default(root, mode)
// when missing. Keys absent from the file keep their defaults.
//
// # Outputs
//
//   - Config: Validated configuration with Root set.
//   - bool: True when the file was created.
//   - error: Read, parse or validation failure.
func Load(root string, mode Mode) (Config, bool, error) {
	return LoadFile(root, filepath.Join(root, FileName), mode)
}

// LoadFile is Load with an explicit file path.
func LoadFile(root, path string, mode Mode) (Config, bool, error) {
	cfg := Default(root, mode)
	created := false

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := Save(path, cfg); err != nil {
			return Config{}, false, err
		}
		created = true
	case err != nil:
		return Config{}, false, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, false, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.Root = root
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, created, err
	}
	return cfg, created, nil
}

// Save writes cfg as YAML, creating the parent directory.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// ===== Derived paths =====

// Paths are the on-disk locations derived from Root.
type Paths struct {
	Lock      string
	Ledger    string
	Index     string
	Snapshots string
	Evolution string
	Artifacts string
	Aggregate string
	Traces    string
	Logs      string
}

// Paths resolves the storage layout.
func (c Config) Paths() Paths {
	return Paths{
		Lock:      filepath.Join(c.Root, ".lock"),
		Ledger:    filepath.Join(c.Root, "ledger", "cycles.jsonl"),
		Index:     filepath.Join(c.Root, "index", "cache-index.json"),
		Snapshots: filepath.Join(c.Root, "snapshots"),
		Evolution: filepath.Join(c.Root, "evolution", "pattern-evolution.jsonl"),
		Artifacts: filepath.Join(c.Root, "state"),
		Aggregate: filepath.Join(c.Root, "aggregates"),
		Traces:    c.resolve(c.Trace.Dir),
		Logs:      c.resolve(c.Log.Dir),
	}
}

func (c Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Root, p)
}
