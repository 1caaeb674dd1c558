// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package config loads, merges, and saves the TOML configuration consumed
// by the planner and the two executors. Configuration loading itself is an
// external collaborator's concern per the core's scope, but the shape of
// Config and the winnowing table it carries are part of the contract the
// core depends on.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/trangkyanh17/hybridmount/internal/defs"
	"github.com/trangkyanh17/hybridmount/internal/errkind"
)

// DefaultConfigFile is the conventional on-disk location of the config.
const DefaultConfigFile = "/data/adb/meta-hybrid/config.toml"

// WinnowingTable maps an absolute projected path to the module ID that
// should win a conflict at that path. It is read-only during planning.
type WinnowingTable struct {
	Rules map[string]string `toml:"rules"`
}

// PreferredModule looks up the module ID the user prefers for an absolute
// path, if any rule covers it.
func (w WinnowingTable) PreferredModule(path string) (string, bool) {
	if w.Rules == nil {
		return "", false
	}
	id, ok := w.Rules[path]
	return id, ok
}

// SetRule records a preference for path, overwriting any prior rule.
func (w *WinnowingTable) SetRule(path, moduleID string) {
	if w.Rules == nil {
		w.Rules = map[string]string{}
	}
	w.Rules[path] = moduleID
}

// Config is the full set of options the core and its CLI wrapper consult.
type Config struct {
	ModuleDir     string         `toml:"moduledir"`
	MountSource   string         `toml:"mountsource"`
	Verbose       bool           `toml:"verbose"`
	Partitions    partitionsList `toml:"partitions"`
	ForceExt4     bool           `toml:"force_ext4"`
	UseErofs      bool           `toml:"use_erofs"`
	DisableUmount bool           `toml:"disable_umount"`
	DryRun        bool           `toml:"dry_run"`
	Winnowing     WinnowingTable `toml:"winnowing"`
}

// partitionsList decodes from either a TOML array of strings or a single
// comma-separated string, matching deserialize_partitions_flexible in the
// original configuration format.
type partitionsList []string

func (p *partitionsList) UnmarshalTOML(v interface{}) error {
	switch val := v.(type) {
	case []interface{}:
		out := make(partitionsList, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return fmt.Errorf("partitions: non-string entry %v: %w", item, errkind.Config)
			}
			out = append(out, s)
		}
		*p = out
	case string:
		var out partitionsList
		for _, item := range strings.Split(val, ",") {
			item = strings.TrimSpace(item)
			if item != "" {
				out = append(out, item)
			}
		}
		*p = out
	default:
		return fmt.Errorf("partitions: unsupported TOML value %T: %w", v, errkind.Config)
	}
	return nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		ModuleDir:   defs.DefaultModuleDir,
		MountSource: defs.DefaultMountSource,
	}
}

// Load reads and parses a config file. A missing file is not an error: it
// yields Default().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, errkind.IO)
	}
	cfg := Default()
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, errkind.Config)
	}
	return cfg, nil
}

// LoadDefault reads the config from DefaultConfigFile.
func LoadDefault() (*Config, error) {
	return Load(DefaultConfigFile)
}

// Save serializes cfg as TOML to path, creating parent directories as
// needed.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory %s: %w", dir, errkind.IO)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating config file %s: %w", path, errkind.IO)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encoding config %s: %w", path, errkind.Config)
	}
	return nil
}

// CLIOverrides carries the subset of flags the CLI wrapper may set,
// mirroring merge_with_cli in the original configuration format: a zero
// value never overrides a loaded setting, except DryRun/Verbose which are
// one-way switches (once requested on the command line they always win).
type CLIOverrides struct {
	ModuleDir   string
	MountSource string
	Verbose     bool
	Partitions  []string
	DryRun      bool
}

// MergeWithCLI applies non-empty CLI overrides on top of c.
func (c *Config) MergeWithCLI(o CLIOverrides) {
	if o.ModuleDir != "" {
		c.ModuleDir = o.ModuleDir
	}
	if o.MountSource != "" {
		c.MountSource = o.MountSource
	}
	if o.Verbose {
		c.Verbose = true
	}
	if len(o.Partitions) > 0 {
		c.Partitions = o.Partitions
	}
	if o.DryRun {
		c.DryRun = true
	}
}

// AllPartitions returns the builtin partitions plus any user-configured
// extras, deduplicated, in the order builtin-first then extras-in-order.
func (c *Config) AllPartitions() []string {
	seen := make(map[string]bool, len(defs.BuiltinPartitions))
	out := make([]string, 0, len(defs.BuiltinPartitions)+len(c.Partitions))
	for _, p := range defs.BuiltinPartitions {
		seen[p] = true
		out = append(out, p)
	}
	for _, p := range c.Partitions {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
