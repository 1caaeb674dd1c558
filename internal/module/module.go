// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package module defines the planner's input contract (Module) and a
// directory scanner (Scan) that produces the informational Info list the
// CLI's list subcommand displays. Scan is not on the planner's critical
// path: the planner consumes already-filtered Module values from whatever
// inventory step a caller chooses to run.
package module

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/trangkyanh17/hybridmount/internal/defs"
	"github.com/trangkyanh17/hybridmount/internal/errkind"
)

// Mode selects how a module's contents are projected onto the live tree.
type Mode int

const (
	// ModeOverlay is the default: the module contributes to per-partition
	// union mounts when possible.
	ModeOverlay Mode = iota
	// ModeMagic forces bind-based projection even when an overlay would
	// have worked.
	ModeMagic
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Module is the planner's input: an inventory entry already known to be
// active (not disabled, removed, or skip_mount-flagged).
type Module struct {
	ID        string
	SourceDir string
	Mode      Mode
}

// Validate checks the invariants placed on Module: a non-empty ID drawn
// from [A-Za-z0-9._-].
func (m Module) Validate() error {
	if m.ID == "" || !idPattern.MatchString(m.ID) {
		return fmt.Errorf("module id %q: %w", m.ID, errkind.Config)
	}
	return nil
}

// PartitionDir returns the absolute path of partition part within this
// module's source tree.
func (m Module) PartitionDir(part string) string {
	return filepath.Join(m.SourceDir, part)
}

// HasNonEmptyPartitionDir reports whether the module contains a directory
// named part holding at least one entry.
func (m Module) HasNonEmptyPartitionDir(part string) bool {
	entries, err := os.ReadDir(m.PartitionDir(part))
	if err != nil {
		return false
	}
	return len(entries) > 0
}

// ScanInventory walks moduleDir and returns the planner's input contract
// directly: one Module per active (non-disabled/removed/skip_mount)
// subdirectory carrying a module.prop and a system/ partition, tagged
// ModeMagic when it carries the magic_mount marker, ModeOverlay otherwise.
func ScanInventory(moduleDir string) ([]Module, error) {
	entries, err := os.ReadDir(moduleDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning %s: %w", moduleDir, errkind.IO)
	}

	var out []Module
	for _, e := range entries {
		path := filepath.Join(moduleDir, e.Name())
		fi, err := os.Stat(path)
		if err != nil || !fi.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(path, defs.ModulePropFile)); err != nil {
			continue
		}
		if fi, err := os.Stat(filepath.Join(path, "system")); err != nil || !fi.IsDir() {
			continue
		}
		if fileExists(filepath.Join(path, defs.DisableFileName)) ||
			fileExists(filepath.Join(path, defs.RemoveFileName)) ||
			fileExists(filepath.Join(path, defs.SkipMountFileName)) {
			continue
		}

		mode := ModeOverlay
		if fileExists(filepath.Join(path, defs.MagicMountFileName)) {
			mode = ModeMagic
		}
		out = append(out, Module{ID: e.Name(), SourceDir: path, Mode: mode})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Info is the display-oriented record produced by Scan, mirroring the
// upstream module.prop metadata surfaced by a module listing.
type Info struct {
	ID          string
	Name        string
	Version     string
	Description string
	Disabled    bool
	Skip        bool
}

// Scan walks moduleDir and returns an Info record for every subdirectory
// that carries a module.prop and a system/ partition directory, filtering
// out anything disabled, removed, or skip_mount-flagged, sorted by ID.
func Scan(moduleDir string) ([]Info, error) {
	entries, err := os.ReadDir(moduleDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning %s: %w", moduleDir, errkind.IO)
	}

	var out []Info
	for _, e := range entries {
		path := filepath.Join(moduleDir, e.Name())
		fi, err := os.Stat(path)
		if err != nil || !fi.IsDir() {
			continue
		}
		propPath := filepath.Join(path, defs.ModulePropFile)
		if _, err := os.Stat(propPath); err != nil {
			continue
		}
		if fi, err := os.Stat(filepath.Join(path, "system")); err != nil || !fi.IsDir() {
			continue
		}

		disabled := fileExists(filepath.Join(path, defs.DisableFileName)) ||
			fileExists(filepath.Join(path, defs.RemoveFileName))
		skip := fileExists(filepath.Join(path, defs.SkipMountFileName))
		if disabled || skip {
			continue
		}

		id := e.Name()
		out = append(out, Info{
			ID:          id,
			Name:        readProp(propPath, "name", id),
			Version:     readProp(propPath, "version", "unknown"),
			Description: readProp(propPath, "description", "unknown"),
			Disabled:    disabled,
			Skip:        skip,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readProp(path, key, fallback string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return fallback
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, key) {
			if _, value, ok := strings.Cut(line, "="); ok {
				return strings.TrimSpace(value)
			}
		}
	}
	return fallback
}
