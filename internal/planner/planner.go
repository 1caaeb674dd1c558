// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package planner converts a module inventory into a deterministic
// MountPlan: it groups module layers by target partition, classifies each
// module as overlay-capable or magic-only, and detects per-file conflicts.
// Plan performs no mount syscalls and writes nothing outside the
// already-materialized storage root.
package planner

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/trangkyanh17/hybridmount/internal/config"
	"github.com/trangkyanh17/hybridmount/internal/defs"
	"github.com/trangkyanh17/hybridmount/internal/errkind"
	"github.com/trangkyanh17/hybridmount/internal/module"
)

// OverlayOp is one planned overlayfs mount: a target directory, its
// ordered lowerdirs, and an optional upper/workdir pair. Partition
// identifies which <RW>/<part>/{upperdir,workdir} staging root the
// upper/workdir were resolved from; diagnostics and the runtime state
// file report ops by it.
type OverlayOp struct {
	Partition string
	Target    string
	Lowerdirs []string
	Upperdir  string
	Workdir   string
	Source    string
}

// Validate checks the kernel-imposed invariants placed on OverlayOp.
func (op OverlayOp) Validate() error {
	if len(op.Lowerdirs) == 0 || len(op.Lowerdirs) > defs.MaxLowerdirs {
		return fmt.Errorf("overlay op %s: %d lowerdirs: %w", op.Target, len(op.Lowerdirs), errkind.Config)
	}
	seen := make(map[string]bool, len(op.Lowerdirs))
	joined := 0
	for i, l := range op.Lowerdirs {
		if seen[l] {
			return fmt.Errorf("overlay op %s: duplicate lowerdir %s: %w", op.Target, l, errkind.Config)
		}
		seen[l] = true
		joined += len(l)
		if i > 0 {
			joined++
		}
	}
	if joined > defs.MaxLowerdirBytes {
		return fmt.Errorf("overlay op %s: joined lowerdir length %d exceeds %d: %w", op.Target, joined, defs.MaxLowerdirBytes, errkind.Config)
	}
	if (op.Upperdir == "") != (op.Workdir == "") {
		return fmt.Errorf("overlay op %s: upperdir/workdir must both be present or both absent: %w", op.Target, errkind.Config)
	}
	return nil
}

// ConflictDetail records a per-file conflict between ≥2 modules
// contributing a regular file or symlink at the same partition-relative
// path.
type ConflictDetail struct {
	Partition string
	RelPath   string
	// Contenders holds module IDs in discovery (insertion) order.
	Contenders []string
}

// MountPlan is the planner's output: deterministic, sorted by target.
type MountPlan struct {
	OverlayOps       []OverlayOp
	MagicModulePaths []string
	OverlayModuleIDs []string
	MagicModuleIDs   []string
	Conflicts        []ConflictDetail
}

type partitionLayer struct {
	dir      string
	moduleID string
}

// Plan builds a MountPlan from cfg, the already-filtered module inventory,
// and storageRoot (where an external sync step has mirrored overlay-mode
// module contents).
func Plan(cfg *config.Config, modules []module.Module, storageRoot string) (*MountPlan, error) {
	targetPartitions := cfg.AllPartitions()

	partitionLayers := map[string][]partitionLayer{}
	magicPathSet := map[string]bool{}
	overlayIDSet := map[string]bool{}
	magicIDSet := map[string]bool{}

	for _, m := range modules {
		if err := m.Validate(); err != nil {
			return nil, err
		}

		if m.Mode == module.ModeMagic {
			if hasMeaningfulContent(m.SourceDir, targetPartitions) {
				magicPathSet[m.SourceDir] = true
				magicIDSet[m.ID] = true
			}
			continue
		}

		contentPath := filepath.Join(storageRoot, m.ID)
		if !dirExists(contentPath) {
			continue
		}

		participates := false
		for _, part := range targetPartitions {
			partPath := filepath.Join(contentPath, part)
			if isNonEmptyDir(partPath) {
				partitionLayers[part] = append(partitionLayers[part], partitionLayer{dir: partPath, moduleID: m.ID})
				participates = true
			}
		}
		if participates {
			overlayIDSet[m.ID] = true
		}
	}

	plan := &MountPlan{}

	parts := make([]string, 0, len(partitionLayers))
	for part := range partitionLayers {
		parts = append(parts, part)
	}
	sort.Strings(parts)

	for _, part := range parts {
		layers := partitionLayers[part]

		target := "/" + part
		resolved, ok := resolveTarget(target)
		if !ok {
			continue
		}

		lowerdirs := make([]string, len(layers))
		for i, l := range layers {
			lowerdirs[i] = l.dir
		}

		upper := filepath.Join(defs.SystemRWDir, part, "upperdir")
		work := filepath.Join(defs.SystemRWDir, part, "workdir")
		if !dirExists(upper) || !dirExists(work) {
			upper, work = "", ""
		}

		op := OverlayOp{
			Partition: part,
			Target:    resolved,
			Lowerdirs: lowerdirs,
			Upperdir:  upper,
			Workdir:   work,
			Source:    cfg.MountSource,
		}
		plan.OverlayOps = append(plan.OverlayOps, op)
		plan.Conflicts = append(plan.Conflicts, detectConflicts(part, layers)...)
	}

	sort.Slice(plan.OverlayOps, func(i, j int) bool { return plan.OverlayOps[i].Target < plan.OverlayOps[j].Target })

	plan.MagicModulePaths = sortedKeys(magicPathSet)
	plan.OverlayModuleIDs = sortedKeys(overlayIDSet)
	plan.MagicModuleIDs = sortedKeys(magicIDSet)

	return plan, nil
}

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

func isNonEmptyDir(path string) bool {
	entries, err := os.ReadDir(path)
	return err == nil && len(entries) > 0
}

func hasMeaningfulContent(base string, partitions []string) bool {
	for _, part := range partitions {
		if isNonEmptyDir(filepath.Join(base, part)) {
			return true
		}
	}
	return false
}

// resolveTarget canonicalizes "/<part>", following symlinks, and reports
// whether the result exists and is a directory.
func resolveTarget(target string) (string, bool) {
	if _, err := os.Lstat(target); err != nil {
		return "", false
	}
	resolved, err := filepath.EvalSymlinks(target)
	if err != nil {
		return "", false
	}
	fi, err := os.Stat(resolved)
	if err != nil || !fi.IsDir() {
		return "", false
	}
	return resolved, true
}

// detectConflicts walks every layer directory in turn, groups terminal
// entries by partition-relative path, and records a ConflictDetail for
// every path present in ≥2 layers as a terminal file or symlink.
func detectConflicts(partition string, layers []partitionLayer) []ConflictDetail {
	contenders := map[string][]string{}
	order := []string{}

	for _, layer := range layers {
		_ = filepath.WalkDir(layer.dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if d.Type()&os.ModeSymlink == 0 && !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(layer.dir, path)
			if err != nil {
				return nil
			}
			if _, seen := contenders[rel]; !seen {
				order = append(order, rel)
			}
			contenders[rel] = append(contenders[rel], layer.moduleID)
			return nil
		})
	}

	sort.Strings(order)
	var out []ConflictDetail
	for _, rel := range order {
		ids := contenders[rel]
		if len(ids) < 2 {
			continue
		}
		out = append(out, ConflictDetail{Partition: partition, RelPath: rel, Contenders: ids})
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
