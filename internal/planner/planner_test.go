// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package planner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/trangkyanh17/hybridmount/internal/config"
	"github.com/trangkyanh17/hybridmount/internal/module"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestPlanNoConflicts(t *testing.T) {
	storage := t.TempDir()
	writeFile(t, filepath.Join(storage, "A", "system", "lib", "libx.so"))

	modules := []module.Module{{ID: "A", SourceDir: filepath.Join(storage, "A")}}
	cfg := config.Default()

	// "/system" itself may not exist in the sandbox running this test, so
	// Plan's overlay-op emission is expected to skip it; the assertions
	// here cover module classification, which does not depend on it.
	plan, err := Plan(cfg, modules, storage)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.OverlayModuleIDs) != 1 || plan.OverlayModuleIDs[0] != "A" {
		t.Errorf("OverlayModuleIDs = %v, want [A]", plan.OverlayModuleIDs)
	}
	if len(plan.MagicModuleIDs) != 0 {
		t.Errorf("MagicModuleIDs = %v, want empty", plan.MagicModuleIDs)
	}
}

func TestPlanMagicModule(t *testing.T) {
	storage := t.TempDir()
	srcDir := t.TempDir()
	writeFile(t, filepath.Join(srcDir, "vendor", "lib", "libv.so"))

	modules := []module.Module{{ID: "C", SourceDir: srcDir, Mode: module.ModeMagic}}
	cfg := config.Default()

	plan, err := Plan(cfg, modules, storage)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.MagicModuleIDs) != 1 || plan.MagicModuleIDs[0] != "C" {
		t.Errorf("MagicModuleIDs = %v, want [C]", plan.MagicModuleIDs)
	}
	if len(plan.MagicModulePaths) != 1 || plan.MagicModulePaths[0] != srcDir {
		t.Errorf("MagicModulePaths = %v, want [%s]", plan.MagicModulePaths, srcDir)
	}
}

func TestPlanEmptyPartitionDirExcluded(t *testing.T) {
	storage := t.TempDir()
	if err := os.MkdirAll(filepath.Join(storage, "A", "vendor"), 0o755); err != nil {
		t.Fatal(err)
	}

	modules := []module.Module{{ID: "A", SourceDir: filepath.Join(storage, "A")}}
	cfg := config.Default()

	plan, err := Plan(cfg, modules, storage)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.OverlayModuleIDs) != 0 {
		t.Errorf("module with only an empty partition dir should be excluded, got %v", plan.OverlayModuleIDs)
	}
	if len(plan.MagicModuleIDs) != 0 {
		t.Errorf("got %v, want empty", plan.MagicModuleIDs)
	}
}

func TestDetectConflicts(t *testing.T) {
	storage := t.TempDir()
	writeFile(t, filepath.Join(storage, "A", "system", "etc", "hosts"))
	writeFile(t, filepath.Join(storage, "B", "system", "etc", "hosts"))

	layers := []partitionLayer{
		{dir: filepath.Join(storage, "A", "system"), moduleID: "A"},
		{dir: filepath.Join(storage, "B", "system"), moduleID: "B"},
	}
	conflicts := detectConflicts("system", layers)
	if len(conflicts) != 1 {
		t.Fatalf("got %d conflicts, want 1: %+v", len(conflicts), conflicts)
	}
	c := conflicts[0]
	if c.RelPath != filepath.Join("etc", "hosts") {
		t.Errorf("RelPath = %q", c.RelPath)
	}
	if len(c.Contenders) != 2 || c.Contenders[0] != "A" || c.Contenders[1] != "B" {
		t.Errorf("Contenders = %v, want [A B] in discovery order", c.Contenders)
	}
}

func TestOverlayOpValidate(t *testing.T) {
	op := OverlayOp{Target: "/system", Lowerdirs: []string{"/a", "/a"}}
	if err := op.Validate(); err == nil {
		t.Error("expected duplicate lowerdirs to fail validation")
	}

	op = OverlayOp{Target: "/system", Lowerdirs: []string{"/a"}, Upperdir: "/up"}
	if err := op.Validate(); err == nil {
		t.Error("expected mismatched upper/workdir to fail validation")
	}

	op = OverlayOp{Target: "/system", Lowerdirs: []string{"/a"}}
	if err := op.Validate(); err != nil {
		t.Errorf("expected valid op to pass: %v", err)
	}

	op = OverlayOp{Target: "/system"}
	if err := op.Validate(); err == nil {
		t.Error("expected zero lowerdirs to fail validation")
	}
}
