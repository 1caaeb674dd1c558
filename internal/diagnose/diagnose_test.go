// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package diagnose

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/trangkyanh17/hybridmount/internal/planner"
)

func TestRunMissingTargetIsCritical(t *testing.T) {
	plan := &planner.MountPlan{
		OverlayOps: []planner.OverlayOp{
			{Partition: "vendor", Target: "/nonexistent/hybridmount/vendor", Lowerdirs: []string{t.TempDir()}},
		},
	}
	issues := Run(plan)
	if !HasCritical(issues) {
		t.Errorf("expected a critical issue for a missing target, got %+v", issues)
	}
}

func TestRunDeadSymlinkIsWarning(t *testing.T) {
	lowerdir := t.TempDir()
	if err := os.Symlink("/nonexistent/dead/target", filepath.Join(lowerdir, "link")); err != nil {
		t.Fatal(err)
	}

	target := t.TempDir()
	plan := &planner.MountPlan{
		OverlayOps: []planner.OverlayOp{
			{Partition: "system", Target: target, Lowerdirs: []string{lowerdir}},
		},
	}
	issues := Run(plan)
	if HasCritical(issues) {
		t.Errorf("dead symlink alone should not be critical: %+v", issues)
	}
	found := false
	for _, i := range issues {
		if i.Level == Warning {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a warning for the dead symlink, got %+v", issues)
	}
}

func TestRunCleanPlanNoIssues(t *testing.T) {
	lowerdir := t.TempDir()
	if err := os.WriteFile(filepath.Join(lowerdir, "file"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	target := t.TempDir()
	plan := &planner.MountPlan{
		OverlayOps: []planner.OverlayOp{
			{Partition: "system", Target: target, Lowerdirs: []string{lowerdir}},
		},
	}
	if issues := Run(plan); len(issues) != 0 {
		t.Errorf("expected no issues, got %+v", issues)
	}
}
