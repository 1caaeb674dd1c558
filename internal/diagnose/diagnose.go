// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package diagnose runs read-only checks over a MountPlan before
// execution: missing overlay targets and dead absolute symlinks inside
// contributing lowerdirs.
package diagnose

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/trangkyanh17/hybridmount/internal/planner"
)

// Level classifies how serious an Issue is.
type Level int

const (
	Info Level = iota
	Warning
	Critical
)

func (l Level) String() string {
	switch l {
	case Critical:
		return "critical"
	case Warning:
		return "warning"
	default:
		return "info"
	}
}

// Issue is one diagnostic finding, attributed to the partition or module
// it concerns.
type Issue struct {
	Level   Level
	Context string
	Message string
}

// Run evaluates plan and returns every Issue found: a Critical issue for
// each overlay target that doesn't exist, and a Warning for every dead
// absolute symlink discovered while walking each lowerdir.
func Run(plan *planner.MountPlan) []Issue {
	var issues []Issue

	for _, op := range plan.OverlayOps {
		if _, err := os.Stat(op.Target); err != nil {
			issues = append(issues, Issue{
				Level:   Critical,
				Context: op.Partition,
				Message: fmt.Sprintf("target mount point does not exist: %s", op.Target),
			})
		}
	}

	for _, op := range plan.OverlayOps {
		for _, lowerdir := range op.Lowerdirs {
			issues = append(issues, scanDeadSymlinks(op.Partition, lowerdir)...)
		}
	}

	return issues
}

func scanDeadSymlinks(context, lowerdir string) []Issue {
	var issues []Issue
	_ = filepath.WalkDir(lowerdir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type()&os.ModeSymlink == 0 {
			return nil
		}
		target, err := os.Readlink(path)
		if err != nil || !filepath.IsAbs(target) {
			return nil
		}
		if _, err := os.Stat(target); err == nil {
			return nil
		}
		issues = append(issues, Issue{
			Level:   Warning,
			Context: context,
			Message: fmt.Sprintf("dead absolute symlink: %s -> %s", path, target),
		})
		return nil
	})
	return issues
}

// HasCritical reports whether any issue is Critical, the signal the CLI
// wrapper uses to choose a non-zero exit code during a dry run.
func HasCritical(issues []Issue) bool {
	for _, i := range issues {
		if i.Level == Critical {
			return true
		}
	}
	return false
}
