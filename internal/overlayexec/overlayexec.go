// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package overlayexec realizes the OverlayOps a planner.MountPlan
// describes: one root overlay mount per partition, with pre-existing child
// mounts beneath that partition re-covered so they remain reachable
// afterward. A failure on the root overlay reclassifies its contributing
// modules for magic mount instead of aborting the whole plan.
package overlayexec

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/moby/sys/mountinfo"

	"github.com/trangkyanh17/hybridmount/internal/config"
	"github.com/trangkyanh17/hybridmount/internal/errkind"
	"github.com/trangkyanh17/hybridmount/internal/mountops"
	"github.com/trangkyanh17/hybridmount/internal/planner"
	"github.com/trangkyanh17/hybridmount/internal/umountsink"
)

// Warnf receives formatted warnings for recoverable fallbacks. Overridable
// by tests and the CLI wrapper.
var Warnf = func(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "overlayexec: "+format+"\n", args...)
}

// Result reports how the execution pass reclassified modules: the overlay
// set may have shrunk relative to the plan's OverlayModuleIDs when a root
// overlay mount failed and its modules degraded to magic mount.
type Result struct {
	OverlayModuleIDs []string
	// MagicRoots are module source directories (storage-root/<id>) that
	// must now be routed through magic-exec because their overlay failed.
	MagicRoots []string
}

// Execute realizes every OverlayOp in plan order. Root overlay failures
// degrade their contributing modules to magic mount and continue with the
// remaining partitions; they never abort the whole plan.
func Execute(plan *planner.MountPlan, cfg *config.Config) (*Result, error) {
	overlayIDs := map[string]bool{}
	for _, id := range plan.OverlayModuleIDs {
		overlayIDs[id] = true
	}
	magicRootSet := map[string]bool{}

	for _, op := range plan.OverlayOps {
		if err := op.Validate(); err != nil {
			return nil, err
		}

		children, err := collectChildMounts(op.Target)
		if err != nil {
			Warnf("reading mountinfo for %s: %v", op.Target, err)
		}

		if err := os.Chdir(op.Target); err != nil {
			return nil, fmt.Errorf("chdir %s: %w", op.Target, errkind.IO)
		}

		if err := mountops.MountOverlay(op.Target, op.Lowerdirs, op.Target, op.Upperdir, op.Workdir, op.Source); err != nil {
			Warnf("overlay mount failed for %s: %v, falling back to magic mount", op.Target, err)
			for _, lowerdir := range op.Lowerdirs {
				id := moduleIDFromLowerdir(lowerdir)
				delete(overlayIDs, id)
				magicRootSet[filepath.Dir(lowerdir)] = true
			}
			continue
		}

		if err := restoreChildMounts(op, children); err != nil {
			if uerr := mountops.UnmountDetach(op.Target); uerr != nil {
				Warnf("reverting %s after child-mount failure also failed: %v", op.Target, uerr)
			}
			return nil, fmt.Errorf("restoring child mounts under %s: %w: %w", op.Target, errkind.ChildMountUnrestorable, err)
		}

		if !cfg.DisableUmount {
			umountsink.Schedule(op.Target)
		}
	}

	return &Result{
		OverlayModuleIDs: sortedSetKeys(overlayIDs),
		MagicRoots:       sortedSetKeys(magicRootSet),
	}, nil
}

func moduleIDFromLowerdir(lowerdir string) string {
	return filepath.Base(filepath.Dir(lowerdir))
}

func sortedSetKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// collectChildMounts returns every mount point strictly beneath target,
// sorted and deduplicated. It is read before the overlay mount happens, so
// the original filesystem is still visible through /proc/self/mountinfo.
func collectChildMounts(target string) ([]string, error) {
	infos, err := mountinfo.GetMounts(mountinfo.PrefixFilter(target))
	if err != nil {
		return nil, err
	}

	set := map[string]bool{}
	for _, info := range infos {
		if info.Mountpoint == target {
			continue
		}
		if !strings.HasPrefix(info.Mountpoint, target+"/") {
			continue
		}
		set[info.Mountpoint] = true
	}

	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// restoreChildMounts re-covers every previously collected child mount
// point after the root overlay has taken effect, via bind-restore or a
// nested overlay, matching the decision tree in mountOverlayChild.
func restoreChildMounts(op planner.OverlayOp, children []string) error {
	for _, childMount := range children {
		relative := strings.TrimPrefix(childMount, op.Target)
		stockChild := "." + relative

		if _, err := os.Lstat(stockChild); err != nil {
			continue
		}

		if err := mountOverlayChild(childMount, relative, op.Lowerdirs, stockChild); err != nil {
			return err
		}
	}
	return nil
}

// mountOverlayChild decides, for one child mount, whether to bind-restore
// the stock (overlaid) view, nest a read-only overlay built from whichever
// lowerdirs contribute that relative subtree, or abandon the child
// entirely because a contributing lowerdir entry exists there but isn't a
// directory.
func mountOverlayChild(mountPoint, relative string, moduleRoots []string, stockRoot string) error {
	contributes := false
	for _, lower := range moduleRoots {
		if _, err := os.Lstat(lower + relative); err == nil {
			contributes = true
			break
		}
	}
	if !contributes {
		return mountops.BindMount(stockRoot, mountPoint)
	}

	fi, err := os.Stat(stockRoot)
	if err != nil || !fi.IsDir() {
		return nil
	}

	var lowerdirs []string
	for _, lower := range moduleRoots {
		lowerPath := lower + relative
		pfi, err := os.Stat(lowerPath)
		switch {
		case err == nil && pfi.IsDir():
			lowerdirs = append(lowerdirs, lowerPath)
		case err == nil:
			// A contributing entry exists but is not a directory: refuse
			// to overlay it and leave the child alone.
			return nil
		}
	}
	if len(lowerdirs) == 0 {
		return nil
	}

	if err := mountops.MountOverlay(mountPoint, lowerdirs, stockRoot, "", "", ""); err != nil {
		Warnf("nested overlay for child %s failed: %v, falling back to bind mount", mountPoint, err)
		return mountops.BindMount(stockRoot, mountPoint)
	}
	return nil
}
