// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package mountops wraps the kernel mount primitives the overlay and magic
// executors build on: overlay mount, bind mount, tmpfs mount, and detach
// unmount. Each tries the modern fsconfig-based mount API first and falls
// back to the legacy mount(2) syscall on kernels that lack it.
package mountops

import (
	"fmt"
	"os"
	"strings"

	"github.com/moby/sys/mount"
	"golang.org/x/sys/unix"

	"github.com/trangkyanh17/hybridmount/internal/defs"
	"github.com/trangkyanh17/hybridmount/internal/errkind"
)

// OverlaySource is the source string stamped on overlay and tmpfs mounts
// created by this tool, so a downstream mountinfo reader (or the umount
// sink's driver) can recognize them.
const OverlaySource = defs.DefaultMountSource

// Warnf is called with a formatted warning whenever a mount primitive
// falls back, truncates, or otherwise deviates without failing outright.
// Tests and the CLI wrapper may override it; the zero value writes to
// stderr like the rest of this codebase's ambient logging.
var Warnf = func(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "mountops: "+format+"\n", args...)
}

// MountOverlay mounts an overlayfs at target with the given lowerdirs
// (outermost first), a mandatory lowest layer, and optional
// upperdir/workdir. lowest is the pre-existing view the overlay is
// composed on top of: the live target itself for a root overlay, or the
// stock child directory for a nested child overlay. It is always chained
// as the final lowerdir after capping, so it is never dropped by the
// truncation below and the live partition contents stay visible
// underneath whatever the modules contribute. Upperdir and workdir are
// only wired in when both are non-empty and exist on disk. The
// module-provided lowerdir list is capped at defs.MaxLowerdirs entries
// and the joined string at defs.MaxLowerdirBytes bytes, truncating from
// the tail with a warning (errkind.LayerLimit is never returned; it is a
// log-only event).
func MountOverlay(target string, lowerdirs []string, lowest, upperdir, workdir, source string) error {
	lowerdirs = capLowerdirs(target, lowerdirs)
	layers := append(append([]string{}, lowerdirs...), lowest)

	useUpper := upperdir != "" && workdir != "" && dirExists(upperdir) && dirExists(workdir)
	if source == "" {
		source = OverlaySource
	}

	lowerdirConfig := strings.Join(layers, ":")
	if len(lowerdirConfig) > defs.MaxLowerdirBytes {
		before := len(lowerdirConfig)
		for len(lowerdirConfig) > defs.MaxLowerdirBytes && len(layers) > 1 {
			layers = append(layers[:len(layers)-2], lowest)
			lowerdirConfig = strings.Join(layers, ":")
		}
		Warnf("lowerdir string for %s is %d bytes, exceeds limit %d; truncated to %d lowerdirs", target, before, defs.MaxLowerdirBytes, len(layers))
	}

	if err := mountOverlayNewStyle(target, lowerdirConfig, upperdir, workdir, source, useUpper); err == nil {
		return nil
	}

	data := "lowerdir=" + lowerdirConfig
	if useUpper {
		data += ",upperdir=" + upperdir + ",workdir=" + workdir
	}
	if err := mount.Mount(source, target, "overlay", data); err != nil {
		return fmt.Errorf("mount overlay on %s: %w", target, errkind.Mount)
	}
	return nil
}

func capLowerdirs(target string, lowerdirs []string) []string {
	if len(lowerdirs) <= defs.MaxLowerdirs {
		return lowerdirs
	}
	Warnf("overlay for %s has %d lowerdirs, truncating to %d", target, len(lowerdirs), defs.MaxLowerdirs)
	return lowerdirs[:defs.MaxLowerdirs]
}

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

func mountOverlayNewStyle(target, lowerdirConfig, upperdir, workdir, source string, useUpper bool) error {
	fd, err := unix.Fsopen("overlay", unix.FSOPEN_CLOEXEC)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	if err := unix.FsconfigSetString(fd, "lowerdir", lowerdirConfig); err != nil {
		return err
	}
	if useUpper {
		if err := unix.FsconfigSetString(fd, "upperdir", upperdir); err != nil {
			return err
		}
		if err := unix.FsconfigSetString(fd, "workdir", workdir); err != nil {
			return err
		}
	}
	if err := unix.FsconfigSetString(fd, "source", source); err != nil {
		return err
	}
	if err := unix.FsconfigCreate(fd); err != nil {
		return err
	}
	mfd, err := unix.Fsmount(fd, unix.FSMOUNT_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(mfd)

	return unix.MoveMount(mfd, "", unix.AT_FDCWD, target, unix.MOVE_MOUNT_F_EMPTY_PATH)
}

// BindMount bind-mounts from onto to, recursively. It prefers the
// open_tree(CLONE|RECURSIVE)+move_mount pair and falls back to
// mount(MS_BIND|MS_REC).
func BindMount(from, to string) error {
	if err := bindMountNewStyle(from, to); err == nil {
		return nil
	}
	if err := mount.Mount(from, to, "", "rbind"); err != nil {
		return fmt.Errorf("bind mount %s -> %s: %w", from, to, errkind.Mount)
	}
	return nil
}

func bindMountNewStyle(from, to string) error {
	fd, err := unix.OpenTree(unix.AT_FDCWD, from, unix.OPEN_TREE_CLOEXEC|unix.OPEN_TREE_CLONE|unix.AT_RECURSIVE)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	return unix.MoveMount(fd, "", unix.AT_FDCWD, to, unix.MOVE_MOUNT_F_EMPTY_PATH)
}

// MountTmpfs mounts a private tmpfs at target, creating target if absent.
func MountTmpfs(target, source string) error {
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("creating tmpfs target %s: %w", target, errkind.IO)
	}
	if source == "" {
		source = OverlaySource
	}

	if err := mountTmpfsNewStyle(target, source); err != nil {
		if err := mount.Mount(source, target, "tmpfs", ""); err != nil {
			return fmt.Errorf("mount tmpfs on %s: %w", target, errkind.Mount)
		}
	}

	if err := unix.Mount("", target, "", unix.MS_PRIVATE, ""); err != nil {
		Warnf("making %s mount private: %v", target, err)
	}
	return nil
}

func mountTmpfsNewStyle(target, source string) error {
	fd, err := unix.Fsopen("tmpfs", unix.FSOPEN_CLOEXEC)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	if err := unix.FsconfigSetString(fd, "source", source); err != nil {
		return err
	}
	if err := unix.FsconfigCreate(fd); err != nil {
		return err
	}
	mfd, err := unix.Fsmount(fd, unix.FSMOUNT_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(mfd)

	return unix.MoveMount(mfd, "", unix.AT_FDCWD, target, unix.MOVE_MOUNT_F_EMPTY_PATH)
}

// MakePrivate marks an existing mount's propagation as private, so binds
// performed inside it don't leak to the rest of the mount namespace.
func MakePrivate(target string) error {
	if err := unix.Mount("", target, "", unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make-private %s: %w", target, errkind.Mount)
	}
	return nil
}

// UnmountDetach performs a lazy/detach unmount; failures are returned for
// the caller to log, never treated as fatal by this package itself.
func UnmountDetach(path string) error {
	if err := unix.Unmount(path, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("detach-unmount %s: %w", path, errkind.Mount)
	}
	return nil
}

// RemountReadOnly flips an existing bind mount to read-only in place.
func RemountReadOnly(target string) error {
	flags := uintptr(unix.MS_REMOUNT | unix.MS_BIND | unix.MS_RDONLY)
	if err := unix.Mount("", target, "", flags, ""); err != nil {
		return fmt.Errorf("remount-ro %s: %w", target, errkind.Mount)
	}
	return nil
}

// MoveMount relocates an existing mount from src onto dst without
// unmounting it, the final step that makes a tmpfs workspace interposer
// visible at its real location atomically.
func MoveMount(src, dst string) error {
	if err := unix.Mount(src, dst, "", unix.MS_MOVE, ""); err != nil {
		return fmt.Errorf("move-mount %s -> %s: %w", src, dst, errkind.Mount)
	}
	return nil
}
