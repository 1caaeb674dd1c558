// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package storage defines the handle contract the planner and executors
// receive from an external staging step. Image creation, repair, and
// mounting (tmpfs/ext4 loopback/erofs) are out of scope here; only the
// resulting mount point and a usage probe belong to the core.
package storage

import (
	"fmt"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"

	"github.com/trangkyanh17/hybridmount/internal/errkind"
)

// Mode names the backing technology behind a Handle's mount point.
type Mode string

const (
	ModeTmpfs Mode = "tmpfs"
	ModeExt4  Mode = "ext4"
	ModeErofs Mode = "erofs"
)

// Handle is the contract an external storage-staging step hands the core:
// a mount point where module contents have already been mirrored, and the
// mode tag recorded in the runtime state file.
type Handle struct {
	MountPoint string
	Mode       Mode
}

// Usage reports total bytes, used bytes, and used percent for the
// filesystem backing path, for the runtime state file's storage_total,
// storage_used, and storage_percent fields.
func Usage(path string) (total, used uint64, percent uint8, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, 0, fmt.Errorf("statfs %s: %w", path, errkind.IO)
	}

	blockSize := uint64(st.Bsize)
	total = st.Blocks * blockSize
	free := st.Bfree * blockSize
	if total < free {
		return 0, 0, 0, nil
	}
	used = total - free
	if total > 0 {
		percent = uint8(used * 100 / total)
	}
	return total, used, percent, nil
}

// DetectHandle builds a Handle for mountPoint by reading back the
// filesystem type an external staging step mounted there. An unrecognized
// or absent mount falls back to ModeTmpfs, which is also what a bare
// workspace tmpfs (no staged image at all) would report.
func DetectHandle(mountPoint string) Handle {
	infos, err := mountinfo.GetMounts(mountinfo.SingleEntryFilter(mountPoint))
	if err != nil || len(infos) == 0 {
		return Handle{MountPoint: mountPoint, Mode: ModeTmpfs}
	}

	switch infos[len(infos)-1].FSType {
	case "ext4":
		return Handle{MountPoint: mountPoint, Mode: ModeExt4}
	case "erofs":
		return Handle{MountPoint: mountPoint, Mode: ModeErofs}
	default:
		return Handle{MountPoint: mountPoint, Mode: ModeTmpfs}
	}
}
