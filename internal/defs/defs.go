// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package defs collects the constants shared by the planner and the two
// mount executors: marker file names, builtin partitions, and the default
// on-disk layout under the module root.
package defs

// BuiltinPartitions are the partitions every inventory is evaluated
// against before any user-configured extras are appended.
var BuiltinPartitions = []string{"system", "vendor", "product", "system_ext", "odm", "oem"}

// RootPartitions are the builtin partitions that, when present as a real
// directory at "/", are candidates for living outside of /system rather
// than nested under it.
var RootPartitions = []string{"vendor", "system_ext", "product", "odm"}

const (
	DisableFileName   = "disable"
	RemoveFileName    = "remove"
	SkipMountFileName = "skip_mount"
	ReplaceFileName   = ".replace"
	ModulePropFile    = "module.prop"

	// MagicMountFileName forces a module into magic mount even when its
	// contents would otherwise qualify for the overlay path.
	MagicMountFileName = "magic_mount"

	// ReplaceDirXattr is read on a directory to detect full-replace
	// semantics. It doubles as the overlay opaque marker: a directory
	// marked opaque for overlayfs purposes is, by construction, also a
	// magic-mount replace directory.
	ReplaceDirXattr = "trusted.overlay.opaque"

	SelinuxXattr = "security.selinux"

	ContextSystem = "u:object_r:system_file:s0"
	ContextVendor = "u:object_r:vendor_file:s0"
	ContextHAL    = "u:object_r:same_process_hal_file:s0"
	ContextRootfs = "u:object_r:rootfs:s0"

	// DefaultModuleDir is where installed modules live.
	DefaultModuleDir = "/data/adb/modules"

	// SystemRWDir is the writable staging root the planner looks under for
	// each partition's upperdir/workdir pair.
	SystemRWDir = "/data/adb/meta-hybrid/rw"

	// DefaultStorageRoot is where an external image-mount step mirrors the
	// contents of every overlay-capable module, one subdirectory per
	// module ID. The planner reads from here; mounting and maintaining the
	// backing image is an external collaborator's job.
	DefaultStorageRoot = "/data/adb/meta-hybrid/img_mnt"

	// DefaultWorkspaceDir is the private tmpfs scratch space magic mount
	// builds its projection tree under before moving pieces into place.
	DefaultWorkspaceDir = "/data/adb/meta-hybrid/magic_workspace"

	// DefaultMountSource labels overlay/tmpfs mounts created by this tool
	// so that a downstream driver (or `mount`/mountinfo readers) can
	// recognize them.
	DefaultMountSource = "KSU"

	// DefaultStateFile is where the end-of-boot runtime snapshot is written.
	DefaultStateFile = "/data/adb/hybridmount/run/state.json"

	// MaxLowerdirs is the kernel-imposed cap on the number of overlayfs
	// lower layers accepted by a single mount.
	MaxLowerdirs = 128

	// MaxLowerdirBytes is the legacy mount(2) data-page argument limit
	// that the joined lowerdir string must respect.
	MaxLowerdirBytes = 3000
)
