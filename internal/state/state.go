// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package state persists the end-of-boot runtime snapshot, so an external
// inspector (or a later invocation of the CLI's state subcommand) can see
// what the core did without re-running it.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/trangkyanh17/hybridmount/internal/defs"
	"github.com/trangkyanh17/hybridmount/internal/errkind"
	"github.com/trangkyanh17/hybridmount/internal/storage"
)

// Runtime is the JSON shape persisted for the runtime state file.
type Runtime struct {
	Timestamp       int64    `json:"timestamp"`
	PID             int      `json:"pid"`
	StorageMode     string   `json:"storage_mode"`
	MountPoint      string   `json:"mount_point"`
	OverlayModules  []string `json:"overlay_modules"`
	MagicModules    []string `json:"magic_modules"`
	ActiveMounts    []string `json:"active_mounts"`
	StorageTotal    uint64   `json:"storage_total"`
	StorageUsed     uint64   `json:"storage_used"`
	StoragePercent  uint8    `json:"storage_percent"`
	ZygiskSUEnforce bool     `json:"zygisksu_enforce"`
}

// New builds a Runtime snapshot for the current process, sourcing
// storage_total/used/percent from the handle's mount point via
// storage.Usage.
func New(handle storage.Handle, overlayModules, magicModules, activeMounts []string, zygiskSUEnforce bool) Runtime {
	total, used, percent, _ := storage.Usage(handle.MountPoint)
	return Runtime{
		Timestamp:       time.Now().Unix(),
		PID:             os.Getpid(),
		StorageMode:     string(handle.Mode),
		MountPoint:      handle.MountPoint,
		OverlayModules:  orEmpty(overlayModules),
		MagicModules:    orEmpty(magicModules),
		ActiveMounts:    orEmpty(activeMounts),
		StorageTotal:    total,
		StorageUsed:     used,
		StoragePercent:  percent,
		ZygiskSUEnforce: zygiskSUEnforce,
	}
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Save writes r as pretty-printed JSON to path.
func (r Runtime) Save(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling runtime state: %w", errkind.IO)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating state directory %s: %w", dir, errkind.IO)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing state file %s: %w", path, errkind.IO)
	}
	return nil
}

// SaveDefault writes r to defs.DefaultStateFile.
func (r Runtime) SaveDefault() error {
	return r.Save(defs.DefaultStateFile)
}

// Load reads a Runtime snapshot from path. A missing file yields the zero
// Runtime with no error.
func Load(path string) (Runtime, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Runtime{}, nil
		}
		return Runtime{}, fmt.Errorf("reading state file %s: %w", path, errkind.IO)
	}
	var r Runtime
	if err := json.Unmarshal(data, &r); err != nil {
		return Runtime{}, fmt.Errorf("parsing state file %s: %w", path, errkind.IO)
	}
	return r, nil
}

// LoadDefault reads the Runtime snapshot from defs.DefaultStateFile.
func LoadDefault() (Runtime, error) {
	return Load(defs.DefaultStateFile)
}
