// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package state

import (
	"path/filepath"
	"testing"

	"github.com/trangkyanh17/hybridmount/internal/storage"
)

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	r := New(storage.Handle{MountPoint: dir, Mode: storage.ModeTmpfs},
		[]string{"moduleA"}, []string{"moduleC"}, []string{"/system", "/vendor"}, true)

	if err := r.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.StorageMode != "tmpfs" {
		t.Errorf("StorageMode = %q, want tmpfs", got.StorageMode)
	}
	if len(got.OverlayModules) != 1 || got.OverlayModules[0] != "moduleA" {
		t.Errorf("OverlayModules = %v", got.OverlayModules)
	}
	if !got.ZygiskSUEnforce {
		t.Error("ZygiskSUEnforce not preserved")
	}
	if got.PID == 0 {
		t.Error("PID should be populated")
	}
}

func TestLoadMissing(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("Load of missing file should not error: %v", err)
	}
	if r.PID != 0 {
		t.Errorf("expected zero-value Runtime, got %+v", r)
	}
}
