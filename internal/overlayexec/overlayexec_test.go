// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package overlayexec

import (
	"os"
	"path/filepath"
	"testing"
)

func TestModuleIDFromLowerdir(t *testing.T) {
	got := moduleIDFromLowerdir("/data/adb/meta-hybrid/storage/moduleA/system")
	if got != "moduleA" {
		t.Errorf("got %q, want moduleA", got)
	}
}

func TestMountOverlayChildAbandonsNonDirectoryLowerdir(t *testing.T) {
	root := t.TempDir()
	lowerA := filepath.Join(root, "moduleA")
	if err := os.MkdirAll(filepath.Join(lowerA, "apex"), 0o755); err != nil {
		t.Fatal(err)
	}
	// moduleA contributes a regular file where a directory is expected.
	if err := os.WriteFile(filepath.Join(lowerA, "apex", "com.android.foo"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	stockRoot := filepath.Join(root, "stock", "apex", "com.android.foo")
	if err := os.MkdirAll(stockRoot, 0o755); err != nil {
		t.Fatal(err)
	}

	err := mountOverlayChild(
		filepath.Join(root, "mountpoint"),
		"/apex/com.android.foo",
		[]string{lowerA},
		stockRoot,
	)
	if err != nil {
		t.Errorf("expected the child to be silently abandoned, got error: %v", err)
	}
}

func TestMountOverlayChildNoContributionAttemptsBindRestore(t *testing.T) {
	// restoreChildMounts only calls mountOverlayChild once it has already
	// confirmed the stock child exists, so a missing stockRoot here
	// exercises an unreachable-in-practice path: the bind mount attempt
	// itself, which fails for a nonexistent source in this sandbox.
	root := t.TempDir()
	stockRoot := filepath.Join(root, "missing")

	if err := mountOverlayChild(filepath.Join(root, "mountpoint"), "/missing", nil, stockRoot); err == nil {
		t.Error("expected a bind-mount error for a nonexistent source path")
	}
}
