// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package magicexec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/trangkyanh17/hybridmount/internal/node"
)

func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestProcessModuleSkipsDisabled(t *testing.T) {
	modDir := t.TempDir()
	writeFile(t, filepath.Join(modDir, "disable"), nil)
	writeFile(t, filepath.Join(modDir, "system", "bin", "foo"), []byte("x"))

	root, system := processModule(modDir, nil)
	if len(root.Children) != 0 || len(system.Children) != 0 {
		t.Errorf("disabled module should contribute nothing, got root=%v system=%v", root.Children, system.Children)
	}
}

func TestProcessModuleCollectsSystemTree(t *testing.T) {
	modDir := filepath.Join(t.TempDir(), "myModule")
	writeFile(t, filepath.Join(modDir, "system", "bin", "foo"), []byte("x"))

	_, system := processModule(modDir, nil)
	bin, ok := system.Children["bin"]
	if !ok {
		t.Fatalf("expected a bin child, got %v", system.Children)
	}
	if _, ok := bin.Children["foo"]; !ok {
		t.Errorf("expected bin/foo, got %v", bin.Children)
	}
}

func TestProcessModuleRejectsInvalidID(t *testing.T) {
	modDir := filepath.Join(t.TempDir(), "bad id!")
	writeFile(t, filepath.Join(modDir, "system", "bin", "foo"), []byte("x"))

	root, system := processModule(modDir, nil)
	if len(root.Children) != 0 || len(system.Children) != 0 {
		t.Errorf("invalid module id should contribute nothing, got root=%v system=%v", root.Children, system.Children)
	}
}

func TestMergeCrossModuleEarlierWins(t *testing.T) {
	high := node.NewRoot("")
	high.Children["bin"] = &node.Node{Name: "bin", Type: node.Regular, ModulePath: "/moduleA/bin"}

	low := node.NewRoot("")
	low.Children["bin"] = &node.Node{Name: "bin", Type: node.Regular, ModulePath: "/moduleB/bin"}
	low.Children["lib"] = &node.Node{Name: "lib", Type: node.Regular, ModulePath: "/moduleB/lib"}

	mergeCrossModule(high, low)

	if high.Children["bin"].ModulePath != "/moduleA/bin" {
		t.Errorf("earlier module should win on conflict, got %s", high.Children["bin"].ModulePath)
	}
	if high.Children["lib"].ModulePath != "/moduleB/lib" {
		t.Errorf("expected lib to be adopted from the later module, got %v", high.Children["lib"])
	}
}

func TestMergeCrossModuleBackfillsEmptyPlaceholder(t *testing.T) {
	high := node.NewRoot("vendor")
	low := &node.Node{Name: "vendor", Type: node.Directory, ModulePath: "/moduleB/vendor", Replace: true, Children: map[string]*node.Node{}}

	mergeCrossModule(high, low)

	if high.ModulePath != "/moduleB/vendor" || !high.Replace {
		t.Errorf("expected placeholder to backfill from low, got %+v", high)
	}
}

func TestCollectModuleFilesHoistsRootPartition(t *testing.T) {
	if !isDir("/vendor") {
		t.Skip("no /vendor in this environment to exercise the hoist check")
	}

	modDir := filepath.Join(t.TempDir(), "moduleA")
	writeFile(t, filepath.Join(modDir, "vendor", "lib", "libfoo.so"), []byte("x"))

	root := collectModuleFiles([]string{modDir}, nil)
	if root == nil {
		t.Fatal("expected a non-nil root")
	}
	_, hoisted := root.Children["vendor"]
	_, nested := root.Children["system"].Children["vendor"]
	wantHoisted := isSymlink("/system/vendor")
	if hoisted != wantHoisted || nested == wantHoisted {
		t.Errorf("vendor hoisted=%v nested=%v, want hoisted=%v (/system/vendor symlink)", hoisted, nested, wantHoisted)
	}
}

func TestCollectModuleFilesNoModulesYieldsNil(t *testing.T) {
	if root := collectModuleFiles(nil, nil); root != nil {
		t.Errorf("expected nil for an empty module list, got %v", root)
	}
}

func TestNodeNeedsTmpfsSymlinkAlwaysNeedsInterposer(t *testing.T) {
	child := &node.Node{Name: "link", Type: node.Symlink}
	if !nodeNeedsTmpfs(child, filepath.Join(t.TempDir(), "link")) {
		t.Error("a symlink child should always require a tmpfs interposer")
	}
}

func TestNodeNeedsTmpfsMissingLiveTargetNeedsInterposer(t *testing.T) {
	child := &node.Node{Name: "foo", Type: node.Regular}
	if !nodeNeedsTmpfs(child, filepath.Join(t.TempDir(), "does-not-exist")) {
		t.Error("a child with no live counterpart should require a tmpfs interposer")
	}
}

func TestNodeNeedsTmpfsMatchingTypeNeedsNoInterposer(t *testing.T) {
	dir := t.TempDir()
	live := filepath.Join(dir, "foo")
	writeFile(t, live, []byte("x"))

	child := &node.Node{Name: "foo", Type: node.Regular}
	if nodeNeedsTmpfs(child, live) {
		t.Error("a regular file over a regular file should not require a tmpfs interposer")
	}
}

func TestNodeNeedsTmpfsWhiteoutOnlyWhenLiveExists(t *testing.T) {
	dir := t.TempDir()
	live := filepath.Join(dir, "foo")

	child := &node.Node{Name: "foo", Type: node.Whiteout}
	if nodeNeedsTmpfs(child, live) {
		t.Error("a whiteout over a nonexistent live path should need nothing")
	}

	writeFile(t, live, []byte("x"))
	if !nodeNeedsTmpfs(child, live) {
		t.Error("a whiteout masking a live file should require a tmpfs interposer")
	}
}
