// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package magicexec builds the in-memory projection tree for modules
// routed to magic mount, decides where a tmpfs interposer is structurally
// required, and performs the bind/tmpfs choreography that makes the
// projection visible on the live filesystem.
package magicexec

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/trangkyanh17/hybridmount/internal/config"
	"github.com/trangkyanh17/hybridmount/internal/defs"
	"github.com/trangkyanh17/hybridmount/internal/errkind"
	"github.com/trangkyanh17/hybridmount/internal/module"
	"github.com/trangkyanh17/hybridmount/internal/mountops"
	"github.com/trangkyanh17/hybridmount/internal/node"
	"github.com/trangkyanh17/hybridmount/internal/umountsink"
	"github.com/trangkyanh17/hybridmount/internal/xattrutil"
)

// Warnf receives formatted warnings for non-fatal per-node problems.
var Warnf = func(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "magicexec: "+format+"\n", args...)
}

// Result reports the per-node mount counters, surfaced in the final log
// line.
type Result struct {
	MountedFiles    uint32
	MountedSymlinks uint32
}

// Execute folds every module in modulePaths into a single projection tree
// and walks it onto the live filesystem under a private tmpfs workspace.
// modulePaths are module directories read in place: the source directory
// of a magic-mode module, or the storage-root/<id> mirror of a module whose
// overlay mount failed.
func Execute(modulePaths []string, cfg *config.Config, workspace string) (*Result, error) {
	root := collectModuleFiles(modulePaths, cfg.AllPartitions())
	if root == nil {
		return &Result{}, nil
	}

	workDir := filepath.Join(workspace, "workdir")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating magic-mount workspace %s: %w", workDir, errkind.IO)
	}
	if err := mountops.MountTmpfs(workDir, cfg.MountSource); err != nil {
		return nil, err
	}
	if !xattrutil.IsOverlayXattrSupported() {
		Warnf("tmpfs workspace %s: kernel lacks CONFIG_TMPFS_XATTR=y, SELinux labels and the overlay-opaque marker will not stick inside the projection", workDir)
	}
	defer func() {
		if err := mountops.UnmountDetach(workDir); err != nil {
			Warnf("tearing down workspace %s: %v", workDir, err)
		}
		_ = os.Remove(workDir)
	}()

	e := &executor{umount: !cfg.DisableUmount}
	if err := e.walk(root, "/", workDir, false); err != nil {
		return nil, err
	}

	return &Result{
		MountedFiles:    atomic.LoadUint32(&e.mountedFiles),
		MountedSymlinks: atomic.LoadUint32(&e.mountedSymlinks),
	}, nil
}

// collectModuleFiles builds one root+system node tree per module and folds
// them together in list order, earlier modules taking precedence.
// Partitions that exist as real root directories (and, except for odm,
// whose /system/<part> is a symlink) are hoisted from the system subtree
// into the root tree, mirroring devices where /vendor etc. live outside of
// /system.
func collectModuleFiles(modulePaths []string, extraPartitions []string) *node.Node {
	var finalRoot, finalSystem *node.Node

	for _, path := range modulePaths {
		r, s := processModule(path, extraPartitions)
		if finalRoot == nil {
			finalRoot, finalSystem = r, s
			continue
		}
		mergeCrossModule(finalRoot, r)
		mergeCrossModule(finalSystem, s)
	}

	if finalRoot == nil {
		return nil
	}
	if len(finalRoot.Children) == 0 && len(finalSystem.Children) == 0 {
		return nil
	}

	for _, part := range defs.RootPartitions {
		requireSymlink := part != "odm"
		rootPartPath := filepath.Join("/", part)
		systemPartPath := filepath.Join("/system", part)

		if !isDir(rootPartPath) {
			continue
		}
		if requireSymlink && !isSymlink(systemPartPath) {
			continue
		}
		if child, ok := finalSystem.Children[part]; ok {
			delete(finalSystem.Children, part)
			finalRoot.Children[part] = child
		}
	}

	finalRoot.Children["system"] = finalSystem
	return finalRoot
}

// processModule builds the root and system node trees for a single
// module, skipping it entirely if it carries a disable/remove/skip_mount
// marker or an invalid ID.
func processModule(path string, extraPartitions []string) (root, system *node.Node) {
	root = node.NewRoot("")
	system = node.NewRoot("system")

	if markerPresent(path, defs.DisableFileName) || markerPresent(path, defs.RemoveFileName) || markerPresent(path, defs.SkipMountFileName) {
		return root, system
	}
	id := filepath.Base(path)
	if err := (module.Module{ID: id}).Validate(); err != nil {
		Warnf("skipping invalid module %s: %v", id, err)
		return root, system
	}

	if modSystem := filepath.Join(path, "system"); isDir(modSystem) {
		if err := system.Collect(modSystem); err != nil {
			Warnf("collecting %s: %v", modSystem, err)
		}
	}

	for _, partition := range defs.RootPartitions {
		modPart := filepath.Join(path, partition)
		if !isDir(modPart) {
			continue
		}
		child, ok := system.Children[partition]
		if !ok {
			child = node.NewRoot(partition)
			system.Children[partition] = child
		}
		if child.Type == node.Symlink {
			child.Type = node.Directory
			child.ModulePath = ""
			if child.Children == nil {
				child.Children = map[string]*node.Node{}
			}
		}
		if err := child.Collect(modPart); err != nil {
			Warnf("collecting %s: %v", modPart, err)
		}
	}

	for _, partition := range extraPartitions {
		if isRootPartition(partition) || partition == "system" {
			continue
		}
		rootPartPath := filepath.Join("/", partition)
		systemPartPath := filepath.Join("/system", partition)
		if !isDir(rootPartPath) {
			continue
		}
		modPart := filepath.Join(path, partition)
		if !isDir(modPart) {
			continue
		}
		if fileExists(systemPartPath) && !isSymlink(systemPartPath) {
			continue
		}
		child, ok := root.Children[partition]
		if !ok {
			child = node.NewRoot(partition)
			root.Children[partition] = child
		}
		if err := child.Collect(modPart); err != nil {
			Warnf("collecting %s: %v", modPart, err)
		}
	}

	return root, system
}

func isRootPartition(part string) bool {
	for _, p := range defs.RootPartitions {
		if p == part {
			return true
		}
	}
	return false
}

func markerPresent(moduleDir, marker string) bool {
	return fileExists(filepath.Join(moduleDir, marker))
}

func fileExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

func isSymlink(path string) bool {
	fi, err := os.Lstat(path)
	return err == nil && fi.Mode()&os.ModeSymlink != 0
}

// mergeCrossModule folds low into high in place: high's own node fields
// (module path, type, replace) win unless high never had a backing module
// path, and every low child is recursively merged in, regardless of type
// match, so a directory placeholder can still gain a later module's files.
func mergeCrossModule(high, low *node.Node) {
	if high.ModulePath == "" {
		high.ModulePath = low.ModulePath
		high.Type = low.Type
		high.Replace = low.Replace
	}
	for name, lowChild := range low.Children {
		highChild, ok := high.Children[name]
		if !ok {
			high.Children[name] = lowChild
			continue
		}
		mergeCrossModule(highChild, lowChild)
	}
}

// executor walks a projection tree onto the live filesystem.
type executor struct {
	umount          bool
	mountedFiles    uint32
	mountedSymlinks uint32
}

// walk processes n at livePath/workPath, where hasTmpfs records whether an
// ancestor directory already established a tmpfs interposer.
func (e *executor) walk(n *node.Node, liveParent, workParent string, hasTmpfs bool) error {
	livePath := filepath.Join(liveParent, n.Name)
	workPath := filepath.Join(workParent, n.Name)

	switch n.Type {
	case node.Regular:
		return e.mountRegular(n, livePath, workPath, hasTmpfs)
	case node.Symlink:
		return e.mountSymlink(n, workPath)
	case node.Whiteout:
		return nil
	default:
		return e.mountDirectory(n, livePath, workPath, hasTmpfs)
	}
}

func (e *executor) mountRegular(n *node.Node, livePath, workPath string, hasTmpfs bool) error {
	if n.ModulePath == "" {
		return fmt.Errorf("cannot mount root file %s: %w", livePath, errkind.Mount)
	}
	target := livePath
	if hasTmpfs {
		f, err := os.Create(workPath)
		if err != nil {
			return fmt.Errorf("creating mirror file %s: %w", workPath, errkind.IO)
		}
		f.Close()
		target = workPath
	}

	if err := mountops.BindMount(n.ModulePath, target); err != nil {
		if e.umount {
			umountsink.Schedule(target)
		}
		return fmt.Errorf("mount module file %s -> %s: %w", n.ModulePath, target, err)
	}
	if err := mountops.RemountReadOnly(target); err != nil {
		Warnf("make file %s ro: %v", target, err)
	}

	atomic.AddUint32(&e.mountedFiles, 1)
	return nil
}

func (e *executor) mountSymlink(n *node.Node, workPath string) error {
	if n.ModulePath == "" {
		return fmt.Errorf("cannot mount root symlink %s: %w", workPath, errkind.Mount)
	}
	if err := cloneSymlink(n.ModulePath, workPath); err != nil {
		return err
	}
	atomic.AddUint32(&e.mountedSymlinks, 1)
	return nil
}

func cloneSymlink(src, dst string) error {
	target, err := os.Readlink(src)
	if err != nil {
		return fmt.Errorf("readlink %s: %w", src, errkind.IO)
	}
	if err := os.Symlink(target, dst); err != nil {
		return fmt.Errorf("symlink %s -> %s: %w", dst, target, errkind.IO)
	}
	if ctx, err := xattrutil.Lgetfilecon(src); err == nil {
		_ = xattrutil.Lsetfilecon(dst, ctx)
	}
	return nil
}

func (e *executor) mountDirectory(n *node.Node, livePath, workPath string, parentHasTmpfs bool) error {
	createTmpfs := !parentHasTmpfs && n.Replace && n.ModulePath != ""

	if !parentHasTmpfs && !createTmpfs {
		for _, child := range n.Children {
			if !child.HasFile() {
				continue
			}
			if nodeNeedsTmpfs(child, filepath.Join(livePath, child.Name)) {
				createTmpfs = true
				break
			}
		}
	}

	hasTmpfs := parentHasTmpfs || createTmpfs

	if hasTmpfs {
		if err := os.MkdirAll(workPath, 0o755); err != nil {
			return fmt.Errorf("creating workdir mirror %s: %w", workPath, errkind.IO)
		}
		source := livePath
		if !fileExists(source) {
			source = n.ModulePath
		}
		if source != "" {
			if fi, err := os.Stat(source); err == nil {
				_ = os.Chmod(workPath, fi.Mode().Perm())
			}
		}
		ctx := xattrutil.ApplySystemContext(livePath, livePath, filepath.Dir(livePath))
		_ = xattrutil.Lsetfilecon(workPath, ctx)
	}

	if createTmpfs {
		if err := mountops.BindMount(workPath, workPath); err != nil {
			return fmt.Errorf("self-binding workdir %s: %w", workPath, err)
		}
	}

	if fileExists(livePath) && !n.Replace {
		entries, err := os.ReadDir(livePath)
		if err != nil {
			return fmt.Errorf("reading live directory %s: %w", livePath, errkind.IO)
		}
		for _, entry := range entries {
			name := entry.Name()
			if child, ok := n.Children[name]; ok {
				delete(n.Children, name)
				if child.HasFile() {
					if err := e.walk(child, livePath, workPath, hasTmpfs); err != nil {
						return err
					}
				}
			} else if hasTmpfs {
				if err := mirrorLiveEntry(livePath, workPath, name); err != nil {
					return err
				}
			}
		}
	}

	for _, child := range n.Children {
		if !child.HasFile() {
			continue
		}
		if err := e.walk(child, livePath, workPath, hasTmpfs); err != nil {
			return err
		}
	}

	if createTmpfs {
		if err := mountops.RemountReadOnly(workPath); err != nil {
			Warnf("make workdir %s ro: %v", workPath, err)
		}
		if err := mountops.MoveMount(workPath, livePath); err != nil {
			return fmt.Errorf("moving workdir onto %s: %w", livePath, err)
		}
		if err := mountops.MakePrivate(livePath); err != nil {
			Warnf("making %s private: %v", livePath, err)
		}
		if e.umount {
			umountsink.Schedule(livePath)
		}
	}

	return nil
}

// nodeNeedsTmpfs reports whether projecting child at livePath structurally
// requires a tmpfs interposer: a symlink child, a whiteout masking a live
// path, a file-type mismatch against the live entry, or a missing live
// path for a non-whiteout child.
func nodeNeedsTmpfs(child *node.Node, livePath string) bool {
	switch child.Type {
	case node.Symlink:
		return true
	case node.Whiteout:
		return fileExists(livePath)
	default:
		fi, err := os.Lstat(livePath)
		if err != nil {
			return true
		}
		liveType := classifyLiveType(fi)
		return liveType != child.Type || liveType == node.Symlink
	}
}

func classifyLiveType(fi os.FileInfo) node.FileType {
	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		return node.Symlink
	case fi.IsDir():
		return node.Directory
	default:
		return node.Regular
	}
}

func mirrorLiveEntry(livePath, workPath, name string) error {
	src := filepath.Join(livePath, name)
	dst := filepath.Join(workPath, name)

	fi, err := os.Lstat(src)
	if err != nil {
		return fmt.Errorf("stat live entry %s: %w", src, errkind.IO)
	}

	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		return cloneSymlink(src, dst)
	case fi.IsDir():
		if err := os.MkdirAll(dst, fi.Mode().Perm()); err != nil {
			return fmt.Errorf("mirroring dir %s: %w", dst, errkind.IO)
		}
		xattrutil.CopyExtendedAttributes(src, dst)
		entries, err := os.ReadDir(src)
		if err != nil {
			return fmt.Errorf("reading %s: %w", src, errkind.IO)
		}
		for _, e := range entries {
			if err := mirrorLiveEntry(src, dst, e.Name()); err != nil {
				return err
			}
		}
		return nil
	default:
		f, err := os.Create(dst)
		if err != nil {
			return fmt.Errorf("creating mirror file %s: %w", dst, errkind.IO)
		}
		f.Close()
		return mountops.BindMount(src, dst)
	}
}

