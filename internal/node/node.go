// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package node builds the in-memory tree the magic mounter projects onto
// the live filesystem: a directory DAG annotated with the module path that
// backs each leaf, so the walk in internal/magicexec knows what to bind and
// where.
package node

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/trangkyanh17/hybridmount/internal/defs"
	"github.com/trangkyanh17/hybridmount/internal/xattrutil"
)

// FileType is the closed set of kinds a Node can take.
type FileType int

const (
	Directory FileType = iota
	Regular
	Symlink
	Whiteout
)

func (t FileType) String() string {
	switch t {
	case Directory:
		return "directory"
	case Regular:
		return "regular"
	case Symlink:
		return "symlink"
	case Whiteout:
		return "whiteout"
	default:
		return "unknown"
	}
}

// Node is one entry of the projected filesystem tree.
type Node struct {
	Name     string
	Type     FileType
	Children map[string]*Node

	// ModulePath is the absolute source path backing this node, empty for
	// directories synthesized purely to hold children.
	ModulePath string

	// Replace marks a directory that fully supersedes the live contents
	// at this path rather than unioning with them.
	Replace bool
}

// NewRoot returns an empty directory node with no backing source.
func NewRoot(name string) *Node {
	return &Node{Name: name, Type: Directory, Children: map[string]*Node{}}
}

// NewFromDirEntry inspects a module directory entry on disk and builds the
// Node it corresponds to: directory, regular, symlink, or whiteout (a char
// device with rdev==0). Directories are additionally probed for replace
// semantics via the overlay-opaque xattr or a .replace sentinel file.
func NewFromDirEntry(modulePath string, entry fs.DirEntry) (*Node, error) {
	info, err := os.Lstat(modulePath)
	if err != nil {
		return nil, err
	}

	n := &Node{Name: entry.Name(), ModulePath: modulePath}

	mode := info.Mode()
	switch {
	case mode&os.ModeCharDevice != 0:
		if isWhiteoutRdev(info) {
			n.Type = Whiteout
		} else {
			n.Type = Regular
		}
	case mode.IsDir():
		n.Type = Directory
		n.Children = map[string]*Node{}
		n.Replace = isReplaceDir(modulePath)
	case mode&os.ModeSymlink != 0:
		n.Type = Symlink
	default:
		n.Type = Regular
	}

	return n, nil
}

func isWhiteoutRdev(info os.FileInfo) bool {
	stat, ok := info.Sys().(*unix.Stat_t)
	if !ok {
		return false
	}
	return stat.Rdev == 0
}

func isReplaceDir(dir string) bool {
	if v, err := xattrutil.Lgetxattr(dir, defs.ReplaceDirXattr); err == nil && v == "y" {
		return true
	}
	if _, err := os.Lstat(filepath.Join(dir, defs.ReplaceFileName)); err == nil {
		return true
	}
	return false
}

// HasFile reports whether a directory node carries any terminal entry, or
// is itself marked Replace (a replace directory is "occupied" even if it
// turns out to be empty, since it still needs to shadow the live contents).
func (n *Node) HasFile() bool {
	if n.Type != Directory {
		return true
	}
	if n.Replace {
		return true
	}
	for _, c := range n.Children {
		if c.HasFile() {
			return true
		}
	}
	return false
}

// Collect recursively populates n's Children from a source directory on
// disk. At each name, an existing child (from an earlier, higher-priority
// module) wins; Collect only recurses into it when both sides are
// directories, otherwise the earlier entry is left untouched.
func (n *Node) Collect(dir string) error {
	if n.Type != Directory {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		childPath := filepath.Join(dir, e.Name())
		existing, ok := n.Children[e.Name()]
		if !ok {
			child, err := NewFromDirEntry(childPath, e)
			if err != nil {
				return err
			}
			n.Children[e.Name()] = child
			if child.Type == Directory {
				if err := child.Collect(childPath); err != nil {
					return err
				}
			}
			continue
		}
		if existing.Type == Directory && e.IsDir() {
			if err := existing.Collect(childPath); err != nil {
				return err
			}
		}
		// Non-directory collision: existing (earlier module) wins.
	}
	return nil
}

// Merge folds other into n in place, applying the same first-wins rule as
// Collect: n's existing children take precedence, recursing only when both
// sides are directories.
func (n *Node) Merge(other *Node) {
	if n.Type != Directory || other.Type != Directory {
		return
	}
	for name, child := range other.Children {
		existing, ok := n.Children[name]
		if !ok {
			n.Children[name] = child
			continue
		}
		if existing.Type == Directory && child.Type == Directory {
			existing.Merge(child)
		}
	}
}

// SortedChildNames returns the child names of a directory node in stable
// lexicographic order, for deterministic traversal.
func (n *Node) SortedChildNames() []string {
	names := make([]string, 0, len(n.Children))
	for name := range n.Children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
