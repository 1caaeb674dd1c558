// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package xattrutil copies and derives SELinux contexts and overlay xattrs,
// and detects whether the running kernel's tmpfs supports extended
// attributes at all.
package xattrutil

import (
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/opencontainers/selinux/go-selinux"

	"github.com/trangkyanh17/hybridmount/internal/defs"
	"github.com/trangkyanh17/hybridmount/internal/errkind"
)

// Lsetfilecon writes security.selinux on path. A missing-xattr error (the
// filesystem doesn't support xattrs at all) is swallowed: callers run on
// plain rootfs images where SELinux labeling is simply unavailable.
func Lsetfilecon(path, ctx string) error {
	if err := selinux.SetFileLabel(path, ctx); err != nil {
		if errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.EOPNOTSUPP) {
			return nil
		}
		return fmt.Errorf("lsetfilecon %s: %w", path, errJoin(errkind.IO, err))
	}
	return nil
}

// Lgetfilecon returns the SELinux context of path.
func Lgetfilecon(path string) (string, error) {
	ctx, err := selinux.FileLabel(path)
	if err != nil {
		return "", fmt.Errorf("lgetfilecon %s: %w", path, errJoin(errkind.IO, err))
	}
	return ctx, nil
}

// Lgetxattr reads the named xattr off path, trimming a trailing NUL.
func Lgetxattr(path, name string) (string, error) {
	buf := make([]byte, 256)
	n, err := unix.Lgetxattr(path, name, buf)
	if err != nil {
		return "", fmt.Errorf("lgetxattr %s %s: %w", path, name, errJoin(errkind.IO, err))
	}
	return strings.TrimRight(string(buf[:n]), "\x00"), nil
}

// SetOverlayOpaque marks path opaque for overlayfs purposes, which this
// tool also treats as the magic-mount replace-directory marker.
func SetOverlayOpaque(path string) error {
	if err := unix.Lsetxattr(path, defs.ReplaceDirXattr, []byte("y"), 0); err != nil {
		return fmt.Errorf("set_overlay_opaque %s: %w", path, errJoin(errkind.IO, err))
	}
	return nil
}

// CopyExtendedAttributes copies the SELinux context (rewriting rootfs to
// system_file, since a bare rootfs label never belongs on a projected
// file), the overlay opaque marker, and every other trusted.overlay.*
// attribute from src to dst. Individual attribute failures are ignored,
// not propagated or logged: a partially-labeled file is still usable.
func CopyExtendedAttributes(src, dst string) {
	if ctx, err := Lgetfilecon(src); err == nil {
		if ctx == "u:object_r:rootfs:s0" {
			ctx = defs.ContextSystem
		}
		_ = Lsetfilecon(dst, ctx)
	}

	if v, err := Lgetxattr(src, defs.ReplaceDirXattr); err == nil && v == "y" {
		_ = SetOverlayOpaque(dst)
	}

	names, err := unix.Llistxattr(src, nil)
	if err != nil || names <= 0 {
		return
	}
	buf := make([]byte, names)
	n, err := unix.Llistxattr(src, buf)
	if err != nil {
		return
	}
	for _, name := range splitNulTerminated(buf[:n]) {
		if name == defs.SelinuxXattr || name == defs.ReplaceDirXattr {
			continue
		}
		if !strings.HasPrefix(name, "trusted.overlay.") {
			continue
		}
		if v, err := Lgetxattr(src, name); err == nil {
			_ = unix.Lsetxattr(dst, name, []byte(v), 0)
		}
	}
}

func splitNulTerminated(buf []byte) []string {
	var out []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				out = append(out, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return out
}

var (
	overlayXattrOnce sync.Once
	overlayXattrOk   bool
)

// IsOverlayXattrSupported reports whether the running kernel was built with
// CONFIG_TMPFS_XATTR=y, gating whether tmpfs upperdirs can carry SELinux
// labels and the overlay opaque marker. /proc/config.gz is read directly
// in-process with compress/gzip rather than shelling out to zcat.
func IsOverlayXattrSupported() bool {
	overlayXattrOnce.Do(func() {
		overlayXattrOk = probeTmpfsXattrConfig()
	})
	return overlayXattrOk
}

func probeTmpfsXattrConfig() bool {
	f, err := os.Open("/proc/config.gz")
	if err != nil {
		return false
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return false
	}
	defer gz.Close()

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if scanner.Text() == "CONFIG_TMPFS_XATTR=y" {
			return true
		}
	}
	return false
}

// GuessContext maps a projected absolute path to a fallback SELinux
// context when neither the module source nor the live sibling yields a
// usable label. Vendor/ODM library subpaths get the HAL label; other
// vendor/odm paths get vendor_file; everything else gets system_file.
func GuessContext(projectedPath string) string {
	if isVendorLike(projectedPath) {
		if strings.Contains(projectedPath, "/lib/") || strings.Contains(projectedPath, "/lib64/") || strings.HasSuffix(projectedPath, ".so") {
			return defs.ContextHAL
		}
		return defs.ContextVendor
	}
	return defs.ContextSystem
}

func isVendorLike(path string) bool {
	return strings.HasPrefix(path, "/vendor/") || path == "/vendor" ||
		strings.HasPrefix(path, "/odm/") || path == "/odm" ||
		strings.Contains(path, "/vendor/") || strings.Contains(path, "/odm/")
}

// ApplySystemContext resolves the context to stamp on dst, preferring (1)
// a usable label already on the live sibling, (2) the parent directory's
// context (promoting the HAL label when the parent is vendor_file and the
// guess would be HAL), (3) GuessContext as a last resort.
func ApplySystemContext(dst, livePath, parentPath string) string {
	if ctx, err := Lgetfilecon(livePath); err == nil && ctx != defs.ContextRootfs && ctx != "unlabeled" {
		return ctx
	}
	guess := GuessContext(dst)
	if parentCtx, err := Lgetfilecon(parentPath); err == nil {
		if parentCtx == defs.ContextVendor && guess == defs.ContextHAL {
			return guess
		}
		if parentCtx != "" {
			return parentCtx
		}
	}
	return guess
}

func errJoin(kind, err error) error {
	return &kindError{kind: kind, err: err}
}

type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() []error {
	return []error{e.kind, e.err}
}
