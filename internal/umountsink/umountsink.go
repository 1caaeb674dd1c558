// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package umountsink implements a process-global, deduplicated queue of
// paths whose visibility is retracted after boot by an opaque downstream
// driver (an ioctl or syscall trick specific to the host's root solution).
// The driver is pluggable so the core never depends on that specifics;
// when none is installed, paths are still queued but commit retracts
// nothing.
package umountsink

import (
	"fmt"
	"os"
	"sort"
	"sync"
)

// Driver is the opaque downstream mechanism that actually retracts a
// mount's visibility. flags mirrors the two-attempt protocol: 0 for a
// normal unmount request, 2 for detach/lazy.
type Driver interface {
	TryUmount(path string, flags int) error
}

// noopDriver is installed by default; Schedule and Commit succeed trivially
// when no real driver is configured.
type noopDriver struct{}

func (noopDriver) TryUmount(string, int) error { return nil }

// Sink is a deduplicated, mutex-protected queue of paths awaiting a
// two-attempt commit.
type Sink struct {
	mu        sync.Mutex
	driver    Driver
	scheduled map[string]bool
	order     []string
}

// New returns a Sink backed by driver. A nil driver installs the no-op.
func New(driver Driver) *Sink {
	if driver == nil {
		driver = noopDriver{}
	}
	return &Sink{driver: driver, scheduled: map[string]bool{}}
}

// Schedule enqueues path for later unmount. Idempotent: a path already
// scheduled is ignored.
func (s *Sink) Schedule(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduled[path] {
		return
	}
	s.scheduled[path] = true
	s.order = append(s.order, path)
}

// SetDriver swaps the backing driver. Intended for wiring a real opaque
// sink once it's available (or for tests to inject a fake).
func (s *Sink) SetDriver(driver Driver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if driver == nil {
		driver = noopDriver{}
	}
	s.driver = driver
}

// Pending returns a sorted copy of the currently scheduled paths, for
// diagnostics and tests.
func (s *Sink) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]string(nil), s.order...)
	sort.Strings(out)
	return out
}

// Commit attempts to retract every scheduled path's visibility: first with
// flags=0, stopping at the first failure, and if any flags=0 attempt failed
// a second pass over every scheduled path with flags=2 (detach/lazy).
// Individual failures on the second pass are
// logged, not returned — commit is a best-effort boot-time step, never a
// hard requirement for correctness.
func (s *Sink) Commit() error {
	s.mu.Lock()
	paths := append([]string(nil), s.order...)
	driver := s.driver
	s.mu.Unlock()

	if len(paths) == 0 {
		return nil
	}

	var firstPassErr error
	for _, p := range paths {
		if err := driver.TryUmount(p, 0); err != nil {
			firstPassErr = err
			break
		}
	}
	if firstPassErr == nil {
		return nil
	}

	for _, p := range paths {
		if err := driver.TryUmount(p, 2); err != nil {
			fmt.Fprintf(os.Stderr, "umountsink: try_umount(2) failed for %s: %v\n", p, err)
		}
	}
	return nil
}

var global = New(nil)

// Global returns the process-wide Sink used by the overlay and magic
// executors.
func Global() *Sink { return global }

// Schedule enqueues path on the global Sink.
func Schedule(path string) { global.Schedule(path) }

// Commit commits the global Sink.
func Commit() error { return global.Commit() }

// SetDriver installs driver as the global Sink's backing mechanism.
func SetDriver(driver Driver) { global.SetDriver(driver) }
