// Package errkind defines the closed set of error categories the core
// raises, so callers can branch on kind with errors.Is instead of string
// matching.
package errkind

import "errors"

// Kind is a sentinel a wrapped error can be tested against with errors.Is.
type Kind error

var (
	// Config marks an invalid option; fatal to the boot sequence.
	Config Kind = errors.New("config error")
	// IO marks a filesystem access failure.
	IO Kind = errors.New("io error")
	// Mount marks a kernel mount syscall refusal.
	Mount Kind = errors.New("mount error")
	// XattrUnsupported marks a tmpfs that lacks xattr support.
	XattrUnsupported Kind = errors.New("xattr unsupported")
	// LayerLimit marks lowerdir truncation; a warning, never fatal.
	LayerLimit Kind = errors.New("layer limit exceeded")
	// Conflict marks a reported, never-fatal file conflict between modules.
	Conflict Kind = errors.New("module conflict")
	// ChildMountUnrestorable marks an OverlayOp whose child mounts could
	// not be made visible after the root overlay succeeded; fatal to that
	// OverlayOp and triggers a revert.
	ChildMountUnrestorable Kind = errors.New("child mount unrestorable")
)
