// Package binding wraps the OS primitive that pins a thread to a
// core. The original treats this as an opaque "parallel runtime
// binding primitive" (spec.md §1); here it is a small interface with
// a real per-OS implementation, following the teacher's convention of
// splitting OS-specific primitives into build-tagged files (see
// internal/runtime/asyncio/zerocopy_unix_splice.go /
// zerocopy_windows_file.go in the reference tree).
package binding

import "github.com/bullsequana/sabo/internal/logx"

// Affinity binds the calling OS thread to a single core. Go does not
// expose a stable "thread index -> OS thread" mapping the way pthread
// IDs do, so callers are expected to invoke Bind from the very thread
// that must be pinned (via runtime.LockOSThread), matching how each
// OpenMP worker calls the binding primitive on itself.
type Affinity interface {
	// Bind pins the calling thread to osCoreID.
	Bind(osCoreID int) error
}

// New returns the platform's Affinity implementation.
func New(log *logx.Logger) Affinity {
	return newPlatformAffinity(log)
}
