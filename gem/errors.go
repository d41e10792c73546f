package gem

import "github.com/pkg/errors"

// ErrOutOfMemory is returned when the backing store cannot supply the
// requested number of physical pages.
var ErrOutOfMemory error = errors.New("backing store exhausted")

// ErrAddressSpaceExhausted is returned when no contiguous run of aperture
// pages can satisfy a request, even after one eviction attempt.
var ErrAddressSpaceExhausted error = errors.New("aperture address space exhausted")

// ErrFenceExhausted is returned when every fence slot is held by a pinned or
// in-flight object and none can be reclaimed.
var ErrFenceExhausted error = errors.New("no fence slot available")

// ErrInvalidHandle is returned when a handle does not name a live object.
var ErrInvalidHandle error = errors.New("invalid handle")

// ErrNoHandles is returned when the handle table is full.
var ErrNoHandles error = errors.New("handle table full")

// ErrHardwareTimeout is returned when a bounded wait for hardware idleness
// or a power domain gate exceeds its deadline.
var ErrHardwareTimeout error = errors.New("hardware wait timed out")

// ErrAlreadyBound reports a contract violation: an operation that requires
// an unbound object was invoked on a bound one.
var ErrAlreadyBound error = errors.New("object already bound")

// ErrNotBound reports a contract violation: an operation that requires a
// bound object (or a busy aperture range) named an unbound one.
var ErrNotBound error = errors.New("object not bound")

// ErrNotBacked is returned when an object has no backing-store mapping.
var ErrNotBacked error = errors.New("object has no backing store")

// ErrNoVictim is reported by the eviction engine when no idle, unpinned,
// bound object exists to evict.
var ErrNoVictim error = errors.New("no evictable object")
