package gem

import (
	"sync"
	"sync/atomic"

	"github.com/gfxcore/gart/hw"
)

type listTag uint8

const (
	listNone listTag = iota
	listInactive
	listActive
)

// Object is a reference-counted descriptor of one backing-store allocation
// and its current aperture-binding and fence state.
//
// References are attributable to handle table entries, the active aperture
// binding, the held fence slot, and buffer cache residency. The object is
// destroyed exactly when the count reaches zero, at which point any residual
// fence, binding, and backing store are torn down in that order.
type Object struct {
	refs   atomic.Int32
	pinned atomic.Bool

	manager *Manager

	size          int
	allocatedSize int
	numPages      int
	flags         CreateFlags
	mapping       hw.Mapping

	// bindMu serializes Bind/Unbind/SetTiling on this object. It is the
	// outermost lock in the subsystem and is never acquired while a
	// component lock is held (the eviction engine uses TryLock instead).
	bindMu sync.Mutex

	// Binding state, written under bindMu.
	bound       bool
	offsetPages int
	cacheType   CacheType
	tiling      TilingMode
	stride      int

	// Fence state, guarded by the fence manager's mutex. -1 when absent.
	fenceSlot int

	// Eviction list state, guarded by the eviction list's mutex.
	lruPrev, lruNext *Object
	list             listTag
	engine           hw.Engine
	lastSeq          uint32
}

func newObject(manager *Manager, size, allocatedSize int, flags CreateFlags, mapping hw.Mapping) *Object {
	o := &Object{
		manager:       manager,
		size:          size,
		allocatedSize: allocatedSize,
		numPages:      allocatedSize / manager.pageSize,
		flags:         flags,
		mapping:       mapping,
		fenceSlot:     -1,
	}
	o.refs.Store(1)
	if flags&CreatePinned != 0 {
		o.pinned.Store(true)
	}
	return o
}

// Retain takes an additional reference on the object.
func (o *Object) Retain() {
	if o.refs.Add(1) <= 1 {
		panic("gem: retain on an object with no live references")
	}
}

// Release drops one reference. The reference that observes the transition to
// zero performs teardown; the decrement and zero check are a single atomic
// operation, so concurrent releases cannot both tear down.
func (o *Object) Release() error {
	refs := o.refs.Add(-1)
	if refs < 0 {
		panic("gem: release of an object with no live references")
	}
	if refs == 0 {
		return o.manager.destroyObject(o)
	}
	return nil
}

// Size returns the byte size the object was created with.
func (o *Object) Size() int { return o.size }

// AllocatedSize returns the page-rounded size of the backing store.
func (o *Object) AllocatedSize() int { return o.allocatedSize }

// Tiling returns the object's current tiling mode.
func (o *Object) Tiling() TilingMode { return o.tiling }

// Pinned reports whether the object is exempt from eviction.
func (o *Object) Pinned() bool { return o.pinned.Load() }

func (o *Object) mapForCPU() ([]byte, error) {
	if o.mapping.CPU == nil {
		return nil, ErrNotBacked
	}
	return o.mapping.CPU, nil
}
