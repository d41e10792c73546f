// Package gem manages a device's dedicated address-space window (the
// aperture) and the buffer objects placed into it: allocation and
// reference-counted lifetime, binding into the aperture's translation table,
// fence slot assignment for tiled surfaces, and LRU eviction of idle
// bindings under memory pressure.
package gem

import (
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gfxcore/gart/hw"
	"github.com/gfxcore/gart/memutils"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/exp/slog"
)

// Manager is the facade over the aperture allocator, fence manager, eviction
// list, handle table, and buffer cache. Each component carries its own lock;
// operations that need more than one acquire them in the fixed order handle
// table, aperture, fence manager, eviction list, releasing before any
// blocking wait. The per-object bind mutex sits outside all of them.
type Manager struct {
	logger   *slog.Logger
	useMutex bool

	backing  hw.BackingStore
	pageSize int

	pollInterval time.Duration
	pollTimeout  time.Duration

	handles  handleTable
	aperture apertureAllocator
	fences   fenceManager
	evict    evictionList
	cache    bufferCache

	objectCount atomic.Int64
	evictions   atomic.Uint64
	fenceSteals atomic.Uint64
	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64

	destroyed atomic.Bool
}

// PageSize returns the aperture page granularity in bytes.
func (m *Manager) PageSize() int { return m.pageSize }

// Create allocates a new buffer object of at least size bytes, rounded up to
// page granularity, and returns a handle to it. The handle holds the only
// reference; Close releases it.
func (m *Manager) Create(size int, flags CreateFlags) (Handle, error) {
	m.logger.Debug("Manager::Create", slog.Int("Size", size), slog.String("Flags", flags.String()))

	if size <= 0 {
		return 0, errors.Newf("provided size %d is not a positive byte count", size)
	}

	numPages := memutils.PageSpan(size, uint(m.pageSize))
	allocatedSize := numPages * m.pageSize

	mapping, err := m.backing.AllocatePages(numPages, flags&CreateZeroed != 0)
	if err != nil {
		return 0, errors.Wrapf(ErrOutOfMemory, "allocating %d backing pages: %s", numPages, err)
	}

	o := newObject(m, size, allocatedSize, flags, mapping)
	m.objectCount.Add(1)

	handle, err := m.handles.insert(o)
	if err != nil {
		// Tear down the half-built object before reporting.
		releaseErr := o.Release()
		if releaseErr != nil {
			m.logger.Error("failed to release object after handle insertion failure", slog.Any("error", releaseErr))
		}
		return 0, err
	}

	// Drop the creator's reference; the table entry keeps the object alive.
	err = o.Release()
	if err != nil {
		return 0, err
	}

	return handle, nil
}

// Close releases the reference the handle table holds. The object is
// destroyed only when no binding, fence, or cache residency still
// references it.
func (m *Manager) Close(handle Handle) error {
	m.logger.Debug("Manager::Close", slog.Uint64("Handle", uint64(handle)))

	return m.handles.close(handle)
}

// MapForCPU returns the object's CPU mapping. The mapping remains valid for
// the object's lifetime.
func (m *Manager) MapForCPU(handle Handle) ([]byte, error) {
	m.logger.Debug("Manager::MapForCPU", slog.Uint64("Handle", uint64(handle)))

	o, err := m.handles.lookupRetain(handle)
	if err != nil {
		return nil, err
	}
	defer m.deferredRelease(o)

	return o.mapForCPU()
}

// Bind places the object into the aperture with the requested cache
// attribute, programming one translation entry per physical page. Binding an
// already-bound object with the same cache type is a no-op success. For
// tiled objects a fence slot is acquired; if none can be had, the binding is
// rolled back and the error reported.
func (m *Manager) Bind(handle Handle, cache CacheType) error {
	m.logger.Debug("Manager::Bind", slog.Uint64("Handle", uint64(handle)), slog.String("CacheType", cache.String()))

	o, err := m.handles.lookupRetain(handle)
	if err != nil {
		return err
	}
	defer m.deferredRelease(o)

	o.bindMu.Lock()
	defer o.bindMu.Unlock()

	return m.bindLocked(o, cache)
}

// Unbind removes the object's aperture binding, releasing its fence (if
// any), scrubbing its translation entries to the scratch page, and freeing
// the vacated pages.
func (m *Manager) Unbind(handle Handle) error {
	m.logger.Debug("Manager::Unbind", slog.Uint64("Handle", uint64(handle)))

	o, err := m.handles.lookupRetain(handle)
	if err != nil {
		return err
	}
	defer m.deferredRelease(o)

	o.bindMu.Lock()
	defer o.bindMu.Unlock()

	if !o.bound {
		return errors.Wrapf(ErrNotBound, "unbind of handle %d", handle)
	}
	return m.unbindLocked(o)
}

// Pin binds the object (if needed) and marks it exempt from eviction, for
// buffers the hardware scans continuously.
func (m *Manager) Pin(handle Handle, cache CacheType) error {
	m.logger.Debug("Manager::Pin", slog.Uint64("Handle", uint64(handle)))

	o, err := m.handles.lookupRetain(handle)
	if err != nil {
		return err
	}
	defer m.deferredRelease(o)

	o.bindMu.Lock()
	defer o.bindMu.Unlock()

	if !o.bound || o.cacheType != cache {
		err = m.bindLocked(o, cache)
		if err != nil {
			return err
		}
	}
	o.pinned.Store(true)
	m.evict.remove(o)
	return nil
}

// Unpin clears the eviction exemption. A still-bound, idle object rejoins
// the eviction list as most recently used.
func (m *Manager) Unpin(handle Handle) error {
	m.logger.Debug("Manager::Unpin", slog.Uint64("Handle", uint64(handle)))

	o, err := m.handles.lookupRetain(handle)
	if err != nil {
		return err
	}
	defer m.deferredRelease(o)

	o.bindMu.Lock()
	defer o.bindMu.Unlock()

	if !o.pinned.Swap(false) {
		return errors.Newf("unpin of handle %d, which is not pinned", handle)
	}
	if o.bound {
		m.evict.touch(o)
	}
	return nil
}

// SetTiling changes the object's tiling geometry. A held fence is released
// and reacquired for the new geometry; if reacquisition fails, the previous
// geometry is restored and the error reported.
func (m *Manager) SetTiling(handle Handle, tiling TilingMode, stride int) error {
	m.logger.Debug("Manager::SetTiling", slog.Uint64("Handle", uint64(handle)), slog.String("Tiling", tiling.String()), slog.Int("Stride", stride))

	if tiling != TilingNone {
		if stride < 1 {
			return errors.Newf("provided stride %d is not a positive pitch", stride)
		}
		err := memutils.CheckPow2(stride, "stride")
		if err != nil {
			return err
		}
	}

	o, err := m.handles.lookupRetain(handle)
	if err != nil {
		return err
	}
	defer m.deferredRelease(o)

	o.bindMu.Lock()
	defer o.bindMu.Unlock()

	if o.tiling == tiling && o.stride == stride {
		return nil
	}

	prevTiling, prevStride := o.tiling, o.stride

	hadFence := o.fenceSlot >= 0
	if hadFence {
		err = m.fences.release(o)
		if err != nil {
			return err
		}
	}

	o.tiling = tiling
	o.stride = stride

	if o.bound && tiling != TilingNone {
		stolen, err := m.fences.acquire(o, m.evict.isIdle)
		if err != nil {
			// Restore the previous geometry, and the fence that described
			// it, so a bound tiled object is not left fence-less.
			o.tiling = prevTiling
			o.stride = prevStride
			if hadFence {
				_, reacquireErr := m.fences.acquire(o, m.evict.isIdle)
				if reacquireErr != nil {
					return multierror.Append(err, reacquireErr)
				}
			}
			return err
		}
		if stolen {
			m.fenceSteals.Add(1)
		}
	}
	return nil
}

// Submit records the object as in flight on engine until sequence seq is
// observed complete. It does not perform submission itself; the command
// encoder does that.
func (m *Manager) Submit(handle Handle, engine hw.Engine, seq uint32) error {
	m.logger.Debug("Manager::Submit", slog.Uint64("Handle", uint64(handle)), slog.String("Engine", engine.String()), slog.Uint64("Seq", uint64(seq)))

	o, err := m.handles.lookupRetain(handle)
	if err != nil {
		return err
	}
	defer m.deferredRelease(o)

	o.bindMu.Lock()
	defer o.bindMu.Unlock()

	if !o.bound {
		return errors.Wrapf(ErrNotBound, "submit of handle %d", handle)
	}
	m.evict.markActive(o, engine, seq)
	return nil
}

// Busy reports whether the object has unretired work.
func (m *Manager) Busy(handle Handle) (bool, error) {
	o, err := m.handles.lookupRetain(handle)
	if err != nil {
		return false, err
	}
	defer m.deferredRelease(o)

	return m.evict.isActive(o), nil
}

// WaitIdle polls until the object's last-submitted work is observed
// complete, or the bounded wait expires with ErrHardwareTimeout.
func (m *Manager) WaitIdle(handle Handle) error {
	m.logger.Debug("Manager::WaitIdle", slog.Uint64("Handle", uint64(handle)))

	o, err := m.handles.lookupRetain(handle)
	if err != nil {
		return err
	}
	defer m.deferredRelease(o)

	deadline := time.Now().Add(m.pollTimeout)
	for m.evict.isActive(o) {
		if time.Now().After(deadline) {
			return errors.Wrapf(ErrHardwareTimeout, "object still busy after %s", m.pollTimeout)
		}
		time.Sleep(m.pollInterval)
	}
	return nil
}

// CacheGet returns a bound, mapped scratch buffer of at least size bytes,
// reusing the most recently cached one when it is large enough and creating
// a fresh one otherwise.
func (m *Manager) CacheGet(size int) (Handle, []byte, error) {
	m.logger.Debug("Manager::CacheGet", slog.Int("Size", size))

	if size <= 0 {
		return 0, nil, errors.Newf("provided size %d is not a positive byte count", size)
	}

	o := m.cache.get(size)
	if o != nil {
		m.cacheHits.Add(1)

		// A parked buffer may have been evicted while in the cache; rebind
		// so the caller always receives a bound buffer.
		o.bindMu.Lock()
		err := m.bindLocked(o, CacheWriteCombine)
		o.bindMu.Unlock()
		if err != nil {
			releaseErr := o.Release()
			if releaseErr != nil {
				m.logger.Error("failed to release cached buffer after rebind failure", slog.Any("error", releaseErr))
			}
			return 0, nil, err
		}
	} else {
		m.cacheMisses.Add(1)

		var err error
		o, err = m.createBoundScratch(size)
		if err != nil {
			return 0, nil, err
		}
	}

	handle, err := m.handles.insert(o)
	if err != nil {
		teardownErr := m.teardownCached(o)
		if teardownErr != nil {
			m.logger.Error("failed to tear down scratch buffer after handle insertion failure", slog.Any("error", teardownErr))
		}
		return 0, nil, err
	}

	// Drop the reference we carried (the cache's, or the creator's); the
	// table entry keeps the buffer alive.
	err = o.Release()
	if err != nil {
		return 0, nil, err
	}

	mapping, err := o.mapForCPU()
	if err != nil {
		return 0, nil, err
	}
	return handle, mapping, nil
}

// CachePut returns a scratch buffer to the cache, leaving its binding and
// mapping intact for reuse. When the cache is full the buffer is unbound and
// destroyed instead of growing the free list.
func (m *Manager) CachePut(handle Handle) error {
	m.logger.Debug("Manager::CachePut", slog.Uint64("Handle", uint64(handle)))

	o, err := m.handles.lookupRetain(handle)
	if err != nil {
		return err
	}

	err = m.handles.close(handle)
	if err != nil {
		releaseErr := o.Release()
		if releaseErr != nil {
			m.logger.Error("failed to release object after close failure", slog.Any("error", releaseErr))
		}
		return err
	}

	if m.cache.put(o) {
		return nil
	}
	return m.teardownCached(o)
}

func (m *Manager) createBoundScratch(size int) (*Object, error) {
	numPages := memutils.PageSpan(size, uint(m.pageSize))
	allocatedSize := numPages * m.pageSize

	mapping, err := m.backing.AllocatePages(numPages, false)
	if err != nil {
		return nil, errors.Wrapf(ErrOutOfMemory, "allocating %d backing pages for a scratch buffer: %s", numPages, err)
	}

	o := newObject(m, allocatedSize, allocatedSize, 0, mapping)
	m.objectCount.Add(1)

	o.bindMu.Lock()
	err = m.bindLocked(o, CacheWriteCombine)
	o.bindMu.Unlock()
	if err != nil {
		releaseErr := o.Release()
		if releaseErr != nil {
			m.logger.Error("failed to release scratch buffer after bind failure", slog.Any("error", releaseErr))
		}
		return nil, err
	}
	return o, nil
}

// teardownCached unbinds and drops a buffer the cache no longer wants,
// destroying it immediately rather than leaving it to linger on the
// eviction list.
func (m *Manager) teardownCached(o *Object) error {
	o.bindMu.Lock()
	var err error
	if o.bound {
		err = m.unbindLocked(o)
	}
	o.bindMu.Unlock()

	releaseErr := o.Release()
	if err != nil {
		return err
	}
	return releaseErr
}

// bindLocked performs the bind with o.bindMu held.
func (m *Manager) bindLocked(o *Object, cache CacheType) error {
	if o.bound && o.cacheType == cache {
		// Same placement, same attributes: refresh recency only.
		if !o.pinned.Load() {
			m.evict.touch(o)
		}
		return nil
	}

	if o.bound {
		err := m.unbindLocked(o)
		if err != nil {
			return err
		}
	}

	offset, err := m.aperture.allocate(o.numPages, o)
	if err != nil {
		return err
	}

	err = m.aperture.writeEntries(offset, o.mapping.Pages, cache)
	if err != nil {
		freeErr := m.aperture.free(offset, o.numPages, o)
		if freeErr != nil {
			m.logger.Error("failed to free aperture pages after translation programming failure", slog.Any("error", freeErr))
		}
		return err
	}

	o.bound = true
	o.offsetPages = offset
	o.cacheType = cache
	o.Retain()

	if o.tiling != TilingNone {
		// Fail closed: a tiled binding without a fence is not
		// hardware-correct, so unwind the whole bind.
		stolen, err := m.fences.acquire(o, m.evict.isIdle)
		if err != nil {
			unbindErr := m.unbindLocked(o)
			if unbindErr != nil {
				return multierror.Append(err, unbindErr)
			}
			return err
		}
		if stolen {
			m.fenceSteals.Add(1)
		}
	}

	if !o.pinned.Load() {
		m.evict.touch(o)
	}
	return nil
}

// unbindLocked performs the unbind with o.bindMu held; o must be bound. On
// failure the object is left bound, back on the exact list it occupied, so an
// in-flight object cannot surface on the inactive list as a victim.
func (m *Manager) unbindLocked(o *Object) error {
	prior := m.evict.detach(o)

	err := m.fences.release(o)
	if err != nil {
		m.evict.reattach(o, prior)
		return err
	}

	err = m.aperture.scrubEntries(o.offsetPages, o.numPages)
	if err != nil {
		m.evict.reattach(o, prior)
		return err
	}

	err = m.aperture.free(o.offsetPages, o.numPages, o)
	if err != nil {
		return err
	}

	o.bound = false
	o.offsetPages = 0
	o.cacheType = CacheNone

	// The binding's reference goes last; it may be the final one.
	return o.Release()
}

// evictOne selects the least-recently-used idle binding and unbinds it,
// returning the number of pages freed. When every bound object is in
// flight, it polls completion within the configured bound.
func (m *Manager) evictOne() (int, error) {
	deadline := time.Now().Add(m.pollTimeout)

	for {
		victim := m.evict.claimVictim()
		if victim != nil {
			freedPages := victim.numPages
			m.logger.Debug("Manager::evictOne unbinding victim", slog.Int("Pages", freedPages))

			err := m.unbindLocked(victim)
			victim.bindMu.Unlock()
			releaseErr := victim.Release()
			if err != nil {
				return 0, err
			}
			if releaseErr != nil {
				return 0, releaseErr
			}

			m.evictions.Add(1)
			return freedPages, nil
		}

		if !m.evict.hasActive() {
			return 0, ErrNoVictim
		}
		if time.Now().After(deadline) {
			return 0, errors.Wrapf(ErrHardwareTimeout, "no binding went idle within %s", m.pollTimeout)
		}
		time.Sleep(m.pollInterval)
	}
}

// destroyObject tears down an object whose reference count reached zero:
// any residual fence first, then the aperture binding, then the backing
// store. Normal paths release fence and binding (each holding its own
// reference) before the count can reach zero, so the first two steps are
// usually no-ops; the ordering is enforced here unconditionally so no call
// site can bypass it.
func (m *Manager) destroyObject(o *Object) error {
	m.logger.Debug("Manager::destroyObject", slog.Int("Size", o.size))

	var errs *multierror.Error

	if o.fenceSlot >= 0 {
		m.logger.Error("object reached zero references while holding a fence slot")
		errs = multierror.Append(errs, m.fences.forceRelease(o))
	}

	if o.bound {
		m.logger.Error("object reached zero references while aperture-bound")
		m.evict.remove(o)
		errs = multierror.Append(errs, m.aperture.scrubEntries(o.offsetPages, o.numPages))
		errs = multierror.Append(errs, m.aperture.free(o.offsetPages, o.numPages, o))
		o.bound = false
	}

	if o.mapping.Pages != nil {
		errs = multierror.Append(errs, m.backing.FreePages(o.mapping))
		o.mapping = hw.Mapping{}
	}

	m.objectCount.Add(-1)
	return errs.ErrorOrNil()
}

// Destroy tears the whole manager down: cached buffers, open handles,
// remaining bindings, and finally the scratch page.
func (m *Manager) Destroy() error {
	m.logger.Debug("Manager::Destroy")

	if m.destroyed.Swap(true) {
		return errors.New("manager already destroyed")
	}

	var errs *multierror.Error

	for _, o := range m.cache.drain() {
		errs = multierror.Append(errs, m.teardownCached(o))
	}

	errs = multierror.Append(errs, m.handles.closeAll())

	// Orphaned bindings (bound objects whose handles are gone) keep
	// themselves alive through the binding reference; unbind them all.
	// The aperture owner map also reaches pinned bindings, which sit on
	// no eviction list.
	for _, o := range m.evict.drainAll() {
		o.bindMu.Lock()
		if o.bound {
			errs = multierror.Append(errs, m.unbindLocked(o))
		}
		o.bindMu.Unlock()
		errs = multierror.Append(errs, o.Release())
	}
	for _, o := range m.aperture.boundObjects() {
		o.bindMu.Lock()
		if o.bound {
			o.pinned.Store(false)
			errs = multierror.Append(errs, m.unbindLocked(o))
		}
		o.bindMu.Unlock()
		errs = multierror.Append(errs, o.Release())
	}

	errs = multierror.Append(errs, m.aperture.destroy())

	if live := m.objectCount.Load(); live != 0 {
		errs = multierror.Append(errs, errors.Newf("%d objects still live after teardown", live))
	}

	return errs.ErrorOrNil()
}

func (m *Manager) deferredRelease(o *Object) {
	err := o.Release()
	if err != nil {
		m.logger.Error("failed to release object reference", slog.Any("error", err))
	}
}
