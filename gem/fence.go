package gem

import (
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/gfxcore/gart/hw"
	"github.com/gfxcore/gart/internal/utils"
	"golang.org/x/exp/slog"
)

// fenceRegBase is the register offset of the first fence control register;
// slot i lives at fenceRegBase + 4*i.
const fenceRegBase uint32 = 0x2000

// Fence control register layout. The offset occupies bits 12 and up (the
// binding is page-aligned), leaving the low bits for control fields.
const (
	fenceValid      uint32 = 1 << 0
	fenceTileY      uint32 = 1 << 1
	fencePitchShift        = 2 // log2(stride), bits 2..6
	fenceSizeShift         = 7 // ceil(log2(pages)), bits 7..11
)

type fenceSlot struct {
	used        bool
	obj         *Object
	offsetPages int
	numPages    int
	tiling      TilingMode
	stride      int
	// stamp orders slots for least-recently-used reclaim.
	stamp uint64
}

// fenceManager tracks the fixed set of hardware fence slots describing tiled
// bindings. When every slot is held, a slot belonging to an idle object is
// forcibly reclaimed; the victim loses hardware-correct tiled access until it
// re-acquires a fence.
type fenceManager struct {
	mutex  utils.OptionalMutex
	logger *slog.Logger

	regs  hw.RegisterAccess
	power hw.PowerDomain

	pageSize int
	slots    []fenceSlot
	clock    uint64
}

func (f *fenceManager) init(useMutex bool, logger *slog.Logger, regs hw.RegisterAccess, power hw.PowerDomain, slotCount, pageSize int) {
	f.mutex = utils.OptionalMutex{UseMutex: useMutex}
	f.logger = logger
	f.regs = regs
	f.power = power
	f.pageSize = pageSize
	f.slots = make([]fenceSlot, slotCount)
}

// acquire assigns a fence slot describing o's current binding geometry. The
// caller must hold o.bindMu, and o must be bound and tiled. If o already
// holds a slot with matching geometry this is a no-op; if the geometry
// changed, the slot is released and reacquired. stolen reports whether an
// idle object's slot was reclaimed to satisfy the request.
func (f *fenceManager) acquire(o *Object, idle func(*Object) bool) (stolen bool, err error) {
	if !o.bound {
		return false, errors.Wrapf(ErrNotBound, "fence acquire for an unbound object")
	}
	if o.tiling == TilingNone {
		panic("gem: fence acquire for a linear object")
	}

	var dropRef *Object

	f.mutex.Lock()
	stolen, dropRef, err = f.acquireLocked(o, idle)
	f.mutex.Unlock()

	// Reference drops happen outside the fence mutex; a stolen slot's
	// holder is still bound, so this can never be its final reference.
	if dropRef != nil {
		releaseErr := dropRef.Release()
		if releaseErr != nil && err == nil {
			err = releaseErr
		}
	}
	return stolen, err
}

func (f *fenceManager) acquireLocked(o *Object, idle func(*Object) bool) (stolen bool, dropRef *Object, err error) {
	f.clock++

	held := o.fenceSlot
	if held >= 0 {
		slot := &f.slots[held]
		if slot.offsetPages == o.offsetPages && slot.numPages == o.numPages &&
			slot.tiling == o.tiling && slot.stride == o.stride {
			slot.stamp = f.clock
			return false, nil, nil
		}

		// Geometry changed: release, then fall through to reacquire.
		err = f.clearSlot(held)
		if err != nil {
			return false, nil, err
		}
		o.fenceSlot = -1
		dropRef = o
	}

	target := -1
	for i := range f.slots {
		if !f.slots[i].used {
			target = i
			break
		}
	}

	if target < 0 {
		// Steal the least-recently-used slot held by an idle object.
		for i := range f.slots {
			if !idle(f.slots[i].obj) {
				continue
			}
			if target < 0 || f.slots[i].stamp < f.slots[target].stamp {
				target = i
			}
		}
		if target < 0 {
			return false, dropRef, errors.Wrapf(ErrFenceExhausted, "all %d fence slots held by pinned or in-flight objects", len(f.slots))
		}

		victim := f.slots[target].obj
		err = f.clearSlot(target)
		if err != nil {
			return false, dropRef, err
		}
		victim.fenceSlot = -1
		stolen = true
		if dropRef == nil {
			dropRef = victim
		} else {
			// Both a geometry-change release and a steal in one call: the
			// reacquired object cannot also be the victim, so the two drops
			// target different objects. Release the victim here under the
			// same never-final guarantee.
			f.logger.Debug("fenceManager::acquire reacquire displaced a second holder")
			releaseErr := victim.Release()
			if releaseErr != nil {
				return false, dropRef, releaseErr
			}
		}
		f.logger.Debug("fenceManager::acquire stole fence", slog.Int("Slot", target))
	}

	err = f.programSlot(target, o)
	if err != nil {
		return stolen, dropRef, err
	}

	o.fenceSlot = target
	o.Retain()
	return stolen, dropRef, nil
}

// release frees the slot held by o, if any, clearing its hardware control
// fields. The caller must hold o.bindMu.
func (f *fenceManager) release(o *Object) error {
	var dropRef *Object

	f.mutex.Lock()
	held := o.fenceSlot
	if held >= 0 {
		err := f.clearSlot(held)
		if err != nil {
			f.mutex.Unlock()
			return err
		}
		o.fenceSlot = -1
		dropRef = o
	}
	f.mutex.Unlock()

	if dropRef != nil {
		return dropRef.Release()
	}
	return nil
}

// forceRelease clears o's slot without touching the refcount. Only the
// object destroy path uses it, when the count has already reached zero.
func (f *fenceManager) forceRelease(o *Object) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if o.fenceSlot < 0 {
		return nil
	}
	err := f.clearSlot(o.fenceSlot)
	if err != nil {
		return err
	}
	o.fenceSlot = -1
	return nil
}

func (f *fenceManager) clearSlot(index int) error {
	err := f.power.AcquireDomain(hw.DomainRender)
	if err != nil {
		return errors.Wrapf(ErrHardwareTimeout, "acquiring render domain to clear fence %d: %s", index, err)
	}
	defer f.power.ReleaseDomain(hw.DomainRender)

	f.regs.WriteReg32(fenceRegBase+4*uint32(index), 0)
	f.slots[index] = fenceSlot{}
	return nil
}

func (f *fenceManager) programSlot(index int, o *Object) error {
	err := f.power.AcquireDomain(hw.DomainRender)
	if err != nil {
		return errors.Wrapf(ErrHardwareTimeout, "acquiring render domain to program fence %d: %s", index, err)
	}
	defer f.power.ReleaseDomain(hw.DomainRender)

	value := uint32(o.offsetPages*f.pageSize) | fenceValid
	if o.tiling == TilingY {
		value |= fenceTileY
	}
	value |= uint32(bits.Len(uint(o.stride))-1) << fencePitchShift
	value |= uint32(bits.Len(uint(o.numPages-1))) << fenceSizeShift
	f.regs.WriteReg32(fenceRegBase+4*uint32(index), value)

	f.slots[index] = fenceSlot{
		used:        true,
		obj:         o,
		offsetPages: o.offsetPages,
		numPages:    o.numPages,
		tiling:      o.tiling,
		stride:      o.stride,
		stamp:       f.clock,
	}
	return nil
}

func (f *fenceManager) usedCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	count := 0
	for i := range f.slots {
		if f.slots[i].used {
			count++
		}
	}
	return count
}

// Validate checks slot/object backlinks. Callers must guarantee the fence
// state is quiescent.
func (f *fenceManager) Validate() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	for i := range f.slots {
		slot := &f.slots[i]
		if slot.used {
			if slot.obj == nil {
				return errors.Newf("fence slot %d is used but has no holder", i)
			}
			if slot.obj.fenceSlot != i {
				return errors.Newf("fence slot %d's holder records slot %d", i, slot.obj.fenceSlot)
			}
		} else if slot.obj != nil {
			return errors.Newf("fence slot %d is free but retains a holder", i)
		}
	}
	return nil
}
