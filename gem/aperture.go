package gem

import (
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/gfxcore/gart/hw"
	"github.com/gfxcore/gart/internal/utils"
	"github.com/gfxcore/gart/memutils"
	"golang.org/x/exp/slog"
)

const (
	pteValid    uint32 = 1 << 0
	pteCacheLLC uint32 = 1 << 1
	pteCacheWC  uint32 = 1 << 2
)

type apertureRun struct {
	owner    *Object
	numPages int
}

// apertureAllocator manages the aperture's page bitmap and translation
// entries. Page 0 is the scratch page: permanently busy, and the target of
// every translation entry that does not belong to a live binding.
type apertureAllocator struct {
	mutex  utils.OptionalMutex
	logger *slog.Logger

	backing hw.BackingStore
	regs    hw.RegisterAccess
	power   hw.PowerDomain

	pageSize   int
	gttBase    uint32
	totalPages int
	freePages  int
	bitmap     []uint64

	// owners maps the first page of each busy run to the object owning it
	// and the run's length, backing the defensive checks in free.
	owners *swiss.Map[uint32, apertureRun]

	scratch hw.Mapping

	// evictOne is invoked, without the aperture mutex held, when a first-fit
	// scan fails. It frees the pages of one victim or reports an error.
	evictOne func() (int, error)
}

func (a *apertureAllocator) init(
	useMutex bool,
	logger *slog.Logger,
	backing hw.BackingStore,
	regs hw.RegisterAccess,
	power hw.PowerDomain,
	totalPages, pageSize int,
	gttBase uint32,
	evictOne func() (int, error),
) error {
	a.mutex = utils.OptionalMutex{UseMutex: useMutex}
	a.logger = logger
	a.backing = backing
	a.regs = regs
	a.power = power
	a.pageSize = pageSize
	a.gttBase = gttBase
	a.totalPages = totalPages
	a.freePages = totalPages - 1
	a.bitmap = make([]uint64, (totalPages+63)/64)
	a.owners = swiss.NewMap[uint32, apertureRun](64)
	a.evictOne = evictOne

	scratch, err := backing.AllocatePages(1, true)
	if err != nil {
		return errors.Wrapf(ErrOutOfMemory, "allocating the scratch page: %s", err)
	}
	a.scratch = scratch

	// Page 0 is never handed to a caller.
	a.setRange(0, 1)

	// Point every translation entry at the scratch page so no entry ever
	// references unowned memory.
	err = a.scrubEntries(0, totalPages)
	if err != nil {
		freeErr := backing.FreePages(scratch)
		if freeErr != nil {
			logger.Error("failed to release scratch page after init failure", slog.Any("error", freeErr))
		}
		a.scratch = hw.Mapping{}
		return err
	}

	return nil
}

func (a *apertureAllocator) destroy() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.freePages != a.totalPages-1 {
		return errors.Newf("aperture destroyed with %d pages still bound", a.totalPages-1-a.freePages)
	}
	if a.scratch.Pages != nil {
		err := a.backing.FreePages(a.scratch)
		a.scratch = hw.Mapping{}
		if err != nil {
			return errors.Wrapf(err, "releasing the scratch page")
		}
	}
	return nil
}

func (a *apertureAllocator) scratchPhys() hw.PhysAddr {
	return a.scratch.Pages[0]
}

// allocate finds a first-fit run of numPages free pages, marks it busy, and
// records owner as the run's owner. If no run exists, it asks the eviction
// engine to free one victim's pages and retries exactly once.
func (a *apertureAllocator) allocate(numPages int, owner *Object) (int, error) {
	if numPages <= 0 {
		panic("gem: aperture allocate called with a non-positive page count")
	}
	if owner.bound {
		return 0, errors.Wrapf(ErrAlreadyBound, "allocate for an object already owning pages at %d", owner.offsetPages)
	}

	a.mutex.Lock()
	offset, ok := a.reserveRun(numPages, owner)
	freeBefore := a.freePages
	a.mutex.Unlock()
	if ok {
		return offset, nil
	}

	a.logger.Debug("apertureAllocator::allocate attempting eviction", slog.Int("NumPages", numPages), slog.Int("FreePages", freeBefore))

	freed, err := a.evictOne()
	if err != nil {
		if errors.Is(err, ErrNoVictim) {
			return 0, errors.Wrapf(ErrAddressSpaceExhausted, "no run of %d contiguous pages and no evictable object", numPages)
		}
		return 0, err
	}
	a.logger.Debug("apertureAllocator::allocate evicted", slog.Int("FreedPages", freed))

	a.mutex.Lock()
	offset, ok = a.reserveRun(numPages, owner)
	a.mutex.Unlock()
	if ok {
		return offset, nil
	}

	return 0, errors.Wrapf(ErrAddressSpaceExhausted, "no run of %d contiguous pages after eviction", numPages)
}

// free clears the run previously allocated to owner at offsetPages. Freeing
// pages that are not busy, that overlap the scratch page, or that belong to
// a different owner is a contract violation and fails without touching the
// bitmap.
func (a *apertureAllocator) free(offsetPages, numPages int, owner *Object) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if offsetPages < 1 || offsetPages+numPages > a.totalPages {
		return errors.Wrapf(ErrNotBound, "free of pages [%d, %d) outside the allocatable aperture", offsetPages, offsetPages+numPages)
	}

	recorded, ok := a.owners.Get(uint32(offsetPages))
	if !ok {
		return errors.Wrapf(ErrNotBound, "free of pages at %d, which start no recorded run", offsetPages)
	}
	if recorded.owner != owner {
		return errors.Wrapf(ErrNotBound, "free of pages at %d by an object that does not own them", offsetPages)
	}
	if recorded.numPages != numPages {
		return errors.Wrapf(ErrNotBound, "free of %d pages at %d, but the recorded run spans %d", numPages, offsetPages, recorded.numPages)
	}

	// Verify the whole run is busy before clearing anything.
	for page := offsetPages; page < offsetPages+numPages; page++ {
		if !a.testBit(page) {
			return errors.Wrapf(ErrNotBound, "free of page %d, which is already free", page)
		}
	}

	a.clearRange(offsetPages, numPages)
	a.freePages += numPages
	a.owners.Delete(uint32(offsetPages))

	memutils.DebugValidate(a)

	return nil
}

// writeEntries programs one translation entry per physical page, bracketed
// by the render power domain.
func (a *apertureAllocator) writeEntries(offsetPages int, pages []hw.PhysAddr, cache CacheType) error {
	err := a.power.AcquireDomain(hw.DomainRender)
	if err != nil {
		return errors.Wrapf(ErrHardwareTimeout, "acquiring render domain for translation programming: %s", err)
	}
	defer a.power.ReleaseDomain(hw.DomainRender)

	for i, page := range pages {
		a.regs.WriteReg32(a.entryOffset(offsetPages+i), a.encodeEntry(page, cache))
	}
	return nil
}

// scrubEntries rewrites a run of translation entries to point at the scratch
// page, so no entry is left referencing memory that may be freed.
func (a *apertureAllocator) scrubEntries(offsetPages, numPages int) error {
	err := a.power.AcquireDomain(hw.DomainRender)
	if err != nil {
		return errors.Wrapf(ErrHardwareTimeout, "acquiring render domain for translation scrub: %s", err)
	}
	defer a.power.ReleaseDomain(hw.DomainRender)

	entry := a.encodeEntry(a.scratchPhys(), CacheNone)
	for page := offsetPages; page < offsetPages+numPages; page++ {
		a.regs.WriteReg32(a.entryOffset(page), entry)
	}
	return nil
}

func (a *apertureAllocator) entryOffset(page int) uint32 {
	return a.gttBase + 4*uint32(page)
}

func (a *apertureAllocator) encodeEntry(page hw.PhysAddr, cache CacheType) uint32 {
	entry := uint32(page)&^uint32(a.pageSize-1) | pteValid
	switch cache {
	case CacheLLC:
		entry |= pteCacheLLC
	case CacheWriteCombine:
		entry |= pteCacheWC
	}
	return entry
}

// reserveRun performs the first-fit scan. Caller must hold the mutex.
func (a *apertureAllocator) reserveRun(numPages int, owner *Object) (int, bool) {
	if a.freePages < numPages {
		return 0, false
	}

	runStart := -1
	runLen := 0
	for page := 1; page < a.totalPages; page++ {
		if a.testBit(page) {
			runStart = -1
			runLen = 0
			continue
		}
		if runStart < 0 {
			runStart = page
		}
		runLen++
		if runLen == numPages {
			a.setRange(runStart, numPages)
			a.freePages -= numPages
			a.owners.Put(uint32(runStart), apertureRun{owner: owner, numPages: numPages})
			memutils.DebugValidate(a)
			return runStart, true
		}
	}
	return 0, false
}

func (a *apertureAllocator) testBit(page int) bool {
	return a.bitmap[page/64]&(1<<(uint(page)%64)) != 0
}

func (a *apertureAllocator) setRange(offsetPages, numPages int) {
	for page := offsetPages; page < offsetPages+numPages; page++ {
		a.bitmap[page/64] |= 1 << (uint(page) % 64)
	}
}

func (a *apertureAllocator) clearRange(offsetPages, numPages int) {
	for page := offsetPages; page < offsetPages+numPages; page++ {
		a.bitmap[page/64] &^= 1 << (uint(page) % 64)
	}
}

func (a *apertureAllocator) popCount() int {
	count := 0
	for _, word := range a.bitmap {
		count += bits.OnesCount64(word)
	}
	return count
}

// Validate checks the aperture's availability invariant: the free-page count
// matches the bitmap population, the scratch bit is busy, and every recorded
// owner's run is fully busy. Caller must hold the mutex (or be externally
// synchronized); it is also invoked from DebugValidate inside locked
// operations.
func (a *apertureAllocator) Validate() error {
	if !a.testBit(0) {
		return errors.New("the scratch page bit is not busy")
	}

	busy := a.popCount()
	if a.freePages != a.totalPages-busy {
		return errors.Newf("free page count %d does not match bitmap population (%d of %d busy)", a.freePages, busy, a.totalPages)
	}

	var err error
	a.owners.Iter(func(offset uint32, run apertureRun) bool {
		for page := int(offset); page < int(offset)+run.numPages; page++ {
			if !a.testBit(page) {
				err = errors.Newf("page %d of the run owned at %d is marked free", page, offset)
				return true
			}
		}
		return false
	})
	return err
}

// validateScrubbed reads back the translation entry of every free page and
// confirms it points at the scratch page. Caller must hold the mutex.
func (a *apertureAllocator) validateScrubbed() error {
	scratchEntry := a.encodeEntry(a.scratchPhys(), CacheNone)
	for page := 1; page < a.totalPages; page++ {
		if a.testBit(page) {
			continue
		}
		entry := a.regs.ReadReg32(a.entryOffset(page))
		if entry != scratchEntry {
			return errors.Newf("free page %d's translation entry is %#x; expected the scratch entry %#x", page, entry, scratchEntry)
		}
	}
	return nil
}

// boundObjects returns every object currently owning an aperture run, each
// with a reference taken.
func (a *apertureAllocator) boundObjects() []*Object {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var objs []*Object
	a.owners.Iter(func(offset uint32, run apertureRun) bool {
		run.owner.Retain()
		objs = append(objs, run.owner)
		return false
	})
	return objs
}

// addDetailedStatistics accumulates binding and free-run accounting into
// stats. Caller must not hold the mutex.
func (a *apertureAllocator) addDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.owners.Iter(func(offset uint32, run apertureRun) bool {
		stats.AddBound(run.owner.allocatedSize)
		return false
	})

	runLen := 0
	for page := 1; page < a.totalPages; page++ {
		if a.testBit(page) {
			if runLen > 0 {
				stats.AddFreeRun(runLen)
				runLen = 0
			}
			continue
		}
		runLen++
	}
	if runLen > 0 {
		stats.AddFreeRun(runLen)
	}
}
