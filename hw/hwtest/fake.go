// Package hwtest provides a deterministic in-memory implementation of the hw
// collaborator interfaces for use in tests.
package hwtest

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gfxcore/gart/hw"
)

const fakePhysBase = 0x10_0000

// Device is an in-memory fake of a device's backing store, register file,
// power domains, and engine completion state. All methods are safe for
// concurrent use.
type Device struct {
	mu sync.Mutex

	pageSize  int
	nextPhys  hw.PhysAddr
	pageData  map[hw.PhysAddr][]byte
	regs      map[uint32]uint32
	completed map[hw.Engine]uint32
	domains   map[hw.Domain]int

	allocCalls int
	freeCalls  int
	freedPages int

	// FailNextAllocate makes the next AllocatePages call fail.
	FailNextAllocate bool
	// AcquireErr, when set, is returned by every AcquireDomain call.
	AcquireErr error
	// AcquireFailCountdown, when positive, makes the Nth subsequent
	// AcquireDomain call fail once (1 fails the very next call).
	AcquireFailCountdown int
}

func NewDevice(pageSize int) *Device {
	return &Device{
		pageSize:  pageSize,
		nextPhys:  fakePhysBase,
		pageData:  make(map[hw.PhysAddr][]byte),
		regs:      make(map[uint32]uint32),
		completed: make(map[hw.Engine]uint32),
		domains:   make(map[hw.Domain]int),
	}
}

func (d *Device) AllocatePages(count int, zero bool) (hw.Mapping, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.FailNextAllocate {
		d.FailNextAllocate = false
		return hw.Mapping{}, errors.New("fake backing store: allocation failure injected")
	}

	d.allocCalls++
	mapping := hw.Mapping{
		CPU:   make([]byte, count*d.pageSize),
		Pages: make([]hw.PhysAddr, count),
	}
	if !zero {
		// Dirty the pages so zero-fill behavior is observable.
		for i := range mapping.CPU {
			mapping.CPU[i] = 0xa5
		}
	}
	for i := 0; i < count; i++ {
		addr := d.nextPhys
		d.nextPhys += hw.PhysAddr(d.pageSize)
		mapping.Pages[i] = addr
		d.pageData[addr] = mapping.CPU[i*d.pageSize : (i+1)*d.pageSize]
	}

	return mapping, nil
}

func (d *Device) FreePages(mapping hw.Mapping) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.freeCalls++
	for _, addr := range mapping.Pages {
		if _, ok := d.pageData[addr]; !ok {
			return errors.Newf("fake backing store: double free of page %#x", uint64(addr))
		}
		delete(d.pageData, addr)
		d.freedPages++
	}

	return nil
}

func (d *Device) ReadReg32(offset uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.regs[offset]
}

func (d *Device) WriteReg32(offset uint32, value uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.regs[offset] = value
}

func (d *Device) AcquireDomain(domain hw.Domain) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.AcquireErr != nil {
		return d.AcquireErr
	}
	if d.AcquireFailCountdown > 0 {
		d.AcquireFailCountdown--
		if d.AcquireFailCountdown == 0 {
			return errors.New("fake power domain: injected wake failure")
		}
	}
	d.domains[domain]++
	return nil
}

func (d *Device) ReleaseDomain(domain hw.Domain) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.domains[domain] == 0 {
		panic("fake power domain: release without matching acquire")
	}
	d.domains[domain]--
}

func (d *Device) LastCompletedSequence(engine hw.Engine) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.completed[engine]
}

// Complete marks seq as the most recently completed sequence on engine.
func (d *Device) Complete(engine hw.Engine, seq uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.completed[engine] = seq
}

// AllocateCalls returns the number of AllocatePages calls observed.
func (d *Device) AllocateCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.allocCalls
}

// FreedPages returns the total number of pages returned via FreePages.
func (d *Device) FreedPages() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.freedPages
}

// LivePages returns the number of backing pages currently allocated.
func (d *Device) LivePages() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.pageData)
}

// DomainDepth returns the current nesting depth of a power domain.
func (d *Device) DomainDepth(domain hw.Domain) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.domains[domain]
}
