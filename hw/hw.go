// Package hw declares the hardware collaborator interfaces consumed by the
// gem package: backing-store page allocation, 32-bit register access, the
// power/access domain guard bracketing translation-table and fence register
// programming, and the command-engine completion query that drives idleness
// tracking. Implementations live in the driver proper; hwtest provides a
// deterministic in-memory fake.
package hw

// PhysAddr is the physical address of one backing page.
type PhysAddr uint64

// Engine identifies a hardware command engine for completion tracking.
type Engine uint8

const (
	EngineRender Engine = iota
	EngineBlitter
)

func (e Engine) String() string {
	switch e {
	case EngineRender:
		return "render"
	case EngineBlitter:
		return "blitter"
	}
	return "unknown"
}

// Domain identifies a power/access domain. Register ranges covered by a
// domain may only be programmed while the domain is held.
type Domain uint8

const (
	// DomainRender covers the aperture translation table and the fence
	// register file.
	DomainRender Domain = iota
	DomainDisplay
)

func (d Domain) String() string {
	switch d {
	case DomainRender:
		return "render"
	case DomainDisplay:
		return "display"
	}
	return "unknown"
}

// Mapping is the result of a backing-store allocation: a CPU-accessible
// view of the pages plus the ordered physical page list.
type Mapping struct {
	CPU   []byte
	Pages []PhysAddr
}

// BackingStore supplies physically-resident pages and CPU mappings for them.
type BackingStore interface {
	// AllocatePages returns a mapping covering count pages. When zero is
	// true the pages are cleared before return.
	AllocatePages(count int, zero bool) (Mapping, error)
	// FreePages releases a mapping previously returned by AllocatePages.
	FreePages(mapping Mapping) error
}

// RegisterAccess reads and writes 32-bit device registers, including the
// aperture translation table and fence control registers.
type RegisterAccess interface {
	ReadReg32(offset uint32) uint32
	WriteReg32(offset uint32, value uint32)
}

// PowerDomain is the scoped guard that must bracket register programming.
// AcquireDomain blocks until the domain is awake, with a bounded internal
// wait; it reports an error if the hardware fails to wake in time.
type PowerDomain interface {
	AcquireDomain(domain Domain) error
	ReleaseDomain(domain Domain)
}

// CompletionQuery reports the most recently completed command sequence
// number observed on an engine.
type CompletionQuery interface {
	LastCompletedSequence(engine Engine) uint32
}
