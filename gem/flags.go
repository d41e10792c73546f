package gem

import "strings"

// TilingMode describes the memory layout of a buffer object's contents.
// Tiled objects require a fence register while bound.
type TilingMode uint8

const (
	TilingNone TilingMode = iota
	TilingX
	TilingY
)

func (t TilingMode) String() string {
	switch t {
	case TilingNone:
		return "TilingNone"
	case TilingX:
		return "TilingX"
	case TilingY:
		return "TilingY"
	}
	return "TilingUnknown"
}

// CacheType is the CPU cache attribute programmed into an object's aperture
// translation entries.
type CacheType uint8

const (
	CacheNone CacheType = iota
	CacheLLC
	CacheWriteCombine
)

func (c CacheType) String() string {
	switch c {
	case CacheNone:
		return "CacheNone"
	case CacheLLC:
		return "CacheLLC"
	case CacheWriteCombine:
		return "CacheWriteCombine"
	}
	return "CacheUnknown"
}

// CreateFlags indicate specific buffer object behaviors to activate at
// creation time.
type CreateFlags uint32

const (
	// CreateZeroed clears the backing pages before the object is exposed.
	CreateZeroed CreateFlags = 1 << iota
	// CreatePinned marks the object as never evictable. Pinned objects do
	// not join the eviction list.
	CreatePinned
)

func (f CreateFlags) String() string {
	var parts []string
	if f&CreateZeroed != 0 {
		parts = append(parts, "CreateZeroed")
	}
	if f&CreatePinned != 0 {
		parts = append(parts, "CreatePinned")
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}
