package gem

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gfxcore/gart/hw"
	"github.com/gfxcore/gart/memutils"
	"golang.org/x/exp/slog"
)

// ManagerCreateFlags indicate specific manager behaviors to activate or
// deactivate
type ManagerCreateFlags int32

const (
	// ManagerCreateExternallySynchronized ensures that this manager and all objects created from it
	// will not be synchronized internally. The consumer must guarantee they are used from only one
	// thread at a time or are synchronized by some other mechanism, but performance may improve because
	// internal mutexes are not used.
	ManagerCreateExternallySynchronized ManagerCreateFlags = 1 << iota
)

func (f ManagerCreateFlags) String() string {
	if f&ManagerCreateExternallySynchronized != 0 {
		return "ManagerCreateExternallySynchronized"
	}
	return "0"
}

const (
	// DefaultPageSize is the aperture page granularity used when
	// CreateOptions.PageSize is not provided.
	DefaultPageSize = 4096

	// defaultFenceCount matches the fence register file of the supported
	// hardware generations.
	defaultFenceCount = 16

	defaultHandleCapacity = 1024
	defaultCacheCapacity  = 8

	// defaultGTTBase is the register offset of translation entry 0.
	defaultGTTBase uint32 = 0x0020_0000

	defaultEvictionPollInterval = 50 * time.Microsecond
	defaultEvictionPollTimeout  = 100 * time.Millisecond
)

// CreateOptions contains optional settings when creating a Manager
type CreateOptions struct {
	// Flags indicates specific manager behaviors to activate or deactivate
	Flags ManagerCreateFlags

	// PageSize is the aperture page granularity in bytes. Must be a power
	// of two. Defaults to DefaultPageSize.
	PageSize int

	// GTTBase is the register offset of the first aperture translation
	// entry. Defaults to the supported hardware's layout.
	GTTBase uint32

	// FenceCount is the number of hardware fence slots. Defaults to 16.
	FenceCount int

	// HandleCapacity is the fixed size of the handle table. Defaults to
	// 1024; at most 65534.
	HandleCapacity int

	// CacheCapacity bounds the buffer cache's free list. Defaults to 8.
	// Zero keeps the default; use CacheDisabled for no caching.
	CacheCapacity int

	// EvictionPollInterval and EvictionPollTimeout bound the completion
	// poll performed while waiting for an eviction candidate or for a
	// single object to go idle.
	EvictionPollInterval time.Duration
	EvictionPollTimeout  time.Duration
}

// CacheDisabled as CreateOptions.CacheCapacity turns the buffer cache off:
// every CacheGet creates a fresh buffer and every CachePut destroys one.
const CacheDisabled = -1

// New creates a Manager over an aperture of aperturePages pages.
//
// backing, regs, power, and completion are the hardware collaborators the
// manager consumes; all four are required.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(
	logger *slog.Logger,
	aperturePages int,
	backing hw.BackingStore,
	regs hw.RegisterAccess,
	power hw.PowerDomain,
	completion hw.CompletionQuery,
	options CreateOptions,
) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if backing == nil || regs == nil || power == nil || completion == nil {
		return nil, errors.New("all four hardware collaborators must be provided")
	}
	if aperturePages < 2 {
		return nil, errors.Newf("aperture of %d pages cannot hold the scratch page and a binding", aperturePages)
	}

	pageSize := options.PageSize
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	err := memutils.CheckPow2(pageSize, "CreateOptions.PageSize")
	if err != nil {
		return nil, err
	}

	gttBase := options.GTTBase
	if gttBase == 0 {
		gttBase = defaultGTTBase
	}

	fenceCount := options.FenceCount
	if fenceCount == 0 {
		fenceCount = defaultFenceCount
	}
	if fenceCount < 1 {
		return nil, errors.Newf("provided FenceCount %d is not a positive fence slot count", fenceCount)
	}

	handleCapacity := options.HandleCapacity
	if handleCapacity == 0 {
		handleCapacity = defaultHandleCapacity
	}
	if handleCapacity < 1 || handleCapacity > maxHandleCapacity {
		return nil, errors.Newf("provided HandleCapacity %d is outside [1, %d]", handleCapacity, maxHandleCapacity)
	}

	cacheCapacity := options.CacheCapacity
	if cacheCapacity == 0 {
		cacheCapacity = defaultCacheCapacity
	} else if cacheCapacity == CacheDisabled {
		cacheCapacity = 0
	}

	pollInterval := options.EvictionPollInterval
	if pollInterval == 0 {
		pollInterval = defaultEvictionPollInterval
	}
	pollTimeout := options.EvictionPollTimeout
	if pollTimeout == 0 {
		pollTimeout = defaultEvictionPollTimeout
	}

	useMutex := options.Flags&ManagerCreateExternallySynchronized == 0

	manager := &Manager{
		logger:       logger,
		useMutex:     useMutex,
		backing:      backing,
		pageSize:     pageSize,
		pollInterval: pollInterval,
		pollTimeout:  pollTimeout,
	}

	manager.handles.init(useMutex, logger, handleCapacity)
	manager.fences.init(useMutex, logger, regs, power, fenceCount, pageSize)
	manager.evict.init(useMutex, logger, completion)
	manager.cache.init(useMutex, logger, cacheCapacity)

	err = manager.aperture.init(useMutex, logger, backing, regs, power, aperturePages, pageSize, gttBase, manager.evictOne)
	if err != nil {
		return nil, err
	}

	return manager, nil
}
