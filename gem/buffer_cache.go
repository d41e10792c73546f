package gem

import (
	"github.com/gfxcore/gart/internal/utils"
	"golang.org/x/exp/slog"
)

// bufferCache is a small bounded free list of bound, mapped scratch buffers
// reused across command-stream submissions. Entries are kept most recently
// pushed last; get inspects only the most recent entry, matching the
// push/pop reuse pattern of command submission.
type bufferCache struct {
	mutex  utils.OptionalMutex
	logger *slog.Logger

	capacity int
	entries  []*Object
}

func (c *bufferCache) init(useMutex bool, logger *slog.Logger, capacity int) {
	c.mutex = utils.OptionalMutex{UseMutex: useMutex}
	c.logger = logger
	c.capacity = capacity
}

// get pops the most recently pushed buffer if its capacity covers minSize.
// The cache's reference transfers to the caller. Returns nil on a miss.
func (c *bufferCache) get(minSize int) *Object {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if len(c.entries) == 0 {
		return nil
	}
	top := c.entries[len(c.entries)-1]
	if top.allocatedSize < minSize {
		return nil
	}
	c.entries = c.entries[:len(c.entries)-1]
	return top
}

// put pushes o for reuse if the cache has spare capacity, taking over the
// caller's reference. It reports false when full; the caller then owns the
// teardown.
func (c *bufferCache) put(o *Object) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if len(c.entries) >= c.capacity {
		return false
	}
	c.entries = append(c.entries, o)
	return true
}

func (c *bufferCache) count() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return len(c.entries)
}

// drain removes and returns all cached buffers, for whole-manager teardown.
func (c *bufferCache) drain() []*Object {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	drained := c.entries
	c.entries = nil
	return drained
}
