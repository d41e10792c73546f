package gem

import (
	"github.com/cockroachdb/errors"
	"github.com/gfxcore/gart/internal/utils"
	"golang.org/x/exp/slog"
)

// Handle names a buffer object within one Manager. Handles are session-local
// small integers; 0 is never a valid handle.
type Handle uint32

const (
	handleIndexBits = 16
	handleIndexMask = 1<<handleIndexBits - 1
	// maxHandleCapacity keeps slot+1 representable in the index bits.
	maxHandleCapacity = handleIndexMask - 1
)

type handleEntry struct {
	obj        *Object
	generation uint16
}

// handleTable maps handles to objects. Each entry holds one reference on its
// object. Slots carry a generation counter folded into the handle value, so
// a stale handle whose slot was reused is rejected rather than resolving to
// the wrong object.
type handleTable struct {
	mutex  utils.OptionalRWMutex
	logger *slog.Logger

	entries   []handleEntry
	freeSlots []uint16
	liveCount int
}

func (t *handleTable) init(useMutex bool, logger *slog.Logger, capacity int) {
	t.mutex = utils.OptionalRWMutex{UseMutex: useMutex}
	t.logger = logger
	t.entries = make([]handleEntry, capacity)
	t.freeSlots = make([]uint16, capacity)
	// LIFO free stack, lowest slots first.
	for i := 0; i < capacity; i++ {
		t.freeSlots[i] = uint16(capacity - 1 - i)
	}
}

func makeHandle(slot int, generation uint16) Handle {
	return Handle(uint32(generation)<<handleIndexBits | uint32(slot+1))
}

// insert assigns a handle to o and takes a reference attributable to the
// table entry.
func (t *handleTable) insert(o *Object) (Handle, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if len(t.freeSlots) == 0 {
		return 0, errors.Wrapf(ErrNoHandles, "all %d handle slots in use", len(t.entries))
	}

	slot := int(t.freeSlots[len(t.freeSlots)-1])
	t.freeSlots = t.freeSlots[:len(t.freeSlots)-1]

	entry := &t.entries[slot]
	entry.generation++
	entry.obj = o
	t.liveCount++

	o.Retain()
	return makeHandle(slot, entry.generation), nil
}

func (t *handleTable) resolve(handle Handle) (int, *handleEntry, error) {
	index := int(uint32(handle) & handleIndexMask)
	if index == 0 || index > len(t.entries) {
		return 0, nil, errors.Wrapf(ErrInvalidHandle, "handle %d is out of range", handle)
	}
	slot := index - 1
	entry := &t.entries[slot]
	if entry.obj == nil || entry.generation != uint16(uint32(handle)>>handleIndexBits) {
		return 0, nil, errors.Wrapf(ErrInvalidHandle, "handle %d is stale or closed", handle)
	}
	return slot, entry, nil
}

// lookup returns the object named by handle without taking a reference;
// callers that need the object beyond the table's own reference must Retain
// it explicitly.
func (t *handleTable) lookup(handle Handle) (*Object, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	_, entry, err := t.resolve(handle)
	if err != nil {
		return nil, err
	}
	return entry.obj, nil
}

// lookupRetain returns the object named by handle with a reference taken
// before the table lock is dropped.
func (t *handleTable) lookupRetain(handle Handle) (*Object, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	_, entry, err := t.resolve(handle)
	if err != nil {
		return nil, err
	}
	entry.obj.Retain()
	return entry.obj, nil
}

// close removes the entry and releases the reference it held, symmetric
// with insert.
func (t *handleTable) close(handle Handle) error {
	t.mutex.Lock()
	slot, entry, err := t.resolve(handle)
	if err != nil {
		t.mutex.Unlock()
		return err
	}
	o := entry.obj
	entry.obj = nil
	t.freeSlots = append(t.freeSlots, uint16(slot))
	t.liveCount--
	t.mutex.Unlock()

	return o.Release()
}

func (t *handleTable) count() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	return t.liveCount
}

// closeAll closes every live handle, for whole-manager teardown, and returns
// the first error encountered.
func (t *handleTable) closeAll() error {
	t.mutex.Lock()
	var objs []*Object
	for slot := range t.entries {
		entry := &t.entries[slot]
		if entry.obj != nil {
			objs = append(objs, entry.obj)
			entry.obj = nil
			t.freeSlots = append(t.freeSlots, uint16(slot))
			t.liveCount--
		}
	}
	t.mutex.Unlock()

	var err error
	for _, o := range objs {
		releaseErr := o.Release()
		if releaseErr != nil && err == nil {
			err = releaseErr
		}
	}
	return err
}

func (t *handleTable) Validate() error {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	live := 0
	for slot := range t.entries {
		if t.entries[slot].obj != nil {
			live++
		}
	}
	if live != t.liveCount {
		return errors.Newf("handle table holds %d live entries but records %d", live, t.liveCount)
	}
	if live+len(t.freeSlots) != len(t.entries) {
		return errors.Newf("handle table free list holds %d slots; expected %d", len(t.freeSlots), len(t.entries)-live)
	}
	return nil
}
