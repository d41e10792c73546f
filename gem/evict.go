package gem

import (
	"github.com/cockroachdb/errors"
	"github.com/gfxcore/gart/hw"
	"github.com/gfxcore/gart/internal/utils"
	"golang.org/x/exp/slog"
)

// evictionList tracks aperture-bound objects for LRU eviction. The inactive
// list holds idle, unpinned, bound objects, most recently used first; the
// active list holds objects referenced by an outstanding command. Pinned
// objects are never members of the inactive list and so can never be
// selected as victims.
type evictionList struct {
	mutex  utils.OptionalMutex
	logger *slog.Logger

	completion hw.CompletionQuery

	inactiveHead, inactiveTail *Object
	activeHead, activeTail     *Object
	inactiveCount, activeCount int
}

func (l *evictionList) init(useMutex bool, logger *slog.Logger, completion hw.CompletionQuery) {
	l.mutex = utils.OptionalMutex{UseMutex: useMutex}
	l.logger = logger
	l.completion = completion
}

// touch moves o to the most-recently-used end of the inactive list. Objects
// still in flight stay on the active list until their work retires.
func (l *evictionList) touch(o *Object) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if o.list == listActive {
		return
	}
	if o.list == listInactive {
		l.unlink(o)
	}
	l.pushInactiveFront(o)
}

// remove takes o off whichever list holds it.
func (l *evictionList) remove(o *Object) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if o.list != listNone {
		l.unlink(o)
		o.list = listNone
	}
}

// detach removes o from whichever list holds it and reports which one, so an
// unwinding caller can reattach o exactly where it was.
func (l *evictionList) detach(o *Object) listTag {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	tag := o.list
	if tag != listNone {
		l.unlink(o)
		o.list = listNone
	}
	return tag
}

// reattach restores o to the list detach reported. In-flight objects rejoin
// the active list with their engine and sequence intact, so they stay exempt
// from victim selection.
func (l *evictionList) reattach(o *Object, tag listTag) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if o.list != listNone {
		return
	}
	switch tag {
	case listInactive:
		l.pushInactiveFront(o)
	case listActive:
		l.pushActiveBack(o)
	}
}

// markActive records o as in flight on engine with completion sequence seq
// and moves it to the active list.
func (l *evictionList) markActive(o *Object, engine hw.Engine, seq uint32) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if o.list != listNone {
		l.unlink(o)
	}
	o.engine = engine
	o.lastSeq = seq
	l.pushActiveBack(o)

	l.retireLocked()
}

// retire moves objects whose work has completed from the active list back to
// the most-recently-used end of the inactive list.
func (l *evictionList) retire() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.retireLocked()
}

// isIdle reports whether o qualifies for reclaim: not pinned, and any
// submitted work observed complete. Completed work is retired first.
func (l *evictionList) isIdle(o *Object) bool {
	if o.pinned.Load() {
		return false
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.retireLocked()
	return o.list != listActive
}

// isActive reports whether o still has unretired work.
func (l *evictionList) isActive(o *Object) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.retireLocked()
	return o.list == listActive
}

func (l *evictionList) hasActive() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.activeCount > 0
}

// claimVictim selects the least-recently-used idle entry, removes it from
// the list, takes a reference on it, and returns it with its bind mutex
// held. Entries whose bind mutex is contended are skipped: the holder is
// already binding or unbinding them. TryLock keeps the bind-mutex-outermost
// lock order deadlock-free here.
func (l *evictionList) claimVictim() *Object {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.retireLocked()

	for o := l.inactiveTail; o != nil; o = o.lruPrev {
		if !o.bindMu.TryLock() {
			continue
		}
		l.unlink(o)
		o.list = listNone
		o.Retain()
		return o
	}
	return nil
}

func (l *evictionList) retireLocked() {
	o := l.activeHead
	for o != nil {
		next := o.lruNext
		completed := l.completion.LastCompletedSequence(o.engine)
		if int32(completed-o.lastSeq) >= 0 {
			l.unlink(o)
			if o.pinned.Load() {
				o.list = listNone
			} else {
				l.pushInactiveFront(o)
			}
		}
		o = next
	}
}

func (l *evictionList) unlink(o *Object) {
	var head, tail **Object
	switch o.list {
	case listInactive:
		head, tail = &l.inactiveHead, &l.inactiveTail
		l.inactiveCount--
	case listActive:
		head, tail = &l.activeHead, &l.activeTail
		l.activeCount--
	default:
		panic("gem: unlink of an object on no list")
	}

	if o.lruPrev != nil {
		o.lruPrev.lruNext = o.lruNext
	} else {
		*head = o.lruNext
	}
	if o.lruNext != nil {
		o.lruNext.lruPrev = o.lruPrev
	} else {
		*tail = o.lruPrev
	}
	o.lruPrev = nil
	o.lruNext = nil
}

func (l *evictionList) pushInactiveFront(o *Object) {
	o.list = listInactive
	o.lruPrev = nil
	o.lruNext = l.inactiveHead
	if l.inactiveHead != nil {
		l.inactiveHead.lruPrev = o
	} else {
		l.inactiveTail = o
	}
	l.inactiveHead = o
	l.inactiveCount++
}

func (l *evictionList) pushActiveBack(o *Object) {
	o.list = listActive
	o.lruNext = nil
	o.lruPrev = l.activeTail
	if l.activeTail != nil {
		l.activeTail.lruNext = o
	} else {
		l.activeHead = o
	}
	l.activeTail = o
	l.activeCount++
}

func (l *evictionList) counts() (inactive, active int) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.inactiveCount, l.activeCount
}

// drainAll removes and returns every member of both lists, each with a
// reference taken, for whole-manager teardown.
func (l *evictionList) drainAll() []*Object {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	var drained []*Object
	for _, head := range []*Object{l.inactiveHead, l.activeHead} {
		for o := head; o != nil; {
			next := o.lruNext
			l.unlink(o)
			o.list = listNone
			o.Retain()
			drained = append(drained, o)
			o = next
		}
	}
	return drained
}

func (l *evictionList) Validate() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	count := 0
	for o := l.inactiveHead; o != nil; o = o.lruNext {
		if o.list != listInactive {
			return errors.Newf("inactive list member is tagged %d", o.list)
		}
		if o.pinned.Load() {
			return errors.New("pinned object present on the inactive list")
		}
		count++
	}
	if count != l.inactiveCount {
		return errors.Newf("inactive list holds %d entries but records %d", count, l.inactiveCount)
	}

	count = 0
	for o := l.activeHead; o != nil; o = o.lruNext {
		if o.list != listActive {
			return errors.Newf("active list member is tagged %d", o.list)
		}
		count++
	}
	if count != l.activeCount {
		return errors.Newf("active list holds %d entries but records %d", count, l.activeCount)
	}
	return nil
}
