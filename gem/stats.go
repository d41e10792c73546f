package gem

import (
	"github.com/gfxcore/gart/memutils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slices"
)

// Stats is a point-in-time snapshot of the manager's resource state.
type Stats struct {
	TotalPages int
	FreePages  int

	LiveObjects     int
	OpenHandles     int
	InactiveObjects int
	ActiveObjects   int
	FenceSlotsInUse int
	CachedBuffers   int

	Evictions   uint64
	FenceSteals uint64
	CacheHits   uint64
	CacheMisses uint64
}

func (m *Manager) Stats() Stats {
	// Fold completed work back into the inactive count before snapshotting.
	m.evict.retire()

	m.aperture.mutex.Lock()
	totalPages := m.aperture.totalPages
	freePages := m.aperture.freePages
	m.aperture.mutex.Unlock()

	inactive, active := m.evict.counts()

	return Stats{
		TotalPages:      totalPages,
		FreePages:       freePages,
		LiveObjects:     int(m.objectCount.Load()),
		OpenHandles:     m.handles.count(),
		InactiveObjects: inactive,
		ActiveObjects:   active,
		FenceSlotsInUse: m.fences.usedCount(),
		CachedBuffers:   m.cache.count(),
		Evictions:       m.evictions.Load(),
		FenceSteals:     m.fenceSteals.Load(),
		CacheHits:       m.cacheHits.Load(),
		CacheMisses:     m.cacheMisses.Load(),
	}
}

// DetailedStats adds binding-size and free-run accounting from the aperture
// bitmap to the coarse counts.
func (m *Manager) DetailedStats() memutils.DetailedStatistics {
	var stats memutils.DetailedStatistics
	stats.Clear()

	stats.ObjectCount = int(m.objectCount.Load())
	m.aperture.addDetailedStatistics(&stats)
	return stats
}

type bindingInfo struct {
	offsetPages int
	numPages    int
	size        int
	tiling      TilingMode
	fenced      bool
}

func (a *apertureAllocator) snapshotBindings() []bindingInfo {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var bindings []bindingInfo
	a.owners.Iter(func(offset uint32, run apertureRun) bool {
		bindings = append(bindings, bindingInfo{
			offsetPages: int(offset),
			numPages:    run.numPages,
			size:        run.owner.size,
			tiling:      run.owner.tiling,
			fenced:      run.owner.fenceSlot >= 0,
		})
		return false
	})
	return bindings
}

// BuildStatsString writes a JSON description of the manager's current state
// for diagnostic dumps.
func (m *Manager) BuildStatsString(writer *jwriter.Writer) {
	stats := m.Stats()

	obj := writer.Object()
	defer obj.End()

	apertureObj := obj.Name("Aperture").Object()
	apertureObj.Name("TotalPages").Int(stats.TotalPages)
	apertureObj.Name("FreePages").Int(stats.FreePages)

	bindings := m.aperture.snapshotBindings()
	slices.SortFunc(bindings, func(a, b bindingInfo) bool {
		return a.offsetPages < b.offsetPages
	})

	bindingsArr := apertureObj.Name("Bindings").Array()
	for _, binding := range bindings {
		bindingObj := bindingsArr.Object()
		bindingObj.Name("OffsetPages").Int(binding.offsetPages)
		bindingObj.Name("NumPages").Int(binding.numPages)
		bindingObj.Name("Size").Int(binding.size)
		bindingObj.Name("Tiling").String(binding.tiling.String())
		bindingObj.Name("Fenced").Bool(binding.fenced)
		bindingObj.End()
	}
	bindingsArr.End()
	apertureObj.End()

	fencesObj := obj.Name("Fences").Object()
	fencesObj.Name("SlotCount").Int(len(m.fences.slots))
	fencesObj.Name("SlotsInUse").Int(stats.FenceSlotsInUse)
	fencesObj.End()

	objectsObj := obj.Name("Objects").Object()
	objectsObj.Name("Live").Int(stats.LiveObjects)
	objectsObj.Name("OpenHandles").Int(stats.OpenHandles)
	objectsObj.Name("Inactive").Int(stats.InactiveObjects)
	objectsObj.Name("Active").Int(stats.ActiveObjects)
	objectsObj.Name("Cached").Int(stats.CachedBuffers)
	objectsObj.End()

	countersObj := obj.Name("Counters").Object()
	countersObj.Name("Evictions").Int(int(stats.Evictions))
	countersObj.Name("FenceSteals").Int(int(stats.FenceSteals))
	countersObj.Name("CacheHits").Int(int(stats.CacheHits))
	countersObj.Name("CacheMisses").Int(int(stats.CacheMisses))
	countersObj.End()
}

// Validate runs the consistency checks of every component, plus a hardware
// cross-check that each free aperture page's translation entry still points
// at the scratch page. Intended for diagnostics and tests; the manager must
// be quiescent.
func (m *Manager) Validate() error {
	m.aperture.mutex.Lock()
	err := m.aperture.Validate()
	if err == nil {
		err = m.aperture.validateScrubbed()
	}
	m.aperture.mutex.Unlock()
	if err != nil {
		return err
	}

	err = m.fences.Validate()
	if err != nil {
		return err
	}

	err = m.evict.Validate()
	if err != nil {
		return err
	}

	return m.handles.Validate()
}
