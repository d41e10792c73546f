package memutils

import "math"

// Statistics describes the coarse state of a set of buffer objects: how many
// exist, how many bytes of backing store they hold, and how many are bound
// into device address space.
type Statistics struct {
	ObjectCount int
	BoundCount  int
	ObjectBytes int
	BoundBytes  int
}

func (s *Statistics) Clear() {
	s.ObjectCount = 0
	s.BoundCount = 0
	s.ObjectBytes = 0
	s.BoundBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.ObjectCount += other.ObjectCount
	s.BoundCount += other.BoundCount
	s.ObjectBytes += other.ObjectBytes
	s.BoundBytes += other.BoundBytes
}

// DetailedStatistics extends Statistics with free-run accounting for an
// address-space allocator: the number and size range of contiguous free
// regions, plus the size range of live bindings.
type DetailedStatistics struct {
	Statistics
	FreeRunCount   int
	BoundSizeMin   int
	BoundSizeMax   int
	FreeRunSizeMin int
	FreeRunSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.FreeRunCount = 0
	s.BoundSizeMin = math.MaxInt
	s.BoundSizeMax = 0
	s.FreeRunSizeMin = math.MaxInt
	s.FreeRunSizeMax = 0
}

func (s *DetailedStatistics) AddFreeRun(pages int) {
	s.FreeRunCount++

	if pages < s.FreeRunSizeMin {
		s.FreeRunSizeMin = pages
	}

	if pages > s.FreeRunSizeMax {
		s.FreeRunSizeMax = pages
	}
}

func (s *DetailedStatistics) AddBound(size int) {
	s.BoundCount++
	s.BoundBytes += size

	if size < s.BoundSizeMin {
		s.BoundSizeMin = size
	}

	if size > s.BoundSizeMax {
		s.BoundSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.FreeRunCount += other.FreeRunCount

	if other.FreeRunSizeMin < s.FreeRunSizeMin {
		s.FreeRunSizeMin = other.FreeRunSizeMin
	}

	if other.FreeRunSizeMax > s.FreeRunSizeMax {
		s.FreeRunSizeMax = other.FreeRunSizeMax
	}

	if other.BoundSizeMin < s.BoundSizeMin {
		s.BoundSizeMin = other.BoundSizeMin
	}

	if other.BoundSizeMax > s.BoundSizeMax {
		s.BoundSizeMax = other.BoundSizeMax
	}
}
