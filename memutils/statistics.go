package memutils

// Statistics summarizes an allocator's footprint: the regions of system memory it owns and the
// live allocations carved from them.
type Statistics struct {
	RegionCount     int
	RegionBytes     int
	AllocationCount int
	AllocationBytes int
}

// UnusedBytes returns the bytes the allocator owns but has not handed out.
func (s *Statistics) UnusedBytes() int {
	return s.RegionBytes - s.AllocationBytes
}

func (s *Statistics) Clear() {
	*s = Statistics{}
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.RegionCount += other.RegionCount
	s.RegionBytes += other.RegionBytes
	s.AllocationCount += other.AllocationCount
	s.AllocationBytes += other.AllocationBytes
}

// SizeRange tracks the spread of block sizes observed while walking an allocator's bookkeeping.
// The zero value is an empty range; Smallest and Largest are only meaningful when Count is
// nonzero.
type SizeRange struct {
	Count    int
	Smallest int
	Largest  int
}

func (r *SizeRange) Observe(size int) {
	if r.Count == 0 || size < r.Smallest {
		r.Smallest = size
	}
	if size > r.Largest {
		r.Largest = size
	}
	r.Count++
}

func (r *SizeRange) Merge(other SizeRange) {
	if other.Count == 0 {
		return
	}
	if r.Count == 0 || other.Smallest < r.Smallest {
		r.Smallest = other.Smallest
	}
	if other.Largest > r.Largest {
		r.Largest = other.Largest
	}
	r.Count += other.Count
}

// DetailedStatistics extends Statistics with the size spread of live allocations and of unused
// ranges. Collecting it walks an allocator's bookkeeping, block by block, and so is slower than
// Statistics.
type DetailedStatistics struct {
	Statistics
	Allocations  SizeRange
	UnusedRanges SizeRange
}

func (s *DetailedStatistics) Clear() {
	*s = DetailedStatistics{}
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size
	s.Allocations.Observe(size)
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRanges.Observe(size)
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.Allocations.Merge(other.Allocations)
	s.UnusedRanges.Merge(other.UnusedRanges)
}
