package allocator

import (
	"unsafe"

	"github.com/vkngwrapper/armory/memutils"
)

// DefaultAlignment can be passed as the alignment argument of Allocator.Allocate to request the
// allocator's configured default alignment.
const DefaultAlignment uint = 0

// Allocator is the capability shared by every allocator in this package. Each implementation owns
// one or more contiguous regions of system memory and carves blocks from them according to its own
// discipline.
//
// Allocators are single-owner: no method is safe for concurrent use without external
// synchronization. Pointers handed out by Allocate are borrows that become invalid on Free, Reset,
// or Release.
type Allocator interface {
	// Allocate returns a pointer to at least size bytes, aligned to the requested alignment when
	// the implementation honors alignment. Passing DefaultAlignment selects the allocator's
	// configured default.
	Allocate(size int, alignment uint) (unsafe.Pointer, error)
	// Free returns a block to the allocator. The pointer must have been returned by this
	// allocator's Allocate and not yet freed.
	Free(ptr unsafe.Pointer) error
	// Reset returns the allocator to its initial logical state. Every previously handed-out
	// pointer becomes invalid. Owned regions are retained where possible; if Release was called,
	// a fresh initial region is acquired.
	Reset()
	// Release frees every owned region. Allocate and Free fail until Reset is called.
	Release()
	// AllocatedSize returns the sum of the effective sizes of currently live allocations.
	AllocatedSize() int
	// ObjectSize returns the fixed block size for the pool allocator, the size of the most recent
	// allocation for the stack allocator (when debug checks are enabled), and 0 for the buddy
	// allocator.
	ObjectSize() int
	// SetName gives the allocator a name used in logs, errors, and stats dumps.
	SetName(name string)

	// AddStatistics sums this allocator's footprint into stats.
	AddStatistics(stats *memutils.Statistics)
	// AddDetailedStatistics sums this allocator's footprint, per-allocation sizes, and unused
	// ranges into stats. Slower than AddStatistics.
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// BuildStatsString returns a JSON description of the allocator's current state. When detailed
	// is true it includes a per-region breakdown.
	BuildStatsString(detailed bool) string
}
