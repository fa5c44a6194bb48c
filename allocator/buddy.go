package allocator

import (
	"math/bits"
	"sort"
	"unsafe"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/armory/memutils"
	"golang.org/x/exp/slog"
)

const (
	// BuddyMinCapacity is the smallest backing buffer and the smallest block the BuddyAllocator
	// hands out.
	BuddyMinCapacity = 1024
	// BuddyMaxCapacity is the largest backing buffer the BuddyAllocator accepts.
	BuddyMaxCapacity = 128 * 1024 * 1024

	// Levels 0 through 17 cover block sizes 1 KiB through 128 MiB.
	buddyLevelCount = 18
)

// BuddyAllocatorCreateInfo configures a new BuddyAllocator.
type BuddyAllocatorCreateInfo struct {
	// BufferSize is the size of the single backing buffer, in
	// [BuddyMinCapacity, BuddyMaxCapacity]. It is rounded up to the next power of two.
	BufferSize int

	Logger    *slog.Logger
	Callbacks *MemoryCallbackOptions
}

// BuddyAllocator carves a single power-of-two buffer into power-of-two blocks. Allocation pops a
// block from the smallest level that fits, splitting larger blocks on the way down; freeing merges
// the block with its buddy whenever the buddy is free at the same level, walking back up toward
// the initial level.
//
// Blocks are naturally aligned to their own size relative to the buffer base, so the alignment
// argument of Allocate is ignored.
type BuddyAllocator struct {
	logger    *slog.Logger
	name      string
	callbacks memoryCallbacks

	bufferSize   int
	initialLevel int

	buffer     []byte
	freeLists  [buddyLevelCount]unsafe.Pointer
	allocated  *swiss.Map[uintptr, int]
	ownsMemory bool
}

var _ Allocator = &BuddyAllocator{}

// NewBuddyAllocator creates a BuddyAllocator and acquires its backing buffer.
func NewBuddyAllocator(createInfo BuddyAllocatorCreateInfo) (*BuddyAllocator, error) {
	a := &BuddyAllocator{
		logger:    createInfo.Logger,
		name:      "buddy_allocator",
		callbacks: memoryCallbacks{Callbacks: createInfo.Callbacks},
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}

	if createInfo.BufferSize < BuddyMinCapacity || createInfo.BufferSize > BuddyMaxCapacity {
		return nil, invalidArgumentf(a.name, "buffer size must be between %d and %d bytes, got %d",
			BuddyMinCapacity, BuddyMaxCapacity, createInfo.BufferSize)
	}

	a.bufferSize = memutils.NextPow2(createInfo.BufferSize)
	a.allocateNewBuffer()

	return a, nil
}

// SetName gives the allocator a name used in logs, errors, and stats dumps.
func (a *BuddyAllocator) SetName(name string) {
	a.logger.Debug("BuddyAllocator::SetName")

	a.name = name
}

// levelSize returns the block size at a level.
func levelSize(level int) int {
	return BuddyMinCapacity << level
}

// levelOf returns the level whose block size fits size: size is rounded up to the next power of
// two and floored at BuddyMinCapacity.
func levelOf(size int) int {
	if size <= BuddyMinCapacity {
		return 0
	}
	actual := memutils.NextPow2(size)
	return bits.TrailingZeros(uint(actual)) - bits.TrailingZeros(uint(BuddyMinCapacity))
}

// Allocate returns a block of the smallest power-of-two size that fits size. The alignment
// argument is ignored: every block is aligned to its own size relative to the buffer base.
func (a *BuddyAllocator) Allocate(size int, alignment uint) (unsafe.Pointer, error) {
	if !a.ownsMemory {
		return nil, releasedError(a.name)
	}
	if size <= 0 {
		return nil, invalidArgumentf(a.name, "requested size must be positive, got %d", size)
	}
	if size > a.bufferSize {
		return nil, capacityExceededf(a.name, "requested size %d exceeds buffer size %d", size, a.bufferSize)
	}

	targetLevel := levelOf(size)
	block := a.popFreeList(targetLevel)
	if block == nil {
		sourceLevel := a.findNonEmptyLevel(targetLevel + 1)
		if sourceLevel == -1 {
			return nil, capacityExceededf(a.name, "no sufficient block available for allocation of %d bytes",
				levelSize(targetLevel))
		}

		block = a.popFreeList(sourceLevel)
		for sourceLevel > targetLevel {
			// Split: keep the left half as the working block, park the right half one level down.
			half := levelSize(sourceLevel - 1)
			a.pushFreeList(memutils.PointerAdd(block, half), sourceLevel-1)
			sourceLevel--
		}
	}

	a.allocated.Put(uintptr(block), targetLevel)
	memutils.DebugValidate(a)
	return block, nil
}

// Free returns a block to its level's free list and merges it with its buddy as long as the buddy
// is free at the same level. Merging walks at most up to the initial level.
func (a *BuddyAllocator) Free(ptr unsafe.Pointer) error {
	if ptr == nil {
		return invalidArgumentf(a.name, "attempted to free a nil pointer")
	}
	if !a.ownsMemory {
		return releasedError(a.name)
	}

	level, live := a.allocated.Get(uintptr(ptr))
	if !live {
		return invalidArgumentf(a.name, "pointer was not allocated by this allocator")
	}
	a.allocated.Delete(uintptr(ptr))

	a.pushFreeList(ptr, level)
	if err := a.tryMergeBuddies(ptr, level); err != nil {
		return err
	}

	memutils.DebugValidate(a)
	return nil
}

func (a *BuddyAllocator) tryMergeBuddies(block unsafe.Pointer, level int) error {
	for level < a.initialLevel {
		buddy := a.findBuddy(block, level)
		if buddy == nil || !a.isFreeAtLevel(buddy, level) {
			return nil
		}

		if err := a.removeFromFreeList(block, level); err != nil {
			return err
		}
		if err := a.removeFromFreeList(buddy, level); err != nil {
			return err
		}

		if uintptr(buddy) < uintptr(block) {
			block = buddy
		}
		level++
		a.pushFreeList(block, level)
	}
	return nil
}

// findBuddy returns the sibling of a block at a level, or nil when the block is the whole buffer
// or the sibling would fall outside it.
func (a *BuddyAllocator) findBuddy(block unsafe.Pointer, level int) unsafe.Pointer {
	if level >= a.initialLevel {
		return nil
	}

	base := memutils.RegionBase(a.buffer)
	offset := memutils.PointerDiff(block, base)
	buddyOffset := offset ^ levelSize(level)
	if buddyOffset >= a.bufferSize {
		return nil
	}
	return memutils.PointerAdd(base, buddyOffset)
}

// isFreeAtLevel scans a level's free list for the block. There is no free bitmap; the scan is the
// coalesce test.
func (a *BuddyAllocator) isFreeAtLevel(block unsafe.Pointer, level int) bool {
	for walk := a.freeLists[level]; walk != nil; walk = memutils.NextFree(walk) {
		if walk == block {
			return true
		}
	}
	return false
}

func (a *BuddyAllocator) pushFreeList(block unsafe.Pointer, level int) {
	memutils.SetNextFree(block, a.freeLists[level])
	a.freeLists[level] = block
}

func (a *BuddyAllocator) popFreeList(level int) unsafe.Pointer {
	block := a.freeLists[level]
	if block == nil {
		return nil
	}
	a.freeLists[level] = memutils.NextFree(block)
	return block
}

func (a *BuddyAllocator) removeFromFreeList(block unsafe.Pointer, level int) error {
	if a.freeLists[level] == block {
		a.freeLists[level] = memutils.NextFree(block)
		return nil
	}

	for walk := a.freeLists[level]; walk != nil; walk = memutils.NextFree(walk) {
		if memutils.NextFree(walk) == block {
			memutils.SetNextFree(walk, memutils.NextFree(block))
			return nil
		}
	}

	return internalErrorf(a.name, "attempted to remove a block not on the level %d free list", level)
}

func (a *BuddyAllocator) findNonEmptyLevel(startLevel int) int {
	for level := startLevel; level <= a.initialLevel; level++ {
		if a.freeLists[level] != nil {
			return level
		}
	}
	return -1
}

// AllocatedSize returns the total bytes of live blocks, counted at their level sizes.
func (a *BuddyAllocator) AllocatedSize() int {
	totalAllocated := 0
	a.allocated.Iter(func(_ uintptr, level int) bool {
		totalAllocated += levelSize(level)
		return false
	})
	return totalAllocated
}

// ObjectSize returns 0: the buddy allocator does not track a single object size.
func (a *BuddyAllocator) ObjectSize() int {
	return 0
}

// Reset invalidates every handed-out pointer and rebuilds the free lists around the whole buffer.
// With debug checks enabled the buffer is zeroed. If the allocator had released its memory, a
// fresh buffer is acquired.
func (a *BuddyAllocator) Reset() {
	a.logger.Debug("BuddyAllocator::Reset")

	if !a.ownsMemory {
		a.allocateNewBuffer()
		return
	}

	a.allocated = swiss.NewMap[uintptr, int](64)
	for level := range a.freeLists {
		a.freeLists[level] = nil
	}

	if memutils.DebugChecksEnabled() {
		memutils.ZeroRegion(a.buffer)
	}

	a.pushFreeList(memutils.RegionBase(a.buffer), a.initialLevel)
}

// Release drops the buffer and all bookkeeping. Allocate and Free fail until Reset is called.
func (a *BuddyAllocator) Release() {
	a.logger.Debug("BuddyAllocator::Release")

	if a.buffer != nil {
		if memutils.DebugChecksEnabled() {
			memutils.ZeroRegion(a.buffer)
		}
		a.callbacks.Free(a.name, len(a.buffer))
	}

	a.buffer = nil
	a.allocated = swiss.NewMap[uintptr, int](64)
	for level := range a.freeLists {
		a.freeLists[level] = nil
	}
	a.ownsMemory = false
}

func (a *BuddyAllocator) allocateNewBuffer() {
	if a.ownsMemory {
		a.Release()
	}

	a.logger.Debug("BuddyAllocator::allocateNewBuffer", slog.Int("bufferSize", a.bufferSize))

	a.buffer = make([]byte, a.bufferSize)
	a.initialLevel = levelOf(a.bufferSize)
	a.allocated = swiss.NewMap[uintptr, int](64)
	a.ownsMemory = true
	a.callbacks.Allocate(a.name, a.bufferSize)

	a.pushFreeList(memutils.RegionBase(a.buffer), a.initialLevel)
}

type buddyRange struct {
	offset int
	size   int
	free   bool
}

// collectRanges gathers every allocated block and free-list block, sorted by offset.
func (a *BuddyAllocator) collectRanges() []buddyRange {
	var ranges []buddyRange

	base := memutils.RegionBase(a.buffer)
	for level := 0; level < buddyLevelCount; level++ {
		for walk := a.freeLists[level]; walk != nil; walk = memutils.NextFree(walk) {
			ranges = append(ranges, buddyRange{
				offset: memutils.PointerDiff(walk, base),
				size:   levelSize(level),
				free:   true,
			})
		}
	}

	a.allocated.Iter(func(addr uintptr, level int) bool {
		ranges = append(ranges, buddyRange{
			offset: int(addr - uintptr(base)),
			size:   levelSize(level),
		})
		return false
	})

	sort.Slice(ranges, func(i, j int) bool {
		return ranges[i].offset < ranges[j].offset
	})
	return ranges
}

// Validate checks that allocated blocks and free-list blocks partition the buffer exactly once,
// that every free block is aligned to its own size, and that no two free buddies coexist at the
// same level. When the implementation is functioning correctly it cannot return an error.
func (a *BuddyAllocator) Validate() error {
	if !a.ownsMemory {
		return nil
	}

	ranges := a.collectRanges()
	covered := 0
	for i := range ranges {
		r := ranges[i]
		if r.offset != covered {
			return internalErrorf(a.name, "blocks do not partition the buffer: expected offset %d, found %d",
				covered, r.offset)
		}
		if r.free && r.offset%r.size != 0 {
			return internalErrorf(a.name, "free block of %d bytes at misaligned offset %d", r.size, r.offset)
		}
		covered += r.size
	}
	if covered != a.bufferSize {
		return internalErrorf(a.name, "blocks cover %d of %d buffer bytes", covered, a.bufferSize)
	}

	for level := 0; level < a.initialLevel; level++ {
		size := levelSize(level)
		for walk := a.freeLists[level]; walk != nil; walk = memutils.NextFree(walk) {
			buddy := a.findBuddy(walk, level)
			if buddy != nil && uintptr(buddy) > uintptr(walk) && a.isFreeAtLevel(buddy, level) {
				base := memutils.RegionBase(a.buffer)
				return internalErrorf(a.name, "unmerged free buddies of %d bytes at offsets %d and %d",
					size, memutils.PointerDiff(walk, base), memutils.PointerDiff(buddy, base))
			}
		}
	}

	return nil
}

// AddStatistics sums this allocator's footprint into stats.
func (a *BuddyAllocator) AddStatistics(stats *memutils.Statistics) {
	if !a.ownsMemory {
		return
	}

	stats.RegionCount++
	stats.RegionBytes += a.bufferSize
	stats.AllocationCount += a.allocated.Count()
	stats.AllocationBytes += a.AllocatedSize()
}

// AddDetailedStatistics sums this allocator's footprint, per-allocation sizes, and unused ranges
// into stats.
func (a *BuddyAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	if !a.ownsMemory {
		return
	}

	stats.RegionCount++
	stats.RegionBytes += a.bufferSize

	a.allocated.Iter(func(_ uintptr, level int) bool {
		stats.AddAllocation(levelSize(level))
		return false
	})

	for level := 0; level < buddyLevelCount; level++ {
		for walk := a.freeLists[level]; walk != nil; walk = memutils.NextFree(walk) {
			stats.AddUnusedRange(levelSize(level))
		}
	}
}

// BuildStatsString returns a JSON description of the allocator's current state. When detailed is
// true it includes the block map and per-level free-list lengths.
func (a *BuddyAllocator) BuildStatsString(detailed bool) string {
	writer := jwriter.NewWriter()

	obj := writer.Object()
	obj.Name("Name").String(a.name)
	obj.Name("BufferSize").Int(a.bufferSize)
	obj.Name("InitialLevel").Int(a.initialLevel)
	obj.Name("Allocations").Int(a.allocatedCount())
	obj.Name("AllocatedBytes").Int(a.AllocatedSize())

	if detailed && a.ownsMemory {
		levelArray := obj.Name("FreeListLengths").Array()
		for level := 0; level <= a.initialLevel; level++ {
			length := 0
			for walk := a.freeLists[level]; walk != nil; walk = memutils.NextFree(walk) {
				length++
			}
			levelArray.Int(length)
		}
		levelArray.End()

		blockArray := obj.Name("Blocks").Array()
		ranges := a.collectRanges()
		for i := range ranges {
			blockObj := blockArray.Object()
			blockObj.Name("Offset").Int(ranges[i].offset)
			blockObj.Name("Size").Int(ranges[i].size)
			blockObj.Name("Free").Bool(ranges[i].free)
			blockObj.End()
		}
		blockArray.End()
	}

	obj.End()
	return string(writer.Bytes())
}

func (a *BuddyAllocator) allocatedCount() int {
	if a.allocated == nil {
		return 0
	}
	return a.allocated.Count()
}
