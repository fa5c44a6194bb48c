package allocator

import (
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/armory/memutils"
	"golang.org/x/exp/slog"
)

// PoolMaxCapacity is the hard cap on the total bytes a PoolAllocator may own across all of its
// pools.
const PoolMaxCapacity = 64 * 1024 * 1024

// PoolAllocatorCreateInfo configures a new PoolAllocator.
type PoolAllocatorCreateInfo struct {
	// BlockSize is the requested size of each block in bytes. The effective block size is
	// BlockSize aligned up to the alignment, with a floor of memutils.PointerSize so every free
	// block can hold its own free-list link.
	BlockSize int
	// BlockCount is the number of blocks in each pool.
	BlockCount int
	// Alignment is the block alignment. DefaultAlignment selects memutils.PointerSize; explicit
	// values must be powers of two in [memutils.MinAlignment, memutils.MaxAlignment].
	Alignment uint
	// MaxPools limits how many pools the allocator may grow to. 0 means unlimited (the
	// PoolMaxCapacity byte cap still applies).
	MaxPools int

	Logger    *slog.Logger
	Callbacks *MemoryCallbackOptions
}

type pool struct {
	memory         []byte
	freeListHead   unsafe.Pointer
	allocatedCount int
	freeCount      int
}

// PoolAllocator hands out fixed-size blocks from one or more pools. Free blocks are threaded into
// a per-pool intrusive free list through their own first bytes, so allocate and free are O(1).
// When every pool is full the allocator grows a new pool, up to MaxPools and PoolMaxCapacity.
type PoolAllocator struct {
	logger    *slog.Logger
	name      string
	callbacks memoryCallbacks

	blockSize  int
	blockCount int
	alignment  uint
	poolSize   int
	maxPools   int

	pools      []pool
	ownsMemory bool
}

var _ Allocator = &PoolAllocator{}

// NewPoolAllocator creates a PoolAllocator and acquires its first pool.
func NewPoolAllocator(createInfo PoolAllocatorCreateInfo) (*PoolAllocator, error) {
	a := &PoolAllocator{
		logger:     createInfo.Logger,
		name:       "pool_allocator",
		callbacks:  memoryCallbacks{Callbacks: createInfo.Callbacks},
		blockCount: createInfo.BlockCount,
		maxPools:   createInfo.MaxPools,
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}

	if createInfo.BlockSize <= 0 || createInfo.BlockCount <= 0 {
		return nil, invalidArgumentf(a.name, "block size and block count must be greater than zero, got %d and %d",
			createInfo.BlockSize, createInfo.BlockCount)
	}

	if createInfo.Alignment == DefaultAlignment {
		a.alignment = memutils.PointerSize
	} else {
		if err := memutils.CheckAlignment(createInfo.Alignment, "alignment"); err != nil {
			return nil, invalidArgumentf(a.name, "%s", err.Error())
		}
		a.alignment = createInfo.Alignment
	}

	alignedBlock := memutils.AlignUp(createInfo.BlockSize, a.alignment)
	if alignedBlock < memutils.PointerSize {
		alignedBlock = memutils.PointerSize
	}
	a.blockSize = alignedBlock
	a.poolSize = a.blockSize * a.blockCount

	if a.poolSize > PoolMaxCapacity {
		return nil, invalidArgumentf(a.name, "requested pool size %d exceeds maximum capacity %d",
			a.poolSize, PoolMaxCapacity)
	}

	if err := a.allocateNewPool(); err != nil {
		return nil, err
	}

	return a, nil
}

// SetName gives the allocator a name used in logs, errors, and stats dumps.
func (a *PoolAllocator) SetName(name string) {
	a.logger.Debug("PoolAllocator::SetName")

	a.name = name
}

// Allocate pops a block from the first pool with a non-empty free list, growing a new pool when
// all are full and the caps allow. The alignment argument is accepted for interface compatibility
// but ignored: blocks were aligned at construction.
func (a *PoolAllocator) Allocate(size int, alignment uint) (unsafe.Pointer, error) {
	if size <= 0 {
		return nil, invalidArgumentf(a.name, "requested size must be positive, got %d", size)
	}
	if size > a.blockSize {
		return nil, capacityExceededf(a.name, "requested size %d exceeds block size %d", size, a.blockSize)
	}
	if !a.ownsMemory {
		return nil, releasedError(a.name)
	}

	for i := range a.pools {
		if a.pools[i].freeListHead != nil {
			block := a.popBlock(&a.pools[i])
			memutils.DebugValidate(a)
			return block, nil
		}
	}

	if err := a.allocateNewPool(); err != nil {
		return nil, err
	}

	block := a.popBlock(&a.pools[len(a.pools)-1])
	memutils.DebugValidate(a)
	return block, nil
}

func (a *PoolAllocator) popBlock(p *pool) unsafe.Pointer {
	block := p.freeListHead
	p.freeListHead = memutils.NextFree(block)
	p.allocatedCount++
	p.freeCount--
	return block
}

// Free returns a block to its owning pool's free list. With debug checks enabled the free list is
// walked to detect double frees, which is O(freeCount).
func (a *PoolAllocator) Free(ptr unsafe.Pointer) error {
	if ptr == nil {
		return invalidArgumentf(a.name, "attempted to free a nil pointer")
	}
	if !a.ownsMemory {
		return releasedError(a.name)
	}

	for i := range a.pools {
		p := &a.pools[i]

		offset, inPool := memutils.RegionContains(p.memory, ptr)
		if !inPool {
			continue
		}

		if offset%a.blockSize != 0 {
			return invalidArgumentf(a.name, "pointer is inside pool memory but does not point to the start of a block")
		}

		if memutils.DebugChecksEnabled() {
			for walk := p.freeListHead; walk != nil; walk = memutils.NextFree(walk) {
				if walk == ptr {
					return invalidArgumentf(a.name, "double free detected")
				}
			}
		}

		memutils.SetNextFree(ptr, p.freeListHead)
		p.freeListHead = ptr

		p.allocatedCount--
		p.freeCount++

		memutils.DebugValidate(a)
		return nil
	}

	return invalidArgumentf(a.name, "pointer does not belong to any pool inside this allocator")
}

// AllocatedSize returns the total bytes of live blocks, counted at the effective block size.
func (a *PoolAllocator) AllocatedSize() int {
	totalAllocated := 0
	for i := range a.pools {
		totalAllocated += a.pools[i].allocatedCount * a.blockSize
	}
	return totalAllocated
}

// ObjectSize returns the effective block size.
func (a *PoolAllocator) ObjectSize() int {
	return a.blockSize
}

// Reset drops all pools but the first, rebuilds the first pool's free list, and invalidates every
// handed-out pointer. If the allocator had released its memory, a fresh first pool is acquired.
func (a *PoolAllocator) Reset() {
	a.logger.Debug("PoolAllocator::Reset")

	if !a.ownsMemory {
		// The first pool of a fresh allocator cannot trip the caps, they were validated at
		// construction.
		_ = a.allocateNewPool()
		return
	}

	for len(a.pools) > 1 {
		a.dropPool(len(a.pools) - 1)
	}

	first := &a.pools[0]
	first.freeListHead = nil
	first.freeCount = 0
	first.allocatedCount = 0
	a.threadFreeList(first)
}

// Release drops every pool. Allocate and Free fail until Reset is called.
func (a *PoolAllocator) Release() {
	a.logger.Debug("PoolAllocator::Release")

	for len(a.pools) > 0 {
		a.dropPool(len(a.pools) - 1)
	}
	a.pools = nil
	a.ownsMemory = false
}

func (a *PoolAllocator) dropPool(index int) {
	a.callbacks.Free(a.name, len(a.pools[index].memory))
	a.pools = append(a.pools[:index], a.pools[index+1:]...)
}

func (a *PoolAllocator) allocateNewPool() error {
	if a.ownsMemory && memutils.CapacityChecksEnabled() {
		if a.poolSize*(len(a.pools)+1) > PoolMaxCapacity {
			return capacityExceededf(a.name, "new pool would exceed maximum capacity %d", PoolMaxCapacity)
		}
		if a.maxPools != 0 && len(a.pools)+1 > a.maxPools {
			return capacityExceededf(a.name, "new pool would exceed maximum pool count %d", a.maxPools)
		}
	}

	a.logger.Debug("PoolAllocator::allocateNewPool",
		slog.Int("poolSize", a.poolSize),
		slog.Int("poolCount", len(a.pools)+1))

	newPool := pool{
		memory: make([]byte, a.poolSize),
	}
	a.threadFreeList(&newPool)

	a.pools = append(a.pools, newPool)
	a.ownsMemory = true
	a.callbacks.Allocate(a.name, a.poolSize)

	return nil
}

// threadFreeList links every block of a pool into its free list, leaving the head at the
// highest-addressed block.
func (a *PoolAllocator) threadFreeList(p *pool) {
	base := memutils.RegionBase(p.memory)
	for i := 0; i < a.blockCount; i++ {
		block := memutils.PointerAdd(base, i*a.blockSize)
		memutils.SetNextFree(block, p.freeListHead)
		p.freeListHead = block
		p.freeCount++
	}
}

// Validate performs internal consistency checks over every pool. When the implementation is
// functioning correctly it cannot return an error.
func (a *PoolAllocator) Validate() error {
	for i := range a.pools {
		p := &a.pools[i]

		if p.allocatedCount+p.freeCount != a.blockCount {
			return internalErrorf(a.name, "pool %d accounts for %d blocks, expected %d",
				i, p.allocatedCount+p.freeCount, a.blockCount)
		}

		seen := make(map[unsafe.Pointer]struct{}, p.freeCount)
		listLen := 0
		for walk := p.freeListHead; walk != nil; walk = memutils.NextFree(walk) {
			offset, inPool := memutils.RegionContains(p.memory, walk)
			if !inPool {
				return internalErrorf(a.name, "free list of pool %d escaped the pool region", i)
			}
			if offset%a.blockSize != 0 {
				return internalErrorf(a.name, "free list of pool %d holds a misaligned block at offset %d", i, offset)
			}
			if _, dup := seen[walk]; dup {
				return internalErrorf(a.name, "free list of pool %d contains a cycle", i)
			}
			seen[walk] = struct{}{}
			listLen++
		}
		if listLen != p.freeCount {
			return internalErrorf(a.name, "free list of pool %d holds %d blocks, expected %d", i, listLen, p.freeCount)
		}
	}
	return nil
}

// AddStatistics sums this allocator's footprint into stats.
func (a *PoolAllocator) AddStatistics(stats *memutils.Statistics) {
	for i := range a.pools {
		stats.RegionCount++
		stats.RegionBytes += len(a.pools[i].memory)
		stats.AllocationCount += a.pools[i].allocatedCount
		stats.AllocationBytes += a.pools[i].allocatedCount * a.blockSize
	}
}

// AddDetailedStatistics sums this allocator's footprint, per-allocation sizes, and unused ranges
// into stats.
func (a *PoolAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for i := range a.pools {
		p := &a.pools[i]
		stats.RegionCount++
		stats.RegionBytes += len(p.memory)

		for j := 0; j < p.allocatedCount; j++ {
			stats.AddAllocation(a.blockSize)
		}
		for j := 0; j < p.freeCount; j++ {
			stats.AddUnusedRange(a.blockSize)
		}
	}
}

// BuildStatsString returns a JSON description of the allocator's current state. When detailed is
// true it includes a per-pool breakdown.
func (a *PoolAllocator) BuildStatsString(detailed bool) string {
	writer := jwriter.NewWriter()

	obj := writer.Object()
	obj.Name("Name").String(a.name)
	obj.Name("BlockSize").Int(a.blockSize)
	obj.Name("BlockCount").Int(a.blockCount)
	obj.Name("PoolCount").Int(len(a.pools))
	obj.Name("AllocatedBytes").Int(a.AllocatedSize())

	if detailed {
		poolArray := obj.Name("Pools").Array()
		for i := range a.pools {
			p := &a.pools[i]

			poolObj := poolArray.Object()
			poolObj.Name("TotalBytes").Int(len(p.memory))
			poolObj.Name("Allocations").Int(p.allocatedCount)
			poolObj.Name("UnusedBlocks").Int(p.freeCount)
			poolObj.End()
		}
		poolArray.End()
	}

	obj.End()
	return string(writer.Bytes())
}
