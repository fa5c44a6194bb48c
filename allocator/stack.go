package allocator

import (
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/armory/memutils"
	"golang.org/x/exp/slog"
)

// StackMaxCapacity is the hard cap on the total bytes a StackAllocator may own across all of its
// buffers.
const StackMaxCapacity = 64 * 1024 * 1024

// StackAllocatorCreateInfo configures a new StackAllocator.
type StackAllocatorCreateInfo struct {
	// BufferSize is the size in bytes of each buffer. It may not exceed StackMaxCapacity.
	BufferSize int
	// Alignment is the default alignment applied to allocations that pass DefaultAlignment.
	// DefaultAlignment here selects memutils.PointerSize; explicit values must be powers of two in
	// [memutils.MinAlignment, memutils.MaxAlignment].
	Alignment uint
	// Resizable allows the allocator to grow additional buffers of the same size when the current
	// one fills, up to StackMaxCapacity.
	Resizable bool

	Logger    *slog.Logger
	Callbacks *MemoryCallbackOptions
}

type stackBuffer struct {
	memory []byte
	offset int
}

type allocationRecord struct {
	ptr  unsafe.Pointer
	size int
}

// StackMark is a snapshot of a StackAllocator's cursor. Rewinding to a StackMark frees every
// allocation made after it in O(1).
type StackMark struct {
	BufferCount int
	Offset      int

	historyDepth int
}

// StackAllocator hands out blocks by bumping a cursor through one or more linear buffers. Frees
// must arrive in LIFO order. With debug checks enabled an allocation history verifies that order;
// with them disabled the freed size is inferred from the distance between the pointer and the
// cursor.
type StackAllocator struct {
	logger    *slog.Logger
	name      string
	callbacks memoryCallbacks

	bufferSize int
	alignment  uint
	resizable  bool

	buffers    []stackBuffer
	history    []allocationRecord
	ownsMemory bool
}

var _ Allocator = &StackAllocator{}

// NewStackAllocator creates a StackAllocator and acquires its first buffer.
func NewStackAllocator(createInfo StackAllocatorCreateInfo) (*StackAllocator, error) {
	a := &StackAllocator{
		logger:     createInfo.Logger,
		name:       "stack_allocator",
		callbacks:  memoryCallbacks{Callbacks: createInfo.Callbacks},
		bufferSize: createInfo.BufferSize,
		resizable:  createInfo.Resizable,
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}

	if createInfo.BufferSize <= 0 {
		return nil, invalidArgumentf(a.name, "buffer size must be greater than zero, got %d", createInfo.BufferSize)
	}
	if createInfo.BufferSize > StackMaxCapacity {
		return nil, invalidArgumentf(a.name, "requested buffer size %d exceeds maximum capacity %d",
			createInfo.BufferSize, StackMaxCapacity)
	}

	if createInfo.Alignment == DefaultAlignment {
		a.alignment = memutils.PointerSize
	} else {
		if err := memutils.CheckAlignment(createInfo.Alignment, "alignment"); err != nil {
			return nil, invalidArgumentf(a.name, "%s", err.Error())
		}
		a.alignment = createInfo.Alignment
	}

	if err := a.allocateNewBuffer(); err != nil {
		return nil, err
	}

	return a, nil
}

// SetName gives the allocator a name used in logs, errors, and stats dumps.
func (a *StackAllocator) SetName(name string) {
	a.logger.Debug("StackAllocator::SetName")

	a.name = name
}

// Allocate bumps the cursor of the last buffer by the aligned size. When the buffer cannot fit the
// request and the allocator is resizable, a new buffer of the same size is grown, up to
// StackMaxCapacity.
func (a *StackAllocator) Allocate(size int, alignment uint) (unsafe.Pointer, error) {
	if !a.ownsMemory {
		return nil, releasedError(a.name)
	}
	if size <= 0 {
		return nil, invalidArgumentf(a.name, "requested size must be positive, got %d", size)
	}

	if alignment == DefaultAlignment {
		alignment = a.alignment
	} else {
		if err := memutils.CheckPow2(alignment, "alignment"); err != nil {
			return nil, invalidArgumentf(a.name, "%s", err.Error())
		}
		if alignment < memutils.MinAlignment {
			return nil, invalidArgumentf(a.name, "alignment must be at least %d bytes, got %d",
				memutils.MinAlignment, alignment)
		}
	}

	alignedSize := memutils.AlignUp(size, alignment)
	if alignedSize > a.bufferSize {
		return nil, capacityExceededf(a.name, "requested size %d exceeds buffer size %d", alignedSize, a.bufferSize)
	}

	buf := &a.buffers[len(a.buffers)-1]
	if buf.offset+alignedSize > len(buf.memory) {
		if err := a.allocateNewBuffer(); err != nil {
			return nil, err
		}
		buf = &a.buffers[len(a.buffers)-1]
	}

	ptr := memutils.PointerAdd(memutils.RegionBase(buf.memory), buf.offset)
	buf.offset += alignedSize

	if memutils.DebugChecksEnabled() {
		a.history = append(a.history, allocationRecord{ptr: ptr, size: alignedSize})
	}

	memutils.DebugValidate(a)
	return ptr, nil
}

// Free rewinds the cursor past the most recent live allocation. With debug checks enabled the
// pointer is verified against the allocation history; otherwise the freed size is inferred from
// the distance between the pointer and the cursor. If the last buffer becomes empty and more than
// one remains, it is dropped.
func (a *StackAllocator) Free(ptr unsafe.Pointer) error {
	if ptr == nil {
		return invalidArgumentf(a.name, "attempted to free a nil pointer")
	}
	if !a.ownsMemory {
		return releasedError(a.name)
	}

	buf := &a.buffers[len(a.buffers)-1]

	if memutils.DebugChecksEnabled() && len(a.history) > 0 {
		record := a.history[len(a.history)-1]
		if record.ptr != ptr {
			return lifoViolationf(a.name, "freed pointer does not match the most recent allocation")
		}

		buf.offset -= record.size
		a.history = a.history[:len(a.history)-1]
	} else {
		if buf.offset == 0 {
			return invalidArgumentf(a.name, "no live allocations remain in the active buffer")
		}

		offset, inBuffer := memutils.RegionContains(buf.memory, ptr)
		if !inBuffer {
			return invalidArgumentf(a.name, "pointer does not belong to the active buffer")
		}
		// The topmost live allocation starts strictly below the cursor, so a pointer at or past
		// it cannot be live.
		if offset >= buf.offset {
			return invalidArgumentf(a.name, "pointer lies at or beyond the current cursor")
		}

		buf.offset = offset
	}

	if buf.offset == 0 && len(a.buffers) > 1 {
		a.dropBuffer(len(a.buffers) - 1)
	}

	memutils.DebugValidate(a)
	return nil
}

// AllocatedSize returns the sum of the aligned sizes of live allocations across all buffers.
func (a *StackAllocator) AllocatedSize() int {
	totalAllocated := 0
	for i := range a.buffers {
		totalAllocated += a.buffers[i].offset
	}
	return totalAllocated
}

// ObjectSize returns the aligned size of the most recent allocation. It is only tracked while
// debug checks are enabled; otherwise it returns 0.
func (a *StackAllocator) ObjectSize() int {
	if memutils.DebugChecksEnabled() && len(a.history) > 0 {
		return a.history[len(a.history)-1].size
	}
	return 0
}

// Mark snapshots the cursor. Allocations made after the mark can be freed together with
// ResetToMark.
func (a *StackAllocator) Mark() StackMark {
	if len(a.buffers) == 0 {
		return StackMark{}
	}
	return StackMark{
		BufferCount:  len(a.buffers),
		Offset:       a.buffers[len(a.buffers)-1].offset,
		historyDepth: len(a.history),
	}
}

// ResetToMark rewinds the allocator to a previously captured StackMark, dropping any buffers grown
// since and moving the cursor back to the marked offset. Every allocation made after the mark
// becomes invalid.
func (a *StackAllocator) ResetToMark(mark StackMark) error {
	if !a.ownsMemory {
		return releasedError(a.name)
	}
	if mark.BufferCount < 1 {
		return invalidArgumentf(a.name, "mark does not reference any buffer")
	}
	if len(a.buffers) < mark.BufferCount {
		return invalidArgumentf(a.name, "allocator has fewer buffers than the mark")
	}
	if len(a.buffers) == mark.BufferCount && a.buffers[len(a.buffers)-1].offset < mark.Offset {
		return invalidArgumentf(a.name, "mark lies ahead of the current cursor")
	}

	for len(a.buffers) > mark.BufferCount {
		a.dropBuffer(len(a.buffers) - 1)
	}
	a.buffers[len(a.buffers)-1].offset = mark.Offset

	if memutils.DebugChecksEnabled() && len(a.history) > mark.historyDepth {
		a.history = a.history[:mark.historyDepth]
	}

	return nil
}

// Reset keeps exactly one buffer, rewinds its cursor to zero, and clears the allocation history.
// If the allocator had released its memory, a fresh buffer is acquired.
func (a *StackAllocator) Reset() {
	a.logger.Debug("StackAllocator::Reset")

	if !a.ownsMemory {
		// The first buffer of a fresh allocator cannot trip the caps, they were validated at
		// construction.
		_ = a.allocateNewBuffer()
		a.history = a.history[:0]
		return
	}

	for len(a.buffers) > 1 {
		a.dropBuffer(len(a.buffers) - 1)
	}
	a.buffers[0].offset = 0
	a.history = a.history[:0]
}

// Release drops every buffer and the allocation history. Allocate and Free fail until Reset is
// called.
func (a *StackAllocator) Release() {
	a.logger.Debug("StackAllocator::Release")

	for len(a.buffers) > 0 {
		a.dropBuffer(len(a.buffers) - 1)
	}
	a.buffers = nil
	a.history = nil
	a.ownsMemory = false
}

func (a *StackAllocator) dropBuffer(index int) {
	a.callbacks.Free(a.name, len(a.buffers[index].memory))
	a.buffers = append(a.buffers[:index], a.buffers[index+1:]...)
}

func (a *StackAllocator) allocateNewBuffer() error {
	if a.ownsMemory {
		if !a.resizable {
			return capacityExceededf(a.name, "cannot allocate a new buffer in non-resizable mode")
		}
		if memutils.CapacityChecksEnabled() && a.bufferSize*(len(a.buffers)+1) > StackMaxCapacity {
			return capacityExceededf(a.name, "new buffer would exceed maximum capacity %d", StackMaxCapacity)
		}
	}

	a.logger.Debug("StackAllocator::allocateNewBuffer",
		slog.Int("bufferSize", a.bufferSize),
		slog.Int("bufferCount", len(a.buffers)+1))

	a.buffers = append(a.buffers, stackBuffer{
		memory: make([]byte, a.bufferSize),
	})
	a.ownsMemory = true
	a.callbacks.Allocate(a.name, a.bufferSize)

	return nil
}

// Validate performs internal consistency checks on the cursor and, when debug checks are enabled,
// the allocation history. When the implementation is functioning correctly it cannot return an
// error.
func (a *StackAllocator) Validate() error {
	for i := range a.buffers {
		buf := &a.buffers[i]
		if buf.offset < 0 || buf.offset > len(buf.memory) {
			return internalErrorf(a.name, "buffer %d cursor %d escapes its region of %d bytes",
				i, buf.offset, len(buf.memory))
		}
	}

	if memutils.DebugChecksEnabled() {
		historyBytes := 0
		for i := range a.history {
			historyBytes += a.history[i].size
		}
		if len(a.history) > 0 && historyBytes != a.AllocatedSize() {
			return internalErrorf(a.name, "allocation history records %d bytes but cursors account for %d",
				historyBytes, a.AllocatedSize())
		}
	}

	return nil
}

// AddStatistics sums this allocator's footprint into stats. Individual allocations are only
// distinguishable while debug checks maintain the history, so each buffer's used range counts as
// one allocation here.
func (a *StackAllocator) AddStatistics(stats *memutils.Statistics) {
	for i := range a.buffers {
		stats.RegionCount++
		stats.RegionBytes += len(a.buffers[i].memory)
		if a.buffers[i].offset > 0 {
			stats.AllocationCount++
			stats.AllocationBytes += a.buffers[i].offset
		}
	}
}

// AddDetailedStatistics sums this allocator's footprint into stats. When debug checks maintain the
// allocation history each live allocation is counted individually; otherwise each buffer's used
// range counts as a single allocation.
func (a *StackAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for i := range a.buffers {
		buf := &a.buffers[i]
		stats.RegionCount++
		stats.RegionBytes += len(buf.memory)

		if unused := len(buf.memory) - buf.offset; unused > 0 {
			stats.AddUnusedRange(unused)
		}
	}

	if memutils.DebugChecksEnabled() && len(a.history) > 0 {
		for i := range a.history {
			stats.AddAllocation(a.history[i].size)
		}
		return
	}

	for i := range a.buffers {
		if a.buffers[i].offset > 0 {
			stats.AddAllocation(a.buffers[i].offset)
		}
	}
}

// BuildStatsString returns a JSON description of the allocator's current state. When detailed is
// true it includes a per-buffer breakdown.
func (a *StackAllocator) BuildStatsString(detailed bool) string {
	writer := jwriter.NewWriter()

	obj := writer.Object()
	obj.Name("Name").String(a.name)
	obj.Name("BufferSize").Int(a.bufferSize)
	obj.Name("BufferCount").Int(len(a.buffers))
	obj.Name("Resizable").Bool(a.resizable)
	obj.Name("AllocatedBytes").Int(a.AllocatedSize())

	if detailed {
		bufferArray := obj.Name("Buffers").Array()
		for i := range a.buffers {
			buf := &a.buffers[i]

			bufferObj := bufferArray.Object()
			bufferObj.Name("TotalBytes").Int(len(buf.memory))
			bufferObj.Name("Offset").Int(buf.offset)
			bufferObj.End()
		}
		bufferArray.End()
	}

	obj.End()
	return string(writer.Bytes())
}
