package allocator_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/armory/allocator"
	"github.com/vkngwrapper/armory/memutils"
)

func TestStackLifoRoundTrip(t *testing.T) {
	stack, err := allocator.NewStackAllocator(allocator.StackAllocatorCreateInfo{
		BufferSize: 128,
	})
	require.NoError(t, err)

	ptr1, err := stack.Allocate(16, allocator.DefaultAlignment)
	require.NoError(t, err)
	ptr2, err := stack.Allocate(16, allocator.DefaultAlignment)
	require.NoError(t, err)
	require.NotEqual(t, ptr1, ptr2)

	require.NoError(t, stack.Free(ptr2))

	ptr3, err := stack.Allocate(16, allocator.DefaultAlignment)
	require.NoError(t, err)
	require.Equal(t, ptr2, ptr3)

	require.NoError(t, stack.Free(ptr3))
	require.NoError(t, stack.Free(ptr1))
	require.Equal(t, 0, stack.AllocatedSize())
}

func TestStackNonLifoFreeRejected(t *testing.T) {
	stack, err := allocator.NewStackAllocator(allocator.StackAllocatorCreateInfo{
		BufferSize: 128,
	})
	require.NoError(t, err)

	ptr1, err := stack.Allocate(16, allocator.DefaultAlignment)
	require.NoError(t, err)
	_, err = stack.Allocate(16, allocator.DefaultAlignment)
	require.NoError(t, err)

	err = stack.Free(ptr1)
	require.ErrorIs(t, err, allocator.ErrLifoViolation)
}

func TestStackAlignmentHandling(t *testing.T) {
	stack, err := allocator.NewStackAllocator(allocator.StackAllocatorCreateInfo{
		BufferSize: 256,
		Alignment:  8,
	})
	require.NoError(t, err)

	ptr, err := stack.Allocate(30, allocator.DefaultAlignment)
	require.NoError(t, err)
	require.NotNil(t, ptr)
	require.Equal(t, 32, stack.AllocatedSize())
	require.Equal(t, 32, stack.ObjectSize())

	_, err = stack.Allocate(8, 3)
	require.ErrorIs(t, err, allocator.ErrInvalidArgument)

	_, err = stack.Allocate(8, 2)
	require.ErrorIs(t, err, allocator.ErrInvalidArgument)

	ptr16, err := stack.Allocate(10, 16)
	require.NoError(t, err)
	require.Equal(t, 0, int(uintptr(ptr16)-uintptr(ptr))%16)
	require.Equal(t, 48, stack.AllocatedSize())
}

func TestStackConstructionValidation(t *testing.T) {
	_, err := allocator.NewStackAllocator(allocator.StackAllocatorCreateInfo{BufferSize: 0})
	require.ErrorIs(t, err, allocator.ErrInvalidArgument)

	_, err = allocator.NewStackAllocator(allocator.StackAllocatorCreateInfo{
		BufferSize: 65 * 1024 * 1024,
	})
	require.ErrorIs(t, err, allocator.ErrInvalidArgument)

	_, err = allocator.NewStackAllocator(allocator.StackAllocatorCreateInfo{
		BufferSize: 64,
		Alignment:  5,
	})
	require.ErrorIs(t, err, allocator.ErrInvalidArgument)
}

func TestStackNonResizableFillsUp(t *testing.T) {
	stack, err := allocator.NewStackAllocator(allocator.StackAllocatorCreateInfo{
		BufferSize: 64,
	})
	require.NoError(t, err)

	_, err = stack.Allocate(30, allocator.DefaultAlignment)
	require.NoError(t, err)
	_, err = stack.Allocate(30, allocator.DefaultAlignment)
	require.NoError(t, err)

	_, err = stack.Allocate(10, allocator.DefaultAlignment)
	require.ErrorIs(t, err, allocator.ErrCapacityExceeded)
	require.ErrorIs(t, err, allocator.ErrOutOfMemory)
}

func TestStackOversizedRequestRejected(t *testing.T) {
	stack, err := allocator.NewStackAllocator(allocator.StackAllocatorCreateInfo{
		BufferSize: 64,
	})
	require.NoError(t, err)

	_, err = stack.Allocate(75, allocator.DefaultAlignment)
	require.ErrorIs(t, err, allocator.ErrCapacityExceeded)
}

func TestStackGrowsWhenResizable(t *testing.T) {
	stack, err := allocator.NewStackAllocator(allocator.StackAllocatorCreateInfo{
		BufferSize: 64,
		Resizable:  true,
	})
	require.NoError(t, err)

	_, err = stack.Allocate(64, allocator.DefaultAlignment)
	require.NoError(t, err)

	ptr, err := stack.Allocate(64, allocator.DefaultAlignment)
	require.NoError(t, err)
	require.NotNil(t, ptr)
	require.Equal(t, 128, stack.AllocatedSize())

	var stats memutils.Statistics
	stack.AddStatistics(&stats)
	require.Equal(t, 2, stats.RegionCount)

	// Draining the grown buffer drops it.
	require.NoError(t, stack.Free(ptr))
	stats.Clear()
	stack.AddStatistics(&stats)
	require.Equal(t, 1, stats.RegionCount)
}

func TestStackMarkRewind(t *testing.T) {
	stack, err := allocator.NewStackAllocator(allocator.StackAllocatorCreateInfo{
		BufferSize: 256,
		Alignment:  8,
		Resizable:  true,
	})
	require.NoError(t, err)

	_, err = stack.Allocate(16, allocator.DefaultAlignment)
	require.NoError(t, err)
	_, err = stack.Allocate(16, allocator.DefaultAlignment)
	require.NoError(t, err)

	mark := stack.Mark()

	third, err := stack.Allocate(32, allocator.DefaultAlignment)
	require.NoError(t, err)
	_, err = stack.Allocate(64, allocator.DefaultAlignment)
	require.NoError(t, err)

	require.NoError(t, stack.ResetToMark(mark))
	require.Equal(t, 32, stack.AllocatedSize())

	// The cursor is back at the mark, so the next allocation reuses the rewound space.
	again, err := stack.Allocate(32, allocator.DefaultAlignment)
	require.NoError(t, err)
	require.Equal(t, third, again)
}

func TestStackMarkRewindAcrossBuffers(t *testing.T) {
	stack, err := allocator.NewStackAllocator(allocator.StackAllocatorCreateInfo{
		BufferSize: 32,
		Alignment:  8,
		Resizable:  true,
	})
	require.NoError(t, err)

	_, err = stack.Allocate(16, allocator.DefaultAlignment)
	require.NoError(t, err)
	_, err = stack.Allocate(16, allocator.DefaultAlignment)
	require.NoError(t, err)

	mark := stack.Mark()

	_, err = stack.Allocate(32, allocator.DefaultAlignment)
	require.NoError(t, err)
	_, err = stack.Allocate(32, allocator.DefaultAlignment)
	require.NoError(t, err)

	require.NoError(t, stack.ResetToMark(mark))
	require.Equal(t, 32, stack.AllocatedSize())

	var stats memutils.Statistics
	stack.AddStatistics(&stats)
	require.Equal(t, 1, stats.RegionCount)
}

func TestStackMarkRejections(t *testing.T) {
	stack, err := allocator.NewStackAllocator(allocator.StackAllocatorCreateInfo{
		BufferSize: 32,
		Alignment:  8,
		Resizable:  true,
	})
	require.NoError(t, err)

	_, err = stack.Allocate(16, allocator.DefaultAlignment)
	require.NoError(t, err)
	_, err = stack.Allocate(16, allocator.DefaultAlignment)
	require.NoError(t, err)
	_, err = stack.Allocate(32, allocator.DefaultAlignment)
	require.NoError(t, err)

	// Mark taken while two buffers are live.
	mark := stack.Mark()

	stack.Reset()
	require.ErrorIs(t, stack.ResetToMark(mark), allocator.ErrInvalidArgument)

	// Mark ahead of the cursor within the same buffer.
	ptr, err := stack.Allocate(16, allocator.DefaultAlignment)
	require.NoError(t, err)
	ahead := stack.Mark()
	require.NoError(t, stack.Free(ptr))
	require.ErrorIs(t, stack.ResetToMark(ahead), allocator.ErrInvalidArgument)

	// Mark captured after Release references no buffer.
	stack.Release()
	released := stack.Mark()
	stack.Reset()
	require.ErrorIs(t, stack.ResetToMark(released), allocator.ErrInvalidArgument)
}

func TestStackReleaseThenReset(t *testing.T) {
	stack, err := allocator.NewStackAllocator(allocator.StackAllocatorCreateInfo{
		BufferSize: 1200,
	})
	require.NoError(t, err)

	for i := 0; i < 15; i++ {
		_, err = stack.Allocate(16, allocator.DefaultAlignment)
		require.NoError(t, err)
	}

	stack.Release()

	_, err = stack.Allocate(16, allocator.DefaultAlignment)
	require.ErrorIs(t, err, allocator.ErrReleasedAllocator)
	require.ErrorIs(t, err, allocator.ErrOutOfMemory)

	stack.Reset()

	ptr, err := stack.Allocate(16, allocator.DefaultAlignment)
	require.NoError(t, err)
	require.NotNil(t, ptr)
	require.Equal(t, 16, stack.AllocatedSize())
}

func TestStackResetKeepsOneBuffer(t *testing.T) {
	stack, err := allocator.NewStackAllocator(allocator.StackAllocatorCreateInfo{
		BufferSize: 32,
		Resizable:  true,
	})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err = stack.Allocate(32, allocator.DefaultAlignment)
		require.NoError(t, err)
	}

	stack.Reset()
	require.Equal(t, 0, stack.AllocatedSize())
	require.Equal(t, 0, stack.ObjectSize())

	var stats memutils.Statistics
	stack.AddStatistics(&stats)
	require.Equal(t, 1, stats.RegionCount)
}

func TestStackInferredFreeWithChecksDisabled(t *testing.T) {
	defer memutils.OverrideDebugChecks(false)()

	stack, err := allocator.NewStackAllocator(allocator.StackAllocatorCreateInfo{
		BufferSize: 128,
	})
	require.NoError(t, err)

	ptr1, err := stack.Allocate(16, allocator.DefaultAlignment)
	require.NoError(t, err)
	ptr2, err := stack.Allocate(32, allocator.DefaultAlignment)
	require.NoError(t, err)

	require.NoError(t, stack.Free(ptr2))
	require.Equal(t, 16, stack.AllocatedSize())
	require.NoError(t, stack.Free(ptr1))
	require.Equal(t, 0, stack.AllocatedSize())

	// With no history, ObjectSize is not tracked.
	require.Equal(t, 0, stack.ObjectSize())

	_, err = stack.Allocate(16, allocator.DefaultAlignment)
	require.NoError(t, err)
	var local int64
	require.ErrorIs(t, stack.Free(unsafe.Pointer(&local)), allocator.ErrInvalidArgument)

	beyond, err := stack.Allocate(16, allocator.DefaultAlignment)
	require.NoError(t, err)
	require.NoError(t, stack.Free(beyond))
	require.ErrorIs(t, stack.Free(beyond), allocator.ErrInvalidArgument)
}

func TestStackFreeRejectsNil(t *testing.T) {
	stack, err := allocator.NewStackAllocator(allocator.StackAllocatorCreateInfo{
		BufferSize: 64,
	})
	require.NoError(t, err)

	require.ErrorIs(t, stack.Free(nil), allocator.ErrInvalidArgument)
}
