package memutils_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/armory/memutils"
)

func TestCheckPow2(t *testing.T) {
	require.NoError(t, memutils.CheckPow2(uint(1), "value"))
	require.NoError(t, memutils.CheckPow2(uint(4096), "value"))

	require.ErrorIs(t, memutils.CheckPow2(uint(0), "value"), memutils.PowerOfTwoError)
	require.ErrorIs(t, memutils.CheckPow2(uint(3), "value"), memutils.PowerOfTwoError)
	require.ErrorIs(t, memutils.CheckPow2(uint(4097), "value"), memutils.PowerOfTwoError)
}

func TestCheckAlignment(t *testing.T) {
	require.NoError(t, memutils.CheckAlignment(4, "alignment"))
	require.NoError(t, memutils.CheckAlignment(8, "alignment"))
	require.NoError(t, memutils.CheckAlignment(16, "alignment"))

	require.ErrorIs(t, memutils.CheckAlignment(6, "alignment"), memutils.PowerOfTwoError)
	require.ErrorIs(t, memutils.CheckAlignment(2, "alignment"), memutils.AlignmentRangeError)
	require.ErrorIs(t, memutils.CheckAlignment(32, "alignment"), memutils.AlignmentRangeError)
}

func TestAlignUp(t *testing.T) {
	require.Equal(t, 0, memutils.AlignUp(0, 8))
	require.Equal(t, 8, memutils.AlignUp(1, 8))
	require.Equal(t, 8, memutils.AlignUp(8, 8))
	require.Equal(t, 16, memutils.AlignUp(9, 8))
	require.Equal(t, 48, memutils.AlignUp(33, 16))
}

func TestAlignDown(t *testing.T) {
	require.Equal(t, 0, memutils.AlignDown(7, 8))
	require.Equal(t, 8, memutils.AlignDown(15, 8))
	require.Equal(t, 16, memutils.AlignDown(16, 8))
}

func TestNextPow2(t *testing.T) {
	require.Equal(t, 1, memutils.NextPow2(1))
	require.Equal(t, 2, memutils.NextPow2(2))
	require.Equal(t, 4, memutils.NextPow2(3))
	require.Equal(t, 1024, memutils.NextPow2(1000))
	require.Equal(t, 1024, memutils.NextPow2(1024))
	require.Equal(t, 2048, memutils.NextPow2(1025))
}

func TestAlignPointerUp(t *testing.T) {
	region := make([]byte, 64)
	base := memutils.RegionBase(region)

	// Pick an interior pointer whose distance from an aligned start is known, so the assertions
	// hold regardless of the base address.
	aligned16 := memutils.AlignPointerUp(base, 16)
	require.Equal(t, aligned16, memutils.AlignPointerUp(aligned16, 16))

	odd := memutils.PointerAdd(aligned16, 1)
	require.Equal(t, memutils.PointerAdd(aligned16, 16), memutils.AlignPointerUp(odd, 16))
	require.Equal(t, memutils.PointerAdd(aligned16, 8), memutils.AlignPointerUp(odd, 8))
}

func TestStatisticsAccounting(t *testing.T) {
	var stats memutils.DetailedStatistics

	stats.RegionCount = 1
	stats.RegionBytes = 4096
	stats.AddAllocation(128)
	stats.AddAllocation(512)
	stats.AddUnusedRange(3456)

	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, 640, stats.AllocationBytes)
	require.Equal(t, 3456, stats.UnusedBytes())
	require.Equal(t, memutils.SizeRange{Count: 2, Smallest: 128, Largest: 512}, stats.Allocations)
	require.Equal(t, memutils.SizeRange{Count: 1, Smallest: 3456, Largest: 3456}, stats.UnusedRanges)

	var merged memutils.DetailedStatistics
	merged.AddAllocation(64)
	merged.AddDetailedStatistics(&stats)
	require.Equal(t, memutils.SizeRange{Count: 3, Smallest: 64, Largest: 512}, merged.Allocations)

	stats.Clear()
	require.Equal(t, memutils.DetailedStatistics{}, stats)
}

func TestIntrusiveFreeListLinks(t *testing.T) {
	region := make([]byte, 64)
	base := memutils.RegionBase(region)
	second := memutils.PointerAdd(base, 32)

	memutils.SetNextFree(base, second)
	memutils.SetNextFree(second, nil)

	require.Equal(t, second, memutils.NextFree(base))
	require.Nil(t, memutils.NextFree(second))
	require.Equal(t, 32, memutils.PointerDiff(second, base))
}

func TestRegionContains(t *testing.T) {
	backing := make([]byte, 128)
	region := backing[:64]
	base := memutils.RegionBase(region)

	offset, ok := memutils.RegionContains(region, base)
	require.True(t, ok)
	require.Equal(t, 0, offset)

	offset, ok = memutils.RegionContains(region, memutils.PointerAdd(base, 63))
	require.True(t, ok)
	require.Equal(t, 63, offset)

	_, ok = memutils.RegionContains(region, memutils.PointerAdd(base, 64))
	require.False(t, ok)

	var local int64
	_, ok = memutils.RegionContains(region, unsafe.Pointer(&local))
	require.False(t, ok)
}

func TestZeroRegion(t *testing.T) {
	region := make([]byte, 32)
	for i := range region {
		region[i] = 0xFF
	}

	memutils.ZeroRegion(region)
	for i := range region {
		require.Zero(t, region[i])
	}
}
