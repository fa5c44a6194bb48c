package memutils

import "sync/atomic"

// Two process-wide toggles gate the expensive parts of the allocators in this module. They are
// atomics so a benchmark harness can flip them between runs without tearing; the allocators
// themselves are still single-owner and perform no other cross-thread coordination.
//
// debugChecks gates correctness checks that trade throughput for safety: the pool allocator's
// free-list walk for double-free detection, the stack allocator's LIFO order verification and
// allocation history, and zero-fill of released buddy buffers.
//
// capacityChecks gates enforcement of the hard capacity caps when an allocator grows a new
// region.
var (
	debugChecks    atomic.Bool
	capacityChecks atomic.Bool
)

func init() {
	debugChecks.Store(true)
	capacityChecks.Store(true)
}

// DebugChecksEnabled reports whether expensive correctness checks are currently switched on.
func DebugChecksEnabled() bool { return debugChecks.Load() }

// CapacityChecksEnabled reports whether capacity cap enforcement is currently switched on.
func CapacityChecksEnabled() bool { return capacityChecks.Load() }

// OverrideDebugChecks sets the debug-check toggle and returns a function that restores the
// previous value. Intended to be paired with defer so the override cannot leak:
//
//	defer memutils.OverrideDebugChecks(false)()
func OverrideDebugChecks(enabled bool) (restore func()) {
	old := debugChecks.Swap(enabled)
	return func() { debugChecks.Store(old) }
}

// OverrideCapacityChecks sets the capacity-check toggle and returns a function that restores the
// previous value on all exit paths when paired with defer.
func OverrideCapacityChecks(enabled bool) (restore func()) {
	old := capacityChecks.Swap(enabled)
	return func() { capacityChecks.Store(old) }
}
