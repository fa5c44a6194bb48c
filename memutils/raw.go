package memutils

import "unsafe"

// The allocators in this module thread free-list links through the very bytes they manage: a free
// block's first PointerSize bytes hold a pointer to the next free block. Those bytes flip between
// user data and bookkeeping over the block's lifetime, so the reinterpretation is confined to the
// helpers in this file. The backing byte slices are kept alive by the allocator structs, never by
// the links themselves.

// NextFree reads the intrusive free-list link stored in the first PointerSize bytes of a free
// block.
func NextFree(block unsafe.Pointer) unsafe.Pointer {
	return *(*unsafe.Pointer)(block)
}

// SetNextFree stores an intrusive free-list link in the first PointerSize bytes of a free block.
// next may be nil to terminate the list.
func SetNextFree(block unsafe.Pointer, next unsafe.Pointer) {
	*(*unsafe.Pointer)(block) = next
}

// AlignPointerUp rounds a pointer up to the next multiple of alignment, which must be a power of
// two. The result must stay within the same region.
func AlignPointerUp(p unsafe.Pointer, alignment uint) unsafe.Pointer {
	addr := uintptr(p)
	aligned := (addr + uintptr(alignment) - 1) &^ (uintptr(alignment) - 1)
	return unsafe.Add(p, int(aligned-addr))
}

// PointerAdd offsets a pointer by offset bytes. The result must stay within the same region.
func PointerAdd(p unsafe.Pointer, offset int) unsafe.Pointer {
	return unsafe.Add(p, offset)
}

// PointerDiff returns a - b in bytes. Both pointers must lie within the same region.
func PointerDiff(a unsafe.Pointer, b unsafe.Pointer) int {
	return int(uintptr(a) - uintptr(b))
}

// RegionBase returns the address of the first byte of a region. The slice must be non-empty.
func RegionBase(region []byte) unsafe.Pointer {
	return unsafe.Pointer(&region[0])
}

// RegionContains reports whether p points into region, and if so, the byte offset of p from the
// region base.
func RegionContains(region []byte, p unsafe.Pointer) (int, bool) {
	base := uintptr(unsafe.Pointer(&region[0]))
	addr := uintptr(p)
	if addr < base || addr >= base+uintptr(len(region)) {
		return 0, false
	}
	return int(addr - base), true
}

// ZeroRegion clears every byte of a region.
func ZeroRegion(region []byte) {
	for i := range region {
		region[i] = 0
	}
}
