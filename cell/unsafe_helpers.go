package cell

import (
	"encoding/binary"
	"unsafe"
)

// This file isolates every raw pointer/offset conversion used by the
// allocator, the same way hive/alloc/helpers.go and
// hive/alloc/fastalloc.go's putU32/getI32 helpers isolate byte-twiddling
// from the rest of that package. Nothing outside this package ever sees
// a region byte slice or an in-region offset; only opaque uintptr
// addresses cross the Context boundary.

// regionView reinterprets a reserved OS region as a byte slice for the
// duration of the call. The slice must never be retained past the
// region's lifetime and must never escape package cell.
func regionView(base uintptr, length uintptr) []byte {
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(base)), int(length))
}

func putU32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:off+4], v) }
func getU32(b []byte, off int) uint32    { return binary.LittleEndian.Uint32(b[off : off+4]) }
func putU16(b []byte, off int, v uint16) { binary.LittleEndian.PutUint16(b[off:off+2], v) }
func getU16(b []byte, off int) uint16    { return binary.LittleEndian.Uint16(b[off : off+2]) }

// putUintptr/getUintptr store a full-width address in 8 bytes, used by
// the buddy allocator's in-place free-list nodes (cell/buddy.go). This
// library targets 64-bit platforms, matching the buddy block header
// size spec.md §6 fixes at 8 bytes.
func putUintptr(b []byte, off int, v uintptr) {
	binary.LittleEndian.PutUint64(b[off:off+8], uint64(v))
}
func getUintptr(b []byte, off int) uintptr {
	return uintptr(binary.LittleEndian.Uint64(b[off : off+8]))
}

// toUnsafePointer converts a validated, in-bounds address to the
// unsafe.Pointer returned across the public API. This is the only
// function in the package allowed to manufacture a client-facing
// pointer from an address.
func toUnsafePointer(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr)
}

// fromUnsafePointer is the inverse: the only function allowed to turn a
// client-supplied pointer back into an address for bounds/ownership
// checks.
func fromUnsafePointer(p unsafe.Pointer) uintptr {
	return uintptr(p)
}
