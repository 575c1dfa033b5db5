// Package cellslice adapts cell.Context to the informal
// Alloc(uintptr) unsafe.Pointer / Free(unsafe.Pointer) shape expected by
// code written against a pluggable allocator, the closest Go idiom gets
// to C++'s std::allocator. There is no standard-library interface this
// satisfies; Allocator exists so callers can write their own generic
// containers against one small interface instead of importing cell
// directly.
package cellslice

import (
	"unsafe"

	"github.com/yndc/cell/cell"
)

// Allocator is the shape a container backing store needs: allocate a
// block, free a block, nothing else. cell.Context satisfies it directly
// through AllocBytes/FreeBytes once bound to a tag.
type Allocator interface {
	Alloc(size uintptr) unsafe.Pointer
	Free(p unsafe.Pointer)
}

// ContextAllocator binds a cell.Context and tag into an Allocator.
type ContextAllocator struct {
	ctx   *cell.Context
	tag   uint8
	align uintptr
}

// NewAllocator returns an Allocator backed by ctx. Every allocation it
// makes is tagged tag (spec.md §4.G tagging) and aligned to align bytes;
// align of 0 requests the context's default byte alignment.
func NewAllocator(ctx *cell.Context, tag uint8, align uintptr) *ContextAllocator {
	return &ContextAllocator{ctx: ctx, tag: tag, align: align}
}

func (a *ContextAllocator) Alloc(size uintptr) unsafe.Pointer {
	return a.ctx.AllocBytes(size, a.tag, a.align)
}

func (a *ContextAllocator) Free(p unsafe.Pointer) {
	a.ctx.FreeBytes(p)
}

var _ Allocator = (*ContextAllocator)(nil)

// Slice is a growable, Context-backed array of T, the minimal container
// SPEC_FULL.md §4.H calls for to demonstrate the Allocator shape backing
// a standard-library-like type rather than leaving it unexercised.
// Unlike a Go slice, it must be released explicitly with Free; it is not
// garbage collected.
type Slice[T any] struct {
	alloc Allocator
	data  unsafe.Pointer
	len   int
	cap   int
}

// NewSlice creates an empty Slice backed by alloc.
func NewSlice[T any](alloc Allocator) *Slice[T] {
	return &Slice[T]{alloc: alloc}
}

func (s *Slice[T]) elemSize() uintptr {
	var zero T
	return unsafe.Sizeof(zero)
}

// Len returns the number of elements currently stored.
func (s *Slice[T]) Len() int { return s.len }

// Cap returns the number of elements the current backing allocation can
// hold without growing.
func (s *Slice[T]) Cap() int { return s.cap }

// At returns a pointer to the element at index i. Panics if i is out of
// range, matching Go's own slice bounds-check behavior.
func (s *Slice[T]) At(i int) *T {
	if i < 0 || i >= s.len {
		panic("cellslice: index out of range")
	}
	base := uintptr(s.data) + uintptr(i)*s.elemSize()
	return (*T)(unsafe.Pointer(base))
}

// Append adds v to the end, growing the backing allocation (doubling,
// the same growth factor Go's own append uses for small slices) when
// full.
func (s *Slice[T]) Append(v T) {
	if s.len == s.cap {
		s.grow()
	}
	s.len++
	*s.At(s.len - 1) = v
}

func (s *Slice[T]) grow() {
	newCap := s.cap * 2
	if newCap == 0 {
		newCap = 4
	}
	elemSize := s.elemSize()
	newData := s.alloc.Alloc(uintptr(newCap) * elemSize)
	if newData == nil {
		panic("cellslice: allocation failed")
	}
	if s.len > 0 {
		src := unsafe.Slice((*byte)(s.data), s.len*int(elemSize))
		dst := unsafe.Slice((*byte)(newData), s.len*int(elemSize))
		copy(dst, src)
	}
	if s.data != nil {
		s.alloc.Free(s.data)
	}
	s.data = newData
	s.cap = newCap
}

// Free releases the backing allocation. The Slice must not be used
// again afterward.
func (s *Slice[T]) Free() {
	if s.data != nil {
		s.alloc.Free(s.data)
		s.data = nil
	}
	s.len = 0
	s.cap = 0
}
