// Package pool provides a generic typed allocator over a cell.Context
// plus a Scope guard for bulk-releasing a batch of allocations. Grounded
// on hive/alloc/fastalloc.go's sync.Pool reuse of freeCell structs,
// generalized from reusing one fixed internal struct type to
// constructing/destructing a caller-supplied type T.
package pool

import (
	"sync"
	"unsafe"

	"github.com/yndc/cell/cell"
)

// Pool allocates and frees values of type T backed by a cell.Context,
// with optional construct/destruct hooks run on every Get/Put. It does
// not itself cache freed values the way sync.Pool does: every Get is a
// fresh Context.AllocBytes, and every Put a Context.FreeBytes, since the
// whole point of routing through cell.Context is to get its tiered
// reuse, guard checking, and stats for free rather than re-implement a
// second cache on top.
type Pool[T any] struct {
	ctx   *cell.Context
	tag   uint8
	align uintptr

	construct func(*T)
	destruct  func(*T)
}

// New creates a Pool for type T. construct and destruct may be nil.
// construct runs on every value returned by Get before the caller sees
// it; destruct runs on every value passed to Put before its memory is
// released.
func New[T any](ctx *cell.Context, tag uint8, construct, destruct func(*T)) *Pool[T] {
	var zero T
	return &Pool[T]{
		ctx:       ctx,
		tag:       tag,
		align:     unsafe.Alignof(zero),
		construct: construct,
		destruct:  destruct,
	}
}

// Get allocates one T-sized block and runs construct on it, if set.
// Returns nil if the underlying Context could not satisfy the
// allocation.
func (p *Pool[T]) Get() *T {
	var zero T
	raw := p.ctx.AllocBytes(unsafe.Sizeof(zero), p.tag, p.align)
	if raw == nil {
		return nil
	}
	v := (*T)(raw)
	if p.construct != nil {
		p.construct(v)
	}
	return v
}

// Put runs destruct on v, if set, then returns its memory to the
// Context. v must not be used again after Put.
func (p *Pool[T]) Put(v *T) {
	if v == nil {
		return
	}
	if p.destruct != nil {
		p.destruct(v)
	}
	p.ctx.FreeBytes(unsafe.Pointer(v))
}

// Scope collects allocations made through it and releases them all on
// Close, the typed-pool counterpart to arena.Arena's Mark/Restore: where
// an Arena bump-allocates raw bytes, a Scope tracks individually-sized
// Pool gets for bulk teardown without requiring they all share one
// underlying type.
type Scope struct {
	ctx *cell.Context
	mu  sync.Mutex
	ptrs []unsafe.Pointer
}

// NewScope creates a Scope over ctx.
func NewScope(ctx *cell.Context) *Scope {
	return &Scope{ctx: ctx}
}

// Alloc allocates size bytes tagged tag and tracks the result for
// release on Close.
func (s *Scope) Alloc(size uintptr, tag uint8) unsafe.Pointer {
	p := s.ctx.AllocBytes(size, tag, 0)
	if p == nil {
		return nil
	}
	s.mu.Lock()
	s.ptrs = append(s.ptrs, p)
	s.mu.Unlock()
	return p
}

// Close frees every allocation the Scope has handed out. Safe to call
// more than once; subsequent calls are a no-op.
func (s *Scope) Close() {
	s.mu.Lock()
	ptrs := s.ptrs
	s.ptrs = nil
	s.mu.Unlock()

	for _, p := range ptrs {
		s.ctx.FreeBytes(p)
	}
}
