// Package arena implements a linear allocator over a cell.Context,
// bump-allocating inside whole cells obtained from Context.AllocCell and
// chaining to a fresh cell once the current one fills up. Grounded on
// hive/alloc.BumpAllocator's bump-pointer-plus-grow shape, generalized
// from file-offset bumping to in-process pointer bumping.
package arena

import (
	"sync"
	"unsafe"

	"github.com/yndc/cell/cell"
)

// defaultAlign is the alignment every bump allocation receives. The
// arena never services requests wider than this; callers needing
// stricter alignment should allocate directly from the backing Context.
const defaultAlign = 8

func alignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// chunk is one whole cell backing a run of bump allocations.
type chunk struct {
	base   uintptr
	offset uintptr
	size   uintptr
}

// Mark is an opaque bookmark returned by Arena.Mark, passed back to
// Arena.Restore to free every allocation made since.
type Mark struct {
	chunkIndex int
	offset     uintptr
}

// Arena is a linear allocator. Every method takes the arena's own mutex,
// so one Arena may be used from several goroutines; they then contend
// on that single lock.
type Arena struct {
	mu     sync.Mutex
	ctx    *cell.Context
	tag    uint8
	chunks []*chunk
}

// New creates an Arena drawing whole cells from ctx, tagging every cell
// it requests with tag (spec.md §4.G tagging, used here for leak/stat
// attribution of arena-backed memory).
func New(ctx *cell.Context, tag uint8) *Arena {
	return &Arena{ctx: ctx, tag: tag}
}

// Alloc bump-allocates size bytes, 8-byte aligned, growing the arena by
// one more cell from the underlying Context if the current chunk has no
// room. Returns nil only when the underlying Context itself is
// exhausted (spec.md §7: treated the same as any other allocation
// failure, never a panic).
func (a *Arena) Alloc(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	size = alignUp(size, defaultAlign)

	if len(a.chunks) == 0 || !a.fits(a.chunks[len(a.chunks)-1], size) {
		if !a.grow(size) {
			return nil
		}
	}

	c := a.chunks[len(a.chunks)-1]
	addr := c.base + c.offset
	c.offset += size
	return unsafe.Pointer(addr)
}

func (a *Arena) fits(c *chunk, size uintptr) bool {
	return c.offset+size <= c.size
}

// grow appends a new chunk large enough for size, falling back to a
// direct large allocation when size itself exceeds a whole cell
// (spec.md §4.H: an arena request larger than one cell still succeeds,
// it just doesn't share a chunk with anything else).
func (a *Arena) grow(size uintptr) bool {
	chunkSize := uintptr(cell.CellPayloadSize)
	if size > chunkSize {
		chunkSize = size
		p := a.ctx.AllocLarge(chunkSize, a.tag, false)
		if p == nil {
			return false
		}
		a.chunks = append(a.chunks, &chunk{base: uintptr(p), size: chunkSize})
		return true
	}

	p := a.ctx.AllocCell(a.tag)
	if p == nil {
		return false
	}
	a.chunks = append(a.chunks, &chunk{base: uintptr(p), size: chunkSize})
	return true
}

// Mark returns a bookmark of the arena's current extent, to later
// Restore to. Not safe to hold across a concurrent Alloc on the same
// Arena from another goroutine.
func (a *Arena) Mark() Mark {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.chunks) == 0 {
		return Mark{chunkIndex: -1}
	}
	return Mark{chunkIndex: len(a.chunks) - 1, offset: a.chunks[len(a.chunks)-1].offset}
}

// Restore releases every chunk allocated after m was taken, and rewinds
// the chunk current at mark time back to its offset at that point.
//
// This is free-on-restore, not retain-on-restore: every cell/large
// allocation obtained after the mark is handed back to the Context via
// FreeCell/FreeLarge rather than kept as permanently dead space. The
// teacher's own BumpAllocator.Free accepts dead space forever, but that
// is a deliberate tradeoff for its one closed use case (discarding a
// whole hive file shortly after a merge); an Arena meant to be marked
// and restored repeatedly inside a long-lived Context would otherwise
// leak one chunk per mark/restore cycle.
func (a *Arena) Restore(m Mark) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := m.chunkIndex + 1
	for i := start; i < len(a.chunks); i++ {
		a.free(a.chunks[i])
	}
	a.chunks = a.chunks[:start]

	if m.chunkIndex >= 0 && m.chunkIndex < len(a.chunks) {
		a.chunks[m.chunkIndex].offset = m.offset
	}
}

func (a *Arena) free(c *chunk) {
	p := unsafe.Pointer(c.base)
	if c.size > uintptr(cell.CellPayloadSize) {
		a.ctx.FreeLarge(p)
		return
	}
	a.ctx.FreeCell(p)
}

// Reset releases every chunk the arena holds, equivalent to Restore at
// the very first Mark ever taken.
func (a *Arena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.chunks {
		a.free(c)
	}
	a.chunks = a.chunks[:0]
}
