package cell

import (
	"context"
	"fmt"
	"io"
	"sync"
	"unsafe"

	"github.com/yndc/cell/internal/osmem"
)

// Context is component G (spec.md §4.G): the size-routing façade over
// the cell, bin, buddy, and large tiers, plus the optional guard/leak/
// stats/budget/instrumentation layers. Construction mirrors
// hive/alloc.NewFast's config-or-default shape.
type Context struct {
	provider osmem.Provider

	cellRegion *cellRegion
	cells      *cellAllocator
	bins       *binAllocator
	buddy      *buddyAllocator
	large      *largeRegistry

	stats *statTracker

	guardsEnabled bool

	// Free routes by consulting each tier in turn: bin-mode and
	// buddy-mode pointers are self-describing (cell header byte / buddy
	// order byte), and large allocations are looked up directly in
	// c.large, so no separate ownership index is needed here.
	mu     sync.RWMutex
	closed bool
}

// NewContext constructs a Context, reserving and splitting the
// configured address space between the cell region and the buddy
// region (spec.md §6: "default 16 GiB, split evenly").
func NewContext(cfg ContextConfig) (*Context, error) {
	cfg = cfg.withDefaults()

	provider := osmem.New()
	half := cfg.ReserveSize / 2

	region, err := newCellRegion(provider, half)
	if err != nil {
		return nil, fmt.Errorf("cell: reserve cell region: %w", err)
	}
	cells := newCellAllocator(region)
	bins := newBinAllocator(region, cells)

	buddy, err := newBuddyAllocator(provider, cfg.ReserveSize-half)
	if err != nil {
		region.release()
		return nil, fmt.Errorf("cell: reserve buddy region: %w", err)
	}

	if cfg.Logger != nil {
		SetLogger(cfg.Logger)
	}

	return &Context{
		provider:      provider,
		cellRegion:    region,
		cells:         cells,
		bins:          bins,
		buddy:         buddy,
		large:         newLargeRegistry(provider),
		stats:         newStatTracker(cfg),
		guardsEnabled: cfg.EnableGuards,
	}, nil
}

// Close releases every reserved region. Using the Context after Close
// is a lifetime violation and its behaviour is undefined (spec.md §7).
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.closed = true

	c.cells.FlushAllThreadCaches()
	c.large.releaseAll()
	if err := c.buddy.release(); err != nil {
		log.Warn("cell: buddy region release failed", "error", err)
	}
	if err := c.cellRegion.release(); err != nil {
		log.Warn("cell: cell region release failed", "error", err)
	}
	return nil
}

func (c *Context) threadID() int { return c.provider.ThreadID() }

// routedSize returns the size to actually request from an underlying
// tier, inflated for the guard canary when guard checking is enabled.
func (c *Context) routedSize(userSize uintptr) uintptr {
	if c.guardsEnabled {
		return guardedSize(userSize)
	}
	return userSize
}

// AllocBytes is the general-purpose entry point (spec.md §6): routes by
// size and, when alignment is non-trivial, by alignment too.
func (c *Context) AllocBytes(size uintptr, tag uint8, alignment uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	if alignment > 8 {
		return c.AllocAligned(size, alignment, tag)
	}
	if !c.stats.checkBudget(size) {
		return nil
	}

	need := c.routedSize(size)

	if need <= subCellMax {
		if class := classForSize(uint32(need)); class < numSizeClasses {
			addr, ok := c.bins.Alloc(c.threadID(), class)
			if !ok {
				return nil
			}
			if c.guardsEnabled {
				writeGuard(addr, uintptr(classSizes[class])-guardOverhead)
			}
			c.stats.recordAlloc(&c.stats.bin, addr, uintptr(classSizes[class]), tag)
			return toUnsafePointer(addr)
		}
	}

	if need <= buddyMaxSize {
		addr, ok := c.buddy.Alloc(need)
		if !ok {
			return nil
		}
		if c.guardsEnabled {
			order := orderForSize(need)
			writeGuard(addr, (uintptr(1)<<order)-buddyHeaderLen-guardOverhead)
		}
		c.stats.recordAlloc(&c.stats.buddy, addr, uintptr(1)<<orderForSize(need), tag)
		return toUnsafePointer(addr)
	}

	addr, ok := c.large.Alloc(need, tag, false, c.guardsEnabled)
	if !ok {
		return nil
	}
	if c.guardsEnabled {
		writeGuard(addr, size)
	}
	c.stats.recordAlloc(&c.stats.large, addr, need, tag)
	return toUnsafePointer(addr)
}

// FreeBytes frees a pointer obtained from AllocBytes, AllocAligned, or
// ReallocBytes. Unknown pointers are a silent no-op (spec.md §7
// UnknownPointer).
func (c *Context) FreeBytes(p unsafe.Pointer) {
	if p == nil {
		return
	}
	addr := fromUnsafePointer(p)

	if cellIdx, ok := c.cellRegion.cellIndexForAddr(addr); ok {
		cb := c.cellRegion.cellBytes(cellIdx)
		class := cellClass(cb)
		if class == classSentinel {
			// A whole-mode cell obtained via AllocCell; also reachable
			// here since FreeBytes accepts any pointer this Context
			// handed out, not just ones from AllocBytes.
			c.freeWholeCellLocked(addr, cellIdx)
			return
		}
		size := uintptr(classSizes[class])
		if c.guardsEnabled {
			checkAndWarnGuard(addr, size-guardOverhead)
		}
		c.bins.Free(c.threadID(), addr, int(class))
		c.stats.recordFree(&c.stats.bin, addr, size, cellTag(cb))
		return
	}

	if c.buddy.ownsAddr(addr) {
		hdrAddr := addr - buddyHeaderLen
		order := c.buddy.readOrder(hdrAddr)
		size := uintptr(1) << order
		if c.guardsEnabled {
			checkAndWarnGuard(addr, size-buddyHeaderLen-guardOverhead)
		}
		c.buddy.Free(addr)
		c.stats.recordFree(&c.stats.buddy, addr, size, 0)
		return
	}

	if rec, ok := c.large.Lookup(addr); ok {
		if c.guardsEnabled && rec.guarded {
			checkAndWarnGuard(addr, rec.size-guardOverhead)
		}
		c.large.Free(addr)
		c.stats.recordFree(&c.stats.large, addr, rec.size, rec.tag)
		return
	}

	log.Warn("cell: free of unowned pointer", "addr", addr)
}

func checkAndWarnGuard(addr, userSize uintptr) {
	if !checkGuard(addr, userSize) {
		err := &CorruptionError{Invariant: "guard-mismatch", Pointer: addr}
		log.Error("cell: corruption detected", "error", err.Error())
		panic(err)
	}
}

func (c *Context) freeWholeCellLocked(addr uintptr, cellIdx uint32) {
	c.cells.FreeCell(c.threadID(), cellIdx)
	c.stats.recordFree(&c.stats.cell, addr, cellPayloadSize, 0)
}

// ReallocBytes implements spec.md §4.G's realloc semantics. Two fast
// paths precede the generic fallback:
//
//   - sub-cell same-class: if the new size still maps to the block's
//     current size class, the block already fits and p is returned
//     unchanged (spec.md §4.G: "if the new size's class equals the old
//     class, return p unchanged").
//   - large-tier: if both the old and new size route to the large
//     tier, the call delegates straight to the large registry's own
//     reallocate instead of a context-level alloc-copy-free (spec.md
//     §4.G: "delegate to the large-registry reallocate").
//
// Anything else — a real size-class change, a buddy resize, or a tier
// transition in either direction — falls through to the generic path:
// allocate a new block sized for newSize, copy min(old, new) bytes,
// free the old block. Guard padding is never carried across a tier
// transition — it is recomputed fresh for the destination tier by the
// same AllocBytes path a brand-new allocation uses (SPEC_FULL.md §9).
func (c *Context) ReallocBytes(p unsafe.Pointer, newSize uintptr, tag uint8) unsafe.Pointer {
	if p == nil {
		return c.AllocBytes(newSize, tag, 0)
	}
	if newSize == 0 {
		c.FreeBytes(p)
		return nil
	}

	oldAddr := fromUnsafePointer(p)
	need := c.routedSize(newSize)

	if cellIdx, ok := c.cellRegion.cellIndexForAddr(oldAddr); ok {
		cb := c.cellRegion.cellBytes(cellIdx)
		class := cellClass(cb)
		if class != classSentinel && need <= subCellMax && classForSize(uint32(need)) == int(class) {
			return p
		}
	} else if rec, ok := c.large.Lookup(oldAddr); ok && need > buddyMaxSize {
		newAddr, ok := c.large.Realloc(oldAddr, need, tag)
		if !ok {
			return nil
		}
		if c.guardsEnabled && rec.guarded {
			writeGuard(newAddr, newSize)
		}
		c.stats.recordFree(&c.stats.large, oldAddr, rec.size, rec.tag)
		c.stats.recordAlloc(&c.stats.large, newAddr, need, tag)
		return toUnsafePointer(newAddr)
	}

	oldSize, ok := c.sizeOf(oldAddr)
	if !ok {
		log.Warn("cell: realloc of unowned pointer", "addr", oldAddr)
		return nil
	}

	newPtr := c.AllocBytes(newSize, tag, 0)
	if newPtr == nil {
		return nil
	}
	n := oldSize
	if newSize < n {
		n = newSize
	}
	copyBytes(fromUnsafePointer(newPtr), oldAddr, n)
	c.FreeBytes(p)
	return newPtr
}

// sizeOf returns the user-visible size backing addr, across every tier,
// without mutating anything. Used by ReallocBytes to know how much to
// copy forward.
func (c *Context) sizeOf(addr uintptr) (uintptr, bool) {
	if cellIdx, ok := c.cellRegion.cellIndexForAddr(addr); ok {
		cb := c.cellRegion.cellBytes(cellIdx)
		class := cellClass(cb)
		if class == classSentinel {
			return cellPayloadSize, true
		}
		size := uintptr(classSizes[class])
		if c.guardsEnabled {
			size -= guardOverhead
		}
		return size, true
	}
	if c.buddy.ownsAddr(addr) {
		order := c.buddy.readOrder(addr - buddyHeaderLen)
		size := (uintptr(1) << order) - buddyHeaderLen
		if c.guardsEnabled {
			size -= guardOverhead
		}
		return size, true
	}
	if rec, ok := c.large.Lookup(addr); ok {
		size := rec.size
		if rec.guarded {
			size -= guardOverhead
		}
		return size, true
	}
	return 0, false
}

// AllocLarge forces a request through the OS-direct tier regardless of
// size (spec.md §4.F), with an optional huge-page hint.
func (c *Context) AllocLarge(size uintptr, tag uint8, hugeHint bool) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	if !c.stats.checkBudget(size) {
		return nil
	}
	addr, ok := c.large.Alloc(size, tag, hugeHint, false)
	if !ok {
		return nil
	}
	c.stats.recordAlloc(&c.stats.large, addr, size, tag)
	return toUnsafePointer(addr)
}

// FreeLarge frees a pointer obtained from AllocLarge. Unknown pointers
// are a silent no-op.
func (c *Context) FreeLarge(p unsafe.Pointer) {
	if p == nil {
		return
	}
	addr := fromUnsafePointer(p)
	rec, ok := c.large.Lookup(addr)
	if !ok {
		log.Warn("cell: free-large of unowned pointer", "addr", addr)
		return
	}
	c.large.Free(addr)
	c.stats.recordFree(&c.stats.large, addr, rec.size, rec.tag)
}

// AllocAligned services requests whose alignment exceeds 8 bytes:
// bin blocks start cellPayloadOffset (16) bytes into a cell, so the bin
// tier serves alignments up to 16; the rest routes to the large
// registry's aligned path
// (SPEC_FULL.md §4.F: "alignment exceeding what a buddy header offset
// can guarantee" always falls through to OS-direct mapping, since the
// buddy tier's 8-byte header offset breaks any alignment guarantee
// above 8 for the user pointer).
func (c *Context) AllocAligned(size, alignment uintptr, tag uint8) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	if alignment <= 8 {
		return c.AllocBytes(size, tag, alignment)
	}
	if !c.stats.checkBudget(size) {
		return nil
	}

	need := c.routedSize(size)
	if need <= subCellMax && alignment <= cellPayloadOffset {
		class := classForSizeAligned(uint32(need), uint32(alignment))
		if class < numSizeClasses {
			addr, ok := c.bins.Alloc(c.threadID(), class)
			if ok {
				if c.guardsEnabled {
					writeGuard(addr, uintptr(classSizes[class])-guardOverhead)
				}
				c.stats.recordAlloc(&c.stats.bin, addr, uintptr(classSizes[class]), tag)
				return toUnsafePointer(addr)
			}
		}
	}

	addr, ok := c.large.AllocAligned(need, alignment, tag, c.guardsEnabled)
	if !ok {
		return nil
	}
	if c.guardsEnabled {
		writeGuard(addr, size)
	}
	c.stats.recordAlloc(&c.stats.large, addr, need, tag)
	return toUnsafePointer(addr)
}

// AllocBatch fills out with up to len(out) pointers of the given size,
// returning the number actually allocated. A partial batch on
// exhaustion is intentional (spec.md §4.G): callers inspect the
// returned count rather than receiving an all-or-nothing error.
func (c *Context) AllocBatch(size uintptr, out []unsafe.Pointer, tag uint8) int {
	for i := range out {
		p := c.AllocBytes(size, tag, 0)
		if p == nil {
			return i
		}
		out[i] = p
	}
	return len(out)
}

// FreeBatch frees every non-nil pointer in ptrs.
func (c *Context) FreeBatch(ptrs []unsafe.Pointer) {
	for _, p := range ptrs {
		c.FreeBytes(p)
	}
}

// AllocCell hands out one whole 16 KiB cell, bypassing the bin
// allocator entirely (spec.md §4.C, used directly by the arena
// package). The returned pointer addresses the cell's payload, not its
// header.
func (c *Context) AllocCell(tag uint8) unsafe.Pointer {
	idx, ok := c.cells.AllocCell(c.threadID())
	if !ok {
		return nil
	}
	cb := c.cellRegion.cellBytes(idx)
	writeCellHeader(cb, tag, classSentinel)
	addr := c.cellRegion.cellAddr(idx) + cellPayloadOffset
	c.stats.recordAlloc(&c.stats.cell, addr, cellPayloadSize, tag)
	return toUnsafePointer(addr)
}

// FreeCell returns a whole cell obtained from AllocCell.
func (c *Context) FreeCell(p unsafe.Pointer) {
	if p == nil {
		return
	}
	addr := fromUnsafePointer(p)
	cellIdx, ok := c.cellRegion.cellIndexForAddr(addr)
	if !ok {
		log.Warn("cell: free-cell of unowned pointer", "addr", addr)
		return
	}
	c.freeWholeCellLocked(addr, cellIdx)
}

// FlushThreadCaches drains the calling OS thread's caches back into the
// shared structures (spec.md §4.B/§4.C "thread exit").
func (c *Context) FlushThreadCaches() {
	tid := c.threadID()
	c.cells.FlushThreadCache(tid)
	c.bins.flushThreadBinCaches(tid)
}

// DecommitUnused releases physical pages backing any superblock with no
// live cells, returning the bytes released. ctx is consulted only as an
// early-exit guard before the sweep begins (spec.md §5: allocation
// itself is never cancellable).
func (c *Context) DecommitUnused(ctx context.Context) (uintptr, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.cells.DecommitUnused(), nil
}

// CommittedBytes sums committed bytes across the cell region and the
// buddy region.
func (c *Context) CommittedBytes() uintptr {
	return c.cells.CommittedBytes() + c.buddy.committedBytes()
}

// GetStats returns a snapshot of per-tier counters and whole-context
// byte accounting.
func (c *Context) GetStats() Stats {
	return c.stats.snapshot(c.CommittedBytes(), c.LiveAllocationCount())
}

// DumpStats writes a human-readable report of GetStats to w.
func (c *Context) DumpStats(w io.Writer) {
	dumpStats(w, c.GetStats())
}

// ResetStats zeroes every counter without affecting live allocations.
func (c *Context) ResetStats() {
	c.stats.reset()
}

// CheckGuards reports whether the guard canary following p's payload is
// still intact. Always true when guard checking is disabled.
func (c *Context) CheckGuards(p unsafe.Pointer) bool {
	if !c.guardsEnabled || p == nil {
		return true
	}
	addr := fromUnsafePointer(p)

	if rec, ok := c.large.Lookup(addr); ok {
		if !rec.guarded {
			return true
		}
		return checkGuard(addr, rec.size-guardOverhead)
	}

	size, ok := c.sizeOf(addr)
	if !ok {
		return false
	}
	return checkGuard(addr, size)
}

// ReportLeaks returns every allocation still tracked as live. Empty
// unless EnableLeakTracking was set.
func (c *Context) ReportLeaks() []LeakRecord {
	return c.stats.reportLeaks()
}

// LiveAllocationCount returns the number of allocations currently
// tracked as live across every tier (sub-cell, buddy, and large).
// Meaningful only when leak tracking is enabled; otherwise it reports
// just the large-registry count, the one tier that always tracks live
// entries for its own bookkeeping.
func (c *Context) LiveAllocationCount() uintptr {
	if c.stats.enableLeaks {
		c.stats.leakMu.Lock()
		defer c.stats.leakMu.Unlock()
		return uintptr(len(c.stats.leaks))
	}
	return uintptr(c.large.Count())
}

// SetAllocCallback registers a callback invoked on every allocation and
// free (spec.md §4.G instrumentation layer).
func (c *Context) SetAllocCallback(cb AllocCallback) { c.stats.setAllocCallback(cb) }

// SetBudgetCallback registers a callback invoked when an allocation
// would exceed the configured memory budget.
func (c *Context) SetBudgetCallback(cb BudgetCallback) { c.stats.setBudgetCallback(cb) }

