package cell

import (
	"sync"
	"sync/atomic"

	"github.com/yndc/cell/internal/osmem"
)

// largeRecord is the map entry spec.md §3 describes: requested size,
// the original OS pointer (differs from the user pointer for aligned
// variants where the two need not coincide), tag, and flags.
type largeRecord struct {
	size     uintptr
	osPtr    uintptr
	tag      uint8
	hugeHint bool
	aligned  bool
	guarded  bool
}

// largeRegistry is component F (spec.md §4.F): OS-direct map/unmap with
// optional huge-page hinting, keyed by user pointer. Grounded on
// hive/alloc/fastalloc.go's byOff map[int32]*freeCell plus
// startIdx/endIdx O(1) index pair, generalized from int32 hive offsets
// to uintptr OS addresses — here a single map suffices because large
// blocks are never split or coalesced, so there is no coalescing index
// to maintain.
type largeRegistry struct {
	provider osmem.Provider

	mu      sync.Mutex
	records map[uintptr]*largeRecord
	live    atomic.Int64
}

func newLargeRegistry(p osmem.Provider) *largeRegistry {
	return &largeRegistry{provider: p, records: make(map[uintptr]*largeRecord)}
}

// Alloc maps size bytes directly from the OS, attempting huge pages
// first when hugeHint is set (spec.md §4.F). guarded records whether
// size already has the guard canary's room folded in, so Free can tell
// whether a canary check is meaningful for this pointer.
func (l *largeRegistry) Alloc(size uintptr, tag uint8, hugeHint bool, guarded bool) (uintptr, bool) {
	addr, err := l.provider.MapLarge(size, hugeHint)
	if err != nil {
		log.Warn("cell: large map failed", "size", size, "error", err)
		return 0, false
	}
	l.insert(addr, &largeRecord{size: size, osPtr: addr, tag: tag, hugeHint: hugeHint, guarded: guarded})
	return addr, true
}

// AllocAligned services an aligned request the buddy tier cannot
// (spec.md §4.G: alignment exceeding what a buddy header offset can
// guarantee, routed here regardless of size).
func (l *largeRegistry) AllocAligned(size, align uintptr, tag uint8, guarded bool) (uintptr, bool) {
	addr, err := l.provider.MapAligned(size, align)
	if err != nil {
		log.Warn("cell: large aligned map failed", "size", size, "align", align, "error", err)
		return 0, false
	}
	l.insert(addr, &largeRecord{size: size, osPtr: addr, tag: tag, aligned: true, guarded: guarded})
	return addr, true
}

func (l *largeRegistry) insert(addr uintptr, rec *largeRecord) {
	l.mu.Lock()
	l.records[addr] = rec
	l.mu.Unlock()
	l.live.Add(int64(rec.size))
}

// Lookup returns the record for a user pointer, if this registry owns
// it.
func (l *largeRegistry) Lookup(ptr uintptr) (*largeRecord, bool) {
	l.mu.Lock()
	rec, ok := l.records[ptr]
	l.mu.Unlock()
	return rec, ok
}

// Free unmaps a large allocation (spec.md §4.F / §6 free_large).
func (l *largeRegistry) Free(ptr uintptr) bool {
	l.mu.Lock()
	rec, ok := l.records[ptr]
	if ok {
		delete(l.records, ptr)
	}
	l.mu.Unlock()
	if !ok {
		return false
	}
	if err := l.provider.Unmap(rec.osPtr, rec.size); err != nil {
		log.Warn("cell: large unmap failed", "ptr", ptr, "error", err)
	}
	l.live.Add(-int64(rec.size))
	return true
}

// Realloc implements spec.md §4.F's realloc path: allocate new, copy
// min(old, new), free old. There is no in-place remap-with-move since
// this module targets the portable mmap/VirtualAlloc surface, not a
// platform-specific remap syscall (spec.md §4.F explicitly allows
// either).
func (l *largeRegistry) Realloc(ptr uintptr, newSize uintptr, tag uint8) (uintptr, bool) {
	rec, ok := l.Lookup(ptr)
	if !ok {
		return 0, false
	}

	var newAddr uintptr
	var success bool
	if rec.aligned {
		newAddr, success = l.AllocAligned(newSize, largeThreshold, tag, rec.guarded)
	} else {
		newAddr, success = l.Alloc(newSize, tag, rec.hugeHint, rec.guarded)
	}
	if !success {
		return 0, false
	}

	n := rec.size
	if newSize < n {
		n = newSize
	}
	copyBytes(newAddr, ptr, n)
	l.Free(ptr)
	return newAddr, true
}

// LiveBytes returns the total size of every currently live large
// allocation.
func (l *largeRegistry) LiveBytes() uintptr { return uintptr(l.live.Load()) }

// Count returns the number of currently live large allocations.
func (l *largeRegistry) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// releaseAll unmaps every outstanding large allocation, used during
// context teardown.
func (l *largeRegistry) releaseAll() {
	l.mu.Lock()
	records := l.records
	l.records = make(map[uintptr]*largeRecord)
	l.mu.Unlock()
	for _, rec := range records {
		_ = l.provider.Unmap(rec.osPtr, rec.size)
	}
	l.live.Store(0)
}

func copyBytes(dst, src uintptr, n uintptr) {
	if n == 0 {
		return
	}
	copy(regionView(dst, n), regionView(src, n))
}
