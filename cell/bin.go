package cell

import "sync"

// warmReserveThreshold is the number of empty bin-mode cells a bin keeps
// on its partial list instead of returning to the cell allocator
// (spec.md §4.D "Warm reserve").
const warmReserveThreshold = 2

// refillTarget and binCacheCap bound the batch refill documented in
// spec.md §4.D step 2: refill up to refillTarget blocks per drain, never
// exceeding the thread cache's own capacity (binCacheCap).
const refillTarget = 16

// poisonByte is written over a freed block's payload in debug builds
// (spec.md §4.D step 1), skipping the first word used as the free-list
// link.
const poisonByte = 0xDD

// bin is the per-size-class state described in spec.md §4.D: head of
// the partial-cell list, warm-empty counter, allocation counters, and a
// lock protecting all of it.
type bin struct {
	mu          sync.Mutex
	class       int
	blockSize   uint32
	capacity    uint32 // blocks per cell
	partialHead uint32 // cell index, nilIndex = none

	warmEmpty int

	allocs uint64
	frees  uint64
}

// binAllocator is component D (spec.md §4.D).
type binAllocator struct {
	region *cellRegion
	cells  *cellAllocator
	bins   [numSizeClasses]bin
}

func newBinAllocator(region *cellRegion, cells *cellAllocator) *binAllocator {
	b := &binAllocator{region: region, cells: cells}
	for c := 0; c < numSizeClasses; c++ {
		sz := classSizes[c]
		b.bins[c] = bin{
			class:       c,
			blockSize:   sz,
			capacity:    uint32(cellPayloadSize) / sz,
			partialHead: nilIndex,
		}
	}
	return b
}

func isHotClass(class int) bool { return class < hotBinClasses }

// Alloc implements spec.md §4.D's allocation algorithm.
func (b *binAllocator) Alloc(threadID int, class int) (uintptr, bool) {
	bn := &b.bins[class]

	if isHotClass(class) {
		tc := b.cells.threads.get(threadID)
		if addr, ok := tc.popBlock(class); ok {
			return addr, true
		}
		if !b.refill(threadID, class, tc) {
			return 0, false
		}
		if addr, ok := tc.popBlock(class); ok {
			return addr, true
		}
		return 0, false
	}

	bn.mu.Lock()
	defer bn.mu.Unlock()
	return b.allocLocked(threadID, bn)
}

// allocLocked serves a single block from the bin's partial list,
// growing it with a fresh cell when empty. Used directly by cold
// classes, and by refill for hot classes.
func (b *binAllocator) allocLocked(threadID int, bn *bin) (uintptr, bool) {
	grew := false
	if bn.partialHead == nilIndex {
		if !b.growBin(threadID, bn) {
			return 0, false
		}
		grew = true
	}

	cellIdx := bn.partialHead
	cb := b.region.cellBytes(cellIdx)
	prevFree := cellFreeCount(cb)
	blockOff := cellFreeHead(cb)
	next := getU32(cb, int(blockOff))
	setCellFreeHead(cb, next)

	fc := prevFree - 1
	setCellFreeCount(cb, fc)
	bn.allocs++

	// A cell found on the partial list already at full capacity can only
	// be one retained by the warm-reserve policy in freeLocked; a freshly
	// grown cell also starts at capacity but was never counted there.
	if !grew && uint32(prevFree) == bn.capacity && bn.warmEmpty > 0 {
		bn.warmEmpty--
	}

	if fc == 0 {
		bn.partialHead = cellNextPartial(cb)
		setCellNextPartial(cb, nilIndex)
	}

	return b.region.cellAddr(cellIdx) + uintptr(blockOff), true
}

// growBin requests a fresh cell from the cell allocator and carves it
// into bn's free-list (spec.md §4.D "Initialisation of a fresh cell").
func (b *binAllocator) growBin(threadID int, bn *bin) bool {
	cellIdx, ok := b.cells.AllocCell(threadID)
	if !ok {
		return false
	}
	cb := b.region.cellBytes(cellIdx)
	writeCellHeader(cb, 0, uint8(bn.class))
	setCellFreeCount(cb, uint16(bn.capacity))

	// Thread in ascending address order.
	for i := uint32(0); i < bn.capacity; i++ {
		off := uint32(cellPayloadOffset) + i*bn.blockSize
		var next uint32
		if i == bn.capacity-1 {
			next = nilIndex
		} else {
			next = off + bn.blockSize
		}
		putU32(cb, int(off), next)
	}
	setCellFreeHead(cb, cellPayloadOffset)
	setCellNextPartial(cb, nilIndex)

	bn.partialHead = cellIdx
	return true
}

// refill performs the batch refill documented in spec.md §4.D step 2:
// under the bin lock, drain blocks from partial cells (one cell at a
// time, fully, before moving to the next) until the thread cache holds
// up to refillTarget blocks (never exceeding binCacheCap).
func (b *binAllocator) refill(threadID int, class int, tc *threadCache) bool {
	bn := &b.bins[class]
	bn.mu.Lock()
	defer bn.mu.Unlock()

	refilled := 0
	for refilled < refillTarget && tc.binCounts[class] < binCacheCap {
		grew := false
		if bn.partialHead == nilIndex {
			if !b.growBin(threadID, bn) {
				break
			}
			grew = true
		}
		cellIdx := bn.partialHead
		cb := b.region.cellBytes(cellIdx)

		drainedFromThisCell := false
		firstPop := true
		for tc.binCounts[class] < binCacheCap {
			head := cellFreeHead(cb)
			if head == nilIndex {
				break
			}
			prevFree := cellFreeCount(cb)
			next := getU32(cb, int(head))
			setCellFreeHead(cb, next)
			fc := prevFree - 1
			setCellFreeCount(cb, fc)

			if firstPop && !grew && uint32(prevFree) == bn.capacity && bn.warmEmpty > 0 {
				bn.warmEmpty--
			}
			firstPop = false

			tc.pushBlock(class, b.region.cellAddr(cellIdx)+uintptr(head))
			refilled++
			drainedFromThisCell = true

			if fc == 0 {
				bn.partialHead = cellNextPartial(cb)
				setCellNextPartial(cb, nilIndex)
				break
			}
			if refilled >= refillTarget {
				break
			}
		}
		if !drainedFromThisCell {
			break
		}
	}
	bn.allocs += uint64(refilled)
	return refilled > 0
}

// Free implements spec.md §4.D's free algorithm.
func (b *binAllocator) Free(threadID int, addr uintptr, class int) {
	cellIdx, off, ok := b.locate(addr)
	if !ok {
		log.Warn("cell: free of unowned bin pointer", "addr", addr)
		return
	}

	if debugEnabled {
		poisonBlock(b.region.cellBytes(cellIdx), off, b.bins[class].blockSize)
	}

	if isHotClass(class) {
		tc := b.cells.threads.get(threadID)
		if tc.pushBlock(class, addr) {
			return
		}
	}

	bn := &b.bins[class]
	bn.mu.Lock()
	defer bn.mu.Unlock()
	b.freeLocked(threadID, bn, cellIdx, off)
}

func (b *binAllocator) freeLocked(threadID int, bn *bin, cellIdx uint32, off uint32) {
	cb := b.region.cellBytes(cellIdx)
	wasFull := cellFreeCount(cb) == 0

	putU32(cb, int(off), cellFreeHead(cb))
	setCellFreeHead(cb, off)
	fc := cellFreeCount(cb) + 1
	setCellFreeCount(cb, fc)
	bn.frees++

	switch {
	case uint32(fc) == bn.capacity:
		// Cell became fully empty: apply warm-reserve policy.
		if bn.warmEmpty < warmReserveThreshold {
			bn.warmEmpty++
			if wasFull {
				b.prependPartial(bn, cb, cellIdx)
			}
			return
		}
		b.unlinkPartial(bn, cellIdx)
		b.cells.FreeCell(threadID, cellIdx)
	case wasFull:
		b.prependPartial(bn, cb, cellIdx)
	}
}

func (b *binAllocator) prependPartial(bn *bin, cb []byte, cellIdx uint32) {
	setCellNextPartial(cb, bn.partialHead)
	bn.partialHead = cellIdx
}

// unlinkPartial removes cellIdx from bn's singly-linked partial list by
// scanning from the head (spec.md §4.D step 4).
func (b *binAllocator) unlinkPartial(bn *bin, cellIdx uint32) {
	if bn.partialHead == cellIdx {
		bn.partialHead = cellNextPartial(b.region.cellBytes(cellIdx))
		return
	}
	prev := bn.partialHead
	for prev != nilIndex {
		prevBytes := b.region.cellBytes(prev)
		next := cellNextPartial(prevBytes)
		if next == cellIdx {
			setCellNextPartial(prevBytes, cellNextPartial(b.region.cellBytes(cellIdx)))
			return
		}
		prev = next
	}
}

// locate finds the owning cell and in-cell offset for an arbitrary
// bin-region address, by masking the low 14 bits (spec.md §8 property
// 8 / SPEC_FULL.md §3 provenance note).
func (b *binAllocator) locate(addr uintptr) (cellIdx uint32, inCellOff uint32, ok bool) {
	idx, ok := b.region.cellIndexForAddr(addr)
	if !ok {
		return 0, 0, false
	}
	off := uint32(addr - b.region.cellAddr(idx))
	return idx, off, true
}

func poisonBlock(cb []byte, off uint32, size uint32) {
	if size <= 4 {
		return
	}
	for i := off + 4; i < off+size; i++ {
		cb[i] = poisonByte
	}
}

// flushThreadBinCaches implements spec.md §4.D "Thread exit": walk
// each thread's bin caches, fold each cached block back into its
// owning cell via the locked path.
func (b *binAllocator) flushThreadBinCaches(threadID int) {
	tc := b.cells.threads.get(threadID)
	for class := 0; class < hotBinClasses; class++ {
		bn := &b.bins[class]
		bn.mu.Lock()
		for {
			addr, ok := tc.popBlock(class)
			if !ok {
				break
			}
			cellIdx, off, ok := b.locate(addr)
			if !ok {
				continue
			}
			b.freeLocked(threadID, bn, cellIdx, off)
		}
		bn.mu.Unlock()
	}
}
