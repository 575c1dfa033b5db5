package cell

import (
	"sync"
	"sync/atomic"
)

// superblockState is one of {uncommitted, inUse, free, decommitted},
// spec.md §3. Stored as an atomic.Uint32; per spec.md §5 these
// transitions are "advisory for decommit policy, not synchronisation
// primitives" — correctness rests on cellAllocator.decommitMu.
type superblockState uint32

const (
	superUncommitted superblockState = iota
	superInUse
	superFree
	superDecommitted
)

// superblock tracks the lifecycle of one 2 MiB span of cellsPerSuper
// cells (spec.md §3).
type superblock struct {
	state     atomic.Uint32 // superblockState
	freeCells atomic.Uint32 // count of this superblock's cells currently free
}

func (s *superblock) load() superblockState  { return superblockState(s.state.Load()) }
func (s *superblock) store(v superblockState) { s.state.Store(uint32(v)) }

// cellAllocator is component C (spec.md §4.C): superblock lifecycle,
// the lock-free global cell stack, and the thread-local cell cache
// consulted before it (component B, folded in here because spec.md's
// own allocation algorithm for alloc_cell() starts with "If the
// thread's cell cache is non-empty, pop").
type cellAllocator struct {
	region *cellRegion
	supers []superblock

	// stackHead is a Treiber stack over cell indices; a free cell's
	// first four bytes hold the next link (spec.md §3 "next pointer at
	// its first word", generalized to an index per SPEC_FULL.md §3's
	// provenance note).
	stackHead atomic.Uint32

	// commitHWM is the index of the next never-yet-committed
	// superblock, claimed by CAS (spec.md §4.C "claim the next
	// uncommitted superblock by CAS on the commit high-water mark").
	commitHWM atomic.Uint32

	// decommitMu serializes decommit against every pop path, the
	// "simplest correct implementation" spec.md §4.C and §9 both call
	// out explicitly. AllocCell/FreeCell take the read side, so ordinary
	// alloc/free traffic runs concurrently; DecommitUnused takes the
	// write side, so its scan never races a pop out of a superblock it
	// is about to decommit.
	decommitMu sync.RWMutex

	// recommitMu guards the scan-for-a-decommitted-superblock slow
	// path, which must not race two threads into recommitting the same
	// superblock twice.
	recommitMu sync.Mutex

	committedSupers atomic.Uint32

	threads *threadCacheTable
}

func newCellAllocator(region *cellRegion) *cellAllocator {
	c := &cellAllocator{
		region:  region,
		supers:  make([]superblock, region.numSuper),
		threads: newThreadCacheTable(),
	}
	c.stackHead.Store(nilIndex)
	return c
}

// AllocCell implements spec.md §4.C's allocation path in full: thread
// cache, then global stack, then commit a fresh superblock, then scan
// for a decommitted superblock to recommit.
func (c *cellAllocator) AllocCell(threadID int) (uint32, bool) {
	c.decommitMu.RLock()
	defer c.decommitMu.RUnlock()

	tc := c.threads.get(threadID)
	if idx, ok := tc.popCell(); ok {
		c.onCellAllocated(idx)
		return idx, true
	}
	if idx, ok := c.popGlobal(); ok {
		c.onCellAllocated(idx)
		return idx, true
	}
	if idx, ok := c.commitNextSuperblock(); ok {
		return idx, true
	}
	if idx, ok := c.recommitDecommitted(); ok {
		return idx, true
	}
	return 0, false
}

// onCellAllocated accounts for a cell handed out via an existing free
// cell (thread-cache pop or global-stack pop), mirroring the Add(1) on
// free. commitNextSuperblock/recommitDecommitted do not call this: they
// already initialise freeCells to cellsPerSuper-1 to account for the
// one cell they hand out immediately. If this decrement is the one that
// takes the superblock from fully-free back to having a live cell, the
// superblock's state reverts to superInUse so DecommitUnused does not
// decommit pages still backing a live allocation.
func (c *cellAllocator) onCellAllocated(idx uint32) {
	sb := &c.supers[superIndexOf(idx)]
	if n := sb.freeCells.Add(^uint32(0)); n == cellsPerSuper-1 {
		sb.store(superInUse)
	}
}

// FreeCell implements spec.md §4.C's free path: prefer the thread
// cache, fall back to the global stack, and update the owning
// superblock's free-count either way.
func (c *cellAllocator) FreeCell(threadID int, idx uint32) {
	c.decommitMu.RLock()
	defer c.decommitMu.RUnlock()

	sb := &c.supers[superIndexOf(idx)]
	tc := c.threads.get(threadID)
	if !tc.pushCell(idx) {
		c.pushGlobal(idx)
	}
	if n := sb.freeCells.Add(1); n == cellsPerSuper {
		sb.store(superFree)
	}
}

func (c *cellAllocator) popGlobal() (uint32, bool) {
	for {
		head := c.stackHead.Load()
		if head == nilIndex {
			return 0, false
		}
		next := getU32(c.region.cellBytes(head), 0)
		if c.stackHead.CompareAndSwap(head, next) {
			return head, true
		}
	}
}

func (c *cellAllocator) pushGlobal(idx uint32) {
	for {
		head := c.stackHead.Load()
		putU32(c.region.cellBytes(idx), 0, head)
		if c.stackHead.CompareAndSwap(head, idx) {
			return
		}
	}
}

// commitNextSuperblock claims the next never-touched superblock,
// commits its physical pages, carves it into cellsPerSuper cells,
// returns the first cell and pushes the remaining 127 onto the global
// stack (spec.md §4.C).
func (c *cellAllocator) commitNextSuperblock() (uint32, bool) {
	for {
		idx := c.commitHWM.Load()
		if idx >= uint32(len(c.supers)) {
			return 0, false
		}
		if c.commitHWM.CompareAndSwap(idx, idx+1) {
			return c.commitSuperblock(idx)
		}
	}
}

func (c *cellAllocator) commitSuperblock(idx uint32) (uint32, bool) {
	base := c.region.superBase(idx)
	if err := c.region.provider.Commit(base, superSize); err != nil {
		log.Warn("cell: commit superblock failed", "superblock", idx, "error", err)
		return 0, false
	}
	sb := &c.supers[idx]
	sb.store(superInUse)
	c.committedSupers.Add(1)

	first := idx * cellsPerSuper
	for i := uint32(1); i < cellsPerSuper; i++ {
		c.pushGlobal(first + i)
	}
	// One cell (first) is handed out immediately; the remaining 127
	// are free (spec.md §4.C: "initialise its per-superblock free-count
	// to 128 − 1").
	sb.freeCells.Store(cellsPerSuper - 1)
	return first, true
}

// recommitDecommitted scans for a superblock in the decommitted state
// and recommits it under recommitMu (spec.md §4.C: "scan for a
// decommitted one and recommit it under a mutex").
func (c *cellAllocator) recommitDecommitted() (uint32, bool) {
	c.recommitMu.Lock()
	defer c.recommitMu.Unlock()
	for i := range c.supers {
		sb := &c.supers[i]
		if sb.load() != superDecommitted {
			continue
		}
		base := c.region.superBase(uint32(i))
		if err := c.region.provider.Commit(base, superSize); err != nil {
			continue
		}
		sb.store(superInUse)
		c.committedSupers.Add(1)
		first := uint32(i) * cellsPerSuper
		for j := uint32(1); j < cellsPerSuper; j++ {
			c.pushGlobal(first + j)
		}
		sb.freeCells.Store(cellsPerSuper - 1)
		return first, true
	}
	return 0, false
}

// FlushThreadCache moves one thread's cached cells into the global
// stack (spec.md §4.C flush_thread_cache, called before thread exit).
func (c *cellAllocator) FlushThreadCache(threadID int) {
	tc := c.threads.get(threadID)
	for {
		idx, ok := tc.popCell()
		if !ok {
			return
		}
		c.pushGlobal(idx)
	}
}

// FlushAllThreadCaches drains every registered thread cache, used by
// DecommitUnused and context teardown.
func (c *cellAllocator) FlushAllThreadCaches() {
	for _, tc := range c.threads.all() {
		for {
			idx, ok := tc.popCell()
			if !ok {
				break
			}
			c.pushGlobal(idx)
		}
	}
}

// DecommitUnused decommits every superblock currently in the free
// state and returns the bytes released (spec.md §4.C). Thread caches
// are flushed into the global stack first; the write half of decommitMu
// then excludes every AllocCell/FreeCell (which hold the read half) for
// the duration of the scan, so no pop can run concurrently with it. That
// alone isn't enough: a free superblock has all of its cells sitting on
// the global stack, and those stack entries would otherwise survive the
// decommit and later be popped back out, handing callers a pointer into
// decommitted memory. So before scanning, the whole stack is drained
// into a scratch slice (spec.md §4.C "drain the stack into a scratch
// structure"); entries belonging to a superblock decommitted in this
// pass are dropped, and everything else is pushed back once the scan
// finishes.
func (c *cellAllocator) DecommitUnused() uintptr {
	c.FlushAllThreadCaches()
	c.decommitMu.Lock()
	defer c.decommitMu.Unlock()

	var scratch []uint32
	for {
		idx, ok := c.popGlobal()
		if !ok {
			break
		}
		scratch = append(scratch, idx)
	}

	var freed uintptr
	for i := range c.supers {
		sb := &c.supers[i]
		if sb.load() != superFree {
			continue
		}
		base := c.region.superBase(uint32(i))
		if err := c.region.provider.Decommit(base, superSize); err != nil {
			log.Warn("cell: decommit superblock failed", "superblock", i, "error", err)
			continue
		}
		sb.store(superDecommitted)
		c.committedSupers.Add(^uint32(0)) // -1
		freed += superSize
	}

	for _, idx := range scratch {
		if c.supers[superIndexOf(idx)].load() == superDecommitted {
			continue
		}
		c.pushGlobal(idx)
	}
	return freed
}

// CommittedBytes sums the size of every currently committed
// superblock (spec.md §4.C committed_bytes).
func (c *cellAllocator) CommittedBytes() uintptr {
	return uintptr(c.committedSupers.Load()) * superSize
}
