package cell

import (
	"sync"

	"github.com/yndc/cell/internal/osmem"
)

// noAddr is the "empty list" / "no buddy" sentinel for the buddy
// allocator's address-valued fields.
const noAddr = ^uintptr(0)

// buddyAllocator is component E (spec.md §4.E): power-of-two free lists
// over a dedicated reserved region, orders buddyMinOrder..buddyMaxOrder.
//
// Free blocks are threaded into per-order doubly-linked lists using
// their own first 16 bytes as (prev, next) absolute addresses — the
// same "reuse payload bytes as an in-place node" technique
// hive/alloc/fastalloc.go uses for freeCell structs, except here the
// node lives inside the block itself rather than in an auxiliary Go
// struct, since blocks must remain addressable purely by offset once
// handed back to the OS at context teardown.
type buddyAllocator struct {
	provider osmem.Provider
	base     uintptr
	size     uintptr
	committed uintptr

	mu        sync.Mutex
	freeHead  [buddyMaxOrder + 1]uintptr // order -> head address, noAddr = empty
}

func newBuddyAllocator(p osmem.Provider, size uintptr) (*buddyAllocator, error) {
	size &^= buddySuperSize - 1
	if size == 0 {
		size = buddySuperSize
	}
	base, actual, err := p.Reserve(size)
	if err != nil {
		return nil, err
	}
	b := &buddyAllocator{provider: p, base: base, size: actual}
	for i := range b.freeHead {
		b.freeHead[i] = noAddr
	}
	return b, nil
}

func (b *buddyAllocator) release() error {
	return b.provider.Release(b.base, b.size)
}

func orderForSize(size uintptr) int {
	need := size + buddyHeaderLen
	order := buddyMinOrder
	for (uintptr(1) << order) < need {
		order++
	}
	return order
}

// Alloc implements spec.md §4.E's allocation algorithm.
func (b *buddyAllocator) Alloc(size uintptr) (uintptr, bool) {
	order := orderForSize(size)
	if order > buddyMaxOrder {
		return 0, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		found := order
		for found <= buddyMaxOrder && b.freeHead[found] == noAddr {
			found++
		}
		if found > buddyMaxOrder {
			if !b.commitMoreLocked() {
				return 0, false
			}
			continue
		}

		addr := b.popFreeLocked(found)
		for found > order {
			found--
			half := uintptr(1) << found
			buddyAddr := addr + half
			b.pushFreeLocked(found, buddyAddr)
		}

		b.writeOrder(addr, order)
		return addr + buddyHeaderLen, true
	}
}

// Free implements spec.md §4.E's free algorithm, including buddy
// coalescing up to order 21.
func (b *buddyAllocator) Free(userPtr uintptr) {
	addr := userPtr - buddyHeaderLen
	order := b.readOrder(addr)

	b.mu.Lock()
	defer b.mu.Unlock()

	for order < buddyMaxOrder {
		buddyAddr := b.base + ((addr - b.base) ^ (uintptr(1) << order))
		if buddyAddr < b.base || buddyAddr >= b.base+b.committed {
			break
		}
		if !b.removeFreeLocked(order, buddyAddr) {
			break
		}
		if buddyAddr < addr {
			addr = buddyAddr
		}
		order++
	}
	b.pushFreeLocked(order, addr)
}

// commitMoreLocked commits one more buddySuperSize (2 MiB) span and
// adds it as a single order-21 free block (spec.md §4.E "If no order
// has a free block, commit one more 2 MiB superblock").
func (b *buddyAllocator) commitMoreLocked() bool {
	newEnd := b.committed + buddySuperSize
	if newEnd > b.size {
		return false
	}
	base := b.base + b.committed
	if err := b.provider.Commit(base, buddySuperSize); err != nil {
		log.Warn("cell: buddy commit failed", "error", err)
		return false
	}
	b.pushFreeLocked(buddyMaxOrder, base)
	b.committed = newEnd
	return true
}

func (b *buddyAllocator) writeOrder(addr uintptr, order int) {
	hdr := regionView(addr, buddyHeaderLen)
	hdr[0] = byte(order)
	for i := 1; i < buddyHeaderLen; i++ {
		hdr[i] = 0
	}
}

func (b *buddyAllocator) readOrder(addr uintptr) int {
	hdr := regionView(addr, 1)
	return int(hdr[0])
}

// Doubly-linked free-list node layout: prev at offset 0, next at offset
// 8 (both absolute addresses; noAddr = nil).
func (b *buddyAllocator) nodeView(addr uintptr) []byte { return regionView(addr, 16) }

func (b *buddyAllocator) setPrev(addr uintptr, v uintptr) { putUintptr(b.nodeView(addr), 0, v) }
func (b *buddyAllocator) setNext(addr uintptr, v uintptr) { putUintptr(b.nodeView(addr), 8, v) }
func (b *buddyAllocator) getPrev(addr uintptr) uintptr    { return getUintptr(b.nodeView(addr), 0) }
func (b *buddyAllocator) getNext(addr uintptr) uintptr    { return getUintptr(b.nodeView(addr), 8) }

func (b *buddyAllocator) pushFreeLocked(order int, addr uintptr) {
	head := b.freeHead[order]
	b.setPrev(addr, noAddr)
	b.setNext(addr, head)
	if head != noAddr {
		b.setPrev(head, addr)
	}
	b.freeHead[order] = addr
}

func (b *buddyAllocator) popFreeLocked(order int) uintptr {
	addr := b.freeHead[order]
	b.removeFreeLocked(order, addr)
	return addr
}

// removeFreeLocked unlinks addr from order's free list if present,
// implementing the "buddy is free" membership test as a linear scan
// (spec.md §4.E, permitted explicitly; see DESIGN.md Open Questions).
func (b *buddyAllocator) removeFreeLocked(order int, addr uintptr) bool {
	cur := b.freeHead[order]
	for cur != noAddr {
		if cur == addr {
			prev := b.getPrev(cur)
			next := b.getNext(cur)
			if prev != noAddr {
				b.setNext(prev, next)
			} else {
				b.freeHead[order] = next
			}
			if next != noAddr {
				b.setPrev(next, prev)
			}
			return true
		}
		cur = b.getNext(cur)
	}
	return false
}

// committedBytes reports bytes currently committed in the buddy region.
func (b *buddyAllocator) committedBytes() uintptr {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.committed
}

// ownsAddr reports whether addr (a user pointer) falls within the
// buddy region's committed span.
func (b *buddyAllocator) ownsAddr(addr uintptr) bool {
	return addr >= b.base+buddyHeaderLen && addr < b.base+b.committed
}
