package cell

import (
	"github.com/yndc/cell/internal/osmem"
)

// cellRegion owns the reserved address range the cell allocator carves
// into superblocks and cells. Addresses are always real OS addresses;
// cellBytes/viewAt are the only way package-internal code touches the
// underlying memory, matching hive/alloc treating h.Bytes() as the sole
// gateway to the mapped hive file.
type cellRegion struct {
	provider osmem.Provider
	base     uintptr
	size     uintptr // total reserved bytes
	numSuper uint32
}

func newCellRegion(p osmem.Provider, size uintptr) (*cellRegion, error) {
	size &^= superSize - 1
	if size == 0 {
		size = superSize
	}
	base, actual, err := p.Reserve(size)
	if err != nil {
		return nil, err
	}
	return &cellRegion{
		provider: p,
		base:     base,
		size:     actual,
		numSuper: uint32(actual / superSize),
	}, nil
}

func (r *cellRegion) release() error {
	return r.provider.Release(r.base, r.size)
}

// cellBytes returns a view of the cell at cellIdx.
func (r *cellRegion) cellBytes(cellIdx uint32) []byte {
	off := uintptr(cellIdx) * cellSize
	return regionView(r.base+off, cellSize)
}

// cellAddr returns the absolute address of the start of cellIdx.
func (r *cellRegion) cellAddr(cellIdx uint32) uintptr {
	return r.base + uintptr(cellIdx)*cellSize
}

// cellIndexForAddr returns the cell index owning an arbitrary address
// inside the region, by masking the low 14 bits (spec.md §8 property 8).
func (r *cellRegion) cellIndexForAddr(addr uintptr) (uint32, bool) {
	if addr < r.base || addr >= r.base+r.size {
		return 0, false
	}
	rel := addr - r.base
	return uint32(rel >> cellShift), true
}

// superBase returns the absolute address of superblock idx.
func (r *cellRegion) superBase(idx uint32) uintptr {
	return r.base + uintptr(idx)*superSize
}

func alignUpUintptr(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}
