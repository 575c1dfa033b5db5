package cell

import (
	"context"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContext(t *testing.T, cfg ContextConfig) *Context {
	t.Helper()
	if cfg.ReserveSize == 0 {
		cfg.ReserveSize = 64 << 20
	}
	ctx, err := NewContext(cfg)
	require.NoError(t, err, "NewContext should not error")
	t.Cleanup(func() { _ = ctx.Close() })
	return ctx
}

func TestContext_AllocFree_BinTier(t *testing.T) {
	ctx := newTestContext(t, ContextConfig{})

	p := ctx.AllocBytes(64, 1, 0)
	require.NotNil(t, p)
	ctx.FreeBytes(p)
}

func TestContext_AllocFree_BuddyTier(t *testing.T) {
	ctx := newTestContext(t, ContextConfig{})

	p := ctx.AllocBytes(subCellMax+1, 1, 0)
	require.NotNil(t, p)
	ctx.FreeBytes(p)
}

func TestContext_AllocFree_LargeTier(t *testing.T) {
	ctx := newTestContext(t, ContextConfig{})

	p := ctx.AllocBytes(buddyMaxSize+1, 1, 0)
	require.NotNil(t, p)
	ctx.FreeBytes(p)
}

func TestContext_AllocZeroReturnsNil(t *testing.T) {
	ctx := newTestContext(t, ContextConfig{})
	assert.Nil(t, ctx.AllocBytes(0, 1, 0))
}

func TestContext_FreeNilIsNoOp(t *testing.T) {
	ctx := newTestContext(t, ContextConfig{})
	assert.NotPanics(t, func() { ctx.FreeBytes(nil) })
}

func TestContext_ManyBinAllocationsDistinct(t *testing.T) {
	ctx := newTestContext(t, ContextConfig{})

	seen := make(map[uintptr]bool)
	var ptrs []unsafe.Pointer
	for i := 0; i < 5000; i++ {
		p := ctx.AllocBytes(48, 2, 0)
		require.NotNil(t, p, "alloc %d should succeed", i)
		addr := uintptr(p)
		require.False(t, seen[addr], "address reused while still live")
		seen[addr] = true
		ptrs = append(ptrs, p)
	}
	for _, p := range ptrs {
		ctx.FreeBytes(p)
	}
}

func TestContext_ReallocGrowsAndPreservesContents(t *testing.T) {
	ctx := newTestContext(t, ContextConfig{})

	p := ctx.AllocBytes(32, 1, 0)
	require.NotNil(t, p)
	buf := unsafe.Slice((*byte)(p), 32)
	for i := range buf {
		buf[i] = byte(i)
	}

	p2 := ctx.ReallocBytes(p, 256, 1)
	require.NotNil(t, p2)
	buf2 := unsafe.Slice((*byte)(p2), 32)
	for i := range buf2 {
		assert.Equal(t, byte(i), buf2[i], "byte %d should be preserved across realloc", i)
	}
	ctx.FreeBytes(p2)
}

func TestContext_ReallocAcrossTierTransition(t *testing.T) {
	ctx := newTestContext(t, ContextConfig{})

	// Starts in the bin tier, grows past subCellMax into the buddy tier.
	p := ctx.AllocBytes(64, 1, 0)
	require.NotNil(t, p)
	p2 := ctx.ReallocBytes(p, subCellMax+128, 1)
	require.NotNil(t, p2)
	ctx.FreeBytes(p2)
}

func TestContext_ReallocToZeroFrees(t *testing.T) {
	ctx := newTestContext(t, ContextConfig{})
	p := ctx.AllocBytes(64, 1, 0)
	require.NotNil(t, p)
	got := ctx.ReallocBytes(p, 0, 1)
	assert.Nil(t, got)
}

func TestContext_ReallocFromNilAllocates(t *testing.T) {
	ctx := newTestContext(t, ContextConfig{})
	p := ctx.ReallocBytes(nil, 64, 1)
	require.NotNil(t, p)
	ctx.FreeBytes(p)
}

func TestContext_AllocLarge_NeverAppliesGuard(t *testing.T) {
	ctx := newTestContext(t, ContextConfig{EnableGuards: true})

	p := ctx.AllocLarge(1<<20, 1, false)
	require.NotNil(t, p)
	// A pointer obtained via AllocLarge was never guarded; CheckGuards
	// must report true (nothing to check) rather than false-positive.
	assert.True(t, ctx.CheckGuards(p))
	ctx.FreeLarge(p)
}

func TestContext_GuardDetectsOverrun_BinTier(t *testing.T) {
	ctx := newTestContext(t, ContextConfig{EnableGuards: true})

	p := ctx.AllocBytes(16, 1, 0)
	require.NotNil(t, p)
	require.True(t, ctx.CheckGuards(p))

	addr := uintptr(p)
	need := guardedSize(16)
	class := classForSize(uint32(need))
	blockSize := uintptr(classSizes[class])
	guardOff := blockSize - guardOverhead

	buf := regionView(addr, blockSize)
	buf[guardOff] ^= 0xFF // corrupt one byte of the canary

	assert.False(t, ctx.CheckGuards(p))
	assert.Panics(t, func() { ctx.FreeBytes(p) })
}

func TestContext_AllocAligned_LargeAlignmentRoutesToLarge(t *testing.T) {
	ctx := newTestContext(t, ContextConfig{})

	p := ctx.AllocAligned(64, 4096, 1)
	require.NotNil(t, p)
	assert.Zero(t, uintptr(p)%4096)
	ctx.FreeBytes(p)
}

func TestContext_AllocAligned_SmallAlignmentDelegatesToBin(t *testing.T) {
	ctx := newTestContext(t, ContextConfig{})

	p := ctx.AllocAligned(32, 8, 1)
	require.NotNil(t, p)
	assert.Zero(t, uintptr(p)%8)
	ctx.FreeBytes(p)
}

func TestContext_AllocBatch_PartialOnExhaustion(t *testing.T) {
	ctx := newTestContext(t, ContextConfig{ReserveSize: 4 << 20})

	out := make([]unsafe.Pointer, 1<<20)
	n := ctx.AllocBatch(buddyMaxSize, out, 1)
	assert.Less(t, n, len(out), "batch should stop short once the context is exhausted")
	ctx.FreeBatch(out[:n])
}

func TestContext_StatsTrackAllocsAndFrees(t *testing.T) {
	ctx := newTestContext(t, ContextConfig{EnableStats: true})

	p := ctx.AllocBytes(64, 3, 0)
	require.NotNil(t, p)

	st := ctx.GetStats()
	assert.Equal(t, uint64(1), st.BinAllocs)
	assert.Greater(t, st.CurrentBytes, uint64(0))

	ctx.FreeBytes(p)
	st = ctx.GetStats()
	assert.Equal(t, uint64(1), st.BinFrees)
	assert.Zero(t, st.CurrentBytes)
}

func TestContext_LeakTrackingReportsLiveAllocations(t *testing.T) {
	ctx := newTestContext(t, ContextConfig{EnableLeakTracking: true})

	p := ctx.AllocBytes(64, 5, 0)
	require.NotNil(t, p)

	leaks := ctx.ReportLeaks()
	require.Len(t, leaks, 1)
	assert.Equal(t, uint8(5), leaks[0].Tag)

	ctx.FreeBytes(p)
	assert.Empty(t, ctx.ReportLeaks())
}

func TestContext_BudgetRejectsOverBudgetAllocation(t *testing.T) {
	var called bool
	ctx := newTestContext(t, ContextConfig{EnableBudget: true, MemoryBudget: 128})
	ctx.SetBudgetCallback(func(attempted, used, limit uintptr) { called = true })

	p := ctx.AllocBytes(1024, 1, 0)
	assert.Nil(t, p, "allocation exceeding budget should fail")
	assert.True(t, called, "budget callback should fire")
}

func TestContext_AllocCallbackFiresOnAllocAndFree(t *testing.T) {
	ctx := newTestContext(t, ContextConfig{})
	var allocs, frees int
	ctx.SetAllocCallback(func(ptr uintptr, size uintptr, tag uint8, freed bool) {
		if freed {
			frees++
		} else {
			allocs++
		}
	})

	p := ctx.AllocBytes(64, 1, 0)
	require.NotNil(t, p)
	ctx.FreeBytes(p)

	assert.Equal(t, 1, allocs)
	assert.Equal(t, 1, frees)
}

func TestContext_AllocCellFreeCell(t *testing.T) {
	ctx := newTestContext(t, ContextConfig{})

	p := ctx.AllocCell(1)
	require.NotNil(t, p)
	ctx.FreeCell(p)
}

func TestContext_FreeBytesRoutesWholeCell(t *testing.T) {
	ctx := newTestContext(t, ContextConfig{})

	p := ctx.AllocCell(1)
	require.NotNil(t, p)
	// FreeBytes must also be able to route a whole-mode cell pointer.
	ctx.FreeBytes(p)
}

func TestContext_DecommitUnusedRespectsCancellation(t *testing.T) {
	ctx := newTestContext(t, ContextConfig{})

	cctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ctx.DecommitUnused(cctx)
	assert.Error(t, err)
}

func TestContext_CloseIsIdempotentError(t *testing.T) {
	ctx, err := NewContext(ContextConfig{ReserveSize: 16 << 20})
	require.NoError(t, err)
	require.NoError(t, ctx.Close())
	assert.ErrorIs(t, ctx.Close(), ErrClosed)
}

func TestContext_FreeUnownedPointerIsSilentNoOp(t *testing.T) {
	ctx := newTestContext(t, ContextConfig{})
	var x int
	assert.NotPanics(t, func() { ctx.FreeBytes(unsafe.Pointer(&x)) })
}

func TestContext_ResetStatsZeroesCounters(t *testing.T) {
	ctx := newTestContext(t, ContextConfig{})
	p := ctx.AllocBytes(64, 1, 0)
	require.NotNil(t, p)
	ctx.FreeBytes(p)

	ctx.ResetStats()
	st := ctx.GetStats()
	assert.Zero(t, st.BinAllocs)
	assert.Zero(t, st.BinFrees)
}
