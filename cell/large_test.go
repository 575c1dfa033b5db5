package cell

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yndc/cell/internal/osmem"
)

func newTestLargeRegistry(t *testing.T) *largeRegistry {
	t.Helper()
	return newLargeRegistry(osmem.New())
}

func TestLarge_AllocFree(t *testing.T) {
	l := newTestLargeRegistry(t)

	addr, ok := l.Alloc(1<<20, 1, false, false)
	require.True(t, ok)
	assert.Equal(t, 1, l.Count())
	assert.Equal(t, uintptr(1<<20), l.LiveBytes())

	assert.True(t, l.Free(addr))
	assert.Equal(t, 0, l.Count())
	assert.Zero(t, l.LiveBytes())
}

func TestLarge_LookupUnknownFails(t *testing.T) {
	l := newTestLargeRegistry(t)
	_, ok := l.Lookup(0xdeadbeef)
	assert.False(t, ok)
}

func TestLarge_FreeUnknownReturnsFalse(t *testing.T) {
	l := newTestLargeRegistry(t)
	assert.False(t, l.Free(0xdeadbeef))
}

func TestLarge_GuardedFlagRoundTrips(t *testing.T) {
	l := newTestLargeRegistry(t)

	addr, ok := l.Alloc(4096, 1, false, true)
	require.True(t, ok)
	rec, ok := l.Lookup(addr)
	require.True(t, ok)
	assert.True(t, rec.guarded)
	l.Free(addr)

	addr2, ok := l.Alloc(4096, 1, false, false)
	require.True(t, ok)
	rec2, ok := l.Lookup(addr2)
	require.True(t, ok)
	assert.False(t, rec2.guarded)
	l.Free(addr2)
}

func TestLarge_AllocAligned(t *testing.T) {
	l := newTestLargeRegistry(t)

	addr, ok := l.AllocAligned(4096, 65536, 1, false)
	require.True(t, ok)
	assert.Zero(t, addr%65536)
	l.Free(addr)
}

func TestLarge_ReallocPreservesGuardedFlagAndContents(t *testing.T) {
	l := newTestLargeRegistry(t)

	addr, ok := l.Alloc(4096, 7, false, true)
	require.True(t, ok)
	buf := regionView(addr, 4096)
	for i := range buf {
		buf[i] = byte(i)
	}

	newAddr, ok := l.Realloc(addr, 8192, 7)
	require.True(t, ok)

	rec, ok := l.Lookup(newAddr)
	require.True(t, ok)
	assert.True(t, rec.guarded, "Realloc should preserve the guarded flag from the original record")
	assert.Equal(t, uint8(7), rec.tag)

	newBuf := regionView(newAddr, 4096)
	for i := range newBuf {
		assert.Equal(t, byte(i), newBuf[i], "byte %d should be preserved across realloc", i)
	}
	l.Free(newAddr)
}

func TestLarge_ReallocOfUnknownPointerFails(t *testing.T) {
	l := newTestLargeRegistry(t)
	_, ok := l.Realloc(0xdeadbeef, 4096, 1)
	assert.False(t, ok)
}

func TestLarge_ReleaseAllUnmapsEverything(t *testing.T) {
	l := newTestLargeRegistry(t)

	for i := 0; i < 4; i++ {
		_, ok := l.Alloc(4096, uint8(i), false, false)
		require.True(t, ok)
	}
	require.Equal(t, 4, l.Count())

	l.releaseAll()
	assert.Equal(t, 0, l.Count())
	assert.Zero(t, l.LiveBytes())
}
