package cell

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yndc/cell/internal/osmem"
)

func newTestBuddy(t *testing.T, size uintptr) *buddyAllocator {
	t.Helper()
	p := osmem.New()
	b, err := newBuddyAllocator(p, size)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.release() })
	return b
}

func TestBuddy_AllocReturnsAlignedUserPointer(t *testing.T) {
	b := newTestBuddy(t, 8<<20)

	addr, ok := b.Alloc(buddyMinSize - buddyHeaderLen)
	require.True(t, ok)
	assert.Zero(t, addr%8)
}

func TestBuddy_AllocTooLargeFails(t *testing.T) {
	b := newTestBuddy(t, 8<<20)
	_, ok := b.Alloc(buddyMaxSize + 1)
	assert.False(t, ok)
}

func TestBuddy_FreeThenReallocReusesSpace(t *testing.T) {
	b := newTestBuddy(t, 8<<20)

	addr1, ok := b.Alloc(buddyMinSize - buddyHeaderLen)
	require.True(t, ok)
	b.Free(addr1)

	addr2, ok := b.Alloc(buddyMinSize - buddyHeaderLen)
	require.True(t, ok)
	assert.Equal(t, addr1, addr2, "freed block should be reused by the next same-size alloc")
}

func TestBuddy_SplitProducesUsableBuddies(t *testing.T) {
	b := newTestBuddy(t, 8<<20)

	// Request the minimum order; this forces the allocator to commit
	// and split down from order 21.
	var addrs []uintptr
	for i := 0; i < 4; i++ {
		addr, ok := b.Alloc(buddyMinSize - buddyHeaderLen)
		require.True(t, ok, "alloc %d should succeed", i)
		addrs = append(addrs, addr)
	}
	seen := make(map[uintptr]bool)
	for _, a := range addrs {
		assert.False(t, seen[a], "split buddies must be distinct")
		seen[a] = true
	}
	for _, a := range addrs {
		b.Free(a)
	}
}

func TestBuddy_CoalescesOnFree(t *testing.T) {
	b := newTestBuddy(t, 8<<20)

	a1, ok := b.Alloc(buddyMinSize - buddyHeaderLen)
	require.True(t, ok)
	a2, ok := b.Alloc(buddyMinSize - buddyHeaderLen)
	require.True(t, ok)

	b.Free(a1)
	b.Free(a2)

	// After freeing both buddies, a request for the full coalesced span
	// should succeed without requiring a fresh commit of additional
	// superblocks (committedBytes stays put).
	before := b.committedBytes()
	a3, ok := b.Alloc(2*buddyMinSize - buddyHeaderLen)
	require.True(t, ok)
	assert.Equal(t, before, b.committedBytes(), "coalesced span should satisfy the request without new commit")
	b.Free(a3)
}

func TestBuddy_OwnsAddrOnlyWithinCommittedSpan(t *testing.T) {
	b := newTestBuddy(t, 8<<20)
	addr, ok := b.Alloc(buddyMinSize - buddyHeaderLen)
	require.True(t, ok)
	assert.True(t, b.ownsAddr(addr))
	assert.False(t, b.ownsAddr(b.base+b.size+1))
}

func TestOrderForSize_RoundsUpToNearestOrder(t *testing.T) {
	assert.Equal(t, buddyMinOrder, orderForSize(1))
	assert.Equal(t, buddyMinOrder, orderForSize(buddyMinSize-buddyHeaderLen))
	assert.Equal(t, buddyMinOrder+1, orderForSize(buddyMinSize-buddyHeaderLen+1))
}
