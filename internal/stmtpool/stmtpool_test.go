package stmtpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindSkipsUnusedAndInvalid(t *testing.T) {
	p := NewPool(4)
	_, ok := p.Find("SELECT 1", "u", ProtoV2Current)
	assert.False(t, ok)

	s, err := p.NewPrepared("SELECT 1", "u", ProtoV2Current, 1, 1)
	require.NoError(t, err)
	p.Invalidate(s)

	_, ok = p.Find("SELECT 1", "u", ProtoV2Current)
	assert.False(t, ok, "an Invalid entry must not be returned by Find")
}

func TestPrepareCoalescing(t *testing.T) {
	// S2: two contexts concurrently submit the identical statement; the
	// second finds the in-progress entry and parks on its wait-queue;
	// AddSrvHID wakes it exactly once, without a second CAS round-trip
	// being modeled here (that's the Dispatcher's job — this test only
	// covers the pool's coalescing contract).
	p := NewPool(4)

	a, err := p.NewPrepared("SELECT * FROM t WHERE k=?", "u", ProtoV2Current, 1, 1)
	require.NoError(t, err)
	p.Pin(a)
	assert.Equal(t, StatusInProgress, a.Status)

	found, ok := p.Find("SELECT * FROM t WHERE k=?", "u", ProtoV2Current)
	require.True(t, ok)
	assert.Same(t, a, found)

	found.WaitQ.Insert(2, 1, time.Now().Add(time.Second))
	assert.Equal(t, 1, found.WaitQ.Len())

	woken := p.AddSrvHID(a, 0, 0, 42)
	require.Len(t, woken, 1)
	assert.Equal(t, 2, woken[0].Cid)
	assert.Equal(t, StatusComplete, a.Status)
	assert.True(t, a.WaitQ.Empty())

	srvID, ok := a.SrvHID(0, 0)
	require.True(t, ok)
	assert.Equal(t, int32(42), srvID)
}

func TestInvalidationOnStmtPooling(t *testing.T) {
	// S6: CAS_ER_STMT_POOLING invalidates the statement; its per-(shard,cas)
	// entry clears; it is only actually freed once every pin drops.
	p := NewPool(4)
	s, err := p.NewPrepared("SELECT 1", "u", ProtoV2Current, 1, 1)
	require.NoError(t, err)
	p.AddSrvHID(s, 0, 0, 7)
	p.Pin(s) // context A
	p.Pin(s) // context B

	p.Invalidate(s)
	s.InvalidateCas(0, 0)

	_, ok := s.SrvHID(0, 0)
	assert.False(t, ok)

	_, ok = p.Find("SELECT 1", "u", ProtoV2Current)
	assert.False(t, ok, "Invalid entries are not returned to new lookups")

	p.Unpin(s) // A drops
	assert.Equal(t, 1, s.PinCount())

	p.Unpin(s) // B drops, last pin — entry is freed
	_, stillThere := p.Resolve(s.StmtHID)
	assert.False(t, stillThere)
}

func TestPinUnpinLRUMembership(t *testing.T) {
	p := NewPool(4)
	s, err := p.NewPrepared("SELECT 1", "u", ProtoV2Current, 1, 1)
	require.NoError(t, err)
	assert.Nil(t, s.lruElem, "a freshly-created in-progress entry is not yet LRU resident")

	p.AddSrvHID(s, 0, 0, 1)
	p.Unpin(s)
	assert.NotNil(t, s.lruElem, "unpinning a Complete entry places it on the LRU")

	p.Pin(s)
	assert.Nil(t, s.lruElem, "pinning removes it from the LRU")
}

func TestInvalidateCasSlotClearsEveryStatement(t *testing.T) {
	// S5: a CAS disconnect invalidates the (shard,cas) entry on every
	// live statement in the pool, not just the statement the disconnected
	// request happened to be using.
	p := NewPool(4)
	a, err := p.NewPrepared("SELECT 1", "u", ProtoV2Current, 1, 1)
	require.NoError(t, err)
	p.AddSrvHID(a, 0, 0, 7)
	p.AddSrvHID(a, 0, 1, 8)

	b, err := p.NewPrepared("SELECT 2", "u", ProtoV2Current, 2, 1)
	require.NoError(t, err)
	p.AddSrvHID(b, 0, 0, 9)

	p.InvalidateCasSlot(0, 0)

	_, ok := a.SrvHID(0, 0)
	assert.False(t, ok, "a's (0,0) entry must be cleared")
	srvID, ok := a.SrvHID(0, 1)
	require.True(t, ok, "a's (0,1) entry is for a different cas and must survive")
	assert.EqualValues(t, 8, srvID)

	_, ok = b.SrvHID(0, 0)
	assert.False(t, ok, "b's (0,0) entry must be cleared too, even though b is a different statement")

	assert.Equal(t, StatusComplete, a.Status, "InvalidateCasSlot must not mark the statement itself Invalid")
}

func TestEvictionRequiresZeroPins(t *testing.T) {
	p := NewPool(1)
	s, err := p.NewPrepared("SELECT 1", "u", ProtoV2Current, 1, 1)
	require.NoError(t, err)
	p.AddSrvHID(s, 0, 0, 1)
	p.Pin(s)

	_, err = p.NewPrepared("SELECT 2", "u", ProtoV2Current, 2, 1)
	assert.Error(t, err, "cache is full and its only entry is pinned: NewPrepared must fail rather than evict it")
}
