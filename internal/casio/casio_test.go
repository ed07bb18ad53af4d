package casio

import (
	"testing"
	"time"

	"github.com/cubrid/shardproxy/internal/fncode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectAll(t *Table) {
	for _, s := range t.shards {
		for i := range s.Cas {
			s.Cas[i].Status = StatusConnected
		}
	}
}

func TestAllocSpecificShard(t *testing.T) {
	tbl := NewTable(2, 4)
	connectAll(tbl)

	c, res, err := tbl.AllocByCtx(AllocRequest{
		ShardID: 1, CasID: -1, CtxCid: 1, CtxUid: 1, FuncCode: fncode.FnPrepare,
		Timeout: time.Second,
	}, time.Now())
	require.NoError(t, err)
	require.Equal(t, AllocOK, res)
	assert.Equal(t, 1, c.ShardID)
	assert.True(t, c.IsInTran)
}

func TestTransactionAffinity(t *testing.T) {
	// S3: once in-tran on (0,3), subsequent Execute must reuse exactly
	// that slot even though other CAS in the shard are idle.
	tbl := NewTable(1, 4)
	connectAll(tbl)

	shard, _ := tbl.Shard(0)
	shard.Cas[3].IsInTran = true
	shard.Cas[3].OwnerCid = 7
	shard.Cas[3].OwnerUid = 1
	shard.NumCasInTran = 1

	c, res, err := tbl.AllocByCtx(AllocRequest{
		ShardID: -1, CasID: -1, CtxCid: 7, CtxUid: 1, FuncCode: fncode.FnExecute,
		Timeout: time.Second, AlreadyInTran: true, CurShardID: 0, CurCasID: 3,
	}, time.Now())
	require.NoError(t, err)
	require.Equal(t, AllocOK, res)
	assert.Equal(t, 3, c.CasID)
}

func TestStarvationEnqueuesAndReleaseWakesOldest(t *testing.T) {
	// S4-style: a single CAS, already in tran; a second context must
	// park on the shard wait-queue rather than erroring immediately.
	tbl := NewTable(1, 1)
	connectAll(tbl)
	shard, _ := tbl.Shard(0)
	shard.Cas[0].IsInTran = true
	shard.Cas[0].OwnerCid = 1
	shard.Cas[0].OwnerUid = 1
	shard.NumCasInTran = 1

	now := time.Now()
	_, res, err := tbl.AllocByCtx(AllocRequest{
		ShardID: 0, CasID: -1, CtxCid: 2, CtxUid: 1, FuncCode: fncode.FnPrepare,
		Timeout: time.Second,
	}, now)
	require.NoError(t, err)
	assert.Equal(t, AllocTemporarilyUnavailable, res)
	assert.Equal(t, 1, shard.WaitQ.Len())

	entry, err := tbl.ReleaseByCtx(0, 0)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 2, entry.Cid)
	assert.Equal(t, 0, shard.WaitQ.Len())
	assert.False(t, shard.Cas[0].IsInTran)
	assert.Equal(t, 0, shard.NumCasInTran)
}

func TestCheckCasPrefersHighIndex(t *testing.T) {
	tbl := NewTable(1, 3)
	connectAll(tbl)
	c, res, err := tbl.AllocByCtx(AllocRequest{
		ShardID: 0, CasID: -1, CtxCid: 1, CtxUid: 1, FuncCode: fncode.FnCheckCas,
		Timeout: time.Second,
	}, time.Now())
	require.NoError(t, err)
	require.Equal(t, AllocOK, res)
	assert.Equal(t, 2, c.CasID)
}

func TestSameCredentialsPreferred(t *testing.T) {
	tbl := NewTable(1, 2)
	connectAll(tbl)
	shard, _ := tbl.Shard(0)
	shard.Cas[1].DBUser = "alice"

	c, res, err := tbl.AllocByCtx(AllocRequest{
		ShardID: 0, CasID: -1, CtxCid: 1, CtxUid: 1, FuncCode: fncode.FnExecute,
		Timeout: time.Second, DBUser: "alice",
	}, time.Now())
	require.NoError(t, err)
	require.Equal(t, AllocOK, res)
	assert.Equal(t, 1, c.CasID)
}

func TestShardInvariantHolds(t *testing.T) {
	tbl := NewTable(1, 2)
	connectAll(tbl)
	shard, _ := tbl.Shard(0)
	assert.NoError(t, shard.checkInvariant())
}

func TestDrainingShardSkippedByNoPreferenceAlloc(t *testing.T) {
	tbl := NewTable(2, 2)
	connectAll(tbl)
	require.NoError(t, tbl.SetDraining(0, true))

	for i := 0; i < 2; i++ {
		c, res, err := tbl.AllocByCtx(AllocRequest{
			ShardID: -1, CasID: -1, CtxCid: i, CtxUid: 1, FuncCode: fncode.FnPrepare,
			Timeout: time.Second,
		}, time.Now())
		require.NoError(t, err)
		require.Equal(t, AllocOK, res)
		assert.Equal(t, 1, c.ShardID, "draining shard 0 must never be picked without an explicit preference")
	}
}

func TestDrainingShardStillHonorsExplicitSelection(t *testing.T) {
	tbl := NewTable(2, 2)
	connectAll(tbl)
	require.NoError(t, tbl.SetDraining(0, true))

	c, res, err := tbl.AllocByCtx(AllocRequest{
		ShardID: 0, CasID: -1, CtxCid: 1, CtxUid: 1, FuncCode: fncode.FnPrepare,
		Timeout: time.Second,
	}, time.Now())
	require.NoError(t, err)
	require.Equal(t, AllocOK, res)
	assert.Equal(t, 0, c.ShardID)
}

func TestSetDrainingUnknownShard(t *testing.T) {
	tbl := NewTable(1, 2)
	assert.Error(t, tbl.SetDraining(5, true))
}

func TestMarkDisconnectedReportsOwnerAndClearsSlot(t *testing.T) {
	// S5: a CAS disconnect while a context's request is in flight on it
	// must report that context back to the caller so its request can be
	// requeued elsewhere, and the slot itself must land in CloseWait.
	tbl := NewTable(1, 1)
	connectAll(tbl)
	shard, _ := tbl.Shard(0)
	shard.Cas[0].IsInTran = true
	shard.Cas[0].OwnerCid = 5
	shard.Cas[0].OwnerUid = 2
	shard.NumCasInTran = 1

	cid, uid, wasOwned := tbl.MarkDisconnected(0, 0)
	assert.True(t, wasOwned)
	assert.Equal(t, 5, cid)
	assert.Equal(t, uint32(2), uid)
	assert.Equal(t, StatusCloseWait, shard.Cas[0].Status)
	assert.False(t, shard.Cas[0].IsInTran)
	assert.Equal(t, 0, shard.NumCasInTran)
}

func TestMarkDisconnectedIdleSlotReportsNoOwner(t *testing.T) {
	tbl := NewTable(1, 1)
	connectAll(tbl)

	_, _, wasOwned := tbl.MarkDisconnected(0, 0)
	assert.False(t, wasOwned)
	shard, _ := tbl.Shard(0)
	assert.Equal(t, StatusCloseWait, shard.Cas[0].Status)
}
