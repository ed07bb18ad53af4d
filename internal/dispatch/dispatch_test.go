package dispatch

import (
	"encoding/binary"
	"testing"
	"time"

	proxycontext "github.com/cubrid/shardproxy/internal/context"
	"github.com/cubrid/shardproxy/internal/casio"
	"github.com/cubrid/shardproxy/internal/clientio"
	"github.com/cubrid/shardproxy/internal/fncode"
	"github.com/cubrid/shardproxy/internal/proxyerr"
	"github.com/cubrid/shardproxy/internal/reactor"
	"github.com/cubrid/shardproxy/internal/stmtpool"
	"github.com/cubrid/shardproxy/internal/wire"
	"github.com/stretchr/testify/require"
)

func int32Bytes(v int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(v))
	return b
}

// harness wires up a Dispatcher over small in-memory tables, mirroring
// how proxyrt assembles one at startup but sized for tests.
type harness struct {
	d        *Dispatcher
	clients  *clientio.Pool
	contexts *proxycontext.Pool
	cas      *casio.Table
	stmts    *stmtpool.Pool
}

func newHarness(t *testing.T, numShards, maxCasPerShard int) *harness {
	h := &harness{
		clients:  clientio.NewPool(8),
		contexts: proxycontext.NewPool(8),
		cas:      casio.NewTable(numShards, maxCasPerShard),
		stmts:    stmtpool.NewPool(8),
	}
	for i := 0; i < numShards; i++ {
		shard, ok := h.cas.Shard(i)
		require.True(t, ok)
		for j := range shard.Cas {
			shard.Cas[j].Status = casio.StatusConnected
		}
	}
	h.d = New(Deps{
		Contexts:           h.contexts,
		Clients:            h.clients,
		Cas:                h.cas,
		Stmts:              h.stmts,
		Queues:             &reactor.Queues{},
		DefaultWaitTimeout: time.Second,
	})
	return h
}

// connect creates a Context+ClientIO pair the way accept-then-REGISTER
// would, and returns the ClientIO slot id.
func (h *harness) connect(t *testing.T) int {
	ctx, handle := h.contexts.New(0)
	require.NotEqual(t, 0, handle)
	client, err := h.clients.Bind(100+ctx.Cid, ctx.Cid, ctx.Uid)
	require.NoError(t, err)
	ctx.ClientID = client.ClientID
	return client.ClientID
}

func newFrame(fn fncode.Code, fields ...[]byte) *wire.Event {
	body := wire.EncodeArgv(fields...)
	total := wire.HeaderLen + 1 + len(body)
	data := make([]byte, total)
	wire.EncodeHeader(data, wire.Header{BodyLength: uint32(len(body)), FuncCode: byte(fn)})
	copy(data[wire.HeaderLen+1:], body)
	return &wire.Event{Kind: wire.EventClientRequest, Direction: wire.FromClient, Buf: &wire.Buffer{Data: data}}
}

func TestConnectDBRecordsCredentials(t *testing.T) {
	h := newHarness(t, 1, 2)
	clientID := h.connect(t)

	ev := newFrame(fncode.FnConnectDB, []byte("scott"), []byte("tiger"))
	ev.Addr.ClientID = clientID
	_, err := h.d.Dispatch(ev)
	require.NoError(t, err)

	client, _ := h.clients.ByClientID(clientID)
	ctx, ok := h.contexts.Resolve(client.CtxCid, client.CtxUid)
	require.True(t, ok)
	require.Equal(t, "scott", ctx.DBUser)
	require.Equal(t, "tiger", ctx.DBPasswd)
}

func TestCheckCasAllocatesAndReleases(t *testing.T) {
	h := newHarness(t, 1, 1)
	clientID := h.connect(t)

	ev := newFrame(fncode.FnCheckCas)
	ev.Addr.ClientID = clientID
	resp, err := h.d.Dispatch(ev)
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Equal(t, wire.FromCas, resp.Direction)

	client, _ := h.clients.ByClientID(clientID)
	ctx, _ := h.contexts.Resolve(client.CtxCid, client.CtxUid)
	require.True(t, ctx.IsInTran)

	// Simulate the CAS-side reply arriving: the handler must release
	// the slot and leave it free for the next CHECK_CAS.
	casReply := newFrame(fncode.FnCheckCas)
	casReply.Kind = wire.EventCasResponse
	casReply.Addr = wire.Addr{ShardID: ctx.ShardID, CasID: ctx.CasID}
	_, err = h.d.Dispatch(casReply)
	require.NoError(t, err)
	require.False(t, ctx.IsInTran)

	shard, _ := h.cas.Shard(0)
	require.False(t, shard.Cas[0].IsInTran)
}

func TestPrepareExecuteEndTranRoundTrip(t *testing.T) {
	h := newHarness(t, 1, 1)
	clientID := h.connect(t)
	client, _ := h.clients.ByClientID(clientID)
	ctx, _ := h.contexts.Resolve(client.CtxCid, client.CtxUid)
	ctx.DBUser = "scott"

	prep := newFrame(fncode.FnPrepare, []byte("select 1"))
	prep.Addr.ClientID = clientID
	resp, err := h.d.Dispatch(prep)
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Equal(t, wire.FromCas, resp.Direction)
	require.True(t, ctx.IsInTran)

	// CAS acknowledges the prepare with server handle byte 7.
	prepReply := newFrame(fncode.FnPrepare, []byte{7})
	prepReply.Kind = wire.EventCasResponse
	prepReply.Addr = wire.Addr{ShardID: ctx.ShardID, CasID: ctx.CasID}
	_, err = h.d.Dispatch(prepReply)
	require.NoError(t, err)

	stmt, ok := h.stmts.Resolve(ctx.PreparedStmt)
	require.True(t, ok)
	srvID, ok := stmt.SrvHID(ctx.ShardID, ctx.CasID)
	require.True(t, ok)
	require.EqualValues(t, 7, srvID)

	exec := newFrame(fncode.FnExecute, []byte{0})
	exec.Addr.ClientID = clientID
	resp, err = h.d.Dispatch(exec)
	require.NoError(t, err)
	require.Equal(t, wire.FromCas, resp.Direction)

	end := newFrame(fncode.FnEndTran)
	end.Addr.ClientID = clientID
	resp, err = h.d.Dispatch(end)
	require.NoError(t, err)
	require.Equal(t, wire.FromCas, resp.Direction)

	endReply := newFrame(fncode.FnEndTran)
	endReply.Kind = wire.EventCasResponse
	endReply.Addr = wire.Addr{ShardID: ctx.ShardID, CasID: ctx.CasID}
	_, err = h.d.Dispatch(endReply)
	require.NoError(t, err)
	require.False(t, ctx.IsInTran)

	shard, _ := h.cas.Shard(0)
	require.False(t, shard.Cas[0].IsInTran)
}

func TestPrepareCoalescesOnSameCasBeforeReply(t *testing.T) {
	// Two contexts, one CAS slot. The first PREPARE occupies the only
	// CAS; the second context's PREPARE for the identical SQL/user
	// shares the same cache entry (so both pin it) and then parks on
	// the shard wait-queue since no CAS is free, rather than erroring.
	h := newHarness(t, 1, 1)
	clientA := h.connect(t)
	clientB := h.connect(t)

	clientAIO, _ := h.clients.ByClientID(clientA)
	ctxA, _ := h.contexts.Resolve(clientAIO.CtxCid, clientAIO.CtxUid)
	ctxA.DBUser = "scott"

	prepA := newFrame(fncode.FnPrepare, []byte("select 1"))
	prepA.Addr.ClientID = clientA
	_, err := h.d.Dispatch(prepA)
	require.NoError(t, err)
	require.True(t, ctxA.IsInTran)

	clientBIO, _ := h.clients.ByClientID(clientB)
	ctxB, _ := h.contexts.Resolve(clientBIO.CtxCid, clientBIO.CtxUid)
	ctxB.DBUser = "scott"

	prepB := newFrame(fncode.FnPrepare, []byte("select 1"))
	prepB.Addr.ClientID = clientB
	resp, err := h.d.Dispatch(prepB)
	require.NoError(t, err)
	// Parked: no CAS round trip for B yet, and B is not itself in-tran.
	require.Nil(t, resp)
	require.False(t, ctxB.IsInTran)

	stmt, ok := h.stmts.Resolve(ctxA.PreparedStmt)
	require.True(t, ok)
	require.Equal(t, 2, stmt.PinCount())
}

func TestExecuteTriggersDummyPrepareForExecute(t *testing.T) {
	// spec §4.6 "Prepare-for-execute": an EXECUTE against a (shard,cas)
	// that has never prepared this statement must synthesize a dummy
	// PREPARE reusing the original PREPARE frame verbatim, then re-drive
	// the EXECUTE once the CAS answers it.
	h := newHarness(t, 1, 1)
	clientID := h.connect(t)
	client, _ := h.clients.ByClientID(clientID)
	ctx, _ := h.contexts.Resolve(client.CtxCid, client.CtxUid)
	ctx.DBUser = "scott"

	prep := newFrame(fncode.FnPrepare, []byte("select 1"))
	prep.Addr.ClientID = clientID
	_, err := h.d.Dispatch(prep)
	require.NoError(t, err)

	prepReply := newFrame(fncode.FnPrepare, []byte{7})
	prepReply.Kind = wire.EventCasResponse
	prepReply.Addr = wire.Addr{ShardID: ctx.ShardID, CasID: ctx.CasID}
	_, err = h.d.Dispatch(prepReply)
	require.NoError(t, err)

	stmt, ok := h.stmts.Resolve(ctx.PreparedStmt)
	require.True(t, ok)
	require.NotEmpty(t, stmt.PrepareRequestBytes, "handlePrepare must retain the original PREPARE frame")

	// Simulate this exact (shard,cas) losing its prepared handle (e.g. a
	// CAS reconnect landed back on the same slot) while ctx is still
	// bound to it.
	stmt.InvalidateCas(ctx.ShardID, ctx.CasID)
	_, ok = stmt.SrvHID(ctx.ShardID, ctx.CasID)
	require.False(t, ok)

	exec := newFrame(fncode.FnExecute, []byte{0})
	exec.Addr.ClientID = clientID
	resp, err := h.d.Dispatch(exec)
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Equal(t, wire.FromCas, resp.Direction)
	require.True(t, ctx.WaitingDummyPrepare)
	require.True(t, ctx.IsPrepareForExecute)
	require.Equal(t, fncode.FnPrepare, ctx.FuncCode)
	require.NotNil(t, ctx.WaitingEvent)

	// The dummy PREPARE must reuse the original request bytes verbatim,
	// not a frame rebuilt from the EXECUTE's argv.
	require.Equal(t, len(stmt.PrepareRequestBytes), len(resp.Buf.Data))

	// CAS answers the dummy prepare with a new server handle.
	dummyReply := newFrame(fncode.FnPrepare, []byte{9})
	dummyReply.Kind = wire.EventCasResponse
	dummyReply.Addr = wire.Addr{ShardID: ctx.ShardID, CasID: ctx.CasID}
	resp, err = h.d.Dispatch(dummyReply)
	require.NoError(t, err)
	require.NotNil(t, resp, "the saved Execute must be re-driven against the CAS")
	require.Equal(t, wire.FromCas, resp.Direction)

	require.False(t, ctx.WaitingDummyPrepare)
	require.False(t, ctx.IsPrepareForExecute)
	require.Equal(t, fncode.FnExecute, ctx.FuncCode)
	require.True(t, ctx.IsClientInTran)

	srvID, ok := stmt.SrvHID(ctx.ShardID, ctx.CasID)
	require.True(t, ok)
	require.EqualValues(t, 9, srvID)
}

func TestCasStmtPoolingErrorInvalidatesCache(t *testing.T) {
	// spec §4.6, §7 "Backend", scenario S6: a CAS_ER_STMT_POOLING error
	// indicator on an EXECUTE reply must invalidate the statement and
	// drop its cached handle for this (shard,cas).
	h := newHarness(t, 1, 1)
	clientID := h.connect(t)
	client, _ := h.clients.ByClientID(clientID)
	ctx, _ := h.contexts.Resolve(client.CtxCid, client.CtxUid)
	ctx.DBUser = "scott"

	prep := newFrame(fncode.FnPrepare, []byte("select 1"))
	prep.Addr.ClientID = clientID
	_, err := h.d.Dispatch(prep)
	require.NoError(t, err)

	prepReply := newFrame(fncode.FnPrepare, []byte{7})
	prepReply.Kind = wire.EventCasResponse
	prepReply.Addr = wire.Addr{ShardID: ctx.ShardID, CasID: ctx.CasID}
	_, err = h.d.Dispatch(prepReply)
	require.NoError(t, err)

	exec := newFrame(fncode.FnExecute, []byte{0})
	exec.Addr.ClientID = clientID
	_, err = h.d.Dispatch(exec)
	require.NoError(t, err)

	stmt, ok := h.stmts.Resolve(ctx.PreparedStmt)
	require.True(t, ok)
	_, ok = stmt.SrvHID(ctx.ShardID, ctx.CasID)
	require.True(t, ok)

	execReply := newFrame(fncode.FnExecute,
		int32Bytes(-1), int32Bytes(int32(proxyerr.CodeStmtPooling)))
	execReply.Kind = wire.EventCasResponse
	execReply.Addr = wire.Addr{ShardID: ctx.ShardID, CasID: ctx.CasID}
	_, err = h.d.Dispatch(execReply)
	require.NoError(t, err)

	require.Equal(t, stmtpool.StatusInvalid, stmt.Status)
	_, ok = stmt.SrvHID(ctx.ShardID, ctx.CasID)
	require.False(t, ok, "the (shard,cas) handle must be dropped so a later lookup can't reuse it")
}

func TestDivergentShardHintsAreRejected(t *testing.T) {
	// spec §4.7, §8: two hints on the same statement resolving to
	// different shards is a fatal CAS_ER_INTERNAL, distinct from the
	// cross-statement CheckShardAffinity check.
	sql := "/*+ shard_id(0) */ /*+ shard_id(1) */ select 1"
	_, _, err := hintsAndRoute(nil, sql)
	require.Error(t, err)
	pe, ok := err.(proxyerr.Error)
	require.True(t, ok)
	require.Equal(t, proxyerr.MsgDivergentShard, pe.Msg)
}

func TestCasDisconnectRequeuesOwnerAndInvalidatesAllStatements(t *testing.T) {
	// spec §4.4 "CAS disconnect retry", §8 property 5: the owning
	// context's affinity is cleared and its request requeued, and every
	// cached statement's handle for the dead (shard,cas) is dropped, even
	// for statements belonging to other contexts.
	h := newHarness(t, 1, 1)
	clientID := h.connect(t)
	client, _ := h.clients.ByClientID(clientID)
	ctx, _ := h.contexts.Resolve(client.CtxCid, client.CtxUid)
	ctx.DBUser = "scott"

	prep := newFrame(fncode.FnPrepare, []byte("select 1"))
	prep.Addr.ClientID = clientID
	_, err := h.d.Dispatch(prep)
	require.NoError(t, err)
	require.True(t, ctx.IsInTran)

	prepReply := newFrame(fncode.FnPrepare, []byte{7})
	prepReply.Kind = wire.EventCasResponse
	prepReply.Addr = wire.Addr{ShardID: ctx.ShardID, CasID: ctx.CasID}
	_, err = h.d.Dispatch(prepReply)
	require.NoError(t, err)

	// A second, unrelated statement also cached a handle for this exact
	// (shard,cas); it must lose it too.
	other, err := h.stmts.NewPrepared("select 2", "scott", stmtpool.ProtoV2Current, 99, 1)
	require.NoError(t, err)
	h.stmts.AddSrvHID(other, ctx.ShardID, ctx.CasID, 42)

	shardID, casID := ctx.ShardID, ctx.CasID

	connErr := &wire.Event{Kind: wire.EventCasConnError, Addr: wire.Addr{ShardID: shardID, CasID: casID}}
	_, err = h.d.Dispatch(connErr)
	require.NoError(t, err)

	require.False(t, ctx.IsInTran, "the owning context's affinity must be cleared")
	require.Equal(t, -1, ctx.ShardID)

	stmt, ok := h.stmts.Resolve(ctx.PreparedStmt)
	require.True(t, ok)
	_, ok = stmt.SrvHID(shardID, casID)
	require.False(t, ok)
	_, ok = other.SrvHID(shardID, casID)
	require.False(t, ok, "InvalidateCasSlot must clear every statement's entry, not just the owner's")

	shard, _ := h.cas.Shard(shardID)
	require.Equal(t, casio.StatusCloseWait, shard.Cas[casID].Status)

	requeued, ok := h.d.Queues.CliRetQ.Pop()
	require.True(t, ok, "the owning context's request must be requeued for retry")
	require.Equal(t, ctx.Cid, requeued.Addr.Cid)
	require.Equal(t, ctx.Uid, requeued.Addr.Uid)
}
