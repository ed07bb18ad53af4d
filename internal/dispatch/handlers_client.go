package dispatch

import (
	"time"

	proxycontext "github.com/cubrid/shardproxy/internal/context"
	"github.com/cubrid/shardproxy/internal/fncode"
	"github.com/cubrid/shardproxy/internal/proxyerr"
	"github.com/cubrid/shardproxy/internal/stmtpool"
	"github.com/cubrid/shardproxy/internal/wire"
)

func (d *Dispatcher) installClientHandlers() {
	d.clientTable[fncode.FnRegister] = handleRegister
	d.clientTable[fncode.FnConnectDB] = handleConnectDB
	d.clientTable[fncode.FnCheckCas] = handleCheckCas
	d.clientTable[fncode.FnPrepare] = handlePrepare
	d.clientTable[fncode.FnExecute] = handleExecute
	d.clientTable[fncode.FnFetch] = handleFetch
	d.clientTable[fncode.FnEndTran] = handleEndTran
	d.clientTable[fncode.FnClose] = handleClose
	d.clientTable[fncode.FnSchemaInfo] = handleSchemaInfo
	d.clientTable[fncode.FnCursorClose] = handleCursorClose
}

// handleRegister acknowledges a freshly-accepted connection. The
// Context and ClientIO slots already exist by the time a REGISTER frame
// reaches the Dispatcher (proxyrt creates them on accept); this handler
// only exists so FnRegister has a jump-table entry like every other code.
func handleRegister(d *Dispatcher, ctx *proxycontext.Context, ev *wire.Event) (*wire.Event, error) {
	return d.clientAck(ctx), nil
}

// handleConnectDB records the credentials a Context will present on
// every future CAS allocation (spec §4.4 "Authenticated state"). No CAS
// is allocated yet — allocation is deferred to the first statement that
// actually needs one (spec §4.5 "Allocation is demand-driven").
func handleConnectDB(d *Dispatcher, ctx *proxycontext.Context, ev *wire.Event) (*wire.Event, error) {
	argv, err := parseArgv(ev)
	if err != nil {
		return nil, err
	}
	user, ok := argv.At(0)
	if !ok {
		return nil, proxyerr.Args("CONNECT_DB missing db_user argument")
	}
	passwd, _ := argv.At(1)
	ctx.DBUser = string(user)
	ctx.DBPasswd = string(passwd)
	return d.clientAck(ctx), nil
}

// handleCheckCas implements the CHECK_CAS path of the allocation policy
// (spec §4.5 step 3, descending scan) — a client-initiated health probe
// that does not carry a shard hint. The allocated CAS is held in a
// transaction only until its reply arrives (casReleaseAfterReply).
func handleCheckCas(d *Dispatcher, ctx *proxycontext.Context, ev *wire.Event) (*wire.Event, error) {
	return d.allocateAndForward(ctx, ev, -1, fncode.FnCheckCas)
}

// handlePrepare resolves shard hints, consults the statement cache, and
// either replies immediately (cache hit, already Complete for this
// (shard,cas)) or forwards a PREPARE to the CAS (spec §4.6).
func handlePrepare(d *Dispatcher, ctx *proxycontext.Context, ev *wire.Event) (*wire.Event, error) {
	argv, err := parseArgv(ev)
	if err != nil {
		return nil, err
	}
	sqlField, ok := argv.At(0)
	if !ok {
		return nil, proxyerr.Args("PREPARE missing sql argument")
	}
	sql := string(sqlField)

	shardID, rewritten, err := hintsAndRoute(d.Router, sql)
	if err != nil {
		return nil, err
	}
	if resolved := shardIDOrCurrent(ctx, shardID); resolved >= 0 {
		if err := proxycontext.CheckShardAffinity(ctx, resolved); err != nil {
			return nil, err
		}
	}

	ver := stmtpool.ProtoV2Current
	stmt, found := d.Stmts.Find(rewritten, ctx.DBUser, ver)
	if !found {
		stmt, err = d.Stmts.NewPrepared(rewritten, ctx.DBUser, ver, ctx.Cid, ctx.Uid)
		if err != nil {
			return nil, proxyerr.Internal(err.Error())
		}
		// Keep a private copy of the client's original PREPARE frame so a
		// later prepare-for-execute on a different (shard,cas) can
		// re-send it verbatim (spec §4.6, SPEC_FULL §C.3).
		stmt.PrepareRequestBytes = cloneFrame(ev)
	}
	d.Stmts.Pin(stmt)
	ctx.PreparedStmt = stmt.StmtHID
	ctx.PinnedStmts = append(ctx.PinnedStmts, stmt.StmtHID)

	resolvedShard := shardIDOrCurrent(ctx, shardID)
	resp, allocRes, err := d.allocateForStatement(ctx, ev, resolvedShard, fncode.FnPrepare)
	if err != nil {
		return nil, err
	}
	if allocRes != allocDone {
		return resp, nil
	}

	if _, ok := stmt.SrvHID(ctx.ShardID, ctx.CasID); ok {
		// Already prepared on this exact (shard,cas) — nothing to send
		// to the CAS, reply to the client directly.
		return d.clientAck(ctx), nil
	}

	if stmt.Status == stmtpool.StatusInProgress && stmt.PinCount() > 1 {
		// Another context's PREPARE to this same (shard,cas) is already
		// in flight; coalesce by waiting for its completion instead of
		// sending a duplicate PREPARE (spec §4.6 "Prepare coalescing").
		stmt.WaitQ.Insert(ctx.Cid, ctx.Uid, time.Now().Add(d.waitTimeout(ctx)))
		ctx.WaitingEvent = ev
		return nil, nil
	}

	return d.casRequest(ctx, ev), nil
}

// handleExecute forwards an EXECUTE to the CAS the statement is already
// allocated on, translating the client-visible stmt_h_id to the
// per-(shard,cas) real server handle (spec §4.6 "Server-handle
// translation"). If this exact (shard,cas) has never prepared the
// statement, it synthesizes a dummy PREPARE instead of failing outright
// (spec §4.6 "Prepare-for-execute").
func handleExecute(d *Dispatcher, ctx *proxycontext.Context, ev *wire.Event) (*wire.Event, error) {
	stmt, ok := d.Stmts.Resolve(ctx.PreparedStmt)
	if !ok {
		return nil, proxyerr.StmtPoolingInvalid()
	}
	srvID, ok := stmt.SrvHID(ctx.ShardID, ctx.CasID)
	if !ok {
		return d.dummyPrepareForExecute(ctx, ev, stmt)
	}
	argv, err := parseArgv(ev)
	if err != nil {
		return nil, err
	}
	argv.ReplaceHandleByte(0, byte(srvID))
	ctx.IsClientInTran = true
	return d.casRequest(ctx, ev), nil
}

// dummyPrepareForExecute re-sends the statement's original PREPARE
// request bytes verbatim to (ctx.ShardID, ctx.CasID) — never
// reserializing from argv — and parks ev until the CAS's PREPARE reply
// arrives, at which point casPrepareResp patches in the new server
// handle and re-drives ev (spec §4.6, SPEC_FULL §C.3).
func (d *Dispatcher) dummyPrepareForExecute(ctx *proxycontext.Context, ev *wire.Event, stmt *stmtpool.Stmt) (*wire.Event, error) {
	if len(stmt.PrepareRequestBytes) == 0 {
		return nil, proxyerr.StmtPoolingInvalid()
	}
	buf := make([]byte, len(stmt.PrepareRequestBytes))
	copy(buf, stmt.PrepareRequestBytes)
	wire.ClearInfoFlag(buf[4:4+wire.InfoLen], wire.InfoForceOutTran)

	ctx.IsPrepareForExecute = true
	ctx.WaitingDummyPrepare = true
	ctx.WaitingEvent = ev
	ctx.FuncCode = fncode.FnPrepare

	prepEv := &wire.Event{
		Kind: wire.EventClientRequest,
		Addr: wire.Addr{ClientID: ctx.ClientID, Cid: ctx.Cid, Uid: ctx.Uid},
		Buf:  &wire.Buffer{Data: buf, Offset: len(buf)},
	}
	return d.casRequest(ctx, prepEv), nil
}

// cloneFrame copies the raw bytes of a frame-bearing event so the proxy
// can retain them past the point the Reactor reclaims ev's buffer.
func cloneFrame(ev *wire.Event) []byte {
	if ev.Buf == nil {
		return nil
	}
	out := make([]byte, len(ev.Buf.Data))
	copy(out, ev.Buf.Data)
	return out
}

// handleFetch simply forwards to the CAS already bound to this
// transaction; fetch never changes shard/CAS affinity (spec §4.4).
func handleFetch(d *Dispatcher, ctx *proxycontext.Context, ev *wire.Event) (*wire.Event, error) {
	if !ctx.IsInTran {
		return nil, proxyerr.Internal("FETCH outside a transaction")
	}
	return d.casRequest(ctx, ev), nil
}

// handleEndTran forwards END_TRAN to the CAS; the actual release of the
// CAS slot and wake of any waiter happens once the CAS-side reply
// arrives (casEndTranResp), not here, so the transaction stays
// logically open until the backend confirms commit/rollback.
func handleEndTran(d *Dispatcher, ctx *proxycontext.Context, ev *wire.Event) (*wire.Event, error) {
	if !ctx.IsInTran {
		return d.clientAck(ctx), nil
	}
	return d.casRequest(ctx, ev), nil
}

// handleClose tears the Context down once the CAS (if any) is released;
// freeing is deferred to postDispatch via FreeContext (spec §3
// "Lifecycles").
func handleClose(d *Dispatcher, ctx *proxycontext.Context, ev *wire.Event) (*wire.Event, error) {
	ctx.FreeContext = true
	return d.clientAck(ctx), nil
}

// handleSchemaInfo bypasses the statement cache (spec §4.6 "Schema-info
// ... bypass the cache") and forwards straight to an allocated CAS.
func handleSchemaInfo(d *Dispatcher, ctx *proxycontext.Context, ev *wire.Event) (*wire.Event, error) {
	stmt, err := d.Stmts.NewBypass(stmtpool.TypeSchemaInfo, ctx.Cid, ctx.Uid)
	if err != nil {
		return nil, proxyerr.Internal(err.Error())
	}
	ctx.PreparedStmt = stmt.StmtHID
	resp, allocRes, err := d.allocateForStatement(ctx, ev, -1, fncode.FnSchemaInfo)
	if err != nil {
		return nil, err
	}
	if allocRes != allocDone {
		return resp, nil
	}
	return d.casRequest(ctx, ev), nil
}

// handleCursorClose forwards to the CAS; the reply is relayed unchanged
// (casPassthrough). No statement is unpinned here: pinned statements are
// released at end of transaction (casEndTranResp) or when the Context is
// freed.
func handleCursorClose(d *Dispatcher, ctx *proxycontext.Context, ev *wire.Event) (*wire.Event, error) {
	if !ctx.IsInTran {
		return nil, proxyerr.Internal("CURSOR_CLOSE outside a transaction")
	}
	return d.casRequest(ctx, ev), nil
}

func shardIDOrCurrent(ctx *proxycontext.Context, hinted int) int {
	if hinted >= 0 {
		return hinted
	}
	if ctx.HasStaticShardHint {
		return ctx.StaticShardHint
	}
	return -1
}
