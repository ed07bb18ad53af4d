package dispatch

import (
	"bytes"

	proxycontext "github.com/cubrid/shardproxy/internal/context"
	"github.com/cubrid/shardproxy/internal/fncode"
	"github.com/cubrid/shardproxy/internal/proxyerr"
	"github.com/cubrid/shardproxy/internal/stmtpool"
	"github.com/cubrid/shardproxy/internal/wire"
)

func (d *Dispatcher) installCasHandlers() {
	d.casTable[fncode.FnRegister] = casPassthrough
	d.casTable[fncode.FnConnectDB] = casPassthrough
	d.casTable[fncode.FnCheckCas] = casReleaseAfterReply
	d.casTable[fncode.FnPrepare] = casPrepareResp
	d.casTable[fncode.FnExecute] = casExecuteResp
	d.casTable[fncode.FnFetch] = casPassthrough
	d.casTable[fncode.FnEndTran] = casEndTranResp
	d.casTable[fncode.FnClose] = casPassthrough
	d.casTable[fncode.FnSchemaInfo] = casSchemaInfoResp
	d.casTable[fncode.FnCursorClose] = casPassthrough
}

// casPassthrough relays a CAS reply to the client unchanged — the
// default for function codes whose response needs no proxy-side
// bookkeeping beyond re-addressing it at the client.
func casPassthrough(d *Dispatcher, ctx *proxycontext.Context, ev *wire.Event) (*wire.Event, error) {
	return toClient(ctx, ev), nil
}

// casReleaseAfterReply forwards the reply and, since CHECK_CAS never
// opens a lasting transaction, immediately releases the CAS it borrowed
// (spec §4.5 "CHECK_CAS is a single round trip").
func casReleaseAfterReply(d *Dispatcher, ctx *proxycontext.Context, ev *wire.Event) (*wire.Event, error) {
	reply := toClient(ctx, ev)
	shardID, casID := ctx.ShardID, ctx.CasID
	proxycontext.EndTran(ctx)
	if entry, err := d.Cas.ReleaseByCtx(shardID, casID); err == nil && entry != nil {
		d.wake(*entry)
	}
	return reply, nil
}

// casPrepareResp records the new server handle for this (shard,cas),
// wakes any context that was coalescing on the same statement, and
// translates the server-visible handle byte back to the client-visible
// stmt_h_id before relaying the reply (spec §4.6 "add_srv_h_id",
// "Server-handle translation"). If this reply is answering a dummy
// prepare-for-execute, it instead hands off to finishDummyPrepare and
// never relays the PREPARE reply to the client.
func casPrepareResp(d *Dispatcher, ctx *proxycontext.Context, ev *wire.Event) (*wire.Event, error) {
	stmt, ok := d.Stmts.Resolve(ctx.PreparedStmt)
	if !ok {
		return toClient(ctx, ev), nil
	}
	argv, err := parseArgv(ev)
	if err != nil {
		return toClient(ctx, ev), nil
	}
	f, ok := argv.At(0)
	if !ok || len(f) < 1 {
		return toClient(ctx, ev), nil
	}
	srvID := int32(f[0])

	if ctx.WaitingDummyPrepare {
		return d.finishDummyPrepare(ctx, stmt, ev, srvID)
	}

	woken := d.Stmts.AddSrvHID(stmt, ctx.ShardID, ctx.CasID, srvID)
	for _, w := range woken {
		d.wake(w)
	}
	if len(stmt.PrepareReplyBytes) == 0 {
		stmt.PrepareReplyBytes = cloneFrame(ev)
	}
	argv.ReplaceHandleByte(0, byte(uint32(stmt.StmtHID)))
	return toClient(ctx, ev), nil
}

// finishDummyPrepare completes a prepare-for-execute round trip (spec
// §4.6): it records the new server handle, compares the reply's column
// metadata against the statement's originally cached reply, and either
// re-drives the saved Execute against the CAS or, on a metadata
// mismatch, invalidates the statement and surfaces CAS_ER_STMT_POOLING
// to the client instead.
func (d *Dispatcher) finishDummyPrepare(ctx *proxycontext.Context, stmt *stmtpool.Stmt, ev *wire.Event, srvID int32) (*wire.Event, error) {
	ctx.IsPrepareForExecute = false
	ctx.WaitingDummyPrepare = false
	waiting := ctx.WaitingEvent
	ctx.WaitingEvent = nil

	if differentColumnInfo(stmt.PrepareReplyBytes, ev) {
		d.Stmts.Invalidate(stmt)
		ctx.FuncCode = fncode.FnExecute
		return nil, proxyerr.StmtPoolingInvalid()
	}

	d.Stmts.AddSrvHID(stmt, ctx.ShardID, ctx.CasID, srvID)
	ctx.FuncCode = fncode.FnExecute

	if waiting == nil {
		return nil, nil
	}
	execArgv, err := parseArgv(waiting)
	if err == nil {
		execArgv.ReplaceHandleByte(0, byte(srvID))
	}
	ctx.IsClientInTran = true
	return d.casRequest(ctx, waiting), nil
}

// differentColumnInfo reports whether a fresh PREPARE reply disagrees
// with the statement's previously cached reply on everything but the
// leading server-handle field (spec §4.6 "Discrepant column metadata",
// grounded on the original proxy_has_different_column_info check).
// cached is empty the first time a statement is ever prepared, in which
// case there is nothing to compare against yet.
func differentColumnInfo(cached []byte, ev *wire.Event) bool {
	if len(cached) == 0 || ev.Buf == nil {
		return false
	}
	fresh := ev.Buf.Data
	// Header + func code + argv[0]'s 4-byte length prefix + the
	// 1-byte handle field itself — everything after that is the
	// column/schema metadata the two replies must agree on.
	const afterHandle = wire.HeaderLen + 1 + 4 + 1
	if len(cached) != len(fresh) {
		return true
	}
	if len(cached) <= afterHandle {
		return false
	}
	return !bytes.Equal(cached[afterHandle:], fresh[afterHandle:])
}

// casExecuteResp reads the proxy's two mutable info bits out of the
// reply header to learn whether the backend transaction is still open
// (spec §6 "8 bytes info flags") and records it in ctx.IsCasInTran.
// A CAS_ER_STMT_POOLING error indicator invalidates the statement's
// cache entry for this (shard,cas) so a later lookup can't reuse a
// stale handle (spec §4.6, §7 "Backend", scenario S6).
func casExecuteResp(d *Dispatcher, ctx *proxycontext.Context, ev *wire.Event) (*wire.Event, error) {
	if hdr, err := ev.Header(); err == nil {
		ctx.IsCasInTran = wire.HasInfoFlag(hdr.Info[:], wire.InfoStatusInTran)
	}
	if argv, err := parseArgv(ev); err == nil {
		if ind, ok := argv.Int32(0); ok && ind < 0 {
			if code, ok := argv.Int32(1); ok && proxyerr.Code(code) == proxyerr.CodeStmtPooling {
				if stmt, ok := d.Stmts.Resolve(ctx.PreparedStmt); ok {
					d.Stmts.Invalidate(stmt)
					stmt.InvalidateCas(ctx.ShardID, ctx.CasID)
				}
			}
		}
	}
	return toClient(ctx, ev), nil
}

// casEndTranResp releases the CAS back to its shard, wakes the oldest
// waiter (if any), and transitions ctx out of its transaction (spec
// §4.4 "InTran -> Authenticated(OutOfTran)").
func casEndTranResp(d *Dispatcher, ctx *proxycontext.Context, ev *wire.Event) (*wire.Event, error) {
	reply := toClient(ctx, ev)
	shardID, casID := ctx.ShardID, ctx.CasID
	proxycontext.EndTran(ctx)
	if !ctx.DontFreeStatement {
		for _, h := range ctx.PinnedStmts {
			if s, ok := d.Stmts.Resolve(h); ok {
				d.Stmts.Unpin(s)
			}
		}
		ctx.PinnedStmts = nil
	}
	if entry, err := d.Cas.ReleaseByCtx(shardID, casID); err == nil && entry != nil {
		d.wake(*entry)
	}
	return reply, nil
}

// casSchemaInfoResp frees the cache-bypassing Stmt entry SCHEMA_INFO
// used once its reply has been relayed (spec §4.6 "bypass ... freed
// explicitly at end-of-transaction").
func casSchemaInfoResp(d *Dispatcher, ctx *proxycontext.Context, ev *wire.Event) (*wire.Event, error) {
	reply := toClient(ctx, ev)
	if stmt, ok := d.Stmts.Resolve(ctx.PreparedStmt); ok {
		d.Stmts.FreeBypass(stmt)
	}
	return reply, nil
}

func toClient(ctx *proxycontext.Context, ev *wire.Event) *wire.Event {
	ev.Direction = wire.FromClient
	ev.Addr = wire.Addr{ClientID: ctx.ClientID, Cid: ctx.Cid, Uid: ctx.Uid}
	return ev
}
