// Package dispatch implements the function-code jump tables and the
// request/response pipeline that ties together Context, CasIO, Stmt,
// the hint scanner, and the shard router (spec §2.8, §2.9, §4.3, §4.6).
//
// A Dispatcher never touches a socket directly; handlers read and write
// *wire.Event values and the Reactor is responsible for turning those
// into actual I/O (spec §9 "single-threaded discipline" — keeping
// protocol logic free of fd plumbing is what let the teacher's own
// dispatcher package stay unit-testable without a live socket).
package dispatch

import (
	"fmt"
	"time"

	proxycontext "github.com/cubrid/shardproxy/internal/context"
	"github.com/cubrid/shardproxy/internal/casio"
	"github.com/cubrid/shardproxy/internal/clientio"
	"github.com/cubrid/shardproxy/internal/fncode"
	"github.com/cubrid/shardproxy/internal/hints"
	"github.com/cubrid/shardproxy/internal/proxyerr"
	"github.com/cubrid/shardproxy/internal/reactor"
	"github.com/cubrid/shardproxy/internal/router"
	"github.com/cubrid/shardproxy/internal/stmtpool"
	"github.com/cubrid/shardproxy/internal/waitqueue"
	"github.com/cubrid/shardproxy/internal/wire"
)

// Deps bundles the tables a Dispatcher reads and mutates. All of them
// are owned by the caller (proxyrt) and live for the process lifetime.
type Deps struct {
	Contexts *proxycontext.Pool
	Clients  *clientio.Pool
	Cas      *casio.Table
	Stmts    *stmtpool.Pool
	Router   *router.Table // nil if no shard-key routing is configured
	Sockets  *reactor.Table
	Queues   *reactor.Queues

	DefaultWaitTimeout time.Duration
}

// Dispatcher indexes client-side and CAS-side jump tables by fncode.Code
// (spec §2.10 "Dispatcher"). Legacy byte codes are remapped to current
// Code values by fncode.FromLegacy before a lookup ever happens here.
type Dispatcher struct {
	Deps

	clientTable [fncode.FnMax]ClientHandler
	casTable    [fncode.FnMax]CasHandler
}

func New(deps Deps) *Dispatcher {
	d := &Dispatcher{Deps: deps}
	d.installClientHandlers()
	d.installCasHandlers()
	return d
}

// ClientHandler processes a ClientRequest event already bound to its
// Context. It returns an outbound Event to hand to the Reactor (a CAS
// request, or a direct client reply), or nil if the request has been
// parked on a wait queue and nothing should be sent yet.
type ClientHandler func(d *Dispatcher, ctx *proxycontext.Context, ev *wire.Event) (*wire.Event, error)

// CasHandler processes a CasResponse event already bound to the Context
// that owns the (shard, cas) slot it arrived on.
type CasHandler func(d *Dispatcher, ctx *proxycontext.Context, ev *wire.Event) (*wire.Event, error)

// Dispatch is the single entry point the Reactor calls for every event
// it drains from cas_rcv_q, cli_ret_q, and cli_rcv_q (spec §4.1 step (c)).
func (d *Dispatcher) Dispatch(ev *wire.Event) (*wire.Event, error) {
	switch ev.Kind {
	case wire.EventClientRequest:
		return d.dispatchClient(ev)
	case wire.EventCasResponse:
		return d.dispatchCas(ev)
	case wire.EventClientConnError:
		d.handleClientConnError(ev)
		return nil, nil
	case wire.EventCasConnError:
		d.handleCasConnError(ev)
		return nil, nil
	case wire.EventWakeupByShard, wire.EventWakeupByStatement:
		return d.dispatchClient(ev)
	default:
		return nil, fmt.Errorf("dispatch: unhandled event kind %s", ev.Kind)
	}
}

func (d *Dispatcher) dispatchClient(ev *wire.Event) (*wire.Event, error) {
	client, ok := d.Clients.ByClientID(ev.Addr.ClientID)
	if !ok {
		return nil, fmt.Errorf("dispatch: client %d not found", ev.Addr.ClientID)
	}
	ctx, ok := d.Contexts.Resolve(client.CtxCid, client.CtxUid)
	if !ok {
		return nil, fmt.Errorf("dispatch: stale context handle for client %d", ev.Addr.ClientID)
	}

	hdr, err := ev.Header()
	if err != nil {
		return d.errorReply(ctx, proxyerr.Args("malformed frame header")), nil
	}
	code := fncode.FromLegacy(hdr.FuncCode)
	ctx.FuncCode = code

	handler := d.clientTable[0]
	if int(code) > 0 && int(code) < len(d.clientTable) {
		handler = d.clientTable[code]
	}
	if handler == nil {
		return d.errorReply(ctx, proxyerr.Internal(fmt.Sprintf("no handler for function code %s", code))), nil
	}

	resp, err := handler(d, ctx, ev)
	d.postDispatch(ctx)
	if err != nil {
		return d.errorReply(ctx, asProxyErr(err)), nil
	}
	return resp, nil
}

func (d *Dispatcher) dispatchCas(ev *wire.Event) (*wire.Event, error) {
	shard, ok := d.Cas.Shard(ev.Addr.ShardID)
	if !ok {
		return nil, fmt.Errorf("dispatch: cas response from unknown shard %d", ev.Addr.ShardID)
	}
	if ev.Addr.CasID < 0 || ev.Addr.CasID >= len(shard.Cas) {
		return nil, fmt.Errorf("dispatch: cas response from out-of-range cas %d", ev.Addr.CasID)
	}
	c := &shard.Cas[ev.Addr.CasID]
	ctx, ok := d.Contexts.Resolve(c.OwnerCid, c.OwnerUid)
	if !ok {
		// The owning context already freed (e.g. client disconnected
		// while the CAS reply was in flight). Nothing to route to.
		return nil, nil
	}

	handler := d.casTable[0]
	if int(ctx.FuncCode) > 0 && int(ctx.FuncCode) < len(d.casTable) {
		handler = d.casTable[ctx.FuncCode]
	}
	if handler == nil {
		return d.errorReply(ctx, proxyerr.Internal("no CAS-side handler for pending function code")), nil
	}

	resp, err := handler(d, ctx, ev)
	d.postDispatch(ctx)
	if err != nil {
		return d.errorReply(ctx, asProxyErr(err)), nil
	}
	return resp, nil
}

func asProxyErr(err error) proxyerr.Error {
	if pe, ok := err.(proxyerr.Error); ok {
		return pe
	}
	return proxyerr.Internal(err.Error())
}

// postDispatch applies the bookkeeping every handler shares (spec §4.4
// "Numeric policies", §4.6 "free on end-tran"): a Context that asked to
// be freed on end-tran is marked for freeing once it is out of its
// transaction, and a Context marked FreeContext is torn down. Releasing
// the CAS slot and waking its wait-queue at transaction end is done by
// the CAS-side handlers (casEndTranResp, casReleaseAfterReply).
func (d *Dispatcher) postDispatch(ctx *proxycontext.Context) {
	if !ctx.IsInTran && ctx.FreeOnEndTran {
		ctx.FreeOnEndTran = false
		ctx.FreeContext = true
	}
	if ctx.FreeContext {
		d.freeContext(ctx)
	}
}

func (d *Dispatcher) freeContext(ctx *proxycontext.Context) {
	if ctx.IsInTran {
		if entry, err := d.Cas.ReleaseByCtx(ctx.ShardID, ctx.CasID); err == nil && entry != nil {
			d.wake(*entry)
		}
	}
	for _, h := range ctx.PinnedStmts {
		if s, ok := d.Stmts.Resolve(h); ok {
			d.Stmts.Unpin(s)
		}
	}
	d.Contexts.Free(ctx.Cid)
}

// wake re-enters a woken wait-queue entry through cli_ret_q rather than
// calling its handler directly, per spec §4.8 "Wakeup never reenters the
// Dispatcher synchronously".
func (d *Dispatcher) wake(entry waitqueue.WaitEntry) {
	d.wakeEntry(entry.Cid, entry.Uid, wire.EventWakeupByShard)
}

// wakeEntry builds the Wakeup event for a released CAS slot or statement.
func (d *Dispatcher) wakeEntry(cid int, uid uint32, kind wire.EventKind) {
	d.Queues.CliRetQ.Push(&wire.Event{
		Kind:      kind,
		Direction: wire.FromClient,
		Addr:      wire.Addr{Cid: cid, Uid: uid},
	})
}

func (d *Dispatcher) errorReply(ctx *proxycontext.Context, e proxyerr.Error) *wire.Event {
	ctx.LastError = e
	return &wire.Event{
		Kind:      wire.EventClientRequest,
		Direction: wire.FromClient,
		Addr:      wire.Addr{ClientID: ctx.ClientID},
	}
}

func (d *Dispatcher) handleClientConnError(ev *wire.Event) {
	client, ok := d.Clients.ByClientID(ev.Addr.ClientID)
	if !ok {
		return
	}
	if ctx, ok := d.Contexts.Resolve(client.CtxCid, client.CtxUid); ok {
		ctx.FreeContext = true
		d.freeContext(ctx)
	}
	d.Clients.Release(ev.Addr.ClientID)
}

// handleCasConnError implements spec §4.4 "CAS disconnect retry" and §8
// property 5: beyond marking the slot CloseWait and waking the shard's
// wait-queue, the context that had its request in flight on this
// (shard,cas) must have its affinity cleared and its request requeued
// for retry against a different CAS, and every cached statement's
// server handle for this (shard,cas) must be dropped.
func (d *Dispatcher) handleCasConnError(ev *wire.Event) {
	ownerCid, ownerUid, wasOwned := d.Cas.MarkDisconnected(ev.Addr.ShardID, ev.Addr.CasID)
	d.Stmts.InvalidateCasSlot(ev.Addr.ShardID, ev.Addr.CasID)

	if wasOwned {
		if ctx, ok := d.Contexts.Resolve(ownerCid, ownerUid); ok {
			proxycontext.EndTran(ctx)
			d.wakeEntry(ctx.Cid, ctx.Uid, wire.EventWakeupByShard)
		}
	}

	shard, ok := d.Cas.Shard(ev.Addr.ShardID)
	if !ok {
		return
	}
	for _, e := range shard.WaitQ.ExpireBefore(time.Now().AddDate(100, 0, 0)) {
		d.wakeEntry(e.Cid, e.Uid, wire.EventWakeupByShard)
	}
}

// hintsAndRoute applies the SQL hint scanner and, when a shard_val/
// shard_key(value) hint needs a range lookup, the router (spec §4.7).
// It returns the resolved shard id (-1 if the statement carries no
// static hint, meaning the caller falls back to the round-robin/CHECK_CAS
// allocation policy) and the possibly-rewritten SQL text.
func hintsAndRoute(rtr *router.Table, sql string) (shardID int, rewritten string, err error) {
	res, err := hints.Scan(sql)
	if err != nil {
		return -1, sql, err
	}
	shardID = -1
	for _, h := range res.Hints {
		var id int
		switch h.Kind {
		case hints.KindShardID:
			var ok bool
			id, ok = router.ParseStaticShardID(h.Arg)
			if !ok {
				return -1, sql, proxyerr.Args("shard_id hint is not a valid integer")
			}
		case hints.KindShardVal:
			if rtr == nil {
				return -1, sql, proxyerr.Internal("shard_val hint present but no shard-key table is configured")
			}
			var ok bool
			id, ok = rtr.Resolve(h.Arg)
			if !ok {
				return -1, sql, proxyerr.Args("shard_val hint resolves to no configured shard range")
			}
			sql = hints.RewriteShardVal(sql, h, id)
		case hints.KindShardKey:
			if h.IsBind {
				continue // resolved per-execution from the bound argument, not here
			}
			if rtr == nil {
				return -1, sql, proxyerr.Internal("shard_key hint present but no shard-key table is configured")
			}
			var ok bool
			id, ok = rtr.Resolve(h.Arg)
			if !ok {
				return -1, sql, proxyerr.Args("shard_key hint resolves to no configured shard range")
			}
			sql = hints.RewriteShardVal(sql, h, id)
		default:
			continue
		}
		// Multiple hints on one statement must all agree on the shard
		// (spec §4.7, §8): divergence is the same fatal CAS_ER_INTERNAL
		// CheckShardAffinity raises for the cross-statement case.
		if shardID != -1 && id != shardID {
			return -1, sql, proxyerr.New(proxyerr.IndCAS, proxyerr.CodeInternal, proxyerr.MsgDivergentShard)
		}
		shardID = id
	}
	return shardID, sql, nil
}
