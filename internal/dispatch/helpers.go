package dispatch

import (
	"time"

	proxycontext "github.com/cubrid/shardproxy/internal/context"
	"github.com/cubrid/shardproxy/internal/casio"
	"github.com/cubrid/shardproxy/internal/fncode"
	"github.com/cubrid/shardproxy/internal/proxyerr"
	"github.com/cubrid/shardproxy/internal/wire"
)

func parseArgv(ev *wire.Event) (wire.Argv, error) {
	return wire.ParseArgv(ev.Body())
}

// clientAck builds a reply event addressed back to ev's owning client.
// It carries no body of its own — callers that need to echo backend
// data build the reply differently; this is only used for requests the
// Dispatcher answers itself without ever talking to a CAS.
func (d *Dispatcher) clientAck(ctx *proxycontext.Context) *wire.Event {
	return &wire.Event{
		Kind:      wire.EventClientRequest,
		Direction: wire.FromClient,
		Addr:      wire.Addr{ClientID: ctx.ClientID, Cid: ctx.Cid, Uid: ctx.Uid},
	}
}

// casRequest re-addresses ev at the (shard, cas) currently bound to ctx
// so the Reactor's write side knows which CAS socket to queue it on
// (spec §4.1 "Ownership rules").
func (d *Dispatcher) casRequest(ctx *proxycontext.Context, ev *wire.Event) *wire.Event {
	ev.Direction = wire.FromCas
	ev.Addr.ShardID = ctx.ShardID
	ev.Addr.CasID = ctx.CasID
	return ev
}

func (d *Dispatcher) waitTimeout(ctx *proxycontext.Context) time.Duration {
	if ctx.WaitTimeout > 0 {
		return ctx.WaitTimeout
	}
	return d.DefaultWaitTimeout
}

// allocResult tells a handler whether the statement now has a CAS bound
// to it, or whether it was parked and the handler must return early.
type allocResult int

const (
	allocDone allocResult = iota
	allocParked
)

// allocateForStatement runs the CAS allocation policy (spec §4.5) for a
// request that is not already in a transaction. On success it updates
// ctx's transaction affinity and reports allocDone. On temporary
// unavailability it parks ev on the shard's wait-queue and reports
// allocParked — the caller must return (nil, nil) immediately.
func (d *Dispatcher) allocateForStatement(ctx *proxycontext.Context, ev *wire.Event, shardID int, fn fncode.Code) (*wire.Event, allocResult, error) {
	if ctx.IsInTran {
		return nil, allocDone, nil
	}
	req := casio.AllocRequest{
		ClientID: ctx.ClientID,
		ShardID:  shardID,
		CasID:    -1,
		CtxCid:   ctx.Cid,
		CtxUid:   ctx.Uid,
		Timeout:  d.waitTimeout(ctx),
		FuncCode: fn,
		DBUser:   ctx.DBUser,
		DBPasswd: ctx.DBPasswd,
	}
	c, res, err := d.Cas.AllocByCtx(req, time.Now())
	if err != nil {
		return nil, allocDone, proxyerr.Internal(err.Error())
	}
	switch res {
	case casio.AllocOK:
		proxycontext.BeginTran(ctx, c.ShardID, c.CasID)
		return nil, allocDone, nil
	case casio.AllocTemporarilyUnavailable:
		ctx.WaitingEvent = ev
		return nil, allocParked, nil
	default:
		return nil, allocDone, proxyerr.Internal("CAS allocation failed fatally")
	}
}

// allocateAndForward is the common case of "allocate a CAS with no
// shard hint, then forward ev verbatim" used by CHECK_CAS.
func (d *Dispatcher) allocateAndForward(ctx *proxycontext.Context, ev *wire.Event, shardID int, fn fncode.Code) (*wire.Event, error) {
	resp, res, err := d.allocateForStatement(ctx, ev, shardID, fn)
	if err != nil {
		return nil, err
	}
	if res == allocParked {
		return resp, nil
	}
	return d.casRequest(ctx, ev), nil
}
