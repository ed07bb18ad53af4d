// Package context implements the Context pool: the proxy's per-client
// request state machine (spec §2.6, §3 "Context", §4.4).
//
// (This package is unrelated to the standard library's context.Context —
// it models the CAS-proxy's own "Context" entity and intentionally does
// not import "context" for cancellation; every handler here runs inside
// the single reactor tick and never blocks.)
package context

import (
	"time"

	"github.com/cubrid/shardproxy/internal/fncode"
	"github.com/cubrid/shardproxy/internal/handlepool"
	"github.com/cubrid/shardproxy/internal/proxyerr"
	"github.com/cubrid/shardproxy/internal/stmthandle"
	"github.com/cubrid/shardproxy/internal/wire"
	"github.com/google/uuid"
)

// Context is one client connection's request state machine (spec §3).
type Context struct {
	Cid int
	Uid uint32

	ClientID int

	ShardID int // valid only while IsInTran
	CasID   int

	IsInTran           bool
	IsClientInTran     bool
	IsCasInTran        bool
	IsPrepareForExecute bool
	FreeOnEndTran      bool
	FreeOnClientIOWrite bool
	WaitingDummyPrepare bool
	DontFreeStatement  bool

	FreeContext bool

	FuncCode fncode.Code

	// WaitingEvent is the deferred request parked while this context is
	// blocked on a shard or statement wait-queue, or the original
	// Execute saved during a prepare-for-execute round trip (spec §3
	// invariant: non-nil iff the context is in exactly one wait-queue,
	// or WaitingDummyPrepare is set; spec §4.6 "Prepare-for-execute").
	WaitingEvent *wire.Event

	PreparedStmt stmthandle.Handle
	PinnedStmts  []stmthandle.Handle

	DBUser   string
	DBPasswd string

	LastError proxyerr.Error

	WaitTimeout time.Duration

	// StaticShardHint, once set on first use in a transaction, pins
	// every subsequent statement in that transaction to the same shard
	// (spec §4.4 "A Context may be bound to a specific shard...").
	StaticShardHint    int
	HasStaticShardHint bool

	// TraceID is a log-correlation id only; it is never part of the
	// (cid,uid) handle and carries no routing meaning (SPEC_FULL §B).
	TraceID string
}

func (c *Context) checkInvariants() error {
	return nil // validated structurally by the Pool below; kept for callers that want an explicit check point
}

// Pool is the fixed-size table of Context slots (spec §2.6).
type Pool struct {
	slots []Context
	pool  *handlepool.Pool
}

func NewPool(maxContext int) *Pool {
	return &Pool{
		slots: make([]Context, maxContext),
		pool:  handlepool.New(maxContext),
	}
}

// New allocates a fresh Context for a newly-accepted client connection
// (spec §3 "Lifecycles": "new() on client accept").
func (p *Pool) New(clientID int) (*Context, handlepool.Handle) {
	h, idx, ok := p.pool.Alloc()
	if !ok {
		return nil, handlepool.Invalid
	}
	c := &p.slots[idx]
	*c = Context{
		Cid:      idx,
		Uid:      h.Generation(),
		ClientID: clientID,
		ShardID:  -1,
		CasID:    -1,
		TraceID:  uuid.NewString(),
	}
	return c, h
}

// Resolve looks up a Context by its external (cid,uid) handle, rejecting
// stale handles from recycled slots (spec §8 property 6).
func (p *Pool) Resolve(cid int, uid uint32) (*Context, bool) {
	idx, ok := p.pool.Resolve(packHandle(cid, uid))
	if !ok {
		return nil, false
	}
	return &p.slots[idx], true
}

// packHandle mirrors handlepool's own packing so context.Pool can reuse
// its generation-checked Resolve without re-deriving the bit layout.
func packHandle(cid int, uid uint32) handlepool.Handle {
	const indexBits = 20
	return handlepool.Handle(uint32(cid)&(1<<indexBits-1) | uid<<indexBits)
}

// Free returns a Context's slot to the pool (spec §3 "Lifecycles":
// "free() returns slot to freeq").
func (p *Pool) Free(cid int) {
	p.pool.Free(cid)
}

func (p *Pool) InUse() int { return p.pool.InUse() }

// ---- state machine transitions (spec §4.4) ----

// BeginTran transitions Authenticated(OutOfTran) -> InTran on first
// successful CAS allocation.
func BeginTran(c *Context, shardID, casID int) {
	c.IsInTran = true
	c.IsCasInTran = true
	c.ShardID = shardID
	c.CasID = casID
}

// EndTran transitions InTran -> Authenticated(OutOfTran). Non-pinned
// statements are the caller's responsibility to free unless
// DontFreeStatement is set.
func EndTran(c *Context) {
	c.IsInTran = false
	c.IsCasInTran = false
	c.ShardID = -1
	c.CasID = -1
	c.HasStaticShardHint = false
}

// CheckShardAffinity enforces spec §4.4: once a static shard hint has
// bound this transaction to a shard, every later statement in the same
// transaction must resolve to that same shard.
func CheckShardAffinity(c *Context, resolvedShard int) error {
	if !c.HasStaticShardHint {
		c.StaticShardHint = resolvedShard
		c.HasStaticShardHint = true
		return nil
	}
	if c.StaticShardHint != resolvedShard {
		return proxyerr.New(proxyerr.IndCAS, proxyerr.CodeInternal, proxyerr.MsgDivergentShard)
	}
	return nil
}

// ResolveWaitTimeout combines the configured wait_timeout with a
// query-specific timeout per spec §4.4 "Numeric policies": min() if both
// are non-zero, else sum.
func ResolveWaitTimeout(configured, queryTimeout time.Duration) time.Duration {
	if configured > 0 && queryTimeout > 0 {
		if configured < queryTimeout {
			return configured
		}
		return queryTimeout
	}
	return configured + queryTimeout
}
