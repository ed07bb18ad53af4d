// Package casio implements the per-shard CasIO table, the shard's wait
// queue, and the CAS allocator (spec §2.5, §3 "CasIO"/"ShardIO", §4.5).
package casio

import (
	"fmt"
	"time"

	"github.com/cubrid/shardproxy/internal/fncode"
	"github.com/cubrid/shardproxy/internal/waitqueue"
)

// Status is the connection state of a CasIO slot (spec §3 "SocketIO").
type Status int

const (
	StatusNotConnected Status = iota
	StatusConnected
	StatusCloseWait
)

// CasIO is one (shard, cas) slot (spec §3).
type CasIO struct {
	ShardID int
	CasID   int
	Fd      int
	Status  Status

	IsInTran bool
	OwnerCid int
	OwnerUid uint32

	// Credentials last bound to this CAS connection, used for the
	// same-credentials-matching allocation policy (spec §4.5 step 3)
	// and to detect when reflecting new credentials requires a
	// CAS-side reconnect.
	DBUser   string
	DBPasswd string
}

// AllocResult distinguishes the three outcomes of AllocByCtx (spec §4.5).
type AllocResult int

const (
	AllocOK AllocResult = iota
	AllocTemporarilyUnavailable
	AllocFatal
)

// ShardIO aggregates one shard's CAS table, occupancy counters, and wait
// queue (spec §3 "ShardIO").
type ShardIO struct {
	ShardID     int
	Cas         []CasIO
	NumCasInTran int
	CurNumCas    int
	MaxNumCas    int
	WaitQ        waitqueue.Queue
	Draining     bool
}

func newShardIO(shardID, maxNumCas int) *ShardIO {
	s := &ShardIO{ShardID: shardID, MaxNumCas: maxNumCas, CurNumCas: maxNumCas}
	s.Cas = make([]CasIO, maxNumCas)
	for i := range s.Cas {
		s.Cas[i] = CasIO{ShardID: shardID, CasID: i}
	}
	return s
}

func (s *ShardIO) checkInvariant() error {
	if s.NumCasInTran < 0 || s.NumCasInTran > s.CurNumCas {
		return fmt.Errorf("casio: shard %d invariant violated: num_cas_in_tran=%d cur_num_cas=%d",
			s.ShardID, s.NumCasInTran, s.CurNumCas)
	}
	return nil
}

// Table owns every shard's ShardIO and the round-robin cursor used when
// a request has no shard preference (spec §4.5 step 3/5, SPEC_FULL §C.4).
type Table struct {
	shards   []*ShardIO
	rrCursor int
}

func NewTable(numShards, maxNumCasPerShard int) *Table {
	t := &Table{shards: make([]*ShardIO, numShards)}
	for i := 0; i < numShards; i++ {
		t.shards[i] = newShardIO(i, maxNumCasPerShard)
	}
	return t
}

func (t *Table) Shard(id int) (*ShardIO, bool) {
	if id < 0 || id >= len(t.shards) {
		return nil, false
	}
	return t.shards[id], true
}

func (t *Table) NumShards() int { return len(t.shards) }

// SetDraining flips a shard's drain flag: while draining, the
// no-shard-preference allocation path (step 3/5) skips it, but explicit
// shard selection and in-tran reuse are unaffected, so existing
// transactions finish normally.
func (t *Table) SetDraining(shardID int, draining bool) error {
	shard, ok := t.Shard(shardID)
	if !ok {
		return fmt.Errorf("casio: shard %d does not exist", shardID)
	}
	shard.Draining = draining
	return nil
}

// AllocRequest carries everything AllocByCtx needs (spec §4.5 signature).
type AllocRequest struct {
	ClientID int
	ShardID  int // -1 if unspecified
	CasID    int // -1 if unspecified
	CtxCid   int
	CtxUid   uint32
	Timeout  time.Duration
	FuncCode fncode.Code
	DBUser   string
	DBPasswd string

	// AlreadyInTran / CurShardID / CurCasID describe the context's
	// existing transaction affinity, if any (spec §4.5 step 1).
	AlreadyInTran bool
	CurShardID    int
	CurCasID      int
}

// AllocByCtx implements the five-step allocation policy of spec §4.5.
// On AllocOK it returns the matched CasIO; on AllocTemporarilyUnavailable
// the context has been enqueued on the relevant shard's wait-queue and
// the caller must park its event; AllocFatal means the request itself is
// invalid (e.g. a stale in-tran slot reference) and the context should
// be torn down.
func (t *Table) AllocByCtx(req AllocRequest, now time.Time) (*CasIO, AllocResult, error) {
	// Step 1: already in tran with a specific (shard,cas) — must reuse it.
	if req.AlreadyInTran {
		shard, ok := t.Shard(req.CurShardID)
		if !ok {
			return nil, AllocFatal, fmt.Errorf("casio: context claims in-tran shard %d which does not exist", req.CurShardID)
		}
		if req.CurCasID < 0 || req.CurCasID >= len(shard.Cas) {
			return nil, AllocFatal, fmt.Errorf("casio: context claims in-tran cas %d out of range", req.CurCasID)
		}
		c := &shard.Cas[req.CurCasID]
		if c.OwnerCid != req.CtxCid || c.OwnerUid != req.CtxUid || c.Status != StatusConnected {
			return nil, AllocFatal, fmt.Errorf("casio: in-tran CAS (%d,%d) ownership mismatch", req.CurShardID, req.CurCasID)
		}
		return c, AllocOK, nil
	}

	// Step 2: caller named a specific shard — pick an idle CAS there.
	if req.ShardID >= 0 {
		shard, ok := t.Shard(req.ShardID)
		if !ok {
			return nil, AllocFatal, fmt.Errorf("casio: shard %d does not exist", req.ShardID)
		}
		if c := t.pickInShard(shard, req.FuncCode, req.DBUser, req.DBPasswd); c != nil {
			t.commit(shard, c, req, now)
			return c, AllocOK, nil
		}
		t.enqueue(shard, req, now)
		return nil, AllocTemporarilyUnavailable, nil
	}

	// Steps 3/5: no shard preference — policy by function code, starting
	// from the round-robin cursor (spec §4.5 step 3, SPEC_FULL §C.4).
	start := t.rrCursor
	t.rrCursor = (t.rrCursor + 1) % len(t.shards)
	for i := 0; i < len(t.shards); i++ {
		idx := (start + i) % len(t.shards)
		shard := t.shards[idx]
		if shard.Draining {
			continue
		}
		if c := t.pickInShard(shard, req.FuncCode, req.DBUser, req.DBPasswd); c != nil {
			t.commit(shard, c, req, now)
			return c, AllocOK, nil
		}
	}
	startShard := t.shards[start]
	t.enqueue(startShard, req, now)
	return nil, AllocTemporarilyUnavailable, nil
}

// pickInShard selects an idle CAS within one shard according to the
// function-code policy of spec §4.5 step 3: CHECK_CAS scans
// descending (prefers higher-indexed CAS, spreading its traffic away
// from the low-indexed CAS other requests favor); every other code
// first looks for a same-credentials match, then falls back to
// ascending scan.
func (t *Table) pickInShard(shard *ShardIO, fn fncode.Code, dbUser, dbPasswd string) *CasIO {
	if fn == fncode.FnCheckCas {
		for i := len(shard.Cas) - 1; i >= 0; i-- {
			if isIdle(&shard.Cas[i]) {
				return &shard.Cas[i]
			}
		}
		return nil
	}
	for i := range shard.Cas {
		c := &shard.Cas[i]
		if isIdle(c) && c.Status == StatusConnected && c.DBUser == dbUser && c.DBPasswd == dbPasswd {
			return c
		}
	}
	for i := range shard.Cas {
		if isIdle(&shard.Cas[i]) {
			return &shard.Cas[i]
		}
	}
	return nil
}

func isIdle(c *CasIO) bool {
	return c.Status == StatusConnected && !c.IsInTran
}

func (t *Table) commit(shard *ShardIO, c *CasIO, req AllocRequest, now time.Time) {
	shard.NumCasInTran++
	c.IsInTran = true
	c.OwnerCid = req.CtxCid
	c.OwnerUid = req.CtxUid
	// The request's credentials overwrite the slot's. No server-handle
	// mapping is cleared when they change: nothing in this package or in
	// the statement pool calls CredentialsChanged, so srv_h_id entries
	// for this slot survive a credential change.
	c.DBUser = req.DBUser
	c.DBPasswd = req.DBPasswd
}

// CredentialsChanged reports whether committing req to c would require
// the CAS side to reconnect under new credentials (spec §4.5 step 4).
func CredentialsChanged(c *CasIO, dbUser, dbPasswd string) bool {
	return c.DBUser != dbUser || c.DBPasswd != dbPasswd
}

func (t *Table) enqueue(shard *ShardIO, req AllocRequest, now time.Time) {
	shard.WaitQ.Insert(req.CtxCid, req.CtxUid, now.Add(req.Timeout))
}

// ReleaseByCtx implements spec §4.5 "Release": clears in-tran, pops the
// wait-queue head (stale contexts are not skipped here; the entry's
// (cid, uid) is returned as queued), and returns the woken WaitEntry, if
// any, so the caller can synthesize a WakeupByShard event.
func (t *Table) ReleaseByCtx(shardID, casID int) (*waitqueue.WaitEntry, error) {
	shard, ok := t.Shard(shardID)
	if !ok {
		return nil, fmt.Errorf("casio: release: shard %d does not exist", shardID)
	}
	if casID < 0 || casID >= len(shard.Cas) {
		return nil, fmt.Errorf("casio: release: cas %d out of range", casID)
	}
	c := &shard.Cas[casID]
	if c.IsInTran {
		c.IsInTran = false
		c.OwnerCid = 0
		c.OwnerUid = 0
		shard.NumCasInTran--
	}
	if err := shard.checkInvariant(); err != nil {
		return nil, err
	}
	if entry, ok := shard.WaitQ.PopFront(); ok {
		return &entry, nil
	}
	return nil, nil
}

// MarkDisconnected transitions a CAS slot to CloseWait, releasing any
// in-tran bookkeeping the way ReleaseByCtx does (spec §4.2 "Error
// semantics", §4.4 "CAS disconnect retry"). It reports the context that
// owned the slot's in-flight request, if any, so the caller can requeue
// that context's request for retry elsewhere.
func (t *Table) MarkDisconnected(shardID, casID int) (ownerCid int, ownerUid uint32, wasOwned bool) {
	shard, ok := t.Shard(shardID)
	if !ok {
		return 0, 0, false
	}
	if casID < 0 || casID >= len(shard.Cas) {
		return 0, 0, false
	}
	c := &shard.Cas[casID]
	if c.IsInTran {
		shard.NumCasInTran--
		ownerCid, ownerUid, wasOwned = c.OwnerCid, c.OwnerUid, true
	}
	c.IsInTran = false
	c.OwnerCid = 0
	c.OwnerUid = 0
	c.Status = StatusCloseWait
	return ownerCid, ownerUid, wasOwned
}
