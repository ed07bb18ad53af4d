// Package stmtpool implements the prepared-statement cache (spec §2.7,
// §3 "Stmt", §4.6): a hash map keyed by (rewritten_sql, db_user,
// protocol_version), an LRU of unpinned entries, a per-statement
// srv-handle matrix, and per-statement wait queues for prepare
// coalescing.
package stmtpool

import (
	"container/list"
	"fmt"

	"github.com/cubrid/shardproxy/internal/handlepool"
	"github.com/cubrid/shardproxy/internal/waitqueue"
)

// Status is a Stmt's lifecycle state (spec §3 "Stmt").
type Status int

const (
	StatusUnused Status = iota
	StatusInProgress
	StatusComplete
	StatusInvalid
)

// Type distinguishes cached, cache-bypassing schema-info, and
// cache-bypassing exclusive (prepare-and-execute) statements (spec §4.6
// "Schema-info and exclusive statements bypass the cache").
type Type int

const (
	TypePrepared Type = iota
	TypeSchemaInfo
	TypeExclusive
)

// ProtoVersion buckets the client protocol version coarsely, per spec
// §4.6: "<8.3.0, <8.4.0, ≤V1, ≥V2 current".
type ProtoVersion int

const (
	ProtoPre830 ProtoVersion = iota
	ProtoPre840
	ProtoV1
	ProtoV2Current
)

// BucketProtoVersion maps a raw (major, minor, isV2) driver version into
// one of the four coarse buckets the cache key uses.
func BucketProtoVersion(major, minor int, isV2Protocol bool) ProtoVersion {
	if isV2Protocol {
		return ProtoV2Current
	}
	if major < 8 || (major == 8 && minor < 3) {
		return ProtoPre830
	}
	if major == 8 && minor < 4 {
		return ProtoPre840
	}
	return ProtoV1
}

// CasSlot addresses one (shard, cas) pair in a Stmt's server-handle matrix.
type CasSlot struct {
	ShardID int
	CasID   int
}

const invalidSrvHID int32 = -1

// Stmt is a prepared-statement cache entry (spec §3).
type Stmt struct {
	StmtHID handlepool.Handle
	index   int

	Status Status
	Type   Type

	ClientVersion ProtoVersion
	SQL           string
	DatabaseUser  string

	OwnerCid int
	OwnerUid uint32

	pinCount int
	lruElem  *list.Element // nil while pinned

	PrepareRequestBytes []byte
	PrepareReplyBytes   []byte

	srvHID map[CasSlot]int32

	WaitQ waitqueue.Queue

	key string
}

func (s *Stmt) PinCount() int { return s.pinCount }

// SrvHID returns the per-(shard,cas) real server handle id for this
// statement, or (0, false) if the CAS has never successfully prepared it.
func (s *Stmt) SrvHID(shard, cas int) (int32, bool) {
	v, ok := s.srvHID[CasSlot{shard, cas}]
	if !ok || v == invalidSrvHID {
		return 0, false
	}
	return v, true
}

// InvalidateCas clears every srv_h_id entry for a (shard,cas) slot — spec
// §8 property 5: "after CAS disconnect, all entries with that
// (shard,cas) are INVALID".
func (s *Stmt) InvalidateCas(shard, cas int) {
	delete(s.srvHID, CasSlot{shard, cas})
}

// Pool owns the hash map, LRU, and slot table (spec §2.7).
type Pool struct {
	maxStmt int
	stmts   []Stmt
	slots   *handlepool.Pool
	buckets map[string][]*Stmt
	lru     *list.List // front = most-recently-used, back = eviction candidate
}

func NewPool(maxStmt int) *Pool {
	return &Pool{
		maxStmt: maxStmt,
		stmts:   make([]Stmt, maxStmt),
		slots:   handlepool.New(maxStmt),
		buckets: make(map[string][]*Stmt),
		lru:     list.New(),
	}
}

func cacheKey(sql, dbUser string, ver ProtoVersion) string {
	return fmt.Sprintf("%s\x00%s\x00%d", sql, dbUser, ver)
}

// Find scans the hash bucket for a live (non-Unused, non-Invalid) entry
// matching (sql, user, version) (spec §4.6). An unpinned hit is moved to
// the LRU head (SPEC_FULL §C.5 "Statement LRU touch-on-find"); a pinned
// hit is not in the LRU and is left alone here, and Unpin puts it at the
// head once its last pin drops, so either way it evicts last.
func (p *Pool) Find(sql, dbUser string, ver ProtoVersion) (*Stmt, bool) {
	key := cacheKey(sql, dbUser, ver)
	for _, s := range p.buckets[key] {
		if s.Status == StatusUnused || s.Status == StatusInvalid {
			continue
		}
		if s.pinCount == 0 && s.lruElem != nil {
			p.lru.MoveToFront(s.lruElem)
		}
		return s, true
	}
	return nil, false
}

// NewPrepared reserves a cache entry for (sql, user, version), reusing an
// Unused slot if one exists, else evicting the LRU tail (spec §4.6
// "new_prepared"). Returns an error if the cache is full of pinned
// entries with no Unused slot available.
func (p *Pool) NewPrepared(sql, dbUser string, ver ProtoVersion, ownerCid int, ownerUid uint32) (*Stmt, error) {
	if h, idx, ok := p.slots.Alloc(); ok {
		s := &p.stmts[idx]
		*s = Stmt{index: idx, StmtHID: h, srvHID: make(map[CasSlot]int32)}
		p.initEntry(s, sql, dbUser, ver, ownerCid, ownerUid)
		return s, nil
	}

	back := p.lru.Back()
	if back == nil {
		return nil, fmt.Errorf("stmtpool: exhausted (max_stmt=%d) and LRU is empty (every entry pinned)", p.maxStmt)
	}
	victim := back.Value.(*Stmt)
	p.evict(victim)

	h, idx, ok := p.slots.Alloc()
	if !ok {
		return nil, fmt.Errorf("stmtpool: slot alloc failed immediately after eviction")
	}
	s := &p.stmts[idx]
	*s = Stmt{index: idx, StmtHID: h, srvHID: make(map[CasSlot]int32)}
	p.initEntry(s, sql, dbUser, ver, ownerCid, ownerUid)
	return s, nil
}

func (p *Pool) initEntry(s *Stmt, sql, dbUser string, ver ProtoVersion, ownerCid int, ownerUid uint32) {
	s.Status = StatusInProgress
	s.Type = TypePrepared
	s.SQL = sql
	s.DatabaseUser = dbUser
	s.ClientVersion = ver
	s.OwnerCid = ownerCid
	s.OwnerUid = ownerUid
	s.key = cacheKey(sql, dbUser, ver)
	p.buckets[s.key] = append(p.buckets[s.key], s)
	// InProgress entries are owned, not LRU-resident, until Complete
	// and unpinned — spec §3 invariant "pin-count = 0 ⇔ in LRU" still
	// holds because pinCount starts at 0 but the owning context pins
	// it immediately upon creation in the caller (Dispatcher), before
	// any other context can observe it via Find.
}

func (p *Pool) evict(s *Stmt) {
	p.removeFromBucket(s)
	if s.lruElem != nil {
		p.lru.Remove(s.lruElem)
		s.lruElem = nil
	}
	p.slots.Free(s.index)
}

func (p *Pool) removeFromBucket(s *Stmt) {
	chain := p.buckets[s.key]
	for i, e := range chain {
		if e == s {
			p.buckets[s.key] = append(chain[:i], chain[i+1:]...)
			break
		}
	}
	if len(p.buckets[s.key]) == 0 {
		delete(p.buckets, s.key)
	}
}

// AddSrvHID records a successful prepare's server handle for (shard,cas)
// and, on the statement's first successful prepare, transitions it
// InProgress -> Complete and returns the woken wait-queue entries (spec
// §4.6 "add_srv_h_id").
func (p *Pool) AddSrvHID(s *Stmt, shard, cas int, srvID int32) []waitqueue.WaitEntry {
	s.srvHID[CasSlot{shard, cas}] = srvID
	if s.Status != StatusInProgress {
		return nil
	}
	s.Status = StatusComplete
	var woken []waitqueue.WaitEntry
	for {
		e, ok := s.WaitQ.PopFront()
		if !ok {
			break
		}
		woken = append(woken, e)
	}
	return woken
}

// Pin increments a statement's pin count, removing it from the LRU while
// referenced (spec §4.6 "pin").
func (p *Pool) Pin(s *Stmt) {
	s.pinCount++
	if s.lruElem != nil {
		p.lru.Remove(s.lruElem)
		s.lruElem = nil
	}
}

// Unpin decrements a statement's pin count. At zero it rejoins the LRU
// head, unless the statement is Invalid or not of type Prepared, in
// which case it is freed outright (spec §4.6 "unpin").
func (p *Pool) Unpin(s *Stmt) {
	if s.pinCount > 0 {
		s.pinCount--
	}
	if s.pinCount > 0 {
		return
	}
	if s.Status == StatusInvalid || s.Type != TypePrepared {
		p.evict(s)
		return
	}
	s.lruElem = p.lru.PushFront(s)
}

// Invalidate marks a statement Invalid (e.g. on CAS_ER_STMT_POOLING, or
// on discrepant prepare-for-execute column metadata, spec §4.6). It does
// not free the entry — that happens when the last pin drops (Unpin).
func (p *Pool) Invalidate(s *Stmt) {
	s.Status = StatusInvalid
}

// NewBypass creates a non-cached SchemaInfo or Exclusive entry (spec
// §4.6): created fresh per request, never placed in a hash bucket or the
// LRU, freed explicitly at end-of-transaction via FreeBypass.
func (p *Pool) NewBypass(typ Type, ownerCid int, ownerUid uint32) (*Stmt, error) {
	h, idx, ok := p.slots.Alloc()
	if !ok {
		return nil, fmt.Errorf("stmtpool: exhausted (max_stmt=%d)", p.maxStmt)
	}
	s := &p.stmts[idx]
	*s = Stmt{
		index: idx, StmtHID: h, srvHID: make(map[CasSlot]int32),
		Status: StatusInProgress, Type: typ, OwnerCid: ownerCid, OwnerUid: ownerUid,
	}
	return s, nil
}

func (p *Pool) FreeBypass(s *Stmt) {
	p.slots.Free(s.index)
}

// Resolve looks up a live Stmt by its externally-visible stmt_h_id,
// rejecting stale handles (spec §8 property 6's statement analogue).
func (p *Pool) Resolve(h handlepool.Handle) (*Stmt, bool) {
	idx, ok := p.slots.Resolve(h)
	if !ok {
		return nil, false
	}
	return &p.stmts[idx], true
}

func (p *Pool) InUse() int { return p.slots.InUse() }

// FlushUnpinned evicts every cache entry currently sitting in the LRU
// (pin_count == 0, spec §3 invariant), for the admin "flush statement
// cache" operation (SPEC_FULL §A "Admin/control HTTP API"). Pinned
// entries survive untouched, since evicting one out from under an
// in-flight transaction would violate spec §8 property 5.
func (p *Pool) FlushUnpinned() int {
	n := 0
	for {
		back := p.lru.Back()
		if back == nil {
			break
		}
		p.evict(back.Value.(*Stmt))
		n++
	}
	return n
}

// InvalidateCasSlot clears the srv_h_id entry for (shard,cas) on every
// live statement that has one (spec §8 property 5: "after CAS
// disconnect, all entries with that (shard,cas) are INVALID"). Unlike
// Invalidate, this does not mark the whole Stmt Invalid — other
// (shard,cas) pairs may still hold a perfectly good handle for it.
func (p *Pool) InvalidateCasSlot(shard, cas int) {
	slot := CasSlot{shard, cas}
	for i := range p.stmts {
		s := &p.stmts[i]
		if s.StmtHID == handlepool.Invalid {
			continue
		}
		if _, ok := p.slots.Resolve(s.StmtHID); !ok {
			continue
		}
		delete(s.srvHID, slot)
	}
}

// ForEachWaiting calls fn once per live statement slot that has a
// non-empty wait queue, so a timer sweep can expire stale prepare
// waiters without the pool exposing its slot table directly.
func (p *Pool) ForEachWaiting(fn func(hid uint32, q *waitqueue.Queue)) {
	for i := range p.stmts {
		s := &p.stmts[i]
		if s.StmtHID == handlepool.Invalid || s.WaitQ.Empty() {
			continue
		}
		if _, ok := p.slots.Resolve(s.StmtHID); !ok {
			continue
		}
		fn(uint32(s.StmtHID), &s.WaitQ)
	}
}
