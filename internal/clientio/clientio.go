// Package clientio implements the fixed-size ClientIO slot table (spec
// §2.4, §3 "ClientIO").
package clientio

import (
	"fmt"

	"github.com/cubrid/shardproxy/internal/handlepool"
)

// ClientIO is created on accept and destroyed when its owning Context is
// freed. The slot index doubles as the externally-stable client_id.
type ClientIO struct {
	ClientID int
	Fd       int

	CtxCid int
	CtxUid uint32

	ClientVersion      uint32
	ClientCapabilities uint32
}

// Pool is the fixed-size table of ClientIO slots (spec §2.4).
type Pool struct {
	slots []ClientIO
	fds   map[int]int // fd -> slot index, for O(1) lookup on socket readiness
	pool  *handlepool.Pool
}

func NewPool(maxClient int) *Pool {
	return &Pool{
		slots: make([]ClientIO, maxClient),
		fds:   make(map[int]int, maxClient),
		pool:  handlepool.New(maxClient),
	}
}

// Bind allocates a slot for a newly-accepted client fd, bound to the
// Context that owns it for its lifetime (spec §4.1 "Ownership rules").
func (p *Pool) Bind(fd, ctxCid int, ctxUid uint32) (*ClientIO, error) {
	_, idx, ok := p.pool.Alloc()
	if !ok {
		return nil, fmt.Errorf("clientio: pool exhausted (max_client=%d)", len(p.slots))
	}
	c := &p.slots[idx]
	*c = ClientIO{ClientID: idx, Fd: fd, CtxCid: ctxCid, CtxUid: ctxUid}
	p.fds[fd] = idx
	return c, nil
}

// ByClientID returns the slot at index id, if currently allocated.
func (p *Pool) ByClientID(id int) (*ClientIO, bool) {
	if id < 0 || id >= len(p.slots) {
		return nil, false
	}
	if idx, inUse := p.fds[p.slots[id].Fd]; !inUse || idx != id {
		// Fd map is authoritative for liveness; a slot whose fd isn't
		// tracked there has already been released.
		return nil, false
	}
	return &p.slots[id], true
}

// ByFd resolves a ready fd directly to its ClientIO slot — the
// correctness requirement from spec §9 "fd reuse after close cannot
// alias an old entry" is satisfied because Release removes the fd
// mapping before the fd is ever closed and reused by the OS.
func (p *Pool) ByFd(fd int) (*ClientIO, bool) {
	idx, ok := p.fds[fd]
	if !ok {
		return nil, false
	}
	return &p.slots[idx], true
}

// Release frees a ClientIO slot back to the pool (spec §3 "Lifecycles").
func (p *Pool) Release(clientID int) {
	if clientID < 0 || clientID >= len(p.slots) {
		return
	}
	delete(p.fds, p.slots[clientID].Fd)
	p.pool.Free(clientID)
}

func (p *Pool) InUse() int { return p.pool.InUse() }
