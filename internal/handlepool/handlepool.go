// Package handlepool implements the (index, generation) slot-table pattern
// used everywhere the proxy hands an external handle back to a caller who
// might hold onto it past the slot's lifetime (spec §3 "Identifiers", §9
// "Handle packing replaces raw pointers").
//
// A Handle packs an index and a generation into a single uint32 so it can
// travel through driver-protocol byte fields. Generation is bumped
// (skipping zero) on every allocation of a slot; a holder of a stale
// handle is rejected by a generation mismatch instead of aliasing a
// recycled slot.
package handlepool

import "fmt"

const (
	indexBits = 20
	indexMask = 1<<indexBits - 1
	genBits   = 32 - indexBits
	genMask   = 1<<genBits - 1
)

// MaxSlots is the largest table this package can address.
const MaxSlots = 1 << indexBits

// Handle is an externally-visible, opaque (index, generation) pair.
type Handle uint32

// Invalid is never returned by Alloc and never matches a live slot.
const Invalid Handle = 0

func pack(index int, gen uint32) Handle {
	return Handle(uint32(index)&indexMask | (gen&genMask)<<indexBits)
}

func (h Handle) Index() int      { return int(uint32(h) & indexMask) }
func (h Handle) Generation() uint32 { return (uint32(h) >> indexBits) & genMask }

func (h Handle) String() string {
	return fmt.Sprintf("(%d,%d)", h.Index(), h.Generation())
}

// Pool is a fixed-size table of slots addressed by Handle. It owns only
// the free-queue and generation bookkeeping; callers store their own
// per-slot payload in a parallel slice indexed the same way.
type Pool struct {
	size int
	gen  []uint32 // current generation of each slot, 0 = free & never allocated
	used []bool
	free []int // LIFO free queue of slot indices
}

// New creates a pool with room for size slots.
func New(size int) *Pool {
	if size <= 0 || size > MaxSlots {
		panic("handlepool: size out of range")
	}
	p := &Pool{
		size: size,
		gen:  make([]uint32, size),
		used: make([]bool, size),
		free: make([]int, size),
	}
	for i := 0; i < size; i++ {
		p.free[i] = size - 1 - i
	}
	return p
}

// Alloc reserves a slot, bumps its generation, and returns the new handle.
// Returns ok=false if the pool is exhausted.
func (p *Pool) Alloc() (h Handle, index int, ok bool) {
	if len(p.free) == 0 {
		return 0, -1, false
	}
	n := len(p.free) - 1
	idx := p.free[n]
	p.free = p.free[:n]

	p.gen[idx] = (p.gen[idx] + 1) & genMask
	if p.gen[idx] == 0 {
		p.gen[idx] = 1 // generation 0 is reserved, never issued
	}
	p.used[idx] = true
	return pack(idx, p.gen[idx]), idx, true
}

// Free returns a slot to the free queue. The slot's generation is left
// as-is (it was already bumped at Alloc time) so any handle referencing
// this allocation is now stale.
func (p *Pool) Free(index int) {
	if index < 0 || index >= p.size || !p.used[index] {
		return
	}
	p.used[index] = false
	p.free = append(p.free, index)
}

// Resolve validates a handle against the slot table and returns the slot
// index iff the handle's generation still matches the live slot.
func (p *Pool) Resolve(h Handle) (index int, ok bool) {
	idx := h.Index()
	if idx < 0 || idx >= p.size || !p.used[idx] {
		return -1, false
	}
	if p.gen[idx] != h.Generation() {
		return -1, false
	}
	return idx, true
}

// InUse reports the number of currently-allocated slots.
func (p *Pool) InUse() int { return p.size - len(p.free) }

// Size reports the table's fixed capacity.
func (p *Pool) Size() int { return p.size }
