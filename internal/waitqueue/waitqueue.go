// Package waitqueue implements the ordered wait-queue shared by the CAS
// allocator's shard wait-queues and the statement pool's per-statement
// wait-queues (spec §4.8). Entries are a {cid, uid, expire_time} tuple
// (spec GLOSSARY "Wait-context"); ordering is FIFO by expire_time with
// ties broken by insertion order (spec §4.5 "Fairness & ordering").
package waitqueue

import "time"

// WaitEntry identifies the waiting Context by its pool handle, re-validated
// against the generation on wakeup so a recycled slot can't be woken for
// someone else's wait (spec §9 "Cyclic references").
type WaitEntry struct {
	Cid        int
	Uid        uint32
	ExpireTime time.Time
	seq        uint64 // insertion order, used to break ExpireTime ties
}

// Queue is an ordered list of WaitEntry, earliest deadline first.
type Queue struct {
	entries []WaitEntry
	seq     uint64
}

// Insert places e into the queue ordered by ExpireTime (spec §4.5).
func (q *Queue) Insert(cid int, uid uint32, expireAt time.Time) {
	q.seq++
	e := WaitEntry{Cid: cid, Uid: uid, ExpireTime: expireAt, seq: q.seq}
	i := 0
	for ; i < len(q.entries); i++ {
		if expireAt.Before(q.entries[i].ExpireTime) {
			break
		}
	}
	q.entries = append(q.entries, WaitEntry{})
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = e
}

// PopFront removes and returns the earliest-deadline entry.
func (q *Queue) PopFront() (WaitEntry, bool) {
	if len(q.entries) == 0 {
		return WaitEntry{}, false
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	return e, true
}

// Remove deletes the first entry matching (cid, uid), used when a
// context gives up waiting for a reason other than expiry (e.g. it was
// otherwise freed). Returns true if an entry was removed.
func (q *Queue) Remove(cid int, uid uint32) bool {
	for i, e := range q.entries {
		if e.Cid == cid && e.Uid == uid {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// ExpireBefore removes and returns every entry whose deadline is at or
// before now, in deadline order — used by the timer sweep (spec §5
// "Cancellation & timeouts").
func (q *Queue) ExpireBefore(now time.Time) []WaitEntry {
	i := 0
	for i < len(q.entries) && !q.entries[i].ExpireTime.After(now) {
		i++
	}
	if i == 0 {
		return nil
	}
	expired := append([]WaitEntry(nil), q.entries[:i]...)
	q.entries = q.entries[i:]
	return expired
}

func (q *Queue) Len() int { return len(q.entries) }

func (q *Queue) Empty() bool { return len(q.entries) == 0 }
