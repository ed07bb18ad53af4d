// Package timerloop implements the proxy's once-a-tick expiry sweep
// (spec §2.11, §5 "Cancellation & timeouts"): walking every shard's
// wait-queue and every statement's wait-queue for entries past their
// deadline, and turning each into a client-visible timeout error rather
// than letting it wait forever for a CAS or a prepare that will never
// come.
package timerloop

import (
	"time"

	"github.com/cubrid/shardproxy/internal/casio"
	"github.com/cubrid/shardproxy/internal/stmtpool"
	"github.com/cubrid/shardproxy/internal/waitqueue"
)

// Expired is one wait-queue entry that aged out, tagged with enough
// context for the caller (Dispatcher, via proxyrt) to synthesize a
// timeout reply and free whatever it was waiting on.
type Expired struct {
	Entry waitqueue.WaitEntry
	// Shard/Stmt name which table the entry expired out of; exactly one
	// of ShardID (>=0) or StmtHID (non-zero) is set.
	ShardID int
	StmtHID uint32
}

// Sweep runs one timer tick: every shard's wait-queue and every live
// statement's wait-queue are checked for entries whose deadline has
// passed. It never blocks and never touches a socket — the caller
// decides how to turn an Expired entry into wire traffic.
func Sweep(cas *casio.Table, stmts *stmtpool.Pool, now time.Time) []Expired {
	var out []Expired
	for i := 0; i < cas.NumShards(); i++ {
		shard, ok := cas.Shard(i)
		if !ok {
			continue
		}
		for _, e := range shard.WaitQ.ExpireBefore(now) {
			out = append(out, Expired{Entry: e, ShardID: i})
		}
	}
	out = append(out, sweepStatements(stmts, now)...)
	return out
}

// sweepStatements walks every in-use statement slot. stmtpool does not
// expose its slots directly (spec §9 "table internals stay package
// private"), so Pool.ForEachWaiting provides the narrow iteration this
// sweep needs.
func sweepStatements(stmts *stmtpool.Pool, now time.Time) []Expired {
	var out []Expired
	stmts.ForEachWaiting(func(hid uint32, q *waitqueue.Queue) {
		for _, e := range q.ExpireBefore(now) {
			out = append(out, Expired{Entry: e, StmtHID: hid, ShardID: -1})
		}
	})
	return out
}
