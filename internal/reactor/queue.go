package reactor

import "github.com/cubrid/shardproxy/internal/wire"

// EventQueue is a single-producer/single-consumer FIFO of *wire.Event
// (spec §4.8 "Dispatch queues"). The reactor never calls a handler
// directly when waking a waiter — it always enqueues a fresh Event here,
// which prevents reentrancy into the Dispatcher (spec §4.8 "Wakeup").
type EventQueue struct {
	items []*wire.Event
}

func (q *EventQueue) Push(e *wire.Event) {
	q.items = append(q.items, e)
}

func (q *EventQueue) Pop() (*wire.Event, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	e := q.items[0]
	q.items = q.items[1:]
	return e, true
}

func (q *EventQueue) Len() int { return len(q.items) }

// Queues bundles the three dispatch queues the Reactor drains each tick
// (spec §4.1 step (c)): cas_rcv_q, cli_ret_q, cli_rcv_q.
type Queues struct {
	CasRcvQ EventQueue // CasResponse events freshly read off CAS sockets
	CliRetQ EventQueue // retried/woken client-side events re-entering dispatch
	CliRcvQ EventQueue // ClientRequest events freshly read off client sockets
}
