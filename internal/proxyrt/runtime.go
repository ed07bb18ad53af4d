// Package proxyrt wires every table package and the Dispatcher into one
// running proxy: the reactor's listener sockets, its accept/read/write
// plumbing, and the per-tick dispatch-and-reply loop (spec §2, §4.1).
// This is the single place that owns goroutines and real file
// descriptors; every other internal package stays pure and
// single-threaded, the way the teacher keeps its protocol/dispatch
// layers free of socket plumbing.
package proxyrt

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cubrid/shardproxy/internal/casio"
	proxycontext "github.com/cubrid/shardproxy/internal/context"
	"github.com/cubrid/shardproxy/internal/clientio"
	"github.com/cubrid/shardproxy/internal/config"
	"github.com/cubrid/shardproxy/internal/dispatch"
	"github.com/cubrid/shardproxy/internal/fncode"
	"github.com/cubrid/shardproxy/internal/reactor"
	"github.com/cubrid/shardproxy/internal/router"
	"github.com/cubrid/shardproxy/internal/statsexport"
	"github.com/cubrid/shardproxy/internal/stmtpool"
	"github.com/cubrid/shardproxy/internal/timerloop"
	"github.com/cubrid/shardproxy/internal/wire"
)

// Runtime aggregates every table and the Dispatcher into the one value
// cmd/proxy constructs at startup (SPEC_FULL §B "proxy runtime").
type Runtime struct {
	cfg *config.Config

	Contexts *proxycontext.Pool
	Clients  *clientio.Pool
	Cas      *casio.Table
	Stmts    *stmtpool.Pool
	Router   *router.Table

	Reactor    *reactor.Reactor
	Dispatcher *dispatch.Dispatcher

	clientListener *os.File
	casListener    *os.File

	lastSweep time.Time

	adminReqs chan func()
}

// New builds every table from cfg but does not yet open a socket.
func New(cfg *config.Config) (*Runtime, error) {
	var rtr *router.Table
	if len(cfg.Router.Ranges) > 0 {
		ranges := make([]router.Range, len(cfg.Router.Ranges))
		for i, r := range cfg.Router.Ranges {
			ranges[i] = router.Range{Min: r.Min, Max: r.Max, Shard: r.Shard}
		}
		kt, err := parseKeyType(cfg.Router.KeyType)
		if err != nil {
			return nil, err
		}
		appl := router.ApplServerCUBRID
		if cfg.Router.ApplServer == "mysql" {
			appl = router.ApplServerMySQL
		}
		rtr, err = router.NewTable(kt, appl, ranges)
		if err != nil {
			return nil, fmt.Errorf("proxyrt: shard router config: %w", err)
		}
	}

	rx, err := reactor.New()
	if err != nil {
		return nil, fmt.Errorf("proxyrt: reactor: %w", err)
	}

	rt := &Runtime{
		cfg:      cfg,
		Contexts: proxycontext.NewPool(cfg.Server.MaxContext),
		Clients:  clientio.NewPool(cfg.Server.MaxClient),
		Cas:      casio.NewTable(cfg.Shards.NumShards, cfg.Shards.MaxNumCasPerShard),
		Stmts:    stmtpool.NewPool(cfg.Server.MaxStmt),
		Router:    rtr,
		Reactor:   rx,
		adminReqs: make(chan func(), 8),
	}

	rt.Dispatcher = dispatch.New(dispatch.Deps{
		Contexts:           rt.Contexts,
		Clients:            rt.Clients,
		Cas:                rt.Cas,
		Stmts:              rt.Stmts,
		Router:              rt.Router,
		Sockets:            rx.Sockets,
		Queues:             &rx.Queues,
		DefaultWaitTimeout: cfg.Server.WaitTimeout(),
	})
	return rt, nil
}

func parseKeyType(s string) (router.KeyType, error) {
	switch s {
	case "int", "":
		return router.KeyInt, nil
	case "bigint":
		return router.KeyBigInt, nil
	case "short":
		return router.KeyShort, nil
	case "string":
		return router.KeyString, nil
	default:
		return 0, fmt.Errorf("proxyrt: unknown router key_type %q", s)
	}
}

// Listen opens the broker (client) and CAS-registration listeners and
// registers both with the reactor (spec §4.1 "The listener sockets
// are...").
func (rt *Runtime) Listen() error {
	cf, cfd, err := listenNonblocking(rt.cfg.Broker.ListenAddr)
	if err != nil {
		return fmt.Errorf("proxyrt: client listener: %w", err)
	}
	rt.clientListener = cf
	if err := rt.Reactor.RegisterListener(cfd, false); err != nil {
		return err
	}

	sf, sfd, err := listenNonblocking(rt.cfg.Shards.RegisterListenAddr)
	if err != nil {
		return fmt.Errorf("proxyrt: cas register listener: %w", err)
	}
	rt.casListener = sf
	if err := rt.Reactor.RegisterListener(sfd, true); err != nil {
		return err
	}

	slog.Info("proxyrt: listening", "broker_addr", rt.cfg.Broker.ListenAddr, "cas_register_addr", rt.cfg.Shards.RegisterListenAddr)
	return nil
}

// listenNonblocking opens a TCP listener and returns both the *os.File
// backing it (kept alive so the fd isn't closed by the GC finalizer) and
// its raw, non-blocking fd for the reactor's poller.
func listenNonblocking(addr string) (*os.File, int, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, -1, err
	}
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, -1, fmt.Errorf("proxyrt: listener for %q is not TCP", addr)
	}
	f, err := tl.File()
	// tl.File() dup's the fd into f and leaves ln's original fd owned by
	// ln; we only need one, so close the net.Listener wrapper and keep f.
	tl.Close()
	if err != nil {
		return nil, -1, err
	}
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		f.Close()
		return nil, -1, err
	}
	return f, fd, nil
}

// Close releases both listener fds. Client/CAS connection fds are owned
// by the reactor's socket table and closed via Destroy as their owning
// Context/CasIO slots are torn down.
func (rt *Runtime) Close() error {
	if rt.clientListener != nil {
		rt.clientListener.Close()
	}
	if rt.casListener != nil {
		rt.casListener.Close()
	}
	return rt.Reactor.Close()
}

// onAccept implements reactor.AcceptHandler for both listeners via
// accept4(SOCK_NONBLOCK), avoiding a separate fcntl round-trip per
// connection.
func onAccept(listenerFd int) (int, bool, error) {
	nfd, _, err := unix.Accept4(listenerFd, unix.SOCK_NONBLOCK)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, false, nil
		}
		return 0, false, err
	}
	return nfd, true, nil
}

func sysRead(fd int, buf []byte) (int, error)  { return unix.Read(fd, buf) }
func sysWrite(fd int, buf []byte) (int, error) { return unix.Write(fd, buf) }

// Run drives the reactor loop until ctx is cancelled (spec §4.1 "one
// reactor loop", §6 "graceful shutdown"). Each tick: poll and frame I/O,
// drain the three dispatch queues, run the Dispatcher, and queue any
// reply for write. A timer sweep (spec §2.11) runs roughly once a
// second to expire stale wait-queue entries.
func (rt *Runtime) Run(ctx context.Context) error {
	tick := time.Duration(rt.cfg.Server.TickMillis) * time.Millisecond
	if tick <= 0 {
		tick = reactor.DefaultTickMillis * time.Millisecond
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if rt.Reactor.ShuttingDown() {
			return nil
		}

		if err := rt.Reactor.Tick(int(tick/time.Millisecond), onAccept, rt.onRegistered, sysRead, sysWrite); err != nil {
			slog.Error("proxyrt: reactor tick failed", "error", err)
		}

		rt.drainAndDispatch()
		rt.drainAdmin()
		rt.maybeSweep()
	}
}

// drainAdmin runs any pending cross-goroutine admin requests (statement
// cache flush, shard drain) on the reactor thread, so handlers never
// touch table-package state directly from an net/http goroutine (spec's
// "single reactor thread owns all table state" invariant).
func (rt *Runtime) drainAdmin() {
	for {
		select {
		case fn := <-rt.adminReqs:
			fn()
		default:
			return
		}
	}
}

// runOnReactor submits fn to run on the reactor goroutine during its next
// tick and blocks until it has run. Used by adminapi so its HTTP handlers
// never mutate table-package state off the reactor thread.
func (rt *Runtime) runOnReactor(fn func()) {
	done := make(chan struct{})
	rt.adminReqs <- func() {
		fn()
		close(done)
	}
	<-done
}

// FlushUnpinned implements adminapi.Flusher: it evicts every unpinned
// statement-cache entry, executed on the reactor thread via runOnReactor.
func (rt *Runtime) FlushUnpinned() int {
	var n int
	rt.runOnReactor(func() { n = rt.Stmts.FlushUnpinned() })
	return n
}

// MarkShardDraining implements adminapi.DrainNotifier: it sets a shard's
// drain flag on the reactor thread via runOnReactor.
func (rt *Runtime) MarkShardDraining(shardID int) error {
	var err error
	rt.runOnReactor(func() { err = rt.Cas.SetDraining(shardID, true) })
	return err
}

func (rt *Runtime) drainAndDispatch() {
	for {
		ev, ok := rt.Reactor.Queues.CasRcvQ.Pop()
		if !ok {
			break
		}
		if ev.Kind == wire.EventCasResponse && ev.Addr.ShardID < 0 {
			rt.handleCasRegister(ev)
			continue
		}
		rt.dispatchAndReply(ev)
	}
	for _, q := range []*reactor.EventQueue{&rt.Reactor.Queues.CliRetQ, &rt.Reactor.Queues.CliRcvQ} {
		for {
			ev, ok := q.Pop()
			if !ok {
				break
			}
			rt.dispatchAndReply(ev)
		}
	}
}

func (rt *Runtime) dispatchAndReply(ev *wire.Event) {
	resp, err := rt.Dispatcher.Dispatch(ev)
	if err != nil {
		slog.Warn("proxyrt: dispatch error", "error", err)
		return
	}
	rt.sendReply(resp)
}

// sendReply attaches a Dispatcher-produced Event to the socket owning
// its destination and registers write-readiness. A reply with a nil
// buffer (e.g. a bare ack synthesized by the Dispatcher) is encoded as
// a minimal zero-body frame first.
func (rt *Runtime) sendReply(ev *wire.Event) {
	if ev == nil {
		return
	}
	if ev.Buf == nil {
		ev.Buf = wire.NewBuffer(wire.HeaderLen + 1)
		wire.EncodeHeader(ev.Buf.Data, wire.Header{FuncCode: byte(fncode.FnRegister)})
	}

	var fd int
	var ok bool
	switch ev.Direction {
	case wire.FromClient:
		var client *clientio.ClientIO
		client, ok = rt.Clients.ByClientID(ev.Addr.ClientID)
		if ok {
			fd = client.Fd
		}
	case wire.FromCas:
		var shard *casio.ShardIO
		shard, ok = rt.Cas.Shard(ev.Addr.ShardID)
		if ok {
			if ev.Addr.CasID < 0 || ev.Addr.CasID >= len(shard.Cas) {
				ok = false
			} else {
				fd = shard.Cas[ev.Addr.CasID].Fd
			}
		}
	}
	if !ok {
		return
	}

	sock, ok := rt.Reactor.Sockets.Get(fd)
	if !ok {
		return
	}
	if err := rt.Reactor.Sockets.QueueWrite(sock, ev); err != nil {
		slog.Warn("proxyrt: queue write failed", "fd", fd, "error", err)
	}
}

func (rt *Runtime) maybeSweep() {
	now := time.Now()
	if rt.lastSweep.IsZero() {
		rt.lastSweep = now
	}
	if now.Sub(rt.lastSweep) < time.Second {
		return
	}
	rt.lastSweep = now

	for _, exp := range timerloop.Sweep(rt.Cas, rt.Stmts, now) {
		kind := wire.EventWakeupByStatement
		if exp.ShardID >= 0 {
			kind = wire.EventWakeupByShard
		}
		rt.Reactor.Queues.CliRetQ.Push(&wire.Event{
			Kind:      kind,
			Direction: wire.FromClient,
			Addr:      wire.Addr{Cid: exp.Entry.Cid, Uid: exp.Entry.Uid},
		})
	}
}

// Snapshot implements statsexport.Source (SPEC_FULL §B "stats export").
func (rt *Runtime) Snapshot() statsexport.GlobalSnapshot {
	shards := make([]statsexport.Snapshot, rt.Cas.NumShards())
	for i := range shards {
		s, _ := rt.Cas.Shard(i)
		shards[i] = statsexport.Snapshot{
			ShardID:      s.ShardID,
			NumCasInTran: s.NumCasInTran,
			CurNumCas:    s.CurNumCas,
			WaitQLen:     s.WaitQ.Len(),
		}
	}
	return statsexport.GlobalSnapshot{
		Shards:       shards,
		ContextsUsed: rt.Contexts.InUse(),
		StmtsUsed:    rt.Stmts.InUse(),
		ClientsUsed:  rt.Clients.InUse(),
	}
}
