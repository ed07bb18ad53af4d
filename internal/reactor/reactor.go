package reactor

import (
	"fmt"
	"syscall"

	"github.com/cubrid/shardproxy/internal/wire"
)

// DefaultTickMillis is the ~1Hz-class readiness timeout spec §4.1 describes ("a
// ~HZ timeout"); in practice a shorter tick keeps the timer sweep
// (spec §2.11) responsive without busy-looping.
const DefaultTickMillis = 250

// Reactor is the single event loop over client and CAS sockets (spec
// §2.2). It owns no business logic — Dispatcher handlers are invoked by
// the caller (proxyrt) after draining the Queues each tick, matching
// spec §4.1 step (c)/(d) and keeping the reactor package free of a
// dependency on the Dispatcher (spec §9 "single-threaded discipline").
type Reactor struct {
	poller  Poller
	Sockets *Table
	Queues  Queues

	clientListenFd int
	casListenFd    int

	shuttingDown bool
}

func New() (*Reactor, error) {
	p, err := NewPoller()
	if err != nil {
		return nil, err
	}
	return &Reactor{poller: p, Sockets: NewTable(p)}, nil
}

func (r *Reactor) Close() error {
	return r.poller.Close()
}

// RegisterListener registers a listening fd (client-broker or CAS
// registration listener, spec §4.1) for read-readiness (incoming
// connections arrive as read events).
func (r *Reactor) RegisterListener(fd int, isCasListener bool) error {
	if err := r.poller.Add(fd, InterestRead); err != nil {
		return fmt.Errorf("reactor: register listener fd %d: %w", fd, err)
	}
	if isCasListener {
		r.casListenFd = fd
	} else {
		r.clientListenFd = fd
	}
	return nil
}

// Shutdown sets the flag the reactor checks at each tick instead of
// calling exit() from a signal handler (spec §9 "Signal-driven cleanup",
// §6 "Signals").
func (r *Reactor) Shutdown() { r.shuttingDown = true }

func (r *Reactor) ShuttingDown() bool { return r.shuttingDown }

// AcceptHandler is invoked when a listener fd becomes readable; it must
// accept (or receive a passed fd) and return the new non-blocking fd, or
// ok=false if nothing was ready.
type AcceptHandler func(listenerFd int) (newFd int, ok bool, err error)

// Tick runs one reactor iteration: poll for readiness, service listener
// accepts, then run the client/CAS socket read/write state machines,
// pushing completed reads onto the appropriate queue (spec §4.1 steps
// (a)-(b)).
func (r *Reactor) Tick(timeoutMs int, onAccept AcceptHandler, onRegistered func(sock *SocketIO), sysRead, sysWrite func(fd int, buf []byte) (int, error)) error {
	var scratch [64]Readiness
	ready, err := r.poller.Wait(timeoutMs, scratch[:0])
	if err != nil {
		return err
	}
	for _, rd := range ready {
		switch rd.Fd {
		case r.clientListenFd, r.casListenFd:
			if !rd.Read {
				continue
			}
			isCas := rd.Fd == r.casListenFd
			for {
				newFd, ok, aerr := onAccept(rd.Fd)
				if aerr != nil || !ok {
					break
				}
				sock, err := r.Sockets.Register(newFd, isCas)
				if err != nil {
					_ = syscall.Close(newFd)
					continue
				}
				if onRegistered != nil {
					onRegistered(sock)
				}
			}
			continue
		}

		sock, ok := r.Sockets.Get(rd.Fd)
		if !ok {
			continue
		}
		if sock.Status == StatusCloseWait {
			continue
		}
		if rd.Err {
			r.handleConnError(sock)
			continue
		}
		if rd.Read {
			r.handleReadable(sock, sysRead)
		}
		if rd.Write {
			r.handleWritable(sock, sysWrite)
		}
	}
	return nil
}

func (r *Reactor) handleReadable(sock *SocketIO, sysRead func(fd int, buf []byte) (int, error)) {
	res, ev := r.Sockets.OnReadable(sock, sysRead)
	switch res {
	case ReadComplete:
		if sock.FromCas {
			r.Queues.CasRcvQ.Push(ev)
		} else {
			r.Queues.CliRcvQ.Push(ev)
		}
	case ReadEOF, ReadError:
		r.handleConnError(sock)
	}
}

func (r *Reactor) handleWritable(sock *SocketIO, sysWrite func(fd int, buf []byte) (int, error)) {
	if res := r.Sockets.OnWritable(sock, sysWrite); res == WriteError {
		r.handleConnError(sock)
	}
}

func (r *Reactor) handleConnError(sock *SocketIO) {
	r.Sockets.CloseWait(sock)
	ev := &wire.Event{}
	if sock.FromCas {
		ev.Kind = wire.EventCasConnError
		ev.Direction = wire.FromCas
		ev.Addr = wire.Addr{ShardID: sock.ShardID, CasID: sock.CasID}
		r.Queues.CasRcvQ.Push(ev)
	} else {
		ev.Kind = wire.EventClientConnError
		ev.Direction = wire.FromClient
		ev.Addr = wire.Addr{ClientID: sock.ClientID}
		r.Queues.CliRcvQ.Push(ev)
	}
}
