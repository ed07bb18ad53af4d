package reactor

import (
	"fmt"
	"syscall"

	"github.com/cubrid/shardproxy/internal/wire"
)

// Status is a SocketIO entry's lifecycle state (spec §3 "SocketIO").
type Status int

const (
	StatusIdle Status = iota
	StatusRegWait
	StatusEstablished
	StatusCloseWait
)

// SocketIO is one fd's framing state (spec §2.3, §3). Addressing is a
// union: either ClientID (client-direction) or (ShardID, CasID)
// (CAS-direction), selected by FromCas.
type SocketIO struct {
	Fd      int
	Status  Status
	FromCas bool

	ClientID int
	ShardID  int
	CasID    int

	readEvent  *wire.Event
	writeEvent *wire.Event
}

// Table indexes SocketIO entries by fd. A map is used rather than an
// array sized to max_socket and indexed by fd directly (as the original
// does) per spec §9 "Per-fd state indexed by fd": the correctness
// requirement is O(1) lookup and no aliasing across fd reuse, which a
// map keyed by the live fd satisfies once Remove is called before the
// fd is closed.
type Table struct {
	entries map[int]*SocketIO
	poller  Poller
}

func NewTable(poller Poller) *Table {
	return &Table{entries: make(map[int]*SocketIO), poller: poller}
}

func (t *Table) Register(fd int, fromCas bool) (*SocketIO, error) {
	s := &SocketIO{Fd: fd, Status: StatusRegWait, FromCas: fromCas, ShardID: -1, CasID: -1, ClientID: -1}
	t.entries[fd] = s
	if err := t.poller.Add(fd, InterestRead); err != nil {
		delete(t.entries, fd)
		return nil, fmt.Errorf("reactor: register fd %d: %w", fd, err)
	}
	s.Status = StatusEstablished
	return s, nil
}

func (t *Table) Get(fd int) (*SocketIO, bool) {
	s, ok := t.entries[fd]
	return s, ok
}

// CloseWait transitions a socket to CloseWait and unregisters it from
// readiness without closing the fd — the fd stays open until the owning
// Context is freed so in-flight handlers can still reference it (spec
// §4.2 "Error semantics").
func (t *Table) CloseWait(s *SocketIO) {
	if s.Status == StatusCloseWait {
		return
	}
	s.Status = StatusCloseWait
	_ = t.poller.Remove(s.Fd)
}

// Destroy actually closes the fd and drops the table entry; only called
// once the owning Context/CasIO slot has been freed.
func (t *Table) Destroy(s *SocketIO) {
	delete(t.entries, s.Fd)
	_ = syscall.Close(s.Fd)
}

// ReadResult tells the caller what the read state machine produced.
type ReadResult int

const (
	ReadNone ReadResult = iota
	ReadComplete
	ReadEOF
	ReadError
)

// OnReadable implements spec §4.2's read state machine: allocate a
// header-sized buffer if absent, read into it, grow to full frame length
// once the header is known, and report ReadComplete when offset==length.
func (t *Table) OnReadable(s *SocketIO, read func(fd int, buf []byte) (int, error)) (ReadResult, *wire.Event) {
	if s.readEvent == nil {
		s.readEvent = &wire.Event{Buf: wire.NewBuffer(wire.HeaderLen + 1)}
	}
	buf := s.readEvent.Buf
	n, err := read(s.Fd, buf.Data[buf.Offset:])
	if err != nil {
		if isWouldBlock(err) {
			return ReadNone, nil
		}
		return ReadError, nil
	}
	if n == 0 {
		return ReadEOF, nil
	}
	buf.Offset += n

	if buf.Offset == wire.HeaderLen+1 && len(buf.Data) == wire.HeaderLen+1 {
		hdr, err := wire.DecodeHeader(buf.Data)
		if err != nil {
			return ReadError, nil
		}
		full := wire.HeaderLen + 1 + int(hdr.BodyLength)
		if full > wire.HeaderLen+1 {
			buf.Grow(full)
			return ReadNone, nil
		}
	}

	if buf.Full() {
		ev := s.readEvent
		s.readEvent = nil
		ev.Direction = wire.FromClient
		if s.FromCas {
			ev.Direction = wire.FromCas
			ev.Kind = wire.EventCasResponse
			ev.Addr = wire.Addr{ShardID: s.ShardID, CasID: s.CasID, Fd: s.Fd}
		} else {
			ev.Kind = wire.EventClientRequest
			ev.Addr = wire.Addr{ClientID: s.ClientID, Fd: s.Fd}
		}
		return ReadComplete, ev
	}
	return ReadNone, nil
}

// QueueWrite attaches ev as the socket's single pending write event and
// registers write-readiness (spec §4.2 "at most one pending write_event
// per socket").
func (t *Table) QueueWrite(s *SocketIO, ev *wire.Event) error {
	if s.writeEvent != nil {
		return fmt.Errorf("reactor: fd %d already has a pending write", s.Fd)
	}
	s.writeEvent = ev
	return t.poller.Modify(s.Fd, InterestRead|InterestWrite)
}

// WriteResult mirrors ReadResult for the write side.
type WriteResult int

const (
	WriteNone WriteResult = iota
	WriteComplete
	WriteError
)

// OnWritable implements spec §4.2's write state machine.
func (t *Table) OnWritable(s *SocketIO, write func(fd int, buf []byte) (int, error)) WriteResult {
	if s.writeEvent == nil {
		return WriteNone
	}
	buf := s.writeEvent.Buf
	n, err := write(s.Fd, buf.Data[buf.Offset:])
	if err != nil {
		if isWouldBlock(err) {
			return WriteNone
		}
		return WriteError
	}
	buf.Offset += n
	if !buf.Full() {
		return WriteNone
	}
	s.writeEvent = nil
	_ = t.poller.Modify(s.Fd, InterestRead)
	return WriteComplete
}

func isWouldBlock(err error) bool {
	return err == syscall.EAGAIN || err == syscall.EWOULDBLOCK || err == syscall.EINTR
}
