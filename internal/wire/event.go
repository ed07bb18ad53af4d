package wire

import "fmt"

// EventKind tags a ProxyEvent with what produced it and what it carries
// (spec §3 "ProxyEvent").
type EventKind uint8

const (
	EventIoRead EventKind = iota
	EventIoWrite
	EventClientRequest
	EventCasResponse
	EventClientConnError
	EventCasConnError
	EventWakeupByShard
	EventWakeupByStatement
)

func (k EventKind) String() string {
	switch k {
	case EventIoRead:
		return "IO_READ"
	case EventIoWrite:
		return "IO_WRITE"
	case EventClientRequest:
		return "CLIENT_REQUEST"
	case EventCasResponse:
		return "CAS_RESPONSE"
	case EventClientConnError:
		return "CLIENT_CONN_ERROR"
	case EventCasConnError:
		return "CAS_CONN_ERROR"
	case EventWakeupByShard:
		return "WAKEUP_BY_SHARD"
	case EventWakeupByStatement:
		return "WAKEUP_BY_STATEMENT"
	default:
		return fmt.Sprintf("EVENT(%d)", uint8(k))
	}
}

// Direction says which side of the proxy an Event came from or is bound for.
type Direction uint8

const (
	FromClient Direction = iota
	FromCas
)

// Addr addresses an Event at a Context and, when relevant, a specific
// (shard, cas) pair. ClientID is the owning ClientIO slot.
type Addr struct {
	Cid      int
	Uid      uint32
	ClientID int
	ShardID  int
	CasID    int

	// Fd is the originating socket fd, set by SocketIO.OnReadable. It
	// exists for the CAS registration handshake (spec §4.1 "a listener
	// for CAS worker registrations"), where a freshly-accepted CAS
	// socket has no (ShardID, CasID) yet and Fd is the only way to bind
	// the FN_REGISTER reply back to the socket that sent it.
	Fd int
}

// Buffer is an owned byte buffer under construction by SocketIO's read
// state machine, or queued for a write. Offset tracks how much of Data
// has been filled (read) or drained (write).
type Buffer struct {
	Data   []byte
	Offset int
}

func NewBuffer(size int) *Buffer {
	return &Buffer{Data: make([]byte, size)}
}

func (b *Buffer) Remaining() int { return len(b.Data) - b.Offset }
func (b *Buffer) Full() bool     { return b.Offset >= len(b.Data) }

// Grow reallocates Data to newSize, preserving the bytes already filled.
// Used when the read state machine has the HeaderLen+1-byte header and now knows
// the full frame length (spec §4.2).
func (b *Buffer) Grow(newSize int) {
	nd := make([]byte, newSize)
	copy(nd, b.Data[:b.Offset])
	b.Data = nd
}

// Event is a tagged, owned unit of work passed between SocketIO, the
// Reactor's internal queues, and the Dispatcher. Ownership transfers by
// value: whoever removes an Event from a queue or a ctx.waiting_event
// slot is its sole owner until it enqueues it (or attaches it to a
// socket's write slot) elsewhere (spec §3 "Events are owned by exactly
// one holder", §9 "owning vs borrowed events").
type Event struct {
	Kind      EventKind
	Direction Direction
	Addr      Addr
	Buf       *Buffer
}

func (e *Event) Body() []byte {
	if e == nil || e.Buf == nil {
		return nil
	}
	return e.Buf.Data[HeaderLen+1:]
}

func (e *Event) Header() (Header, error) {
	if e == nil || e.Buf == nil {
		return Header{}, fmt.Errorf("wire: nil event")
	}
	return DecodeHeader(e.Buf.Data)
}
