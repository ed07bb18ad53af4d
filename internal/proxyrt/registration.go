package proxyrt

import (
	"encoding/binary"
	"log/slog"

	"github.com/cubrid/shardproxy/internal/casio"
	"github.com/cubrid/shardproxy/internal/fncode"
	"github.com/cubrid/shardproxy/internal/reactor"
	"github.com/cubrid/shardproxy/internal/wire"
)

// onRegistered implements spec §4.1's "On a listener readiness" step for
// a freshly-accepted socket. A client connection is fully set up (new
// ClientIO, new Context) and acknowledged immediately with a status
// code; a CAS connection waits in RegWait until its first FN_REGISTER
// frame names the (shard_id, cas_id) it is registering for
// (handleCasRegister).
func (rt *Runtime) onRegistered(sock *reactor.SocketIO) {
	if sock.FromCas {
		if !rt.maybeSecureCasRegistration(sock.Fd) {
			rt.Reactor.Sockets.CloseWait(sock)
		}
		return
	}

	ctx, _ := rt.Contexts.New(0)
	if ctx == nil {
		slog.Warn("proxyrt: context pool exhausted, dropping new client connection", "fd", sock.Fd)
		rt.Reactor.Sockets.CloseWait(sock)
		return
	}
	client, err := rt.Clients.Bind(sock.Fd, ctx.Cid, ctx.Uid)
	if err != nil {
		slog.Warn("proxyrt: client pool exhausted, dropping new connection", "fd", sock.Fd)
		rt.Contexts.Free(ctx.Cid)
		rt.Reactor.Sockets.CloseWait(sock)
		return
	}
	ctx.ClientID = client.ClientID
	sock.ClientID = client.ClientID

	if err := rt.Reactor.Sockets.QueueWrite(sock, statusAck(0)); err != nil {
		slog.Warn("proxyrt: failed to ack new client connection", "fd", sock.Fd, "error", err)
	}
}

// handleCasRegister completes a CAS worker's registration: spec §4.1
// "a listener for CAS worker registrations"; first message is
// "func_code=FN_REGISTER, shard_id(int32), cas_id(int32)".
func (rt *Runtime) handleCasRegister(ev *wire.Event) {
	hdr, err := ev.Header()
	if err != nil {
		slog.Warn("proxyrt: malformed CAS registration frame", "fd", ev.Addr.Fd, "error", err)
		return
	}
	if fncode.FromLegacy(hdr.FuncCode) != fncode.FnRegister {
		slog.Warn("proxyrt: expected FN_REGISTER as first CAS frame", "fd", ev.Addr.Fd, "func_code", hdr.FuncCode)
		return
	}
	argv, err := wire.ParseArgv(ev.Body())
	if err != nil {
		slog.Warn("proxyrt: malformed CAS registration argv", "fd", ev.Addr.Fd, "error", err)
		return
	}
	shardField, ok1 := argv.At(0)
	casField, ok2 := argv.At(1)
	if !ok1 || !ok2 || len(shardField) < 4 || len(casField) < 4 {
		slog.Warn("proxyrt: CAS registration missing shard_id/cas_id", "fd", ev.Addr.Fd)
		return
	}
	shardID := int(int32(binary.BigEndian.Uint32(shardField)))
	casID := int(int32(binary.BigEndian.Uint32(casField)))

	shard, ok := rt.Cas.Shard(shardID)
	if !ok || casID < 0 || casID >= len(shard.Cas) {
		slog.Warn("proxyrt: CAS registered for unknown (shard,cas)", "shard_id", shardID, "cas_id", casID)
		return
	}

	sock, ok := rt.Reactor.Sockets.Get(ev.Addr.Fd)
	if !ok {
		return
	}
	sock.ShardID = shardID
	sock.CasID = casID

	c := &shard.Cas[casID]
	c.Fd = ev.Addr.Fd
	c.Status = casio.StatusConnected

	if err := rt.Reactor.Sockets.QueueWrite(sock, statusAck(0)); err != nil {
		slog.Warn("proxyrt: failed to ack CAS registration", "fd", ev.Addr.Fd, "error", err)
	}
	slog.Info("proxyrt: CAS registered", "shard_id", shardID, "cas_id", casID, "fd", ev.Addr.Fd)
}

// statusAck builds the single-int status frame the broker/CAS listener
// must write back on a successful registration (spec §4.1).
func statusAck(status int32) *wire.Event {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, uint32(status))
	buf := wire.NewBuffer(wire.HeaderLen + 1 + len(body))
	wire.EncodeHeader(buf.Data, wire.Header{BodyLength: uint32(len(body)), FuncCode: byte(fncode.FnRegister)})
	copy(buf.Data[wire.HeaderLen+1:], body)
	return &wire.Event{Kind: wire.EventIoWrite, Buf: buf}
}
