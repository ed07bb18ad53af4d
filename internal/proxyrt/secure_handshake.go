package proxyrt

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cubrid/shardproxy/internal/brokerconn"
)

// secureCasHandshake runs the optional Noise NN handshake over a freshly
// accepted CAS registration fd (SPEC_FULL §B, cfg.Noise.Enabled), before
// the plaintext FN_REGISTER frame is read. NN uses no static keys, so the
// handshake does not authenticate the dialer; it only checks that the
// peer completes a Noise NN exchange. It returns an error if the
// handshake fails or times out; callers drop the connection rather than
// fall back to plaintext.
//
// The accepted fd is non-blocking (spec §4.1's accept4(SOCK_NONBLOCK)),
// so reads are retried on EAGAIN with a short deadline instead of
// switching the fd to blocking mode mid-handshake.
func secureCasHandshake(fd int) error {
	session, err := brokerconn.NewProxySide()
	if err != nil {
		return fmt.Errorf("proxyrt: noise handshake init: %w", err)
	}

	// NN pattern: the dialing CAS (initiator) writes first, the proxy
	// (responder) reads it and replies, and the handshake is complete once
	// the proxy has written that reply.
	msg, err := readHandshakeFrame(fd)
	if err != nil {
		return fmt.Errorf("proxyrt: noise read msg1: %w", err)
	}
	if _, err := session.ReadMessage(msg); err != nil {
		return fmt.Errorf("proxyrt: noise handshake msg1: %w", err)
	}

	reply, err := session.WriteMessage(nil)
	if err != nil {
		return fmt.Errorf("proxyrt: noise write msg2: %w", err)
	}
	if err := writeHandshakeFrame(fd, reply); err != nil {
		return fmt.Errorf("proxyrt: noise send msg2: %w", err)
	}

	if !session.IsComplete() {
		return fmt.Errorf("proxyrt: noise handshake did not complete")
	}
	return nil
}

const handshakeDeadline = 2 * time.Second

// readHandshakeFrame reads one 2-byte-length-prefixed Noise handshake
// message off a non-blocking fd, spinning on EAGAIN until the deadline.
func readHandshakeFrame(fd int) ([]byte, error) {
	hdr, err := readFullRetry(fd, 2)
	if err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(hdr))
	return readFullRetry(fd, n)
}

func writeHandshakeFrame(fd int, msg []byte) error {
	hdr := make([]byte, 2)
	binary.BigEndian.PutUint16(hdr, uint16(len(msg)))
	if err := writeFullRetry(fd, hdr); err != nil {
		return err
	}
	return writeFullRetry(fd, msg)
}

func readFullRetry(fd int, n int) ([]byte, error) {
	buf := make([]byte, n)
	got := 0
	deadline := time.Now().Add(handshakeDeadline)
	for got < n {
		m, err := unix.Read(fd, buf[got:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				if time.Now().After(deadline) {
					return nil, fmt.Errorf("timed out waiting for handshake data")
				}
				time.Sleep(time.Millisecond)
				continue
			}
			return nil, err
		}
		if m == 0 {
			return nil, fmt.Errorf("peer closed during handshake")
		}
		got += m
	}
	return buf, nil
}

func writeFullRetry(fd int, buf []byte) error {
	sent := 0
	deadline := time.Now().Add(handshakeDeadline)
	for sent < len(buf) {
		n, err := unix.Write(fd, buf[sent:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				if time.Now().After(deadline) {
					return fmt.Errorf("timed out sending handshake data")
				}
				time.Sleep(time.Millisecond)
				continue
			}
			return err
		}
		sent += n
	}
	return nil
}

// maybeSecureCasRegistration gates secureCasHandshake behind cfg.Noise's
// enable flag; called from onRegistered right after a CAS fd is accepted
// and before any FN_REGISTER frame is trusted.
func (rt *Runtime) maybeSecureCasRegistration(fd int) bool {
	if !rt.cfg.Noise.Enabled {
		return true
	}
	if err := secureCasHandshake(fd); err != nil {
		slog.Warn("proxyrt: CAS noise handshake failed, dropping connection", "fd", fd, "error", err)
		return false
	}
	slog.Info("proxyrt: CAS noise handshake complete", "fd", fd)
	return true
}
