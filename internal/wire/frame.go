// Package wire implements the driver-protocol frame layout the proxy is
// actually allowed to touch: a 4-byte body length, an 8-byte info block,
// a one-byte function code, and a sequence of length-prefixed argv fields (spec §2.1, §6). The
// proxy never interprets SQL inside these fields; it only splits them.
//
// The header layout and flag bits below are modeled the way the teacher
// repo's protocol package models its own wire header (named constants,
// a String() method per enum, bit-flag helpers) even though the byte
// layout itself is specific to this system.
package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderLen is the fixed prefix every frame starts with: a 4-byte
// body length followed by the 8-byte CAS info block (spec §6 calls
// this collectively "8 bytes info flags" ahead of the 1-byte func code;
// here the leading 4-byte length is counted separately because
// SocketIO's read state machine treats it as the framing field).
const HeaderLen = 4 + InfoLen

// InfoLen is the width of the info block the proxy is allowed to mutate
// two bits of (spec §6).
const InfoLen = 8

// InfoFlag names the bits of the 8-byte info block the proxy itself may
// set; all other bits are opaque and passed through untouched.
type InfoFlag uint8

const (
	// InfoStatusInTran is bit 0 of info byte 0: 1 while the CAS-side
	// transaction this frame belongs to is open.
	InfoStatusInTran InfoFlag = 1 << 0
	// InfoForceOutTran is bit 1 of info byte 0: set by the proxy to
	// force a client-visible out-of-tran status even though the CAS
	// has not yet acknowledged end-tran (used when a context is
	// destroyed mid-transaction).
	InfoForceOutTran InfoFlag = 1 << 1
)

func (f InfoFlag) String() string {
	switch f {
	case InfoStatusInTran:
		return "IN_TRAN"
	case InfoForceOutTran:
		return "FORCE_OUT_TRAN"
	default:
		return fmt.Sprintf("INFO(0x%02x)", uint8(f))
	}
}

// infoStatusByte is the index within the 8-byte info block that carries
// CAS_INFO_STATUS / the force-out-tran bit.
const infoStatusByte = 0

// SetInfoFlag/ClearInfoFlag/HasInfoFlag mutate or inspect bit f of the
// info block in place — this is the entirety of what the proxy is
// permitted to change in a frame it forwards verbatim otherwise.
func SetInfoFlag(info []byte, f InfoFlag) {
	info[infoStatusByte] |= byte(f)
}

func ClearInfoFlag(info []byte, f InfoFlag) {
	info[infoStatusByte] &^= byte(f)
}

func HasInfoFlag(info []byte, f InfoFlag) bool {
	return info[infoStatusByte]&byte(f) != 0
}

// Header is the parsed view over the fixed-width prefix of a frame.
type Header struct {
	BodyLength uint32   // length of the argv body that follows the func code
	Info       [InfoLen]byte
	FuncCode   byte
}

// DecodeHeader parses HeaderLen+1 bytes (4-byte length, 8-byte info,
// 1-byte func code) from buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen+1 {
		return Header{}, fmt.Errorf("wire: short header (%d bytes)", len(buf))
	}
	var h Header
	h.BodyLength = binary.BigEndian.Uint32(buf[0:4])
	copy(h.Info[:], buf[4:4+InfoLen])
	h.FuncCode = buf[4+InfoLen]
	return h, nil
}

// EncodeHeader writes a Header back into the leading HeaderLen+1 bytes
// of buf, which must be at least that long.
func EncodeHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint32(buf[0:4], h.BodyLength)
	copy(buf[4:4+InfoLen], h.Info[:])
	buf[4+InfoLen] = h.FuncCode
}

// Argv is a view over the length-prefixed argument fields that follow
// the header. Each field is a 4-byte big-endian length followed by that
// many bytes; Argv never copies, it only slices.
type Argv struct {
	fields [][]byte
}

// ParseArgv splits body (the bytes after the header) into its
// length-prefixed fields.
func ParseArgv(body []byte) (Argv, error) {
	var fields [][]byte
	for len(body) > 0 {
		if len(body) < 4 {
			return Argv{}, fmt.Errorf("wire: truncated argv length prefix")
		}
		n := binary.BigEndian.Uint32(body[:4])
		body = body[4:]
		if uint64(n) > uint64(len(body)) {
			return Argv{}, fmt.Errorf("wire: argv field length %d exceeds remaining body %d", n, len(body))
		}
		fields = append(fields, body[:n])
		body = body[n:]
	}
	return Argv{fields: fields}, nil
}

func (a Argv) Len() int { return len(a.fields) }

func (a Argv) At(i int) ([]byte, bool) {
	if i < 0 || i >= len(a.fields) {
		return nil, false
	}
	return a.fields[i], true
}

// ReplaceHandleByte rewrites byte 0 of argv field i in place — the
// "server handle translation" described in spec §4.6: the externally
// visible stmt_h_id on the client side, the per-(shard,cas) real id on
// the CAS side, rewritten without reserializing the rest of the field.
func (a Argv) ReplaceHandleByte(i int, b byte) bool {
	f, ok := a.At(i)
	if !ok || len(f) < 1 {
		return false
	}
	f[0] = b
	return true
}

// Int32 reads argv field i as a big-endian 4-byte integer, the layout
// CAS replies use for their leading error-indicator/error-code fields.
func (a Argv) Int32(i int) (int32, bool) {
	f, ok := a.At(i)
	if !ok || len(f) < 4 {
		return 0, false
	}
	return int32(binary.BigEndian.Uint32(f[:4])), true
}

// EncodeArgv serializes fields back into a single length-prefixed body.
func EncodeArgv(fields ...[]byte) []byte {
	total := 0
	for _, f := range fields {
		total += 4 + len(f)
	}
	out := make([]byte, 0, total)
	var lenBuf [4]byte
	for _, f := range fields {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f)))
		out = append(out, lenBuf[:]...)
		out = append(out, f...)
	}
	return out
}
