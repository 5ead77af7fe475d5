package websocket

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Close codes sent on the client leg. 4xxx is the application range;
// these mirror the HTTP statuses the gateway would have returned before
// the upgrade.
const (
	CloseRateLimited    uint16 = 4429
	CloseSessionInvalid uint16 = 4401
)

// Frame opcodes (RFC 6455 §5.2).
const (
	opContinuation = 0x0
	opText         = 0x1
	opBinary       = 0x2
	opClose        = 0x8
	opPing         = 0x9
	opPong         = 0xA
)

// frame is one parsed frame header. raw holds the exact header bytes so
// the relay can forward them without re-encoding; the payload is copied
// separately.
type frame struct {
	raw    []byte
	fin    bool
	opcode byte
	length int64
}

// isData reports whether the frame starts a message. Continuation and
// control frames never do.
func (f frame) isData() bool {
	return f.opcode == opText || f.opcode == opBinary
}

// readFrameHeader parses one frame header from br into scratch, which
// must hold at least 14 bytes.
func readFrameHeader(br *bufio.Reader, scratch []byte) (frame, error) {
	if _, err := io.ReadFull(br, scratch[:2]); err != nil {
		return frame{}, err
	}
	n := 2

	f := frame{
		fin:    scratch[0]&0x80 != 0,
		opcode: scratch[0] & 0x0F,
		length: int64(scratch[1] & 0x7F),
	}
	masked := scratch[1]&0x80 != 0

	switch f.length {
	case 126:
		if _, err := io.ReadFull(br, scratch[n:n+2]); err != nil {
			return frame{}, err
		}
		f.length = int64(binary.BigEndian.Uint16(scratch[n : n+2]))
		n += 2
	case 127:
		if _, err := io.ReadFull(br, scratch[n:n+8]); err != nil {
			return frame{}, err
		}
		v := binary.BigEndian.Uint64(scratch[n : n+8])
		if v > 1<<62 {
			return frame{}, fmt.Errorf("websocket: frame length %d out of range", v)
		}
		f.length = int64(v)
		n += 8
	}

	if masked {
		if _, err := io.ReadFull(br, scratch[n:n+4]); err != nil {
			return frame{}, err
		}
		n += 4
	}

	f.raw = scratch[:n]
	return f, nil
}

// writeClose writes an unmasked close frame. The reason is truncated to
// fit the 125-byte control-frame payload cap.
func writeClose(w io.Writer, code uint16, reason string) error {
	if len(reason) > 123 {
		reason = reason[:123]
	}
	buf := make([]byte, 4+len(reason))
	buf[0] = 0x80 | opClose
	buf[1] = byte(2 + len(reason))
	binary.BigEndian.PutUint16(buf[2:4], code)
	copy(buf[4:], reason)
	_, err := w.Write(buf)
	return err
}
