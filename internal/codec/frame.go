// Package codec implements the control-link wire framing, compression, and
// encryption described in spec §4.1 and §6.
package codec

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameFlag is the single header byte that precedes every control-link frame.
const FrameFlag = 0x21

// MaxPayloadLen is the largest permitted frame payload (spec §4.1, §6).
const MaxPayloadLen = 5*1024*1024 - 1

// EncodeFrame writes flag | len(4B BE) | payload to w. payload must be
// non-empty and at most MaxPayloadLen bytes.
func EncodeFrame(w io.Writer, payload []byte) error {
	n := len(payload)
	if n == 0 {
		return fmt.Errorf("[Codec] empty frame payload")
	}
	if n > MaxPayloadLen {
		return fmt.Errorf("[Codec] frame payload too large: %d bytes", n)
	}

	header := make([]byte, 5)
	header[0] = FrameFlag
	binary.BigEndian.PutUint32(header[1:], uint32(n))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("[Codec] write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("[Codec] write frame payload: %w", err)
	}
	return nil
}

// DecodeFrame reads one frame from r and returns its payload. Any deviation
// from flag | len | payload fails the stream (spec §4.1).
func DecodeFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if header[0] != FrameFlag {
		return nil, fmt.Errorf("[Codec] bad frame flag 0x%02x", header[0])
	}
	n := binary.BigEndian.Uint32(header[1:])
	if n == 0 || n > MaxPayloadLen {
		return nil, fmt.Errorf("[Codec] bad frame length %d", n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("[Codec] read frame payload: %w", err)
	}
	return payload, nil
}

// ExtractFrame attempts to carve one complete frame out of buf (the receive
// buffer owned by the session framework, spec §4.2). It returns (nil, 0,
// nil) when more bytes are needed, (frame, n, nil) on success where n is the
// number of bytes consumed from the front of buf, or a non-nil error on a
// framing violation.
func ExtractFrame(buf []byte) (frame []byte, consumed int, err error) {
	if len(buf) < 5 {
		return nil, 0, nil
	}
	if buf[0] != FrameFlag {
		return nil, 0, fmt.Errorf("[Codec] bad frame flag 0x%02x", buf[0])
	}
	n := binary.BigEndian.Uint32(buf[1:5])
	if n == 0 || n > MaxPayloadLen {
		return nil, 0, fmt.Errorf("[Codec] bad frame length %d", n)
	}
	total := 5 + int(n)
	if len(buf) < total {
		return nil, 0, nil
	}
	out := make([]byte, n)
	copy(out, buf[5:total])
	return out, total, nil
}
