package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// compress produces a size-prefixed LZ4 frame: 4-byte BE original length
// followed by the LZ4-compressed bytes (spec §4.1 step 1).
func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(data)))
	buf.Write(lenPrefix[:])

	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("[Codec] lz4 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("[Codec] lz4 flush: %w", err)
	}
	return buf.Bytes(), nil
}

// decompress reverses compress. Corrupted input is a protocol error (the
// session is aborted), never a process panic — spec §9 Open Questions.
func decompress(data []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("[Codec] lz4 decompress panicked: %v", r)
		}
	}()

	if len(data) < 4 {
		return nil, fmt.Errorf("[Codec] lz4 frame too short")
	}
	origLen := binary.BigEndian.Uint32(data[:4])

	r := lz4.NewReader(bytes.NewReader(data[4:]))
	out = make([]byte, origLen)
	if origLen > 0 {
		if _, err := readFull(r, out); err != nil {
			return nil, fmt.Errorf("[Codec] lz4 decompress: %w", err)
		}
	}
	return out, nil
}

func readFull(r interface {
	Read(p []byte) (int, error)
}, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			if total == len(buf) {
				return total, nil
			}
			return total, err
		}
	}
	return total, nil
}
