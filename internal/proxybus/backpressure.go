package proxybus

import (
	"context"
	"time"

	"github.com/npipe-project/npipe/internal/codec"
)

// ReadBufLenLimit is the outstanding-unacked threshold per session in each
// direction (spec §4.3, §5).
const ReadBufLenLimit = 2 * 1024 * 1024

// yieldInterval is how often EncodeDataAndLimiting rechecks the counter
// while waiting for an ack.
const yieldInterval = 2 * time.Millisecond

// EncodeDataAndLimiting compresses+encrypts data per ci's parameters,
// accounts the encoded length against ci's backpressure counter, and
// cooperatively waits while the counter exceeds ReadBufLenLimit (spec
// §4.3, §5). The wait happens before the byte count is added, so a single
// oversized call is admitted once the pipe has drained rather than being
// split.
func EncodeDataAndLimiting(ctx context.Context, ci CommonInfo, data []byte) ([]byte, error) {
	for ci.ReadBufLen() > ReadBufLenLimit {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(yieldInterval):
		}
	}

	encoded, err := codec.Encode(data, ci.Compressed, ci.EncMethod, ci.EncKey)
	if err != nil {
		return nil, err
	}
	ci.addReadBufLen(int64(len(encoded)))
	return encoded, nil
}

// DecodeData reverses EncodeDataAndLimiting's codec transform. It takes no
// part in backpressure accounting — that happens on the sender's counter,
// acknowledged by the *Result message the receiver sends back.
func DecodeData(ci CommonInfo, data []byte) ([]byte, error) {
	return codec.Decode(data, ci.Compressed, ci.EncMethod, ci.EncKey)
}

// AckSendResult applies an acknowledged length to ci's backpressure
// counter, clamping to zero on a split-brain overshoot (spec §4.3).
func AckSendResult(ci CommonInfo, length int) {
	ci.ackReadBufLen(int64(length))
}
