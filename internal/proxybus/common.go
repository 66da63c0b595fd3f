package proxybus

import (
	"sync/atomic"

	"github.com/npipe-project/npipe/internal/codec"
)

// CommonInfo is the per-session state inherited from the owning tunnel:
// compression/encryption parameters plus the shared backpressure counter
// (spec §3 "Session", §9 design note on not deep-copying the counter).
// CommonInfo is safe to copy by value — ReadBufLen points at a shared
// atomic so copies observe the same counter.
type CommonInfo struct {
	Compressed bool
	EncMethod  codec.EncMethod
	EncKey     []byte

	readBufLen *atomic.Int64
}

// NewCommonInfo creates a CommonInfo with a fresh backpressure counter.
func NewCommonInfo(compressed bool, encMethod codec.EncMethod, encKey []byte) CommonInfo {
	return CommonInfo{
		Compressed: compressed,
		EncMethod:  encMethod,
		EncKey:     encKey,
		readBufLen: new(atomic.Int64),
	}
}

// ReadBufLen returns the current outstanding-unacked byte count.
func (c CommonInfo) ReadBufLen() int64 {
	return c.readBufLen.Load()
}

// addReadBufLen adds delta (may be negative) to the counter.
func (c CommonInfo) addReadBufLen(delta int64) int64 {
	return c.readBufLen.Add(delta)
}

// ackReadBufLen decrements the counter by n, clamping to zero instead of
// underflowing — tolerates a split-brain SendDataResult(len) where len
// exceeds the current counter (spec §4.3).
func (c CommonInfo) ackReadBufLen(n int64) {
	for {
		cur := c.readBufLen.Load()
		next := cur - n
		if next < 0 {
			next = 0
		}
		if c.readBufLen.CompareAndSwap(cur, next) {
			return
		}
	}
}
