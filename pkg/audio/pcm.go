package audio

import (
	"encoding/binary"
	"math"
	"sync"
)

var pcmBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 8192)
	},
}

// AcquirePCMBuf returns a byte buffer of at least size bytes from the pool.
func AcquirePCMBuf(size int) []byte {
	b := pcmBufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

// ReleasePCMBuf returns a buffer obtained from AcquirePCMBuf to the pool.
func ReleasePCMBuf(b []byte) {
	pcmBufPool.Put(b[:0])
}

// EncodePCM16 converts normalized samples into little-endian 16-bit PCM.
// The returned buffer comes from the pool; callers hand it back with
// ReleasePCMBuf once the transport has written it out.
func EncodePCM16(samples []float64) []byte {
	out := AcquirePCMBuf(len(samples) * 2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(math.Round(s * math.MaxInt16))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}
