package link

import "sync"

// Frame buffer pools for the common datagram sizes. Only buffers that came
// from GetBuffer (checked via capacity) are returned to a pool.

const (
	bufSmall = 2048
	bufLarge = 9216
	bufMax   = 65536
)

var (
	poolSmall = sync.Pool{New: func() any { b := make([]byte, bufSmall); return &b }}
	poolLarge = sync.Pool{New: func() any { b := make([]byte, bufLarge); return &b }}
	poolMax   = sync.Pool{New: func() any { b := make([]byte, bufMax); return &b }}
)

// GetBuffer returns a buffer of length n, pooled when n fits a size class.
func GetBuffer(n int) []byte {
	switch {
	case n <= bufSmall:
		return (*poolSmall.Get().(*[]byte))[:n]
	case n <= bufLarge:
		return (*poolLarge.Get().(*[]byte))[:n]
	case n <= bufMax:
		return (*poolMax.Get().(*[]byte))[:n]
	default:
		return make([]byte, n)
	}
}

// PutBuffer returns a buffer obtained from GetBuffer. Other buffers are
// ignored.
func PutBuffer(b []byte) {
	switch cap(b) {
	case bufSmall:
		bb := b[:bufSmall]
		poolSmall.Put(&bb)
	case bufLarge:
		bb := b[:bufLarge]
		poolLarge.Put(&bb)
	case bufMax:
		bb := b[:bufMax]
		poolMax.Put(&bb)
	}
}
