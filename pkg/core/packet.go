package core

import (
	"sync/atomic"
)

// debugMode makes frames copy their bytes on wrap and on access, so a
// consumer that keeps or modifies a frame cannot corrupt a reused buffer.
var debugMode atomic.Bool

// SetDebugMode sets the global debug mode flag.
func SetDebugMode(enabled bool) {
	debugMode.Store(enabled)
}

// IsDebugMode returns whether debug mode is enabled
func IsDebugMode() bool {
	return debugMode.Load()
}

// Packet is a single frame received from or handed to the routing layer.
type Packet interface {
	// Data returns the frame bytes. Consumers must not modify them.
	Data() []byte

	// Length returns the frame length
	Length() int
}

// frame is the Packet implementation shared by plain and pooled frames.
// release, when set, returns data to its pool.
type frame struct {
	data    []byte
	release func([]byte)
}

// NewPacket wraps data as a Packet. In debug mode the bytes are copied.
func NewPacket(data []byte) Packet {
	if IsDebugMode() {
		return &frame{data: append([]byte(nil), data...)}
	}
	if data == nil {
		data = []byte{}
	}
	return &frame{data: data}
}

// NewPooledPacket wraps a receive buffer taken from a pool. ReleasePacket
// hands it back through release, which may be nil.
func NewPooledPacket(data []byte, release func([]byte)) Packet {
	if data == nil {
		data = []byte{}
	}
	return &frame{data: data, release: release}
}

func (f *frame) Data() []byte {
	if IsDebugMode() {
		return append([]byte(nil), f.data...)
	}
	return f.data
}

func (f *frame) Length() int { return len(f.data) }

// ReleasePacket returns the buffer of a pooled packet to its pool. It may be
// called more than once and on packets that are not pooled.
func ReleasePacket(p Packet) {
	f, ok := p.(*frame)
	if !ok || f.release == nil {
		return
	}
	release, data := f.release, f.data
	f.release, f.data = nil, nil
	release(data)
}
