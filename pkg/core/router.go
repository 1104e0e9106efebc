package core

import "errors"

// Errors returned by Router implementations. Callers classify them with
// errors.Is.
var (
	// ErrUnreachable means no route to the destination exists.
	ErrUnreachable = errors.New("destination unreachable")

	// ErrWouldBlock means the frame could not be queued right now; the
	// caller may retry later.
	ErrWouldBlock = errors.New("send would block")

	// ErrNoBuffer means the router could not allocate memory for the frame.
	// A full kernel send queue is ErrWouldBlock.
	ErrNoBuffer = errors.New("no buffer space available")

	// ErrNoLocalAddr means the node has no usable local address yet.
	ErrNoLocalAddr = errors.New("no local address available")
)

// Router resolves a destination to a next hop and transmits a frame.
// It is the only point where the meter touches the routing substrate.
type Router interface {
	// Send transmits frame towards dst. The frame must not be retained
	// after Send returns.
	Send(dst Addr, frame []byte) error
}

// Resolver is optionally implemented by a Router that can tell in advance
// whether a destination is reachable.
type Resolver interface {
	// Resolve returns ErrUnreachable if there is no route to dst.
	Resolve(dst Addr) error
}

// AddressProvider returns the address of the local node.
type AddressProvider interface {
	// LocalAddr returns the primary address of this node or ErrNoLocalAddr.
	LocalAddr() (Addr, error)
}

// PacketProcessor processes inbound frames delivered by the routing layer.
type PacketProcessor interface {
	// ProcessPacket processes a single frame. It takes ownership of the
	// packet and releases it with ReleasePacket once done.
	ProcessPacket(packet Packet) error
}
