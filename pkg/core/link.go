package core

// Link is a routing substrate attachment: it delivers received frames to a
// PacketProcessor and transmits frames as a Router.
type Link interface {
	Router
	AddressProvider

	// SetPacketProcessor sets the processor for received frames. It must be
	// called before Start.
	SetPacketProcessor(processor PacketProcessor)

	// Start starts frame delivery.
	Start() error

	// Stop stops frame delivery.
	Stop() error

	// Metrics returns the link counters.
	Metrics() LinkMetrics
}

// LinkMetrics contains counters for a link.
type LinkMetrics struct {
	// PacketsReceived is the number of frames received from the link.
	PacketsReceived uint64

	// PacketsSent is the number of frames sent over the link.
	PacketsSent uint64

	// BytesReceived is the number of bytes received from the link.
	BytesReceived uint64

	// BytesSent is the number of bytes sent over the link.
	BytesSent uint64

	// Unreachable is the number of sends to an unknown destination.
	Unreachable uint64

	// Errors is the number of errors encountered.
	Errors uint64
}
