package link

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/irctrakz/tpmeter/pkg/core"
	"github.com/irctrakz/tpmeter/pkg/logging"
	"golang.org/x/net/ipv4"
)

var udpLog = logging.Component("udp")

// UDPLink carries mesh frames one per UDP datagram between nodes listed in
// a static neighbor table. It implements core.Router, core.Resolver and
// core.AddressProvider.
type UDPLink struct {
	cfg   Config
	local core.Addr
	laddr *net.UDPAddr

	mu        sync.RWMutex
	neighbors map[core.Addr]*net.UDPAddr
	processor core.PacketProcessor

	conn  *net.UDPConn
	pconn *ipv4.PacketConn

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	metrics core.LinkMetrics
}

var (
	_ core.Link            = (*UDPLink)(nil)
	_ core.Router          = (*UDPLink)(nil)
	_ core.Resolver        = (*UDPLink)(nil)
	_ core.AddressProvider = (*UDPLink)(nil)
)

// NewUDPLink creates a UDP link from cfg. Call Start to open the socket.
func NewUDPLink(cfg Config) (*UDPLink, error) {
	p, err := cfg.parse()
	if err != nil {
		return nil, fmt.Errorf("invalid link config: %w", err)
	}
	return &UDPLink{
		cfg:       cfg,
		local:     p.local,
		laddr:     p.listen,
		neighbors: p.neighbors,
		stopCh:    make(chan struct{}),
	}, nil
}

// SetPacketProcessor sets the processor for received frames.
func (l *UDPLink) SetPacketProcessor(p core.PacketProcessor) {
	l.mu.Lock()
	l.processor = p
	l.mu.Unlock()
}

// Start opens the socket and starts the receive loop.
func (l *UDPLink) Start() error {
	l.mu.RLock()
	processor := l.processor
	l.mu.RUnlock()
	if processor == nil {
		return fmt.Errorf("no packet processor set")
	}
	if !l.running.CompareAndSwap(false, true) {
		return fmt.Errorf("udp link already running")
	}

	conn, err := net.ListenUDP("udp4", l.laddr)
	if err != nil {
		l.running.Store(false)
		return fmt.Errorf("failed to listen on %s: %w", l.laddr, err)
	}
	pconn := ipv4.NewPacketConn(conn)
	if l.cfg.TOS > 0 {
		if err := pconn.SetTOS(l.cfg.TOS); err != nil {
			udpLog.Warnf("Failed to set TOS %d: %v", l.cfg.TOS, err)
		}
	}
	if l.cfg.TTL > 0 {
		if err := pconn.SetTTL(l.cfg.TTL); err != nil {
			udpLog.Warnf("Failed to set TTL %d: %v", l.cfg.TTL, err)
		}
	}
	l.conn = conn
	l.pconn = pconn

	l.wg.Add(1)
	go l.readLoop(processor)

	udpLog.Infof("UDP link started: mesh address %s on %s, %d neighbors", l.local, conn.LocalAddr(), len(l.neighbors))
	return nil
}

// Stop closes the socket and waits for the receive loop.
func (l *UDPLink) Stop() error {
	if !l.running.CompareAndSwap(true, false) {
		return nil
	}
	close(l.stopCh)
	err := l.conn.Close()
	l.wg.Wait()
	udpLog.Infof("UDP link stopped")
	return err
}

// Addr returns the bound UDP address, or nil before Start.
func (l *UDPLink) Addr() *net.UDPAddr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr().(*net.UDPAddr)
}

// LocalAddr implements core.AddressProvider.
func (l *UDPLink) LocalAddr() (core.Addr, error) {
	if l.local.IsZero() {
		return l.local, core.ErrNoLocalAddr
	}
	return l.local, nil
}

// AddNeighbor adds or replaces the endpoint of a mesh node.
func (l *UDPLink) AddNeighbor(addr core.Addr, endpoint *net.UDPAddr) {
	l.mu.Lock()
	l.neighbors[addr] = endpoint
	l.mu.Unlock()
}

// RemoveNeighbor removes a mesh node.
func (l *UDPLink) RemoveNeighbor(addr core.Addr) {
	l.mu.Lock()
	delete(l.neighbors, addr)
	l.mu.Unlock()
}

// Neighbors returns a copy of the neighbor table.
func (l *UDPLink) Neighbors() map[core.Addr]string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[core.Addr]string, len(l.neighbors))
	for a, ep := range l.neighbors {
		out[a] = ep.String()
	}
	return out
}

func (l *UDPLink) endpoint(dst core.Addr) *net.UDPAddr {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.neighbors[dst]
}

// Resolve implements core.Resolver.
func (l *UDPLink) Resolve(dst core.Addr) error {
	if l.endpoint(dst) == nil {
		return core.ErrUnreachable
	}
	return nil
}

// Send implements core.Router.
func (l *UDPLink) Send(dst core.Addr, frame []byte) error {
	ep := l.endpoint(dst)
	if ep == nil {
		atomic.AddUint64(&l.metrics.Unreachable, 1)
		return core.ErrUnreachable
	}
	if !l.running.Load() {
		return fmt.Errorf("%w: link not running", core.ErrWouldBlock)
	}

	n, err := l.conn.WriteToUDP(frame, ep)
	if err != nil {
		atomic.AddUint64(&l.metrics.Errors, 1)
		return classifyWriteError(err)
	}
	atomic.AddUint64(&l.metrics.PacketsSent, 1)
	atomic.AddUint64(&l.metrics.BytesSent, uint64(n))
	return nil
}

// classifyWriteError maps socket errors to the router error set. A full
// socket send queue (ENOBUFS, ENOMEM) is transient like EAGAIN.
func classifyWriteError(err error) error {
	switch {
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return fmt.Errorf("%w: %v", core.ErrUnreachable, err)
	default:
		return fmt.Errorf("%w: %v", core.ErrWouldBlock, err)
	}
}

func (l *UDPLink) readLoop(processor core.PacketProcessor) {
	defer l.wg.Done()

	scratch := GetBuffer(bufMax)
	defer PutBuffer(scratch)

	for {
		n, _, src, err := l.pconn.ReadFrom(scratch)
		if err != nil {
			select {
			case <-l.stopCh:
				return
			default:
			}
			atomic.AddUint64(&l.metrics.Errors, 1)
			udpLog.Debugf("UDP link read error: %v", err)
			continue
		}

		atomic.AddUint64(&l.metrics.PacketsReceived, 1)
		atomic.AddUint64(&l.metrics.BytesReceived, uint64(n))

		packet := pooledFrame(scratch[:n])
		if err := processor.ProcessPacket(packet); err != nil {
			atomic.AddUint64(&l.metrics.Errors, 1)
			udpLog.Debugf("Dropped frame from %s: %v", src, err)
		}
	}
}

// pooledFrame copies a received datagram into a buffer of its size class,
// so a queued frame does not pin a maximum-size buffer.
func pooledFrame(datagram []byte) core.Packet {
	buf := GetBuffer(len(datagram))
	copy(buf, datagram)
	return core.NewPooledPacket(buf, PutBuffer)
}

// Metrics returns the link counters.
func (l *UDPLink) Metrics() core.LinkMetrics {
	return core.LinkMetrics{
		PacketsReceived: atomic.LoadUint64(&l.metrics.PacketsReceived),
		PacketsSent:     atomic.LoadUint64(&l.metrics.PacketsSent),
		BytesReceived:   atomic.LoadUint64(&l.metrics.BytesReceived),
		BytesSent:       atomic.LoadUint64(&l.metrics.BytesSent),
		Unreachable:     atomic.LoadUint64(&l.metrics.Unreachable),
		Errors:          atomic.LoadUint64(&l.metrics.Errors),
	}
}
