package link

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irctrakz/tpmeter/pkg/core"
	"github.com/irctrakz/tpmeter/pkg/logging"
)

var memLog = logging.Component("memlink")

// Filter decides the fate of a frame on an in-memory link. Returning false
// drops the frame; a positive delay delivers it late, which reorders it
// relative to later frames.
type Filter func(src, dst core.Addr, frame []byte) (deliver bool, delay time.Duration)

// MemNetwork is an in-memory mesh: every attached link can reach every
// other attached link directly.
type MemNetwork struct {
	mu    sync.RWMutex
	links map[core.Addr]*MemLink
}

// NewMemNetwork creates an empty in-memory mesh.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{links: make(map[core.Addr]*MemLink)}
}

// Attach adds a node with the given address. The returned link must be
// started before it delivers frames.
func (n *MemNetwork) Attach(addr core.Addr) *MemLink {
	l := &MemLink{
		network: n,
		addr:    addr,
		inbox:   make(chan []byte, defaultQueueCap),
		stopCh:  make(chan struct{}),
	}
	n.mu.Lock()
	n.links[addr] = l
	n.mu.Unlock()
	return l
}

// Detach removes a node; frames towards it become unroutable.
func (n *MemNetwork) Detach(addr core.Addr) {
	n.mu.Lock()
	delete(n.links, addr)
	n.mu.Unlock()
}

func (n *MemNetwork) lookup(addr core.Addr) *MemLink {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.links[addr]
}

// MemLink is one node's attachment to a MemNetwork. It implements
// core.Router, core.Resolver and core.AddressProvider.
type MemLink struct {
	network *MemNetwork
	addr    core.Addr

	mu        sync.Mutex
	processor core.PacketProcessor
	filter    Filter
	running   bool

	inbox  chan []byte
	stopCh chan struct{}
	wg     sync.WaitGroup

	metrics core.LinkMetrics
}

var (
	_ core.Link            = (*MemLink)(nil)
	_ core.Router          = (*MemLink)(nil)
	_ core.Resolver        = (*MemLink)(nil)
	_ core.AddressProvider = (*MemLink)(nil)
)

// SetPacketProcessor sets the processor for frames delivered to this node.
func (l *MemLink) SetPacketProcessor(p core.PacketProcessor) {
	l.mu.Lock()
	l.processor = p
	l.mu.Unlock()
}

// SetFilter installs a filter applied to frames sent from this node.
func (l *MemLink) SetFilter(f Filter) {
	l.mu.Lock()
	l.filter = f
	l.mu.Unlock()
}

// Start starts frame delivery.
func (l *MemLink) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return fmt.Errorf("link %s already running", l.addr)
	}
	if l.processor == nil {
		return fmt.Errorf("no packet processor set")
	}
	l.running = true
	l.wg.Add(1)
	go l.deliverLoop()
	memLog.Debugf("Memory link %s started", l.addr)
	return nil
}

// Stop stops frame delivery and detaches the node.
func (l *MemLink) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	l.mu.Unlock()

	l.network.Detach(l.addr)
	close(l.stopCh)
	l.wg.Wait()
	memLog.Debugf("Memory link %s stopped", l.addr)
	return nil
}

// LocalAddr implements core.AddressProvider.
func (l *MemLink) LocalAddr() (core.Addr, error) {
	return l.addr, nil
}

// Resolve implements core.Resolver.
func (l *MemLink) Resolve(dst core.Addr) error {
	if l.network.lookup(dst) == nil {
		return core.ErrUnreachable
	}
	return nil
}

// Send implements core.Router. The frame is copied before Send returns.
func (l *MemLink) Send(dst core.Addr, frame []byte) error {
	peer := l.network.lookup(dst)
	if peer == nil {
		atomic.AddUint64(&l.metrics.Unreachable, 1)
		return core.ErrUnreachable
	}

	l.mu.Lock()
	filter := l.filter
	l.mu.Unlock()

	atomic.AddUint64(&l.metrics.PacketsSent, 1)
	atomic.AddUint64(&l.metrics.BytesSent, uint64(len(frame)))

	var delay time.Duration
	if filter != nil {
		deliver, d := filter(l.addr, dst, frame)
		if !deliver {
			return nil
		}
		delay = d
	}

	buf := GetBuffer(len(frame))
	copy(buf, frame)
	if delay > 0 {
		time.AfterFunc(delay, func() { peer.enqueue(buf) })
		return nil
	}
	if !peer.enqueue(buf) {
		atomic.AddUint64(&l.metrics.Errors, 1)
		return core.ErrWouldBlock
	}
	return nil
}

func (l *MemLink) enqueue(buf []byte) bool {
	select {
	case l.inbox <- buf:
		return true
	default:
		PutBuffer(buf)
		return false
	}
}

func (l *MemLink) deliverLoop() {
	defer l.wg.Done()
	for {
		select {
		case <-l.stopCh:
			return
		case buf := <-l.inbox:
			l.deliver(buf)
		}
	}
}

func (l *MemLink) deliver(buf []byte) {
	l.mu.Lock()
	processor := l.processor
	l.mu.Unlock()

	atomic.AddUint64(&l.metrics.PacketsReceived, 1)
	atomic.AddUint64(&l.metrics.BytesReceived, uint64(len(buf)))

	packet := core.NewPooledPacket(buf, PutBuffer)
	if err := processor.ProcessPacket(packet); err != nil {
		atomic.AddUint64(&l.metrics.Errors, 1)
		memLog.Debugf("Memory link %s: failed to process frame: %v", l.addr, err)
	}
}

// Metrics returns the link counters.
func (l *MemLink) Metrics() core.LinkMetrics {
	return core.LinkMetrics{
		PacketsReceived: atomic.LoadUint64(&l.metrics.PacketsReceived),
		PacketsSent:     atomic.LoadUint64(&l.metrics.PacketsSent),
		BytesReceived:   atomic.LoadUint64(&l.metrics.BytesReceived),
		BytesSent:       atomic.LoadUint64(&l.metrics.BytesSent),
		Unreachable:     atomic.LoadUint64(&l.metrics.Unreachable),
		Errors:          atomic.LoadUint64(&l.metrics.Errors),
	}
}
