package link

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/irctrakz/tpmeter/pkg/core"
	"github.com/irctrakz/tpmeter/pkg/logging"
)

var dispatchLog = logging.Component("dispatch")

const (
	defaultWorkers  = 4
	defaultQueueCap = 1024

	// origin address offset in a mesh unicast header
	origOffset = 10
	origLen    = core.AddrLen
)

// Dispatcher hands received frames to a PacketProcessor on a fixed pool of
// workers. Frames from one origin always land on the same worker so that a
// session sees its frames in arrival order. When a worker queue is full the
// frame is dropped.
type Dispatcher struct {
	next core.PacketProcessor

	queues []chan core.Packet
	stopCh chan struct{}
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once

	// Metrics
	packetsQueued    uint64
	packetsProcessed uint64
	packetsDropped   uint64
	queueFullDrops   uint64
	processErrors    uint64
}

var _ core.PacketProcessor = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher in front of next. Non-positive values
// select the defaults. TPMETER_DISPATCH_WORKERS and
// TPMETER_DISPATCH_QUEUE_CAP override both.
func NewDispatcher(next core.PacketProcessor, workers, queueCap int) *Dispatcher {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queueCap <= 0 {
		queueCap = defaultQueueCap
	}
	if v := strings.TrimSpace(os.Getenv("TPMETER_DISPATCH_WORKERS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			workers = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("TPMETER_DISPATCH_QUEUE_CAP")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			queueCap = n
		}
	}

	d := &Dispatcher{
		next:   next,
		queues: make([]chan core.Packet, workers),
		stopCh: make(chan struct{}),
	}
	perWorker := queueCap / workers
	if perWorker < 1 {
		perWorker = 1
	}
	for i := range d.queues {
		d.queues[i] = make(chan core.Packet, perWorker)
	}
	return d
}

// Start starts the workers.
func (d *Dispatcher) Start() error {
	d.startOnce.Do(func() {
		d.wg.Add(len(d.queues))
		for i := range d.queues {
			go d.worker(i)
		}
		dispatchLog.Infof("Dispatcher started with %d workers", len(d.queues))
	})
	return nil
}

// Stop stops the workers and releases any queued frames.
func (d *Dispatcher) Stop() error {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.wg.Wait()
		for _, q := range d.queues {
		drain:
			for {
				select {
				case p := <-q:
					core.ReleasePacket(p)
				default:
					break drain
				}
			}
		}
		dispatchLog.Infof("Dispatcher stopped")
	})
	return nil
}

// ProcessPacket implements core.PacketProcessor by queueing the frame.
func (d *Dispatcher) ProcessPacket(packet core.Packet) error {
	data := packet.Data()
	if len(data) < origOffset+origLen {
		atomic.AddUint64(&d.packetsDropped, 1)
		core.ReleasePacket(packet)
		return fmt.Errorf("frame too short: %d bytes", len(data))
	}

	q := d.queues[d.queueFor(data)]
	select {
	case q <- packet:
		atomic.AddUint64(&d.packetsQueued, 1)
		return nil
	default:
		atomic.AddUint64(&d.packetsDropped, 1)
		atomic.AddUint64(&d.queueFullDrops, 1)
		core.ReleasePacket(packet)
		return fmt.Errorf("frame dropped: dispatch queue full")
	}
}

func (d *Dispatcher) queueFor(data []byte) int {
	if len(d.queues) == 1 {
		return 0
	}
	h := xxhash.Sum64(data[origOffset : origOffset+origLen])
	return int(h % uint64(len(d.queues)))
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	dispatchLog.Debugf("Dispatcher worker %d started", id)
	q := d.queues[id]
	for {
		select {
		case <-d.stopCh:
			dispatchLog.Debugf("Dispatcher worker %d stopped", id)
			return
		case packet := <-q:
			d.process(id, packet)
		}
	}
}

func (d *Dispatcher) process(id int, packet core.Packet) {
	defer core.ReleasePacket(packet)

	atomic.AddUint64(&d.packetsProcessed, 1)
	if err := d.next.ProcessPacket(packet); err != nil {
		atomic.AddUint64(&d.processErrors, 1)
		dispatchLog.Debugf("Worker %d failed to process frame: %v", id, err)
	}
}

// Metrics returns the dispatcher counters.
func (d *Dispatcher) Metrics() map[string]uint64 {
	return map[string]uint64{
		"packetsQueued":    atomic.LoadUint64(&d.packetsQueued),
		"packetsProcessed": atomic.LoadUint64(&d.packetsProcessed),
		"packetsDropped":   atomic.LoadUint64(&d.packetsDropped),
		"queueFullDrops":   atomic.LoadUint64(&d.queueFullDrops),
		"processErrors":    atomic.LoadUint64(&d.processErrors),
	}
}
