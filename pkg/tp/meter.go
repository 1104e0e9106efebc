package tp

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irctrakz/tpmeter/pkg/core"
	"github.com/irctrakz/tpmeter/pkg/logging"
)

// Meter runs throughput measurements over a mesh router. It plays the
// sender role for sessions started locally and the receiver role for
// sessions opened by peers.
type Meter struct {
	cfg      Config
	router   core.Router
	local    core.AddressProvider
	notifier Notifier

	table *table
	epoch time.Time
	pool  sync.Pool
	wg    sync.WaitGroup

	// closeMu orders session admission against Close: a session is either
	// in the table when Close collects them, or refused.
	closeMu sync.Mutex
	closed  atomic.Bool

	// Metrics
	segmentsSent     uint64
	retransmits      uint64
	fastRetransmits  uint64
	rtoEvents        uint64
	acksReceived     uint64
	dupAcks          uint64
	msgsReceived     uint64
	outOfOrder       uint64
	acksSent         uint64
	sessionsStarted  uint64
	sessionsFinished uint64
	sendErrors       uint64
	droppedFrames    uint64
}

// Metrics is a snapshot of the meter counters.
type Metrics struct {
	SegmentsSent     uint64 `json:"segments_sent"`
	Retransmits      uint64 `json:"retransmits"`
	FastRetransmits  uint64 `json:"fast_retransmits"`
	RTOEvents        uint64 `json:"rto_events"`
	AcksReceived     uint64 `json:"acks_received"`
	DupAcks          uint64 `json:"dup_acks"`
	MsgsReceived     uint64 `json:"msgs_received"`
	OutOfOrder       uint64 `json:"out_of_order"`
	AcksSent         uint64 `json:"acks_sent"`
	SessionsStarted  uint64 `json:"sessions_started"`
	SessionsFinished uint64 `json:"sessions_finished"`
	SendErrors       uint64 `json:"send_errors"`
	DroppedFrames    uint64 `json:"dropped_frames"`
	ActiveSessions   int    `json:"active_sessions"`
}

// New creates a meter. notifier may be nil, in which case results are only
// logged.
func New(cfg Config, router core.Router, local core.AddressProvider, notifier Notifier) (*Meter, error) {
	if router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if local == nil {
		return nil, fmt.Errorf("address provider is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid meter config: %w", err)
	}

	m := &Meter{
		cfg:      cfg,
		router:   router,
		local:    local,
		notifier: notifier,
		table:    newTable(cfg.MaxSessions),
		epoch:    time.Now(),
	}
	frameLen := HeaderLen + cfg.SegmentSize
	m.pool.New = func() any {
		b := make([]byte, frameLen)
		return &b
	}
	return m, nil
}

// Config returns the effective configuration.
func (m *Meter) Config() Config {
	return m.cfg
}

// ProcessPacket implements core.PacketProcessor. It dispatches a received TP
// frame to the receiver or the ACK path.
func (m *Meter) ProcessPacket(packet core.Packet) error {
	defer core.ReleasePacket(packet)

	h, err := ParseHeader(packet.Data())
	if err != nil {
		atomic.AddUint64(&m.droppedFrames, 1)
		return err
	}
	if local, err := m.local.LocalAddr(); err == nil && h.Dst != local {
		atomic.AddUint64(&m.droppedFrames, 1)
		return fmt.Errorf("%w: %s", ErrNotForThisNode, h.Dst)
	}

	switch h.Subtype {
	case SubtypeMsg:
		m.recvMsg(h, packet.Length()-HeaderLen)
	case SubtypeAck:
		m.recvAck(h)
	}
	return nil
}

// Stop ends the session with dst, recording reason as its status. Stopping
// a session that is already terminating has no further effect.
func (m *Meter) Stop(dst core.Addr, reason Status) error {
	s := m.table.find(dst)
	if s == nil {
		return fmt.Errorf("%w %s", ErrNoSession, dst)
	}
	defer s.put()

	if s.shutdown(reason) {
		logging.InfoWithFields(s.fields(), "Stopping session: %s", reason)
	}
	if s.role == RoleReceiver {
		m.finishReceiver(s)
	} else {
		s.wake()
	}
	return nil
}

// Sessions returns a view of the current sessions.
func (m *Meter) Sessions() []SessionInfo {
	return m.table.snapshot()
}

// ActiveSessions returns the number of sessions in the table.
func (m *Meter) ActiveSessions() int {
	return m.table.count()
}

// Metrics returns the current counters.
func (m *Meter) Metrics() Metrics {
	return Metrics{
		SegmentsSent:     atomic.LoadUint64(&m.segmentsSent),
		Retransmits:      atomic.LoadUint64(&m.retransmits),
		FastRetransmits:  atomic.LoadUint64(&m.fastRetransmits),
		RTOEvents:        atomic.LoadUint64(&m.rtoEvents),
		AcksReceived:     atomic.LoadUint64(&m.acksReceived),
		DupAcks:          atomic.LoadUint64(&m.dupAcks),
		MsgsReceived:     atomic.LoadUint64(&m.msgsReceived),
		OutOfOrder:       atomic.LoadUint64(&m.outOfOrder),
		AcksSent:         atomic.LoadUint64(&m.acksSent),
		SessionsStarted:  atomic.LoadUint64(&m.sessionsStarted),
		SessionsFinished: atomic.LoadUint64(&m.sessionsFinished),
		SendErrors:       atomic.LoadUint64(&m.sendErrors),
		DroppedFrames:    atomic.LoadUint64(&m.droppedFrames),
		ActiveSessions:   m.table.count(),
	}
}

// Close stops every session with StatusStopped and waits for the sender
// loops to report.
func (m *Meter) Close() error {
	m.closeMu.Lock()
	first := m.closed.CompareAndSwap(false, true)
	m.closeMu.Unlock()
	if !first {
		return nil
	}
	for _, s := range m.table.all() {
		s.shutdown(StatusStopped)
		if s.role == RoleReceiver {
			m.finishReceiver(s)
		} else {
			s.wake()
		}
		s.put()
	}
	m.wg.Wait()
	return nil
}

// timestamp returns milliseconds since the meter started, never zero.
func (m *Meter) timestamp() uint32 {
	ts := uint32(time.Since(m.epoch).Milliseconds()) + 1
	if ts == 0 {
		ts = 1
	}
	return ts
}

// sendFrame builds a frame in a pooled buffer and hands it to the router.
func (m *Meter) sendFrame(h Header, payloadLen int) error {
	bp := m.pool.Get().(*[]byte)
	defer m.pool.Put(bp)

	frame := AppendFrame((*bp)[:0], h, payloadLen)
	*bp = frame[:0]
	return m.router.Send(h.Dst, frame)
}

// handleSendError classifies a router error. Fatal errors shut the session
// down; anything else is counted and the session carries on.
func (m *Meter) handleSendError(s *session, err error) (fatal bool) {
	switch {
	case errors.Is(err, core.ErrUnreachable):
		s.shutdown(StatusDestinationUnreachable)
		return true
	case errors.Is(err, core.ErrNoBuffer):
		s.shutdown(StatusMemoryError)
		return true
	default:
		atomic.AddUint64(&m.sendErrors, 1)
		if logging.IsDebugEnabled() {
			logging.DebugWithFields(s.fields(), "Send failed (%s): %v", StatusCannotSend, err)
		}
		return false
	}
}

func (m *Meter) notify(r Result) {
	atomic.AddUint64(&m.sessionsFinished, 1)
	if m.notifier != nil {
		m.notifier.Notify(r)
	}
}
