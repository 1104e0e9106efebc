package tp

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/irctrakz/tpmeter/pkg/core"
	"github.com/irctrakz/tpmeter/pkg/logging"
	"github.com/sirupsen/logrus"
)

// Start begins a measurement towards dst on behalf of client uid. A zero
// testLength selects the configured default. Start returns once the session
// is running; its Result is delivered through the Notifier. On error no
// session is created.
func (m *Meter) Start(uid uint8, dst core.Addr, testLength time.Duration) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if s := m.table.find(dst); s != nil {
		s.put()
		return ErrAlreadyOngoing
	}

	local, err := m.local.LocalAddr()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDestinationUnreachable, err)
	}
	if dst == local || dst.IsZero() {
		return fmt.Errorf("%w: %s is not a remote node", ErrDestinationUnreachable, dst)
	}
	if r, ok := m.router.(core.Resolver); ok {
		if err := r.Resolve(dst); err != nil {
			return fmt.Errorf("%w: %v", ErrDestinationUnreachable, err)
		}
	}

	if testLength <= 0 {
		testLength = m.cfg.DefaultTestLength
	}

	s := newSession(m, RoleSender, local, dst, uid)
	s.testLength = testLength

	m.closeMu.Lock()
	if m.closed.Load() {
		m.closeMu.Unlock()
		return ErrClosed
	}
	if err := m.table.insert(s); err != nil {
		m.closeMu.Unlock()
		return err
	}
	// the loop is counted before Close can see the session
	m.wg.Add(1)
	m.closeMu.Unlock()
	atomic.AddUint64(&m.sessionsStarted, 1)

	logging.InfoWithFields(s.fields(), "Starting throughput test: length=%v mss=%d", testLength, m.cfg.SegmentSize)

	// timer reference, dropped when the loop finalizes
	s.get()
	s.mu.Lock()
	s.finishTimer = time.AfterFunc(testLength, func() { m.testLengthExpired(s) })
	m.resetRTO(s)
	s.mu.Unlock()

	// the creator reference moves to the loop
	go m.sendLoop(s)
	return nil
}

func (m *Meter) testLengthExpired(s *session) {
	if s.shutdown(StatusComplete) {
		logging.DebugWithFields(s.fields(), "Test length elapsed")
	}
}

// resetRTO (re)arms the retransmission timer. Must be called with s.mu held.
func (m *Meter) resetRTO(s *session) {
	if !s.active.Load() {
		return
	}
	if s.rtoTimer == nil {
		s.rtoTimer = time.AfterFunc(s.rtt.RTO(), func() { m.rtoExpired(s) })
		return
	}
	s.rtoTimer.Reset(s.rtt.RTO())
}

func (m *Meter) rtoExpired(s *session) {
	s.mu.Lock()
	if !s.active.Load() {
		s.mu.Unlock()
		return
	}
	if s.rtt.RTO() >= m.cfg.MaxRTO {
		rto := s.rtt.RTO()
		s.mu.Unlock()
		if s.shutdown(StatusDestinationUnreachable) {
			logging.InfoWithFields(s.fields(), "Retransmission timeout reached ceiling (rto=%v), giving up", rto)
		}
		return
	}

	s.rtt.backoff()
	s.cc.timeout(s.lastSent)
	s.lastSent = s.lastAcked
	s.dupAcks = 0
	atomic.AddUint64(&m.rtoEvents, 1)
	if logging.IsDebugEnabled() {
		logging.DebugWithFields(s.fields(), "RTO fired: rto=%v ss_threshold=%d cwnd=%d resend_from=%d",
			s.rtt.RTO(), s.cc.ssThresh, s.cc.cwnd, s.lastAcked)
	}
	m.resetRTO(s)
	s.mu.Unlock()

	s.wake()
}

// nextSegment returns the seqno to send if the window has room for one
// more segment. highSent covers the segment before it reaches the router,
// so an ACK racing the send is not mistaken for one beyond it.
func (m *Meter) nextSegment(s *session) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mss := uint32(m.cfg.SegmentSize)
	inFlight := uint64(s.lastSent - s.lastAcked)
	if inFlight+uint64(mss) > uint64(s.cc.cwnd) {
		return 0, false
	}
	if end := s.lastSent + mss; seqAfter(end, s.highSent) {
		s.highSent = end
	}
	return s.lastSent, true
}

func (m *Meter) sendLoop(s *session) {
	defer m.wg.Done()

	mss := uint32(m.cfg.SegmentSize)
	for s.active.Load() {
		seqno, ok := m.nextSegment(s)
		if !ok {
			s.waitRoom(m.cfg.WaitInterval)
			continue
		}

		err := m.sendMsg(s, seqno)
		if err != nil {
			if m.handleSendError(s, err) {
				break
			}
			s.waitRoom(defaultCannotSendBackoff)
			continue
		}

		s.mu.Lock()
		// an RTO may have rewound lastSent while the frame was in flight
		if s.lastSent == seqno {
			s.lastSent += mss
		}
		s.segmentsSent++
		m.resetRTO(s)
		s.mu.Unlock()
		atomic.AddUint64(&m.segmentsSent, 1)

		runtime.Gosched()
	}

	m.finishSender(s)
}

func (m *Meter) sendMsg(s *session, seqno uint32) error {
	return m.sendFrame(Header{
		Dst:       s.peer,
		Orig:      s.local,
		UID:       s.uid,
		Subtype:   SubtypeMsg,
		Timestamp: m.timestamp(),
		Seqno:     seqno,
	}, m.cfg.SegmentSize)
}

// finishSender runs once, on the loop goroutine, after the session went
// inactive.
func (m *Meter) finishSender(s *session) {
	s.mu.Lock()
	s.stopTimers()
	s.mu.Unlock()

	m.table.remove(s)

	s.mu.Lock()
	s.stopTimers()
	reason := s.stopReason()
	result := Result{
		UID:    s.uid,
		Peer:   s.peer,
		Role:   RoleSender,
		Status: reason,
	}
	if reason == StatusComplete {
		result.Elapsed = time.Since(s.startTime)
		result.TotalBytes = s.totalAcked
	}
	stats := logrus.Fields{
		"srtt":         s.rtt.SRTT(),
		"rttvar":       s.rtt.RTTVar(),
		"rto":          s.rtt.RTO(),
		"cwnd":         s.cc.cwnd,
		"ss_threshold": s.cc.ssThresh,
		"segments":     s.segmentsSent,
	}
	s.mu.Unlock()

	// timer reference
	s.put()

	fields := s.fields()
	for k, v := range stats {
		fields[k] = v
	}
	if reason == StatusComplete {
		logging.InfoWithFields(fields, "Throughput test finished: %d bytes in %v (%.0f B/s)",
			result.TotalBytes, result.Elapsed.Round(time.Millisecond), result.Throughput())
	} else {
		logging.InfoWithFields(fields, "Throughput test ended: %s", reason)
	}

	m.notify(result)

	// loop reference
	s.put()
}

// recvAck processes an acknowledgement for a sender session.
func (m *Meter) recvAck(h Header) {
	atomic.AddUint64(&m.acksReceived, 1)

	s := m.table.find(h.Orig)
	if s == nil {
		atomic.AddUint64(&m.droppedFrames, 1)
		return
	}
	defer s.put()
	if s.role != RoleSender {
		atomic.AddUint64(&m.droppedFrames, 1)
		return
	}

	mss := uint32(m.cfg.SegmentSize)
	resend := false

	s.mu.Lock()
	if seqBefore(h.Seqno, s.lastAcked) {
		s.mu.Unlock()
		return
	}
	if seqAfter(h.Seqno, s.highSent) {
		// acknowledges data this session never sent, e.g. from the
		// receiver state of an earlier test
		highSent := s.highSent
		s.mu.Unlock()
		atomic.AddUint64(&m.droppedFrames, 1)
		if logging.IsDebugEnabled() {
			logging.DebugWithFields(s.fields(), "Ignoring ack %d beyond highest sent %d", h.Seqno, highSent)
		}
		return
	}
	if !s.active.Load() {
		// segments in flight when the test ended still count as delivered
		s.totalAcked += uint64(h.Seqno - s.lastAcked)
		s.lastAcked = h.Seqno
		s.mu.Unlock()
		return
	}

	if h.Seqno == s.lastAcked {
		s.dupAcks++
		atomic.AddUint64(&m.dupAcks, 1)
		if s.dupAcks == 3 && !s.cc.fastRecovery {
			s.cc.enterFastRecovery(s.lastSent)
			resend = true
			atomic.AddUint64(&m.fastRetransmits, 1)
			if logging.IsDebugEnabled() {
				logging.DebugWithFields(s.fields(), "Fast retransmit: seqno=%d recover=%d ss_threshold=%d cwnd=%d",
					h.Seqno, s.cc.recover, s.cc.ssThresh, s.cc.cwnd)
			}
		}
	} else {
		if h.Timestamp != 0 {
			if rtt := m.timestamp() - h.Timestamp; rtt != 0 {
				s.rtt.sample(rtt)
			}
		}

		acked := h.Seqno - s.lastAcked
		s.totalAcked += uint64(acked)
		s.dupAcks = 0

		if s.cc.fastRecovery {
			if seqBefore(h.Seqno, s.cc.recover) {
				// partial ACK: the next hole is at the new offset
				s.cc.partialAck()
				resend = true
			} else {
				s.cc.exitFastRecovery()
			}
		} else if acked >= mss {
			s.cc.grow()
		}

		s.lastAcked = h.Seqno
		if seqAfter(h.Seqno, s.lastSent) {
			s.lastSent = h.Seqno
		}
		m.resetRTO(s)
	}
	s.mu.Unlock()

	if resend {
		atomic.AddUint64(&m.retransmits, 1)
		if err := m.sendMsg(s, h.Seqno); err != nil {
			m.handleSendError(s, err)
		}
	}
	s.wake()
}
