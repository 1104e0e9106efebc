package tp

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/irctrakz/tpmeter/pkg/logging"
)

// maxOutOfOrder caps the segments a receiver buffers ahead of its
// cumulative offset.
const maxOutOfOrder = 8192

// recvMsg handles a test segment carrying payloadLen bytes.
func (m *Meter) recvMsg(h Header, payloadLen int) {
	atomic.AddUint64(&m.msgsReceived, 1)

	s := m.table.find(h.Orig)
	if s != nil && h.Seqno == FirstSeq && m.restartReceiver(s, h) {
		s.put()
		s = nil
	}
	if s == nil {
		if h.Seqno != FirstSeq {
			// late segment of an expired session
			atomic.AddUint64(&m.droppedFrames, 1)
			return
		}
		if s = m.newReceiver(h); s == nil {
			atomic.AddUint64(&m.droppedFrames, 1)
			return
		}
	}
	defer s.put()

	if s.role != RoleReceiver {
		atomic.AddUint64(&m.droppedFrames, 1)
		return
	}

	s.mu.Lock()
	if !s.active.Load() {
		s.mu.Unlock()
		return
	}
	s.lastRecvTime = time.Now()

	switch {
	case seqBefore(h.Seqno, s.lastRecv):
		// already acknowledged; the ACK may have been lost
	case h.Seqno != s.lastRecv:
		if h.Seqno-s.lastRecv > AWND || s.ooo.Len() >= maxOutOfOrder {
			// beyond any sender window, or the buffer is full
			buffered := s.ooo.Len()
			s.mu.Unlock()
			atomic.AddUint64(&m.droppedFrames, 1)
			if logging.IsDebugEnabled() {
				logging.DebugWithFields(s.fields(), "Dropping segment outside the receive window: seqno=%d expected=%d buffered=%d",
					h.Seqno, s.lastRecv, buffered)
			}
			return
		}
		s.ooo.insert(h.Seqno, uint32(payloadLen))
		atomic.AddUint64(&m.outOfOrder, 1)
		if logging.IsDebugEnabled() {
			logging.DebugWithFields(s.fields(), "Out of order segment: seqno=%d expected=%d buffered=%d",
				h.Seqno, s.lastRecv, s.ooo.Len())
		}
	default:
		s.lastRecv += uint32(payloadLen)
		s.lastRecv = s.ooo.drain(s.lastRecv)
	}
	ack := s.lastRecv
	s.mu.Unlock()

	m.sendAck(s, h, ack)
}

// restartReceiver ends the receiver session s when the first segment h
// opens a new test: it carries another uid, or s has already moved past
// the first segment. It reports whether s was ended.
func (m *Meter) restartReceiver(s *session, h Header) bool {
	if s.role != RoleReceiver {
		return false
	}
	s.mu.Lock()
	fresh := h.UID != s.uid || s.lastRecv != FirstSeq
	s.mu.Unlock()
	if !fresh {
		return false
	}

	if s.shutdown(StatusComplete) {
		logging.InfoWithFields(s.fields(), "Peer started a new test (uid=%d), closing the previous one", h.UID)
	}
	m.finishReceiver(s)
	return true
}

// newReceiver creates and registers a receiver session for the sender of h.
// It returns the session with a reference for the caller, or nil if the
// session cannot be admitted.
func (m *Meter) newReceiver(h Header) *session {
	local, err := m.local.LocalAddr()
	if err != nil {
		return nil
	}

	s := newSession(m, RoleReceiver, local, h.Orig, h.UID)
	// the caller's reference, taken before the session is visible
	s.get()

	m.closeMu.Lock()
	if m.closed.Load() {
		m.closeMu.Unlock()
		return nil
	}
	err = m.table.insert(s)
	m.closeMu.Unlock()
	if err != nil {
		if errors.Is(err, ErrAlreadyOngoing) {
			// another segment created it first
			return m.table.find(h.Orig)
		}
		logging.WarnWithFields(s.fields(), "Refusing receiver session: %v", err)
		return nil
	}
	atomic.AddUint64(&m.sessionsStarted, 1)
	logging.InfoWithFields(s.fields(), "Receiver session started")

	s.mu.Lock()
	s.lastRecvTime = time.Now()
	// the creator reference is held by the inactivity timer
	if s.active.Load() {
		s.recvTimer = time.AfterFunc(m.cfg.RecvTimeout, func() { m.recvTimeoutExpired(s) })
	}
	s.mu.Unlock()
	return s
}

func (m *Meter) recvTimeoutExpired(s *session) {
	s.mu.Lock()
	if !s.active.Load() {
		s.mu.Unlock()
		return
	}
	if idle := time.Since(s.lastRecvTime); idle < m.cfg.RecvTimeout {
		s.recvTimer.Reset(m.cfg.RecvTimeout - idle)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.shutdown(StatusInactivityTimeout)
	m.finishReceiver(s)
}

// finishReceiver tears down an inactive receiver session. Only the first
// call has an effect.
func (m *Meter) finishReceiver(s *session) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.stopTimers()
		s.mu.Unlock()

		m.table.remove(s)

		s.mu.Lock()
		s.stopTimers()
		result := Result{
			UID:        s.uid,
			Peer:       s.peer,
			Role:       RoleReceiver,
			Status:     s.stopReason(),
			Elapsed:    s.lastRecvTime.Sub(s.startTime),
			TotalBytes: uint64(s.lastRecv - FirstSeq),
		}
		buffered := s.ooo.Len()
		s.ooo.reset()
		s.mu.Unlock()

		logging.InfoWithFields(s.fields(), "Receiver session ended (%s): %d bytes in %v, %d segments still out of order",
			result.Status, result.TotalBytes, result.Elapsed.Round(time.Millisecond), buffered)
		m.notify(result)

		// timer reference
		s.put()
	})
}

// sendAck acknowledges everything up to ack, echoing the segment timestamp.
func (m *Meter) sendAck(s *session, h Header, ack uint32) {
	err := m.sendFrame(Header{
		Dst:       s.peer,
		Orig:      s.local,
		UID:       h.UID,
		Subtype:   SubtypeAck,
		Timestamp: h.Timestamp,
		Seqno:     ack,
	}, 0)
	if err != nil {
		atomic.AddUint64(&m.sendErrors, 1)
		if logging.IsDebugEnabled() {
			logging.DebugWithFields(s.fields(), "Failed to send ack %d: %v", ack, err)
		}
		return
	}
	atomic.AddUint64(&m.acksSent, 1)
}
