package tp

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/irctrakz/tpmeter/pkg/core"
	"github.com/sirupsen/logrus"
)

// session is the state of one measurement with one peer. It is shared by
// the table, the timers and, for a sender, the transmission loop; each of
// them holds a reference while it needs the session.
type session struct {
	meter *Meter
	role  Role
	peer  core.Addr
	local core.Addr
	uid   uint8

	refs  atomic.Int32
	freed atomic.Bool

	// active flips to false exactly once, under stopMu, which also guards
	// reason. done is closed at the same moment.
	active atomic.Bool
	stopMu sync.Mutex
	reason Status
	done   chan struct{}

	finishOnce sync.Once
	startTime  time.Time

	// moreBytes wakes the sender loop when window room may have opened.
	moreBytes chan struct{}

	mu sync.Mutex

	// sender state
	lastSent     uint32
	lastAcked    uint32
	// highSent is the end of the highest segment handed to the router. An
	// RTO rewinds lastSent but never highSent.
	highSent     uint32
	dupAcks      int
	cc           congestion
	rtt          rttEstimator
	totalAcked   uint64
	segmentsSent uint64
	testLength   time.Duration
	rtoTimer     *time.Timer
	finishTimer  *time.Timer

	// receiver state
	lastRecv     uint32
	ooo          oooBuffer
	lastRecvTime time.Time
	recvTimer    *time.Timer
}

func newSession(m *Meter, role Role, local, peer core.Addr, uid uint8) *session {
	s := &session{
		meter:     m,
		role:      role,
		peer:      peer,
		local:     local,
		uid:       uid,
		done:      make(chan struct{}),
		moreBytes: make(chan struct{}, 1),
		startTime: time.Now(),
		lastSent:  FirstSeq,
		lastAcked: FirstSeq,
		highSent:  FirstSeq,
		lastRecv:  FirstSeq,
		cc:        newCongestion(uint32(m.cfg.SegmentSize)),
		rtt:       newRTTEstimator(m.cfg.InitialRTO, m.cfg.MinRTO),
	}
	s.refs.Store(1)
	s.active.Store(true)
	return s
}

// get takes a reference unless the session is already released.
func (s *session) get() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// put drops a reference and releases the session with the last one.
func (s *session) put() {
	if s.refs.Add(-1) == 0 {
		s.release()
	}
}

func (s *session) release() {
	s.mu.Lock()
	s.ooo.reset()
	s.mu.Unlock()
	s.freed.Store(true)
}

// shutdown marks the session inactive and records the reason. Only the first
// call has an effect; it reports whether it was that call.
func (s *session) shutdown(reason Status) bool {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	if !s.active.Load() {
		return false
	}
	s.reason = reason
	s.active.Store(false)
	close(s.done)
	return true
}

func (s *session) stopReason() Status {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	return s.reason
}

// wake signals the sender loop without blocking.
func (s *session) wake() {
	select {
	case s.moreBytes <- struct{}{}:
	default:
	}
}

// waitRoom blocks until woken, stopped or d elapses.
func (s *session) waitRoom(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.moreBytes:
	case <-s.done:
	case <-t.C:
	}
}

// stopTimers cancels every timer of the session. Must be called with mu
// held. Timers re-arm only while active, so calling it again after
// shutdown catches a timer that re-armed concurrently.
func (s *session) stopTimers() {
	for _, t := range []*time.Timer{s.rtoTimer, s.finishTimer, s.recvTimer} {
		if t != nil {
			t.Stop()
		}
	}
}

func (s *session) fields() logrus.Fields {
	return logrus.Fields{
		"peer": s.peer.String(),
		"uid":  s.uid,
		"role": s.role.String(),
	}
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	Peer      core.Addr     `json:"peer"`
	UID       uint8         `json:"uid"`
	Role      Role          `json:"role"`
	Active    bool          `json:"active"`
	Started   time.Time     `json:"started"`
	Cwnd      uint32        `json:"cwnd,omitempty"`
	SSThresh  uint32        `json:"ss_threshold,omitempty"`
	RTO       time.Duration `json:"rto_ns,omitempty"`
	SRTT      time.Duration `json:"srtt_ns,omitempty"`
	LastSent  uint32        `json:"last_sent,omitempty"`
	LastAcked uint32        `json:"last_acked,omitempty"`
	LastRecv  uint32        `json:"last_recv,omitempty"`
	Buffered  int           `json:"out_of_order,omitempty"`
	Bytes     uint64        `json:"bytes"`
}

func (s *session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := SessionInfo{
		Peer:    s.peer,
		UID:     s.uid,
		Role:    s.role,
		Active:  s.active.Load(),
		Started: s.startTime,
	}
	if s.role == RoleSender {
		info.Cwnd = s.cc.cwnd
		info.SSThresh = s.cc.ssThresh
		info.RTO = s.rtt.RTO()
		info.SRTT = s.rtt.SRTT()
		info.LastSent = s.lastSent
		info.LastAcked = s.lastAcked
		info.Bytes = s.totalAcked
	} else {
		info.LastRecv = s.lastRecv
		info.Buffered = s.ooo.Len()
		info.Bytes = uint64(s.lastRecv - FirstSeq)
	}
	return info
}
