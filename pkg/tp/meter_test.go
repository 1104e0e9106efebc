package tp

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/irctrakz/tpmeter/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ackingRouter acknowledges every test segment synchronously, from inside
// Send, as a perfect peer would. If failAt is set, that Msg send fails once
// with a full send queue.
type ackingRouter struct {
	meter  *Meter
	mss    uint32
	failAt uint64
	msgs   atomic.Uint64
	calls  atomic.Uint64
}

func (r *ackingRouter) Send(dst core.Addr, frame []byte) error {
	h, err := ParseHeader(frame)
	if err != nil {
		return err
	}
	if h.Subtype == SubtypeMsg {
		if r.calls.Add(1) == r.failAt {
			return fmt.Errorf("%w: write: no buffer space available", core.ErrWouldBlock)
		}
		r.msgs.Add(1)
		return r.meter.ProcessPacket(ackFrame(dst, h.Orig, h.Seqno+r.mss))
	}
	return nil
}

func TestStartDefaultLengthCompletes(t *testing.T) {
	cfg := Config{SegmentSize: 1000, DefaultTestLength: 100 * time.Millisecond}
	router := &ackingRouter{mss: 1000}
	m, results := newTestMeter(t, cfg, router)
	router.meter = m

	start := time.Now()
	require.NoError(t, m.Start(3, peerAddr, 0))

	r := waitResult(t, results, 5*time.Second)
	assert.Equal(t, StatusComplete, r.Status)
	assert.Equal(t, RoleSender, r.Role)
	assert.Equal(t, uint8(3), r.UID)
	assert.Equal(t, peerAddr, r.Peer)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.GreaterOrEqual(t, r.Elapsed, 100*time.Millisecond)

	metrics := m.Metrics()
	require.NotZero(t, metrics.SegmentsSent)
	assert.Equal(t, metrics.SegmentsSent*1000, r.TotalBytes)
	assert.Equal(t, router.msgs.Load(), metrics.SegmentsSent)
	assert.Zero(t, metrics.Retransmits)
	assert.Equal(t, 0, m.ActiveSessions())
}

func TestStartAlreadyOngoing(t *testing.T) {
	m, _ := newTestMeter(t, Config{}, &recordingRouter{})

	require.NoError(t, m.Start(1, peerAddr, time.Minute))
	assert.Equal(t, 1, m.ActiveSessions())

	err := m.Start(2, peerAddr, time.Minute)
	assert.True(t, errors.Is(err, ErrAlreadyOngoing))
	assert.Equal(t, StatusAlreadyOngoing, StatusOf(err))
	assert.Equal(t, 1, m.ActiveSessions())
	assert.Equal(t, uint64(1), m.Metrics().SessionsStarted)
}

func TestStartTooManySessions(t *testing.T) {
	m, _ := newTestMeter(t, Config{MaxSessions: 1}, &recordingRouter{})

	require.NoError(t, m.Start(1, peerAddr, time.Minute))
	err := m.Start(2, otherAddr, time.Minute)
	assert.True(t, errors.Is(err, ErrTooManySessions))
	assert.Equal(t, StatusTooManySessions, StatusOf(err))
	assert.Equal(t, 1, m.ActiveSessions())
}

func TestStartUnreachable(t *testing.T) {
	router := &resolvingRouter{unreachable: map[core.Addr]bool{otherAddr: true}}
	m, results := newTestMeter(t, Config{}, router)

	err := m.Start(1, otherAddr, 0)
	assert.True(t, errors.Is(err, ErrDestinationUnreachable))

	err = m.Start(1, localAddr, 0)
	assert.True(t, errors.Is(err, ErrDestinationUnreachable))

	noAddr, err := New(Config{}, router, staticAddr{err: core.ErrNoLocalAddr}, nil)
	require.NoError(t, err)
	err = noAddr.Start(1, peerAddr, 0)
	assert.Equal(t, StatusDestinationUnreachable, StatusOf(err))

	assert.Equal(t, 0, m.ActiveSessions())
	expectNoResult(t, results, 50*time.Millisecond)
}

func TestStopTwiceNotifiesOnce(t *testing.T) {
	m, results := newTestMeter(t, Config{}, &recordingRouter{})
	require.NoError(t, m.Start(1, peerAddr, time.Minute))

	assert.NoError(t, m.Stop(peerAddr, StatusStopped))
	_ = m.Stop(peerAddr, StatusStopped)

	r := waitResult(t, results, 2*time.Second)
	assert.Equal(t, StatusStopped, r.Status)
	assert.Zero(t, r.TotalBytes)
	expectNoResult(t, results, 100*time.Millisecond)

	err := m.Stop(peerAddr, StatusStopped)
	assert.True(t, errors.Is(err, ErrNoSession))
}

func TestStopAfterCompletion(t *testing.T) {
	m, results := newTestMeter(t, Config{}, &recordingRouter{})
	require.NoError(t, m.Start(1, peerAddr, 30*time.Millisecond))

	r := waitResult(t, results, 2*time.Second)
	assert.Equal(t, StatusComplete, r.Status)

	err := m.Stop(peerAddr, StatusStopped)
	assert.True(t, errors.Is(err, ErrNoSession))
	expectNoResult(t, results, 50*time.Millisecond)
}

func TestRTOBackoffEndsUnreachable(t *testing.T) {
	cfg := Config{
		InitialRTO: 10 * time.Millisecond,
		MaxRTO:     80 * time.Millisecond,
	}
	router := &recordingRouter{}
	m, results := newTestMeter(t, cfg, router)
	require.NoError(t, m.Start(1, peerAddr, time.Minute))

	r := waitResult(t, results, 5*time.Second)
	assert.Equal(t, StatusDestinationUnreachable, r.Status)
	// 10ms -> 20ms -> 40ms -> 80ms, then give up
	assert.Equal(t, uint64(3), m.Metrics().RTOEvents)

	// every timeout resends from the last acknowledged offset
	assert.Equal(t, 4, router.countSeqno(SubtypeMsg, FirstSeq))
}

func TestSendErrors(t *testing.T) {
	t.Run("unreachable", func(t *testing.T) {
		router := &recordingRouter{hook: func(Header, []byte) error { return core.ErrUnreachable }}
		m, results := newTestMeter(t, Config{}, router)
		require.NoError(t, m.Start(1, peerAddr, time.Minute))
		assert.Equal(t, StatusDestinationUnreachable, waitResult(t, results, 2*time.Second).Status)
	})

	t.Run("allocation failure", func(t *testing.T) {
		router := &recordingRouter{hook: func(Header, []byte) error { return core.ErrNoBuffer }}
		m, results := newTestMeter(t, Config{}, router)
		require.NoError(t, m.Start(1, peerAddr, time.Minute))
		assert.Equal(t, StatusMemoryError, waitResult(t, results, 2*time.Second).Status)
	})

	t.Run("send queue full once", func(t *testing.T) {
		router := &ackingRouter{mss: 1000, failAt: 5}
		m, results := newTestMeter(t, Config{SegmentSize: 1000}, router)
		router.meter = m
		require.NoError(t, m.Start(1, peerAddr, 200*time.Millisecond))

		r := waitResult(t, results, 5*time.Second)
		assert.Equal(t, StatusComplete, r.Status)
		assert.Greater(t, r.TotalBytes, uint64(4*1000))
		assert.Equal(t, uint64(1), m.Metrics().SendErrors)
		assert.Equal(t, m.Metrics().SegmentsSent*1000, r.TotalBytes)
	})

	t.Run("transient", func(t *testing.T) {
		router := &recordingRouter{hook: func(Header, []byte) error { return core.ErrWouldBlock }}
		m, results := newTestMeter(t, Config{}, router)
		require.NoError(t, m.Start(1, peerAddr, 50*time.Millisecond))

		r := waitResult(t, results, 2*time.Second)
		assert.Equal(t, StatusComplete, r.Status)
		assert.Zero(t, r.TotalBytes)
		assert.NotZero(t, m.Metrics().SendErrors)
		assert.Zero(t, m.Metrics().SegmentsSent)
	})
}

func TestFastRetransmitOnThirdDupAck(t *testing.T) {
	cfg := Config{SegmentSize: 1000, InitialRTO: 10 * time.Second, MaxRTO: 60 * time.Second}
	router := &recordingRouter{}
	m, results := newTestMeter(t, cfg, router)
	require.NoError(t, m.Start(1, peerAddr, time.Minute))

	// initial window is three segments
	require.Eventually(t, func() bool {
		infos := m.Sessions()
		return len(infos) == 1 && infos[0].LastSent == seq(3000)
	}, 2*time.Second, 5*time.Millisecond)

	hole := seq(1000)
	require.NoError(t, m.ProcessPacket(ackFrame(peerAddr, localAddr, hole)))
	assert.Equal(t, 1, router.countSeqno(SubtypeMsg, hole))

	for i := 1; i <= 2; i++ {
		require.NoError(t, m.ProcessPacket(ackFrame(peerAddr, localAddr, hole)))
		assert.Zero(t, m.Metrics().FastRetransmits, "dup ack %d", i)
	}

	require.NoError(t, m.ProcessPacket(ackFrame(peerAddr, localAddr, hole)))
	assert.Equal(t, uint64(1), m.Metrics().FastRetransmits)
	assert.Equal(t, 2, router.countSeqno(SubtypeMsg, hole))

	for i := 0; i < 3; i++ {
		require.NoError(t, m.ProcessPacket(ackFrame(peerAddr, localAddr, hole)))
	}
	assert.Equal(t, uint64(1), m.Metrics().FastRetransmits)
	assert.Equal(t, uint64(6), m.Metrics().DupAcks)

	// partial ACK resends the next hole
	next := seq(2000)
	require.NoError(t, m.ProcessPacket(ackFrame(peerAddr, localAddr, next)))
	assert.Equal(t, uint64(2), m.Metrics().Retransmits)
	assert.Equal(t, 2, router.countSeqno(SubtypeMsg, next))

	// full ACK leaves fast recovery
	var recovered uint32
	for _, h := range router.sent(SubtypeMsg) {
		if end := h.Seqno + 1000; recovered == 0 || seqAfter(end, recovered) {
			recovered = end
		}
	}
	require.NoError(t, m.ProcessPacket(ackFrame(peerAddr, localAddr, recovered)))
	infos := m.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, recovered, infos[0].LastAcked)
	assert.Equal(t, infos[0].SSThresh, infos[0].Cwnd)

	require.NoError(t, m.Stop(peerAddr, StatusStopped))
	r := waitResult(t, results, 2*time.Second)
	assert.Equal(t, StatusStopped, r.Status)
}

func TestStaleAckIgnored(t *testing.T) {
	cfg := Config{SegmentSize: 1000, InitialRTO: 10 * time.Second, MaxRTO: 60 * time.Second}
	router := &recordingRouter{}
	m, _ := newTestMeter(t, cfg, router)
	require.NoError(t, m.Start(1, peerAddr, time.Minute))
	require.Eventually(t, func() bool {
		infos := m.Sessions()
		return len(infos) == 1 && infos[0].LastSent == seq(3000)
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.ProcessPacket(ackFrame(peerAddr, localAddr, seq(2000))))
	require.NoError(t, m.ProcessPacket(ackFrame(peerAddr, localAddr, seq(1000))))

	infos := m.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, seq(2000), infos[0].LastAcked)
	assert.Zero(t, m.Metrics().DupAcks)
}

func TestAckBeyondSentIgnored(t *testing.T) {
	cfg := Config{SegmentSize: 1000, InitialRTO: 10 * time.Second, MaxRTO: 60 * time.Second}
	router := &recordingRouter{}
	m, results := newTestMeter(t, cfg, router)
	require.NoError(t, m.Start(1, peerAddr, 300*time.Millisecond))

	require.Eventually(t, func() bool {
		infos := m.Sessions()
		return len(infos) == 1 && infos[0].LastSent == seq(3000)
	}, 2*time.Second, 5*time.Millisecond)

	// a receiver still holding the state of an earlier test acks far ahead
	require.NoError(t, m.ProcessPacket(ackFrame(peerAddr, localAddr, seq(1000*1000))))
	infos := m.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, FirstSeq, infos[0].LastAcked)
	assert.Equal(t, uint64(1), m.Metrics().DroppedFrames)

	require.NoError(t, m.ProcessPacket(ackFrame(peerAddr, localAddr, seq(3000))))

	r := waitResult(t, results, 2*time.Second)
	assert.Equal(t, StatusComplete, r.Status)
	assert.Equal(t, uint64(3000), r.TotalBytes)
	assert.LessOrEqual(t, r.TotalBytes, m.Metrics().SegmentsSent*1000)
}

func TestSessionReleasedAfterFinish(t *testing.T) {
	m, results := newTestMeter(t, Config{}, &recordingRouter{})
	require.NoError(t, m.Start(1, peerAddr, time.Minute))

	s := m.table.find(peerAddr)
	require.NotNil(t, s)

	require.NoError(t, m.Stop(peerAddr, StatusStopped))
	waitResult(t, results, 2*time.Second)
	assert.False(t, s.freed.Load(), "released while still referenced")

	s.put()
	assert.Eventually(t, s.freed.Load, time.Second, 5*time.Millisecond)
}

func TestProcessPacketRejects(t *testing.T) {
	m, _ := newTestMeter(t, Config{}, &recordingRouter{})

	err := m.ProcessPacket(core.NewPacket([]byte{1, 2, 3}))
	assert.True(t, errors.Is(err, ErrShortFrame))

	err = m.ProcessPacket(ackFrame(peerAddr, otherAddr, FirstSeq))
	assert.True(t, errors.Is(err, ErrNotForThisNode))

	// ACK without a session
	assert.NoError(t, m.ProcessPacket(ackFrame(peerAddr, localAddr, FirstSeq)))
	assert.Equal(t, uint64(3), m.Metrics().DroppedFrames)
}

func TestCloseStopsSessions(t *testing.T) {
	router := &recordingRouter{}
	results := make(chanNotifier, 8)
	m, err := New(Config{}, router, staticAddr{addr: localAddr}, results)
	require.NoError(t, err)

	require.NoError(t, m.Start(1, peerAddr, time.Minute))
	require.NoError(t, m.ProcessPacket(msgFrame(otherAddr, localAddr, FirstSeq, 100)))
	require.Equal(t, 2, m.ActiveSessions())

	require.NoError(t, m.Close())
	assert.Equal(t, 0, m.ActiveSessions())
	require.Len(t, results, 2)
	for i := 0; i < 2; i++ {
		assert.Equal(t, StatusStopped, (<-results).Status)
	}

	assert.True(t, errors.Is(m.Start(1, peerAddr, 0), ErrClosed))
}

func TestCloseWhileStarting(t *testing.T) {
	for round := 0; round < 50; round++ {
		results := make(chanNotifier, 8)
		m, err := New(Config{}, &recordingRouter{}, staticAddr{addr: localAddr}, results)
		require.NoError(t, err)

		var wg sync.WaitGroup
		var started atomic.Int32
		for i := 0; i < 4; i++ {
			i := i
			peer := core.MustParseAddr(fmt.Sprintf("02:00:00:00:01:%02x", i))
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := m.Start(uint8(i), peer, time.Minute)
				if err == nil {
					started.Add(1)
					return
				}
				assert.ErrorIs(t, err, ErrClosed)
			}()
		}
		require.NoError(t, m.Close())
		wg.Wait()

		// every admitted session was stopped and reported by Close
		assert.Equal(t, 0, m.ActiveSessions(), "round %d", round)
		assert.Len(t, results, int(started.Load()), "round %d", round)
	}
}
