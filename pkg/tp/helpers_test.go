package tp

import (
	"sync"
	"testing"
	"time"

	"github.com/irctrakz/tpmeter/pkg/core"
	"github.com/stretchr/testify/require"
)

var (
	localAddr = core.MustParseAddr("02:00:00:00:00:01")
	peerAddr  = core.MustParseAddr("02:00:00:00:00:02")
	otherAddr = core.MustParseAddr("02:00:00:00:00:03")
)

type staticAddr struct {
	addr core.Addr
	err  error
}

func (a staticAddr) LocalAddr() (core.Addr, error) {
	return a.addr, a.err
}

// recordingRouter records every frame sent. hook, if set, decides the
// result of Send.
type recordingRouter struct {
	mu     sync.Mutex
	frames []Header
	sizes  []int
	hook   func(h Header, frame []byte) error
}

func (r *recordingRouter) Send(dst core.Addr, frame []byte) error {
	h, err := ParseHeader(frame)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.frames = append(r.frames, h)
	r.sizes = append(r.sizes, len(frame))
	hook := r.hook
	r.mu.Unlock()

	if hook != nil {
		return hook(h, frame)
	}
	return nil
}

func (r *recordingRouter) sent(subtype Subtype) []Header {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Header
	for _, h := range r.frames {
		if h.Subtype == subtype {
			out = append(out, h)
		}
	}
	return out
}

func (r *recordingRouter) countSeqno(subtype Subtype, seqno uint32) int {
	n := 0
	for _, h := range r.sent(subtype) {
		if h.Seqno == seqno {
			n++
		}
	}
	return n
}

// resolvingRouter rejects destinations listed in unreachable.
type resolvingRouter struct {
	recordingRouter
	unreachable map[core.Addr]bool
}

func (r *resolvingRouter) Resolve(dst core.Addr) error {
	if r.unreachable[dst] {
		return core.ErrUnreachable
	}
	return nil
}

type chanNotifier chan Result

func (c chanNotifier) Notify(r Result) { c <- r }

func newTestMeter(t *testing.T, cfg Config, router core.Router) (*Meter, chanNotifier) {
	t.Helper()
	results := make(chanNotifier, 64)
	m, err := New(cfg, router, staticAddr{addr: localAddr}, results)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m, results
}

func waitResult(t *testing.T, results chanNotifier, timeout time.Duration) Result {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(timeout):
		t.Fatalf("no result within %v", timeout)
		return Result{}
	}
}

func expectNoResult(t *testing.T, results chanNotifier, wait time.Duration) {
	t.Helper()
	select {
	case r := <-results:
		t.Errorf("unexpected result: %+v", r)
	case <-time.After(wait):
	}
}

func msgFrame(from, to core.Addr, seqno uint32, payload int) core.Packet {
	return msgFrameUID(from, to, 7, seqno, payload)
}

func msgFrameUID(from, to core.Addr, uid uint8, seqno uint32, payload int) core.Packet {
	return core.NewPacket(AppendFrame(nil, Header{
		Dst:       to,
		Orig:      from,
		UID:       uid,
		Subtype:   SubtypeMsg,
		Timestamp: 1,
		Seqno:     seqno,
	}, payload))
}

func ackFrame(from, to core.Addr, seqno uint32) core.Packet {
	return core.NewPacket(AppendFrame(nil, Header{
		Dst:     to,
		Orig:    from,
		Subtype: SubtypeAck,
		Seqno:   seqno,
	}, 0))
}

// seq returns the sequence number off bytes after FirstSeq, wrapping.
func seq(off uint32) uint32 {
	return FirstSeq + off
}
