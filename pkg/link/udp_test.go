package link

import (
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/irctrakz/tpmeter/pkg/core"
	"github.com/irctrakz/tpmeter/pkg/tp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startUDPLink(t *testing.T, addr core.Addr, p core.PacketProcessor) *UDPLink {
	t.Helper()
	l, err := NewUDPLink(Config{
		LocalAddr:  addr.String(),
		ListenAddr: "127.0.0.1:0",
		TTL:        8,
	})
	require.NoError(t, err)
	l.SetPacketProcessor(p)
	require.NoError(t, l.Start())
	t.Cleanup(func() { l.Stop() })
	return l
}

// connect makes a and b neighbors of each other.
func connect(a, b *UDPLink) {
	la, _ := a.LocalAddr()
	lb, _ := b.LocalAddr()
	a.AddNeighbor(lb, b.Addr())
	b.AddNeighbor(la, a.Addr())
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		LocalAddr:  "02:00:00:00:00:01",
		ListenAddr: "127.0.0.1:4305",
		Neighbors:  map[string]string{"02:00:00:00:00:02": "127.0.0.1:4306"},
	}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"bad local address", func(c *Config) { c.LocalAddr = "nope" }},
		{"bad listen address", func(c *Config) { c.ListenAddr = "127.0.0.1:notaport" }},
		{"bad TOS", func(c *Config) { c.TOS = 256 }},
		{"bad TTL", func(c *Config) { c.TTL = -1 }},
		{"bad neighbor address", func(c *Config) { c.Neighbors = map[string]string{"x": "127.0.0.1:1"} }},
		{"bad neighbor endpoint", func(c *Config) {
			c.Neighbors = map[string]string{"02:00:00:00:00:02": "127.0.0.1:notaport"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.modify(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestUDPLink_SendReceive(t *testing.T) {
	recv := newMockProcessor()
	a := startUDPLink(t, nodeA, newMockProcessor())
	b := startUDPLink(t, nodeB, recv)
	connect(a, b)

	require.NoError(t, a.Resolve(nodeB))
	require.NoError(t, a.Send(nodeB, testFrame(nodeA, 7)))

	require.Eventually(t, func() bool { return recv.processed() == 1 }, 2*time.Second, 5*time.Millisecond)
	recv.mu.Lock()
	assert.Equal(t, []uint16{7}, recv.byOrigin[nodeA])
	recv.mu.Unlock()

	assert.Equal(t, uint64(1), a.Metrics().PacketsSent)
	assert.Equal(t, uint64(26), b.Metrics().BytesReceived)
}

func TestUDPLink_Unreachable(t *testing.T) {
	a := startUDPLink(t, nodeA, newMockProcessor())

	assert.ErrorIs(t, a.Resolve(nodeB), core.ErrUnreachable)
	assert.ErrorIs(t, a.Send(nodeB, testFrame(nodeA, 1)), core.ErrUnreachable)
	assert.Equal(t, uint64(1), a.Metrics().Unreachable)
}

func TestUDPLink_Neighbors(t *testing.T) {
	l, err := NewUDPLink(Config{
		LocalAddr:  nodeA.String(),
		ListenAddr: "127.0.0.1:0",
		Neighbors:  map[string]string{nodeB.String(): "127.0.0.1:4306"},
	})
	require.NoError(t, err)

	assert.Equal(t, map[core.Addr]string{nodeB: "127.0.0.1:4306"}, l.Neighbors())
	assert.NoError(t, l.Resolve(nodeB))

	l.RemoveNeighbor(nodeB)
	assert.Empty(t, l.Neighbors())
	assert.ErrorIs(t, l.Resolve(nodeB), core.ErrUnreachable)
}

func TestUDPLink_StartStop(t *testing.T) {
	l, err := NewUDPLink(Config{LocalAddr: nodeA.String(), ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)

	assert.Error(t, l.Start(), "start without processor")
	assert.Nil(t, l.Addr())

	l.SetPacketProcessor(newMockProcessor())
	require.NoError(t, l.Start())
	assert.Error(t, l.Start(), "second start")
	assert.NotNil(t, l.Addr())

	assert.NoError(t, l.Stop())
	assert.NoError(t, l.Stop())
}

func TestClassifyWriteError(t *testing.T) {
	wrap := func(errno syscall.Errno) error { return fmt.Errorf("write: %w", errno) }

	// a full send queue is retried, never fatal
	for _, errno := range []syscall.Errno{syscall.ENOBUFS, syscall.ENOMEM} {
		err := classifyWriteError(wrap(errno))
		assert.ErrorIs(t, err, core.ErrWouldBlock, errno.Error())
		assert.NotErrorIs(t, err, core.ErrNoBuffer, errno.Error())
	}
	assert.ErrorIs(t, classifyWriteError(wrap(syscall.EHOSTUNREACH)), core.ErrUnreachable)
	assert.ErrorIs(t, classifyWriteError(wrap(syscall.EAGAIN)), core.ErrWouldBlock)
}

func TestPooledFrameSizeClass(t *testing.T) {
	scratch := make([]byte, bufMax)
	for i := range scratch[:1476] {
		scratch[i] = byte(i)
	}

	p := pooledFrame(scratch[:1476])
	assert.Equal(t, 1476, p.Length())
	assert.Equal(t, scratch[:1476], p.Data())
	assert.Equal(t, bufSmall, cap(p.Data()))

	// the frame does not alias the read buffer
	scratch[0] = 0xFF
	assert.Equal(t, byte(0), p.Data()[0])
	core.ReleasePacket(p)

	big := pooledFrame(scratch[:bufLarge])
	assert.Equal(t, bufLarge, cap(big.Data()))
	core.ReleasePacket(big)
}

func TestMeterOverUDP(t *testing.T) {
	sent := make(resultChan, 4)
	received := make(resultChan, 4)

	cfg := tp.DefaultConfig()
	cfg.SegmentSize = 1200
	cfg.RecvTimeout = 200 * time.Millisecond

	la, err := NewUDPLink(Config{LocalAddr: nodeA.String(), ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	lb, err := NewUDPLink(Config{LocalAddr: nodeB.String(), ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)

	ma, err := tp.New(cfg, la, la, sent)
	require.NoError(t, err)
	mb, err := tp.New(cfg, lb, lb, received)
	require.NoError(t, err)

	la.SetPacketProcessor(ma)
	lb.SetPacketProcessor(mb)
	require.NoError(t, la.Start())
	require.NoError(t, lb.Start())
	t.Cleanup(func() {
		ma.Close()
		mb.Close()
		la.Stop()
		lb.Stop()
	})
	connect(la, lb)

	require.NoError(t, ma.Start(3, nodeB, 200*time.Millisecond))

	s := waitFor(t, sent, 10*time.Second)
	assert.Equal(t, tp.StatusComplete, s.Status)
	assert.Equal(t, uint8(3), s.UID)
	assert.Zero(t, s.TotalBytes%1200)

	r := waitFor(t, received, 10*time.Second)
	assert.Equal(t, tp.RoleReceiver, r.Role)
	assert.GreaterOrEqual(t, r.TotalBytes, s.TotalBytes)
}
