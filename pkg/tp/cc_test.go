package tp

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCongestionInitialState(t *testing.T) {
	c := newCongestion(1000)
	assert.Equal(t, uint32(3000), c.cwnd)
	assert.Equal(t, AWND, c.ssThresh)
	assert.Equal(t, FirstSeq, c.recover)
	assert.False(t, c.fastRecovery)
}

func TestCongestionSlowStart(t *testing.T) {
	c := newCongestion(1000)
	c.grow()
	c.grow()
	assert.Equal(t, uint32(5000), c.cwnd)
	assert.Zero(t, c.decCwnd)
}

func TestCongestionAvoidance(t *testing.T) {
	c := newCongestion(1000)
	c.ssThresh = 2000

	// (1000*1000<<6)/(3000<<3) = 2666 per ACK, one MSS after 8000
	for i := 0; i < 3; i++ {
		c.grow()
		assert.Equal(t, uint32(3000), c.cwnd, "ack %d", i+1)
	}
	assert.Equal(t, uint32(7998), c.decCwnd)

	c.grow()
	assert.Equal(t, uint32(4000), c.cwnd)
	assert.Zero(t, c.decCwnd)
}

func TestCongestionAvoidanceMinimumIncrement(t *testing.T) {
	c := newCongestion(10)
	c.cwnd = AWND - 10
	c.ssThresh = 10
	c.grow()
	assert.Equal(t, uint32(8), c.decCwnd)
}

func TestCongestionSaturates(t *testing.T) {
	c := newCongestion(1000)
	c.cwnd = AWND
	c.grow()
	assert.Equal(t, AWND, c.cwnd)

	assert.Equal(t, AWND, c.clamp(math.MaxUint32-5, 10, 1000))
	assert.Equal(t, uint32(1000), c.clamp(0, 10, 1000))
}

func TestCongestionFastRecovery(t *testing.T) {
	c := newCongestion(1000)
	c.cwnd = 10000

	c.enterFastRecovery(seq(12345))
	assert.True(t, c.fastRecovery)
	assert.Equal(t, seq(12345), c.recover)
	assert.Equal(t, uint32(5000), c.ssThresh)
	assert.Equal(t, uint32(8000), c.cwnd)

	c.partialAck()
	assert.Equal(t, uint32(9000), c.cwnd)

	c.exitFastRecovery()
	assert.False(t, c.fastRecovery)
	assert.Equal(t, uint32(5000), c.cwnd)
}

func TestCongestionTimeout(t *testing.T) {
	c := newCongestion(1000)
	c.cwnd = 9000
	c.fastRecovery = true
	c.timeout(seq(9000))
	assert.Equal(t, uint32(4500), c.ssThresh)
	assert.Equal(t, uint32(3000), c.cwnd)
	assert.False(t, c.fastRecovery)
	assert.Equal(t, seq(9000), c.recover)

	c.cwnd = 1000
	c.timeout(FirstSeq)
	assert.Equal(t, uint32(2000), c.ssThresh)
}

func TestCwndStaysWithinBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, mss := range []uint32{1, 200, 1450, 65000} {
		c := newCongestion(mss)
		for i := 0; i < 20000; i++ {
			switch rng.Intn(6) {
			case 0, 1:
				c.grow()
			case 2:
				c.enterFastRecovery(rng.Uint32())
			case 3:
				c.partialAck()
			case 4:
				c.exitFastRecovery()
			case 5:
				c.timeout(rng.Uint32())
			}
			if c.cwnd < mss || c.cwnd > AWND {
				t.Fatalf("mss=%d step=%d: cwnd %d out of [%d, %d]", mss, i, c.cwnd, mss, AWND)
			}
		}
	}
}

func TestRTTEstimator(t *testing.T) {
	e := newRTTEstimator(time.Second, 0)
	assert.Equal(t, time.Second, e.RTO())

	e.sample(100)
	assert.Equal(t, int64(800), e.srtt)
	assert.Equal(t, int64(200), e.rttvar)
	assert.Equal(t, 300*time.Millisecond, e.RTO())

	e.sample(100)
	assert.Equal(t, int64(800), e.srtt)
	assert.Equal(t, int64(150), e.rttvar)
	assert.Equal(t, 250*time.Millisecond, e.RTO())

	e.sample(20)
	// err = 20-100 = -80
	assert.Equal(t, int64(720), e.srtt)
	assert.Equal(t, int64(150+80-37), e.rttvar)
	assert.Equal(t, 90*time.Millisecond, e.SRTT())

	e.backoff()
	assert.Equal(t, time.Duration(2*(90+193))*time.Millisecond, e.RTO())
}

func TestRTTEstimatorFloor(t *testing.T) {
	e := newRTTEstimator(time.Second, 200*time.Millisecond)
	e.sample(10)
	assert.Equal(t, 200*time.Millisecond, e.RTO())
	e.backoff()
	assert.Equal(t, 400*time.Millisecond, e.RTO())
}
