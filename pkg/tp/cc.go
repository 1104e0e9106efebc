package tp

import "math"

// AWND is the advertised receive window and the ceiling for cwnd.
const AWND uint32 = 0x20000000

// congestion is the NewReno state of a sender session (RFC 5681, RFC 6582).
// It is guarded by the owning session's mutex.
type congestion struct {
	mss          uint32
	cwnd         uint32
	ssThresh     uint32
	decCwnd      uint32 // congestion avoidance accumulator, scaled by 8
	fastRecovery bool
	recover      uint32
}

func newCongestion(mss uint32) congestion {
	c := congestion{
		mss:      mss,
		ssThresh: AWND,
		recover:  FirstSeq,
	}
	c.cwnd = c.clamp(3*mss, 0, mss)
	return c
}

// clamp adds inc to base, saturating on overflow, and bounds the result to
// [lo, AWND].
func (c *congestion) clamp(base, inc, lo uint32) uint32 {
	n := base + inc
	if n < base {
		n = math.MaxUint32
	}
	if n > AWND {
		n = AWND
	}
	if n < lo {
		n = lo
	}
	return n
}

// grow handles an ACK that acknowledges at least one new segment outside of
// fast recovery.
func (c *congestion) grow() {
	if c.cwnd <= c.ssThresh {
		// slow start
		c.decCwnd = 0
		c.cwnd = c.clamp(c.cwnd, c.mss, c.mss)
		return
	}

	// congestion avoidance: roughly one MSS per RTT
	inc := (uint64(c.mss) * uint64(c.mss) << 6) / (uint64(c.cwnd) << 3)
	if inc < 8 {
		inc = 8
	}
	if inc > math.MaxUint32 {
		inc = math.MaxUint32
	}
	c.decCwnd = c.clamp32(c.decCwnd, uint32(inc))
	if c.decCwnd < c.mss<<3 {
		return
	}
	c.cwnd = c.clamp(c.cwnd, c.mss, c.mss)
	c.decCwnd = 0
}

func (c *congestion) clamp32(a, b uint32) uint32 {
	if a+b < a {
		return math.MaxUint32
	}
	return a + b
}

// enterFastRecovery reacts to the third duplicate ACK. lastSent is the
// highest outstanding sequence number.
func (c *congestion) enterFastRecovery(lastSent uint32) {
	c.fastRecovery = true
	c.recover = lastSent
	c.ssThresh = c.cwnd >> 1
	c.cwnd = c.clamp(c.ssThresh, 3*c.mss, c.mss)
	c.decCwnd = 0
}

// partialAck inflates the window for a NewReno partial acknowledgement.
func (c *congestion) partialAck() {
	c.cwnd = c.clamp(c.cwnd, c.mss, c.mss)
}

// exitFastRecovery deflates the window once recover is acknowledged.
func (c *congestion) exitFastRecovery() {
	c.fastRecovery = false
	c.cwnd = c.clamp(c.ssThresh, 0, c.mss)
}

// timeout is the loss response to a retransmission timer expiry. lastSent is
// the highest sequence number transmitted before the rewind.
func (c *congestion) timeout(lastSent uint32) {
	c.ssThresh = c.cwnd >> 1
	if c.ssThresh < 2*c.mss {
		c.ssThresh = 2 * c.mss
	}
	c.cwnd = c.clamp(3*c.mss, 0, c.mss)
	c.decCwnd = 0
	c.fastRecovery = false
	c.recover = lastSent
}
