package tp

import "time"

// rttEstimator keeps the RFC 6298 smoothed round-trip state in integer
// milliseconds. srtt is scaled by 8 and rttvar by 4.
type rttEstimator struct {
	srtt    int64
	rttvar  int64
	rto     int64
	minRTO  int64
	sampled bool
}

func newRTTEstimator(initial, floor time.Duration) rttEstimator {
	return rttEstimator{
		rto:    initial.Milliseconds(),
		minRTO: floor.Milliseconds(),
	}
}

// sample folds a round-trip measurement (ms) into the estimate.
func (e *rttEstimator) sample(rtt uint32) {
	m := int64(rtt)
	if !e.sampled {
		e.srtt = m << 3
		e.rttvar = m << 1
		e.sampled = true
	} else {
		err := m - e.srtt>>3
		e.srtt += err
		if err < 0 {
			err = -err
		}
		e.rttvar += err - e.rttvar>>2
	}

	e.rto = e.srtt>>3 + e.rttvar
	if e.rto < e.minRTO {
		e.rto = e.minRTO
	}
}

// backoff doubles the timeout after a retransmission timer expiry.
func (e *rttEstimator) backoff() {
	e.rto <<= 1
}

func (e *rttEstimator) RTO() time.Duration {
	return time.Duration(e.rto) * time.Millisecond
}

// SRTT returns the unscaled smoothed round-trip time.
func (e *rttEstimator) SRTT() time.Duration {
	return time.Duration(e.srtt>>3) * time.Millisecond
}

// RTTVar returns the unscaled round-trip variance.
func (e *rttEstimator) RTTVar() time.Duration {
	return time.Duration(e.rttvar>>2) * time.Millisecond
}
