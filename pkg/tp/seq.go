package tp

// Sequence numbers are byte offsets modulo 2^32. Comparisons use serial
// number arithmetic so that a session starting at FirstSeq wraps cleanly.

func seqBefore(a, b uint32) bool {
	return int32(a-b) < 0
}

func seqAfter(a, b uint32) bool {
	return int32(b-a) < 0
}

func seqBeforeEq(a, b uint32) bool {
	return !seqAfter(a, b)
}
