package tp

import "sort"

// unackedSegment is a segment received ahead of the cumulative offset.
type unackedSegment struct {
	seqno  uint32
	length uint32
}

// oooBuffer holds out-of-order segments sorted by seqno in wraparound order,
// at most one entry per seqno.
type oooBuffer struct {
	segs []unackedSegment
}

// insert records a segment. A duplicate seqno keeps the larger length.
func (b *oooBuffer) insert(seqno, length uint32) {
	i := sort.Search(len(b.segs), func(i int) bool {
		return seqBeforeEq(seqno, b.segs[i].seqno)
	})
	if i < len(b.segs) && b.segs[i].seqno == seqno {
		if length > b.segs[i].length {
			b.segs[i].length = length
		}
		return
	}
	b.segs = append(b.segs, unackedSegment{})
	copy(b.segs[i+1:], b.segs[i:])
	b.segs[i] = unackedSegment{seqno: seqno, length: length}
}

// drain consumes the entries that are contiguous with lastRecv and returns
// the extended cumulative offset. It stops at the first gap.
func (b *oooBuffer) drain(lastRecv uint32) uint32 {
	n := 0
	for _, seg := range b.segs {
		if seqAfter(seg.seqno, lastRecv) {
			break
		}
		if end := seg.seqno + seg.length; seqAfter(end, lastRecv) {
			lastRecv = end
		}
		n++
	}
	if n > 0 {
		b.segs = append(b.segs[:0], b.segs[n:]...)
	}
	return lastRecv
}

// Len returns the number of buffered segments.
func (b *oooBuffer) Len() int {
	return len(b.segs)
}

func (b *oooBuffer) entries() []unackedSegment {
	out := make([]unackedSegment, len(b.segs))
	copy(out, b.segs)
	return out
}

func (b *oooBuffer) reset() {
	b.segs = nil
}
