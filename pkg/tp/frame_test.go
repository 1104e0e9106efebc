package tp

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeqCompare(t *testing.T) {
	assert.True(t, seqBefore(FirstSeq, seq(1)))
	assert.True(t, seqBefore(0xFFFFFFFF, 0))
	assert.True(t, seqAfter(5, 0xFFFFFFF0))
	assert.False(t, seqBefore(7, 7))
	assert.True(t, seqBeforeEq(7, 7))
	assert.False(t, seqAfter(FirstSeq, seq(2001)))
}

func TestFrameLayout(t *testing.T) {
	h := Header{
		Dst:       peerAddr,
		Orig:      localAddr,
		UID:       9,
		Subtype:   SubtypeAck,
		Timestamp: 0x01020304,
		Seqno:     FirstSeq,
	}
	frame := AppendFrame(nil, h, 10)
	require.Len(t, frame, HeaderLen+10)

	assert.Equal(t, byte(PacketTypeICMP), frame[0])
	assert.Equal(t, byte(CompatVersion), frame[1])
	assert.Equal(t, byte(DefaultTTL), frame[2])
	assert.Equal(t, byte(MsgTypeTP), frame[3])
	assert.Equal(t, peerAddr[:], frame[4:10])
	assert.Equal(t, localAddr[:], frame[10:16])
	assert.Equal(t, byte(9), frame[16])
	assert.Equal(t, byte(SubtypeAck), frame[17])
	assert.Equal(t, uint32(0x01020304), binary.BigEndian.Uint32(frame[18:22]))
	assert.Equal(t, FirstSeq, binary.BigEndian.Uint32(frame[22:26]))

	got, err := ParseHeader(frame)
	require.NoError(t, err)
	h.TTL = DefaultTTL
	assert.Equal(t, h, got)
}

func TestAppendFrameReusesBuffer(t *testing.T) {
	buf := make([]byte, 0, HeaderLen+100)
	for i := range buf[:cap(buf)] {
		buf[:cap(buf)][i] = 0xAA
	}
	frame := AppendFrame(buf, Header{Subtype: SubtypeMsg}, 100)
	assert.True(t, &buf[:1][0] == &frame[0], "buffer was reallocated")
	for _, b := range frame[HeaderLen:] {
		if b != 0 {
			t.Fatalf("payload not zeroed")
		}
	}
}

func TestParseHeaderErrors(t *testing.T) {
	valid := func() []byte { return AppendFrame(nil, Header{Subtype: SubtypeMsg}, 0) }

	tests := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{"short", func(b []byte) []byte { return b[:HeaderLen-1] }, ErrShortFrame},
		{"packet type", func(b []byte) []byte { b[0] = 0x01; return b }, ErrBadPacketType},
		{"version", func(b []byte) []byte { b[1] = 14; return b }, ErrBadVersion},
		{"msg type", func(b []byte) []byte { b[3] = 8; return b }, ErrBadMsgType},
		{"subtype", func(b []byte) []byte { b[17] = 2; return b }, ErrBadSubtype},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseHeader(tt.mutate(valid()))
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
