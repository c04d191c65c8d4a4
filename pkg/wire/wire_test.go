package wire_test

import (
	"testing"

	"github.com/predictable-edge/5G-measurement/pkg/wire"
	"github.com/stretchr/testify/require"
)

func TestWire_Control(t *testing.T) {
	t.Parallel()

	t.Run("round trip", func(t *testing.T) {
		t.Parallel()

		c := wire.Control{RequestSize: 100, ResponseSize: 1300}
		buf, err := c.MarshalBinary()
		require.NoError(t, err)
		require.Len(t, buf, wire.ControlSize)
		require.Equal(t, wire.MsgTypeControl, buf[0])

		got, err := wire.UnmarshalControl(buf)
		require.NoError(t, err)
		require.Equal(t, c, got)
	})

	t.Run("short buffer is malformed", func(t *testing.T) {
		t.Parallel()

		_, err := wire.UnmarshalControl([]byte{1, 0, 0})
		require.ErrorIs(t, err, wire.ErrMalformedMessage)
	})

	t.Run("wrong type is malformed", func(t *testing.T) {
		t.Parallel()

		buf := make([]byte, wire.ControlSize)
		buf[0] = 7
		_, err := wire.UnmarshalControl(buf)
		require.ErrorIs(t, err, wire.ErrMalformedMessage)
	})

	t.Run("ack and err replies", func(t *testing.T) {
		t.Parallel()

		require.True(t, wire.IsControlAck(wire.ControlAck()))
		require.False(t, wire.IsControlAck([]byte("ERR")))
		require.True(t, wire.IsErrReply([]byte("ERR")))
	})
}

func TestWire_Header(t *testing.T) {
	t.Parallel()

	t.Run("round trip", func(t *testing.T) {
		t.Parallel()

		h := wire.Header{RequestID: 42, Timestamp: 1756600000.123456, Size: 4096, TotalSegments: 4}
		buf, err := h.MarshalBinary()
		require.NoError(t, err)
		require.Len(t, buf, wire.HeaderSize)

		got, err := wire.UnmarshalHeader(buf)
		require.NoError(t, err)
		require.Equal(t, h, got)
		require.False(t, got.Skip())
	})

	t.Run("zero timestamp is the skip sentinel", func(t *testing.T) {
		t.Parallel()

		h := wire.Header{RequestID: 1}
		buf, err := h.MarshalBinary()
		require.NoError(t, err)
		got, err := wire.UnmarshalHeader(buf)
		require.NoError(t, err)
		require.True(t, got.Skip())
	})

	t.Run("truncated header is malformed", func(t *testing.T) {
		t.Parallel()

		_, err := wire.UnmarshalHeader(make([]byte, wire.HeaderSize-1))
		require.ErrorIs(t, err, wire.ErrMalformedMessage)
	})
}

func TestWire_Segment(t *testing.T) {
	t.Parallel()

	t.Run("round trip", func(t *testing.T) {
		t.Parallel()

		payload := []byte("segment payload")
		buf := wire.EncodeSegment(7, payload)
		require.Len(t, buf, wire.SegmentPrefixSize+len(payload))

		id, got, err := wire.DecodeSegment(buf)
		require.NoError(t, err)
		require.Equal(t, uint32(7), id)
		require.Equal(t, payload, got)
	})

	t.Run("empty payload", func(t *testing.T) {
		t.Parallel()

		id, payload, err := wire.DecodeSegment(wire.EncodeSegment(9, nil))
		require.NoError(t, err)
		require.Equal(t, uint32(9), id)
		require.Empty(t, payload)
	})

	t.Run("short segment is malformed", func(t *testing.T) {
		t.Parallel()

		_, _, err := wire.DecodeSegment([]byte{0, 1})
		require.ErrorIs(t, err, wire.ErrMalformedMessage)
	})
}

func TestWire_SyncReply(t *testing.T) {
	t.Parallel()

	t.Run("round trip", func(t *testing.T) {
		t.Parallel()

		buf := wire.EncodeSyncReply(1756600000.5)
		require.Len(t, buf, wire.SyncReplySize)
		got, err := wire.DecodeSyncReply(buf)
		require.NoError(t, err)
		require.Equal(t, 1756600000.5, got)
	})

	t.Run("wrong length is malformed", func(t *testing.T) {
		t.Parallel()

		for _, n := range []int{0, 7, 9} {
			_, err := wire.DecodeSyncReply(make([]byte, n))
			require.ErrorIs(t, err, wire.ErrMalformedMessage)
		}
	})
}

func TestWire_SegmentCount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		size       uint32
		maxPayload uint32
		want       uint32
	}{
		{"zero size needs no segments", 0, 1300, 0},
		{"exact fit", 1300, 1300, 1},
		{"one byte over", 1301, 1300, 2},
		{"several segments", 4096, 1300, 4},
		{"single byte", 1, 1300, 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, wire.SegmentCount(tt.size, tt.maxPayload))
		})
	}
}

func TestWire_PingPong(t *testing.T) {
	t.Parallel()

	t.Run("round trip", func(t *testing.T) {
		t.Parallel()

		require.Equal(t, "PING:12345", string(wire.FormatPing(12345)))
		require.Equal(t, "PONG:12345", string(wire.FormatPong(12345)))

		seq, err := wire.ParsePing([]byte("PING:99"))
		require.NoError(t, err)
		require.Equal(t, uint64(99), seq)

		seq, err = wire.ParsePong([]byte("PONG:0"))
		require.NoError(t, err)
		require.Equal(t, uint64(0), seq)
	})

	t.Run("wrong prefix is malformed", func(t *testing.T) {
		t.Parallel()

		_, err := wire.ParsePong([]byte("PING:1"))
		require.ErrorIs(t, err, wire.ErrMalformedMessage)
	})

	t.Run("bad sequence is malformed", func(t *testing.T) {
		t.Parallel()

		_, err := wire.ParsePing([]byte("PING:abc"))
		require.ErrorIs(t, err, wire.ErrMalformedMessage)
	})
}
