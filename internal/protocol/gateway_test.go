package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGatewayFrame(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		in := &GatewayFrame{
			Type:       GatewayFrameAudio,
			PayloadLen: 5,
			Sequence:   42,
			Timestamp:  1200,
			Payload:    []byte{0x01, 0x02, 0x03, 0x04, 0x05},
		}

		out, err := ParseGatewayFrame(EncodeGatewayFrame(in))
		require.NoError(t, err)
		assert.Equal(t, in.Type, out.Type)
		assert.Equal(t, in.Sequence, out.Sequence)
		assert.Equal(t, in.Timestamp, out.Timestamp)
		assert.Equal(t, in.Payload, out.Payload)
	})

	t.Run("rejects short frame", func(t *testing.T) {
		_, err := ParseGatewayFrame(make([]byte, GatewayHeaderSize-1))
		assert.Error(t, err)
	})

	t.Run("rejects opus length beyond payload", func(t *testing.T) {
		data := EncodeGatewayFrame(&GatewayFrame{Type: GatewayFrameAudio, Payload: []byte{1, 2, 3}})
		data[15] = 200 // opus_len now claims more bytes than present
		_, err := ParseGatewayFrame(data)
		assert.Error(t, err)
	})

	t.Run("empty payload is valid", func(t *testing.T) {
		out, err := ParseGatewayFrame(EncodeGatewayFrame(&GatewayFrame{Type: GatewayFrameAudio}))
		require.NoError(t, err)
		assert.Empty(t, out.Payload)
	})
}

func frame(seq, ts uint32) *GatewayFrame {
	return &GatewayFrame{Type: GatewayFrameAudio, Sequence: seq, Timestamp: ts}
}

func timestamps(frames []*GatewayFrame) []uint32 {
	out := make([]uint32, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Timestamp)
	}
	return out
}

func TestReorderBuffer(t *testing.T) {
	t.Run("in-order frames pass through", func(t *testing.T) {
		rb := NewReorderBuffer(20)
		var got []uint32
		for i := uint32(1); i <= 3; i++ {
			got = append(got, timestamps(rb.Push(frame(i, i*100)))...)
		}
		assert.Equal(t, []uint32{100, 200, 300}, got)
		assert.Zero(t, rb.Len())
	})

	t.Run("out-of-order frame held until predecessor arrives", func(t *testing.T) {
		rb := NewReorderBuffer(20)

		var got []uint32
		got = append(got, timestamps(rb.Push(frame(1, 100)))...)
		got = append(got, timestamps(rb.Push(frame(3, 300)))...)
		assert.Equal(t, []uint32{100}, got, "300 must be held while 200 is missing")
		assert.Equal(t, 1, rb.Len())

		got = append(got, timestamps(rb.Push(frame(2, 200)))...)
		assert.Equal(t, []uint32{100, 200, 300}, got)
		assert.Zero(t, rb.Len())
	})

	t.Run("overflow forwards newest frame unordered", func(t *testing.T) {
		rb := NewReorderBuffer(2)
		rb.Push(frame(1, 100))
		assert.Nil(t, rb.Push(frame(3, 300)))
		assert.Nil(t, rb.Push(frame(4, 400)))

		// Buffer is full; the newest out-of-order frame passes straight through.
		out := rb.Push(frame(5, 500))
		require.Len(t, out, 1)
		assert.Equal(t, uint32(500), out[0].Timestamp)
		assert.Equal(t, 2, rb.Len())
	})

	t.Run("late frame passes through without stalling", func(t *testing.T) {
		rb := NewReorderBuffer(20)
		rb.Push(frame(5, 500))
		out := rb.Push(frame(2, 200))
		require.Len(t, out, 1)
		assert.Equal(t, uint32(200), out[0].Timestamp)
	})

	t.Run("flush releases held frames in timestamp order", func(t *testing.T) {
		rb := NewReorderBuffer(20)
		rb.Push(frame(1, 100))
		rb.Push(frame(4, 400))
		rb.Push(frame(3, 300))

		out := rb.Flush()
		assert.Equal(t, []uint32{300, 400}, timestamps(out))
		assert.Zero(t, rb.Len())
	})
}
