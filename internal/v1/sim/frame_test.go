package sim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_BinaryCodec(t *testing.T) {
	frame := &Frame{
		SessionId:  "s1",
		FrameIndex: 42,
		SimTime:    1.25,
		Image:      []byte{0x89, 0x50, 0x4e, 0x47},
	}

	decoded, err := DecodeBinaryFrame(frame.EncodeBinary())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), decoded.FrameIndex)
	assert.Equal(t, 1.25, decoded.SimTime)
	assert.Equal(t, frame.Image, decoded.Image)
}

func TestDecodeBinaryFrame_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad magic", []byte("XXaaaaaaaaaaaaaaaaaaaa")},
		{"truncated image", append([]byte("F1"), make([]byte, 20)...)},
		{"empty image", (&Frame{FrameIndex: 1}).EncodeBinary()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeBinaryFrame(tt.data)
			assert.Error(t, err)
		})
	}
}

func TestStreamEnvelope_RoundTrip(t *testing.T) {
	frame := &Frame{
		SessionId:  "s1",
		FrameIndex: 7,
		SimTime:    0.5,
		ProducedAt: time.Now().UTC().Truncate(time.Millisecond),
		Image:      []byte("png-bytes"),
	}
	data, err := encodeFrameEnvelope(frame)
	require.NoError(t, err)

	env, err := decodeStreamEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, envelopeKindFrame, env.Kind)
	assert.Equal(t, uint64(7), env.FrameIndex)
	assert.Equal(t, frame.Image, env.Image)
}

func TestDecodeStreamEnvelope_UnknownKind(t *testing.T) {
	_, err := decodeStreamEnvelope([]byte(`{"kind":"mystery"}`))
	assert.Error(t, err)
}
