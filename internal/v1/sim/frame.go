package sim

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/cosimlabs/cosim/backend/go/internal/v1/types"
)

// Frame is one rendered simulation image plus its ordering metadata.
// Frames are ephemeral: published to subscribers, never archived.
type Frame struct {
	SessionId  types.SessionIdType `json:"session_id"`
	FrameIndex uint64              `json:"frame_index"`
	SimTime    float64             `json:"sim_time"`
	ProducedAt time.Time           `json:"produced_at"`
	Image      []byte              `json:"image"`
}

// frameMagic prefixes every binary frame on the stream WebSocket.
const frameMagic = "F1"

const frameHeaderLen = len(frameMagic) + 8 + 8 + 4

// EncodeBinary packs the frame for the stream WebSocket:
// "F1" | frame_index u64 | sim_time f64 | image_len u32 | image bytes,
// all integers big-endian.
func (f *Frame) EncodeBinary() []byte {
	buf := make([]byte, frameHeaderLen+len(f.Image))
	copy(buf, frameMagic)
	binary.BigEndian.PutUint64(buf[2:], f.FrameIndex)
	binary.BigEndian.PutUint64(buf[10:], math.Float64bits(f.SimTime))
	binary.BigEndian.PutUint32(buf[18:], uint32(len(f.Image)))
	copy(buf[frameHeaderLen:], f.Image)
	return buf
}

// DecodeBinaryFrame parses a binary stream frame.
func DecodeBinaryFrame(data []byte) (*Frame, error) {
	if len(data) < frameHeaderLen || string(data[:2]) != frameMagic {
		return nil, errors.New("malformed binary frame")
	}
	imageLen := binary.BigEndian.Uint32(data[18:])
	// Zero-size frames are never emitted; a zero image_len means a
	// truncated or hand-rolled header.
	if imageLen == 0 {
		return nil, errors.New("binary frame has empty image")
	}
	if len(data) != frameHeaderLen+int(imageLen) {
		return nil, errors.New("binary frame length mismatch")
	}
	return &Frame{
		FrameIndex: binary.BigEndian.Uint64(data[2:]),
		SimTime:    math.Float64frombits(binary.BigEndian.Uint64(data[10:])),
		Image:      data[frameHeaderLen:],
	}, nil
}

// Envelope kinds carried on the frames:{session_id} channel. Frames and
// status transitions share the channel so subscribers observe them in
// publish order.
const (
	envelopeKindFrame  = "frame"
	envelopeKindStatus = "status"
)

// streamEnvelope is the JSON shape published on frames:{session_id}.
// Image travels base64-encoded (encoding/json []byte convention).
type streamEnvelope struct {
	Kind       string              `json:"kind"`
	SessionId  types.SessionIdType `json:"session_id"`
	FrameIndex uint64              `json:"frame_index"`
	SimTime    float64             `json:"sim_time"`
	ProducedAt time.Time           `json:"produced_at,omitempty"`
	Image      []byte              `json:"image,omitempty"`
	Status     types.SessionStatus `json:"status,omitempty"`
	Degraded   bool                `json:"degraded,omitempty"`
}

func encodeFrameEnvelope(f *Frame) ([]byte, error) {
	return json.Marshal(streamEnvelope{
		Kind:       envelopeKindFrame,
		SessionId:  f.SessionId,
		FrameIndex: f.FrameIndex,
		SimTime:    f.SimTime,
		ProducedAt: f.ProducedAt,
		Image:      f.Image,
	})
}

func encodeStatusEnvelope(id types.SessionIdType, snap Snapshot) ([]byte, error) {
	return json.Marshal(streamEnvelope{
		Kind:       envelopeKindStatus,
		SessionId:  id,
		FrameIndex: snap.FrameIndex,
		SimTime:    snap.SimTime,
		Status:     snap.Status,
		Degraded:   snap.Degraded,
	})
}

func decodeStreamEnvelope(data []byte) (*streamEnvelope, error) {
	var env streamEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Kind != envelopeKindFrame && env.Kind != envelopeKindStatus {
		return nil, errors.New("unknown stream envelope kind: " + env.Kind)
	}
	return &env, nil
}
