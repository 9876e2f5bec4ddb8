package transport

import (
	"errors"
	"fmt"
)

// ErrInvalidFrame indicates an empty frame or an unknown frame type.
var ErrInvalidFrame = errors.New("transport: invalid frame")

// FrameType identifies the payload carried by a frame.
type FrameType byte

const (
	// FrameSyncStep1 carries the sender's encoded state vector.
	FrameSyncStep1 FrameType = 1
	// FrameSyncStep2 carries the operations missing from a received state vector.
	FrameSyncStep2 FrameType = 2
	// FrameUpdate carries an incremental document delta.
	FrameUpdate FrameType = 3
	// FrameAwareness carries an encoded awareness update.
	FrameAwareness FrameType = 4
)

func (t FrameType) String() string {
	switch t {
	case FrameSyncStep1:
		return "sync-step-1"
	case FrameSyncStep2:
		return "sync-step-2"
	case FrameUpdate:
		return "update"
	case FrameAwareness:
		return "awareness"
	default:
		return fmt.Sprintf("frame(%d)", byte(t))
	}
}

// Frame is one message exchanged on a room connection.
type Frame struct {
	Type    FrameType
	Payload []byte
}

// EncodeFrame prefixes the payload with its type byte.
func EncodeFrame(frame Frame) []byte {
	encoded := make([]byte, 0, len(frame.Payload)+1)
	encoded = append(encoded, byte(frame.Type))
	return append(encoded, frame.Payload...)
}

// DecodeFrame splits a message into its type and payload.
func DecodeFrame(message []byte) (Frame, error) {
	if len(message) == 0 {
		return Frame{}, fmt.Errorf("%w: empty message", ErrInvalidFrame)
	}
	frameType := FrameType(message[0])
	switch frameType {
	case FrameSyncStep1, FrameSyncStep2, FrameUpdate, FrameAwareness:
	default:
		return Frame{}, fmt.Errorf("%w: unknown type %d", ErrInvalidFrame, message[0])
	}
	payload := make([]byte, len(message)-1)
	copy(payload, message[1:])
	return Frame{Type: frameType, Payload: payload}, nil
}
