// Package wire implements the fixed 16-byte frame codec shared by every
// node on the broadcast segment: CoordinatorBeacon and GateBeacon.
package wire

import (
	"errors"
	"fmt"

	"github.com/alepez/racegate/clock"
)

// FrameSize is the fixed length of every wire frame, chosen so embedded
// targets can allocate buffers statically and validate frame boundaries
// cheaply.
const FrameSize = 16

const (
	msgIDGateBeacon        byte = 1
	msgIDCoordinatorBeacon byte = 2
)

// noActivationSentinel marks "no activation recorded" on the wire.
const noActivationSentinel uint32 = 0xFFFFFFFF

// GateState mirrors the physical gate sensor's reading at beacon time.
type GateState int

const (
	GateInactive GateState = iota
	GateActive
)

// GateBeacon is broadcast periodically by a start or finish gate.
type GateBeacon struct {
	Addr                NodeAddress
	State               GateState
	LastActivationTime  *clock.CoordinatedInstant // nil means "no activation recorded"
}

// CoordinatorBeacon is broadcast periodically by the coordinator and carries
// the authoritative coordinated time.
type CoordinatorBeacon struct {
	Time clock.CoordinatedInstant
}

// Message is the sum type decoded off the wire: exactly one of GateBeacon or
// CoordinatorBeacon is non-nil.
type Message struct {
	Gate        *GateBeacon
	Coordinator *CoordinatorBeacon
}

// ErrDecode is returned for any malformed, truncated, or unrecognized frame.
var ErrDecode = errors.New("wire: decode failure")

// Encode serializes m into a fresh FrameSize-byte frame.
func Encode(m Message) ([]byte, error) {
	buf := make([]byte, FrameSize)
	switch {
	case m.Gate != nil:
		encodeGateBeacon(buf, m.Gate)
	case m.Coordinator != nil:
		encodeCoordinatorBeacon(buf, m.Coordinator)
	default:
		return nil, fmt.Errorf("wire: empty message")
	}
	return buf, nil
}

// Decode parses a FrameSize-byte frame into a Message. Any buffer whose
// length is not exactly FrameSize, or whose message id is unrecognized, is a
// decode failure.
func Decode(buf []byte) (Message, error) {
	if len(buf) != FrameSize {
		return Message{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrDecode, FrameSize, len(buf))
	}

	switch buf[0] {
	case msgIDGateBeacon:
		return Message{Gate: decodeGateBeacon(buf)}, nil
	case msgIDCoordinatorBeacon:
		return Message{Coordinator: decodeCoordinatorBeacon(buf)}, nil
	default:
		return Message{}, fmt.Errorf("%w: unknown message id %d", ErrDecode, buf[0])
	}
}

func encodeGateBeacon(buf []byte, g *GateBeacon) {
	buf[0] = msgIDGateBeacon
	buf[1] = byte(g.Addr)
	buf[2] = byte(g.State)
	if g.LastActivationTime != nil {
		putUint32(buf, 3, uint32(int32(*g.LastActivationTime)))
	} else {
		putUint32(buf, 3, noActivationSentinel)
	}
}

func decodeGateBeacon(buf []byte) *GateBeacon {
	addr := NodeAddress(buf[1])

	var state GateState
	switch buf[2] {
	case byte(GateActive):
		state = GateActive
	default:
		state = GateInactive
	}

	raw := getUint32(buf, 3)
	var activation *clock.CoordinatedInstant
	if raw != noActivationSentinel {
		t := clock.CoordinatedInstant(int32(raw))
		activation = &t
	}

	return &GateBeacon{
		Addr:               addr,
		State:              state,
		LastActivationTime: activation,
	}
}

func encodeCoordinatorBeacon(buf []byte, c *CoordinatorBeacon) {
	buf[0] = msgIDCoordinatorBeacon
	putUint32(buf, 1, uint32(int32(c.Time)))
}

func decodeCoordinatorBeacon(buf []byte) *CoordinatorBeacon {
	raw := getUint32(buf, 1)
	return &CoordinatorBeacon{Time: clock.CoordinatedInstant(int32(raw))}
}

func putUint32(buf []byte, offset int, v uint32) {
	buf[offset] = byte(v >> 24)
	buf[offset+1] = byte(v >> 16)
	buf[offset+2] = byte(v >> 8)
	buf[offset+3] = byte(v)
}

func getUint32(buf []byte, offset int) uint32 {
	return uint32(buf[offset])<<24 | uint32(buf[offset+1])<<16 | uint32(buf[offset+2])<<8 | uint32(buf[offset+3])
}
