// Package protocol defines the two wire formats of the mod: the binary
// session log (header + frames) streamed to the collector, and the
// single-byte packets exchanged with LAN cast devices.
package protocol

import (
	"errors"
	"fmt"
)

// CastType is the one-byte type tag of a cast packet.
type CastType uint8

// Cast packet type constants.
const (
	CastPing     CastType = 0x01 // heartbeat, multicast to the group
	CastPong     CastType = 0x02 // device reply, unicast to the pinger
	CastHitLeft  CastType = 0x03 // left-hand note cut
	CastHitRight CastType = 0x04 // right-hand note cut
)

var (
	ErrEmptyPacket     = errors.New("empty cast packet")
	ErrUnknownCastType = errors.New("unknown cast packet type")
)

func (t CastType) String() string {
	switch t {
	case CastPing:
		return "ping"
	case CastPong:
		return "pong"
	case CastHitLeft:
		return "hit-left"
	case CastHitRight:
		return "hit-right"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

// EncodeCast serializes a cast packet. Packets carry no payload.
func EncodeCast(t CastType) []byte {
	return []byte{byte(t)}
}

// DecodeCast parses a received datagram. Bytes past the type tag are
// ignored. An unrecognized tag is returned together with
// ErrUnknownCastType so the caller can log it.
func DecodeCast(data []byte) (CastType, error) {
	if len(data) == 0 {
		return 0, ErrEmptyPacket
	}
	t := CastType(data[0])
	switch t {
	case CastPing, CastPong, CastHitLeft, CastHitRight:
		return t, nil
	default:
		return t, fmt.Errorf("%w: 0x%02x", ErrUnknownCastType, data[0])
	}
}
