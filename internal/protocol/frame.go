package protocol

import (
	"encoding/binary"
	"math"
)

// Flags is the content bitmask that follows each frame's timestamp.
type Flags uint8

const (
	FlagMovement  Flags = 1 << 0 // absolute pose of head and both hands
	FlagScore     Flags = 1 << 1 // absolute (raw, modified) score
	FlagLeftHit   Flags = 1 << 2
	FlagRightHit  Flags = 1 << 3
	FlagLeftMiss  Flags = 1 << 4
	FlagRightMiss Flags = 1 << 5

	knownFlags = FlagMovement | FlagScore | FlagLeftHit | FlagRightHit | FlagLeftMiss | FlagRightMiss
)

// Section sizes in bytes.
const (
	frameHeaderSize = 8 + 1
	movementSize    = 3*3*4 + 3*4*4
	scoreSize       = 4 + 4
)

// Vec3 is a world-space position, serialized as (x, y, z).
type Vec3 struct {
	X, Y, Z float32
}

// Quat is a rotation, serialized as (w, x, y, z).
type Quat struct {
	W, X, Y, Z float32
}

// Pose is the tracked state of the head and both hands.
type Pose struct {
	Head, Left, Right Vec3
	HeadRot           Quat
	LeftRot           Quat
	RightRot          Quat
}

// Score is the absolute score pair reported by the host.
type Score struct {
	Raw      int32
	Modified int32
}

// Hands is a per-hand counter.
type Hands struct {
	Left, Right uint8
}

// Frame is one tick of telemetry. Nil or zero sections are omitted from
// the wire and their flag bits are left clear.
type Frame struct {
	Elapsed int64 // ticks since Open, see TicksPerSecond
	Pose    *Pose
	Score   *Score
	Hits    Hands
	Misses  Hands
}

// Flags derives the content bitmask from which sections are present.
func (f *Frame) Flags() Flags {
	var fl Flags
	if f.Pose != nil {
		fl |= FlagMovement
	}
	if f.Score != nil {
		fl |= FlagScore
	}
	if f.Hits.Left > 0 {
		fl |= FlagLeftHit
	}
	if f.Hits.Right > 0 {
		fl |= FlagRightHit
	}
	if f.Misses.Left > 0 {
		fl |= FlagLeftMiss
	}
	if f.Misses.Right > 0 {
		fl |= FlagRightMiss
	}
	return fl
}

// EncodedSize returns the number of bytes AppendFrame will write for f.
func (f *Frame) EncodedSize() int {
	fl := f.Flags()
	n := frameHeaderSize
	if fl&FlagMovement != 0 {
		n += movementSize
	}
	if fl&FlagScore != 0 {
		n += scoreSize
	}
	for _, bit := range []Flags{FlagLeftHit, FlagRightHit, FlagLeftMiss, FlagRightMiss} {
		if fl&bit != 0 {
			n++
		}
	}
	return n
}

// AppendFrame appends the encoding of f to dst.
func AppendFrame(dst []byte, f *Frame) []byte {
	fl := f.Flags()

	dst = binary.LittleEndian.AppendUint64(dst, uint64(f.Elapsed))
	dst = append(dst, byte(fl))

	if fl&FlagMovement != 0 {
		p := f.Pose
		dst = appendVec3(dst, p.Head)
		dst = appendVec3(dst, p.Left)
		dst = appendVec3(dst, p.Right)
		dst = appendQuat(dst, p.HeadRot)
		dst = appendQuat(dst, p.LeftRot)
		dst = appendQuat(dst, p.RightRot)
	}
	if fl&FlagScore != 0 {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(f.Score.Raw))
		dst = binary.LittleEndian.AppendUint32(dst, uint32(f.Score.Modified))
	}
	if fl&FlagLeftHit != 0 {
		dst = append(dst, f.Hits.Left)
	}
	if fl&FlagRightHit != 0 {
		dst = append(dst, f.Hits.Right)
	}
	if fl&FlagLeftMiss != 0 {
		dst = append(dst, f.Misses.Left)
	}
	if fl&FlagRightMiss != 0 {
		dst = append(dst, f.Misses.Right)
	}
	return dst
}

func appendFloat(dst []byte, v float32) []byte {
	return binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
}

func appendVec3(dst []byte, v Vec3) []byte {
	dst = appendFloat(dst, v.X)
	dst = appendFloat(dst, v.Y)
	return appendFloat(dst, v.Z)
}

func appendQuat(dst []byte, q Quat) []byte {
	dst = appendFloat(dst, q.W)
	dst = appendFloat(dst, q.X)
	dst = appendFloat(dst, q.Y)
	return appendFloat(dst, q.Z)
}
