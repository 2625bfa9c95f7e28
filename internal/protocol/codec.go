package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// maxFieldLen bounds a single header string so a corrupt length prefix
// cannot force a huge allocation.
const maxFieldLen = 1 << 20

var (
	ErrBadMagic     = errors.New("not a v3 session log")
	ErrTruncated    = errors.New("session log truncated")
	ErrUnknownFlags = errors.New("frame has unknown content flags")
)

// Header is a decoded session header.
type Header struct {
	Magic  uint32
	Fields []string
}

// Field returns the value of the named schema field.
func (h *Header) Field(name string) (string, bool) {
	for i, n := range FieldNames {
		if n == name {
			if i < len(h.Fields) {
				return h.Fields[i], true
			}
			return "", false
		}
	}
	return "", false
}

// Decoder reads a session log from a byte slice. The header must be read
// before the first frame.
type Decoder struct {
	data []byte
	off  int
}

// NewDecoder returns a decoder positioned at the start of data.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

// Offset returns the number of bytes consumed so far. After a successful
// Next it is the end of the last complete frame.
func (d *Decoder) Offset() int {
	return d.off
}

// ReadHeader decodes the header.
func (d *Decoder) ReadHeader() (*Header, error) {
	magic, err := d.uint32()
	if err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, fmt.Errorf("%w: magic 0x%08x", ErrBadMagic, magic)
	}

	raw, err := d.uint32()
	if err != nil {
		return nil, err
	}
	count := int32(raw)
	if count < 0 {
		return nil, fmt.Errorf("negative field count %d", count)
	}

	h := &Header{Magic: magic, Fields: make([]string, 0, min(int(count), len(FieldNames)))}
	for i := int32(0); i < count; i++ {
		n, w := binary.Uvarint(d.data[d.off:])
		if w == 0 {
			return nil, ErrTruncated
		}
		if w < 0 || n > maxFieldLen {
			return nil, fmt.Errorf("header field %d: bad length prefix", i)
		}
		d.off += w
		b, err := d.take(int(n))
		if err != nil {
			return nil, err
		}
		h.Fields = append(h.Fields, string(b))
	}
	return h, nil
}

// Next decodes the next frame. It returns io.EOF at a clean end of data
// and ErrTruncated if the data ends inside a frame; in that case the
// offset is left at the start of the partial frame.
func (d *Decoder) Next() (*Frame, error) {
	if d.off == len(d.data) {
		return nil, io.EOF
	}

	start := d.off
	f, err := d.frame()
	if err != nil {
		d.off = start
		return nil, err
	}
	return f, nil
}

func (d *Decoder) frame() (*Frame, error) {
	elapsed, err := d.uint64()
	if err != nil {
		return nil, err
	}
	fb, err := d.take(1)
	if err != nil {
		return nil, err
	}
	fl := Flags(fb[0])
	if fl&^knownFlags != 0 {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownFlags, uint8(fl))
	}

	f := &Frame{Elapsed: int64(elapsed)}

	if fl&FlagMovement != 0 {
		b, err := d.take(movementSize)
		if err != nil {
			return nil, err
		}
		f.Pose = &Pose{
			Head:     vec3At(b[0:]),
			Left:     vec3At(b[12:]),
			Right:    vec3At(b[24:]),
			HeadRot:  quatAt(b[36:]),
			LeftRot:  quatAt(b[52:]),
			RightRot: quatAt(b[68:]),
		}
	}
	if fl&FlagScore != 0 {
		b, err := d.take(scoreSize)
		if err != nil {
			return nil, err
		}
		f.Score = &Score{
			Raw:      int32(binary.LittleEndian.Uint32(b[0:])),
			Modified: int32(binary.LittleEndian.Uint32(b[4:])),
		}
	}

	counters := []struct {
		bit Flags
		dst *uint8
	}{
		{FlagLeftHit, &f.Hits.Left},
		{FlagRightHit, &f.Hits.Right},
		{FlagLeftMiss, &f.Misses.Left},
		{FlagRightMiss, &f.Misses.Right},
	}
	for _, c := range counters {
		if fl&c.bit == 0 {
			continue
		}
		b, err := d.take(1)
		if err != nil {
			return nil, err
		}
		*c.dst = b[0]
	}
	return f, nil
}

func (d *Decoder) take(n int) ([]byte, error) {
	if len(d.data)-d.off < n {
		return nil, ErrTruncated
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *Decoder) uint32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *Decoder) uint64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func floatAt(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

func vec3At(b []byte) Vec3 {
	return Vec3{X: floatAt(b[0:]), Y: floatAt(b[4:]), Z: floatAt(b[8:])}
}

func quatAt(b []byte) Quat {
	return Quat{W: floatAt(b[0:]), X: floatAt(b[4:]), Y: floatAt(b[8:]), Z: floatAt(b[12:])}
}

// Log is a fully decoded session.
type Log struct {
	Header *Header
	Frames []*Frame
}

// Decode parses a complete session log. A trailing partial frame is
// reported as ErrTruncated together with everything decoded before it.
func Decode(data []byte) (*Log, error) {
	d := NewDecoder(data)
	h, err := d.ReadHeader()
	if err != nil {
		return nil, err
	}

	log := &Log{Header: h}
	for {
		f, err := d.Next()
		if errors.Is(err, io.EOF) {
			return log, nil
		}
		if err != nil {
			return log, err
		}
		log.Frames = append(log.Frames, f)
	}
}
