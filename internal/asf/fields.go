package asf

import "encoding/binary"

// LengthType is the 2-bit code ASF packet headers use to select the width
// of a variable-size field.
type LengthType uint8

// Length type codes.
const (
	LengthAbsent LengthType = iota
	LengthByte
	LengthWord
	LengthDWord
)

// lengthTypeAt extracts the 2-bit length type stored at shift in flags.
func lengthTypeAt(flags byte, shift uint) LengthType {
	return LengthType(flags>>shift) & 0x03
}

// Width returns the field width in bytes: 0, 1, 2 or 4.
func (lt LengthType) Width() int {
	switch lt & 0x03 {
	case LengthByte:
		return 1
	case LengthWord:
		return 2
	case LengthDWord:
		return 4
	default:
		return 0
	}
}

// cursor reads little-endian fields from one packet. It never advances
// past len(buf); every read that would do so fails with ErrFieldBounds.
type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) remaining() int {
	return len(c.buf) - c.pos
}

func (c *cursor) boundsError(field string) error {
	return &ParseError{Field: field, Offset: c.pos, Err: ErrFieldBounds}
}

// field reads a value of the width selected by lt. An absent field
// decodes as zero and consumes nothing.
func (c *cursor) field(name string, lt LengthType) (uint32, error) {
	w := lt.Width()
	if c.remaining() < w {
		return 0, c.boundsError(name)
	}
	var v uint32
	switch w {
	case 1:
		v = uint32(c.buf[c.pos])
	case 2:
		v = uint32(binary.LittleEndian.Uint16(c.buf[c.pos:]))
	case 4:
		v = binary.LittleEndian.Uint32(c.buf[c.pos:])
	}
	c.pos += w
	return v, nil
}

func (c *cursor) byte(name string) (byte, error) {
	if c.remaining() < 1 {
		return 0, c.boundsError(name)
	}
	b := c.buf[c.pos]
	c.pos++
	return b, nil
}

func (c *cursor) uint16(name string) (uint16, error) {
	v, err := c.field(name, LengthWord)
	return uint16(v), err
}

func (c *cursor) uint32(name string) (uint32, error) {
	return c.field(name, LengthDWord)
}

// bytes returns the next n bytes without copying.
func (c *cursor) bytes(name string, n int) ([]byte, error) {
	if n < 0 || c.remaining() < n {
		return nil, c.boundsError(name)
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

func (c *cursor) skip(name string, n int) error {
	_, err := c.bytes(name, n)
	return err
}
