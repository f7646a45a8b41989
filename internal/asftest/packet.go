package asftest

import (
	"encoding/binary"
	"time"
)

// Payload describes one payload entry of a synthesized packet. The media
// object number is written as one byte and the offset as four.
type Payload struct {
	Stream     uint8
	Key        bool
	Object     uint8
	Offset     uint32
	ObjectSize uint32
	PTS        time.Duration

	// Extensions is appended after the object size and presentation time.
	Extensions []byte

	// Replicated, when non-nil, replaces the whole replicated data block
	// and its length.
	Replicated []byte

	// Compressed switches the payload to compressed mode: Offset is
	// ignored, PTS travels in the offset field and each element becomes
	// one length-prefixed sub-payload.
	Compressed [][]byte
	Delta      uint8

	Data []byte
}

// Packet describes one synthesized data packet.
type Packet struct {
	// Size is the fixed packet size; unused bytes become padding. Zero
	// produces a packet with no padding.
	Size uint32

	SendTime time.Duration
	Duration time.Duration

	// Multiple forces multi-payload layout even for one payload.
	Multiple bool

	// DeclaredLength, when non-zero, is written as a word packet length
	// field instead of leaving the length implied.
	DeclaredLength uint32

	// ErrorCorrection replaces the default error correction flags byte
	// (0x82, two data bytes). NoErrorCorrection omits the segment.
	ErrorCorrection   byte
	NoErrorCorrection bool

	Payloads []Payload
}

// Bytes encodes the packet.
func (p Packet) Bytes() []byte {
	multiple := p.Multiple || len(p.Payloads) != 1

	var body []byte
	for _, pl := range p.Payloads {
		body = pl.append(body, multiple)
	}

	flags := byte(0x10) // padding length is a word
	if multiple {
		flags |= 0x01
	}
	if p.DeclaredLength != 0 {
		flags |= 0x40
	}

	var hdr []byte
	if !p.NoErrorCorrection {
		ec := p.ErrorCorrection
		if ec == 0 {
			ec = 0x82
		}
		hdr = append(hdr, ec)
		hdr = append(hdr, make([]byte, int(ec&0x0F))...)
	}
	// Property flags: replicated length byte, offset dword, object number
	// byte, stream number byte.
	hdr = append(hdr, flags, 0x5D)

	if p.DeclaredLength != 0 {
		hdr = binary.LittleEndian.AppendUint16(hdr, uint16(p.DeclaredLength))
	}
	paddingAt := len(hdr)
	hdr = binary.LittleEndian.AppendUint16(hdr, 0)
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(p.SendTime/time.Millisecond))
	hdr = binary.LittleEndian.AppendUint16(hdr, uint16(p.Duration/time.Millisecond))
	if multiple {
		hdr = append(hdr, 0x80|byte(len(p.Payloads)&0x3F)) // word payload lengths
	}

	out := append(hdr, body...)
	used := uint32(len(out))
	// A declared length below the fixed size makes the reader treat the
	// difference as padding, so the padding field only covers the rest.
	end := p.Size
	if p.DeclaredLength != 0 && p.DeclaredLength < end {
		end = p.DeclaredLength
	}
	if end > used {
		binary.LittleEndian.PutUint16(out[paddingAt:], uint16(end-used))
	}
	if p.Size > used {
		out = append(out, make([]byte, p.Size-used)...)
	}
	return out
}

func (pl Payload) append(b []byte, multiple bool) []byte {
	stream := pl.Stream & 0x7F
	if pl.Key {
		stream |= 0x80
	}
	b = append(b, stream, pl.Object)

	data := pl.Data
	switch {
	case pl.Compressed != nil:
		b = binary.LittleEndian.AppendUint32(b, uint32(pl.PTS/time.Millisecond))
		b = append(b, 1, pl.Delta)
		data = nil
		for _, sub := range pl.Compressed {
			data = append(data, byte(len(sub)))
			data = append(data, sub...)
		}
	case pl.Replicated != nil:
		b = binary.LittleEndian.AppendUint32(b, pl.Offset)
		b = append(b, byte(len(pl.Replicated)))
		b = append(b, pl.Replicated...)
	default:
		b = binary.LittleEndian.AppendUint32(b, pl.Offset)
		b = append(b, byte(8+len(pl.Extensions)))
		b = binary.LittleEndian.AppendUint32(b, pl.ObjectSize)
		b = binary.LittleEndian.AppendUint32(b, uint32(pl.PTS/time.Millisecond))
		b = append(b, pl.Extensions...)
	}

	if multiple {
		b = binary.LittleEndian.AppendUint16(b, uint16(len(data)))
	}
	return append(b, data...)
}

// Fill returns n bytes of a repeating pattern starting at seed.
func Fill(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}
