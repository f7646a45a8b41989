package asf

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/zsiec/asfdemux/internal/asfheader"
)

const (
	replicatedCompressed = 1
	replicatedMinimum    = 8 // media object size + presentation time

	videoFrameNewFrame  = 0x08
	videoFrameTypeMask  = 0x07
	videoFrameTypeIntra = 0x01
	timingRepDataSize   = 48
)

// payload describes one payload entry of a packet. It lives for one
// iteration of the payload loop.
type payload struct {
	streamNumber     uint8
	keyFrame         bool
	objectNumber     uint32
	offset           uint32
	replicatedLength uint32

	// Normal mode.
	objectSize      uint32
	presentation    time.Duration
	hasPresentation bool
	extensions      []byte

	// Compressed mode: offset carried the presentation time and the body
	// is a run of length-prefixed sub-payloads.
	compressed bool
	ptsDelta   uint8

	body []byte

	// Values recovered from payload extension systems.
	extensionPTS    time.Duration
	hasExtensionPTS bool
	duration        time.Duration
	aspectX         uint8
	aspectY         uint8
	hasAspect       bool
}

// parsePayload decodes one payload header and slices its body from c. A
// non-nil warning with a nil error means the payload was consumed but
// cannot be used.
func parsePayload(c *cursor, h *packetHeader) (p payload, warning, err error) {
	bodyEnd := int(h.length - h.padding)
	if c.pos >= bodyEnd {
		return p, nil, &ParseError{Field: "stream number", Offset: c.pos, Err: ErrPayloadBounds}
	}
	b, _ := c.byte("stream number")
	p.keyFrame = b&0x80 != 0
	p.streamNumber = b & 0x7F

	if p.objectNumber, err = c.field("media object number", h.objectNumberLengthType()); err != nil {
		return p, nil, err
	}
	if p.offset, err = c.field("offset into media object", h.offsetLengthType()); err != nil {
		return p, nil, err
	}
	if p.replicatedLength, err = c.field("replicated data length", h.replicatedLengthType()); err != nil {
		return p, nil, err
	}

	switch {
	case p.replicatedLength >= replicatedMinimum:
		rep, err := c.bytes("replicated data", int(p.replicatedLength))
		if err != nil {
			return p, nil, err
		}
		p.objectSize = binary.LittleEndian.Uint32(rep[0:])
		p.presentation = time.Duration(binary.LittleEndian.Uint32(rep[4:])) * time.Millisecond
		p.hasPresentation = true
		p.extensions = rep[replicatedMinimum:]

	case p.replicatedLength == replicatedCompressed:
		if p.ptsDelta, err = c.byte("presentation time delta"); err != nil {
			return p, nil, err
		}
		p.compressed = true
		p.presentation = time.Duration(p.offset) * time.Millisecond
		p.hasPresentation = true
		p.offset = 0

	case p.replicatedLength == 0:
		// No presentation time; resolved from cadence or send time.

	default:
		// Lengths 2..7 cannot hold the mandatory fields. The rest of the
		// packet body is unusable for this payload.
		n := bodyEnd - c.pos
		if err := c.skip("invalid replicated data", n); err != nil {
			return p, nil, err
		}
		return p, fmt.Errorf("%w: %d bytes on stream %d", ErrInvalidReplicatedData, p.replicatedLength, p.streamNumber), nil
	}

	var length int
	if h.multiple {
		v, err := c.field("payload length", h.payloadLengthType)
		if err != nil {
			return p, nil, err
		}
		length = int(v)
	} else {
		length = bodyEnd - c.pos
	}
	if length < 0 || length > c.remaining() {
		return p, nil, &ParseError{
			Field:  "payload data",
			Offset: c.pos,
			Err:    fmt.Errorf("%w: %d bytes declared, %d left", ErrPayloadBounds, length, c.remaining()),
		}
	}
	p.body, _ = c.bytes("payload data", length)
	return p, nil, nil
}

// applyExtensions walks the payload extension data in the order declared
// by esp. Unknown extensions are skipped; a short or malformed block stops
// the walk and is reported through the returned description.
func (p *payload) applyExtensions(esp *asfheader.ExtendedStreamProperties) (problem string) {
	if esp == nil || len(esp.Extensions) == 0 {
		return ""
	}
	data := p.extensions
	for _, ext := range esp.Extensions {
		size := int(ext.DataSize)
		if ext.DataSize == asfheader.VariableExtensionSize {
			if len(data) < 2 {
				return "variable extension length missing"
			}
			size = int(binary.LittleEndian.Uint16(data))
			data = data[2:]
		}
		if len(data) < size {
			return fmt.Sprintf("extension %s needs %d bytes, %d left", ext.ID, size, len(data))
		}
		block := data[:size]
		data = data[size:]

		switch ext.ID {
		case asfheader.ExtensionVideoFrame:
			if size != 4 {
				return fmt.Sprintf("video frame extension is %d bytes", size)
			}
			v := binary.LittleEndian.Uint32(block)
			p.keyFrame = v&videoFrameNewFrame != 0 && v&videoFrameTypeMask == videoFrameTypeIntra
		case asfheader.ExtensionPixelAspectRatio:
			if size != 2 {
				return fmt.Sprintf("pixel aspect ratio extension is %d bytes", size)
			}
			p.aspectX, p.aspectY, p.hasAspect = block[0], block[1], true
		case asfheader.ExtensionTimingRepData:
			if size != timingRepDataSize {
				return fmt.Sprintf("timing extension is %d bytes", size)
			}
			if v := int64(binary.LittleEndian.Uint64(block[8:])); v != -1 {
				p.extensionPTS = time.Duration(v) * 100
				p.hasExtensionPTS = true
			}
		case asfheader.ExtensionSampleDuration:
			if size != 2 {
				return fmt.Sprintf("sample duration extension is %d bytes", size)
			}
			p.duration = time.Duration(binary.LittleEndian.Uint16(block)) * time.Millisecond
		}
	}
	return ""
}

// presentationTime returns the explicit presentation time of the payload,
// preferring an extension-supplied timestamp.
func (p *payload) presentationTime() (time.Duration, bool) {
	if p.hasExtensionPTS {
		return p.extensionPTS, true
	}
	return p.presentation, p.hasPresentation
}
