package asf

import (
	"time"
)

const (
	flagErrorCorrectionPresent = 0x80
	flagMultiplePayloads       = 0x01

	// The only error correction layout the format defines: type 0 (data),
	// no opaque data, two bytes of data.
	supportedErrorCorrectionLength = 2
)

// packetHeader is the packet-level header of one data packet. It lives for
// one DemuxPacket call.
type packetHeader struct {
	length   uint32
	padding  uint32
	sequence uint32
	sendTime time.Duration
	duration time.Duration

	multiple          bool
	payloadCount      int
	payloadLengthType LengthType

	// property is the payload parsing information byte: replicated data,
	// offset and media object number length types.
	property byte

	size int // header bytes consumed
}

func (h *packetHeader) replicatedLengthType() LengthType { return lengthTypeAt(h.property, 0) }
func (h *packetHeader) offsetLengthType() LengthType     { return lengthTypeAt(h.property, 2) }
func (h *packetHeader) objectNumberLengthType() LengthType {
	return lengthTypeAt(h.property, 4)
}

// parsePacketHeader decodes the error correction data and payload parsing
// information at the start of buf. minSize is the container's minimum
// data packet size; packets declaring less are padded up to it.
func parsePacketHeader(buf []byte, minSize uint32) (packetHeader, error) {
	var h packetHeader
	c := &cursor{buf: buf}

	flags, err := c.byte("error correction flags")
	if err != nil {
		return h, err
	}
	if flags&flagErrorCorrectionPresent != 0 {
		ecLength := int(flags & 0x0F)
		opaque := flags >> 4 & 0x01
		ecLengthType := flags >> 5 & 0x03
		if ecLengthType != 0 || opaque != 0 || ecLength != supportedErrorCorrectionLength {
			return h, &ParseError{Field: "error correction flags", Offset: 0, Err: ErrUnsupportedErrorCorrection}
		}
		if err := c.skip("error correction data", ecLength); err != nil {
			return h, err
		}
		if flags, err = c.byte("length type flags"); err != nil {
			return h, err
		}
	}

	if h.property, err = c.byte("property flags"); err != nil {
		return h, err
	}
	h.multiple = flags&flagMultiplePayloads != 0

	lengthType := lengthTypeAt(flags, 5)
	if h.length, err = c.field("packet length", lengthType); err != nil {
		return h, err
	}
	if h.sequence, err = c.field("sequence", lengthTypeAt(flags, 1)); err != nil {
		return h, err
	}
	if h.padding, err = c.field("padding length", lengthTypeAt(flags, 3)); err != nil {
		return h, err
	}
	if lengthType == LengthAbsent {
		h.length = minSize
	}
	if h.padding > h.length {
		return h, &ParseError{Field: "padding length", Offset: c.pos, Err: ErrMalformedPacket}
	}
	if h.length < minSize {
		// A short declared length is extra padding up to the fixed size.
		h.padding += minSize - h.length
		h.length = minSize
	}

	sendTime, err := c.uint32("send time")
	if err != nil {
		return h, err
	}
	duration, err := c.uint16("duration")
	if err != nil {
		return h, err
	}
	h.sendTime = time.Duration(sendTime) * time.Millisecond
	h.duration = time.Duration(duration) * time.Millisecond

	h.payloadCount = 1
	if h.multiple {
		b, err := c.byte("payload flags")
		if err != nil {
			return h, err
		}
		h.payloadCount = int(b & 0x3F)
		h.payloadLengthType = lengthTypeAt(b, 6)
	}

	h.size = c.pos
	if uint32(h.size) > h.length-h.padding {
		return h, &ParseError{Field: "packet header", Offset: c.pos, Err: ErrMalformedPacket}
	}
	return h, nil
}
