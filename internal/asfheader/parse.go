package asfheader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

const (
	objectHeaderSize      = 24 // GUID + 64-bit size
	headerObjectPreamble  = 30 // object header + child count + 2 reserved bytes
	dataObjectPreamble    = 50 // object header + file ID + packet count + reserved
	filePropertiesSize    = 80
	streamPropertiesFixed = 54
	extStreamPropsFixed   = 64
	headerExtensionFixed  = 22

	// maxHeaderSize bounds the allocation for the header body.
	maxHeaderSize = 32 << 20
)

// Sentinel errors returned by Parse.
var (
	ErrNotASF           = errors.New("asfheader: not an ASF header object")
	ErrTruncated        = errors.New("asfheader: truncated object")
	ErrObjectSize       = errors.New("asfheader: invalid object size")
	ErrNoFileProperties = errors.New("asfheader: missing file properties object")
	ErrNoDataObject     = errors.New("asfheader: data object not found")
)

// Parse reads the Header Object and the Data Object preamble from r,
// leaving r positioned at the first data packet.
func Parse(r io.Reader) (*Header, error) {
	pre := make([]byte, headerObjectPreamble)
	if _, err := io.ReadFull(r, pre); err != nil {
		return nil, fmt.Errorf("asfheader: read header object: %w", err)
	}
	if guidFromWire(pre) != GUIDHeader {
		return nil, ErrNotASF
	}
	size := binary.LittleEndian.Uint64(pre[16:24])
	if size < headerObjectPreamble || size > maxHeaderSize {
		return nil, fmt.Errorf("%w: header object %d bytes", ErrObjectSize, size)
	}

	body := make([]byte, size-headerObjectPreamble)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("asfheader: read header body: %w", err)
	}

	h, err := parseHeaderBody(body)
	if err != nil {
		return nil, err
	}

	data := make([]byte, dataObjectPreamble)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDataObject, err)
	}
	if guidFromWire(data) != GUIDData {
		return nil, ErrNoDataObject
	}
	dataSize := binary.LittleEndian.Uint64(data[16:24])
	h.DataPackets = binary.LittleEndian.Uint64(data[40:48])
	h.DataStart = int64(size) + dataObjectPreamble
	h.DataEnd = -1
	if dataSize >= dataObjectPreamble && !h.File.Broadcast {
		h.DataEnd = int64(size) + int64(dataSize)
	}

	return h, nil
}

func parseHeaderBody(body []byte) (*Header, error) {
	h := &Header{
		Streams:  make(map[uint8]*StreamProperties),
		Extended: make(map[uint8]*ExtendedStreamProperties),
	}
	haveFile := false

	err := walkObjects(body, func(id uuid.UUID, payload []byte) error {
		switch id {
		case GUIDFileProperties:
			fp, err := parseFileProperties(payload)
			if err != nil {
				return err
			}
			h.File = fp
			haveFile = true
		case GUIDStreamProperties:
			sp, err := parseStreamProperties(payload)
			if err != nil {
				return err
			}
			h.Streams[sp.StreamNumber] = sp
		case GUIDHeaderExtension:
			return parseHeaderExtension(payload, h)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !haveFile {
		return nil, ErrNoFileProperties
	}
	return h, nil
}

// walkObjects calls fn for each object laid out back to back in b. Trailing
// bytes too short to hold an object header are ignored.
func walkObjects(b []byte, fn func(id uuid.UUID, payload []byte) error) error {
	off := 0
	for len(b)-off >= objectHeaderSize {
		id := guidFromWire(b[off:])
		size := binary.LittleEndian.Uint64(b[off+16:])
		if size < objectHeaderSize || size > uint64(len(b)-off) {
			return fmt.Errorf("%w: object %s is %d bytes, %d left", ErrObjectSize, id, size, len(b)-off)
		}
		if err := fn(id, b[off+objectHeaderSize:off+int(size)]); err != nil {
			return err
		}
		off += int(size)
	}
	return nil
}

func parseFileProperties(b []byte) (FileProperties, error) {
	br := &byteReader{b: b}
	if !br.need(filePropertiesSize) {
		return FileProperties{}, fmt.Errorf("asfheader: file properties: %w", br.err)
	}
	var fp FileProperties
	fp.FileID = br.guid()
	fp.FileSize = br.u64()
	br.skip(8) // creation date
	fp.DataPackets = br.u64()
	fp.PlayDuration = time.Duration(br.u64()) * 100
	fp.SendDuration = time.Duration(br.u64()) * 100
	fp.Preroll = time.Duration(br.u64()) * time.Millisecond
	flags := br.u32()
	fp.Broadcast = flags&0x01 != 0
	fp.Seekable = flags&0x02 != 0
	fp.MinPacketSize = br.u32()
	fp.MaxPacketSize = br.u32()
	fp.MaxBitrate = br.u32()
	return fp, br.err
}

func parseStreamProperties(b []byte) (*StreamProperties, error) {
	br := &byteReader{b: b}
	if !br.need(streamPropertiesFixed) {
		return nil, fmt.Errorf("asfheader: stream properties: %w", br.err)
	}
	sp := &StreamProperties{}
	sp.Type = br.guid()
	sp.ErrorCorrectionType = br.guid()
	sp.TimeOffset = time.Duration(br.u64()) * 100
	typeLen := int(br.u32())
	ecLen := int(br.u32())
	flags := br.u16()
	sp.StreamNumber = uint8(flags & 0x7F)
	sp.Encrypted = flags&0x8000 != 0
	br.skip(4)

	typeData := br.bytes(typeLen)
	br.skip(ecLen)
	if br.err != nil {
		return nil, fmt.Errorf("asfheader: stream %d properties: %w", sp.StreamNumber, br.err)
	}

	switch sp.Type {
	case StreamTypeAudio:
		sp.Format = parseAudioFormat(typeData)
	case StreamTypeVideo:
		sp.Format = parseVideoFormat(typeData)
	default:
		sp.Format = &OtherFormat{Type: sp.Type}
	}
	return sp, nil
}

func parseAudioFormat(b []byte) *AudioFormat {
	af := &AudioFormat{}
	if len(b) < 16 {
		return af
	}
	af.FormatTag = binary.LittleEndian.Uint16(b[0:])
	af.Channels = binary.LittleEndian.Uint16(b[2:])
	af.SampleRate = binary.LittleEndian.Uint32(b[4:])
	af.AvgBytesPerSec = binary.LittleEndian.Uint32(b[8:])
	af.BlockAlign = binary.LittleEndian.Uint16(b[12:])
	af.BitsPerSample = binary.LittleEndian.Uint16(b[14:])
	return af
}

func parseVideoFormat(b []byte) *VideoFormat {
	vf := &VideoFormat{}
	// [0-3] width, [4-7] height, [8] reserved, [9-10] format data size,
	// [11..] BITMAPINFOHEADER (biSize, biWidth, biHeight, biPlanes,
	// biBitCount, biCompression, ...).
	if len(b) < 8 {
		return vf
	}
	vf.Width = binary.LittleEndian.Uint32(b[0:])
	vf.Height = binary.LittleEndian.Uint32(b[4:])
	if len(b) >= 11+20 {
		vf.BitCount = binary.LittleEndian.Uint16(b[11+14:])
		vf.Compression = string(b[11+16 : 11+20])
	}
	return vf
}

func parseHeaderExtension(b []byte, h *Header) error {
	if len(b) < headerExtensionFixed {
		return fmt.Errorf("asfheader: header extension: %w", ErrTruncated)
	}
	dataSize := int(binary.LittleEndian.Uint32(b[18:22]))
	if dataSize > len(b)-headerExtensionFixed {
		return fmt.Errorf("%w: header extension data %d bytes, %d left", ErrObjectSize, dataSize, len(b)-headerExtensionFixed)
	}
	return walkObjects(b[headerExtensionFixed:headerExtensionFixed+dataSize], func(id uuid.UUID, payload []byte) error {
		if id != GUIDExtendedStreamProperties {
			return nil
		}
		esp, embedded, err := parseExtendedStreamProperties(payload)
		if err != nil {
			return err
		}
		h.Extended[esp.StreamNumber] = esp
		if embedded != nil {
			h.Streams[embedded.StreamNumber] = embedded
		}
		return nil
	})
}

func parseExtendedStreamProperties(b []byte) (*ExtendedStreamProperties, *StreamProperties, error) {
	br := &byteReader{b: b}
	if !br.need(extStreamPropsFixed) {
		return nil, nil, fmt.Errorf("asfheader: extended stream properties: %w", br.err)
	}
	esp := &ExtendedStreamProperties{}
	esp.StartTime = time.Duration(br.u64()) * time.Millisecond
	esp.EndTime = time.Duration(br.u64()) * time.Millisecond
	esp.DataBitrate = br.u32()
	esp.BufferSize = br.u32()
	br.skip(4 * 4) // initial fullness + alternate leaky bucket
	esp.MaxObjectSize = br.u32()
	esp.Flags = br.u32()
	esp.StreamNumber = uint8(br.u16() & 0x7F)
	esp.LanguageIndex = br.u16()
	esp.AvgTimePerFrame = time.Duration(br.u64()) * 100
	nameCount := int(br.u16())
	extCount := int(br.u16())

	for i := 0; i < nameCount && br.err == nil; i++ {
		br.skip(2) // language index
		br.skip(int(br.u16()))
	}
	for i := 0; i < extCount && br.err == nil; i++ {
		ext := PayloadExtensionSystem{ID: br.guid(), DataSize: br.u16()}
		ext.Info = br.bytes(int(br.u32()))
		esp.Extensions = append(esp.Extensions, ext)
	}
	if br.err != nil {
		return nil, nil, fmt.Errorf("asfheader: stream %d extended properties: %w", esp.StreamNumber, br.err)
	}

	// An optional Stream Properties Object may be embedded in the remainder.
	var embedded *StreamProperties
	err := walkObjects(br.rest(), func(id uuid.UUID, payload []byte) error {
		if id != GUIDStreamProperties {
			return nil
		}
		sp, err := parseStreamProperties(payload)
		if err != nil {
			return err
		}
		embedded = sp
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return esp, embedded, nil
}

// byteReader reads little-endian fields with a sticky error.
type byteReader struct {
	b   []byte
	off int
	err error
}

func (r *byteReader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || len(r.b)-r.off < n {
		r.err = ErrTruncated
		return false
	}
	return true
}

func (r *byteReader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v
}

func (r *byteReader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *byteReader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v
}

func (r *byteReader) guid() uuid.UUID {
	if !r.need(16) {
		return uuid.Nil
	}
	g := guidFromWire(r.b[r.off:])
	r.off += 16
	return g
}

func (r *byteReader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *byteReader) skip(n int) {
	if r.need(n) {
		r.off += n
	}
}

func (r *byteReader) rest() []byte {
	if r.err != nil {
		return nil
	}
	return r.b[r.off:]
}
