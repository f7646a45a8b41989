// Package asftest synthesizes ASF headers and data packets byte by byte for
// tests of the packet engine, the session demuxer and the ingest paths.
package asftest

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/asfdemux/internal/asfheader"
)

var (
	noErrorCorrection = uuid.MustParse("20fb5700-5b55-11cf-a8fd-00805f5c442b")
	extensionReserved = uuid.MustParse("abd3d211-a9ba-11cf-8ee6-00c00c205365")
	testFileID        = uuid.MustParse("0f7a5c2e-51b3-4d0e-9a39-6c1d2e3f4a5b")
)

// Stream describes one stream of a synthesized file.
type Stream struct {
	Number uint8
	Kind   asfheader.Kind

	Width, Height uint32
	FourCC        string

	FormatTag  uint16
	Channels   uint16
	SampleRate uint32

	// Setting AvgTimePerFrame or Extensions emits an Extended Stream
	// Properties object for the stream.
	AvgTimePerFrame time.Duration
	Extensions      []asfheader.PayloadExtensionSystem
}

// File describes a synthesized ASF file.
type File struct {
	PacketSize uint32
	// MaxPacketSize, when above PacketSize, declares variable-size packets;
	// PacketSize becomes the minimum.
	MaxPacketSize uint32
	Preroll       time.Duration
	Broadcast     bool
	Streams       []Stream
	Packets       [][]byte
}

// Bytes returns the header followed by every packet.
func (f File) Bytes() []byte {
	b := f.Header()
	for _, p := range f.Packets {
		b = append(b, p...)
	}
	return b
}

// Header returns the Header Object followed by the Data Object preamble.
func (f File) Header() []byte {
	var children [][]byte
	children = append(children, f.fileProperties())
	for _, s := range f.Streams {
		children = append(children, streamProperties(s))
	}
	if ext := f.headerExtension(); ext != nil {
		children = append(children, ext)
	}

	body := binary.LittleEndian.AppendUint32(nil, uint32(len(children)))
	body = append(body, 0x01, 0x02)
	for _, c := range children {
		body = append(body, c...)
	}
	b := object(asfheader.GUIDHeader, body)

	var dataSize uint64
	switch {
	case f.Broadcast:
	case f.MaxPacketSize > f.PacketSize:
		dataSize = 50
		for _, p := range f.Packets {
			dataSize += uint64(len(p))
		}
	default:
		dataSize = 50 + uint64(len(f.Packets))*uint64(f.PacketSize)
	}
	b = asfheader.AppendGUID(b, asfheader.GUIDData)
	b = binary.LittleEndian.AppendUint64(b, dataSize)
	b = asfheader.AppendGUID(b, testFileID)
	b = binary.LittleEndian.AppendUint64(b, uint64(len(f.Packets)))
	b = append(b, 0x01, 0x01)
	return b
}

func (f File) fileProperties() []byte {
	b := asfheader.AppendGUID(nil, testFileID)
	b = binary.LittleEndian.AppendUint64(b, 0) // file size
	b = binary.LittleEndian.AppendUint64(b, 0) // creation date
	b = binary.LittleEndian.AppendUint64(b, uint64(len(f.Packets)))
	b = binary.LittleEndian.AppendUint64(b, 0) // play duration
	b = binary.LittleEndian.AppendUint64(b, 0) // send duration
	b = binary.LittleEndian.AppendUint64(b, uint64(f.Preroll/time.Millisecond))
	var flags uint32
	if f.Broadcast {
		flags |= 0x01
	} else {
		flags |= 0x02
	}
	b = binary.LittleEndian.AppendUint32(b, flags)
	b = binary.LittleEndian.AppendUint32(b, f.PacketSize)
	b = binary.LittleEndian.AppendUint32(b, max(f.PacketSize, f.MaxPacketSize))
	b = binary.LittleEndian.AppendUint32(b, 1_000_000)
	return object(asfheader.GUIDFileProperties, b)
}

func streamProperties(s Stream) []byte {
	var typ uuid.UUID
	var data []byte
	switch s.Kind {
	case asfheader.KindVideo:
		typ = asfheader.StreamTypeVideo
		data = binary.LittleEndian.AppendUint32(data, s.Width)
		data = binary.LittleEndian.AppendUint32(data, s.Height)
		data = append(data, 0x02)
		data = binary.LittleEndian.AppendUint16(data, 40)
		data = binary.LittleEndian.AppendUint32(data, 40)
		data = binary.LittleEndian.AppendUint32(data, s.Width)
		data = binary.LittleEndian.AppendUint32(data, s.Height)
		data = binary.LittleEndian.AppendUint16(data, 1)
		data = binary.LittleEndian.AppendUint16(data, 24)
		fourcc := []byte("    ")
		copy(fourcc, s.FourCC)
		data = append(data, fourcc...)
		data = append(data, make([]byte, 20)...)
	case asfheader.KindAudio:
		typ = asfheader.StreamTypeAudio
		data = binary.LittleEndian.AppendUint16(data, s.FormatTag)
		data = binary.LittleEndian.AppendUint16(data, s.Channels)
		data = binary.LittleEndian.AppendUint32(data, s.SampleRate)
		data = binary.LittleEndian.AppendUint32(data, s.SampleRate*uint32(s.Channels)*2)
		data = binary.LittleEndian.AppendUint16(data, s.Channels*2)
		data = binary.LittleEndian.AppendUint16(data, 16)
		data = binary.LittleEndian.AppendUint16(data, 0)
	default:
		typ = asfheader.StreamTypeBinary
	}

	b := asfheader.AppendGUID(nil, typ)
	b = asfheader.AppendGUID(b, noErrorCorrection)
	b = binary.LittleEndian.AppendUint64(b, 0)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(data)))
	b = binary.LittleEndian.AppendUint32(b, 0)
	b = binary.LittleEndian.AppendUint16(b, uint16(s.Number&0x7F))
	b = binary.LittleEndian.AppendUint32(b, 0)
	b = append(b, data...)
	return object(asfheader.GUIDStreamProperties, b)
}

func (f File) headerExtension() []byte {
	var inner []byte
	for _, s := range f.Streams {
		if s.AvgTimePerFrame == 0 && len(s.Extensions) == 0 {
			continue
		}
		inner = append(inner, extendedStreamProperties(s)...)
	}
	if inner == nil {
		return nil
	}
	b := asfheader.AppendGUID(nil, extensionReserved)
	b = binary.LittleEndian.AppendUint16(b, 6)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(inner)))
	b = append(b, inner...)
	return object(asfheader.GUIDHeaderExtension, b)
}

func extendedStreamProperties(s Stream) []byte {
	b := binary.LittleEndian.AppendUint64(nil, 0) // start time
	b = binary.LittleEndian.AppendUint64(b, 0)    // end time
	for range 8 {
		// bitrate, buffer size, initial fullness, alternate bucket,
		// max object size, flags
		b = binary.LittleEndian.AppendUint32(b, 0)
	}
	b = binary.LittleEndian.AppendUint16(b, uint16(s.Number))
	b = binary.LittleEndian.AppendUint16(b, 0)
	b = binary.LittleEndian.AppendUint64(b, uint64(s.AvgTimePerFrame/100))
	b = binary.LittleEndian.AppendUint16(b, 0)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(s.Extensions)))
	for _, ext := range s.Extensions {
		b = asfheader.AppendGUID(b, ext.ID)
		b = binary.LittleEndian.AppendUint16(b, ext.DataSize)
		b = binary.LittleEndian.AppendUint32(b, uint32(len(ext.Info)))
		b = append(b, ext.Info...)
	}
	return object(asfheader.GUIDExtendedStreamProperties, b)
}

func object(id uuid.UUID, body []byte) []byte {
	b := asfheader.AppendGUID(nil, id)
	b = binary.LittleEndian.AppendUint64(b, uint64(24+len(body)))
	return append(b, body...)
}
