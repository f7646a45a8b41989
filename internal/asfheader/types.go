// Package asfheader parses the ASF Header Object and the Data Object
// preamble. It discovers the file-wide packet geometry and preroll, the
// per-stream properties, and the extended stream properties that the
// packet engine needs before it can demultiplex data packets.
package asfheader

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Kind is the broad category of an ASF stream.
type Kind int

// Stream categories.
const (
	KindOther Kind = iota
	KindVideo
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "other"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unknown names map to
// KindOther.
func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "video":
		*k = KindVideo
	case "audio":
		*k = KindAudio
	default:
		*k = KindOther
	}
	return nil
}

// Format is the type-specific description of a stream. It is one of
// *VideoFormat, *AudioFormat or *OtherFormat.
type Format interface {
	Kind() Kind
}

// VideoFormat carries the fields of the video type-specific data
// (encoded image size plus the embedded BITMAPINFOHEADER).
type VideoFormat struct {
	Width       uint32
	Height      uint32
	BitCount    uint16
	Compression string // FourCC
}

// Kind implements Format.
func (*VideoFormat) Kind() Kind { return KindVideo }

// AudioFormat carries the WAVEFORMATEX fields of an audio stream.
type AudioFormat struct {
	FormatTag      uint16
	Channels       uint16
	SampleRate     uint32
	AvgBytesPerSec uint32
	BlockAlign     uint16
	BitsPerSample  uint16
}

// Kind implements Format.
func (*AudioFormat) Kind() Kind { return KindAudio }

// OtherFormat describes any stream that is neither audio nor video.
type OtherFormat struct {
	Type uuid.UUID
}

// Kind implements Format.
func (*OtherFormat) Kind() Kind { return KindOther }

// FileProperties holds the File Properties Object.
type FileProperties struct {
	FileID        uuid.UUID
	FileSize      uint64
	DataPackets   uint64
	PlayDuration  time.Duration
	SendDuration  time.Duration
	Preroll       time.Duration
	Broadcast     bool
	Seekable      bool
	MinPacketSize uint32
	MaxPacketSize uint32
	MaxBitrate    uint32
}

// StreamProperties holds one Stream Properties Object.
type StreamProperties struct {
	StreamNumber        uint8
	Type                uuid.UUID
	ErrorCorrectionType uuid.UUID
	TimeOffset          time.Duration
	Encrypted           bool
	Format              Format
}

// Kind reports the stream category.
func (sp *StreamProperties) Kind() Kind {
	if sp == nil || sp.Format == nil {
		return KindOther
	}
	return sp.Format.Kind()
}

// VariableExtensionSize marks a payload extension system whose per-payload
// data is prefixed with its own 2-byte length.
const VariableExtensionSize = 0xFFFF

// PayloadExtensionSystem declares one block of per-payload extension data
// carried in replicated data.
type PayloadExtensionSystem struct {
	ID       uuid.UUID
	DataSize uint16
	Info     []byte
}

// ExtendedStreamProperties holds one Extended Stream Properties Object.
type ExtendedStreamProperties struct {
	StartTime       time.Duration
	EndTime         time.Duration
	DataBitrate     uint32
	BufferSize      uint32
	MaxObjectSize   uint32
	Flags           uint32
	StreamNumber    uint8
	LanguageIndex   uint16
	AvgTimePerFrame time.Duration
	Extensions      []PayloadExtensionSystem
}

// Header is the parsed ASF header plus the location of the data packets.
type Header struct {
	File     FileProperties
	Streams  map[uint8]*StreamProperties
	Extended map[uint8]*ExtendedStreamProperties

	// DataStart is the byte offset of the first data packet and DataEnd the
	// offset just past the last one. DataEnd is -1 when the data object
	// size is unknown (live broadcasts).
	DataStart   int64
	DataEnd     int64
	DataPackets uint64
}

// StreamNumbers returns the declared stream numbers in ascending order.
func (h *Header) StreamNumbers() []uint8 {
	nums := make([]int, 0, len(h.Streams))
	for n := range h.Streams {
		nums = append(nums, int(n))
	}
	sort.Ints(nums)

	out := make([]uint8, len(nums))
	for i, n := range nums {
		out[i] = uint8(n)
	}
	return out
}
