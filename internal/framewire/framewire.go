// Package framewire writes and reads demuxed ASF frames as a flat stream of
// QUIC varint framed records.
//
// A stream starts with the 4-byte magic "ASFW" and a version varint. Each
// record that follows is:
//
//	stream number  varint
//	flags          varint (bit 0 key frame, bit 1 has PTS, bit 2 incomplete)
//	pts            varint, microseconds
//	dts            varint, microseconds
//	duration       varint, microseconds
//	length         varint
//	payload        length bytes
package framewire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/quic-go/quic-go/quicvarint"
	"github.com/zsiec/asfdemux/internal/media"
)

// Version is the record format version written after the magic.
const Version uint64 = 1

// Magic opens every framewire stream.
var Magic = [4]byte{'A', 'S', 'F', 'W'}

// MaxPayload bounds the payload length accepted by Reader.
const MaxPayload = 64 << 20

const (
	flagKeyFrame   uint64 = 1 << 0
	flagHasPTS     uint64 = 1 << 1
	flagIncomplete uint64 = 1 << 2
)

var (
	ErrBadMagic    = errors.New("framewire: bad magic")
	ErrVersion     = errors.New("framewire: unsupported version")
	ErrPayloadSize = errors.New("framewire: payload too large")
)

// Writer encodes frames onto an io.Writer. It is not safe for concurrent use.
type Writer struct {
	w       io.Writer
	started bool
	frames  int64
	bytes   int64
	buf     []byte
}

// NewWriter returns a Writer. The stream header is written lazily with the
// first frame, or by WriteHeader.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteHeader writes the magic and version. It is a no-op once written.
func (fw *Writer) WriteHeader() error {
	if fw.started {
		return nil
	}
	hdr := append(make([]byte, 0, 8), Magic[:]...)
	hdr = quicvarint.Append(hdr, Version)
	if _, err := fw.w.Write(hdr); err != nil {
		return err
	}
	fw.started = true
	fw.bytes += int64(len(hdr))
	return nil
}

// WriteFrame appends one frame record and returns the bytes written.
func (fw *Writer) WriteFrame(f *media.Frame) (int64, error) {
	if err := fw.WriteHeader(); err != nil {
		return 0, err
	}

	var flags uint64
	if f.KeyFrame {
		flags |= flagKeyFrame
	}
	if f.HasPTS {
		flags |= flagHasPTS
	}
	if f.Incomplete {
		flags |= flagIncomplete
	}

	hdr := fw.buf[:0]
	hdr = quicvarint.Append(hdr, uint64(f.StreamNumber))
	hdr = quicvarint.Append(hdr, flags)
	hdr = quicvarint.Append(hdr, micros(f.PTS))
	hdr = quicvarint.Append(hdr, micros(f.DTS))
	hdr = quicvarint.Append(hdr, micros(f.Duration))
	hdr = quicvarint.Append(hdr, uint64(len(f.Data)))
	fw.buf = hdr

	if _, err := fw.w.Write(hdr); err != nil {
		return 0, err
	}
	if _, err := fw.w.Write(f.Data); err != nil {
		return 0, err
	}
	total := int64(len(hdr) + len(f.Data))
	fw.frames++
	fw.bytes += total
	return total, nil
}

// Frames returns the number of records written.
func (fw *Writer) Frames() int64 { return fw.frames }

// Bytes returns the number of bytes written, stream header included.
func (fw *Writer) Bytes() int64 { return fw.bytes }

func micros(d time.Duration) uint64 {
	if d < 0 {
		return 0
	}
	return uint64(d / time.Microsecond)
}

// Reader decodes a framewire stream.
type Reader struct {
	br      *bufio.Reader
	started bool
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

func (fr *Reader) readHeader() error {
	var magic [4]byte
	if _, err := io.ReadFull(fr.br, magic[:]); err != nil {
		return err
	}
	if magic != Magic {
		return ErrBadMagic
	}
	v, err := quicvarint.Read(fr.br)
	if err != nil {
		return fmt.Errorf("framewire: version: %w", err)
	}
	if v != Version {
		return fmt.Errorf("%w: %d", ErrVersion, v)
	}
	fr.started = true
	return nil
}

// Next returns the next frame. It returns io.EOF at a clean end of stream
// and io.ErrUnexpectedEOF when a record is cut short.
func (fr *Reader) Next() (*media.Frame, error) {
	if !fr.started {
		if err := fr.readHeader(); err != nil {
			return nil, err
		}
	}

	stream, err := quicvarint.Read(fr.br)
	if err != nil {
		return nil, err
	}

	var fields [5]uint64
	for i := range fields {
		if fields[i], err = quicvarint.Read(fr.br); err != nil {
			return nil, noEOF(err)
		}
	}
	flags, length := fields[0], fields[4]
	if length > MaxPayload {
		return nil, fmt.Errorf("%w: %d", ErrPayloadSize, length)
	}

	f := &media.Frame{
		StreamNumber: uint8(stream),
		PTS:          time.Duration(fields[1]) * time.Microsecond,
		DTS:          time.Duration(fields[2]) * time.Microsecond,
		Duration:     time.Duration(fields[3]) * time.Microsecond,
		KeyFrame:     flags&flagKeyFrame != 0,
		HasPTS:       flags&flagHasPTS != 0,
		Incomplete:   flags&flagIncomplete != 0,
		Data:         make([]byte, length),
	}
	if _, err := io.ReadFull(fr.br, f.Data); err != nil {
		return nil, noEOF(err)
	}
	return f, nil
}

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
