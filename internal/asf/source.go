package asf

import (
	"bufio"
	"io"
)

// Source supplies the raw bytes of data packets. Peek follows
// bufio.Reader semantics: it may return fewer than n bytes together with
// an error at end of input.
type Source interface {
	Peek(n int) ([]byte, error)
	Discard(n int) (int, error)
	Offset() int64
}

// minSourceBuffer matches the largest packet size encoders use in
// practice; NewReaderSource never buffers less.
const minSourceBuffer = 64 << 10

// ReaderSource adapts an io.Reader into a Source, tracking the absolute
// byte offset of the next unread byte.
type ReaderSource struct {
	r   *bufio.Reader
	off int64
}

// NewReaderSource wraps r, whose next byte is at offset. size must be at
// least the maximum data packet size.
func NewReaderSource(r io.Reader, offset int64, size int) *ReaderSource {
	if size < minSourceBuffer {
		size = minSourceBuffer
	}
	return &ReaderSource{r: bufio.NewReaderSize(r, size), off: offset}
}

func (s *ReaderSource) Peek(n int) ([]byte, error) {
	return s.r.Peek(n)
}

func (s *ReaderSource) Discard(n int) (int, error) {
	m, err := s.r.Discard(n)
	s.off += int64(m)
	return m, err
}

func (s *ReaderSource) Offset() int64 {
	return s.off
}
