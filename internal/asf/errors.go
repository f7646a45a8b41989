package asf

import (
	"errors"
	"fmt"
)

// Sentinel errors. Structural errors (returned with StatusFatal) wrap
// one of the first four; the remaining sentinels only appear in
// Result.Warnings.
var (
	ErrFieldBounds                = errors.New("asf: field exceeds packet bounds")
	ErrMalformedPacket            = errors.New("asf: malformed packet header")
	ErrUnsupportedErrorCorrection = errors.New("asf: unsupported error correction data")
	ErrPayloadBounds              = errors.New("asf: payload exceeds packet bounds")

	ErrInvalidReplicatedData = errors.New("asf: invalid replicated data length")
	ErrOrphanFragment        = errors.New("asf: fragment without a pending media object")
	ErrFragmentGap           = errors.New("asf: fragment offset does not continue pending media object")
	ErrSubPayloadBounds      = errors.New("asf: compressed sub-payload exceeds payload")
)

// ParseError records the field being decoded and the packet-relative
// offset at which decoding failed.
type ParseError struct {
	Field  string
	Offset int
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("asf: parse %s at offset %d: %v", e.Field, e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
