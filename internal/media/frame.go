// Package media defines the elementary frame type that flows from the ASF
// packet engine through the session demuxer to sinks.
package media

import "time"

// Channel buffer sizes used by the session demuxer (producer) and the
// pipeline (consumer). Roughly two seconds of 30 fps video and of
// 20 ms audio frames.
const (
	VideoBufferSize = 60
	AudioBufferSize = 120
	DataBufferSize  = 30
)

// Frame is one complete media object of one ASF stream. The receiver of a
// Frame owns Data.
type Frame struct {
	StreamNumber uint8
	ObjectNumber uint32
	Data         []byte

	// PTS and DTS are relative to the start of playback (preroll
	// removed). HasPTS is false when the timestamp was synthesized from
	// the packet send time or the track's frame cadence.
	PTS    time.Duration
	DTS    time.Duration
	HasPTS bool

	// Duration is the sample duration when an extension declares one.
	Duration time.Duration
	KeyFrame bool

	// Incomplete is set when the frame was flushed before reaching the
	// media object size its first fragment declared.
	Incomplete bool

	// Fragments holds the length of each payload fragment that made up
	// Data. Only populated when the engine keeps fragment boundaries.
	Fragments []int
}

// Len returns the number of payload bytes in the frame.
func (f *Frame) Len() int {
	return len(f.Data)
}
