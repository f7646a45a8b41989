package asf

import (
	"time"

	"github.com/zsiec/asfdemux/internal/media"
)

// Handler is the sink and track registry the Demuxer reports to.
type Handler interface {
	// Send receives a completed frame. Ownership of f passes to the
	// handler; the demuxer keeps no reference to it.
	Send(streamNumber uint8, f *media.Frame)

	// Track returns the reassembly state for a stream, or nil when the
	// stream is not registered. Payloads of unregistered streams are
	// consumed and ignored.
	Track(streamNumber uint8) *Track
}

// Skipper is optionally implemented by a Handler to suppress buffering
// and dispatch for individual payloads.
type Skipper interface {
	SkipPayload(streamNumber uint8, keyFrame bool) bool
}

// SendTimeUpdater is optionally implemented by a Handler to receive the
// send time of every parsed packet.
type SendTimeUpdater interface {
	UpdateSendTime(sendTime time.Duration)
}

// TrackTimeUpdater is optionally implemented by a Handler to receive each
// timestamp resolved for a track, independent of dispatch.
type TrackTimeUpdater interface {
	UpdateTrackTime(streamNumber uint8, ts time.Duration)
}

// AspectRatioSetter is optionally implemented by a Handler to receive pixel
// aspect ratio hints carried in payload extensions.
type AspectRatioSetter interface {
	SetAspectRatio(streamNumber uint8, x, y uint8)
}
