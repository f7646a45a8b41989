package asf

import "time"

// PrerollFromCurrent is the preroll sentinel that makes the demuxer derive
// the preroll from the first explicit presentation time it observes
// instead of a fixed header value.
const PrerollFromCurrent time.Duration = -1

// SubPayloadTiming selects how the sub-payloads of a compressed payload are
// spaced in time.
type SubPayloadTiming int

// Sub-payload timing strategies.
const (
	// TimingAuto uses the payload's delta byte when it is non-zero and the
	// track's nominal frame duration otherwise.
	TimingAuto SubPayloadTiming = iota
	// TimingDeltaByte spaces sub-payloads by the delta byte (milliseconds).
	TimingDeltaByte
	// TimingFrameDuration spaces sub-payloads by the track's nominal frame
	// duration, falling back to the delta byte when it is unknown.
	TimingFrameDuration
)

func (s SubPayloadTiming) String() string {
	switch s {
	case TimingDeltaByte:
		return "delta-byte"
	case TimingFrameDuration:
		return "frame-duration"
	default:
		return "auto"
	}
}

// clock converts presentation times into the caller's timeline for one
// DemuxPacket call and records whether the preroll was derived.
type clock struct {
	preroll time.Duration
	derived bool
}

// fromPresentation removes the preroll from an explicit presentation time.
func (c *clock) fromPresentation(pt time.Duration) time.Duration {
	if c.preroll == PrerollFromCurrent {
		c.preroll = pt
		c.derived = true
	}
	return clampZero(pt - c.preroll)
}

func (c *clock) offset() time.Duration {
	if c.preroll == PrerollFromCurrent {
		return 0
	}
	return c.preroll
}

// resolve returns the timestamp for a new media object on t. Without an
// explicit presentation time the track's cadence is advanced by its frame
// duration, or the packet send time is used when no cadence exists yet.
func (c *clock) resolve(t *Track, pt time.Duration, explicit bool, sendTime time.Duration) time.Duration {
	if explicit {
		return c.fromPresentation(pt)
	}
	if d := t.FrameDuration(); d > 0 && t.hasLastPTS {
		return t.lastPTS + d
	}
	return clampZero(sendTime - c.offset())
}

// subPayloadStep returns the spacing between consecutive sub-payloads.
func subPayloadStep(strategy SubPayloadTiming, delta uint8, t *Track) time.Duration {
	byDelta := time.Duration(delta) * time.Millisecond
	switch strategy {
	case TimingDeltaByte:
		return byDelta
	case TimingFrameDuration:
		if d := t.FrameDuration(); d > 0 {
			return d
		}
		return byDelta
	default:
		if delta != 0 {
			return byDelta
		}
		return t.FrameDuration()
	}
}

func clampZero(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
