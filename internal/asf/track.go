package asf

import (
	"time"

	"github.com/zsiec/asfdemux/internal/asfheader"
	"github.com/zsiec/asfdemux/internal/media"
)

// DedupWindow is the number of recent (media object, offset) pairs each
// track remembers for duplicate payload suppression.
const DedupWindow = 8

// maxPreallocation caps the buffer reserved up front from a declared media
// object size, which comes straight from the packet.
const maxPreallocation = 1 << 20

type fragmentID struct {
	object uint32
	offset uint32
}

// dedupRing is a fixed window of recently seen fragment identities. New
// entries overwrite the oldest once the window is full.
type dedupRing struct {
	entries [DedupWindow]fragmentID
	n       int
	next    int
}

// seen reports whether id is in the window, recording it when it is not.
func (r *dedupRing) seen(id fragmentID) bool {
	for i := 0; i < r.n; i++ {
		if r.entries[i] == id {
			return true
		}
	}
	r.entries[r.next] = id
	r.next = (r.next + 1) % DedupWindow
	if r.n < DedupWindow {
		r.n++
	}
	return false
}

func (r *dedupRing) reset() {
	*r = dedupRing{}
}

// Track is the persistent reassembly state for one stream number. Tracks
// are created and destroyed by the caller's track registry; the Demuxer
// only mutates them while a DemuxPacket call is in progress.
type Track struct {
	Properties *asfheader.StreamProperties
	Extended   *asfheader.ExtendedStreamProperties

	// PacketsSeen counts data packets that carried at least one payload
	// for this track. PayloadsInPacket counts this track's payloads in the
	// most recent such packet.
	PacketsSeen      uint64
	PayloadsInPacket int

	dedup       dedupRing
	pending     *media.Frame
	pendingSize uint32
	lastPacket  uint64

	lastPTS    time.Duration
	hasLastPTS bool
}

// NewTrack creates the track state for a stream. esp may be nil.
func NewTrack(sp *asfheader.StreamProperties, esp *asfheader.ExtendedStreamProperties) *Track {
	return &Track{Properties: sp, Extended: esp}
}

// Format returns the stream's type-specific description, or nil.
func (t *Track) Format() asfheader.Format {
	if t.Properties == nil {
		return nil
	}
	return t.Properties.Format
}

// Kind returns the stream category.
func (t *Track) Kind() asfheader.Kind {
	return t.Properties.Kind()
}

// FrameDuration returns the nominal duration of one media object, taken
// from the extended stream properties. Zero when unknown.
func (t *Track) FrameDuration() time.Duration {
	if t.Extended == nil {
		return 0
	}
	return t.Extended.AvgTimePerFrame
}

// PendingBytes returns the number of bytes accumulated for the media
// object currently being reassembled.
func (t *Track) PendingBytes() int {
	if t.pending == nil {
		return 0
	}
	return len(t.pending.Data)
}

// Reset discards the pending frame, the duplicate window and the timestamp
// cadence. Call it between DemuxPacket calls after a seek or flush.
func (t *Track) Reset() {
	t.pending = nil
	t.pendingSize = 0
	t.dedup.reset()
	t.hasLastPTS = false
	t.lastPTS = 0
}

// countPayload updates the per-packet counters for packet serial.
func (t *Track) countPayload(serial uint64) {
	if t.lastPacket != serial {
		t.lastPacket = serial
		t.PacketsSeen++
		t.PayloadsInPacket = 0
	}
	t.PayloadsInPacket++
}

// isDuplicate consults and updates the duplicate window.
func (t *Track) isDuplicate(object, offset uint32) bool {
	return t.dedup.seen(fragmentID{object: object, offset: offset})
}

// startObject begins reassembly of a new media object. The caller must
// have flushed any pending frame first.
func (t *Track) startObject(f *media.Frame, declaredSize uint32) {
	reserve := int(declaredSize)
	if reserve > maxPreallocation {
		reserve = maxPreallocation
	}
	f.Data = make([]byte, 0, reserve)
	t.pending = f
	t.pendingSize = declaredSize
}

// appendFragment copies body onto the pending frame.
func (t *Track) appendFragment(body []byte, keepBoundaries bool) {
	t.pending.Data = append(t.pending.Data, body...)
	if keepBoundaries {
		t.pending.Fragments = append(t.pending.Fragments, len(body))
	}
}

// complete reports whether the pending frame reached its declared size.
func (t *Track) complete() bool {
	return t.pending != nil && t.pendingSize > 0 && uint32(len(t.pending.Data)) >= t.pendingSize
}

// takePending detaches the pending frame, marking it incomplete when it
// holds fewer bytes than declared.
func (t *Track) takePending() *media.Frame {
	f := t.pending
	if f == nil {
		return nil
	}
	if t.pendingSize > 0 && uint32(len(f.Data)) < t.pendingSize {
		f.Incomplete = true
	}
	t.pending = nil
	t.pendingSize = 0
	return f
}

// dropPending discards the pending frame without dispatching it.
func (t *Track) dropPending() {
	t.pending = nil
	t.pendingSize = 0
}

func (t *Track) observePTS(pts time.Duration) {
	t.lastPTS = pts
	t.hasLastPTS = true
}
