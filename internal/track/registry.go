// Package track owns the per-stream reassembly contexts of an open ASF
// session, mapping stream numbers to asf.Track values for the packet engine.
package track

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/asfdemux/internal/asf"
	"github.com/zsiec/asfdemux/internal/asfheader"
)

// Info is an immutable description of a registered track, safe to read
// while the demux loop mutates the track itself.
type Info struct {
	StreamNumber  uint8            `json:"streamNumber"`
	Kind          asfheader.Kind   `json:"kind"`
	Format        asfheader.Format `json:"-"`
	FrameDuration time.Duration    `json:"frameDurationNs,omitempty"`
	RegisteredAt  time.Time        `json:"registeredAt"`
}

type entry struct {
	track *asf.Track
	info  Info
}

// Registry maps stream numbers to tracks.
type Registry struct {
	log    *slog.Logger
	mu     sync.RWMutex
	tracks map[uint8]*entry
}

// NewRegistry creates an empty registry. If log is nil, slog.Default() is used.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:    log.With("component", "track-registry"),
		tracks: make(map[uint8]*entry),
	}
}

// Register creates the track for sp. It returns the track and true if
// created, or nil and false if the stream number is already registered.
func (r *Registry) Register(sp *asfheader.StreamProperties, esp *asfheader.ExtendedStreamProperties) (*asf.Track, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tracks[sp.StreamNumber]; ok {
		r.log.Warn("track already registered, rejecting duplicate", "stream", sp.StreamNumber)
		return nil, false
	}

	t := asf.NewTrack(sp, esp)
	r.tracks[sp.StreamNumber] = &entry{
		track: t,
		info: Info{
			StreamNumber:  sp.StreamNumber,
			Kind:          sp.Kind(),
			Format:        sp.Format,
			FrameDuration: t.FrameDuration(),
			RegisteredAt:  time.Now(),
		},
	}
	r.log.Debug("track registered", "stream", sp.StreamNumber, "kind", sp.Kind())
	return t, true
}

// RegisterHeader registers one track per stream in h and returns how many
// were created.
func (r *Registry) RegisterHeader(h *asfheader.Header) int {
	n := 0
	for _, num := range h.StreamNumbers() {
		if _, ok := r.Register(h.Streams[num], h.Extended[num]); ok {
			n++
		}
	}
	return n
}

// Get returns the track for a stream number, or nil.
func (r *Registry) Get(streamNumber uint8) *asf.Track {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.tracks[streamNumber]; ok {
		return e.track
	}
	return nil
}

// Remove unregisters a stream. It reports whether the stream was present.
func (r *Registry) Remove(streamNumber uint8) bool {
	r.mu.Lock()
	_, ok := r.tracks[streamNumber]
	delete(r.tracks, streamNumber)
	r.mu.Unlock()

	if ok {
		r.log.Debug("track removed", "stream", streamNumber)
	}
	return ok
}

// List returns the registered tracks ordered by stream number.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.tracks))
	for _, e := range r.tracks {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamNumber < out[j].StreamNumber })
	return out
}

// StreamNumbers returns the registered stream numbers in ascending order.
func (r *Registry) StreamNumbers() []uint8 {
	infos := r.List()
	out := make([]uint8, len(infos))
	for i, info := range infos {
		out[i] = info.StreamNumber
	}
	return out
}

// Len returns the number of registered tracks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tracks)
}

// ResetAll resets the reassembly state of every track, as after a seek.
// It must not run concurrently with a DemuxPacket call.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.tracks {
		e.track.Reset()
	}
}
