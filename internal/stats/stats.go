// Package stats accumulates ASF session telemetry reported by the demuxer
// and produces JSON snapshots for the API and the command line.
package stats

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/asfdemux/internal/asf"
	"github.com/zsiec/asfdemux/internal/asfheader"
	"github.com/zsiec/asfdemux/internal/demux"
)

// Compile-time interface check.
var _ demux.StatsRecorder = (*SessionStats)(nil)

// StreamStats holds point-in-time metrics for one ASF stream.
type StreamStats struct {
	StreamNumber uint8   `json:"streamNumber"`
	Kind         string  `json:"kind"`
	Codec        string  `json:"codec,omitempty"`
	Width        uint32  `json:"width,omitempty"`
	Height       uint32  `json:"height,omitempty"`
	SampleRate   uint32  `json:"sampleRate,omitempty"`
	Channels     uint16  `json:"channels,omitempty"`
	Frames       int64   `json:"frames"`
	KeyFrames    int64   `json:"keyFrames"`
	Incomplete   int64   `json:"incomplete"`
	TotalBytes   int64   `json:"totalBytes"`
	FirstPTSMs   int64   `json:"firstPtsMs"`
	LastPTSMs    int64   `json:"lastPtsMs"`
	PTSErrors    int64   `json:"ptsErrors"`
	BitrateKbps  float64 `json:"bitrateKbps"`
	AspectRatio  string  `json:"aspectRatio,omitempty"`
}

// Snapshot is the JSON-serializable view of a session.
type Snapshot struct {
	Timestamp      int64            `json:"ts"`
	UptimeMs       int64            `json:"uptimeMs"`
	Packets        int64            `json:"packets"`
	PacketBytes    int64            `json:"packetBytes"`
	Payloads       int64            `json:"payloads"`
	Duplicates     int64            `json:"duplicates"`
	ParseErrors    int64            `json:"parseErrors"`
	Resyncs        int64            `json:"resyncs"`
	LastSendTimeMs int64            `json:"lastSendTimeMs"`
	Warnings       map[string]int64 `json:"warnings,omitempty"`
	LastError      string           `json:"lastError,omitempty"`
	Streams        []StreamStats    `json:"streams"`
}

// SessionStats accumulates telemetry for one demux session. It is safe for
// concurrent use: the demux goroutine records while API handlers snapshot.
type SessionStats struct {
	started time.Time

	packets     atomic.Int64
	packetBytes atomic.Int64
	payloads    atomic.Int64
	duplicates  atomic.Int64
	parseErrors atomic.Int64
	resyncs     atomic.Int64
	sendTime    atomic.Int64

	// mu guards streams, warnings and lastError
	mu        sync.RWMutex
	streams   map[uint8]*streamAccum
	warnings  map[string]int64
	lastError string
}

// streamAccum is a per-stream accumulator. Counters are atomic; the
// descriptive fields are written once at registration under mu.
type streamAccum struct {
	number uint8
	kind   asfheader.Kind
	format asfheader.Format

	frames     atomic.Int64
	keyFrames  atomic.Int64
	incomplete atomic.Int64
	bytes      atomic.Int64
	ptsErrors  atomic.Int64
	firstPTS   atomic.Int64
	lastPTS    atomic.Int64
	firstSet   atomic.Bool
	aspect     atomic.Uint32
}

// NewSessionStats creates a SessionStats ready for use as a StatsRecorder.
func NewSessionStats() *SessionStats {
	return &SessionStats{
		started:  time.Now(),
		streams:  make(map[uint8]*streamAccum),
		warnings: make(map[string]int64),
	}
}

func (s *SessionStats) stream(n uint8) *streamAccum {
	s.mu.RLock()
	acc, ok := s.streams[n]
	s.mu.RUnlock()
	if ok {
		return acc
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if acc, ok = s.streams[n]; !ok {
		acc = &streamAccum{number: n}
		s.streams[n] = acc
	}
	return acc
}

// RecordStream records a stream discovered in the header.
func (s *SessionStats) RecordStream(n uint8, kind asfheader.Kind, format asfheader.Format) {
	acc := s.stream(n)
	s.mu.Lock()
	acc.kind = kind
	acc.format = format
	s.mu.Unlock()
}

// RecordPacket records one consumed data packet.
func (s *SessionStats) RecordPacket(size int, sendTime time.Duration, payloads int) {
	s.packets.Add(1)
	s.packetBytes.Add(int64(size))
	s.payloads.Add(int64(payloads))
	s.sendTime.Store(int64(sendTime))
}

// RecordFrame records a dispatched frame. A PTS that moves backwards is
// counted as a PTS error.
func (s *SessionStats) RecordFrame(n uint8, bytes int, keyFrame bool, pts time.Duration, incomplete bool) {
	acc := s.stream(n)
	acc.frames.Add(1)
	acc.bytes.Add(int64(bytes))
	if keyFrame {
		acc.keyFrames.Add(1)
	}
	if incomplete {
		acc.incomplete.Add(1)
	}

	if !acc.firstSet.Load() {
		acc.firstPTS.Store(int64(pts))
		acc.firstSet.Store(true)
	} else if last := acc.lastPTS.Load(); int64(pts) < last {
		acc.ptsErrors.Add(1)
	}
	acc.lastPTS.Store(int64(pts))
}

// RecordDuplicates records payloads dropped as duplicates.
func (s *SessionStats) RecordDuplicates(n int) {
	s.duplicates.Add(int64(n))
}

// RecordWarning counts a recoverable packet problem by kind.
func (s *SessionStats) RecordWarning(err error) {
	kind := WarningKind(err)
	s.mu.Lock()
	s.warnings[kind]++
	s.mu.Unlock()
}

// RecordParseError records a structural packet error.
func (s *SessionStats) RecordParseError(err error, resynced bool) {
	s.parseErrors.Add(1)
	if resynced {
		s.resyncs.Add(1)
	}
	if err != nil {
		s.mu.Lock()
		s.lastError = err.Error()
		s.mu.Unlock()
	}
}

// RecordAspectRatio stores the latest pixel aspect ratio of a stream.
func (s *SessionStats) RecordAspectRatio(n uint8, x, y uint8) {
	s.stream(n).aspect.Store(uint32(x)<<8 | uint32(y))
}

// WarningKind maps a packet warning to a short label.
func WarningKind(err error) string {
	switch {
	case errors.Is(err, asf.ErrOrphanFragment):
		return "orphan_fragment"
	case errors.Is(err, asf.ErrFragmentGap):
		return "fragment_gap"
	case errors.Is(err, asf.ErrInvalidReplicatedData):
		return "invalid_replicated_data"
	case errors.Is(err, asf.ErrSubPayloadBounds):
		return "sub_payload_bounds"
	default:
		return "other"
	}
}

// Packets returns the number of packets recorded.
func (s *SessionStats) Packets() int64 {
	return s.packets.Load()
}

// Snapshot produces a point-in-time view of the session. Streams are
// ordered by stream number.
func (s *SessionStats) Snapshot() Snapshot {
	now := time.Now()
	snap := Snapshot{
		Timestamp:      now.UnixMilli(),
		UptimeMs:       now.Sub(s.started).Milliseconds(),
		Packets:        s.packets.Load(),
		PacketBytes:    s.packetBytes.Load(),
		Payloads:       s.payloads.Load(),
		Duplicates:     s.duplicates.Load(),
		ParseErrors:    s.parseErrors.Load(),
		Resyncs:        s.resyncs.Load(),
		LastSendTimeMs: time.Duration(s.sendTime.Load()).Milliseconds(),
	}

	s.mu.RLock()
	if len(s.warnings) > 0 {
		snap.Warnings = make(map[string]int64, len(s.warnings))
		for k, v := range s.warnings {
			snap.Warnings[k] = v
		}
	}
	snap.LastError = s.lastError
	snap.Streams = make([]StreamStats, 0, len(s.streams))
	for _, acc := range s.streams {
		snap.Streams = append(snap.Streams, acc.snapshot())
	}
	s.mu.RUnlock()

	sort.Slice(snap.Streams, func(i, j int) bool {
		return snap.Streams[i].StreamNumber < snap.Streams[j].StreamNumber
	})
	return snap
}

// snapshot must be called with the owning SessionStats.mu held.
func (acc *streamAccum) snapshot() StreamStats {
	st := StreamStats{
		StreamNumber: acc.number,
		Kind:         acc.kind.String(),
		Frames:       acc.frames.Load(),
		KeyFrames:    acc.keyFrames.Load(),
		Incomplete:   acc.incomplete.Load(),
		TotalBytes:   acc.bytes.Load(),
		FirstPTSMs:   time.Duration(acc.firstPTS.Load()).Milliseconds(),
		LastPTSMs:    time.Duration(acc.lastPTS.Load()).Milliseconds(),
		PTSErrors:    acc.ptsErrors.Load(),
	}
	switch f := acc.format.(type) {
	case *asfheader.VideoFormat:
		st.Codec = f.Compression
		st.Width, st.Height = f.Width, f.Height
	case *asfheader.AudioFormat:
		st.Codec = AudioCodecName(f.FormatTag)
		st.SampleRate, st.Channels = f.SampleRate, f.Channels
	}
	if span := acc.lastPTS.Load() - acc.firstPTS.Load(); span > 0 {
		st.BitrateKbps = float64(st.TotalBytes) * 8 / time.Duration(span).Seconds() / 1000
	}
	if a := acc.aspect.Load(); a != 0 {
		st.AspectRatio = formatAspect(uint8(a>>8), uint8(a))
	}
	return st
}
