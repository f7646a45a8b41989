package demux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/asfdemux/internal/asf"
	"github.com/zsiec/asfdemux/internal/asfheader"
	"github.com/zsiec/asfdemux/internal/media"
	"github.com/zsiec/asfdemux/internal/track"
)

// ErrNoPacketSize is returned when the header declares a zero minimum data
// packet size, which leaves no way to frame the data region.
var ErrNoPacketSize = errors.New("demux: header declares no data packet size")

// StatsRecorder is the interface accepted by Demuxer for recording session
// telemetry. stats.SessionStats implements it.
type StatsRecorder interface {
	RecordStream(streamNumber uint8, kind asfheader.Kind, format asfheader.Format)
	RecordPacket(size int, sendTime time.Duration, payloads int)
	RecordFrame(streamNumber uint8, bytes int, keyFrame bool, pts time.Duration, incomplete bool)
	RecordDuplicates(n int)
	RecordWarning(err error)
	RecordParseError(err error, resynced bool)
	RecordAspectRatio(streamNumber uint8, x, y uint8)
}

// Demuxer splits an ASF byte stream into per-stream frames. Output is
// delivered through the channels returned by Video, Audio and Data.
type Demuxer struct {
	log      *slog.Logger
	reader   io.Reader
	videoCh  chan *media.Frame
	audioCh  chan *media.Frame
	dataCh   chan *media.Frame
	registry *track.Registry
	stats    StatsRecorder

	disabled   map[uint8]bool
	engineOpts []func(*asf.Demuxer)

	prerollOverride bool
	preroll         time.Duration

	header      *asfheader.Header
	headerReady chan struct{}

	sendTime atomic.Int64
	packets  atomic.Int64
	resyncs  atomic.Int64
}

// DemuxerOptDisableStreams suppresses buffering and dispatch for the given
// stream numbers. Their payloads are still parsed.
func DemuxerOptDisableStreams(streams ...uint8) func(*Demuxer) {
	return func(d *Demuxer) {
		for _, n := range streams {
			d.disabled[n] = true
		}
	}
}

// DemuxerOptEngine passes options through to the packet engine.
func DemuxerOptEngine(opts ...func(*asf.Demuxer)) func(*Demuxer) {
	return func(d *Demuxer) {
		d.engineOpts = append(d.engineOpts, opts...)
	}
}

// DemuxerOptPreroll overrides the preroll declared by the header.
// asf.PrerollFromCurrent derives it from the first presentation time.
func DemuxerOptPreroll(p time.Duration) func(*Demuxer) {
	return func(d *Demuxer) {
		d.prerollOverride = true
		d.preroll = p
	}
}

// DemuxerOptRegistry uses r instead of a private track registry.
func DemuxerOptRegistry(r *track.Registry) func(*Demuxer) {
	return func(d *Demuxer) {
		d.registry = r
	}
}

// NewDemuxer creates a Demuxer that reads an ASF stream from r. Call Run to
// begin demuxing and read from the Video, Audio and Data channels. If log
// is nil, slog.Default() is used.
func NewDemuxer(r io.Reader, log *slog.Logger, opts ...func(*Demuxer)) *Demuxer {
	if log == nil {
		log = slog.Default()
	}
	d := &Demuxer{
		log:         log.With("component", "demux"),
		reader:      r,
		videoCh:     make(chan *media.Frame, media.VideoBufferSize),
		audioCh:     make(chan *media.Frame, media.AudioBufferSize),
		dataCh:      make(chan *media.Frame, media.DataBufferSize),
		disabled:    make(map[uint8]bool),
		headerReady: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.registry == nil {
		d.registry = track.NewRegistry(log)
	}
	return d
}

// Video returns the channel on which frames of video streams are delivered.
func (d *Demuxer) Video() <-chan *media.Frame {
	return d.videoCh
}

// Audio returns the channel on which frames of audio streams are delivered.
func (d *Demuxer) Audio() <-chan *media.Frame {
	return d.audioCh
}

// Data returns the channel on which frames of every other stream type
// (command, binary, file transfer) are delivered.
func (d *Demuxer) Data() <-chan *media.Frame {
	return d.dataCh
}

// HeaderReady returns a channel that is closed once the header has been
// parsed and every stream is registered.
func (d *Demuxer) HeaderReady() <-chan struct{} {
	return d.headerReady
}

// Header returns the parsed header. It is nil until HeaderReady is closed.
func (d *Demuxer) Header() *asfheader.Header {
	select {
	case <-d.headerReady:
		return d.header
	default:
		return nil
	}
}

// Registry returns the track registry of the session.
func (d *Demuxer) Registry() *track.Registry {
	return d.registry
}

// SetStats attaches a StatsRecorder that receives telemetry for every
// packet, frame, warning and parse error. Call before Run.
func (d *Demuxer) SetStats(s StatsRecorder) {
	d.stats = s
}

// SendTime returns the send time of the most recently parsed packet.
func (d *Demuxer) SendTime() time.Duration {
	return time.Duration(d.sendTime.Load())
}

// Packets returns the number of data packets consumed so far.
func (d *Demuxer) Packets() int64 {
	return d.packets.Load()
}

// Resyncs returns how many packets were skipped after structural errors.
func (d *Demuxer) Resyncs() int64 {
	return d.resyncs.Load()
}

// Run reads the header and then every data packet until the data region or
// the reader is exhausted, or ctx is cancelled. Partially reassembled
// frames are flushed at end of input. Run closes all output channels on
// return.
func (d *Demuxer) Run(ctx context.Context) error {
	defer close(d.videoCh)
	defer close(d.audioCh)
	defer close(d.dataCh)

	h, err := asfheader.Parse(d.reader)
	if err != nil {
		return fmt.Errorf("demux: %w", err)
	}
	if h.File.MinPacketSize == 0 {
		return ErrNoPacketSize
	}
	d.header = h
	d.registerTracks(h)
	close(d.headerReady)

	preroll := h.File.Preroll
	if d.prerollOverride {
		preroll = d.preroll
	}
	region := asf.Region{
		MinPacketSize: h.File.MinPacketSize,
		MaxPacketSize: h.File.MaxPacketSize,
		Start:         h.DataStart,
		End:           h.DataEnd,
	}
	d.log.Info("header parsed",
		"streams", d.registry.Len(),
		"packet_size", region.MinPacketSize,
		"preroll", preroll,
		"broadcast", h.File.Broadcast,
	)

	sink := &sink{d: d, ctx: ctx}
	src := asf.NewReaderSource(d.reader, h.DataStart, int(max(region.MinPacketSize, region.MaxPacketSize)))
	engine := asf.NewDemuxer(src, sink, d.log, d.engineOpts...)
	defer func() {
		for _, n := range d.registry.StreamNumbers() {
			engine.FlushTrack(n)
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		res, err := engine.DemuxPacket(region, preroll)
		switch res.Status {
		case asf.StatusContinue:
			d.packets.Add(1)
			if res.PrerollDerived {
				d.log.Debug("preroll derived from stream", "preroll", res.Preroll)
				preroll = res.Preroll
			}
			d.record(res)

		case asf.StatusNeedMoreData:
			d.log.Debug("end of data", "offset", src.Offset(), "packets", d.packets.Load())
			return nil

		case asf.StatusFatal:
			if !region.FixedSize() {
				d.log.Error("unrecoverable packet error", "offset", src.Offset(), "error", err)
				if d.stats != nil {
					d.stats.RecordParseError(err, false)
				}
				return fmt.Errorf("demux: variable-size packet at %d: %w", src.Offset(), err)
			}
			if d.stats != nil {
				d.stats.RecordParseError(err, true)
			}
			d.log.Warn("skipping corrupt packet", "offset", src.Offset(), "error", err)
			n, derr := src.Discard(int(region.MinPacketSize))
			d.resyncs.Add(1)
			if derr != nil || n < int(region.MinPacketSize) {
				return nil
			}
		}
	}
}

func (d *Demuxer) registerTracks(h *asfheader.Header) {
	added := d.registry.RegisterHeader(h)
	for _, info := range d.registry.List() {
		d.log.Info("found stream", "stream", info.StreamNumber, "kind", info.Kind, "disabled", d.disabled[info.StreamNumber])
		if d.stats != nil {
			d.stats.RecordStream(info.StreamNumber, info.Kind, info.Format)
		}
	}
	if skipped := len(h.Streams) - added; skipped > 0 {
		d.log.Debug("streams already registered", "count", skipped)
	}
}

func (d *Demuxer) record(res asf.Result) {
	for _, w := range res.Warnings {
		d.log.Debug("packet warning", "error", w)
	}
	if d.stats == nil {
		return
	}
	d.stats.RecordPacket(res.PacketSize, res.SendTime, res.Payloads)
	if res.Duplicates > 0 {
		d.stats.RecordDuplicates(res.Duplicates)
	}
	for _, w := range res.Warnings {
		d.stats.RecordWarning(w)
	}
}

// sink adapts the session to the packet engine's Handler interfaces.
type sink struct {
	d   *Demuxer
	ctx context.Context
}

func (s *sink) Track(streamNumber uint8) *asf.Track {
	return s.d.registry.Get(streamNumber)
}

func (s *sink) SkipPayload(streamNumber uint8, _ bool) bool {
	return s.d.disabled[streamNumber]
}

func (s *sink) UpdateSendTime(sendTime time.Duration) {
	s.d.sendTime.Store(int64(sendTime))
}

func (s *sink) SetAspectRatio(streamNumber uint8, x, y uint8) {
	if s.d.stats != nil {
		s.d.stats.RecordAspectRatio(streamNumber, x, y)
	}
}

func (s *sink) Send(streamNumber uint8, f *media.Frame) {
	t := s.d.registry.Get(streamNumber)
	if t == nil {
		return
	}
	if s.d.stats != nil {
		s.d.stats.RecordFrame(streamNumber, f.Len(), f.KeyFrame, f.PTS, f.Incomplete)
	}

	ch := s.d.dataCh
	switch t.Kind() {
	case asfheader.KindVideo:
		ch = s.d.videoCh
	case asfheader.KindAudio:
		ch = s.d.audioCh
	}
	select {
	case ch <- f:
	case <-s.ctx.Done():
	}
}
