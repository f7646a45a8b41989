// Package asf implements the ASF data packet engine. It turns fixed-size
// data packets into complete per-stream media frames: it decodes the
// bit-packed packet and payload headers, reassembles fragmented media
// objects, expands compressed payloads, suppresses duplicated payloads and
// resolves presentation timestamps.
//
// The engine is synchronous and not reentrant. One Demuxer serves one
// open file or live session; track state is owned by the caller's registry
// and reached through [Handler].
package asf

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/zsiec/asfdemux/internal/media"
)

// Status is the outcome of one DemuxPacket call.
type Status int

// DemuxPacket outcomes.
const (
	// StatusContinue means a packet was consumed.
	StatusContinue Status = iota
	// StatusNeedMoreData means fewer bytes are available than the next
	// packet needs. Nothing was consumed.
	StatusNeedMoreData
	// StatusFatal means the packet at the current position is
	// structurally invalid. Nothing was consumed; with fixed-size packets
	// the caller can resynchronize one packet further on.
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusContinue:
		return "continue"
	case StatusNeedMoreData:
		return "need-more-data"
	case StatusFatal:
		return "fatal"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Region is the data packet geometry declared by the container header.
type Region struct {
	MinPacketSize uint32
	MaxPacketSize uint32

	// Start and End bound the data packets in the source. End is -1 when
	// the extent is unknown.
	Start int64
	End   int64
}

// FixedSize reports whether every packet has the same size, which is what
// makes resynchronization after a structural error possible.
func (r Region) FixedSize() bool {
	return r.MinPacketSize == r.MaxPacketSize
}

// Result reports what one DemuxPacket call did.
type Result struct {
	Status     Status
	PacketSize int
	SendTime   time.Duration

	Payloads   int
	Frames     int
	Duplicates int
	Skipped    int

	// Preroll is the preroll in effect after the call. PrerollDerived is
	// set when it was derived from a presentation time because the caller
	// passed PrerollFromCurrent; the caller decides whether to keep it.
	Preroll        time.Duration
	PrerollDerived bool

	// Warnings lists recoverable problems such as orphan fragments.
	Warnings []error
}

func (r *Result) warn(err error) {
	r.Warnings = append(r.Warnings, err)
}

// Demuxer demultiplexes ASF data packets read from a Source.
type Demuxer struct {
	log     *slog.Logger
	src     Source
	handler Handler

	skipper    Skipper
	sendTimes  SendTimeUpdater
	trackTimes TrackTimeUpdater
	aspect     AspectRatioSetter

	deduplicate   bool
	keepFragments bool
	timing        SubPayloadTiming

	serial uint64
}

// NewDemuxer creates a Demuxer reading packets from src and reporting to h.
// Optional Handler interfaces (Skipper, SendTimeUpdater, TrackTimeUpdater,
// AspectRatioSetter) are detected here. If log is nil, slog.Default() is
// used.
func NewDemuxer(src Source, h Handler, log *slog.Logger, opts ...func(*Demuxer)) *Demuxer {
	if log == nil {
		log = slog.Default()
	}
	d := &Demuxer{
		log:         log.With("component", "asf-packet"),
		src:         src,
		handler:     h,
		deduplicate: true,
	}
	d.skipper, _ = h.(Skipper)
	d.sendTimes, _ = h.(SendTimeUpdater)
	d.trackTimes, _ = h.(TrackTimeUpdater)
	d.aspect, _ = h.(AspectRatioSetter)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DemuxerOptDeduplicate enables or disables duplicate payload suppression
// (enabled by default).
func DemuxerOptDeduplicate(enabled bool) func(*Demuxer) {
	return func(d *Demuxer) {
		d.deduplicate = enabled
	}
}

// DemuxerOptMultiplePackets keeps per-fragment boundaries in
// media.Frame.Fragments for sinks that split concatenated buffers.
func DemuxerOptMultiplePackets() func(*Demuxer) {
	return func(d *Demuxer) {
		d.keepFragments = true
	}
}

// DemuxerOptSubPayloadTiming selects the compressed payload timing strategy.
func DemuxerOptSubPayloadTiming(t SubPayloadTiming) func(*Demuxer) {
	return func(d *Demuxer) {
		d.timing = t
	}
}

// DemuxPacket parses the data packet at the source's current position and
// dispatches every frame it completes. preroll is subtracted from
// presentation times; pass PrerollFromCurrent to derive it from the
// stream. A non-nil error is returned exactly when the status is
// StatusFatal.
func (d *Demuxer) DemuxPacket(region Region, preroll time.Duration) (Result, error) {
	res := Result{Preroll: preroll}

	minSize := int64(region.MinPacketSize)
	readSize := int64(region.MaxPacketSize)
	if readSize < minSize {
		readSize = minSize
	}

	pos := d.src.Offset()
	if pos < region.Start || minSize == 0 {
		res.Status = StatusNeedMoreData
		return res, nil
	}
	if region.End >= 0 {
		left := region.End - pos
		if left < minSize {
			res.Status = StatusNeedMoreData
			return res, nil
		}
		if left < readSize {
			readSize = left
		}
	}

	buf, err := d.src.Peek(int(readSize))
	if int64(len(buf)) < minSize {
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return d.fatal(res, fmt.Errorf("asf: read packet at %d: %w", pos, err))
		}
		d.log.Debug("packet truncated", "offset", pos, "have", len(buf), "need", minSize)
		res.Status = StatusNeedMoreData
		return res, nil
	}

	d.serial++
	hdr, err := parsePacketHeader(buf, region.MinPacketSize)
	if err != nil {
		return d.fatal(res, err)
	}
	if int64(hdr.length) > int64(len(buf)) {
		if int64(hdr.length) > readSize || (region.End >= 0 && int64(hdr.length) > region.End-pos) {
			return d.fatal(res, &ParseError{
				Field:  "packet length",
				Offset: 0,
				Err:    fmt.Errorf("%w: %d bytes exceeds %d", ErrMalformedPacket, hdr.length, readSize),
			})
		}
		res.Status = StatusNeedMoreData
		return res, nil
	}

	res.SendTime = hdr.sendTime
	if d.sendTimes != nil {
		d.sendTimes.UpdateSendTime(hdr.sendTime)
	}

	d.log.Debug("packet",
		"offset", pos,
		"length", hdr.length,
		"padding", hdr.padding,
		"send_time", hdr.sendTime,
		"payloads", hdr.payloadCount,
	)

	clk := &clock{preroll: preroll}
	c := &cursor{buf: buf[:hdr.length], pos: hdr.size}
	for i := 0; i < hdr.payloadCount; i++ {
		p, warning, err := parsePayload(c, &hdr)
		if err != nil {
			d.log.Warn("payload error", "payload", i+1, "count", hdr.payloadCount, "error", err)
			return d.fatal(res, err)
		}
		res.Payloads++
		if warning != nil {
			// The remainder of the packet was consumed with this payload.
			d.log.Warn("skipping payload", "payload", i+1, "error", warning)
			res.warn(warning)
			break
		}
		d.handlePayload(&p, &hdr, clk, &res)
	}

	if left := len(c.buf) - c.pos; left != int(hdr.padding) {
		d.log.Debug("packet leftover differs from padding", "left", left, "padding", hdr.padding)
	}

	if _, err := d.src.Discard(int(hdr.length)); err != nil {
		return d.fatal(res, fmt.Errorf("asf: consume packet at %d: %w", pos, err))
	}

	res.Status = StatusContinue
	res.PacketSize = int(hdr.length)
	res.Preroll = clk.preroll
	res.PrerollDerived = clk.derived
	return res, nil
}

func (d *Demuxer) fatal(res Result, err error) (Result, error) {
	d.log.Warn("unsupported packet", "offset", d.src.Offset(), "error", err)
	res.Status = StatusFatal
	return res, err
}

func (d *Demuxer) handlePayload(p *payload, hdr *packetHeader, clk *clock, res *Result) {
	t := d.handler.Track(p.streamNumber)
	if t == nil {
		res.Skipped++
		return
	}
	t.countPayload(d.serial)

	if len(p.body) == 0 {
		d.log.Debug("empty payload", "stream", p.streamNumber, "object", p.objectNumber, "offset", p.offset)
		return
	}

	if problem := p.applyExtensions(t.Extended); problem != "" {
		d.log.Debug("payload extension", "stream", p.streamNumber, "problem", problem)
	}

	d.log.Debug("payload",
		"stream", p.streamNumber,
		"object", p.objectNumber,
		"offset", p.offset,
		"replicated", p.replicatedLength,
		"length", len(p.body),
		"key", p.keyFrame,
	)

	if d.skipper != nil && d.skipper.SkipPayload(p.streamNumber, p.keyFrame) {
		t.dropPending()
		res.Skipped++
		return
	}

	if p.compressed {
		d.expandCompressed(t, p, clk, res)
		return
	}

	if d.deduplicate && t.isDuplicate(p.objectNumber, p.offset) {
		d.log.Debug("dropping duplicate", "stream", p.streamNumber, "object", p.objectNumber, "offset", p.offset)
		res.Duplicates++
		return
	}

	if p.hasAspect && d.aspect != nil {
		d.aspect.SetAspectRatio(p.streamNumber, p.aspectX, p.aspectY)
	}
	d.reassemble(t, p, hdr, clk, res)
}

func (d *Demuxer) reassemble(t *Track, p *payload, hdr *packetHeader, clk *clock, res *Result) {
	if p.offset == 0 {
		d.flush(t, p.streamNumber, res)

		pt, explicit := p.presentationTime()
		ts := clk.resolve(t, pt, explicit, hdr.sendTime)
		t.startObject(&media.Frame{
			StreamNumber: p.streamNumber,
			ObjectNumber: p.objectNumber,
			PTS:          ts,
			DTS:          ts,
			HasPTS:       explicit,
			Duration:     p.duration,
			KeyFrame:     p.keyFrame,
		}, p.objectSize)
		d.observe(t, p.streamNumber, ts)
	} else {
		var problem error
		switch {
		case t.pending == nil:
			problem = ErrOrphanFragment
		case t.pending.ObjectNumber != p.objectNumber:
			problem = ErrOrphanFragment
			t.dropPending()
		case int64(p.offset) != int64(len(t.pending.Data)):
			problem = ErrFragmentGap
			t.dropPending()
		}
		if problem != nil {
			err := fmt.Errorf("%w: stream %d object %d offset %d", problem, p.streamNumber, p.objectNumber, p.offset)
			d.log.Warn("dropping fragment", "error", err)
			res.warn(err)
			return
		}
	}

	t.appendFragment(p.body, d.keepFragments)
	if t.complete() {
		d.flush(t, p.streamNumber, res)
	}
}

// expandCompressed dispatches each length-prefixed sub-payload of p as a
// complete frame.
func (d *Demuxer) expandCompressed(t *Track, p *payload, clk *clock, res *Result) {
	d.flush(t, p.streamNumber, res)

	pt, _ := p.presentationTime()
	base := clk.fromPresentation(pt)
	step := subPayloadStep(d.timing, p.ptsDelta, t)

	body := p.body
	for i := 0; len(body) > 0; {
		n := int(body[0])
		body = body[1:]
		if n > len(body) {
			err := fmt.Errorf("%w: stream %d sub-payload %d needs %d bytes, %d left",
				ErrSubPayloadBounds, p.streamNumber, i, n, len(body))
			d.log.Warn("truncated compressed payload", "error", err)
			res.warn(err)
			return
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, body[:n])
		body = body[n:]

		ts := base + time.Duration(i)*step
		f := &media.Frame{
			StreamNumber: p.streamNumber,
			ObjectNumber: p.objectNumber,
			Data:         data,
			PTS:          ts,
			DTS:          ts,
			HasPTS:       true,
			Duration:     p.duration,
			KeyFrame:     p.keyFrame,
		}
		if d.keepFragments {
			f.Fragments = []int{n}
		}
		d.observe(t, p.streamNumber, ts)
		d.handler.Send(p.streamNumber, f)
		res.Frames++
		i++
	}
}

func (d *Demuxer) observe(t *Track, streamNumber uint8, ts time.Duration) {
	t.observePTS(ts)
	if d.trackTimes != nil {
		d.trackTimes.UpdateTrackTime(streamNumber, ts)
	}
}

// flush dispatches the pending frame of t, if any.
func (d *Demuxer) flush(t *Track, streamNumber uint8, res *Result) {
	f := t.takePending()
	if f == nil || len(f.Data) == 0 {
		return
	}
	d.handler.Send(streamNumber, f)
	if res != nil {
		res.Frames++
	}
}

// FlushTrack dispatches the partially reassembled frame of a stream, as at
// end of input. It reports whether a frame was sent.
func (d *Demuxer) FlushTrack(streamNumber uint8) bool {
	t := d.handler.Track(streamNumber)
	if t == nil || t.pending == nil || len(t.pending.Data) == 0 {
		return false
	}
	d.flush(t, streamNumber, nil)
	return true
}
