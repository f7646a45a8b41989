// Package pipeline drives one ASF session from an input byte stream to a
// frame sink, collecting telemetry along the way.
package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/asfdemux/internal/demux"
	"github.com/zsiec/asfdemux/internal/media"
	"github.com/zsiec/asfdemux/internal/stats"
	"github.com/zsiec/asfdemux/internal/track"
)

// FrameSink receives every demuxed frame in dispatch order per kind.
// framewire.Writer implements it.
type FrameSink interface {
	WriteFrame(f *media.Frame) (int64, error)
}

// Snapshot is the JSON view of a pipeline served by the API.
type Snapshot struct {
	Key       string         `json:"key"`
	Origin    string         `json:"origin,omitempty"`
	Running   bool           `json:"running"`
	StartedAt int64          `json:"startedAt"`
	Error     string         `json:"error,omitempty"`
	Container *Container     `json:"container,omitempty"`
	Tracks    []track.Info   `json:"tracks"`
	Forwarded Forwarded      `json:"forwarded"`
	Stats     stats.Snapshot `json:"stats"`
}

// Container summarizes the File Properties of the session once the header
// is parsed.
type Container struct {
	MinPacketSize uint32 `json:"minPacketSize"`
	MaxPacketSize uint32 `json:"maxPacketSize"`
	PrerollMs     int64  `json:"prerollMs"`
	Broadcast     bool   `json:"broadcast"`
	Streams       int    `json:"streams"`
}

// Forwarded counts frames handed to the sink per output channel.
type Forwarded struct {
	Video      int64 `json:"video"`
	Audio      int64 `json:"audio"`
	Data       int64 `json:"data"`
	SinkBytes  int64 `json:"sinkBytes"`
	SinkErrors int64 `json:"sinkErrors"`
}

// Pipeline runs the session demuxer for one input and forwards its frames
// to a FrameSink.
type Pipeline struct {
	log       *slog.Logger
	key       string
	origin    string
	demuxer   *demux.Demuxer
	sink      FrameSink
	stats     *stats.SessionStats
	startTime time.Time

	running atomic.Bool
	lastErr atomic.Value

	videoForwarded atomic.Int64
	audioForwarded atomic.Int64
	dataForwarded  atomic.Int64
	sinkBytes      atomic.Int64
	sinkErrors     atomic.Int64
}

// New creates a Pipeline reading an ASF stream from input. A nil sink
// discards frames after counting them. If log is nil, slog.Default() is
// used.
func New(key string, input io.Reader, sink FrameSink, log *slog.Logger, opts ...func(*demux.Demuxer)) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("stream", key)
	p := &Pipeline{
		log:       log.With("component", "pipeline"),
		key:       key,
		sink:      sink,
		stats:     stats.NewSessionStats(),
		startTime: time.Now(),
	}
	p.demuxer = demux.NewDemuxer(input, log, opts...)
	p.demuxer.SetStats(p.stats)
	return p
}

// SetOrigin records where the input came from (for example "srt-listen").
func (p *Pipeline) SetOrigin(origin string) {
	p.origin = origin
}

// Key returns the stream key.
func (p *Pipeline) Key() string { return p.key }

// Stats returns the session telemetry collector.
func (p *Pipeline) Stats() *stats.SessionStats { return p.stats }

// Demuxer returns the session demuxer.
func (p *Pipeline) Demuxer() *demux.Demuxer { return p.demuxer }

// Snapshot returns a point-in-time view of the pipeline.
func (p *Pipeline) Snapshot() Snapshot {
	errMsg, _ := p.lastErr.Load().(string)
	var container *Container
	if h := p.demuxer.Header(); h != nil {
		container = &Container{
			MinPacketSize: h.File.MinPacketSize,
			MaxPacketSize: h.File.MaxPacketSize,
			PrerollMs:     h.File.Preroll.Milliseconds(),
			Broadcast:     h.File.Broadcast,
			Streams:       len(h.Streams),
		}
	}
	return Snapshot{
		Key:       p.key,
		Origin:    p.origin,
		Running:   p.running.Load(),
		StartedAt: p.startTime.UnixMilli(),
		Error:     errMsg,
		Container: container,
		Tracks:    p.demuxer.Registry().List(),
		Forwarded: Forwarded{
			Video:      p.videoForwarded.Load(),
			Audio:      p.audioForwarded.Load(),
			Data:       p.dataForwarded.Load(),
			SinkBytes:  p.sinkBytes.Load(),
			SinkErrors: p.sinkErrors.Load(),
		},
		Stats: p.stats.Snapshot(),
	}
}

// Run demuxes the input until it ends, the sink fails, or ctx is
// cancelled. It returns the demuxer's error, or the first sink error.
func (p *Pipeline) Run(ctx context.Context) error {
	p.running.Store(true)
	defer p.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	demuxErr := make(chan error, 1)
	go func() {
		demuxErr <- p.demuxer.Run(ctx)
	}()

	videoCh := p.demuxer.Video()
	audioCh := p.demuxer.Audio()
	dataCh := p.demuxer.Data()
	headerReady := p.demuxer.HeaderReady()

	var sinkErr error
	forward := func(f *media.Frame, counter *atomic.Int64) {
		counter.Add(1)
		if p.sink == nil || sinkErr != nil {
			return
		}
		n, err := p.sink.WriteFrame(f)
		if err != nil {
			sinkErr = err
			p.sinkErrors.Add(1)
			p.log.Error("sink write failed", "error", err)
			cancel()
			return
		}
		p.sinkBytes.Add(n)
	}

	for videoCh != nil || audioCh != nil || dataCh != nil {
		// Video first so the higher-rate audio cannot starve it.
		if videoCh != nil {
			select {
			case f, ok := <-videoCh:
				if !ok {
					videoCh = nil
				} else {
					forward(f, &p.videoForwarded)
				}
				continue
			default:
			}
		}

		select {
		case <-headerReady:
			headerReady = nil
			if h := p.demuxer.Header(); h != nil {
				p.log.Info("stream header",
					"streams", len(h.Streams),
					"packet_size", h.File.MinPacketSize,
					"broadcast", h.File.Broadcast,
				)
			}
		case f, ok := <-videoCh:
			if !ok {
				videoCh = nil
				continue
			}
			forward(f, &p.videoForwarded)
		case f, ok := <-audioCh:
			if !ok {
				audioCh = nil
				continue
			}
			forward(f, &p.audioForwarded)
		case f, ok := <-dataCh:
			if !ok {
				dataCh = nil
				continue
			}
			forward(f, &p.dataForwarded)
		}
	}

	err := <-demuxErr
	if sinkErr != nil {
		err = sinkErr
	}
	if err != nil && err != context.Canceled {
		p.lastErr.Store(err.Error())
	}
	p.log.Info("pipeline finished",
		"packets", p.stats.Packets(),
		"video", p.videoForwarded.Load(),
		"audio", p.audioForwarded.Load(),
		"data", p.dataForwarded.Load(),
		"error", err,
	)
	return err
}
