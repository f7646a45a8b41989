package demux

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/asfdemux/internal/asf"
	"github.com/zsiec/asfdemux/internal/asfheader"
	"github.com/zsiec/asfdemux/internal/asftest"
	"github.com/zsiec/asfdemux/internal/media"
	"github.com/zsiec/asfdemux/internal/track"
)

const packetSize = 512

type collected struct {
	video, audio, data []*media.Frame
}

// runDemuxer runs d to completion while draining every output channel.
func runDemuxer(t *testing.T, d *Demuxer) (collected, error) {
	t.Helper()
	var c collected
	var wg sync.WaitGroup
	drain := func(ch <-chan *media.Frame, out *[]*media.Frame) {
		defer wg.Done()
		for f := range ch {
			*out = append(*out, f)
		}
	}
	wg.Add(3)
	go drain(d.Video(), &c.video)
	go drain(d.Audio(), &c.audio)
	go drain(d.Data(), &c.data)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := d.Run(ctx)
	wg.Wait()
	return c, err
}

func testStreams() []asftest.Stream {
	return []asftest.Stream{
		{Number: 1, Kind: asfheader.KindVideo, Width: 320, Height: 240, FourCC: "WMV2"},
		{Number: 2, Kind: asfheader.KindAudio, FormatTag: 0x0161, Channels: 2, SampleRate: 48000},
		{Number: 3},
	}
}

func framePacket(sendTime time.Duration, payloads ...asftest.Payload) []byte {
	return asftest.Packet{Size: packetSize, SendTime: sendTime, Payloads: payloads}.Bytes()
}

type fakeStats struct {
	mu          sync.Mutex
	streams     int
	packets     int
	frames      map[uint8]int
	incomplete  int
	duplicates  int
	warnings    []error
	parseErrors int
	resynced    int
	aspect      map[uint8][2]uint8
}

func newFakeStats() *fakeStats {
	return &fakeStats{frames: make(map[uint8]int), aspect: make(map[uint8][2]uint8)}
}

func (s *fakeStats) RecordStream(uint8, asfheader.Kind, asfheader.Format) {
	s.mu.Lock()
	s.streams++
	s.mu.Unlock()
}

func (s *fakeStats) RecordPacket(int, time.Duration, int) {
	s.mu.Lock()
	s.packets++
	s.mu.Unlock()
}

func (s *fakeStats) RecordFrame(n uint8, _ int, _ bool, _ time.Duration, incomplete bool) {
	s.mu.Lock()
	s.frames[n]++
	if incomplete {
		s.incomplete++
	}
	s.mu.Unlock()
}

func (s *fakeStats) RecordDuplicates(n int) {
	s.mu.Lock()
	s.duplicates += n
	s.mu.Unlock()
}

func (s *fakeStats) RecordWarning(err error) {
	s.mu.Lock()
	s.warnings = append(s.warnings, err)
	s.mu.Unlock()
}

func (s *fakeStats) RecordParseError(_ error, resynced bool) {
	s.mu.Lock()
	s.parseErrors++
	if resynced {
		s.resynced++
	}
	s.mu.Unlock()
}

func (s *fakeStats) RecordAspectRatio(n uint8, x, y uint8) {
	s.mu.Lock()
	s.aspect[n] = [2]uint8{x, y}
	s.mu.Unlock()
}

func TestDemuxerRun(t *testing.T) {
	t.Parallel()
	f := asftest.File{
		PacketSize: packetSize,
		Preroll:    time.Second,
		Streams:    testStreams(),
		Packets: [][]byte{
			framePacket(900*time.Millisecond,
				asftest.Payload{Stream: 1, Key: true, Object: 1, ObjectSize: 300, PTS: time.Second, Data: asftest.Fill(200, 0)},
				asftest.Payload{Stream: 2, Object: 1, ObjectSize: 100, PTS: time.Second, Data: asftest.Fill(100, 0)},
			),
			framePacket(950*time.Millisecond,
				asftest.Payload{Stream: 1, Object: 1, Offset: 200, ObjectSize: 300, PTS: time.Second, Data: asftest.Fill(100, 0)},
				asftest.Payload{Stream: 3, Object: 1, ObjectSize: 16, PTS: 1100 * time.Millisecond, Data: asftest.Fill(16, 0)},
				asftest.Payload{Stream: 2, Object: 2, ObjectSize: 100, PTS: 1020 * time.Millisecond, Data: asftest.Fill(100, 0)},
			),
			framePacket(1000*time.Millisecond,
				asftest.Payload{Stream: 1, Object: 2, ObjectSize: 300, PTS: 1040 * time.Millisecond, Data: asftest.Fill(50, 0)},
			),
		},
	}

	stats := newFakeStats()
	d := NewDemuxer(bytes.NewReader(f.Bytes()), nil)
	d.SetStats(stats)
	got, err := runDemuxer(t, d)
	if err != nil {
		t.Fatal(err)
	}

	if len(got.video) != 2 {
		t.Fatalf("video frames = %d, want 2", len(got.video))
	}
	if v := got.video[0]; len(v.Data) != 300 || !v.KeyFrame || v.PTS != 0 || v.Incomplete {
		t.Errorf("video 0: len=%d key=%v pts=%v incomplete=%v", len(v.Data), v.KeyFrame, v.PTS, v.Incomplete)
	}
	if v := got.video[1]; len(v.Data) != 50 || !v.Incomplete || v.PTS != 40*time.Millisecond {
		t.Errorf("video 1 (flushed at EOF): len=%d incomplete=%v pts=%v", len(v.Data), v.Incomplete, v.PTS)
	}
	if len(got.audio) != 2 || got.audio[1].PTS != 20*time.Millisecond {
		t.Errorf("audio frames = %d", len(got.audio))
	}
	if len(got.data) != 1 || got.data[0].StreamNumber != 3 {
		t.Errorf("data frames = %d", len(got.data))
	}

	if d.Packets() != 3 || d.Resyncs() != 0 {
		t.Errorf("packets=%d resyncs=%d", d.Packets(), d.Resyncs())
	}
	if d.SendTime() != time.Second {
		t.Errorf("SendTime = %v, want 1s", d.SendTime())
	}
	if h := d.Header(); h == nil || len(h.Streams) != 3 {
		t.Error("header not available after Run")
	}
	if d.Registry().Len() != 3 {
		t.Errorf("registered tracks = %d, want 3", d.Registry().Len())
	}

	stats.mu.Lock()
	defer stats.mu.Unlock()
	if stats.streams != 3 || stats.packets != 3 {
		t.Errorf("stats streams=%d packets=%d", stats.streams, stats.packets)
	}
	if stats.frames[1] != 2 || stats.frames[2] != 2 || stats.frames[3] != 1 || stats.incomplete != 1 {
		t.Errorf("stats frames=%v incomplete=%d", stats.frames, stats.incomplete)
	}
}

func TestDemuxerResync(t *testing.T) {
	t.Parallel()
	corrupt := framePacket(0, asftest.Payload{Stream: 1, Object: 1, ObjectSize: 10, Data: asftest.Fill(10, 0)})
	corrupt[0] = 0x85 // unsupported error correction

	f := asftest.File{
		PacketSize: packetSize,
		Streams:    testStreams(),
		Packets: [][]byte{
			framePacket(0, asftest.Payload{Stream: 2, Object: 1, ObjectSize: 10, Data: asftest.Fill(10, 0)}),
			corrupt,
			framePacket(0, asftest.Payload{Stream: 2, Object: 2, ObjectSize: 10, PTS: 20 * time.Millisecond, Data: asftest.Fill(10, 0)}),
		},
	}

	stats := newFakeStats()
	d := NewDemuxer(bytes.NewReader(f.Bytes()), nil)
	d.SetStats(stats)
	got, err := runDemuxer(t, d)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.audio) != 2 {
		t.Errorf("audio frames = %d, want 2 around the corrupt packet", len(got.audio))
	}
	if d.Resyncs() != 1 || d.Packets() != 2 {
		t.Errorf("resyncs=%d packets=%d", d.Resyncs(), d.Packets())
	}
	stats.mu.Lock()
	defer stats.mu.Unlock()
	if stats.parseErrors != 1 || stats.resynced != 1 {
		t.Errorf("parse errors=%d resynced=%d", stats.parseErrors, stats.resynced)
	}
}

func TestDemuxerDisableStreams(t *testing.T) {
	t.Parallel()
	f := asftest.File{
		PacketSize: packetSize,
		Streams:    testStreams(),
		Packets: [][]byte{
			framePacket(0,
				asftest.Payload{Stream: 1, Object: 1, ObjectSize: 10, Data: asftest.Fill(10, 0)},
				asftest.Payload{Stream: 2, Object: 1, ObjectSize: 10, Data: asftest.Fill(10, 0)},
			),
		},
	}

	d := NewDemuxer(bytes.NewReader(f.Bytes()), nil, DemuxerOptDisableStreams(1))
	got, err := runDemuxer(t, d)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.video) != 0 || len(got.audio) != 1 {
		t.Errorf("video=%d audio=%d, want 0/1", len(got.video), len(got.audio))
	}
}

func TestDemuxerDerivedPreroll(t *testing.T) {
	t.Parallel()
	f := asftest.File{
		PacketSize: packetSize,
		Streams:    testStreams(),
		Packets: [][]byte{
			framePacket(0, asftest.Payload{Stream: 2, Object: 1, ObjectSize: 8, PTS: 7 * time.Second, Data: asftest.Fill(8, 0)}),
			framePacket(0, asftest.Payload{Stream: 2, Object: 2, ObjectSize: 8, PTS: 7100 * time.Millisecond, Data: asftest.Fill(8, 0)}),
		},
	}

	d := NewDemuxer(bytes.NewReader(f.Bytes()), nil, DemuxerOptPreroll(asf.PrerollFromCurrent))
	got, err := runDemuxer(t, d)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.audio) != 2 {
		t.Fatalf("audio frames = %d", len(got.audio))
	}
	if got.audio[0].PTS != 0 || got.audio[1].PTS != 100*time.Millisecond {
		t.Errorf("PTS = %v, %v; want 0, 100ms", got.audio[0].PTS, got.audio[1].PTS)
	}
}

func TestDemuxerEngineOptions(t *testing.T) {
	t.Parallel()
	pkt := framePacket(0, asftest.Payload{Stream: 2, Object: 4, ObjectSize: 8, Data: asftest.Fill(8, 0)})
	f := asftest.File{PacketSize: packetSize, Streams: testStreams(), Packets: [][]byte{pkt, pkt}}

	stats := newFakeStats()
	d := NewDemuxer(bytes.NewReader(f.Bytes()), nil)
	d.SetStats(stats)
	got, err := runDemuxer(t, d)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.audio) != 1 || stats.duplicates != 1 {
		t.Errorf("deduplicated: audio=%d duplicates=%d", len(got.audio), stats.duplicates)
	}

	d = NewDemuxer(bytes.NewReader(f.Bytes()), nil, DemuxerOptEngine(asf.DemuxerOptDeduplicate(false)))
	got, err = runDemuxer(t, d)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.audio) != 2 {
		t.Errorf("without deduplication: audio=%d, want 2", len(got.audio))
	}
}

func TestDemuxerBadHeader(t *testing.T) {
	t.Parallel()
	d := NewDemuxer(bytes.NewReader([]byte("definitely not an asf file, but long enough to read")), nil)
	_, err := runDemuxer(t, d)
	if !errors.Is(err, asfheader.ErrNotASF) {
		t.Errorf("err = %v, want ErrNotASF", err)
	}
	if d.Header() != nil {
		t.Error("Header returned a value after a failed parse")
	}
}

func TestDemuxerNoPacketSize(t *testing.T) {
	t.Parallel()
	f := asftest.File{Streams: testStreams()}
	d := NewDemuxer(bytes.NewReader(f.Bytes()), nil)
	_, err := runDemuxer(t, d)
	if !errors.Is(err, ErrNoPacketSize) {
		t.Errorf("err = %v, want ErrNoPacketSize", err)
	}
}

func TestDemuxerBroadcastTruncated(t *testing.T) {
	t.Parallel()
	f := asftest.File{
		PacketSize: packetSize,
		Broadcast:  true,
		Streams:    testStreams(),
		Packets: [][]byte{
			framePacket(0, asftest.Payload{Stream: 2, Object: 1, ObjectSize: 8, Data: asftest.Fill(8, 0)}),
			framePacket(0, asftest.Payload{Stream: 2, Object: 2, ObjectSize: 8, Data: asftest.Fill(8, 0)}),
		},
	}
	raw := f.Bytes()
	raw = raw[:len(raw)-100] // live capture cut mid-packet

	d := NewDemuxer(bytes.NewReader(raw), nil)
	got, err := runDemuxer(t, d)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.audio) != 1 || d.Packets() != 1 {
		t.Errorf("audio=%d packets=%d, want 1/1", len(got.audio), d.Packets())
	}
}

func TestDemuxerCancel(t *testing.T) {
	t.Parallel()
	var packets [][]byte
	for i := 0; i < 200; i++ {
		packets = append(packets, framePacket(0,
			asftest.Payload{Stream: 1, Object: uint8(i), ObjectSize: 8, Data: asftest.Fill(8, 0)}))
	}
	f := asftest.File{PacketSize: packetSize, Streams: testStreams(), Packets: packets}

	d := NewDemuxer(bytes.NewReader(f.Bytes()), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// Take one frame, then stop consuming and cancel.
	<-d.Video()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestDemuxerVariableSizeFatal(t *testing.T) {
	t.Parallel()
	varPacket := func(size uint32, ec byte, payload asftest.Payload) []byte {
		return asftest.Packet{Size: size, DeclaredLength: size, ErrorCorrection: ec, Payloads: []asftest.Payload{payload}}.Bytes()
	}
	f := asftest.File{
		PacketSize:    100,
		MaxPacketSize: 256,
		Streams:       testStreams(),
		Packets: [][]byte{
			varPacket(150, 0, asftest.Payload{Stream: 1, Object: 1, ObjectSize: 40, Data: asftest.Fill(40, 0)}),
			varPacket(120, 0x83, asftest.Payload{Stream: 1, Object: 2, ObjectSize: 20, Data: asftest.Fill(20, 0)}),
			varPacket(130, 0, asftest.Payload{Stream: 1, Object: 3, ObjectSize: 20, Data: asftest.Fill(20, 0)}),
		},
	}

	stats := newFakeStats()
	d := NewDemuxer(bytes.NewReader(f.Bytes()), nil)
	d.SetStats(stats)
	got, err := runDemuxer(t, d)
	if !errors.Is(err, asf.ErrUnsupportedErrorCorrection) {
		t.Fatalf("err = %v, want ErrUnsupportedErrorCorrection", err)
	}
	if len(got.video) != 1 || len(got.video[0].Data) != 40 {
		t.Errorf("video frames = %d, want only the packet before the fault", len(got.video))
	}
	if d.Packets() != 1 || d.Resyncs() != 0 {
		t.Errorf("packets=%d resyncs=%d, want 1/0", d.Packets(), d.Resyncs())
	}
	stats.mu.Lock()
	defer stats.mu.Unlock()
	if stats.parseErrors != 1 || stats.resynced != 0 {
		t.Errorf("parse errors=%d resynced=%d, want 1/0", stats.parseErrors, stats.resynced)
	}
}

func TestDemuxerSharedRegistry(t *testing.T) {
	t.Parallel()
	f := asftest.File{
		PacketSize: packetSize,
		Streams:    testStreams(),
		Packets: [][]byte{
			framePacket(0, asftest.Payload{Stream: 2, Object: 1, ObjectSize: 8, Data: asftest.Fill(8, 0)}),
		},
	}

	reg := track.NewRegistry(nil)
	stats := newFakeStats()
	d := NewDemuxer(bytes.NewReader(f.Bytes()), nil, DemuxerOptRegistry(reg))
	d.SetStats(stats)
	if d.Registry() != reg {
		t.Fatal("Registry did not return the supplied registry")
	}

	select {
	case <-d.HeaderReady():
		t.Fatal("HeaderReady closed before Run")
	default:
	}
	if d.Header() != nil {
		t.Error("Header returned a value before Run")
	}

	got, err := runDemuxer(t, d)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-d.HeaderReady():
	default:
		t.Fatal("HeaderReady not closed after Run")
	}
	if reg.Len() != 3 || len(got.audio) != 1 {
		t.Errorf("registered=%d audio=%d, want 3/1", reg.Len(), len(got.audio))
	}
	stats.mu.Lock()
	defer stats.mu.Unlock()
	if stats.streams != 3 {
		t.Errorf("recorded streams = %d, want 3", stats.streams)
	}
}
