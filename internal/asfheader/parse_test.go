package asfheader_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/zsiec/asfdemux/internal/asfheader"
	"github.com/zsiec/asfdemux/internal/asftest"
)

func testFile() asftest.File {
	return asftest.File{
		PacketSize: 3200,
		Preroll:    3 * time.Second,
		Streams: []asftest.Stream{
			{
				Number: 1, Kind: asfheader.KindAudio,
				FormatTag: 0x0161, Channels: 2, SampleRate: 44100,
			},
			{
				Number: 2, Kind: asfheader.KindVideo,
				Width: 640, Height: 480, FourCC: "WMV3",
				AvgTimePerFrame: 40 * time.Millisecond,
				Extensions: []asfheader.PayloadExtensionSystem{
					{ID: asfheader.ExtensionSampleDuration, DataSize: 2},
					{ID: asfheader.ExtensionPixelAspectRatio, DataSize: asfheader.VariableExtensionSize, Info: []byte{1, 2}},
				},
			},
			{Number: 3},
		},
		Packets: [][]byte{make([]byte, 3200), make([]byte, 3200)},
	}
}

func TestParse(t *testing.T) {
	t.Parallel()
	f := testFile()
	raw := f.Bytes()
	hdr := f.Header()

	r := bytes.NewReader(raw)
	h, err := asfheader.Parse(r)
	if err != nil {
		t.Fatal(err)
	}

	if h.File.MinPacketSize != 3200 || h.File.MaxPacketSize != 3200 {
		t.Errorf("packet size = %d/%d", h.File.MinPacketSize, h.File.MaxPacketSize)
	}
	if h.File.Preroll != 3*time.Second {
		t.Errorf("preroll = %v", h.File.Preroll)
	}
	if h.File.Broadcast || !h.File.Seekable {
		t.Errorf("broadcast=%v seekable=%v", h.File.Broadcast, h.File.Seekable)
	}
	if h.DataStart != int64(len(hdr)) {
		t.Errorf("DataStart = %d, want %d", h.DataStart, len(hdr))
	}
	if h.DataEnd != int64(len(raw)) {
		t.Errorf("DataEnd = %d, want %d", h.DataEnd, len(raw))
	}
	if h.DataPackets != 2 {
		t.Errorf("DataPackets = %d", h.DataPackets)
	}
	if consumed := int64(len(raw)) - int64(r.Len()); consumed != h.DataStart {
		t.Errorf("reader left at %d, want %d", consumed, h.DataStart)
	}

	if got := h.StreamNumbers(); len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("streams = %v", got)
	}

	audio, ok := h.Streams[1].Format.(*asfheader.AudioFormat)
	if !ok {
		t.Fatalf("stream 1 format = %T", h.Streams[1].Format)
	}
	if audio.FormatTag != 0x0161 || audio.Channels != 2 || audio.SampleRate != 44100 {
		t.Errorf("audio = %+v", audio)
	}

	video, ok := h.Streams[2].Format.(*asfheader.VideoFormat)
	if !ok {
		t.Fatalf("stream 2 format = %T", h.Streams[2].Format)
	}
	if video.Width != 640 || video.Height != 480 || video.Compression != "WMV3" || video.BitCount != 24 {
		t.Errorf("video = %+v", video)
	}
	if h.Streams[3].Kind() != asfheader.KindOther {
		t.Errorf("stream 3 kind = %v", h.Streams[3].Kind())
	}

	esp := h.Extended[2]
	if esp == nil {
		t.Fatal("no extended properties for stream 2")
	}
	if esp.AvgTimePerFrame != 40*time.Millisecond {
		t.Errorf("AvgTimePerFrame = %v", esp.AvgTimePerFrame)
	}
	if len(esp.Extensions) != 2 {
		t.Fatalf("extensions = %d", len(esp.Extensions))
	}
	if esp.Extensions[0].ID != asfheader.ExtensionSampleDuration || esp.Extensions[0].DataSize != 2 {
		t.Errorf("extension 0 = %+v", esp.Extensions[0])
	}
	if esp.Extensions[1].DataSize != asfheader.VariableExtensionSize || !bytes.Equal(esp.Extensions[1].Info, []byte{1, 2}) {
		t.Errorf("extension 1 = %+v", esp.Extensions[1])
	}
}

func TestParseBroadcast(t *testing.T) {
	t.Parallel()
	f := testFile()
	f.Broadcast = true
	h, err := asfheader.Parse(bytes.NewReader(f.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if !h.File.Broadcast || h.DataEnd != -1 {
		t.Errorf("broadcast=%v DataEnd=%d, want unknown extent", h.File.Broadcast, h.DataEnd)
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()
	valid := testFile().Header()

	notASF := append([]byte(nil), valid...)
	notASF[0] ^= 0xFF

	badChild := append([]byte(nil), valid...)
	// First child object size (after the 30-byte preamble and its GUID).
	binary.LittleEndian.PutUint64(badChild[30+16:], 10)

	noData := append([]byte(nil), valid[:len(valid)-50]...)
	noData = append(noData, make([]byte, 50)...)

	tests := []struct {
		name string
		buf  []byte
		want error
	}{
		{"not asf", notASF, asfheader.ErrNotASF},
		{"child object too small", badChild, asfheader.ErrObjectSize},
		{"missing data object", noData, asfheader.ErrNoDataObject},
		{"truncated data object", valid[:len(valid)-10], asfheader.ErrNoDataObject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := asfheader.Parse(bytes.NewReader(tt.buf))
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseEmpty(t *testing.T) {
	t.Parallel()
	if _, err := asfheader.Parse(bytes.NewReader(nil)); err == nil {
		t.Error("expected error for empty input")
	}
}

func TestGUIDRoundTrip(t *testing.T) {
	t.Parallel()
	wire := asfheader.AppendGUID(nil, asfheader.GUIDHeader)
	// The Header Object GUID starts 30 26 B2 75 on disk.
	if !bytes.Equal(wire[:4], []byte{0x30, 0x26, 0xB2, 0x75}) {
		t.Errorf("wire prefix = % x", wire[:4])
	}
}
