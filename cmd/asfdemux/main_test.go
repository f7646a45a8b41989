package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zsiec/asfdemux/internal/asfheader"
	"github.com/zsiec/asfdemux/internal/asftest"
	"github.com/zsiec/asfdemux/internal/config"
	"github.com/zsiec/asfdemux/internal/framewire"
)

const testPacketSize = 256

func writeTestFile(t *testing.T, dir, name string) string {
	t.Helper()
	pkt := func(send time.Duration, payloads ...asftest.Payload) []byte {
		return asftest.Packet{Size: testPacketSize, SendTime: send, Payloads: payloads}.Bytes()
	}
	f := asftest.File{
		PacketSize: testPacketSize,
		Preroll:    time.Second,
		Streams: []asftest.Stream{
			{Number: 1, Kind: asfheader.KindVideo, Width: 320, Height: 240, FourCC: "WMV3", AvgTimePerFrame: 40 * time.Millisecond},
			{Number: 2, Kind: asfheader.KindAudio, FormatTag: 0x0161, Channels: 2, SampleRate: 44100},
		},
		Packets: [][]byte{
			pkt(900*time.Millisecond,
				asftest.Payload{Stream: 1, Key: true, Object: 1, ObjectSize: 80, PTS: time.Second, Data: asftest.Fill(80, 1)},
				asftest.Payload{Stream: 2, Object: 1, ObjectSize: 64, PTS: time.Second, Data: asftest.Fill(64, 2)},
			),
			pkt(940*time.Millisecond,
				asftest.Payload{Stream: 1, Object: 2, ObjectSize: 40, PTS: 1040 * time.Millisecond, Data: asftest.Fill(40, 3)},
			),
		},
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, f.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	c := &cli{}
	root := newRootCmd(c)
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	if cerr := c.close(); cerr != nil {
		t.Errorf("close: %v", cerr)
	}
	return out.String(), err
}

func TestProbeJSON(t *testing.T) {
	path := writeTestFile(t, t.TempDir(), "clip.wmv")

	out, err := execute(t, "probe", "--json", path)
	if err != nil {
		t.Fatal(err)
	}
	var res probeResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if res.MinPacketSize != testPacketSize || res.PrerollMs != 1000 || len(res.Streams) != 2 {
		t.Errorf("probe = %+v", res)
	}
	if v := res.Streams[0]; v.Codec != "WMV3" || v.Width != 320 || v.FrameDurationMs != 40 {
		t.Errorf("video = %+v", v)
	}
	if a := res.Streams[1]; a.Codec != "WMA2" || a.Channels != 2 {
		t.Errorf("audio = %+v", a)
	}
}

func TestProbeText(t *testing.T) {
	path := writeTestFile(t, t.TempDir(), "clip.wmv")

	out, err := execute(t, "probe", path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Packet size:   256", "320x240 @ 25 fps", "44100 Hz, 2 ch"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestProbeNotASF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.bin")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0x47}, 188), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "probe", path); err == nil {
		t.Fatal("expected error for non-ASF input")
	}
}

func TestDemuxWritesFramewire(t *testing.T) {
	dir := t.TempDir()
	a := writeTestFile(t, dir, "a.wmv")
	b := writeTestFile(t, dir, "b.wmv")
	outDir := filepath.Join(dir, "out")

	out, err := execute(t, "demux", "--json", "--out", outDir, "--disable", "2", a, b)
	if err != nil {
		t.Fatal(err)
	}
	var results []demuxResult
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(results) != 2 || results[1].Input != b {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Snapshot.Stats.Packets != 2 || results[0].Snapshot.Forwarded.Video != 2 {
		t.Errorf("session = %+v", results[0].Snapshot)
	}

	f, err := os.Open(filepath.Join(outDir, "a.asfw"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	r := framewire.NewReader(f)
	var n int
	for {
		fr, err := r.Next()
		if err != nil {
			break
		}
		if fr.StreamNumber != 1 {
			t.Errorf("disabled stream %d in output", fr.StreamNumber)
		}
		n++
	}
	if n != 2 {
		t.Errorf("framewire frames = %d, want 2", n)
	}
}

func TestDemuxText(t *testing.T) {
	path := writeTestFile(t, t.TempDir(), "clip.wmv")

	out, err := execute(t, "demux", path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "2 packets") || !strings.Contains(out, "WMA2") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestDemuxMissingFile(t *testing.T) {
	out, err := execute(t, "demux", filepath.Join(t.TempDir(), "missing.wmv"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(out, "error:") {
		t.Errorf("error not reported in output:\n%s", out)
	}
}

func TestDemuxFailureDoesNotStopOtherInputs(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.wmv")
	good := writeTestFile(t, dir, "good.wmv")

	out, err := execute(t, "demux", "--json", "-j", "1", missing, good)
	if err == nil || !strings.Contains(err.Error(), "missing.wmv") {
		t.Fatalf("err = %v, want the missing input's error", err)
	}
	var results []demuxResult
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Error == "" {
		t.Error("missing input has no error")
	}
	if results[1].Error != "" || results[1].Snapshot.Stats.Packets != 2 {
		t.Errorf("good input after a failure: error=%q packets=%d", results[1].Error, results[1].Snapshot.Stats.Packets)
	}
}

func TestDemuxRejectsBadStream(t *testing.T) {
	path := writeTestFile(t, t.TempDir(), "clip.wmv")
	if _, err := execute(t, "demux", "--disable", "200", path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "asfdemux ") {
		t.Errorf("version output = %q", out)
	}
}

func TestOutputPath(t *testing.T) {
	t.Parallel()
	if got := outputPath("/tmp/out", "/media/clip.final.wmv"); got != filepath.Join("/tmp/out", "clip.final.asfw") {
		t.Errorf("outputPath = %q", got)
	}
	if got := recordingName("studio/cam1"); got != "studio_cam1.asfw" {
		t.Errorf("recordingName = %q", got)
	}
}

func TestLoggerFileSink(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "asfdemux.log")
	var stderr bytes.Buffer
	cfg := config.Default().Log
	cfg.Format = "json"
	cfg.File = path

	log, closer, err := newLogger(cfg, &stderr)
	if err != nil {
		t.Fatal(err)
	}
	log.Info("hello", "stream", 1)
	log.Debug("hidden")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) || strings.Contains(string(data), "hidden") {
		t.Errorf("log file = %s", data)
	}
	if !bytes.Equal(data, stderr.Bytes()) {
		t.Error("stderr and file sinks differ")
	}
}

func TestLogSinkClosedAfterFailure(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "asfdemux.log")

	c := &cli{}
	root := newRootCmd(c)
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--log-file", logPath, "demux", filepath.Join(t.TempDir(), "missing.asf")})
	if err := root.Execute(); err == nil {
		t.Fatal("expected an error for a missing input")
	}
	if c.logSink == nil {
		t.Fatal("log sink not opened by setup")
	}
	if err := c.close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if c.logSink != nil {
		t.Error("log sink still set after close")
	}
	if err := c.close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestLoggerBadLevel(t *testing.T) {
	t.Parallel()
	cfg := config.Default().Log
	cfg.Level = "chatty"
	if _, _, err := newLogger(cfg, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error")
	}
}

type failingFile struct {
	closed bool
}

func (f *failingFile) Write([]byte) (int, error) {
	return 0, errors.New("no space left on device")
}

func (f *failingFile) Close() error {
	f.closed = true
	return nil
}

func TestFinishRecordingReportsFlushError(t *testing.T) {
	t.Parallel()
	f := &failingFile{}
	bw := bufio.NewWriter(f)
	bw.WriteString("pending frame")

	if err := finishRecording(bw, f); err == nil || !strings.Contains(err.Error(), "no space") {
		t.Errorf("err = %v, want the flush error", err)
	}
	if !f.closed {
		t.Error("file not closed after a failed flush")
	}
}
