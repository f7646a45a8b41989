// asf-push streams an ASF file to an SRT listener in real time, pacing data
// packets by their send time.
//
//	go run ./test/tools/asf-push --key cam1 clip.wmv
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	srt "github.com/zsiec/srtgo"

	"github.com/zsiec/asfdemux/internal/asf"
	"github.com/zsiec/asfdemux/internal/asfheader"
	"github.com/zsiec/asfdemux/internal/media"
)

// chunkSize is the SRT live-mode payload size.
const chunkSize = 1316

type timedPacket struct {
	offset   int64
	size     int
	sendTime time.Duration
}

type schedule struct {
	header  []byte
	data    []byte
	packets []timedPacket
}

func main() {
	keyFlag := flag.String("key", "", "stream key (default: file name without extension)")
	addrFlag := flag.String("addr", "127.0.0.1:6000", "SRT server address")
	loopFlag := flag.Bool("loop", false, "reconnect and push again after each pass")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: asf-push [--key KEY] [--addr HOST:PORT] [--loop] <file>")
		os.Exit(1)
	}
	path := flag.Arg(0)

	key := *keyFlag
	if key == "" {
		base := filepath.Base(path)
		key = strings.TrimSuffix(base, filepath.Ext(base))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read %s: %v\n", path, err)
		os.Exit(1)
	}
	sched, err := buildSchedule(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
		os.Exit(1)
	}
	fmt.Printf("File: %s (%d packets, %s)\n", path, len(sched.packets), sched.duration())

	for {
		if err := push(*addrFlag, "live/"+key, sched); err != nil {
			fmt.Fprintf(os.Stderr, "[%s] %v\n", key, err)
			time.Sleep(time.Second)
			continue
		}
		if !*loopFlag {
			return
		}
	}
}

// buildSchedule locates every data packet of an ASF file and its send
// time.
func buildSchedule(data []byte) (*schedule, error) {
	h, err := asfheader.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if h.File.MinPacketSize == 0 {
		return nil, errors.New("no packet size in header")
	}

	end := h.DataEnd
	if end < 0 || end > int64(len(data)) {
		end = int64(len(data))
	}
	region := asf.Region{
		MinPacketSize: h.File.MinPacketSize,
		MaxPacketSize: h.File.MaxPacketSize,
		Start:         h.DataStart,
		End:           end,
	}

	src := asf.NewReaderSource(bytes.NewReader(data[h.DataStart:end]), h.DataStart, int(max(region.MinPacketSize, region.MaxPacketSize)))
	engine := asf.NewDemuxer(src, discard{}, slog.New(slog.DiscardHandler))

	s := &schedule{header: data[:h.DataStart], data: data}
	var last time.Duration
	for {
		off := src.Offset()
		res, err := engine.DemuxPacket(region, 0)
		switch res.Status {
		case asf.StatusContinue:
			last = res.SendTime
			s.packets = append(s.packets, timedPacket{offset: off, size: res.PacketSize, sendTime: last})
			continue
		case asf.StatusFatal:
			if !region.FixedSize() {
				return nil, fmt.Errorf("packet at %d: %w", off, err)
			}
			n, _ := src.Discard(int(region.MinPacketSize))
			if n == int(region.MinPacketSize) {
				s.packets = append(s.packets, timedPacket{offset: off, size: n, sendTime: last})
				continue
			}
		}
		return s, nil
	}
}

func (s *schedule) duration() time.Duration {
	if len(s.packets) == 0 {
		return 0
	}
	return s.packets[len(s.packets)-1].sendTime - s.packets[0].sendTime
}

// delay returns how long to wait before sending a packet with sendTime,
// given the send time of the first packet and the wall clock elapsed.
func delay(first, sendTime, elapsed time.Duration) time.Duration {
	if d := sendTime - first - elapsed; d > 0 {
		return d
	}
	return 0
}

func push(addr, streamID string, s *schedule) error {
	cfg := srt.DefaultConfig()
	cfg.StreamID = streamID

	conn, err := srt.Dial(addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT connect: %w", err)
	}
	defer conn.Close()
	fmt.Printf("[%s] connected to %s\n", streamID, addr)

	if err := writeChunked(conn, s.header); err != nil {
		return err
	}

	start := time.Now()
	var first time.Duration
	if len(s.packets) > 0 {
		first = s.packets[0].sendTime
	}
	for i, p := range s.packets {
		if d := delay(first, p.sendTime, time.Since(start)); d > 0 {
			time.Sleep(d)
		}
		if err := writeChunked(conn, s.data[p.offset:p.offset+int64(p.size)]); err != nil {
			return fmt.Errorf("packet %d: %w", i, err)
		}
	}
	fmt.Printf("[%s] pushed %d packets in %s\n", streamID, len(s.packets), time.Since(start).Truncate(time.Millisecond))
	return nil
}

type writer interface {
	Write([]byte) (int, error)
}

func writeChunked(w writer, b []byte) error {
	for len(b) > 0 {
		n := min(len(b), chunkSize)
		if _, err := w.Write(b[:n]); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// discard is a packet engine handler with no registered tracks.
type discard struct{}

func (discard) Send(uint8, *media.Frame) {}
func (discard) Track(uint8) *asf.Track   { return nil }
