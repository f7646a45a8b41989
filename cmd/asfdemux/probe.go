package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/zsiec/asfdemux/internal/asfheader"
	"github.com/zsiec/asfdemux/internal/stats"
)

type probeStream struct {
	Number          uint8    `json:"number"`
	Kind            string   `json:"kind"`
	Codec           string   `json:"codec,omitempty"`
	Width           uint32   `json:"width,omitempty"`
	Height          uint32   `json:"height,omitempty"`
	Channels        uint16   `json:"channels,omitempty"`
	SampleRate      uint32   `json:"sampleRate,omitempty"`
	FrameDurationMs float64  `json:"frameDurationMs,omitempty"`
	Encrypted       bool     `json:"encrypted,omitempty"`
	Extensions      []string `json:"extensions,omitempty"`
}

type probeResult struct {
	File           string        `json:"file"`
	FileID         string        `json:"fileId"`
	MinPacketSize  uint32        `json:"minPacketSize"`
	MaxPacketSize  uint32        `json:"maxPacketSize"`
	DataPackets    uint64        `json:"dataPackets"`
	PrerollMs      int64         `json:"prerollMs"`
	PlayDurationMs int64         `json:"playDurationMs"`
	Broadcast      bool          `json:"broadcast"`
	DataStart      int64         `json:"dataStart"`
	DataEnd        int64         `json:"dataEnd"`
	Streams        []probeStream `json:"streams"`
}

func newProbeCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "probe <file>",
		Short: "Print the header summary of an ASF file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := probeFile(args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			return res.writeText(cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of text")
	return cmd
}

func probeFile(path string) (probeResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return probeResult{}, err
	}
	defer f.Close()

	h, err := asfheader.Parse(f)
	if err != nil {
		return probeResult{}, fmt.Errorf("%s: %w", path, err)
	}
	return summarize(path, h), nil
}

func summarize(path string, h *asfheader.Header) probeResult {
	res := probeResult{
		File:           path,
		FileID:         h.File.FileID.String(),
		MinPacketSize:  h.File.MinPacketSize,
		MaxPacketSize:  h.File.MaxPacketSize,
		DataPackets:    h.DataPackets,
		PrerollMs:      h.File.Preroll.Milliseconds(),
		PlayDurationMs: h.File.PlayDuration.Milliseconds(),
		Broadcast:      h.File.Broadcast,
		DataStart:      h.DataStart,
		DataEnd:        h.DataEnd,
		Streams:        []probeStream{},
	}
	for _, n := range h.StreamNumbers() {
		sp := h.Streams[n]
		ps := probeStream{
			Number:    n,
			Kind:      sp.Kind().String(),
			Encrypted: sp.Encrypted,
		}
		switch f := sp.Format.(type) {
		case *asfheader.VideoFormat:
			ps.Codec = f.Compression
			ps.Width, ps.Height = f.Width, f.Height
		case *asfheader.AudioFormat:
			ps.Codec = stats.AudioCodecName(f.FormatTag)
			ps.Channels, ps.SampleRate = f.Channels, f.SampleRate
		}
		if esp := h.Extended[n]; esp != nil {
			ps.FrameDurationMs = float64(esp.AvgTimePerFrame.Microseconds()) / 1000
			for _, ext := range esp.Extensions {
				ps.Extensions = append(ps.Extensions, extensionName(ext.ID))
			}
		}
		res.Streams = append(res.Streams, ps)
	}
	return res
}

func extensionName(id uuid.UUID) string {
	switch id {
	case asfheader.ExtensionVideoFrame:
		return "video-frame"
	case asfheader.ExtensionPixelAspectRatio:
		return "pixel-aspect-ratio"
	case asfheader.ExtensionTimingRepData:
		return "timing-rep-data"
	case asfheader.ExtensionSampleDuration:
		return "sample-duration"
	default:
		return id.String()
	}
}

func (r probeResult) writeText(w io.Writer) error {
	fmt.Fprintf(w, "File:          %s\n", r.File)
	fmt.Fprintf(w, "Packet size:   %d", r.MinPacketSize)
	if r.MaxPacketSize != r.MinPacketSize {
		fmt.Fprintf(w, "-%d", r.MaxPacketSize)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Data packets:  %d\n", r.DataPackets)
	fmt.Fprintf(w, "Preroll:       %d ms\n", r.PrerollMs)
	fmt.Fprintf(w, "Duration:      %d ms\n", r.PlayDurationMs)
	fmt.Fprintf(w, "Broadcast:     %v\n", r.Broadcast)
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STREAM\tKIND\tCODEC\tDETAIL\tEXTENSIONS")
	for _, s := range r.Streams {
		detail := ""
		switch s.Kind {
		case "video":
			detail = fmt.Sprintf("%dx%d", s.Width, s.Height)
			if s.FrameDurationMs > 0 {
				detail += fmt.Sprintf(" @ %.3g fps", 1000/s.FrameDurationMs)
			}
		case "audio":
			detail = fmt.Sprintf("%d Hz, %d ch", s.SampleRate, s.Channels)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\n", s.Number, s.Kind, s.Codec, detail, len(s.Extensions))
	}
	return tw.Flush()
}
