package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/asfdemux/internal/framewire"
	"github.com/zsiec/asfdemux/internal/pipeline"
)

type demuxFlags struct {
	outDir  string
	noDedup bool
	disable []int
	timing  string
	jobs    int
	asJSON  bool
}

type demuxResult struct {
	Input    string            `json:"input"`
	Output   string            `json:"output,omitempty"`
	Error    string            `json:"error,omitempty"`
	Snapshot pipeline.Snapshot `json:"session"`
}

func newDemuxCmd(c *cli) *cobra.Command {
	var f demuxFlags
	cmd := &cobra.Command{
		Use:   "demux <file>...",
		Short: "Demultiplex ASF files and report per-stream frame statistics",
		Long: "Demultiplex one or more ASF files. With --out, the frames of each\n" +
			"input are written to <out>/<name>.asfw in framewire format.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("no-dedup") {
				c.cfg.Demux.Deduplicate = !f.noDedup
			}
			if flags.Changed("disable") {
				c.cfg.Demux.Disable = f.disable
			}
			if flags.Changed("timing") {
				c.cfg.Demux.SubPayloadTiming = f.timing
			}
			if flags.Changed("out") {
				c.cfg.OutDir = f.outDir
			}
			if err := c.cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			results, err := c.demuxFiles(ctx, args, f.jobs)
			if f.asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(results); encErr != nil {
					return encErr
				}
			} else {
				writeDemuxText(cmd.OutOrStdout(), results)
			}
			return err
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.outDir, "out", "o", "", "write framewire output files to this directory")
	fl.BoolVar(&f.noDedup, "no-dedup", false, "keep duplicate payloads")
	fl.IntSliceVar(&f.disable, "disable", nil, "stream numbers to skip")
	fl.StringVar(&f.timing, "timing", "", "compressed payload timing: auto, delta-byte or frame-duration")
	fl.IntVarP(&f.jobs, "jobs", "j", runtime.GOMAXPROCS(0), "files demuxed in parallel")
	fl.BoolVar(&f.asJSON, "json", false, "print JSON instead of text")
	return cmd
}

// demuxFiles runs one pipeline per input, at most jobs at a time. Every
// input gets a result; the first failure is also returned.
func (c *cli) demuxFiles(ctx context.Context, inputs []string, jobs int) ([]demuxResult, error) {
	if c.cfg.OutDir != "" {
		if err := os.MkdirAll(c.cfg.OutDir, 0o755); err != nil {
			return nil, err
		}
	}

	results := make([]demuxResult, len(inputs))
	// A plain group: one failing input must not cancel the others.
	var g errgroup.Group
	if jobs > 0 {
		g.SetLimit(jobs)
	}
	for i, in := range inputs {
		g.Go(func() error {
			res, err := c.demuxFile(ctx, in)
			if err != nil {
				res.Error = err.Error()
			}
			results[i] = res
			if err != nil {
				return fmt.Errorf("%s: %w", in, err)
			}
			return nil
		})
	}
	return results, g.Wait()
}

func (c *cli) demuxFile(ctx context.Context, path string) (demuxResult, error) {
	res := demuxResult{Input: path}

	in, err := os.Open(path)
	if err != nil {
		return res, err
	}
	defer in.Close()

	var (
		sink pipeline.FrameSink
		bw   *bufio.Writer
		out  *os.File
	)
	if c.cfg.OutDir != "" {
		res.Output = outputPath(c.cfg.OutDir, path)
		if out, err = os.Create(res.Output); err != nil {
			return res, err
		}
		defer out.Close()
		bw = bufio.NewWriterSize(out, 1<<20)
		sink = framewire.NewWriter(bw)
	}

	p := pipeline.New(filepath.Base(path), in, sink, c.log, c.cfg.DemuxerOptions()...)
	p.SetOrigin("file")
	runErr := p.Run(ctx)
	res.Snapshot = p.Snapshot()

	if bw != nil {
		if err := bw.Flush(); err != nil && runErr == nil {
			runErr = err
		}
		if err := out.Close(); err != nil && runErr == nil {
			runErr = err
		}
	}
	return res, runErr
}

func outputPath(dir, input string) string {
	base := filepath.Base(input)
	return filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base))+".asfw")
}

func writeDemuxText(w io.Writer, results []demuxResult) {
	for i, r := range results {
		if i > 0 {
			fmt.Fprintln(w)
		}
		s := r.Snapshot.Stats
		fmt.Fprintf(w, "%s: %d packets, %d duplicates, %d parse errors, %d resyncs\n",
			r.Input, s.Packets, s.Duplicates, s.ParseErrors, s.Resyncs)
		if r.Output != "" {
			fmt.Fprintf(w, "  output: %s\n", r.Output)
		}
		if r.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", r.Error)
		}
		kinds := make([]string, 0, len(s.Warnings))
		for kind := range s.Warnings {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		for _, kind := range kinds {
			fmt.Fprintf(w, "  warning %s: %d\n", kind, s.Warnings[kind])
		}
		if len(s.Streams) == 0 {
			continue
		}

		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  STREAM\tKIND\tCODEC\tFRAMES\tKEY\tINCOMPLETE\tBYTES\tPTS (ms)\tKBPS")
		for _, st := range s.Streams {
			fmt.Fprintf(tw, "  %d\t%s\t%s\t%d\t%d\t%d\t%d\t%d-%d\t%.1f\n",
				st.StreamNumber, st.Kind, st.Codec, st.Frames, st.KeyFrames, st.Incomplete,
				st.TotalBytes, st.FirstPTSMs, st.LastPTSMs, st.BitrateKbps)
		}
		tw.Flush()
	}
}
