package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/asfdemux/internal/api"
	"github.com/zsiec/asfdemux/internal/certs"
	"github.com/zsiec/asfdemux/internal/framewire"
	"github.com/zsiec/asfdemux/internal/ingest"
	srtingest "github.com/zsiec/asfdemux/internal/ingest/srt"
	"github.com/zsiec/asfdemux/internal/pipeline"
)

func newServeCmd(c *cli) *cobra.Command {
	var srtAddr, apiAddr, outDir string
	var apiTLS bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept live ASF streams over SRT and serve session stats over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			if flags.Changed("srt-addr") {
				c.cfg.SRTAddr = srtAddr
			}
			if flags.Changed("api-addr") {
				c.cfg.APIAddr = apiAddr
			}
			if flags.Changed("api-tls") {
				c.cfg.APITLS = apiTLS
			}
			if flags.Changed("out") {
				c.cfg.OutDir = outDir
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&srtAddr, "srt-addr", "", "SRT listen address (default from config, :6000)")
	fl.StringVar(&apiAddr, "api-addr", "", "HTTP API listen address (default from config, :4444)")
	fl.BoolVar(&apiTLS, "api-tls", false, "serve the HTTP API over TLS with a self-signed certificate")
	fl.StringVarP(&outDir, "out", "o", "", "record each stream to <out>/<key>.asfw")
	return cmd
}

type app struct {
	cli       *cli
	log       *slog.Logger
	registry  *ingest.Registry
	srtCaller *srtingest.Caller
	apiSrv    *api.Server
}

func (c *cli) serve(ctx context.Context) error {
	if c.cfg.OutDir != "" {
		if err := os.MkdirAll(c.cfg.OutDir, 0o755); err != nil {
			return err
		}
	}

	c.log.Info("asfdemux starting",
		"version", resolveVersion(),
		"srt", c.cfg.SRTAddr,
		"api", c.cfg.APIAddr,
		"out", c.cfg.OutDir,
	)

	var tlsConfig *tls.Config
	if c.cfg.APITLS {
		cert, err := certs.Generate(certs.DefaultValidity, c.cfg.APIHosts...)
		if err != nil {
			return fmt.Errorf("api certificate: %w", err)
		}
		c.log.Info("generated self-signed API certificate",
			"fingerprint", cert.FingerprintBase64(),
			"expires", cert.NotAfter.Format(time.RFC3339),
		)
		tlsConfig = cert.TLSConfig()
	}

	g, ctx := errgroup.WithContext(ctx)
	a := &app{cli: c, log: c.log}

	// Built after the errgroup so stream closures capture its context.
	a.registry = ingest.NewRegistry(func(key string, input io.Reader) {
		a.handleNewStream(ctx, key, input)
	})
	a.srtCaller = srtingest.NewCaller(a.registry, c.log)
	a.apiSrv = api.NewServer(api.Config{
		Addr:         c.cfg.APIAddr,
		TLS:          tlsConfig,
		IngestLookup: a.lookupIngest,
		SRTPull: func(req api.PullRequest) error {
			return a.srtCaller.Pull(ctx, srtingest.PullRequest(req))
		},
		SRTStop: a.srtCaller.Stop,
		SRTList: a.listSRTPulls,
	}, c.log)

	srtSrv := srtingest.NewServer(c.cfg.SRTAddr, a.registry, c.log)

	g.Go(func() error {
		return srtSrv.Start(ctx)
	})
	g.Go(func() error {
		return a.apiSrv.Start(ctx)
	})

	if err := g.Wait(); err != nil {
		c.log.Error("server error", "error", err)
		return err
	}
	return nil
}

func (a *app) listSRTPulls() []api.PullRequest {
	pulls := a.srtCaller.ActivePulls()
	out := make([]api.PullRequest, len(pulls))
	for i, p := range pulls {
		out[i] = api.PullRequest(p)
	}
	return out
}

func (a *app) lookupIngest(key string) *ingest.ConnStats {
	stream, ok := a.registry.Get(key)
	if !ok {
		return nil
	}
	s := stream.ConnStats()
	return &s
}

func (a *app) handleNewStream(ctx context.Context, key string, input io.Reader) {
	a.log.Info("new stream from ingest", "key", key)

	var sink pipeline.FrameSink
	if dir := a.cli.cfg.OutDir; dir != "" {
		f, err := os.Create(filepath.Join(dir, recordingName(key)))
		if err != nil {
			a.log.Error("cannot create recording", "stream", key, "error", err)
		} else {
			bw := bufio.NewWriter(f)
			defer func() {
				if err := finishRecording(bw, f); err != nil {
					a.log.Error("recording incomplete", "stream", key, "file", f.Name(), "error", err)
				}
			}()
			sink = framewire.NewWriter(bw)
		}
	}

	p := pipeline.New(key, input, sink, a.log, a.cli.cfg.DemuxerOptions()...)
	if stream, ok := a.registry.Get(key); ok {
		p.SetOrigin(string(stream.Origin))
	}
	a.apiSrv.SetPipeline(key, p)
	defer a.apiSrv.RemovePipeline(key, p)

	if err := p.Run(ctx); err != nil && ctx.Err() == nil {
		a.log.Error("pipeline error", "stream", key, "error", err)
	}
	// Drain so the SRT side never blocks on a pipe nobody reads.
	io.Copy(io.Discard, input)
	a.log.Info("stream ended", "key", key)
}

// finishRecording flushes buffered frames and closes the file, returning
// the first error.
func finishRecording(bw *bufio.Writer, f io.Closer) error {
	err := bw.Flush()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// recordingName maps a stream key such as "studio/cam1" to a flat file
// name.
func recordingName(key string) string {
	return strings.ReplaceAll(key, "/", "_") + ".asfw"
}
