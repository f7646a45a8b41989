// Package config loads asfdemux settings. Values come from built-in
// defaults, then an optional TOML file, then environment variables; the
// command line applies flags last.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/zsiec/asfdemux/internal/asf"
	"github.com/zsiec/asfdemux/internal/demux"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the complete asfdemux configuration.
type Config struct {
	SRTAddr string `toml:"srt_addr"`
	APIAddr string `toml:"api_addr"`

	// APITLS serves the API over HTTPS with a self-signed certificate
	// covering localhost and APIHosts.
	APITLS   bool     `toml:"api_tls"`
	APIHosts []string `toml:"api_hosts"`

	// OutDir, when set, makes serve record each live stream to
	// <OutDir>/<key>.asfw.
	OutDir string `toml:"out_dir"`

	Log   Log   `toml:"log"`
	Demux Demux `toml:"demux"`
}

// Log configures the slog handler and the optional rotating file sink.
type Log struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// Demux configures the packet engine and the session demuxer.
type Demux struct {
	Deduplicate      bool   `toml:"deduplicate"`
	KeepFragments    bool   `toml:"keep_fragments"`
	SubPayloadTiming string `toml:"sub_payload_timing"`
	Disable          []int  `toml:"disable"`

	// PrerollMs overrides the header preroll when non-nil. -1 derives it
	// from the first presentation time.
	PrerollMs *int64 `toml:"preroll_ms"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		SRTAddr: ":6000",
		APIAddr: ":4444",
		Log: Log{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Demux: Demux{
			Deduplicate:      true,
			SubPayloadTiming: "auto",
		},
	}
}

// Load returns the defaults overlaid with the TOML file at path (skipped
// when path is empty) and the environment. Unknown keys in the file are an
// error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return cfg, fmt.Errorf("config: %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return cfg, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalid, path, strings.Join(keys, ", "))
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.SRTAddr = envOr("SRT_ADDR", c.SRTAddr)
	c.APIAddr = envOr("API_ADDR", c.APIAddr)
	c.OutDir = envOr("OUT_DIR", c.OutDir)
	c.Log.Format = envOr("LOG_FORMAT", c.Log.Format)
	c.Log.File = envOr("LOG_FILE", c.Log.File)
	if v := os.Getenv("API_TLS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: API_TLS: %v", ErrInvalid, err)
		}
		c.APITLS = b
	}
	if os.Getenv("DEBUG") != "" {
		c.Log.Level = "debug"
	}
	if v := os.Getenv("ASF_DEDUP"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: ASF_DEDUP: %v", ErrInvalid, err)
		}
		c.Demux.Deduplicate = b
	}
	return nil
}

// Validate checks field values.
func (c Config) Validate() error {
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log format %q", ErrInvalid, c.Log.Format)
	}
	if _, err := ParseTiming(c.Demux.SubPayloadTiming); err != nil {
		return err
	}
	for _, n := range c.Demux.Disable {
		if n < 1 || n > 127 {
			return fmt.Errorf("%w: stream number %d out of range 1-127", ErrInvalid, n)
		}
	}
	if p := c.Demux.PrerollMs; p != nil && *p < -1 {
		return fmt.Errorf("%w: preroll_ms %d", ErrInvalid, *p)
	}
	return nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("%w: log level %q", ErrInvalid, s)
	}
	return l, nil
}

// ParseTiming maps a sub-payload timing name to its strategy.
func ParseTiming(s string) (asf.SubPayloadTiming, error) {
	for _, t := range []asf.SubPayloadTiming{asf.TimingAuto, asf.TimingDeltaByte, asf.TimingFrameDuration} {
		if s == t.String() {
			return t, nil
		}
	}
	if s == "" {
		return asf.TimingAuto, nil
	}
	return asf.TimingAuto, fmt.Errorf("%w: sub-payload timing %q", ErrInvalid, s)
}

// DemuxerOptions translates the demux section into session demuxer
// options. The configuration must have passed Validate.
func (c Config) DemuxerOptions() []func(*demux.Demuxer) {
	timing, _ := ParseTiming(c.Demux.SubPayloadTiming)
	engine := []func(*asf.Demuxer){
		asf.DemuxerOptDeduplicate(c.Demux.Deduplicate),
		asf.DemuxerOptSubPayloadTiming(timing),
	}
	if c.Demux.KeepFragments {
		engine = append(engine, asf.DemuxerOptMultiplePackets())
	}

	opts := []func(*demux.Demuxer){demux.DemuxerOptEngine(engine...)}
	if len(c.Demux.Disable) > 0 {
		streams := make([]uint8, len(c.Demux.Disable))
		for i, n := range c.Demux.Disable {
			streams[i] = uint8(n)
		}
		opts = append(opts, demux.DemuxerOptDisableStreams(streams...))
	}
	if p := c.Demux.PrerollMs; p != nil {
		preroll := asf.PrerollFromCurrent
		if *p >= 0 {
			preroll = time.Duration(*p) * time.Millisecond
		}
		opts = append(opts, demux.DemuxerOptPreroll(preroll))
	}
	return opts
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
