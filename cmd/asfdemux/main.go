package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zsiec/asfdemux/internal/config"
)

var version = "dev"

// cli holds the state shared by every subcommand after flag parsing.
type cli struct {
	configPath string
	debug      bool
	logFormat  string
	logFile    string

	cfg     config.Config
	log     *slog.Logger
	logSink io.Closer
}

// newRootCmd builds the command tree around c. The caller closes c after
// Execute returns; cobra skips post-run hooks when a command fails.
func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "asfdemux",
		Short:         "Demultiplex ASF (WMV/WMA) data packets into elementary frames",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&c.configPath, "config", "c", "", "TOML configuration file")
	pf.BoolVar(&c.debug, "debug", false, "enable debug logging (also DEBUG env)")
	pf.StringVar(&c.logFormat, "log-format", "", "log format: text or json")
	pf.StringVar(&c.logFile, "log-file", "", "also write logs to this file, rotated by size")

	root.AddCommand(
		newProbeCmd(c),
		newDemuxCmd(c),
		newServeCmd(c),
		newVersionCmd(),
	)
	return root
}

// setup loads the configuration, applies global flags over it and
// installs the logger.
func (c *cli) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("debug") && c.debug {
		cfg.Log.Level = "debug"
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = c.logFormat
	}
	if flags.Changed("log-file") {
		cfg.Log.File = c.logFile
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, sink, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	slog.SetDefault(log)
	c.cfg, c.log, c.logSink = cfg, log, sink
	return nil
}

// close releases the log file sink, if any. It is safe to call more than
// once.
func (c *cli) close() error {
	if c.logSink == nil {
		return nil
	}
	err := c.logSink.Close()
	c.logSink = nil
	return err
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the asfdemux version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "asfdemux", resolveVersion())
		},
		DisableFlagsInUseLine: true,
	}
}

func resolveVersion() string {
	if version != "" && version != "dev" {
		return strings.TrimPrefix(version, "v")
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return strings.TrimPrefix(info.Main.Version, "v")
		}
	}
	return "dev"
}

func main() {
	c := &cli{}
	err := newRootCmd(c).Execute()
	if cerr := c.close(); cerr != nil {
		fmt.Fprintln(os.Stderr, "asfdemux: close log file:", cerr)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "asfdemux:", err)
		os.Exit(1)
	}
}
