// Package cmd is the remexec command line: expand a job descriptor into its
// command batch, or run it against the configured remote host.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/andrej220/remexec/internal/persistence"
	"github.com/andrej220/remexec/internal/settings"
	"github.com/andrej220/remexec/pkg/config/filestore"
	"github.com/andrej220/remexec/pkg/lg"
)

const exitUsage = 2

type options struct {
	cfgFile   string
	yearRange string
	debug     bool
	logFormat string

	stdout io.Writer
	stderr io.Writer
	stdin  io.Reader
	// status is the process exit status chosen by the last command.
	status int
}

// NewRootCmd builds the command tree writing to the given streams.
func NewRootCmd(stdin io.Reader, stdout, stderr io.Writer) (*cobra.Command, *options) {
	opts := &options{stdin: stdin, stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:   "remexec",
		Short: "Expand job descriptors into remote command batches and run them",
		Long: `remexec turns a job descriptor into an ordered batch of shell commands
and runs them one at a time over a single SSH session.

Products with a sync or conversion strategy expand over a year range;
everything else becomes a single command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "dispatcher config file (default: built-in defaults)")
	root.PersistentFlags().StringVar(&opts.yearRange, "year-range", "", "override jobs.year_range, e.g. 2015-2018")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "console", "json or console")

	root.AddCommand(newBuildCmd(opts), newRunCmd(opts), newProductsCmd(opts))
	return root, opts
}

// Execute runs the CLI and returns the process exit status.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, opts := NewRootCmd(os.Stdin, os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if opts.status == 0 {
			return exitUsage
		}
	}
	return opts.status
}

func (o *options) logger() lg.Logger {
	return lg.New(&lg.Config{ServiceName: "remexec", Debug: o.debug, Format: o.logFormat})
}

// settings loads --config over the defaults, applying --year-range.
func (o *options) settings(ctx context.Context) (settings.Config, error) {
	cfg := settings.Default()
	if o.cfgFile != "" {
		if err := filestore.New(o.cfgFile).Load(ctx, &cfg); err != nil {
			return settings.Config{}, err
		}
	}
	if o.yearRange != "" {
		cfg.Jobs.YearRange = o.yearRange
	}
	if err := cfg.Validate(); err != nil {
		return settings.Config{}, err
	}
	return cfg, nil
}

// write saves v to dest in format, with "-" meaning the command's stdout.
func (o *options) write(v any, dest, format string) error {
	s, err := persistence.SerializerFor(format, dest)
	if err != nil {
		return err
	}
	return persistence.Save(v, dest, s, persistence.FileWriter{Overwrite: true, Out: o.stdout})
}
