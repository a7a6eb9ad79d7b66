package cmd

import (
	"github.com/spf13/cobra"

	"github.com/andrej220/remexec/internal/orchestrator"
	"github.com/andrej220/remexec/internal/persistence"
)

type batchOutput struct {
	Product  string   `json:"product" yaml:"product"`
	Strategy string   `json:"strategy" yaml:"strategy"`
	Count    int      `json:"count" yaml:"count"`
	Commands []string `json:"commands" yaml:"commands"`
}

func newBuildCmd(opts *options) *cobra.Command {
	var (
		file   string
		out    string
		format string
	)
	c := &cobra.Command{
		Use:   "build",
		Short: "Print the command batch a descriptor expands to, without running it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.settings(cmd.Context())
			if err != nil {
				opts.status = orchestrator.Classify(err).Status()
				return err
			}
			d, err := readDescriptor(file, opts.stdin)
			if err != nil {
				opts.status = orchestrator.StatusInvalid
				return err
			}
			builder, err := cfg.Builder()
			if err != nil {
				opts.status = orchestrator.Classify(err).Status()
				return err
			}
			b, err := builder.Build(d)
			if err != nil {
				opts.status = orchestrator.Classify(err).Status()
				return err
			}
			res := batchOutput{Product: b.Product, Strategy: b.Strategy.String(), Count: b.Len(), Commands: b.Commands}
			if res.Commands == nil {
				res.Commands = []string{}
			}
			if err := opts.write(res, out, format); err != nil {
				opts.status = exitUsage
				return err
			}
			return nil
		},
	}
	c.Flags().StringVarP(&file, "file", "f", "-", "descriptor file (JSON or YAML), - for stdin")
	c.Flags().StringVarP(&out, "out", "o", persistence.Stdout, "output file, - for stdout")
	c.Flags().StringVar(&format, "format", "", "json or yaml (default: by --out extension, else json)")
	return c
}
