package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/andrej220/remexec/internal/dispatch"
	"github.com/andrej220/remexec/internal/orchestrator"
	"github.com/andrej220/remexec/internal/persistence"
	"github.com/andrej220/remexec/internal/settings"
	"github.com/andrej220/remexec/internal/sshexec"
	"github.com/andrej220/remexec/pkg/jobspec"
	"github.com/andrej220/remexec/pkg/lg"
)

func newRunCmd(opts *options) *cobra.Command {
	var (
		file   string
		out    string
		prefix string
		jobID  string
	)
	c := &cobra.Command{
		Use:   "run",
		Short: "Run a descriptor's batch on the remote host and write its Result",
		Long: `run expands the descriptor, logs into the remote host with credentials
from the environment (PREFIX_HOST, PREFIX_USER, PREFIX_PKEY or PREFIX_PKEY_FILE,
PREFIX_PASSPHRASE, PREFIX_PASSWORD) and runs the commands one at a time.
The first failing command stops the batch; commands that already ran are
not rolled back. The process exits with the Result's status.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			logger := opts.logger()
			defer logger.Sync()
			ctx = lg.Attach(ctx, logger)

			cfg, err := opts.settings(ctx)
			if err != nil {
				opts.status = orchestrator.Classify(err).Status()
				return err
			}
			if prefix != "" {
				cfg.Credentials.Prefix = prefix
			}
			d, err := readDescriptor(file, opts.stdin)
			if err != nil {
				opts.status = orchestrator.StatusInvalid
				return err
			}
			req := jobspec.NewRequest(d)
			if jobID != "" {
				if req.JobID, err = uuid.Parse(jobID); err != nil {
					opts.status = exitUsage
					return fmt.Errorf("--job-id: %w", err)
				}
			}

			builder, err := cfg.Builder()
			if err != nil {
				opts.status = orchestrator.Classify(err).Status()
				return err
			}
			// no Mongo connection here; credentials always come from the environment
			cfg.Credentials.Source = settings.SourceEnv
			provider, err := cfg.CredentialProvider(nil)
			if err != nil {
				opts.status = orchestrator.Classify(err).Status()
				return err
			}
			dialer := sshexec.NewDialer(cfg.Credentials.KnownHosts, cfg.Credentials.DialTimeout)
			svc, err := dispatch.New(dispatch.Config{
				Builder:      builder,
				Orchestrator: cfg.OrchestratorConfig(),
				Credentials:  provider,
				Connect:      dialer.Connector,
			})
			if err != nil {
				return err
			}

			res := svc.Handle(ctx, req)
			opts.status = res.Status
			if err := opts.write(res, out, ""); err != nil {
				return err
			}
			if !res.OK() {
				return fmt.Errorf("%s (status %d)", res.Message, res.Status)
			}
			return nil
		},
	}
	c.Flags().StringVarP(&file, "file", "f", "-", "descriptor file (JSON or YAML), - for stdin")
	c.Flags().StringVarP(&out, "out", "o", persistence.Stdout, "result file, - for stdout")
	c.Flags().StringVar(&prefix, "credentials-prefix", "", "environment variable prefix (default: credentials.prefix)")
	c.Flags().StringVar(&jobID, "job-id", "", "job id to record (default: random)")
	return c
}
