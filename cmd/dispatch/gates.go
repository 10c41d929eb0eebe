package main

import (
	"github.com/spf13/cobra"

	"github.com/aristath/dispatch/internal/config"
)

func gatesCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gates",
		Short: "Run the verification gate pipeline",
	}
	cmd.AddCommand(gatesRunCmd(opts))
	return cmd
}

func gatesRunCmd(opts *rootOptions) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the configured gates once, with pipeline retries",
		Long: `Run every configured gate in order. A failed required gate stops the
pass; the whole pipeline is then retried up to pipeline_retries times.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd.Context(), func(cfg *config.Config) {
				if cmd.Flags().Changed("dir") {
					cfg.WorkDir = dir
				}
			})
			if err != nil {
				return err
			}
			defer s.Close()

			pr, err := s.Runner.RunGates(cmd.Context())
			if err != nil {
				return err
			}
			renderPipeline(cmd.OutOrStdout(), pr)
			if !pr.AllPassed {
				return errRunFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory to run gates in (default: work_dir)")
	return cmd
}
