package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/dispatch/internal/config"
	"github.com/aristath/dispatch/internal/scheduler"
)

// runFlags override configuration for a single run.
type runFlags struct {
	concurrency int
	sequential  bool
	validate    bool
	timeout     time.Duration
	base        string
	skipFailed  bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&f.concurrency, "concurrency", "n", 0, "maximum safe items in flight")
	cmd.Flags().BoolVar(&f.sequential, "sequential", false, "run every item one at a time, in input order")
	cmd.Flags().BoolVar(&f.validate, "validate", false, "verify completed items with the configured gates")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "how long to wait for each item to report")
	cmd.Flags().StringVar(&f.base, "base", "", "base branch items build on")
}

// apply copies the flags the user set onto cfg.
func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("concurrency") {
		cfg.Concurrency = f.concurrency
	}
	if flags.Changed("sequential") {
		cfg.Sequential = f.sequential
	}
	if flags.Changed("validate") {
		cfg.RunGates = f.validate
	}
	if flags.Changed("timeout") {
		cfg.ItemTimeout = config.Duration(f.timeout)
	}
	if flags.Changed("base") {
		cfg.BaseBranch = f.base
	}
	if flags.Changed("skip-failed") {
		cfg.SkipFailed = f.skipFailed
	}
}

func runCmd(opts *rootOptions) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run <items-file>",
		Short: "Run a batch of work items with conflict-aware concurrency",
		Long: `Start every item in the file through the configured starter and wait for
each to report its outcome.

Items are read from JSON or YAML ("-" reads stdin), either as a list or as
{"items": [...]}. Conflicting items run one at a time after the safe ones.

Examples:
  dispatch run issues.yaml
  dispatch run --concurrency 5 --validate issues.json
  gh issue list --json number,title,labels | jq ... | dispatch run -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readItems(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}

			s, err := opts.open(cmd.Context(), func(cfg *config.Config) { flags.apply(cmd, cfg) })
			if err != nil {
				return err
			}
			defer s.Close()

			report, err := s.Runner.RunBatch(cmd.Context(), pointers(doc.Items))
			if err != nil {
				return err
			}
			renderReport(cmd.OutOrStdout(), report)
			if report.Summary.Failed > 0 || report.Summary.Skipped > 0 {
				return errRunFailed
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func classifyCmd(opts *rootOptions) *cobra.Command {
	var labels []string

	cmd := &cobra.Command{
		Use:   "classify <items-file>",
		Short: "Show which items would run in parallel and which one at a time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readItems(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			indicators := cfg.ConflictLabels
			if cmd.Flags().Changed("labels") {
				indicators = labels
			}
			if indicators == nil {
				indicators = scheduler.DefaultConflictLabels
			}

			items := pointers(doc.Items)
			if err := scheduler.ValidateItems(items); err != nil {
				return err
			}
			renderPartition(cmd.OutOrStdout(), scheduler.Classify(items, indicators))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&labels, "labels", nil, fmt.Sprintf("conflict labels (default from config: %v)", scheduler.DefaultConflictLabels))
	return cmd
}
