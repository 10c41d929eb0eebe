package main

import (
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/dispatch/internal/chain"
	"github.com/aristath/dispatch/internal/config"
	"github.com/aristath/dispatch/internal/scheduler"
)

func chainCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chain",
		Short: "Run work items strictly in order, each on top of the previous one",
		Long: `A chain runs its items one after another. Each item starts from the branch
of the item before it; the first starts from the base branch. When an item
does not complete, the rest are skipped unless --skip-failed is set.

Chains are saved after every transition and can be resumed after a crash.`,
	}
	cmd.AddCommand(chainRunCmd(opts))
	cmd.AddCommand(chainResumeCmd(opts))
	cmd.AddCommand(chainShowCmd(opts))
	cmd.AddCommand(chainListCmd(opts))
	return cmd
}

func chainRunCmd(opts *rootOptions) *cobra.Command {
	var flags runFlags
	var name string

	cmd := &cobra.Command{
		Use:   "run <items-file>",
		Short: "Start a new chain",
		Long: `Start a new chain from an items file. Items may declare depends_on; they
are ordered so that every item runs after the items it depends on.

Examples:
  dispatch chain run release.yaml
  dispatch chain run --name auth --skip-failed auth.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readItems(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			if name == "" {
				name = doc.Name
			}
			if name == "" {
				name = chainName(args[0])
			}

			s, err := opts.open(cmd.Context(), func(cfg *config.Config) { flags.apply(cmd, cfg) })
			if err != nil {
				return err
			}
			defer s.Close()

			c, err := s.Runner.RunChain(cmd.Context(), name, doc.Items)
			if err != nil {
				return err
			}
			return chainResult(cmd, c)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&flags.skipFailed, "skip-failed", false, "start every item even when its predecessor failed")
	cmd.Flags().StringVar(&name, "name", "", "chain name (default: the file name)")
	return cmd
}

func chainResumeCmd(opts *rootOptions) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "resume <chain-id>",
		Short: "Continue a saved chain from its first unfinished item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd.Context(), func(cfg *config.Config) { flags.apply(cmd, cfg) })
			if err != nil {
				return err
			}
			defer s.Close()

			c, err := s.Runner.ResumeChain(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return chainResult(cmd, c)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&flags.skipFailed, "skip-failed", false, "start every item even when its predecessor failed")
	return cmd
}

func chainShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <chain-id>",
		Short: "Show a saved chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			c, err := store.LoadChain(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			renderChain(cmd.OutOrStdout(), c)
			return nil
		},
	}
}

func chainListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved chains, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			chains, err := store.ListChains(cmd.Context())
			if err != nil {
				return err
			}
			renderChainList(cmd.OutOrStdout(), chains)
			return nil
		},
	}
}

func chainResult(cmd *cobra.Command, c *chain.Chain) error {
	renderChain(cmd.OutOrStdout(), c)
	if c.Status != scheduler.StatusCompleted {
		return errRunFailed
	}
	return nil
}

// chainName derives a chain name from an items file path.
func chainName(path string) string {
	if path == "-" {
		return "stdin"
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
