package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/dispatch/internal/persistence"
	"github.com/aristath/dispatch/internal/poller"
)

// openStore opens only the state database.
func (o *rootOptions) openStore(ctx context.Context) (*persistence.SQLiteStore, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	return persistence.NewSQLiteStore(ctx, cfg.DatabasePath)
}

func itemCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "item",
		Short: "Report and inspect work item states",
	}
	cmd.AddCommand(itemReportCmd(opts))
	cmd.AddCommand(itemStatusCmd(opts))
	return cmd
}

func itemReportCmd(opts *rootOptions) *cobra.Command {
	var reference, errMsg string

	cmd := &cobra.Command{
		Use:   "report <key> <state>",
		Short: "Report the state of a started item",
		Long: `Workers launched by the starter call this to report progress and their
final outcome. State is one of pending, running, completed or failed.

The database is taken from $DISPATCH_DATABASE, which the starter sets for
every worker it launches.

Examples:
  dispatch item report "$DISPATCH_ITEM_KEY" running
  dispatch item report "$DISPATCH_ITEM_KEY" completed --reference https://example.com/pull/12
  dispatch item report "$DISPATCH_ITEM_KEY" failed --error "tests did not pass"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			state := poller.State(args[1])
			if !state.Valid() {
				return fmt.Errorf("unknown state %q: want pending, running, completed or failed", args[1])
			}

			store, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.ReportItem(cmd.Context(), args[0], state, reference, errMsg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], state)
			return nil
		},
	}
	cmd.Flags().StringVar(&reference, "reference", "", "reference to the produced work (pull request, session id)")
	cmd.Flags().StringVar(&errMsg, "error", "", "failure diagnostic")
	return cmd
}

func itemStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [key]",
		Short: "List item states, or the report history of one item",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			items, err := store.ListItems(cmd.Context())
			if err != nil {
				return err
			}
			if len(args) == 0 {
				renderItems(cmd.OutOrStdout(), items)
				return nil
			}

			for _, rec := range items {
				if rec.Key != args[0] {
					continue
				}
				history, err := store.History(cmd.Context(), rec.Key)
				if err != nil {
					return err
				}
				renderHistory(cmd.OutOrStdout(), rec, history)
				return nil
			}
			return fmt.Errorf("%w: %s", persistence.ErrItemNotFound, args[0])
		},
	}
}
