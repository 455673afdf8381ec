package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// UpdateOptions holds flags for the update command.
type UpdateOptions struct {
	*RootOptions
	File  string
	Graph string
}

// NewUpdateCommand creates the update command.
func NewUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &UpdateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "update [sparql]",
		Short: "Apply INSERT DATA and DELETE DATA operations",
		Long: `Apply a sequence of INSERT DATA and DELETE DATA operations.
Deleting a triple that does not exist fails with a conflict.

Example:
  sage update 'INSERT DATA { <http://example.org/a> <http://example.org/p> "x" }'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			update, err := queryText(opts.File, args)
			if err != nil {
				return err
			}
			if update == "" {
				return NewExitError(ExitCommandError, "an update is required")
			}

			_, e, ds, err := opts.open()
			if err != nil {
				return err
			}
			defer closeDataset(ds)

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			stats, err := e.Update(ctx, update, opts.Graph)
			if err != nil {
				return requestError("update failed", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "inserted %d, deleted %d\n", stats.Inserted, stats.Deleted)
			return err
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "read the update from a file")
	cmd.Flags().StringVarP(&opts.Graph, "graph", "g", "", "graph of triples outside GRAPH blocks")

	return cmd
}
