package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aleksaelezovic/sage/pkg/sparql/engine"
)

// ExplainOptions holds flags for the explain command.
type ExplainOptions struct {
	*RootOptions
	File  string
	Next  string
	Graph string
}

// NewExplainCommand creates the explain command.
func NewExplainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExplainOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "explain [sparql]",
		Short: "Print the iterator pipeline of a query",
		Long: `Print the physical plan of a query, or of the suspended query behind
a next token, without running it.

Example:
  sage explain 'SELECT * WHERE { ?s a ?c } ORDER BY ?c LIMIT 5'
  sage explain --next <token>`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := queryText(opts.File, args)
			if err != nil {
				return err
			}
			if query == "" && opts.Next == "" {
				return NewExitError(ExitCommandError, "a query or --next token is required")
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
			plan, err := e.Explain(ctx, engine.Request{Query: query, Next: opts.Next, DefaultGraph: opts.Graph})
			if err != nil {
				return requestError("explain failed", err)
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), plan)
			return err
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "read the query from a file")
	cmd.Flags().StringVar(&opts.Next, "next", "", "explain a suspended query")
	cmd.Flags().StringVarP(&opts.Graph, "graph", "g", "", "default graph of the query")

	return cmd
}
