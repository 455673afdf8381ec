package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/aleksaelezovic/sage/pkg/server/results"
	"github.com/aleksaelezovic/sage/pkg/sparql/engine"
	"github.com/aleksaelezovic/sage/pkg/sparql/iterators"
	"github.com/aleksaelezovic/sage/pkg/sparql/parser"
	"github.com/aleksaelezovic/sage/pkg/sparql/topk"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	File      string
	Next      string
	Graph     string
	Threshold string
	Steps     int
	All       bool
	Format    string
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query [sparql]",
		Short: "Run one quantum of a query",
		Long: `Run one quantum of a SELECT query and print the page of solutions.

A suspended query prints a next token; pass it back with --next to resume.
--steps replaces the time quantum with a budget of scan steps, which makes
suspension points deterministic.

Example:
  sage query 'SELECT * WHERE { ?s ?p ?o } LIMIT 10'
  sage query --file q.rq --steps 100
  sage query --next <token>
  sage query --all --format csv --file q.rq`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, opts, args)
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "read the query from a file")
	cmd.Flags().StringVar(&opts.Next, "next", "", "resume a suspended query")
	cmd.Flags().StringVarP(&opts.Graph, "graph", "g", "", "default graph of the query")
	cmd.Flags().StringVar(&opts.Threshold, "threshold", "", "merged TOP-K threshold, as a JSON object")
	cmd.Flags().IntVar(&opts.Steps, "steps", 0, "suspend after this many scan steps instead of the time quantum")
	cmd.Flags().BoolVar(&opts.All, "all", false, "resume until the query completes")
	cmd.Flags().StringVar(&opts.Format, "format", "json", "output format (json|csv|tsv|xml)")

	return cmd
}

func runQuery(cmd *cobra.Command, opts *QueryOptions, args []string) error {
	format, err := formatter(opts.Format)
	if err != nil {
		return err
	}
	query, err := queryText(opts.File, args)
	if err != nil {
		return err
	}
	if query == "" && opts.Next == "" {
		return NewExitError(ExitCommandError, "a query or --next token is required")
	}

	req := engine.Request{Query: query, Next: opts.Next, DefaultGraph: opts.Graph}
	if opts.Threshold != "" {
		if err := json.Unmarshal([]byte(opts.Threshold), &req.Threshold); err != nil {
			return WrapExitError(ExitCommandError, "malformed threshold", err)
		}
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
	result, err := execute(ctx, e, req, opts)
	if err != nil {
		return requestError("query failed", err)
	}

	data, err := format(result)
	if err != nil {
		return WrapExitError(ExitFailure, "formatting error", err)
	}
	out := cmd.OutOrStdout()
	if _, err := out.Write(data); err != nil {
		return err
	}
	if opts.Format != "json" && result.HasNext() {
		fmt.Fprintf(cmd.ErrOrStderr(), "next: %s\n", result.Next)
	}
	return nil
}

// execute runs one quantum, or every quantum with --all. Pages of a resumed
// query are concatenated into one result; pages of an ORDER BY ... LIMIT
// query are merged into its top-k, and the merged threshold is sent back
// with every resume.
func execute(ctx context.Context, e *engine.Engine, req engine.Request, opts *QueryOptions) (*engine.Result, error) {
	var order *topk.Order
	var k int
	if opts.All && req.Query != "" {
		order, k = topKOf(req.Query)
	}

	var merged *engine.Result
	for {
		if opts.Steps > 0 {
			req.Budget = iterators.NewStepBudget(opts.Steps)
		}
		result, err := e.Execute(ctx, req)
		if err != nil {
			return nil, err
		}
		if merged == nil {
			merged = result
		} else {
			merged.Bindings = append(merged.Bindings, result.Bindings...)
			merged.Next = result.Next
			merged.Threshold = result.Threshold
			merged.Stats.ImportTime += result.Stats.ImportTime
			merged.Stats.ExecTime += result.Stats.ExecTime
			merged.Stats.ExportTime += result.Stats.ExportTime
		}

		threshold := result.Threshold
		if order != nil {
			merged.Bindings, threshold = topk.Merge(order, k, merged.Bindings)
		}
		merged.Stats.Count = len(merged.Bindings)

		if !opts.All || !result.HasNext() {
			return merged, nil
		}
		req = engine.Request{Next: result.Next, Threshold: threshold}
	}
}

// topKOf returns the order and limit of an ORDER BY ... LIMIT query. The
// order is nil for any other query.
func topKOf(query string) (*topk.Order, int) {
	q, err := parser.NewParser(query).Parse()
	if err != nil || q.Select == nil || len(q.Select.OrderBy) == 0 || q.Select.Limit == nil {
		return nil, 0
	}
	return topk.NewOrder(q.Select.OrderBy), *q.Select.Limit
}

func formatter(format string) (func(*engine.Result) ([]byte, error), error) {
	switch format {
	case "json":
		return results.FormatJSON, nil
	case "csv":
		return results.FormatCSV, nil
	case "tsv":
		return results.FormatTSV, nil
	case "xml":
		return results.FormatXML, nil
	default:
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of json, csv, tsv, xml", format))
	}
}

// queryText reads the query from --file ("-" for stdin) or the argument
func queryText(file string, args []string) (string, error) {
	if file != "" && len(args) > 0 {
		return "", NewExitError(ExitCommandError, "pass the query either as an argument or with --file")
	}
	if len(args) > 0 {
		return args[0], nil
	}
	if file == "" {
		return "", nil
	}

	var data []byte
	var err error
	if file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file) // #nosec G304 - reading the file named by the user
	}
	if err != nil {
		return "", WrapExitError(ExitCommandError, "failed to read query", err)
	}
	return string(data), nil
}
