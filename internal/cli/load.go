package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aleksaelezovic/sage/pkg/rdf"
)

// LoadOptions holds flags for the load command.
type LoadOptions struct {
	*RootOptions
	Graph string
}

// NewLoadCommand creates the load command.
func NewLoadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "load <file>...",
		Short: "Bulk load N-Triples or N-Quads files",
		Long: `Bulk load N-Triples (.nt) or N-Quads (.nq) files into the dataset.
Statements without a graph go to --graph, or the default graph.

Example:
  sage load --config sage.yaml watdiv.nt
  sage load --graph http://example.org/g data.nq`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(cmd, opts, args)
		},
	}

	cmd.Flags().StringVarP(&opts.Graph, "graph", "g", "", "graph of statements without one")

	return cmd
}

func runLoad(cmd *cobra.Command, opts *LoadOptions, files []string) error {
	_, e, ds, err := opts.open()
	if err != nil {
		return err
	}
	defer closeDataset(ds)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	total := 0
	start := time.Now()
	for _, file := range files {
		n, err := loadFile(file, func(reader *rdf.NQuadsReader) (int, error) {
			return e.Load(ctx, reader, opts.Graph)
		})
		total += n
		if err != nil {
			return requestError(fmt.Sprintf("failed to load %s", file), err)
		}
	}

	_, err = fmt.Fprintf(cmd.OutOrStdout(), "loaded %d triples in %s\n", total, time.Since(start).Round(time.Millisecond))
	return err
}

func loadFile(file string, load func(*rdf.NQuadsReader) (int, error)) (int, error) {
	f, err := os.Open(file) // #nosec G304 - loading the file named by the user
	if err != nil {
		return 0, WrapExitError(ExitCommandError, "failed to open input", err)
	}
	defer f.Close() // #nosec G307

	reader, err := rdf.NewReader(contentType(file), f)
	if err != nil {
		return 0, WrapExitError(ExitCommandError, "unsupported input", err)
	}
	return load(reader)
}

// contentType guesses the format of a file from its extension
func contentType(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".nq":
		return "application/n-quads"
	case ".nt":
		return "application/n-triples"
	default:
		return "text/plain"
	}
}
