package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aleksaelezovic/sage/pkg/server"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP SPARQL endpoint",
		Long: `Start the HTTP endpoint over the configured dataset.

Example:
  sage serve --config sage.yaml
  sage serve --listen 0.0.0.0:8000 --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Listen, "listen", "l", "", "listen address (overrides the configuration)")

	return cmd
}

func runServe(parent context.Context, opts *ServeOptions) error {
	cfg, e, ds, err := opts.open()
	if err != nil {
		return err
	}
	defer closeDataset(ds)

	addr := cfg.Listen
	if opts.Listen != "" {
		addr = opts.Listen
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	srv := server.NewServer(e, addr, slog.Default())
	g.Go(func() error {
		return srv.Start(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down", "cause", context.Cause(ctx))
		return nil
	})

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	return nil
}
