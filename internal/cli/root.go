// Package cli implements the sage command line.
package cli

import (
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aleksaelezovic/sage/internal/config"
	"github.com/aleksaelezovic/sage/pkg/sparql"
	"github.com/aleksaelezovic/sage/pkg/sparql/engine"
	"github.com/aleksaelezovic/sage/pkg/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Config  string
	Verbose bool
}

// NewRootCommand creates the root command for the sage CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "sage",
		Short: "sage - a preemptable SPARQL query engine",
		Long: `A SPARQL engine with Web preemption: queries run for a fixed time quantum,
then return a page of solutions and a token that resumes them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "path to YAML configuration (default: one in-memory graph)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewExplainCommand(opts))
	cmd.AddCommand(NewLoadCommand(opts))
	cmd.AddCommand(NewUpdateCommand(opts))

	return cmd
}

// logger configures the default logger from the verbose flag
func (o *RootOptions) logger() *slog.Logger {
	level := slog.LevelInfo
	if o.Verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// loadConfig reads the configuration file, or the default configuration
func (o *RootOptions) loadConfig() (*config.Config, error) {
	if o.Config == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(o.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	return cfg, nil
}

// open opens the configured dataset and an engine over it. The caller
// closes the dataset.
func (o *RootOptions) open() (*config.Config, *engine.Engine, *store.Dataset, error) {
	logger := o.logger()
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	ds, err := cfg.OpenDataset()
	if err != nil {
		return nil, nil, nil, WrapExitError(ExitCommandError, "failed to open dataset", err)
	}
	logger.Debug("dataset opened", "graphs", ds.URIs(), "default", ds.DefaultGraph())

	e := engine.New(ds, engine.Options{
		Quantum:    cfg.Quantum,
		MaxResults: cfg.MaxResults,
		MaxTopK:    cfg.MaxTopK,
		ForceOrder: cfg.ForceOrder,
		Snapshot:   cfg.Snapshot,
		Logger:     logger,
	})
	return cfg, e, ds, nil
}

func closeDataset(ds *store.Dataset) {
	if err := ds.Close(); err != nil {
		slog.Error("error closing dataset", "error", err)
	}
}

// requestError gives client errors the command error exit code
func requestError(message string, err error) error {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return err
	}
	if errors.Is(err, engine.ErrInvalidRequest) || errors.Is(err, sparql.ErrUnsupportedSPARQL) ||
		errors.Is(err, sparql.ErrDeleteInsertConflict) {
		return WrapExitError(ExitCommandError, message, err)
	}
	return WrapExitError(ExitFailure, message, err)
}
