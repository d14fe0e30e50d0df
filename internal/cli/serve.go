package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/api"
	"github.com/roach88/tally/internal/session"
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
		Short: "Run the sync engine and the local HTTP API",
		Long: `Open a session, start the sync engine and serve the local HTTP API
and websocket notification stream until interrupted.

Example:
  tally serve --db ./tally.db --owner user-1
  tally serve --config tally.yaml --listen 127.0.0.1:9090 --offline`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
	logger := opts.newLogger(cfg, cmd.ErrOrStderr())

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	hub := api.NewHub(logger)
	s, err := session.Open(ctx, cfg, session.WithLogger(logger), session.WithNotifier(hub))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open session", err)
	}
	defer func() {
		if closeErr := s.Close(); closeErr != nil {
			logger.Error("error closing session", "error", closeErr)
		}
	}()

	if err := s.Start(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to start engine", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Serving on http://%s (owner %q, online %t)\n", cfg.Listen, s.Owner(), s.Online())
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	router := api.NewRouter(api.NewHandler(s, logger), hub)
	if err := api.Serve(ctx, cfg.Listen, router, logger); err != nil {
		return WrapExitError(ExitFailure, "http server error", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}
