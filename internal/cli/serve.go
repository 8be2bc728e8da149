package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldrec/internal/ctxlog"
	"github.com/roach88/fieldrec/internal/httpapi"
	"github.com/roach88/fieldrec/internal/ingest"
)

const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr      string
	Store     string
	Database  string
	SchemaDir string

	// IDGenerator overrides the generator for nonce-less submissions (for
	// testing). If nil, defaults to ingest.UUIDv7Generator.
	IDGenerator ingest.IDGenerator

	// onListen is called with the bound address once the listener is up.
	onListen func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP ingestion service",
		Long: `Start the HTTP ingestion service.

Opens the configured record store, restores published schemas, publishes
the CUE forms found in the schema directory and serves the submission API
until interrupted.

Flags override FIELDREC_* environment variables, which override the
config file.

Example:
  fieldrec serve --schemas ./forms
  fieldrec serve --config fieldrec.yaml --addr :9090
  fieldrec serve --store memory --schemas ./forms --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides http_addr)")
	cmd.Flags().StringVar(&opts.Store, "store", "", "record store: sqlite, memory, postgres or redis")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides sqlite_path)")
	cmd.Flags().StringVar(&opts.SchemaDir, "schemas", "", "directory of CUE form definitions")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.HTTPAddr = opts.Addr
	}
	if opts.Store != "" {
		cfg.Store = opts.Store
	}
	if opts.Database != "" {
		cfg.SQLitePath = opts.Database
	}
	if opts.SchemaDir != "" {
		cfg.SchemaDir = opts.SchemaDir
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.LogFormat, cfg.LogLevel, opts.Verbose)
	slog.SetDefault(logger)

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctxlog.WithLogger(parentCtx, logger))
	defer cancel()

	slog.Info("opening store", "store", cfg.Store)
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer func() {
		if closeErr := b.Close(); closeErr != nil {
			slog.Error("error closing store", "error", closeErr)
		}
	}()

	reg, err := loadRegistry(ctx, b, cfg.SchemaDir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load schemas", err)
	}
	slog.Info("schemas ready", "forms", len(reg.Forms()))

	ids := opts.IDGenerator
	if ids == nil {
		ids = ingest.UUIDv7Generator{}
	}
	coord := ingest.NewCoordinator(reg, b.records,
		ingest.WithIDGenerator(ids),
		ingest.WithStoreTimeout(cfg.StoreTimeout),
	)

	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{
		Handler:           httpapi.NewRouter(coord, reg, httpapi.Options{JWTSecret: cfg.JWTSecret, Logger: logger}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	addr := ln.Addr().String()
	slog.Info("server listening", "addr", addr, "store", cfg.Store, "auth", cfg.JWTSecret != "")
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", addr)
	if opts.onListen != nil {
		opts.onListen(addr)
	}

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "server error", err)
		}
		return nil
	case <-ctx.Done():
	}

	// ctx is already canceled; shutdown gets its own deadline.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "shutdown error", err)
	}
	slog.Info("server stopped gracefully")
	return nil
}
