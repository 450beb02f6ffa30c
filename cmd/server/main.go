/*
main.go - Application entry point

PURPOSE:
  Starts the contract lifecycle engine: the HTTP API plus the scheduled
  reminder sweep, or a single sweep for use from an external scheduler.

COMMANDS:
  serve    Run the HTTP server (and the cron sweep when enabled)
  sweep    Run one reminder sweep and print the summary as JSON

FLAGS:
  -c, --config   YAML config file (defaults apply when omitted)

ENVIRONMENT:
  CONTRACTS_* variables override the file, see config/config.go.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the reminder scheduler (waits for a running sweep)
  2. Stop accepting new connections
  3. Wait for active requests up to server.shutdown_timeout
  4. Close the store and the NATS connection

EXAMPLES:
  # Run with the default sqlite database
  ./server serve

  # In-memory store on another port
  CONTRACTS_DB_DRIVER=memory CONTRACTS_PORT=3000 ./server serve

  # Nightly sweep from a system cron
  ./server sweep -c /etc/contracts.yaml

SEE ALSO:
  - app.go: Dependency wiring
  - api/server.go: Router configuration
  - config/config.go: Configuration
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/contract-engine/api"
	"github.com/warp/contract-engine/config"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "contract-engine",
		Short:         "Installment and pawn contract lifecycle engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduled reminder sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Run one reminder sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sweep(cmd.Context(), configPath)
		},
	})
	return cmd
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	app, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	handler := api.NewHandler(app.store, app.factory, app.ledger, app.sweeper, app.clock, app.log)
	handler.SlipTolerance = app.slipTolerance
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: cfg.Server.CORSOrigins,
		Metrics:     app.metrics.Handler(),
		Logger:      app.log,
	})

	var scheduler *api.ReminderScheduler
	if cfg.Reminders.Enabled {
		scheduler, err = api.NewReminderScheduler(app.sweeper, cfg.Reminders.Schedule, app.log)
		if err != nil {
			return err
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		app.log.WithField("addr", server.Addr).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	app.log.Info("shutting down server")
	if scheduler != nil {
		scheduler.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	app.log.Info("server stopped")
	return nil
}

func sweep(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	app, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, err := app.sweeper.Run(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
