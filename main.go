// Session Bridge - relays agent CLI sessions to browser viewers
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/workspace/session-bridge/internal/config"
	"github.com/workspace/session-bridge/internal/logging"
	"github.com/workspace/session-bridge/internal/server"
)

const shutdownTimeout = 30 * time.Second

type flags struct {
	host     string
	port     int
	logLevel string
	dbPath   string
	manifest string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "session-bridge",
		Short: "Bridge headless agent CLI sessions to browser clients",
		Long: `session-bridge launches agent CLI processes that dial back over a
WebSocket, and relays their line-delimited JSON stream to any number of
browser viewers with replay, permission prompts, and viewer actions.

Configuration is read from the environment; flags override it.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, f)
		},
	}

	cmd.Flags().StringVar(&f.host, "host", "", "interface to listen on (overrides BRIDGE_HOST)")
	cmd.Flags().IntVar(&f.port, "port", 0, "port to listen on (overrides BRIDGE_PORT)")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "debug, info, warn, or error (overrides LOG_LEVEL)")
	cmd.Flags().StringVar(&f.dbPath, "db", "", "SQLite path for session metadata (overrides BRIDGE_DB_PATH)")
	cmd.Flags().StringVar(&f.manifest, "manifest", "", "mode manifest YAML (overrides MODE_MANIFEST)")
	return cmd
}

func run(cmd *cobra.Command, f flags) error {
	closer := logging.Setup()
	defer closer.Close()
	if f.logLevel != "" {
		logging.Level.Set(logging.ParseLevel(f.logLevel))
	}

	slog.Info("Starting session bridge...")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := applyFlags(cmd, cfg, f); err != nil {
		return err
	}

	slog.Info("Configuration loaded", "addr", cfg.ListenAddr(), "agentBinary", cfg.AgentBinary, "db", cfg.DBPath)

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case err := <-errCh:
		slog.Error("Server error", "error", err)
		runErr = err
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down...", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	slog.Info("Session bridge stopped")
	return runErr
}

// applyFlags overrides environment configuration with explicitly set flags
// and re-derives the fields that depend on the listen address.
func applyFlags(cmd *cobra.Command, cfg *config.Config, f flags) error {
	addrChanged := false
	if cmd.Flags().Changed("host") {
		cfg.Host = f.host
		addrChanged = true
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = f.port
		addrChanged = true
	}
	if cmd.Flags().Changed("db") {
		cfg.DBPath = f.dbPath
	}
	if cmd.Flags().Changed("manifest") {
		cfg.ModeManifestPath = f.manifest
	}
	if !addrChanged {
		return nil
	}

	if os.Getenv("CALLBACK_BASE_URL") == "" {
		cfg.CallbackBaseURL = ""
	}
	if os.Getenv("ALLOWED_ORIGINS") == "" {
		cfg.AllowedOrigins = nil
	}
	if err := cfg.Finalize(); err != nil {
		return fmt.Errorf("apply flags: %w", err)
	}
	return nil
}
