package main

import (
	"context"
	"encoding/json"
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

	"github.com/noahxzhu/med-reminder/internal/config"
	"github.com/noahxzhu/med-reminder/internal/web"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "medremind",
	Short:         "Medication and appointment reminder scheduler",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the matcher loop and the host API until interrupted",
	RunE:  runServe,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run a single matcher pass and print the result",
	RunE:  runCheck,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "path to the config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
}

func main() {
	// Setup structured logger (JSON handler)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("medremind failed", "error", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	a.startSubscription(ctx)

	matcherDone := a.startMatcher(ctx)

	srv := web.NewServer(a.store, a.planner, a.matcher, a.sub, a.platform)
	httpServer := &http.Server{
		Addr:    cfg.Server.Port,
		Handler: srv,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "port", cfg.Server.Port, "url", "http://localhost"+cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}

	slog.Info("Shutting down...")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("server forced to shutdown: %w", err)
	}
	// The deferred Close must not run while a tick is still using the registry.
	<-matcherDone
	if serveErr != nil {
		return serveErr
	}
	slog.Info("Server exited")
	return nil
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	a.startSubscription(ctx)

	res := a.matcher.Tick(ctx)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
