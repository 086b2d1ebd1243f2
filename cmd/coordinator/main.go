package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/orrn/labelfleet/internal/clock"
	"github.com/orrn/labelfleet/internal/config"
	"github.com/orrn/labelfleet/internal/coordinator"
	"github.com/orrn/labelfleet/internal/message"
	"github.com/orrn/labelfleet/internal/store"
	"github.com/orrn/labelfleet/internal/transport"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:     "labelfleet-coordinator",
		Short:   "Fleet-side job dispatcher for label printers",
		Version: "1.0.0",
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/coordinator.yaml", "config file path")

	rootCmd.AddCommand(buildServeCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator: device channel, dispatch loop and operator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	cfg = config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := cfg.NewLogger()

	repo, err := store.OpenSQLite(cfg.Coordinator.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer repo.Close()

	var channel message.Channel
	switch cfg.Transport.Kind {
	case "broker":
		channel, err = transport.NewBrokerServer(cfg.Transport.RedisURL, repo, logger)
		if err != nil {
			return fmt.Errorf("failed to build broker channel: %w", err)
		}
	default:
		channel = transport.NewSocketServer(transport.SocketServerConfig{
			Addr:         cfg.Transport.ListenAddr,
			SendTimeout:  cfg.Coordinator.SendTimeout,
			PingInterval: cfg.Coordinator.HeartbeatInterval,
		}, repo, logger)
	}

	registry := prometheus.NewRegistry()
	metrics := coordinator.NewMetrics(registry)
	coord := coordinator.New(cfg.Coordinator, repo, repo, channel, clock.Real(), metrics, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := coord.Start(ctx); err != nil {
		return err
	}
	logger.Info("coordinator started",
		"transport", cfg.Transport.Kind, "api_addr", cfg.Coordinator.APIAddr)

	api := coordinator.NewAPI(coord, cfg.Coordinator.APIPasswordHash, registry)
	server := &http.Server{
		Addr:    cfg.Coordinator.APIAddr,
		Handler: api.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("api server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown incomplete", "error", err)
	}
	return coord.Stop()
}
