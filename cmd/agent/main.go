package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/orrn/labelfleet/internal/agent"
	"github.com/orrn/labelfleet/internal/clock"
	"github.com/orrn/labelfleet/internal/config"
	"github.com/orrn/labelfleet/internal/message"
	"github.com/orrn/labelfleet/internal/printer"
	"github.com/orrn/labelfleet/internal/transport"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:     "labelfleet-agent",
		Short:   "Device-side agent driving one label printer",
		Version: "1.0.0",
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/agent.yaml", "config file path")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Connect to the coordinator and process print jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	cfg = config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := cfg.NewLogger()

	queue, err := agent.NewLocalQueue(cfg.Agent.QueuePath, cfg.Agent.QueueCapacity, logger)
	if err != nil {
		return fmt.Errorf("failed to open local queue: %w", err)
	}

	var channel message.Channel
	switch cfg.Transport.Kind {
	case "broker":
		channel, err = transport.NewBrokerClient(transport.BrokerClientConfig{
			RedisURL:   cfg.Transport.RedisURL,
			DeviceID:   cfg.Agent.DeviceID,
			Credential: cfg.Agent.Credential,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to build broker channel: %w", err)
		}
	default:
		channel = transport.NewSocketClient(transport.SocketClientConfig{
			ServerAddr:  cfg.Transport.ServerAddr,
			DeviceID:    cfg.Agent.DeviceID,
			Credential:  cfg.Agent.Credential,
			DialTimeout: cfg.Transport.DialTimeout,
		}, logger)
	}

	driver := printer.New(cfg.Agent.Printer, logger)
	defer driver.Cleanup()

	a := agent.New(cfg.Agent, channel, queue, driver, clock.Real(), logger)
	a.Start()
	logger.Info("agent started", "device_id", cfg.Agent.DeviceID, "transport", cfg.Transport.Kind)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	driver.Cleanup()
	return a.Stop()
}
