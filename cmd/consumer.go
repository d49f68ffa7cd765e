package cmd

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/omnirelay/internal/telemetry"
)

func consumerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consumer",
		Short: "Run the consumer pool (drains the queue into the agent gateway)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsumer()
		},
	}
}

func runConsumer() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}

	shutdownTracing, err := telemetry.Setup(ctx, rt.cfg.Telemetry)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	go rt.sweeper.Run(ctx)

	slog.Info("consumer pool started", "workers", rt.cfg.Queue.Workers)
	rt.worker.Run(ctx)
	slog.Info("consumer pool stopped")
	return nil
}
