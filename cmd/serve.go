package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/omnirelay/internal/telemetry"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run producer and consumer in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
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

	srv := webhookServer(rt)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("webhook producer listening", "addr", srv.Addr, "path", rt.cfg.Webhook.Path)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		slog.Info("consumer pool started", "workers", rt.cfg.Queue.Workers)
		rt.worker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		rt.sweeper.Run(gctx)
		return nil
	})

	return g.Wait()
}
