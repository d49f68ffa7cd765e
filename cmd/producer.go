package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/omnirelay/internal/telemetry"
)

func producerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "producer",
		Short: "Run the webhook producer (accepts updates, fills the queue)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProducer()
		},
	}
}

func runProducer() error {
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
	errCh := make(chan error, 1)
	go func() {
		slog.Info("webhook producer listening", "addr", srv.Addr, "path", rt.cfg.Webhook.Path)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down webhook producer")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func webhookServer(rt *runtime) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(rt.cfg.Webhook.Path, rt.dispatcher.WebhookHandler(rt.cfg.Telegram.WebhookSecret))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", rt.cfg.Webhook.Host, rt.cfg.Webhook.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
