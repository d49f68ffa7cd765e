package dispatch

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/mymmrac/telego"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/omnirelay/internal/access"
)

const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

// maxWebhookBody bounds a single update payload.
const maxWebhookBody = 1 << 20

// WebhookHandler returns the HTTP handler for the Telegram webhook endpoint.
// Apart from a failed secret check, it acknowledges every request with 200 so
// the platform never retries: a malformed or undeliverable update is logged
// and dropped, not bounced.
func (d *Dispatcher) WebhookHandler(secret string) http.Handler {
	tracer := otel.Tracer("omnirelay/dispatch")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !access.VerifySecret(r.Header.Get(secretHeader), secret) {
			slog.Warn("webhook secret verification failed",
				"event", "security_block", "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			slog.Warn("failed to read webhook body", "error", err)
			w.WriteHeader(http.StatusOK)
			return
		}

		var update telego.Update
		if err := json.Unmarshal(body, &update); err != nil {
			slog.Warn("invalid JSON in webhook body", "error", err)
			w.WriteHeader(http.StatusOK)
			return
		}

		ctx, span := tracer.Start(r.Context(), "webhook.update")
		span.SetAttributes(attribute.Int("telegram.update_id", update.UpdateID))
		d.Process(ctx, body, &update)
		span.End()

		w.WriteHeader(http.StatusOK)
	})
}
