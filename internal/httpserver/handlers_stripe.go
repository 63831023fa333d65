package httpserver

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	apierrors "github.com/runyourtrip/server/internal/errors"
	"github.com/runyourtrip/server/internal/logger"
	stripesvc "github.com/runyourtrip/server/internal/stripe"
	"github.com/runyourtrip/server/pkg/responders"
)

// handleStripeWebhook processes incoming Stripe webhook deliveries.
//
// The body must reach ParseWebhook byte-for-byte as Stripe sent it; any
// decoding or re-encoding before signature verification breaks the HMAC.
func (h *handlers) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	signature := r.Header.Get("Stripe-Signature")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Error().
			Err(err).
			Msg("stripe.webhook.read_body_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, fmt.Sprintf("read body: %v", err))
		return
	}

	event, err := h.stripe.ParseWebhook(body, signature)
	if err != nil {
		if errors.Is(err, stripesvc.ErrInvalidSignature) {
			log.Warn().
				Err(err).
				Msg("stripe.webhook.invalid_signature")
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidSignature, "webhook signature verification failed")
			return
		}
		// Verified delivery with a payload we could not decode. Retrying
		// cannot fix it, so acknowledge and move on.
		log.Error().
			Err(err).
			Msg("stripe.webhook.malformed_payload")
		responders.JSON(w, http.StatusOK, map[string]any{"received": true})
		return
	}

	log.Info().
		Str("event_type", event.Type).
		Msg("stripe.webhook.received")

	if err := h.stripe.HandleEvent(r.Context(), event); err != nil {
		// 500 tells Stripe to redeliver. Only transient failures reach here.
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, err.Error())
		return
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"received": true,
		"type":     event.Type,
	})
}

// stripeWebhookInfo renders a short help page for humans hitting the webhook
// URL in a browser.
func (h *handlers) stripeWebhookInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <title>Stripe Webhook Endpoint</title>
  <style>
    body { font-family: system-ui, sans-serif; max-width: 40rem; margin: 4rem auto; padding: 0 1.5rem; color: #1f2933; }
    h1 { color: #364fc7; }
    code { background: #f1f5f9; padding: 0.1rem 0.3rem; border-radius: 0.25rem; }
    ol { padding-left: 1.4rem; }
    li { margin-bottom: 0.5rem; }
  </style>
</head>
<body>
  <h1>Stripe Webhook Endpoint</h1>
  <p>This URL accepts <code>POST</code> requests from Stripe. For local testing:</p>
  <ol>
    <li>Install the Stripe CLI and run <code>stripe listen --forward-to localhost:8080/api/stripe/webhook</code> to relay events.</li>
    <li>Trigger a test event (e.g. <code>stripe trigger checkout.session.completed</code>) and watch the server logs for <code>checkout.purchase_recorded</code>.</li>
  </ol>
  <p>If you see this page, the endpoint is reachable over HTTP. Only signed <code>POST</code> requests from Stripe will be processed.</p>
</body>
</html>`)
}
