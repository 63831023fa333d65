// Package stripe authenticates and dispatches payment gateway webhooks.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	stripeapi "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/webhook"

	"github.com/runyourtrip/server/internal/config"
	"github.com/runyourtrip/server/internal/metrics"
	"github.com/runyourtrip/server/internal/purchases"
	"github.com/runyourtrip/server/internal/storage"
)

// ErrInvalidSignature marks a webhook delivery whose signature does not
// verify against the shared secret. Handlers respond 400 and drop the event.
var ErrInvalidSignature = errors.New("stripe: invalid webhook signature")

// Client verifies webhook deliveries and routes events to their handlers.
type Client struct {
	cfg       config.StripeConfig
	purchases *purchases.Service
	store     storage.Store
	metrics   *metrics.Metrics
}

// NewClient sets up stripe-go with the provided credentials.
func NewClient(cfg config.StripeConfig, purchaseSvc *purchases.Service, store storage.Store, metricsCollector *metrics.Metrics) *Client {
	stripeapi.Key = cfg.SecretKey
	return &Client{
		cfg:       cfg,
		purchases: purchaseSvc,
		store:     store,
		metrics:   metricsCollector,
	}
}

// WebhookEvent is the normalized form of one verified delivery. Only the
// section matching Type is populated.
type WebhookEvent struct {
	Type          string
	Checkout      purchases.CheckoutEvent
	Subscription  SubscriptionEvent
	PaymentIntent PaymentIntentEvent
}

// SubscriptionEvent carries the fields needed to track subscription state.
type SubscriptionEvent struct {
	SubscriptionID string
	CustomerID     string
	Status         string
}

// PaymentIntentEvent covers the fallback path for payments that arrive
// outside a checkout session.
type PaymentIntentEvent struct {
	IntentID string
	Metadata map[string]string
}

// ParseWebhook verifies the delivery signature over the exact raw bytes and
// normalizes the payload. The body must not have been parsed or re-encoded
// before this call; re-serialization breaks the signature.
func (c *Client) ParseWebhook(payload []byte, signature string) (WebhookEvent, error) {
	if c.cfg.WebhookSecret == "" {
		return WebhookEvent{}, errors.New("stripe: webhook secret not configured")
	}
	event, err := webhook.ConstructEvent(payload, signature, c.cfg.WebhookSecret)
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := WebhookEvent{Type: event.Type}
	switch event.Type {
	case "checkout.session.completed":
		var checkout stripeapi.CheckoutSession
		if err := jsonExtract(event.Data.Raw, &checkout); err != nil {
			return WebhookEvent{}, err
		}
		out.Checkout = purchases.CheckoutEvent{
			SessionID:     checkout.ID,
			CustomerEmail: checkout.CustomerEmail,
			PaymentStatus: string(checkout.PaymentStatus),
			AmountTotal:   checkout.AmountTotal,
			Currency:      string(checkout.Currency),
			Metadata:      checkout.Metadata,
		}
		if out.Checkout.CustomerEmail == "" && checkout.CustomerDetails != nil {
			out.Checkout.CustomerEmail = checkout.CustomerDetails.Email
		}

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripeapi.Subscription
		if err := jsonExtract(event.Data.Raw, &sub); err != nil {
			return WebhookEvent{}, err
		}
		customerID := ""
		if sub.Customer != nil {
			customerID = sub.Customer.ID
		}
		out.Subscription = SubscriptionEvent{
			SubscriptionID: sub.ID,
			CustomerID:     customerID,
			Status:         string(sub.Status),
		}

	case "payment_intent.succeeded":
		var intent stripeapi.PaymentIntent
		if err := jsonExtract(event.Data.Raw, &intent); err != nil {
			return WebhookEvent{}, err
		}
		out.PaymentIntent = PaymentIntentEvent{
			IntentID: intent.ID,
			Metadata: intent.Metadata,
		}
	}
	return out, nil
}

// HandleEvent routes a verified event. An error return tells the webhook
// handler to respond 500 so the gateway redelivers later; nil acknowledges.
func (c *Client) HandleEvent(ctx context.Context, ev WebhookEvent) error {
	logger := zerolog.Ctx(ctx).With().Str("event_type", ev.Type).Logger()
	start := time.Now()

	var err error
	switch ev.Type {
	case "checkout.session.completed":
		err = c.purchases.CompleteCheckout(ctx, ev.Checkout)

	case "customer.subscription.created", "customer.subscription.updated":
		err = c.recordSubscription(ctx, ev.Subscription, "active")

	case "customer.subscription.deleted":
		err = c.recordSubscription(ctx, ev.Subscription, "canceled")

	case "payment_intent.succeeded":
		c.handlePaymentIntent(ctx, ev.PaymentIntent)

	default:
		// Unrecognized types are acknowledged so the gateway stops resending.
		logger.Debug().Msg("stripe.webhook.ignored_event")
	}

	status := "ok"
	if err != nil {
		status = "error"
		logger.Error().Err(err).Msg("stripe.webhook.handler_failed")
	}
	c.metrics.ObserveWebhook(ev.Type, status, time.Since(start))
	return err
}

func (c *Client) recordSubscription(ctx context.Context, sub SubscriptionEvent, status string) error {
	if sub.CustomerID == "" {
		zerolog.Ctx(ctx).Warn().
			Str("subscription_id", sub.SubscriptionID).
			Msg("stripe.subscription.missing_customer")
		return nil
	}
	err := c.store.UpsertSubscriptionStatus(ctx, storage.Subscription{
		CustomerID: sub.CustomerID,
		ExternalID: sub.SubscriptionID,
		Status:     status,
	})
	if err != nil {
		return fmt.Errorf("record subscription %s: %w", sub.SubscriptionID, err)
	}
	zerolog.Ctx(ctx).Info().
		Str("subscription_id", sub.SubscriptionID).
		Str("customer_id", sub.CustomerID).
		Str("status", status).
		Msg("stripe.subscription.recorded")
	return nil
}

// handlePaymentIntent covers payments that arrive without a checkout
// session: only the sale counter moves, best-effort. No purchase row exists
// to attach a download to, so failures here never warrant a retry.
func (c *Client) handlePaymentIntent(ctx context.Context, intent PaymentIntentEvent) {
	logger := zerolog.Ctx(ctx).With().Str("intent_id", intent.IntentID).Logger()

	productID := intent.Metadata["productId"]
	if productID == "" {
		productID = intent.Metadata["product_id"]
	}
	if productID == "" {
		logger.Debug().Msg("stripe.payment_intent.no_product")
		return
	}
	templateID, err := strconv.ParseInt(productID, 10, 64)
	if err != nil {
		logger.Warn().Str("product_id", productID).Msg("stripe.payment_intent.invalid_product_id")
		return
	}
	if err := c.store.IncrementTemplateSales(ctx, templateID); err != nil {
		logger.Error().Err(err).Int64("template_id", templateID).Msg("stripe.payment_intent.sales_increment_failed")
		return
	}
	logger.Info().Int64("template_id", templateID).Msg("stripe.payment_intent.sale_recorded")
}

func jsonExtract(data []byte, v any) error {
	if len(data) == 0 {
		return errors.New("stripe: webhook payload empty")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("stripe: decode webhook payload: %w", err)
	}
	return nil
}
