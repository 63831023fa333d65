package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/runyourtrip/server/internal/config"
	"github.com/runyourtrip/server/internal/mail"
	"github.com/runyourtrip/server/internal/purchases"
	"github.com/runyourtrip/server/internal/storage"
	"github.com/runyourtrip/server/internal/token"
)

const testWebhookSecret = "whsec_test_secret"

// signPayload builds a valid Stripe-Signature header for a payload, the same
// scheme the gateway uses: v1 = HMAC-SHA256(secret, "{ts}.{payload}").
func signPayload(payload []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func newTestClient(t *testing.T) (*Client, *storage.MemoryStore) {
	t.Helper()

	store := storage.NewMemoryStore()
	store.SeedTemplate(storage.Template{ID: 42, Name: "Trip Planner Pro", SellerID: "seller-1", Code: "<p/>"})

	tokens, err := token.NewService("stripe-test-secret")
	if err != nil {
		t.Fatal(err)
	}
	purchaseSvc := purchases.NewService(store, tokens, mail.NoopMailer{}, nil,
		"https://runyourtrip.com/api", "support@runyourtrip.com")

	client := NewClient(config.StripeConfig{
		SecretKey:     "sk_test_123",
		WebhookSecret: testWebhookSecret,
	}, purchaseSvc, store, nil)
	return client, store
}

func checkoutPayload(sessionID string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"data": {
			"object": {
				"id": %q,
				"object": "checkout.session",
				"customer_email": "buyer@example.com",
				"payment_status": "paid",
				"amount_total": 4900,
				"currency": "usd",
				"metadata": {"productId": "42", "userId": "u1"}
			}
		}
	}`, sessionID))
}

func TestParseWebhookValidSignature(t *testing.T) {
	client, _ := newTestClient(t)
	payload := checkoutPayload("cs_test_1")

	ev, err := client.ParseWebhook(payload, signPayload(payload, testWebhookSecret))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if ev.Type != "checkout.session.completed" {
		t.Errorf("unexpected type: %q", ev.Type)
	}
	co := ev.Checkout
	if co.SessionID != "cs_test_1" || co.AmountTotal != 4900 || co.Currency != "usd" {
		t.Errorf("unexpected checkout event: %+v", co)
	}
	if co.Metadata["productId"] != "42" || co.Metadata["userId"] != "u1" {
		t.Errorf("metadata not carried: %+v", co.Metadata)
	}
	if co.CustomerEmail != "buyer@example.com" {
		t.Errorf("unexpected email: %q", co.CustomerEmail)
	}
}

func TestParseWebhookRejectsBadSignature(t *testing.T) {
	client, _ := newTestClient(t)
	payload := checkoutPayload("cs_test_1")

	cases := []struct {
		name string
		sig  string
	}{
		{"wrong secret", signPayload(payload, "whsec_other")},
		{"garbage header", "t=123,v1=deadbeef"},
		{"empty header", ""},
	}
	for _, tc := range cases {
		if _, err := client.ParseWebhook(payload, tc.sig); !errors.Is(err, ErrInvalidSignature) {
			t.Errorf("%s: expected ErrInvalidSignature, got %v", tc.name, err)
		}
	}
}

func TestParseWebhookRejectsTamperedBody(t *testing.T) {
	client, _ := newTestClient(t)
	payload := checkoutPayload("cs_test_1")
	sig := signPayload(payload, testWebhookSecret)

	tampered := checkoutPayload("cs_test_FORGED")
	if _, err := client.ParseWebhook(tampered, sig); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature for tampered body, got %v", err)
	}
}

func TestHandleCheckoutCompleted(t *testing.T) {
	client, store := newTestClient(t)
	ctx := context.Background()
	payload := checkoutPayload("cs_test_1")

	ev, err := client.ParseWebhook(payload, signPayload(payload, testWebhookSecret))
	if err != nil {
		t.Fatal(err)
	}
	if err := client.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	p, err := store.GetPurchaseByTransactionID(ctx, "cs_test_1")
	if err != nil {
		t.Fatalf("purchase not recorded: %v", err)
	}
	if p.Price.String() != "49.00" {
		t.Errorf("unexpected price: %s", p.Price)
	}

	// Redelivery of the same event acknowledges without a second purchase.
	if err := client.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	all, _ := store.ListPurchasesByUser(ctx, "u1")
	if len(all) != 1 {
		t.Errorf("expected 1 purchase after redelivery, got %d", len(all))
	}
}

func TestHandleSubscriptionLifecycle(t *testing.T) {
	client, store := newTestClient(t)
	ctx := context.Background()

	created := []byte(`{
		"id": "evt_2",
		"type": "customer.subscription.created",
		"data": {"object": {"id": "sub_1", "object": "subscription", "customer": "cus_1", "status": "active"}}
	}`)
	ev, err := client.ParseWebhook(created, signPayload(created, testWebhookSecret))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Subscription.CustomerID != "cus_1" || ev.Subscription.SubscriptionID != "sub_1" {
		t.Fatalf("unexpected subscription event: %+v", ev.Subscription)
	}
	if err := client.HandleEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}
	sub, ok := store.SubscriptionStatus("cus_1")
	if !ok || sub.Status != "active" {
		t.Errorf("expected active subscription, got %+v (found=%v)", sub, ok)
	}

	deleted := []byte(`{
		"id": "evt_3",
		"type": "customer.subscription.deleted",
		"data": {"object": {"id": "sub_1", "object": "subscription", "customer": "cus_1", "status": "canceled"}}
	}`)
	ev, err = client.ParseWebhook(deleted, signPayload(deleted, testWebhookSecret))
	if err != nil {
		t.Fatal(err)
	}
	if err := client.HandleEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}
	sub, _ = store.SubscriptionStatus("cus_1")
	if sub.Status != "canceled" {
		t.Errorf("expected canceled, got %q", sub.Status)
	}
}

func TestHandlePaymentIntentFallback(t *testing.T) {
	client, store := newTestClient(t)
	ctx := context.Background()

	payload := []byte(`{
		"id": "evt_4",
		"type": "payment_intent.succeeded",
		"data": {"object": {"id": "pi_1", "object": "payment_intent", "metadata": {"productId": "42"}}}
	}`)
	ev, err := client.ParseWebhook(payload, signPayload(payload, testWebhookSecret))
	if err != nil {
		t.Fatal(err)
	}
	if err := client.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	tpl, _ := store.GetTemplate(ctx, 42)
	if tpl.Sales != 1 {
		t.Errorf("expected sales=1, got %d", tpl.Sales)
	}

	// An intent without product metadata is acknowledged and ignored.
	bare := []byte(`{
		"id": "evt_5",
		"type": "payment_intent.succeeded",
		"data": {"object": {"id": "pi_2", "object": "payment_intent"}}
	}`)
	ev, err = client.ParseWebhook(bare, signPayload(bare, testWebhookSecret))
	if err != nil {
		t.Fatal(err)
	}
	if err := client.HandleEvent(ctx, ev); err != nil {
		t.Errorf("bare intent should be acknowledged: %v", err)
	}
}

func TestUnrecognizedEventAcknowledged(t *testing.T) {
	client, _ := newTestClient(t)

	payload := []byte(`{
		"id": "evt_6",
		"type": "invoice.paid",
		"data": {"object": {"id": "in_1", "object": "invoice"}}
	}`)
	ev, err := client.ParseWebhook(payload, signPayload(payload, testWebhookSecret))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != "invoice.paid" {
		t.Errorf("unexpected type: %q", ev.Type)
	}
	if err := client.HandleEvent(context.Background(), ev); err != nil {
		t.Errorf("unknown event should be acknowledged: %v", err)
	}
}
