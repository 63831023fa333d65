package purchases

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/runyourtrip/server/internal/mail"
	"github.com/runyourtrip/server/internal/storage"
	"github.com/runyourtrip/server/internal/token"
)

type recordingMailer struct {
	confirmations []mail.PurchaseConfirmation
	fail          bool
}

func (m *recordingMailer) SendPurchaseConfirmation(_ context.Context, msg mail.PurchaseConfirmation) error {
	if m.fail {
		return errors.New("provider down")
	}
	m.confirmations = append(m.confirmations, msg)
	return nil
}

func (m *recordingMailer) SendPasswordReset(context.Context, mail.PasswordReset) error {
	return nil
}

func newTestService(t *testing.T) (*Service, *storage.MemoryStore, *recordingMailer, *token.Service) {
	t.Helper()

	store := storage.NewMemoryStore()
	store.SeedTemplate(storage.Template{
		ID:       42,
		Name:     "Trip Planner Pro",
		Category: "travel",
		SellerID: "seller-1",
		Code:     "<h1>hi</h1>",
	})

	tokens, err := token.NewService("purchase-test-secret")
	if err != nil {
		t.Fatal(err)
	}
	mailer := &recordingMailer{}
	svc := NewService(store, tokens, mailer, nil, "https://runyourtrip.com/api", "support@runyourtrip.com")
	return svc, store, mailer, tokens
}

func checkoutEvent() CheckoutEvent {
	return CheckoutEvent{
		SessionID:     "cs_test_1",
		CustomerEmail: "buyer@example.com",
		PaymentStatus: "paid",
		AmountTotal:   4900,
		Currency:      "usd",
		Metadata:      map[string]string{"productId": "42", "userId": "u1"},
	}
}

func TestCompleteCheckoutHappyPath(t *testing.T) {
	svc, store, mailer, tokens := newTestService(t)
	ctx := context.Background()

	if err := svc.CompleteCheckout(ctx, checkoutEvent()); err != nil {
		t.Fatalf("CompleteCheckout: %v", err)
	}

	p, err := store.GetPurchaseByTransactionID(ctx, "cs_test_1")
	if err != nil {
		t.Fatalf("purchase not recorded: %v", err)
	}
	if p.UserID != "u1" || p.TemplateID != 42 {
		t.Errorf("unexpected purchase: %+v", p)
	}
	if p.Price.String() != "49.00" {
		t.Errorf("expected price 49.00, got %s", p.Price)
	}
	if p.Status != storage.PurchaseCompleted {
		t.Errorf("expected completed, got %q", p.Status)
	}
	if p.Metadata["buyer_email"] != "buyer@example.com" {
		t.Errorf("metadata missing buyer email: %+v", p.Metadata)
	}

	tpl, _ := store.GetTemplate(ctx, 42)
	if tpl.Sales != 1 {
		t.Errorf("expected sales=1, got %d", tpl.Sales)
	}

	if len(mailer.confirmations) != 1 {
		t.Fatalf("expected 1 confirmation mail, got %d", len(mailer.confirmations))
	}
	msg := mailer.confirmations[0]
	if msg.To != "buyer@example.com" || msg.TemplateName != "Trip Planner Pro" {
		t.Errorf("unexpected mail: %+v", msg)
	}

	// The mailed link must carry a token that actually verifies.
	u, err := url.Parse(msg.DownloadURL)
	if err != nil {
		t.Fatalf("bad download url: %v", err)
	}
	if err := tokens.VerifyDownload(p.ID, u.Query().Get("token")); err != nil {
		t.Errorf("mailed token does not verify: %v", err)
	}

	events := store.AnalyticsEvents()
	if len(events) != 1 || events[0].EventType != "purchase" {
		t.Errorf("expected one purchase analytics event, got %+v", events)
	}
}

func TestCompleteCheckoutDuplicateAcknowledged(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.CompleteCheckout(ctx, checkoutEvent()); err != nil {
		t.Fatal(err)
	}
	// Same delivery again: acknowledged without error, nothing double-counted.
	if err := svc.CompleteCheckout(ctx, checkoutEvent()); err != nil {
		t.Fatalf("duplicate delivery should be acknowledged: %v", err)
	}

	all, _ := store.ListPurchasesByUser(ctx, "u1")
	if len(all) != 1 {
		t.Errorf("expected 1 purchase, got %d", len(all))
	}
	tpl, _ := store.GetTemplate(ctx, 42)
	if tpl.Sales != 1 {
		t.Errorf("sales double-counted: %d", tpl.Sales)
	}
}

func TestCompleteCheckoutMissingMetadata(t *testing.T) {
	svc, store, mailer, _ := newTestService(t)
	ctx := context.Background()

	cases := []map[string]string{
		nil,
		{"productId": "42"},
		{"userId": "u1"},
		{"productId": "", "userId": "u1"},
	}
	for i, md := range cases {
		ev := checkoutEvent()
		ev.SessionID = "cs_missing"
		ev.Metadata = md
		if err := svc.CompleteCheckout(ctx, ev); err != nil {
			t.Errorf("case %d: malformed event must be acknowledged, got %v", i, err)
		}
	}

	if _, err := store.GetPurchaseByTransactionID(ctx, "cs_missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("no purchase should exist for malformed events")
	}
	if len(mailer.confirmations) != 0 {
		t.Error("no mail should be sent for malformed events")
	}
}

func TestCompleteCheckoutUnknownTemplate(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()

	ev := checkoutEvent()
	ev.Metadata["productId"] = "999"
	if err := svc.CompleteCheckout(ctx, ev); err != nil {
		t.Fatalf("unknown template must be acknowledged: %v", err)
	}
	ev.Metadata["productId"] = "not-a-number"
	if err := svc.CompleteCheckout(ctx, ev); err != nil {
		t.Fatalf("unparseable product id must be acknowledged: %v", err)
	}

	all, _ := store.ListPurchasesByUser(ctx, "u1")
	if len(all) != 0 {
		t.Errorf("expected no purchases, got %d", len(all))
	}
}

func TestCompleteCheckoutMailFailureIsNonFatal(t *testing.T) {
	svc, store, mailer, _ := newTestService(t)
	mailer.fail = true
	ctx := context.Background()

	if err := svc.CompleteCheckout(ctx, checkoutEvent()); err != nil {
		t.Fatalf("mail failure must not fail the purchase: %v", err)
	}
	if _, err := store.GetPurchaseByTransactionID(ctx, "cs_test_1"); err != nil {
		t.Errorf("purchase should exist despite mail failure: %v", err)
	}
}

func TestCompleteCheckoutSnakeCaseMetadata(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()

	ev := checkoutEvent()
	ev.Metadata = map[string]string{"product_id": "42", "user_id": "u1"}
	if err := svc.CompleteCheckout(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetPurchaseByTransactionID(ctx, "cs_test_1"); err != nil {
		t.Errorf("snake_case metadata keys should be accepted: %v", err)
	}
}

func TestRegenerateLink(t *testing.T) {
	svc, _, _, tokens := newTestService(t)
	ctx := context.Background()

	if err := svc.CompleteCheckout(ctx, checkoutEvent()); err != nil {
		t.Fatal(err)
	}

	link, err := svc.RegenerateLink(ctx, "u1", 1)
	if err != nil {
		t.Fatalf("RegenerateLink: %v", err)
	}
	if !strings.HasPrefix(link, "https://runyourtrip.com/api/download/1?token=") {
		t.Errorf("unexpected link shape: %q", link)
	}
	u, _ := url.Parse(link)
	if err := tokens.VerifyDownload(1, u.Query().Get("token")); err != nil {
		t.Errorf("regenerated token does not verify: %v", err)
	}

	if _, err := svc.RegenerateLink(ctx, "intruder", 1); !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}
	if _, err := svc.RegenerateLink(ctx, "u1", 999); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetOwned(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.CompleteCheckout(ctx, checkoutEvent()); err != nil {
		t.Fatal(err)
	}

	p, err := svc.GetOwned(ctx, "u1", 1)
	if err != nil {
		t.Fatalf("GetOwned: %v", err)
	}
	if p.TemplateID != 42 {
		t.Errorf("unexpected purchase: %+v", p)
	}
	if _, err := svc.GetOwned(ctx, "intruder", 1); !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}
}

func TestRecordDownload(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.CompleteCheckout(ctx, checkoutEvent()); err != nil {
		t.Fatal(err)
	}
	p, _ := store.GetPurchase(ctx, 1)

	svc.RecordDownload(ctx, p)

	tpl, _ := store.GetTemplate(ctx, 42)
	if tpl.Downloads != 1 {
		t.Errorf("expected downloads=1, got %d", tpl.Downloads)
	}

	var sawDownload bool
	for _, ev := range store.AnalyticsEvents() {
		if ev.EventType == "download" {
			sawDownload = true
		}
	}
	if !sawDownload {
		t.Error("expected a download analytics event")
	}
}
