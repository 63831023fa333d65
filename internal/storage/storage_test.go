package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/runyourtrip/server/internal/money"
)

func testPurchase(txID, userID string, templateID int64) Purchase {
	return Purchase{
		UserID:        userID,
		TemplateID:    templateID,
		SellerID:      "seller-1",
		Price:         money.FromMinorUnits(4900, "usd"),
		TransactionID: txID,
		PaymentMethod: "stripe",
	}
}

func TestCreatePurchaseAssignsIDAndDefaults(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	p, err := m.CreatePurchase(ctx, testPurchase("cs_1", "u1", 10))
	if err != nil {
		t.Fatalf("CreatePurchase: %v", err)
	}
	if p.ID <= 0 {
		t.Errorf("expected positive ID, got %d", p.ID)
	}
	if p.Status != PurchaseCompleted {
		t.Errorf("expected default status completed, got %q", p.Status)
	}
	if p.PurchaseDate.IsZero() {
		t.Error("expected purchase date to be set")
	}

	got, err := m.GetPurchase(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPurchase: %v", err)
	}
	if got.TransactionID != "cs_1" {
		t.Errorf("unexpected transaction id: %q", got.TransactionID)
	}
}

func TestCreatePurchaseDuplicateTransactionID(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	if _, err := m.CreatePurchase(ctx, testPurchase("cs_1", "u1", 10)); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err := m.CreatePurchase(ctx, testPurchase("cs_1", "u2", 20))
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for repeated transaction id, got %v", err)
	}
}

func TestCreatePurchaseDuplicateUserTemplate(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	if _, err := m.CreatePurchase(ctx, testPurchase("cs_1", "u1", 10)); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err := m.CreatePurchase(ctx, testPurchase("cs_2", "u1", 10))
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for repeated user/template pair, got %v", err)
	}
}

func TestConcurrentCreateCollapsesToOne(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.CreatePurchase(ctx, testPurchase("cs_race", "u1", 10))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrDuplicate):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", succeeded)
	}
}

func TestGetPurchaseByTransactionID(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	created, err := m.CreatePurchase(ctx, testPurchase("cs_1", "u1", 10))
	if err != nil {
		t.Fatal(err)
	}

	got, err := m.GetPurchaseByTransactionID(ctx, "cs_1")
	if err != nil {
		t.Fatalf("GetPurchaseByTransactionID: %v", err)
	}
	if got.ID != created.ID {
		t.Errorf("expected purchase %d, got %d", created.ID, got.ID)
	}

	if _, err := m.GetPurchaseByTransactionID(ctx, "cs_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListPurchasesByUserNewestFirst(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	older := testPurchase("cs_1", "u1", 10)
	older.PurchaseDate = time.Now().Add(-time.Hour)
	newer := testPurchase("cs_2", "u1", 20)
	newer.PurchaseDate = time.Now()
	other := testPurchase("cs_3", "u2", 10)

	for _, p := range []Purchase{older, newer, other} {
		if _, err := m.CreatePurchase(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	got, err := m.ListPurchasesByUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 purchases, got %d", len(got))
	}
	if got[0].TransactionID != "cs_2" || got[1].TransactionID != "cs_1" {
		t.Errorf("expected newest first, got %q then %q", got[0].TransactionID, got[1].TransactionID)
	}
}

func TestUpdatePurchaseStatus(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	p, err := m.CreatePurchase(ctx, testPurchase("cs_1", "u1", 10))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.UpdatePurchaseStatus(ctx, p.ID, PurchaseRefunded); err != nil {
		t.Fatalf("UpdatePurchaseStatus: %v", err)
	}
	got, _ := m.GetPurchase(ctx, p.ID)
	if got.Status != PurchaseRefunded {
		t.Errorf("expected refunded, got %q", got.Status)
	}

	if err := m.UpdatePurchaseStatus(ctx, 9999, PurchaseRefunded); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTemplateCounters(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	m.SeedTemplate(Template{ID: 10, Name: "Trip Planner", Sales: 3, Downloads: 7})

	if err := m.IncrementTemplateSales(ctx, 10); err != nil {
		t.Fatal(err)
	}
	if err := m.IncrementTemplateDownloads(ctx, 10); err != nil {
		t.Fatal(err)
	}

	tpl, err := m.GetTemplate(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if tpl.Sales != 4 || tpl.Downloads != 8 {
		t.Errorf("expected sales=4 downloads=8, got sales=%d downloads=%d", tpl.Sales, tpl.Downloads)
	}

	if err := m.IncrementTemplateSales(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing template, got %v", err)
	}
}

func TestConcurrentCounterIncrements(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	m.SeedTemplate(Template{ID: 10, Name: "Trip Planner"})

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.IncrementTemplateDownloads(ctx, 10); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	tpl, _ := m.GetTemplate(ctx, 10)
	if tpl.Downloads != n {
		t.Errorf("expected %d downloads, got %d", n, tpl.Downloads)
	}
}

func TestAnalyticsEvents(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	err := m.RecordAnalyticsEvent(ctx, AnalyticsEvent{
		EventType: "purchase",
		EventData: map[string]string{"purchase_id": "1"},
	})
	if err != nil {
		t.Fatal(err)
	}

	events := m.AnalyticsEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].ID == "" {
		t.Error("expected an assigned event ID")
	}
	if events[0].CreatedAt.IsZero() {
		t.Error("expected a timestamp")
	}
}

func TestUserLookupCaseInsensitive(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	m.SeedUser(User{ID: "u1", Email: "Traveler@Example.com", PasswordHash: "hash"})

	u, err := m.GetUserByEmail(ctx, "  traveler@example.COM ")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	if u.ID != "u1" {
		t.Errorf("expected u1, got %q", u.ID)
	}

	if _, err := m.GetUserByEmail(ctx, "nobody@example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateUserPassword(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	m.SeedUser(User{ID: "u1", Email: "traveler@example.com", PasswordHash: "old"})

	if err := m.UpdateUserPassword(ctx, "u1", "new"); err != nil {
		t.Fatal(err)
	}
	u, _ := m.GetUser(ctx, "u1")
	if u.PasswordHash != "new" {
		t.Errorf("password hash not updated: %q", u.PasswordHash)
	}

	if err := m.UpdateUserPassword(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertSubscriptionStatus(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	err := m.UpsertSubscriptionStatus(ctx, Subscription{
		CustomerID: "cus_1", ExternalID: "sub_1", Status: "active",
	})
	if err != nil {
		t.Fatal(err)
	}
	err = m.UpsertSubscriptionStatus(ctx, Subscription{
		CustomerID: "cus_1", ExternalID: "sub_1", Status: "canceled",
	})
	if err != nil {
		t.Fatal(err)
	}

	sub, ok := m.SubscriptionStatus("cus_1")
	if !ok {
		t.Fatal("expected a recorded subscription")
	}
	if sub.Status != "canceled" {
		t.Errorf("expected canceled, got %q", sub.Status)
	}
	if sub.UpdatedAt.IsZero() {
		t.Error("expected updated_at to be set")
	}
}

func TestNewStoreBackends(t *testing.T) {
	store, err := NewStore(StoreConfig{Backend: "memory"})
	if err != nil {
		t.Fatalf("memory backend: %v", err)
	}
	defer store.Close()

	if _, err := NewStore(StoreConfig{Backend: "cassandra"}); err == nil {
		t.Error("expected error for unknown backend")
	}
	if _, err := NewStore(StoreConfig{Backend: "postgres"}); err == nil {
		t.Error("expected error for postgres without URL")
	}
	if _, err := NewStore(StoreConfig{Backend: "mongodb"}); err == nil {
		t.Error("expected error for mongodb without URL")
	}

	// Empty backend with no URLs falls back to memory.
	fallback, err := NewStore(StoreConfig{})
	if err != nil {
		t.Fatalf("auto-detect fallback: %v", err)
	}
	defer fallback.Close()
	if _, ok := fallback.(*MemoryStore); !ok {
		t.Errorf("expected MemoryStore fallback, got %T", fallback)
	}
}
