package httpserver

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/runyourtrip/server/internal/purchases"
	"github.com/runyourtrip/server/internal/storage"
	"github.com/runyourtrip/server/internal/token"
)

func seedPurchase(t *testing.T, env *testEnv, userID string) storage.Purchase {
	t.Helper()
	p, err := env.store.CreatePurchase(context.Background(), storage.Purchase{
		UserID:        userID,
		TemplateID:    42,
		SellerID:      "seller-1",
		TransactionID: "cs_seed_" + userID,
		PaymentMethod: "stripe",
		Status:        storage.PurchaseCompleted,
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDownloadHappyPath(t *testing.T) {
	env := newTestEnv(t)
	p := seedPurchase(t, env, "u1")

	target := fmt.Sprintf("/api/download/%d?token=%s", p.ID, env.tokens.IssueDownload(p.ID))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "application/zip" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("Content-Disposition"); !strings.Contains(got, `filename="trip-planner-pro-template.zip"`) {
		t.Errorf("Content-Disposition = %q", got)
	}

	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	if err != nil {
		t.Fatalf("response is not a valid zip: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range zr.File {
		names[f.Name] = true
	}
	for _, want := range []string{"README.md", "LICENSE", "index.html", "styles.css", "script.js"} {
		if !names[want] {
			t.Errorf("archive missing %s (have %v)", want, names)
		}
	}

	tpl, _ := env.store.GetTemplate(context.Background(), 42)
	if tpl.Downloads != 1 {
		t.Errorf("downloads counter = %d, want 1", tpl.Downloads)
	}
}

func TestDownloadRejectsTamperedToken(t *testing.T) {
	env := newTestEnv(t)
	p := seedPurchase(t, env, "u1")

	// A token minted for a different purchase must not open this one.
	other := env.tokens.IssueDownload(p.ID + 1)
	target := fmt.Sprintf("/api/download/%d?token=%s", p.ID, other)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if code, _ := decodeError(t, rec); code != "invalid_token" {
		t.Errorf("expected invalid_token, got %q", code)
	}
}

func TestDownloadRejectsExpiredToken(t *testing.T) {
	env := newTestEnv(t)
	p := seedPurchase(t, env, "u1")

	past := time.Now().Add(-8 * 24 * time.Hour)
	issuer, err := token.NewService(testTokenSecret)
	if err != nil {
		t.Fatal(err)
	}
	issuer.WithClock(func() time.Time { return past })

	target := fmt.Sprintf("/api/download/%d?token=%s", p.ID, issuer.IssueDownload(p.ID))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if code, _ := decodeError(t, rec); code != "token_expired" {
		t.Errorf("expected token_expired, got %q", code)
	}
}

func TestDownloadRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	p := seedPurchase(t, env, "u1")

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/download/%d", p.ID), nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if code, _ := decodeError(t, rec); code != "missing_token" {
		t.Errorf("expected missing_token, got %q", code)
	}
}

func TestDownloadRejectsMalformedPurchaseID(t *testing.T) {
	env := newTestEnv(t)

	for _, raw := range []string{"abc", "-5", "0", "1.5"} {
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/download/"+raw+"?token=x", nil))

		if rec.Code != http.StatusBadRequest {
			t.Errorf("%q: expected 400, got %d", raw, rec.Code)
			continue
		}
		if code, _ := decodeError(t, rec); code != "invalid_purchase_id" {
			t.Errorf("%q: expected invalid_purchase_id, got %q", raw, code)
		}
	}
}

func TestDownloadUnknownPurchase(t *testing.T) {
	env := newTestEnv(t)

	// Token is genuine for ID 999, but no such purchase exists.
	target := fmt.Sprintf("/api/download/999?token=%s", env.tokens.IssueDownload(999))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if code, _ := decodeError(t, rec); code != "purchase_not_found" {
		t.Errorf("expected purchase_not_found, got %q", code)
	}
}

func postGenerateLink(env *testEnv, purchaseID int64, apiKey, idemKey string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/download/generate-link/%d", purchaseID), nil)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func TestGenerateLinkForOwner(t *testing.T) {
	env := newTestEnv(t)
	p := seedPurchase(t, env, "u1")

	rec := postGenerateLink(env, p.ID, "key-u1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp generateLinkResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.ExpiresIn != purchases.DownloadLinkExpiry {
		t.Errorf("unexpected response: %+v", resp)
	}

	u, err := url.Parse(resp.DownloadURL)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.tokens.VerifyDownload(p.ID, u.Query().Get("token")); err != nil {
		t.Errorf("generated token does not verify: %v", err)
	}
}

func TestGenerateLinkRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	p := seedPurchase(t, env, "u1")

	rec := postGenerateLink(env, p.ID, "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestGenerateLinkDeniesOtherUsers(t *testing.T) {
	env := newTestEnv(t)
	p := seedPurchase(t, env, "u1")

	rec := postGenerateLink(env, p.ID, "key-u2", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if code, _ := decodeError(t, rec); code != "forbidden" {
		t.Errorf("expected forbidden, got %q", code)
	}
}

func TestGenerateLinkUnknownPurchase(t *testing.T) {
	env := newTestEnv(t)

	rec := postGenerateLink(env, 999, "key-u1", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGenerateLinkIdempotencyReplay(t *testing.T) {
	env := newTestEnv(t)
	p := seedPurchase(t, env, "u1")

	first := postGenerateLink(env, p.ID, "key-u1", "retry-1")
	second := postGenerateLink(env, p.ID, "key-u1", "retry-1")

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("expected both 200, got %d and %d", first.Code, second.Code)
	}
	// Replay must return the original link, not mint a new token.
	if first.Body.String() != second.Body.String() {
		t.Errorf("replayed body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}
	if second.Header().Get("X-Idempotency-Replay") != "true" {
		t.Error("expected replay marker on second response")
	}

	// Token timestamps have millisecond resolution; step past the current
	// millisecond so a fresh key observably mints a different token.
	time.Sleep(2 * time.Millisecond)
	third := postGenerateLink(env, p.ID, "key-u1", "retry-2")
	if third.Body.String() == first.Body.String() {
		t.Error("a new idempotency key should mint a fresh token")
	}
}

func TestGetPurchaseOwnerOnly(t *testing.T) {
	env := newTestEnv(t)
	p := seedPurchase(t, env, "u1")

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/purchases/%d", p.ID), nil)
	req.Header.Set("X-API-Key", "key-u1")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("owner: expected 200, got %d", rec.Code)
	}

	var got storage.Purchase
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != p.ID || got.UserID != "u1" {
		t.Errorf("unexpected purchase payload: %+v", got)
	}

	// Another user sees 404, not 403: existence is not disclosed.
	req = httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/purchases/%d", p.ID), nil)
	req.Header.Set("X-API-Key", "key-u2")
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("intruder: expected 404, got %d", rec.Code)
	}
}

func TestListPurchases(t *testing.T) {
	env := newTestEnv(t)
	seedPurchase(t, env, "u1")

	req := httptest.NewRequest(http.MethodGet, "/api/purchases", nil)
	req.Header.Set("X-API-Key", "key-u1")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Purchases []storage.Purchase `json:"purchases"`
		Count     int                `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 1 || len(resp.Purchases) != 1 {
		t.Errorf("expected 1 purchase, got %+v", resp)
	}
}
