package storage

import (
	"time"

	"github.com/runyourtrip/server/internal/money"
)

// PurchaseStatus tracks the lifecycle of a recorded purchase.
// Rows are never deleted; a refund flips the status instead.
type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "pending"
	PurchaseCompleted PurchaseStatus = "completed"
	PurchaseRefunded  PurchaseStatus = "refunded"
)

// Purchase is one completed transaction of a buyer for one template.
//
// Two uniqueness invariants back webhook idempotency:
//   - TransactionID is globally unique (one gateway event, one row)
//   - (UserID, TemplateID) is unique (re-purchase regenerates links instead)
type Purchase struct {
	ID            int64             `json:"id"`
	UserID        string            `json:"userId"`
	TemplateID    int64             `json:"templateId"`
	SellerID      string            `json:"sellerId"`
	Price         money.Price       `json:"purchasePrice"`
	TransactionID string            `json:"transactionId"`
	PaymentMethod string            `json:"paymentMethod"`
	Status        PurchaseStatus    `json:"status"`
	PurchaseDate  time.Time         `json:"purchaseDate"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Template is the sellable artifact. This service owns only the counters;
// every other field is written by the marketplace application.
type Template struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Category  string `json:"category"`
	SellerID  string `json:"sellerId"`
	Code      string `json:"-"` // raw HTML or a JSON bundle of named files
	Sales     int64  `json:"sales"`
	Downloads int64  `json:"downloads"`
}

// AnalyticsEvent is an append-only log entry recorded as a side effect of
// purchases and downloads.
type AnalyticsEvent struct {
	ID        string            `json:"id"`
	EventType string            `json:"eventType"` // "purchase" or "download"
	EventData map[string]string `json:"eventData,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// User carries the minimum needed for password resets.
type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
}

// Subscription records the latest provider-reported subscription state for a
// customer. Updated exclusively from webhook events.
type Subscription struct {
	CustomerID string    `json:"customerId"`
	ExternalID string    `json:"externalId"` // provider subscription id
	Status     string    `json:"status"`     // "active" or "canceled"
	UpdatedAt  time.Time `json:"updatedAt"`
}
