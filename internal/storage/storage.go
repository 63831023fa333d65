package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runyourtrip/server/internal/config"
)

// ErrNotFound is returned when a requested entity is missing from the store.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicate is returned when an insert collides with a uniqueness
// constraint. Callers treat it as a signal, not a failure: a duplicate
// purchase means the webhook was already processed.
var ErrDuplicate = errors.New("storage: duplicate")

// Store captures the persistence requirements for purchase fulfillment.
//
// Idempotency lives here, not in the callers: CreatePurchase must enforce
// uniqueness of the transaction ID and of the (user, template) pair and
// report collisions as ErrDuplicate, so that concurrent webhook retries
// collapse to exactly one recorded purchase regardless of interleaving.
type Store interface {
	// CreatePurchase inserts a purchase and returns it with its assigned ID.
	// Returns ErrDuplicate when the transaction ID or the (user, template)
	// pair already exists.
	CreatePurchase(ctx context.Context, p Purchase) (Purchase, error)
	GetPurchase(ctx context.Context, id int64) (Purchase, error)
	GetPurchaseByTransactionID(ctx context.Context, txID string) (Purchase, error)
	GetPurchaseByUserAndTemplate(ctx context.Context, userID string, templateID int64) (Purchase, error)
	ListPurchasesByUser(ctx context.Context, userID string) ([]Purchase, error)
	UpdatePurchaseStatus(ctx context.Context, id int64, status PurchaseStatus) error

	GetTemplate(ctx context.Context, id int64) (Template, error)
	// IncrementTemplateSales and IncrementTemplateDownloads bump counters
	// atomically in the store, never read-modify-write in the caller.
	IncrementTemplateSales(ctx context.Context, id int64) error
	IncrementTemplateDownloads(ctx context.Context, id int64) error

	RecordAnalyticsEvent(ctx context.Context, ev AnalyticsEvent) error

	GetUser(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	UpdateUserPassword(ctx context.Context, userID, passwordHash string) error

	// UpsertSubscriptionStatus records the provider-reported state for a
	// customer, overwriting any previous state.
	UpsertSubscriptionStatus(ctx context.Context, sub Subscription) error

	Ping(ctx context.Context) error
	Close() error
}

// StoreConfig holds storage backend configuration.
type StoreConfig struct {
	Backend         string // "memory", "postgres", or "mongodb"
	PostgresURL     string
	MongoDBURL      string
	MongoDBDatabase string
	PostgresPool    config.PostgresPoolConfig
}

// NewStore creates a Store instance based on the provided configuration.
func NewStore(cfg StoreConfig) (Store, error) {
	return NewStoreWithDB(cfg, nil)
}

// NewStoreWithDB creates a Store with an optional shared database pool.
// If sharedDB is non-nil for the postgres backend it is used instead of
// opening a new connection.
func NewStoreWithDB(cfg StoreConfig, sharedDB *sql.DB) (Store, error) {
	switch cfg.Backend {
	case "memory":
		// Memory loses every recorded purchase on restart. Development only.
		return NewMemoryStore(), nil
	case "":
		// Auto-detect from provided URLs: postgres > mongodb > memory.
		if cfg.PostgresURL != "" {
			if sharedDB != nil {
				return NewPostgresStoreWithDB(sharedDB)
			}
			return NewPostgresStore(cfg.PostgresURL, cfg.PostgresPool)
		}
		if cfg.MongoDBURL != "" {
			if cfg.MongoDBDatabase == "" {
				cfg.MongoDBDatabase = "runyourtrip"
			}
			return NewMongoDBStore(cfg.MongoDBURL, cfg.MongoDBDatabase)
		}
		return NewMemoryStore(), nil
	case "postgres":
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("postgres backend requires postgres_url")
		}
		if sharedDB != nil {
			return NewPostgresStoreWithDB(sharedDB)
		}
		return NewPostgresStore(cfg.PostgresURL, cfg.PostgresPool)
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_url")
		}
		if cfg.MongoDBDatabase == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_database")
		}
		return NewMongoDBStore(cfg.MongoDBURL, cfg.MongoDBDatabase)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// MemoryStore is an in-memory Store implementation suitable for tests and
// local development.
type MemoryStore struct {
	mu             sync.RWMutex
	nextPurchaseID int64
	purchases      map[int64]Purchase
	byTransaction  map[string]int64  // transactionID -> purchaseID
	byUserTemplate map[string]int64  // "userID/templateID" -> purchaseID
	templates      map[int64]Template
	users          map[string]User
	usersByEmail   map[string]string // lowercase email -> userID
	subscriptions  map[string]Subscription
	analytics      []AnalyticsEvent
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		purchases:      make(map[int64]Purchase),
		byTransaction:  make(map[string]int64),
		byUserTemplate: make(map[string]int64),
		templates:      make(map[int64]Template),
		users:          make(map[string]User),
		usersByEmail:   make(map[string]string),
		subscriptions:  make(map[string]Subscription),
	}
}

func userTemplateKey(userID string, templateID int64) string {
	return fmt.Sprintf("%s/%d", userID, templateID)
}

// SeedTemplate inserts or replaces a template. Test helper.
func (m *MemoryStore) SeedTemplate(t Template) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[t.ID] = t
}

// SeedUser inserts or replaces a user. Test helper.
func (m *MemoryStore) SeedUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	m.usersByEmail[normalizeEmail(u.Email)] = u.ID
}

// AnalyticsEvents returns a copy of everything recorded so far. Test helper.
func (m *MemoryStore) AnalyticsEvents() []AnalyticsEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AnalyticsEvent, len(m.analytics))
	copy(out, m.analytics)
	return out
}

// CreatePurchase inserts a purchase, enforcing both uniqueness constraints
// under the same lock so concurrent webhook retries cannot both succeed.
func (m *MemoryStore) CreatePurchase(_ context.Context, p Purchase) (Purchase, error) {
	if p.TransactionID == "" {
		return Purchase{}, fmt.Errorf("storage: transaction id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byTransaction[p.TransactionID]; exists {
		return Purchase{}, ErrDuplicate
	}
	key := userTemplateKey(p.UserID, p.TemplateID)
	if _, exists := m.byUserTemplate[key]; exists {
		return Purchase{}, ErrDuplicate
	}

	m.nextPurchaseID++
	p.ID = m.nextPurchaseID
	if p.PurchaseDate.IsZero() {
		p.PurchaseDate = time.Now().UTC()
	}
	if p.Status == "" {
		p.Status = PurchaseCompleted
	}

	m.purchases[p.ID] = p
	m.byTransaction[p.TransactionID] = p.ID
	m.byUserTemplate[key] = p.ID
	return p, nil
}

// GetPurchase retrieves a purchase by ID.
func (m *MemoryStore) GetPurchase(_ context.Context, id int64) (Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.purchases[id]
	if !ok {
		return Purchase{}, ErrNotFound
	}
	return p, nil
}

// GetPurchaseByTransactionID retrieves a purchase by its gateway transaction ID.
func (m *MemoryStore) GetPurchaseByTransactionID(_ context.Context, txID string) (Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byTransaction[txID]
	if !ok {
		return Purchase{}, ErrNotFound
	}
	return m.purchases[id], nil
}

// GetPurchaseByUserAndTemplate retrieves the purchase a user holds for a template.
func (m *MemoryStore) GetPurchaseByUserAndTemplate(_ context.Context, userID string, templateID int64) (Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byUserTemplate[userTemplateKey(userID, templateID)]
	if !ok {
		return Purchase{}, ErrNotFound
	}
	return m.purchases[id], nil
}

// ListPurchasesByUser returns all purchases for a user, newest first.
func (m *MemoryStore) ListPurchasesByUser(_ context.Context, userID string) ([]Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Purchase
	for _, p := range m.purchases {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PurchaseDate.After(out[j].PurchaseDate)
	})
	return out, nil
}

// UpdatePurchaseStatus updates the status of an existing purchase.
func (m *MemoryStore) UpdatePurchaseStatus(_ context.Context, id int64, status PurchaseStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.purchases[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	m.purchases[id] = p
	return nil
}

// GetTemplate retrieves a template by ID.
func (m *MemoryStore) GetTemplate(_ context.Context, id int64) (Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.templates[id]
	if !ok {
		return Template{}, ErrNotFound
	}
	return t, nil
}

// IncrementTemplateSales bumps the sales counter by one.
func (m *MemoryStore) IncrementTemplateSales(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.templates[id]
	if !ok {
		return ErrNotFound
	}
	t.Sales++
	m.templates[id] = t
	return nil
}

// IncrementTemplateDownloads bumps the downloads counter by one.
func (m *MemoryStore) IncrementTemplateDownloads(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.templates[id]
	if !ok {
		return ErrNotFound
	}
	t.Downloads++
	m.templates[id] = t
	return nil
}

// RecordAnalyticsEvent appends an event to the analytics log.
func (m *MemoryStore) RecordAnalyticsEvent(_ context.Context, ev AnalyticsEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	m.analytics = append(m.analytics, ev)
	return nil
}

// GetUser retrieves a user by ID.
func (m *MemoryStore) GetUser(_ context.Context, id string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

// GetUserByEmail retrieves a user by email, case-insensitively.
func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.usersByEmail[normalizeEmail(email)]
	if !ok {
		return User{}, ErrNotFound
	}
	return m.users[id], nil
}

// UpdateUserPassword replaces a user's password hash.
func (m *MemoryStore) UpdateUserPassword(_ context.Context, userID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	m.users[userID] = u
	return nil
}

// UpsertSubscriptionStatus records the latest subscription state for a customer.
func (m *MemoryStore) UpsertSubscriptionStatus(_ context.Context, sub Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = time.Now().UTC()
	}
	m.subscriptions[sub.CustomerID] = sub
	return nil
}

// SubscriptionStatus returns the recorded state for a customer. Test helper.
func (m *MemoryStore) SubscriptionStatus(customerID string) (Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subscriptions[customerID]
	return sub, ok
}

// Ping reports the store as healthy. Memory has no backing service.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close implements the Store interface.
func (m *MemoryStore) Close() error { return nil }
