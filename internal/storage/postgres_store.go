package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/runyourtrip/server/internal/config"
)

// PostgresStore implements Store using PostgreSQL.
//
// Idempotency rides on two unique constraints: purchases.transaction_id and
// (user_id, template_id). Concurrent inserts for the same checkout race at
// the database and exactly one wins; the loser sees SQLSTATE 23505, which is
// surfaced as ErrDuplicate.
type PostgresStore struct {
	db     *sql.DB
	ownsDB bool // whether Close() should close the pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(connectionString string, poolConfig config.PostgresPoolConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		// Close() failure here is not actionable and would only obscure
		// the connection error.
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	config.ApplyPostgresPoolSettings(db, poolConfig)

	store := &PostgresStore{db: db, ownsDB: true}
	if err := store.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB creates a PostgreSQL-backed store over an existing
// connection pool, for sharing one pool across subsystems.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db, ownsDB: false}
	if err := store.createTables(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) createTables() error {
	schema := `
		CREATE TABLE IF NOT EXISTS purchases (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			template_id BIGINT NOT NULL,
			seller_id TEXT NOT NULL DEFAULT '',
			price_cents BIGINT NOT NULL,
			currency TEXT NOT NULL DEFAULT 'usd',
			transaction_id TEXT NOT NULL UNIQUE,
			payment_method TEXT NOT NULL DEFAULT 'stripe',
			status TEXT NOT NULL DEFAULT 'completed',
			purchase_date TIMESTAMPTZ NOT NULL,
			metadata JSONB,
			UNIQUE (user_id, template_id)
		);

		CREATE TABLE IF NOT EXISTS templates (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			seller_id TEXT NOT NULL DEFAULT '',
			code TEXT NOT NULL DEFAULT '',
			sales BIGINT NOT NULL DEFAULT 0,
			downloads BIGINT NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS analytics_events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			event_data JSONB,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL,
			password_hash TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS subscriptions (
			customer_id TEXT PRIMARY KEY,
			external_id TEXT NOT NULL,
			status TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_purchases_user ON purchases(user_id);
		CREATE INDEX IF NOT EXISTS idx_purchases_user_date ON purchases(user_id, purchase_date DESC);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email_lower ON users(LOWER(email));
		CREATE INDEX IF NOT EXISTS idx_analytics_type_created ON analytics_events(event_type, created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// CreatePurchase inserts a purchase and returns it with the assigned ID.
func (s *PostgresStore) CreatePurchase(ctx context.Context, p Purchase) (Purchase, error) {
	if p.TransactionID == "" {
		return Purchase{}, fmt.Errorf("storage: transaction id is required")
	}
	if p.PurchaseDate.IsZero() {
		p.PurchaseDate = time.Now().UTC()
	}
	if p.Status == "" {
		p.Status = PurchaseCompleted
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	metadataJSON, err := marshalMetadata(p.Metadata)
	if err != nil {
		return Purchase{}, err
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO purchases (user_id, template_id, seller_id, price_cents, currency,
			transaction_id, payment_method, status, purchase_date, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		p.UserID, p.TemplateID, p.SellerID, p.Price.Cents, p.Price.Currency,
		p.TransactionID, p.PaymentMethod, string(p.Status), p.PurchaseDate, metadataJSON,
	).Scan(&p.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return Purchase{}, ErrDuplicate
		}
		return Purchase{}, fmt.Errorf("insert purchase: %w", err)
	}
	return p, nil
}

const purchaseColumns = `id, user_id, template_id, seller_id, price_cents, currency,
	transaction_id, payment_method, status, purchase_date, metadata`

func scanPurchase(row interface{ Scan(...any) error }) (Purchase, error) {
	var (
		p            Purchase
		status       string
		metadataJSON []byte
	)
	err := row.Scan(&p.ID, &p.UserID, &p.TemplateID, &p.SellerID,
		&p.Price.Cents, &p.Price.Currency, &p.TransactionID, &p.PaymentMethod,
		&status, &p.PurchaseDate, &metadataJSON)
	if err != nil {
		return Purchase{}, err
	}
	p.Status = PurchaseStatus(status)
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &p.Metadata); err != nil {
			return Purchase{}, fmt.Errorf("decode purchase metadata: %w", err)
		}
	}
	return p, nil
}

// GetPurchase retrieves a purchase by ID.
func (s *PostgresStore) GetPurchase(ctx context.Context, id int64) (Purchase, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	p, err := scanPurchase(s.db.QueryRowContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Purchase{}, ErrNotFound
	}
	if err != nil {
		return Purchase{}, fmt.Errorf("get purchase: %w", err)
	}
	return p, nil
}

// GetPurchaseByTransactionID retrieves a purchase by its gateway transaction ID.
func (s *PostgresStore) GetPurchaseByTransactionID(ctx context.Context, txID string) (Purchase, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	p, err := scanPurchase(s.db.QueryRowContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE transaction_id = $1`, txID))
	if errors.Is(err, sql.ErrNoRows) {
		return Purchase{}, ErrNotFound
	}
	if err != nil {
		return Purchase{}, fmt.Errorf("get purchase by transaction: %w", err)
	}
	return p, nil
}

// GetPurchaseByUserAndTemplate retrieves the purchase a user holds for a template.
func (s *PostgresStore) GetPurchaseByUserAndTemplate(ctx context.Context, userID string, templateID int64) (Purchase, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	p, err := scanPurchase(s.db.QueryRowContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE user_id = $1 AND template_id = $2`,
		userID, templateID))
	if errors.Is(err, sql.ErrNoRows) {
		return Purchase{}, ErrNotFound
	}
	if err != nil {
		return Purchase{}, fmt.Errorf("get purchase by user/template: %w", err)
	}
	return p, nil
}

// ListPurchasesByUser returns all purchases for a user, newest first.
func (s *PostgresStore) ListPurchasesByUser(ctx context.Context, userID string) ([]Purchase, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE user_id = $1 ORDER BY purchase_date DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	defer rows.Close()

	var out []Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("list purchases: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePurchaseStatus updates the status of an existing purchase.
func (s *PostgresStore) UpdatePurchaseStatus(ctx context.Context, id int64, status PurchaseStatus) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE purchases SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("update purchase status: %w", err)
	}
	return requireRowAffected(res)
}

// GetTemplate retrieves a template by ID.
func (s *PostgresStore) GetTemplate(ctx context.Context, id int64) (Template, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var t Template
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, category, seller_id, code, sales, downloads FROM templates WHERE id = $1`,
		id).Scan(&t.ID, &t.Name, &t.Category, &t.SellerID, &t.Code, &t.Sales, &t.Downloads)
	if errors.Is(err, sql.ErrNoRows) {
		return Template{}, ErrNotFound
	}
	if err != nil {
		return Template{}, fmt.Errorf("get template: %w", err)
	}
	return t, nil
}

// IncrementTemplateSales bumps the sales counter atomically in SQL.
// Never read-modify-write: concurrent webhooks would lose increments.
func (s *PostgresStore) IncrementTemplateSales(ctx context.Context, id int64) error {
	return s.incrementTemplateCounter(ctx, "sales", id)
}

// IncrementTemplateDownloads bumps the downloads counter atomically in SQL.
func (s *PostgresStore) IncrementTemplateDownloads(ctx context.Context, id int64) error {
	return s.incrementTemplateCounter(ctx, "downloads", id)
}

func (s *PostgresStore) incrementTemplateCounter(ctx context.Context, column string, id int64) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	// column is one of two compile-time constants, never user input.
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE templates SET %s = %s + 1 WHERE id = $1`, column, column), id)
	if err != nil {
		return fmt.Errorf("increment template %s: %w", column, err)
	}
	return requireRowAffected(res)
}

// RecordAnalyticsEvent appends an event to the analytics log.
func (s *PostgresStore) RecordAnalyticsEvent(ctx context.Context, ev AnalyticsEvent) error {
	if ev.ID == "" {
		ev.ID = newEventID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	dataJSON, err := marshalMetadata(ev.EventData)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO analytics_events (id, event_type, event_data, created_at) VALUES ($1, $2, $3, $4)`,
		ev.ID, ev.EventType, dataJSON, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("record analytics event: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *PostgresStore) GetUser(ctx context.Context, id string) (User, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// GetUserByEmail retrieves a user by email, case-insensitively.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash FROM users WHERE LOWER(email) = $1`,
		normalizeEmail(email)).Scan(&u.ID, &u.Email, &u.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

// UpdateUserPassword replaces a user's password hash.
func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $1 WHERE id = $2`, passwordHash, userID)
	if err != nil {
		return fmt.Errorf("update user password: %w", err)
	}
	return requireRowAffected(res)
}

// UpsertSubscriptionStatus records the latest subscription state for a customer.
func (s *PostgresStore) UpsertSubscriptionStatus(ctx context.Context, sub Subscription) error {
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = time.Now().UTC()
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (customer_id, external_id, status, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (customer_id) DO UPDATE
		SET external_id = EXCLUDED.external_id, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		sub.CustomerID, sub.ExternalID, sub.Status, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close closes the connection pool if this store owns it.
func (s *PostgresStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func requireRowAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalMetadata(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return data, nil
}
