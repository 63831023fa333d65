package storage

import (
	"context"
	"time"
)

// QueryObserver receives per-query timings and pool state from an
// instrumented store. Satisfied by *metrics.Metrics.
type QueryObserver interface {
	ObserveDBQuery(operation, backend string, duration time.Duration)
	SetDBConnectionsActive(n int)
}

// InstrumentStore wraps a database-backed store so every query reports its
// duration and, for Postgres, the pool's open connection count. Memory stores
// are returned unwrapped; timing map lookups only adds noise to the
// histograms.
func InstrumentStore(s Store, obs QueryObserver) Store {
	if obs == nil {
		return s
	}
	switch inner := s.(type) {
	case *PostgresStore:
		return &instrumentedStore{
			inner:   s,
			obs:     obs,
			backend: "postgres",
			connections: func() int {
				return inner.db.Stats().OpenConnections
			},
		}
	case *MongoDBStore:
		return &instrumentedStore{inner: s, obs: obs, backend: "mongodb"}
	default:
		return s
	}
}

type instrumentedStore struct {
	inner       Store
	obs         QueryObserver
	backend     string
	connections func() int // nil when the driver exposes no pool stats
}

func (s *instrumentedStore) observe(op string, start time.Time) {
	s.obs.ObserveDBQuery(op, s.backend, time.Since(start))
	if s.connections != nil {
		s.obs.SetDBConnectionsActive(s.connections())
	}
}

func (s *instrumentedStore) CreatePurchase(ctx context.Context, p Purchase) (Purchase, error) {
	defer s.observe("create_purchase", time.Now())
	return s.inner.CreatePurchase(ctx, p)
}

func (s *instrumentedStore) GetPurchase(ctx context.Context, id int64) (Purchase, error) {
	defer s.observe("get_purchase", time.Now())
	return s.inner.GetPurchase(ctx, id)
}

func (s *instrumentedStore) GetPurchaseByTransactionID(ctx context.Context, txID string) (Purchase, error) {
	defer s.observe("get_purchase_by_transaction", time.Now())
	return s.inner.GetPurchaseByTransactionID(ctx, txID)
}

func (s *instrumentedStore) GetPurchaseByUserAndTemplate(ctx context.Context, userID string, templateID int64) (Purchase, error) {
	defer s.observe("get_purchase_by_user_template", time.Now())
	return s.inner.GetPurchaseByUserAndTemplate(ctx, userID, templateID)
}

func (s *instrumentedStore) ListPurchasesByUser(ctx context.Context, userID string) ([]Purchase, error) {
	defer s.observe("list_purchases_by_user", time.Now())
	return s.inner.ListPurchasesByUser(ctx, userID)
}

func (s *instrumentedStore) UpdatePurchaseStatus(ctx context.Context, id int64, status PurchaseStatus) error {
	defer s.observe("update_purchase_status", time.Now())
	return s.inner.UpdatePurchaseStatus(ctx, id, status)
}

func (s *instrumentedStore) GetTemplate(ctx context.Context, id int64) (Template, error) {
	defer s.observe("get_template", time.Now())
	return s.inner.GetTemplate(ctx, id)
}

func (s *instrumentedStore) IncrementTemplateSales(ctx context.Context, id int64) error {
	defer s.observe("increment_template_sales", time.Now())
	return s.inner.IncrementTemplateSales(ctx, id)
}

func (s *instrumentedStore) IncrementTemplateDownloads(ctx context.Context, id int64) error {
	defer s.observe("increment_template_downloads", time.Now())
	return s.inner.IncrementTemplateDownloads(ctx, id)
}

func (s *instrumentedStore) RecordAnalyticsEvent(ctx context.Context, ev AnalyticsEvent) error {
	defer s.observe("record_analytics_event", time.Now())
	return s.inner.RecordAnalyticsEvent(ctx, ev)
}

func (s *instrumentedStore) GetUser(ctx context.Context, id string) (User, error) {
	defer s.observe("get_user", time.Now())
	return s.inner.GetUser(ctx, id)
}

func (s *instrumentedStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	defer s.observe("get_user_by_email", time.Now())
	return s.inner.GetUserByEmail(ctx, email)
}

func (s *instrumentedStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	defer s.observe("update_user_password", time.Now())
	return s.inner.UpdateUserPassword(ctx, userID, passwordHash)
}

func (s *instrumentedStore) UpsertSubscriptionStatus(ctx context.Context, sub Subscription) error {
	defer s.observe("upsert_subscription_status", time.Now())
	return s.inner.UpsertSubscriptionStatus(ctx, sub)
}

func (s *instrumentedStore) Ping(ctx context.Context) error {
	defer s.observe("ping", time.Now())
	return s.inner.Ping(ctx)
}

func (s *instrumentedStore) Close() error {
	return s.inner.Close()
}
