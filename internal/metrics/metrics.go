package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the fulfillment service.
type Metrics struct {
	// Purchase metrics
	PurchasesTotal      *prometheus.CounterVec
	PurchaseAmountTotal *prometheus.CounterVec
	DuplicatePurchases  prometheus.Counter

	// Webhook metrics
	WebhooksTotal   *prometheus.CounterVec
	WebhookDuration *prometheus.HistogramVec

	// Download metrics
	DownloadsTotal       *prometheus.CounterVec
	ArchiveBuildDuration prometheus.Histogram
	ArchiveBytesTotal    prometheus.Counter

	// Token metrics
	TokenVerificationsTotal *prometheus.CounterVec

	// Mail metrics
	MailSendsTotal *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration     *prometheus.HistogramVec
	DBConnectionsActive prometheus.Gauge
}

// New creates and registers all Prometheus collectors.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		PurchasesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ryt_purchases_total",
				Help: "Total number of purchases recorded, by outcome",
			},
			[]string{"status"},
		),
		PurchaseAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ryt_purchase_amount_total",
				Help: "Total purchase amount in minor units",
			},
			[]string{"currency"},
		),
		DuplicatePurchases: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ryt_duplicate_purchases_total",
				Help: "Webhook deliveries skipped because the purchase already existed",
			},
		),

		WebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ryt_webhooks_total",
				Help: "Total number of webhook deliveries received, by event type and outcome",
			},
			[]string{"event_type", "status"},
		),
		WebhookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ryt_webhook_duration_seconds",
				Help:    "Time taken to process a webhook delivery",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"event_type"},
		),

		DownloadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ryt_downloads_total",
				Help: "Total number of download requests, by outcome",
			},
			[]string{"status"},
		),
		ArchiveBuildDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ryt_archive_build_duration_seconds",
				Help:    "Time taken to build and stream a template archive",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		),
		ArchiveBytesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ryt_archive_bytes_total",
				Help: "Total compressed bytes streamed to buyers",
			},
		),

		TokenVerificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ryt_token_verifications_total",
				Help: "Total number of token verifications, by outcome",
			},
			[]string{"kind", "outcome"},
		),

		MailSendsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ryt_mail_sends_total",
				Help: "Total number of transactional mail sends, by outcome",
			},
			[]string{"kind", "status"},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ryt_rate_limit_hits_total",
				Help: "Total number of rate limited requests",
			},
			[]string{"limit_type"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ryt_db_query_duration_seconds",
				Help:    "Database query duration",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),
		DBConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ryt_db_connections_active",
				Help: "Number of active database connections",
			},
		),
	}
}

// ObservePurchase records a recorded purchase and its amount.
func (m *Metrics) ObservePurchase(status, currency string, amountCents int64) {
	if m == nil {
		return
	}
	m.PurchasesTotal.WithLabelValues(status).Inc()
	if status == "completed" {
		m.PurchaseAmountTotal.WithLabelValues(currency).Add(float64(amountCents))
	}
}

// ObserveDuplicatePurchase records a webhook retry that hit an existing purchase.
func (m *Metrics) ObserveDuplicatePurchase() {
	if m == nil {
		return
	}
	m.DuplicatePurchases.Inc()
}

// ObserveWebhook records a processed webhook delivery.
func (m *Metrics) ObserveWebhook(eventType, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.WebhooksTotal.WithLabelValues(eventType, status).Inc()
	m.WebhookDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

// ObserveDownload records a download request outcome.
func (m *Metrics) ObserveDownload(status string) {
	if m == nil {
		return
	}
	m.DownloadsTotal.WithLabelValues(status).Inc()
}

// ObserveArchiveBuild records the time and size of a streamed archive.
func (m *Metrics) ObserveArchiveBuild(duration time.Duration, bytes int64) {
	if m == nil {
		return
	}
	m.ArchiveBuildDuration.Observe(duration.Seconds())
	m.ArchiveBytesTotal.Add(float64(bytes))
}

// ObserveTokenVerification records a token check. kind is "download" or
// "password_reset"; outcome is "ok" or the failure class.
func (m *Metrics) ObserveTokenVerification(kind, outcome string) {
	if m == nil {
		return
	}
	m.TokenVerificationsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveMailSend records a transactional mail attempt.
func (m *Metrics) ObserveMailSend(kind string, err error) {
	if m == nil {
		return
	}
	status := "sent"
	if err != nil {
		status = "failed"
	}
	m.MailSendsTotal.WithLabelValues(kind, status).Inc()
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitHitsTotal.WithLabelValues(limitType).Inc()
}

// ObserveDBQuery records a database query duration.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

// SetDBConnectionsActive records the current size of the connection pool.
func (m *Metrics) SetDBConnectionsActive(n int) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(n))
}
