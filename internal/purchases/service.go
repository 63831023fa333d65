// Package purchases records completed checkouts and issues download links.
//
// Everything here is driven by gateway webhooks, which retry on failure and
// may deliver the same event many times. The service leans on the storage
// layer's uniqueness guarantees instead of trying to deduplicate up front:
// insert, and treat a duplicate as an already-processed delivery.
package purchases

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/runyourtrip/server/internal/mail"
	"github.com/runyourtrip/server/internal/metrics"
	"github.com/runyourtrip/server/internal/money"
	"github.com/runyourtrip/server/internal/storage"
	"github.com/runyourtrip/server/internal/token"
)

// ErrNotOwner is returned when a caller asks about a purchase that belongs
// to someone else.
var ErrNotOwner = errors.New("purchases: not the purchase owner")

// DownloadLinkExpiry is the human-readable validity hint returned alongside
// generated links. Must stay in sync with token.DownloadTokenTTL.
const DownloadLinkExpiry = "7 days"

// CheckoutEvent is the normalized form of a completed checkout, decoupled
// from any particular gateway's payload shape.
type CheckoutEvent struct {
	SessionID     string
	CustomerEmail string
	PaymentStatus string
	AmountTotal   int64 // minor units
	Currency      string
	Metadata      map[string]string // carries productId and userId
}

// Service coordinates purchase recording and link issuance.
type Service struct {
	store        storage.Store
	tokens       *token.Service
	mailer       mail.Mailer
	metrics      *metrics.Metrics
	baseURL      string // absolute prefix for download links, e.g. "https://runyourtrip.com/api"
	supportEmail string
}

// NewService wires a purchase service.
func NewService(store storage.Store, tokens *token.Service, mailer mail.Mailer, m *metrics.Metrics, baseURL, supportEmail string) *Service {
	if mailer == nil {
		mailer = mail.NoopMailer{}
	}
	return &Service{
		store:        store,
		tokens:       tokens,
		mailer:       mailer,
		metrics:      m,
		baseURL:      baseURL,
		supportEmail: supportEmail,
	}
}

// CompleteCheckout records a purchase from a completed checkout event.
//
// Returning nil acknowledges the delivery and stops gateway retries, so
// malformed events (missing metadata, unknown template) are logged and
// acknowledged rather than errored: retrying them can never succeed. Only
// transient failures (storage down) propagate an error.
func (s *Service) CompleteCheckout(ctx context.Context, ev CheckoutEvent) error {
	logger := zerolog.Ctx(ctx).With().Str("session_id", ev.SessionID).Logger()

	productID := metadataValue(ev.Metadata, "productId", "product_id")
	userID := metadataValue(ev.Metadata, "userId", "user_id")
	if productID == "" || userID == "" {
		logger.Warn().
			Str("product_id", productID).
			Str("user_id", userID).
			Msg("checkout.missing_metadata")
		return nil
	}

	templateID, err := strconv.ParseInt(productID, 10, 64)
	if err != nil {
		logger.Warn().Str("product_id", productID).Msg("checkout.invalid_product_id")
		return nil
	}

	tpl, err := s.store.GetTemplate(ctx, templateID)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Warn().Int64("template_id", templateID).Msg("checkout.unknown_template")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load template %d: %w", templateID, err)
	}

	currency := ev.Currency
	if currency == "" {
		currency = "usd"
	}

	p, err := s.store.CreatePurchase(ctx, storage.Purchase{
		UserID:        userID,
		TemplateID:    templateID,
		SellerID:      tpl.SellerID,
		Price:         money.FromMinorUnits(ev.AmountTotal, currency),
		TransactionID: ev.SessionID,
		PaymentMethod: "stripe",
		Status:        storage.PurchaseCompleted,
		Metadata: map[string]string{
			"session_id":     ev.SessionID,
			"buyer_email":    ev.CustomerEmail,
			"payment_status": ev.PaymentStatus,
		},
	})
	if errors.Is(err, storage.ErrDuplicate) {
		logger.Info().Msg("checkout.duplicate_delivery")
		s.metrics.ObserveDuplicatePurchase()
		return nil
	}
	if err != nil {
		return fmt.Errorf("create purchase: %w", err)
	}

	logger.Info().
		Int64("purchase_id", p.ID).
		Int64("template_id", templateID).
		Str("user_id", userID).
		Str("amount", p.Price.Display()).
		Msg("checkout.purchase_recorded")
	s.metrics.ObservePurchase("completed", currency, ev.AmountTotal)

	// Everything below is best-effort: the purchase row is the source of
	// truth, and the buyer can always regenerate a link from their account.
	if err := s.store.IncrementTemplateSales(ctx, templateID); err != nil {
		logger.Error().Err(err).Int64("template_id", templateID).Msg("checkout.sales_increment_failed")
	}

	downloadURL := s.DownloadURL(p.ID)

	if ev.CustomerEmail != "" {
		mailErr := s.mailer.SendPurchaseConfirmation(ctx, mail.PurchaseConfirmation{
			To:           ev.CustomerEmail,
			TemplateName: tpl.Name,
			Price:        p.Price,
			DownloadURL:  downloadURL,
			SupportEmail: s.supportEmail,
		})
		s.metrics.ObserveMailSend("purchase_confirmation", mailErr)
		if mailErr != nil {
			logger.Error().Err(mailErr).Msg("checkout.confirmation_mail_failed")
		}
	}

	analyticsErr := s.store.RecordAnalyticsEvent(ctx, storage.AnalyticsEvent{
		EventType: "purchase",
		EventData: map[string]string{
			"purchase_id": strconv.FormatInt(p.ID, 10),
			"template_id": productID,
			"user_id":     userID,
			"amount":      p.Price.String(),
			"currency":    currency,
			"session_id":  ev.SessionID,
		},
	})
	if analyticsErr != nil {
		logger.Error().Err(analyticsErr).Msg("checkout.analytics_failed")
	}

	return nil
}

// DownloadURL builds the signed download link for a purchase with a freshly
// minted token.
func (s *Service) DownloadURL(purchaseID int64) string {
	return fmt.Sprintf("%s/download/%d?token=%s", s.baseURL, purchaseID, s.tokens.IssueDownload(purchaseID))
}

// RegenerateLink mints a fresh download link for the owner of a purchase.
// Previously issued tokens stay valid until their own expiry; there is no
// revocation list.
func (s *Service) RegenerateLink(ctx context.Context, userID string, purchaseID int64) (string, error) {
	p, err := s.store.GetPurchase(ctx, purchaseID)
	if err != nil {
		return "", err
	}
	if p.UserID != userID {
		return "", ErrNotOwner
	}
	return s.DownloadURL(purchaseID), nil
}

// GetOwned returns a purchase if and only if it belongs to the caller.
func (s *Service) GetOwned(ctx context.Context, userID string, purchaseID int64) (storage.Purchase, error) {
	p, err := s.store.GetPurchase(ctx, purchaseID)
	if err != nil {
		return storage.Purchase{}, err
	}
	if p.UserID != userID {
		return storage.Purchase{}, ErrNotOwner
	}
	return p, nil
}

// ListOwned returns every purchase belonging to the caller, newest first.
func (s *Service) ListOwned(ctx context.Context, userID string) ([]storage.Purchase, error) {
	return s.store.ListPurchasesByUser(ctx, userID)
}

// RecordDownload logs the analytics event and bumps the downloads counter
// for a served archive. Both are best-effort; the download itself already
// succeeded or is streaming.
func (s *Service) RecordDownload(ctx context.Context, p storage.Purchase) {
	logger := zerolog.Ctx(ctx)

	err := s.store.RecordAnalyticsEvent(ctx, storage.AnalyticsEvent{
		EventType: "download",
		EventData: map[string]string{
			"purchase_id": strconv.FormatInt(p.ID, 10),
			"template_id": strconv.FormatInt(p.TemplateID, 10),
			"user_id":     p.UserID,
		},
	})
	if err != nil {
		logger.Error().Err(err).Int64("purchase_id", p.ID).Msg("download.analytics_failed")
	}

	if err := s.store.IncrementTemplateDownloads(ctx, p.TemplateID); err != nil {
		logger.Error().Err(err).Int64("template_id", p.TemplateID).Msg("download.counter_failed")
	}
}

func metadataValue(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := m[k]; v != "" {
			return v
		}
	}
	return ""
}
