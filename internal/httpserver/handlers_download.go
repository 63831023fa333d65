package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/runyourtrip/server/internal/apikey"
	"github.com/runyourtrip/server/internal/archive"
	apierrors "github.com/runyourtrip/server/internal/errors"
	"github.com/runyourtrip/server/internal/logger"
	"github.com/runyourtrip/server/internal/purchases"
	"github.com/runyourtrip/server/internal/storage"
	"github.com/runyourtrip/server/internal/token"
	"github.com/runyourtrip/server/pkg/responders"
)

// handleDownload streams the purchased template archive. Authorization is the
// signed token alone; no session or API key is required, because the link
// lands in the buyer's inbox.
func (h *handlers) handleDownload(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	purchaseID, err := parsePurchaseID(chi.URLParam(r, "purchaseID"))
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidPurchaseID, "purchase id must be a positive integer")
		return
	}

	tok := r.URL.Query().Get("token")
	if tok == "" {
		h.metrics.ObserveDownload("missing_token")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingToken, "download token is required")
		return
	}

	if err := h.tokens.VerifyDownload(purchaseID, tok); err != nil {
		// Coarse message to the client; the precise failure only goes to logs.
		outcome, code, msg := classifyTokenError(err)
		h.metrics.ObserveTokenVerification("download", outcome)
		h.metrics.ObserveDownload("rejected")
		log.Warn().
			Int64("purchase_id", purchaseID).
			Str("token", logger.TruncateToken(tok)).
			Str("reason", err.Error()).
			Msg("download.token_rejected")
		apierrors.WriteErrorWithDetail(w, code, msg, "purchaseId", purchaseID)
		return
	}
	h.metrics.ObserveTokenVerification("download", "ok")

	p, err := h.store.GetPurchase(r.Context(), purchaseID)
	if errors.Is(err, storage.ErrNotFound) {
		// Valid signature over a purchase that no longer exists. Possible
		// after a database restore; treat as not found, not as forgery.
		h.metrics.ObserveDownload("not_found")
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodePurchaseNotFound, "purchase not found", "purchaseId", purchaseID)
		return
	}
	if err != nil {
		h.metrics.ObserveDownload("error")
		log.Error().Err(err).Int64("purchase_id", purchaseID).Msg("download.purchase_lookup_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to load purchase")
		return
	}

	tpl, err := h.store.GetTemplate(r.Context(), p.TemplateID)
	if errors.Is(err, storage.ErrNotFound) {
		h.metrics.ObserveDownload("not_found")
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeTemplateNotFound, "template not found", "templateId", p.TemplateID)
		return
	}
	if err != nil {
		h.metrics.ObserveDownload("error")
		log.Error().Err(err).Int64("template_id", p.TemplateID).Msg("download.template_lookup_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to load template")
		return
	}

	h.purchases.RecordDownload(r.Context(), p)

	filename := archive.Filename(tpl.Name)
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)

	start := time.Now()
	bytes, err := h.archive.Write(w, tpl, p)
	h.metrics.ObserveArchiveBuild(time.Since(start), bytes)
	if err != nil {
		// Headers and part of the body are already on the wire. Log and let
		// the truncated zip fail checksum on the client side.
		h.metrics.ObserveDownload("stream_failed")
		log.Error().
			Err(err).
			Int64("purchase_id", purchaseID).
			Int64("bytes_written", bytes).
			Msg("download.stream_failed")
		return
	}

	h.metrics.ObserveDownload("ok")
	log.Info().
		Int64("purchase_id", purchaseID).
		Int64("template_id", p.TemplateID).
		Int64("bytes", bytes).
		Str("filename", filename).
		Msg("download.served")
}

type generateLinkResponse struct {
	Success     bool   `json:"success"`
	DownloadURL string `json:"downloadUrl"`
	ExpiresIn   string `json:"expiresIn"`
}

// generateDownloadLink mints a fresh signed link for a purchase the caller
// owns. Old links keep working until they expire on their own.
func (h *handlers) generateDownloadLink(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	userID, ok := apikey.UserFromContext(r.Context())
	if !ok {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "authentication required")
		return
	}

	purchaseID, err := parsePurchaseID(chi.URLParam(r, "purchaseID"))
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidPurchaseID, "purchase id must be a positive integer")
		return
	}

	url, err := h.purchases.RegenerateLink(r.Context(), userID, purchaseID)
	switch {
	case errors.Is(err, purchases.ErrNotOwner):
		log.Warn().
			Int64("purchase_id", purchaseID).
			Str("user_id", userID).
			Msg("download.link_ownership_denied")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeForbidden, "purchase belongs to another user")
		return
	case errors.Is(err, storage.ErrNotFound):
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodePurchaseNotFound, "purchase not found", "purchaseId", purchaseID)
		return
	case err != nil:
		log.Error().Err(err).Int64("purchase_id", purchaseID).Msg("download.link_generation_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to generate link")
		return
	}

	log.Info().
		Int64("purchase_id", purchaseID).
		Str("user_id", userID).
		Msg("download.link_generated")

	responders.JSON(w, http.StatusOK, generateLinkResponse{
		Success:     true,
		DownloadURL: url,
		ExpiresIn:   purchases.DownloadLinkExpiry,
	})
}

func parsePurchaseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, errors.New("purchase id must be positive")
	}
	return id, nil
}

// classifyTokenError maps token verification failures to a metrics outcome,
// a client error code, and a deliberately coarse client message. Which exact
// check failed is never disclosed to the caller.
func classifyTokenError(err error) (outcome string, code apierrors.ErrorCode, msg string) {
	if errors.Is(err, token.ErrExpired) {
		return "expired", apierrors.ErrCodeTokenExpired, "Token expired"
	}
	return "invalid", apierrors.ErrCodeInvalidToken, "Invalid token"
}
