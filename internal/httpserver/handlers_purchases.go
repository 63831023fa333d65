package httpserver

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/runyourtrip/server/internal/apikey"
	apierrors "github.com/runyourtrip/server/internal/errors"
	"github.com/runyourtrip/server/internal/logger"
	"github.com/runyourtrip/server/internal/purchases"
	"github.com/runyourtrip/server/internal/storage"
	"github.com/runyourtrip/server/pkg/responders"
)

// getPurchase returns a single purchase, owner only. Not-owner responds 404
// rather than 403 so the endpoint does not confirm which IDs exist.
func (h *handlers) getPurchase(w http.ResponseWriter, r *http.Request) {
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

	p, err := h.purchases.GetOwned(r.Context(), userID, purchaseID)
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, purchases.ErrNotOwner):
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodePurchaseNotFound, "purchase not found", "purchaseId", purchaseID)
		return
	case err != nil:
		log.Error().Err(err).Int64("purchase_id", purchaseID).Msg("purchases.lookup_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to load purchase")
		return
	}

	responders.JSON(w, http.StatusOK, p)
}

// listPurchases returns the caller's purchases, newest first.
func (h *handlers) listPurchases(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	userID, ok := apikey.UserFromContext(r.Context())
	if !ok {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "authentication required")
		return
	}

	list, err := h.purchases.ListOwned(r.Context(), userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("purchases.list_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to list purchases")
		return
	}
	if list == nil {
		list = []storage.Purchase{}
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"purchases": list,
		"count":     len(list),
	})
}
