package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	apierrors "github.com/runyourtrip/server/internal/errors"
	"github.com/runyourtrip/server/internal/logger"
	"github.com/runyourtrip/server/internal/mail"
	"github.com/runyourtrip/server/internal/storage"
	"github.com/runyourtrip/server/pkg/responders"
)

const minPasswordLength = 8

type passwordResetRequest struct {
	Email string `json:"email"`
}

type passwordResetConfirm struct {
	UserID      string `json:"userId"`
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

// requestPasswordReset mints a reset token and mails it. The response is 202
// whether or not the address matches an account, so the endpoint cannot be
// used to probe which emails are registered.
func (h *handlers) requestPasswordReset(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req passwordResetRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "email is required")
		return
	}

	user, err := h.store.GetUserByEmail(r.Context(), email)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		log.Info().
			Str("email", logger.RedactEmail(email)).
			Msg("auth.reset_unknown_email")
	case err != nil:
		// Still 202: revealing a storage outage here leaks nothing useful to
		// the caller and the user can simply retry.
		log.Error().Err(err).Msg("auth.reset_lookup_failed")
	default:
		tok := h.tokens.IssuePasswordReset(user.ID)
		resetURL := fmt.Sprintf("%s?uid=%s&token=%s", h.cfg.Download.ResetBaseURL, user.ID, tok)

		mailErr := h.mailer.SendPasswordReset(r.Context(), mail.PasswordReset{
			To:       user.Email,
			ResetURL: resetURL,
		})
		h.metrics.ObserveMailSend("password_reset", mailErr)
		if mailErr != nil {
			log.Error().
				Err(mailErr).
				Str("email", logger.RedactEmail(user.Email)).
				Msg("auth.reset_mail_failed")
		} else {
			log.Info().
				Str("user_id", user.ID).
				Str("email", logger.RedactEmail(user.Email)).
				Msg("auth.reset_mail_sent")
		}
	}

	responders.JSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"message": "If the email is registered, a reset link has been sent.",
	})
}

// confirmPasswordReset verifies a reset token and replaces the user's
// password hash.
func (h *handlers) confirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req passwordResetConfirm
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}
	if req.UserID == "" || req.Token == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "userId and token are required")
		return
	}
	if len(req.NewPassword) < minPasswordLength {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField,
			fmt.Sprintf("password must be at least %d characters", minPasswordLength))
		return
	}

	if err := h.tokens.VerifyPasswordReset(req.UserID, req.Token); err != nil {
		outcome, code, msg := classifyTokenError(err)
		h.metrics.ObserveTokenVerification("password_reset", outcome)
		log.Warn().
			Str("user_id", req.UserID).
			Str("token", logger.TruncateToken(req.Token)).
			Str("reason", err.Error()).
			Msg("auth.reset_token_rejected")
		apierrors.WriteSimpleError(w, code, msg)
		return
	}
	h.metrics.ObserveTokenVerification("password_reset", "ok")

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		log.Error().Err(err).Msg("auth.password_hash_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "failed to process password")
		return
	}

	err = h.store.UpdateUserPassword(r.Context(), req.UserID, string(hash))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUserNotFound, "user not found")
		return
	case err != nil:
		log.Error().Err(err).Str("user_id", req.UserID).Msg("auth.password_update_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to update password")
		return
	}

	log.Info().Str("user_id", req.UserID).Msg("auth.password_reset_completed")
	responders.JSON(w, http.StatusOK, map[string]any{"success": true})
}
