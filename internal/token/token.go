// Package token issues and verifies stateless HMAC-signed capability tokens.
//
// A token is base64url("{epoch_ms}.{hex hmac-sha256(secret, payload)}") where the
// payload binds the subject (purchase or user) to the embedded timestamp. Nothing
// is persisted: verification recomputes the signature and checks the age, so any
// number of valid tokens can coexist and none can be revoked before expiry.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// DownloadTokenTTL bounds how long a purchase download link stays valid.
	DownloadTokenTTL = 7 * 24 * time.Hour

	// PasswordResetTTL bounds password reset links. Much shorter: a reset
	// token grants account takeover, a download token grants one zip file.
	PasswordResetTTL = 1 * time.Hour
)

// Verification failures. The exact messages are part of the client contract.
var (
	ErrInvalidFormat      = errors.New("Invalid token format")
	ErrInvalidTimestamp   = errors.New("Invalid timestamp")
	ErrExpired            = errors.New("Token expired")
	ErrInvalidSignature   = errors.New("Invalid signature")
	ErrVerificationFailed = errors.New("Token verification failed")
)

// Service signs and verifies capability tokens with a single shared secret.
// Issuance and verification are pure functions of secret + payload + clock,
// safe under arbitrary concurrency.
type Service struct {
	secret []byte
	now    func() time.Time
}

// NewService builds a token service. An empty secret is a configuration error
// and should abort startup, never be deferred to request time.
func NewService(secret string) (*Service, error) {
	if secret == "" {
		return nil, errors.New("token: signing secret is required")
	}
	return &Service{secret: []byte(secret), now: time.Now}, nil
}

// WithClock overrides the time source. Test hook only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// IssueDownload mints a download token for the given purchase.
func (s *Service) IssueDownload(purchaseID int64) string {
	ts := s.now().UnixMilli()
	return s.encode(downloadPayload(purchaseID, ts), ts)
}

// VerifyDownload checks a download token against the purchase it claims to
// authorize. Returns nil when the token is genuine and at most 7 days old.
func (s *Service) VerifyDownload(purchaseID int64, tok string) error {
	return s.verify(tok, DownloadTokenTTL, func(ts int64) string {
		return downloadPayload(purchaseID, ts)
	})
}

// IssuePasswordReset mints a reset token for the given user. Same construction
// as download tokens under a distinct payload namespace, so a download token
// can never double as a reset token.
func (s *Service) IssuePasswordReset(userID string) string {
	ts := s.now().UnixMilli()
	return s.encode(resetPayload(userID, ts), ts)
}

// VerifyPasswordReset checks a password reset token for the given user.
func (s *Service) VerifyPasswordReset(userID string, tok string) error {
	return s.verify(tok, PasswordResetTTL, func(ts int64) string {
		return resetPayload(userID, ts)
	})
}

func downloadPayload(purchaseID, ts int64) string {
	return fmt.Sprintf("%d-%d", purchaseID, ts)
}

func resetPayload(userID string, ts int64) string {
	return fmt.Sprintf("pwreset-%s-%d", userID, ts)
}

func (s *Service) encode(payload string, ts int64) string {
	sig := s.sign(payload)
	return base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf("%d.%s", ts, sig)))
}

func (s *Service) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// verify decodes and checks a token. Every failure collapses to one of the
// sentinel errors above; it never panics on hostile input.
func (s *Service) verify(tok string, ttl time.Duration, payload func(ts int64) string) error {
	decoded, err := decodeBase64URL(tok)
	if err != nil {
		return ErrVerificationFailed
	}

	tsPart, sigPart, found := strings.Cut(string(decoded), ".")
	if !found || tsPart == "" || sigPart == "" {
		return ErrInvalidFormat
	}

	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}

	// Tokens from the future (clock skew) pass: the signature binds the
	// timestamp, so a forged future timestamp cannot carry a valid signature.
	if s.now().UnixMilli()-ts > ttl.Milliseconds() {
		return ErrExpired
	}

	gotSig, err := hex.DecodeString(sigPart)
	if err != nil {
		return ErrInvalidSignature
	}
	wantMAC := hmac.New(sha256.New, s.secret)
	wantMAC.Write([]byte(payload(ts)))
	if !hmac.Equal(gotSig, wantMAC.Sum(nil)) {
		return ErrInvalidSignature
	}

	return nil
}

// decodeBase64URL accepts both padded and unpadded base64url input.
func decodeBase64URL(in string) ([]byte, error) {
	if decoded, err := base64.RawURLEncoding.DecodeString(in); err == nil {
		return decoded, nil
	}
	return base64.URLEncoding.DecodeString(in)
}
