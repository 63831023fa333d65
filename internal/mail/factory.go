package mail

import (
	"github.com/rs/zerolog/log"

	"github.com/runyourtrip/server/internal/config"
)

// New builds the configured Mailer, falling back to NoopMailer when mail is
// unconfigured so callers never branch on nil.
func New(cfg config.MailConfig, breakerCfg config.BreakerConfig) (Mailer, error) {
	switch cfg.Provider {
	case "sendgrid":
		return NewSendGridMailer(cfg, breakerCfg)
	case "", "noop":
		log.Info().Msg("mail.disabled")
		return NoopMailer{}, nil
	default:
		log.Warn().Str("provider", cfg.Provider).Msg("mail.unknown_provider")
		return NoopMailer{}, nil
	}
}
