package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/runyourtrip/server/internal/config"
	"github.com/runyourtrip/server/internal/httputil"
)

const sendGridEndpoint = "https://api.sendgrid.com/v3/mail/send"

// SendGridMailer sends mail through the SendGrid v3 REST API. A circuit
// breaker guards the provider so a SendGrid outage sheds load fast instead
// of holding webhook goroutines on timeouts.
type SendGridMailer struct {
	apiKey      string
	fromAddress string
	fromName    string
	endpoint    string
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker
}

// NewSendGridMailer builds a mailer from configuration.
func NewSendGridMailer(cfg config.MailConfig, breakerCfg config.BreakerConfig) (*SendGridMailer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("mail: sendgrid api key is required")
	}
	if cfg.FromAddress == "" {
		return nil, fmt.Errorf("mail: from_address is required")
	}

	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	m := &SendGridMailer{
		apiKey:      cfg.APIKey,
		fromAddress: cfg.FromAddress,
		fromName:    cfg.FromName,
		endpoint:    sendGridEndpoint,
		client:      httputil.NewClient(timeout),
	}
	if breakerCfg.Enabled {
		m.breaker = gobreaker.NewCircuitBreaker(breakerSettings(breakerCfg))
	}
	return m, nil
}

// WithEndpoint overrides the API endpoint. Test hook only.
func (m *SendGridMailer) WithEndpoint(url string) *SendGridMailer {
	m.endpoint = url
	return m
}

func breakerSettings(cfg config.BreakerConfig) gobreaker.Settings {
	maxRequests := cfg.MaxRequests
	if maxRequests == 0 {
		maxRequests = 3
	}
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	consecutive := cfg.ConsecutiveFailures
	if consecutive == 0 {
		consecutive = 5
	}
	return gobreaker.Settings{
		Name:        "sendgrid",
		MaxRequests: maxRequests,
		Interval:    cfg.Interval.Duration,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutive
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("mail.breaker.state_change")
		},
	}
}

// sendGridMessage is the subset of the v3 mail/send payload this service uses.
type sendGridMessage struct {
	Personalizations []struct {
		To []sendGridAddress `json:"to"`
	} `json:"personalizations"`
	From    sendGridAddress   `json:"from"`
	Subject string            `json:"subject"`
	Content []sendGridContent `json:"content"`
}

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// SendPurchaseConfirmation emails the buyer their download link.
func (m *SendGridMailer) SendPurchaseConfirmation(ctx context.Context, msg PurchaseConfirmation) error {
	subject := fmt.Sprintf("Your purchase: %s", msg.TemplateName)
	body := fmt.Sprintf(
		"Thanks for your purchase!\n\n"+
			"Template: %s\n"+
			"Amount: %s\n\n"+
			"Download your template here (link valid for 7 days):\n%s\n\n"+
			"You can generate a fresh link from your account at any time.\n\n"+
			"Questions? Reach us at %s.\n",
		msg.TemplateName, msg.Price.Display(), msg.DownloadURL, msg.SupportEmail)
	return m.send(ctx, msg.To, subject, body)
}

// SendPasswordReset emails a reset link.
func (m *SendGridMailer) SendPasswordReset(ctx context.Context, msg PasswordReset) error {
	body := fmt.Sprintf(
		"We received a request to reset your password.\n\n"+
			"Reset it here (link valid for 1 hour):\n%s\n\n"+
			"If you didn't request this, you can safely ignore this email.\n",
		msg.ResetURL)
	return m.send(ctx, msg.To, "Reset your password", body)
}

func (m *SendGridMailer) send(ctx context.Context, to, subject, body string) error {
	payload := sendGridMessage{
		From:    sendGridAddress{Email: m.fromAddress, Name: m.fromName},
		Subject: subject,
		Content: []sendGridContent{{Type: "text/plain", Value: body}},
	}
	payload.Personalizations = make([]struct {
		To []sendGridAddress `json:"to"`
	}, 1)
	payload.Personalizations[0].To = []sendGridAddress{{Email: to}}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("mail: encode payload: %w", err)
	}

	do := func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := m.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("mail: send request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			// SendGrid error bodies are short JSON blobs worth logging.
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("mail: sendgrid returned %d: %s", resp.StatusCode, detail)
		}
		return nil, nil
	}

	if m.breaker != nil {
		_, err = m.breaker.Execute(do)
	} else {
		_, err = do()
	}
	return err
}
