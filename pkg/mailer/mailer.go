// Package mailer sends transactional email through Resend or plain SMTP.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/angelmondragon/libraryloans-backend/pkg/config"
)

// Message is one outgoing email. At least one of Text or HTML is required.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Sender delivers a message or returns why it could not.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// New selects a sender for the configured provider.
func New(cfg config.EmailConfig, httpClient *http.Client) (Sender, error) {
	switch cfg.ProviderName() {
	case config.EmailProviderResend:
		if cfg.ResendAPIKey == "" {
			return nil, errors.New("resend api key is required")
		}
		if cfg.SenderEmail == "" {
			return nil, errors.New("sender email is required")
		}
		if httpClient == nil {
			httpClient = &http.Client{Timeout: 10 * time.Second}
		}
		return &ResendSender{apiKey: cfg.ResendAPIKey, url: cfg.ResendURL, from: cfg.SenderEmail, client: httpClient}, nil
	case config.EmailProviderSMTP:
		if cfg.SMTPHost == "" || cfg.SMTPUser == "" {
			return nil, errors.New("smtp host and user are required")
		}
		from := cfg.SenderEmail
		if from == "" {
			from = cfg.SMTPUser
		}
		return &SMTPSender{
			addr: fmt.Sprintf("%s:%d", cfg.SMTPHost, cfg.SMTPPort),
			host: cfg.SMTPHost,
			user: cfg.SMTPUser,
			pass: cfg.SMTPPass,
			from: from,
			send: smtpSendMail,
		}, nil
	case config.EmailProviderNoop:
		return NoopSender{}, nil
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.Provider)
	}
}

// NoopSender drops every message.
type NoopSender struct{}

func (NoopSender) Send(ctx context.Context, msg Message) error {
	return msg.validate()
}

func (m Message) validate() error {
	if strings.TrimSpace(m.To) == "" {
		return errors.New("recipient is required")
	}
	if strings.ContainsAny(m.To, "\r\n") || strings.ContainsAny(m.Subject, "\r\n") {
		return errors.New("header values must not contain line breaks")
	}
	if m.Text == "" && m.HTML == "" {
		return errors.New("message body is required")
	}
	return nil
}
