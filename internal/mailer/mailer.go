// Package mailer is the gateway to the outside mail provider.
package mailer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/unclebandit/newsletter-backend/internal/config"
)

// Message is one personalized email.
type Message struct {
	FromName  string
	FromEmail string
	To        string
	Subject   string
	HTML      string
}

// Outcome is the provider's answer to one Send.
type Outcome struct {
	Accepted  bool
	MessageID string
	Response  string
}

// Transport is implemented by every provider. Verify must return an
// *appErrors.ConfigurationError when credentials or connectivity are bad.
// Send is not idempotent.
type Transport interface {
	Verify(ctx context.Context) error
	Send(ctx context.Context, msg Message) (*Outcome, error)
}

// New builds the transport selected by cfg.Transport.
func New(ctx context.Context, cfg config.MailConfig, log *zap.Logger) (Transport, error) {
	switch cfg.Transport {
	case "smtp":
		return NewSMTPTransport(cfg.SMTP), nil
	case "ses":
		return NewSESTransport(ctx, cfg.SES)
	case "dryrun":
		return NewDryRunTransport(log), nil
	default:
		return nil, fmt.Errorf("unknown mail transport %q", cfg.Transport)
	}
}

func formatFrom(name, email string) string {
	if name == "" {
		return email
	}
	return fmt.Sprintf("%q <%s>", name, email)
}
