package mailer

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-gomail/gomail"
	"github.com/google/uuid"

	"github.com/unclebandit/newsletter-backend/internal/config"
	appErrors "github.com/unclebandit/newsletter-backend/internal/errors"
)

type smtpDialer interface {
	Dial() (gomail.SendCloser, error)
}

// SMTPTransport sends through an authenticated SMTP relay.
type SMTPTransport struct {
	dialer smtpDialer
	host   string
}

func NewSMTPTransport(cfg config.SMTPConfig) *SMTPTransport {
	return &SMTPTransport{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		host:   cfg.Host,
	}
}

// Verify opens an authenticated session and closes it again.
func (t *SMTPTransport) Verify(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := t.dialer.Dial()
	if err != nil {
		return appErrors.NewConfiguration(err)
	}
	return conn.Close()
}

// Send opens a session per message. A relay rejection comes back as an
// unaccepted Outcome, dial failures as an error.
func (t *SMTPTransport) Send(ctx context.Context, msg Message) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := t.dialer.Dial()
	if err != nil {
		return nil, fmt.Errorf("smtp dial: %w", err)
	}
	defer conn.Close()

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), messageIDDomain(msg.FromEmail, t.host))

	m := gomail.NewMessage()
	m.SetAddressHeader("From", msg.FromEmail, msg.FromName)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-Id", messageID)
	m.SetBody("text/html", msg.HTML)

	if err := gomail.Send(conn, m); err != nil {
		return &Outcome{Accepted: false, MessageID: messageID, Response: err.Error()}, nil
	}
	return &Outcome{Accepted: true, MessageID: messageID, Response: "250 OK"}, nil
}

func messageIDDomain(from, fallback string) string {
	if i := strings.LastIndex(from, "@"); i >= 0 && i < len(from)-1 {
		return from[i+1:]
	}
	if fallback != "" {
		return fallback
	}
	return "localhost"
}
