package mailer

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unclebandit/newsletter-backend/internal/logger"
)

// DryRunTransport accepts everything and only logs. Used for local runs.
type DryRunTransport struct {
	log *zap.Logger
}

func NewDryRunTransport(log *zap.Logger) *DryRunTransport {
	if log == nil {
		log = zap.NewNop()
	}
	return &DryRunTransport{log: log}
}

func (t *DryRunTransport) Verify(ctx context.Context) error {
	return ctx.Err()
}

func (t *DryRunTransport) Send(ctx context.Context, msg Message) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	t.log.Info("dry-run send",
		logger.Email(msg.To),
		zap.String("subject", msg.Subject),
		zap.Int("html_bytes", len(msg.HTML)),
		zap.String("message_id", id),
	)
	return &Outcome{Accepted: true, MessageID: id, Response: "dry-run"}, nil
}
