package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/newsletter-backend/internal/errors"
	"github.com/unclebandit/newsletter-backend/internal/lock"
	"github.com/unclebandit/newsletter-backend/internal/logger"
	"github.com/unclebandit/newsletter-backend/internal/mailer"
	"github.com/unclebandit/newsletter-backend/internal/model"
	"github.com/unclebandit/newsletter-backend/internal/repository"
)

// Dispatcher drives one newsletter from processing to completed or failed.
// Recipients are sent one at a time; a single bad address never stops a run.
type Dispatcher struct {
	Newsletters repository.NewsletterRepositoryInterface
	Subscribers repository.SubscriberRepositoryInterface
	Transport   mailer.Transport
	// Locker is optional. When set, a second run of the same newsletter
	// is dropped while the first holds the lock.
	Locker lock.Locker

	FromEmail  string
	FromName   string
	APIURL     string
	SendDelay  time.Duration
	BatchDelay time.Duration

	Logger *zap.Logger
	// Reporter is told about every run that ends failed.
	Reporter func(newsletterID uuid.UUID, err error)
	Now      func() time.Time
}

func (d *Dispatcher) log() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

// Run executes job. It returns nil when the job is dropped or completes, and
// the fatal error after the newsletter has been marked failed.
func (d *Dispatcher) Run(ctx context.Context, job model.DispatchJob) error {
	id := job.NewsletterID
	log := d.log().With(zap.String("newsletter_id", id.String()))

	n, err := d.Newsletters.GetByID(ctx, id)
	if err != nil {
		if appErrors.IsNotFound(err) {
			log.Info("newsletter gone, dropping dispatch job")
			return nil
		}
		return fmt.Errorf("load newsletter: %w", err)
	}
	switch {
	case n.IsTerminal():
		log.Info("newsletter already finished, dropping dispatch job", zap.String("status", n.Status))
		return nil
	case n.Status != model.StatusProcessing:
		log.Info("newsletter not started, dropping dispatch job", zap.String("status", n.Status))
		return nil
	}

	var runLock lock.Lock
	if d.Locker != nil {
		held, ok, err := d.Locker.Acquire(ctx, "newsletter:dispatch:"+id.String())
		if err != nil {
			return d.fail(ctx, log, id, fmt.Errorf("acquire run lock: %w", err))
		}
		if !ok {
			log.Info("another worker is running this newsletter, dropping job")
			return nil
		}
		runLock = held
		defer func() {
			if err := held.Release(context.WithoutCancel(ctx)); err != nil {
				log.Warn("failed to release run lock", zap.Error(err))
			}
		}()
	}

	if err := d.Transport.Verify(ctx); err != nil {
		if !appErrors.IsConfiguration(err) {
			err = appErrors.NewConfiguration(err)
		}
		return d.fail(ctx, log, id, err)
	}
	log.Info("transport verified, sending", zap.Int("total_subscribers", n.TotalSubscribers))

	batchSize := job.BatchSize
	if batchSize <= 0 {
		batchSize = n.BatchSize
	}
	if batchSize <= 0 {
		batchSize = model.DefaultBatchSize
	}

	for page := 0; ; page++ {
		window, err := d.Subscribers.ListWindow(ctx, job.Selection, page*batchSize, batchSize)
		if err != nil {
			return d.fail(ctx, log, id, fmt.Errorf("load batch %d: %w", page, err))
		}
		if len(window) == 0 {
			break
		}

		if err := d.Newsletters.SetCurrentBatch(ctx, id, page); err != nil {
			return d.fail(ctx, log, id, fmt.Errorf("save batch index: %w", err))
		}
		// RecordSendResult refuses repeat attempts, so a lost lock is only logged.
		if runLock != nil && page > 0 {
			if err := runLock.Extend(ctx); err != nil {
				log.Warn("failed to extend run lock", zap.Int("batch", page), zap.Error(err))
			}
		}

		ids := make([]uuid.UUID, len(window))
		for i, s := range window {
			ids[i] = s.ID
		}
		eligible, err := d.Newsletters.UnattemptedRecipients(ctx, id, ids)
		if err != nil {
			return d.fail(ctx, log, id, err)
		}

		log.Info("sending batch", zap.Int("batch", page), zap.Int("size", len(window)), zap.Int("eligible", len(eligible)))
		for _, sub := range window {
			if !eligible[sub.ID] {
				continue
			}
			if err := d.sendOne(ctx, log, n, sub); err != nil {
				return d.fail(ctx, log, id, err)
			}
			if err := sleep(ctx, d.SendDelay); err != nil {
				return d.fail(ctx, log, id, fmt.Errorf("dispatch interrupted: %w", err))
			}
		}

		if err := sleep(ctx, d.BatchDelay); err != nil {
			return d.fail(ctx, log, id, fmt.Errorf("dispatch interrupted: %w", err))
		}
	}

	if err := d.Newsletters.MarkCompleted(ctx, id, d.now()); err != nil {
		return d.fail(ctx, log, id, fmt.Errorf("mark completed: %w", err))
	}
	log.Info("newsletter completed")
	return nil
}

// sendOne renders, sends and records one recipient. Only store errors and
// cancellation are returned; transport failures are recorded on the row.
func (d *Dispatcher) sendOne(ctx context.Context, log *zap.Logger, n *model.Newsletter, sub model.Subscriber) error {
	nid := n.ID.String()
	html := Render(n.Message, map[string]string{
		"name":            sub.Name,
		"email":           sub.Email,
		"unsubscribeLink": UnsubscribeURL(n.UnsubscribeLink, sub.Email, nid),
	}, &Tracking{APIURL: d.APIURL, NewsletterID: nid, SubscriberID: sub.ID.String()})

	out, err := d.Transport.Send(ctx, mailer.Message{
		FromName:  d.FromName,
		FromEmail: d.FromEmail,
		To:        sub.Email,
		Subject:   n.Subject,
		HTML:      html,
	})

	res := model.SendResult{At: d.now()}
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return fmt.Errorf("dispatch interrupted: %w", ctx.Err())
		}
		res.Error = err.Error()
		res.LastError = fmt.Sprintf("Error sending to %s: %v", sub.Email, err)
		log.Warn("send failed", logger.Email(sub.Email), zap.Error(err))
	case out == nil || !out.Accepted:
		reason := "Unknown error"
		if out != nil && out.Response != "" {
			reason = out.Response
		}
		res.Error = reason
		res.LastError = fmt.Sprintf("Error sending to %s: %s", sub.Email, reason)
		log.Warn("send rejected", logger.Email(sub.Email), zap.String("response", reason))
	default:
		res.Delivered = true
		log.Debug("sent", logger.Email(sub.Email), zap.String("message_id", out.MessageID))
	}

	// A send that went out is recorded even if shutdown started meanwhile.
	recorded, err := d.Newsletters.RecordSendResult(context.WithoutCancel(ctx), n.ID, sub.ID, res)
	if err != nil {
		return fmt.Errorf("record send result: %w", err)
	}
	if !recorded {
		log.Warn("recipient already attempted", zap.String("subscriber_id", sub.ID.String()))
	}
	return nil
}

// fail marks the newsletter failed even when ctx is already cancelled.
func (d *Dispatcher) fail(ctx context.Context, log *zap.Logger, id uuid.UUID, cause error) error {
	log.Error("newsletter dispatch failed", zap.Error(cause))

	if err := d.Newsletters.MarkFailed(context.WithoutCancel(ctx), id, cause.Error(), d.now()); err != nil {
		log.Error("failed to mark newsletter failed", zap.Error(err))
		cause = errors.Join(cause, err)
	}
	if d.Reporter != nil {
		d.Reporter(id, cause)
	}
	return cause
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
