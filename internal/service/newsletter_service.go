// internal/service/newsletter_service.go
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/newsletter-backend/internal/errors"
	"github.com/unclebandit/newsletter-backend/internal/logger"
	"github.com/unclebandit/newsletter-backend/internal/mailer"
	"github.com/unclebandit/newsletter-backend/internal/model"
	"github.com/unclebandit/newsletter-backend/internal/queue"
	"github.com/unclebandit/newsletter-backend/internal/repository"
)

const (
	RecipientsAll    = "all"
	RecipientsUnread = "unread"
	RecipientsRead   = "read"
	RecipientsFailed = "failed"

	TimeFrame30Days = "30days"
	TimeFrameAll    = "all"

	analyticsRetention = 30 * 24 * time.Hour
)

type NewsletterService struct {
	Newsletters repository.NewsletterRepositoryInterface
	Subscribers repository.SubscriberRepositoryInterface
	Queue       queue.Queue
	Transport   mailer.Transport

	FromEmail        string
	FromName         string
	APIURL           string
	DefaultBatchSize int

	Logger *zap.Logger
	Now    func() time.Time
}

func (s *NewsletterService) log(ctx context.Context) *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return logger.WithRequestID(ctx, s.Logger)
}

func (s *NewsletterService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// SendRequest is the admin's newsletter submission.
type SendRequest struct {
	Subject         string   `json:"subject"`
	Message         string   `json:"message"`
	UnsubscribeLink string   `json:"unsubscribeLink"`
	SubscriberIDs   []string `json:"subscriberIds"`
	BatchSize       *int     `json:"batchSize"`
}

// SendResult reports a queued run. NewsletterID is nil when nothing was
// created.
type SendResult struct {
	NewsletterID   *uuid.UUID
	RecipientCount int
}

// Send validates the request, records the newsletter with its recipients and
// queues the dispatch job. It returns before any email goes out.
func (s *NewsletterService) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if strings.TrimSpace(req.Subject) == "" || strings.TrimSpace(req.Message) == "" || strings.TrimSpace(req.UnsubscribeLink) == "" {
		return nil, appErrors.NewValidation("", "Subject, message, and unsubscribeLink are required")
	}

	batchSize := s.DefaultBatchSize
	if batchSize <= 0 {
		batchSize = model.DefaultBatchSize
	}
	if req.BatchSize != nil {
		if *req.BatchSize < 0 {
			return nil, appErrors.NewValidation("batchSize", "must be a positive integer")
		}
		if *req.BatchSize > 0 {
			batchSize = *req.BatchSize
		}
	}

	sel := model.Selection{CreatedBefore: s.now()}
	for _, raw := range req.SubscriberIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, appErrors.NewValidation("subscriberIds", fmt.Sprintf("invalid subscriber id %q", raw))
		}
		sel.SubscriberIDs = append(sel.SubscriberIDs, id)
	}

	return s.start(ctx, &model.Newsletter{
		Subject:         req.Subject,
		Message:         req.Message,
		UnsubscribeLink: req.UnsubscribeLink,
		BatchSize:       batchSize,
	}, sel)
}

// start resolves the selection to existing subscribers, persists the
// newsletter and queues it. An empty resolution is reported as not found.
func (s *NewsletterService) start(ctx context.Context, n *model.Newsletter, sel model.Selection) (*SendResult, error) {
	ids, err := s.Subscribers.ListIDs(ctx, sel)
	if err != nil {
		return nil, fmt.Errorf("resolve subscribers: %w", err)
	}
	if len(ids) == 0 {
		return nil, appErrors.NewNoSubscribers()
	}
	if sel.IsExplicit() {
		sel.SubscriberIDs = ids
	}

	n.Status = model.StatusProcessing
	if err := s.Newsletters.Create(ctx, n, ids); err != nil {
		return nil, fmt.Errorf("create newsletter: %w", err)
	}

	job := model.DispatchJob{
		NewsletterID:    n.ID,
		Subject:         n.Subject,
		Message:         n.Message,
		UnsubscribeLink: n.UnsubscribeLink,
		Selection:       sel,
		BatchSize:       n.BatchSize,
	}
	if err := s.Queue.Publish(queue.DispatchTopic, job); err != nil {
		reason := fmt.Sprintf("failed to queue dispatch: %v", err)
		if markErr := s.Newsletters.MarkFailed(ctx, n.ID, reason, s.now()); markErr != nil {
			s.log(ctx).Error("failed to mark newsletter failed", zap.Error(markErr))
		}
		return nil, fmt.Errorf("queue dispatch: %w", err)
	}

	s.log(ctx).Info("newsletter queued",
		zap.String("newsletter_id", n.ID.String()),
		zap.Int("recipients", len(ids)),
		zap.Int("batch_size", n.BatchSize),
		zap.Int("total_batches", n.TotalBatches),
	)
	id := n.ID
	return &SendResult{NewsletterID: &id, RecipientCount: len(ids)}, nil
}

// Resend starts a new run for a filtered subset of an existing newsletter's
// recipients. The original newsletter is not modified.
func (s *NewsletterService) Resend(ctx context.Context, newsletterID, recipientType string) (*SendResult, error) {
	if newsletterID == "" || recipientType == "" {
		return nil, appErrors.NewValidation("", "Missing required parameters")
	}
	switch recipientType {
	case RecipientsAll, RecipientsUnread, RecipientsRead, RecipientsFailed:
	default:
		return nil, appErrors.NewValidation("recipientType", "must be one of all, unread, read, failed")
	}

	original, err := s.load(ctx, newsletterID)
	if err != nil {
		return nil, err
	}
	recipients, err := s.Newsletters.ListRecipients(ctx, original.ID, "")
	if err != nil {
		return nil, err
	}

	var ids []uuid.UUID
	for _, r := range recipients {
		if matchesRecipientType(r, recipientType) {
			ids = append(ids, r.SubscriberID)
		}
	}
	if len(ids) == 0 {
		return &SendResult{RecipientCount: 0}, nil
	}

	return s.start(ctx, &model.Newsletter{
		Subject:         "[Resend] " + original.Subject,
		Message:         original.Message,
		UnsubscribeLink: original.UnsubscribeLink,
		BatchSize:       original.BatchSize,
	}, model.Selection{SubscriberIDs: ids, CreatedBefore: s.now()})
}

func matchesRecipientType(r model.RecipientDetail, recipientType string) bool {
	switch recipientType {
	case RecipientsUnread:
		return r.Status == model.RecipientDelivered && r.ReadAt == nil
	case RecipientsRead:
		return r.Status == model.RecipientRead
	case RecipientsFailed:
		return r.Status == model.RecipientFailed
	default:
		return true
	}
}

// load parses id and fetches the newsletter. Malformed ids are not found.
func (s *NewsletterService) load(ctx context.Context, rawID string) (*model.Newsletter, error) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, appErrors.NewNewsletterNotFound(rawID)
	}
	return s.Newsletters.GetByID(ctx, id)
}

// Status is the poller's view of a run.
func (s *NewsletterService) Status(ctx context.Context, newsletterID string) (*model.Newsletter, error) {
	return s.load(ctx, newsletterID)
}

// NewsletterPage is one page of List.
type NewsletterPage struct {
	Newsletters []*model.Newsletter
	Total       int
	TotalPages  int
	CurrentPage int
}

// List pages newsletters newest first. Non-positive page or limit fall back
// to 1 and 10.
func (s *NewsletterService) List(ctx context.Context, page, limit int) (*NewsletterPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}

	newsletters, total, err := s.Newsletters.List(ctx, (page-1)*limit, limit)
	if err != nil {
		return nil, err
	}
	return &NewsletterPage{
		Newsletters: newsletters,
		Total:       total,
		TotalPages:  (total + limit - 1) / limit,
		CurrentPage: page,
	}, nil
}

// Delete removes a newsletter and its recipients.
func (s *NewsletterService) Delete(ctx context.Context, newsletterID string) error {
	id, err := uuid.Parse(newsletterID)
	if err != nil {
		return appErrors.NewNewsletterNotFound(newsletterID)
	}
	return s.Newsletters.Delete(ctx, id)
}

// TrackOpen records the first open of a recipient. Unparseable ids are
// ignored.
func (s *NewsletterService) TrackOpen(ctx context.Context, newsletterID, subscriberID string) (bool, error) {
	nid, err := uuid.Parse(newsletterID)
	if err != nil {
		return false, nil
	}
	sid, err := uuid.Parse(subscriberID)
	if err != nil {
		return false, nil
	}
	return s.Newsletters.MarkRead(ctx, nid, sid, s.now())
}

// AnalyticsEntry is one newsletter on the analytics dashboard.
type AnalyticsEntry struct {
	ID             uuid.UUID `json:"id"`
	Subject        string    `json:"subject"`
	SentDate       time.Time `json:"sentDate"`
	SentCount      int       `json:"sentCount"`
	DeliveredCount int       `json:"deliveredCount"`
	ReadCount      int       `json:"readCount"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

type AnalyticsTotals struct {
	Newsletters int `json:"newsletters"`
	Sent        int `json:"sent"`
	Delivered   int `json:"delivered"`
	Read        int `json:"read"`
}

type Analytics struct {
	History []AnalyticsEntry `json:"history"`
	Totals  AnalyticsTotals  `json:"totals"`
}

// Analytics summarizes newsletters sent within timeFrame, newest first.
// Unknown time frames behave like 30days.
func (s *NewsletterService) Analytics(ctx context.Context, timeFrame string) (*Analytics, error) {
	var since *time.Time
	if timeFrame != TimeFrameAll {
		cutoff := s.now().Add(-analyticsRetention)
		since = &cutoff
	}

	newsletters, err := s.Newsletters.ListSentSince(ctx, since)
	if err != nil {
		return nil, err
	}

	out := &Analytics{History: make([]AnalyticsEntry, 0, len(newsletters))}
	for _, n := range newsletters {
		sent := n.CreatedAt
		if n.SentDate != nil {
			sent = *n.SentDate
		}
		out.History = append(out.History, AnalyticsEntry{
			ID:             n.ID,
			Subject:        n.Subject,
			SentDate:       sent,
			SentCount:      n.SentCount,
			DeliveredCount: n.DeliveredCount,
			ReadCount:      n.OpenCount,
			ExpiresAt:      sent.Add(analyticsRetention),
		})
		out.Totals.Newsletters++
		out.Totals.Sent += n.SentCount
		out.Totals.Delivered += n.DeliveredCount
		out.Totals.Read += n.OpenCount
	}
	return out, nil
}

// RecipientReport is the per-recipient breakdown of one newsletter.
type RecipientReport struct {
	Newsletter *model.Newsletter
	Recipients []model.RecipientDetail
}

// Recipients lists a newsletter's recipients, optionally filtered by status.
// Deleted subscribers are reported as "Unknown User".
func (s *NewsletterService) Recipients(ctx context.Context, newsletterID, status string) (*RecipientReport, error) {
	switch status {
	case "", model.RecipientPending, model.RecipientDelivered, model.RecipientRead, model.RecipientFailed:
	default:
		return nil, appErrors.NewValidation("status", "must be one of pending, delivered, read, failed")
	}

	n, err := s.load(ctx, newsletterID)
	if err != nil {
		return nil, err
	}
	recipients, err := s.Newsletters.ListRecipients(ctx, n.ID, status)
	if err != nil {
		return nil, err
	}
	for i := range recipients {
		if recipients[i].Name == "" {
			recipients[i].Name = "Unknown User"
		}
		if recipients[i].Email == "" {
			recipients[i].Email = "unknown@email.com"
		}
	}
	return &RecipientReport{Newsletter: n, Recipients: recipients}, nil
}

// SendTest verifies the transport and sends one fixed message to email,
// outside any newsletter.
func (s *NewsletterService) SendTest(ctx context.Context, email string) (*mailer.Outcome, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, appErrors.NewValidation("email", "Email address is required")
	}
	if err := s.Transport.Verify(ctx); err != nil {
		if !appErrors.IsConfiguration(err) {
			err = appErrors.NewConfiguration(err)
		}
		return nil, err
	}

	html := fmt.Sprintf(`<h1>This is a test email</h1>
<p>If you're receiving this, your email configuration is working correctly.</p>
<p>Email User: %s</p>
%s`, logger.RedactEmail(s.FromEmail), TrackingPixel(s.APIURL, "test", ""))

	out, err := s.Transport.Send(ctx, mailer.Message{
		FromName:  s.FromName + " Test",
		FromEmail: s.FromEmail,
		To:        email,
		Subject:   "Test Email",
		HTML:      html,
	})
	if err != nil {
		return nil, fmt.Errorf("send test email: %w", err)
	}
	if !out.Accepted {
		return nil, fmt.Errorf("send test email: %s", out.Response)
	}
	s.log(ctx).Info("test email sent", logger.Email(email), zap.String("message_id", out.MessageID))
	return out, nil
}
