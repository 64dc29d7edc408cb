// internal/controller/newsletter_controller.go
package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/newsletter-backend/internal/errors"
	"github.com/unclebandit/newsletter-backend/internal/logger"
	"github.com/unclebandit/newsletter-backend/internal/mailer"
	"github.com/unclebandit/newsletter-backend/internal/model"
	"github.com/unclebandit/newsletter-backend/internal/service"
)

// NewsletterService is what the admin API needs from the service layer.
type NewsletterService interface {
	Send(ctx context.Context, req service.SendRequest) (*service.SendResult, error)
	Resend(ctx context.Context, newsletterID, recipientType string) (*service.SendResult, error)
	Status(ctx context.Context, newsletterID string) (*model.Newsletter, error)
	List(ctx context.Context, page, limit int) (*service.NewsletterPage, error)
	Delete(ctx context.Context, newsletterID string) error
	Analytics(ctx context.Context, timeFrame string) (*service.Analytics, error)
	Recipients(ctx context.Context, newsletterID, status string) (*service.RecipientReport, error)
	SendTest(ctx context.Context, email string) (*mailer.Outcome, error)
}

type NewsletterController struct {
	Service NewsletterService
	Logger  *zap.Logger
}

func (c *NewsletterController) log(r *http.Request) *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return logger.WithRequestID(r.Context(), c.Logger)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps typed errors to statuses. Anything unclassified is a 500
// with fallback as the message; the cause only goes to the log.
func (c *NewsletterController) writeError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	status := http.StatusInternalServerError
	msg := fallback
	switch {
	case appErrors.IsValidation(err):
		status, msg = http.StatusBadRequest, err.Error()
	case appErrors.IsNotFound(err):
		status, msg = http.StatusNotFound, err.Error()
	case appErrors.IsConfiguration(err):
		status, msg = http.StatusBadGateway, err.Error()
	default:
		c.log(r).Error(fallback, zap.Error(err))
	}
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return appErrors.NewValidation("", "invalid body")
	}
	return nil
}

// SendNewsletter handles POST /newsletter/send.
func (c *NewsletterController) SendNewsletter(w http.ResponseWriter, r *http.Request) {
	var body service.SendRequest
	if err := decodeBody(r, &body); err != nil {
		c.writeError(w, r, err, "")
		return
	}

	res, err := c.Service.Send(r.Context(), body)
	if err != nil {
		c.writeError(w, r, err, "Error starting newsletter send")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":        true,
		"message":        "Newsletter sending process started",
		"newsletterId":   res.NewsletterID,
		"recipientCount": res.RecipientCount,
	})
}

type statusView struct {
	ID               uuid.UUID  `json:"id"`
	Subject          string     `json:"subject"`
	Status           string     `json:"status"`
	TotalSubscribers int        `json:"totalSubscribers"`
	SentCount        int        `json:"sentCount"`
	DeliveredCount   int        `json:"deliveredCount"`
	OpenCount        int        `json:"openCount"`
	CurrentBatch     int        `json:"currentBatch"`
	TotalBatches     int        `json:"totalBatches"`
	Error            *string    `json:"error"`
	LastError        *string    `json:"lastError"`
	CreatedAt        time.Time  `json:"createdAt"`
	CompletedAt      *time.Time `json:"completedAt"`
}

// GetStatus handles GET /newsletter/status/{id}.
func (c *NewsletterController) GetStatus(w http.ResponseWriter, r *http.Request) {
	n, err := c.Service.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		c.writeError(w, r, err, "Error fetching newsletter status")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"newsletter": statusView{
			ID:               n.ID,
			Subject:          n.Subject,
			Status:           n.Status,
			TotalSubscribers: n.TotalSubscribers,
			SentCount:        n.SentCount,
			DeliveredCount:   n.DeliveredCount,
			OpenCount:        n.OpenCount,
			CurrentBatch:     n.CurrentBatch,
			TotalBatches:     n.TotalBatches,
			Error:            n.Error,
			LastError:        n.LastError,
			CreatedAt:        n.CreatedAt,
			CompletedAt:      n.CompletedAt,
		},
	})
}

// ListNewsletters handles GET /newsletters.
func (c *NewsletterController) ListNewsletters(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	res, err := c.Service.List(r.Context(), page, limit)
	if err != nil {
		c.writeError(w, r, err, "Error fetching newsletters")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"newsletters": res.Newsletters,
		"total":       res.Total,
		"totalPages":  res.TotalPages,
		"currentPage": res.CurrentPage,
	})
}

// GetAnalytics handles GET /newsletter/analytics.
func (c *NewsletterController) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	timeFrame := r.URL.Query().Get("timeFrame")
	if timeFrame == "" {
		timeFrame = service.TimeFrame30Days
	}

	res, err := c.Service.Analytics(r.Context(), timeFrame)
	if err != nil {
		c.writeError(w, r, err, "Failed to fetch newsletter analytics")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"history": res.History,
		"totals":  res.Totals,
	})
}

// GetRecipients handles GET /newsletter/{id}/recipients.
func (c *NewsletterController) GetRecipients(w http.ResponseWriter, r *http.Request) {
	report, err := c.Service.Recipients(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("status"))
	if err != nil {
		c.writeError(w, r, err, "Failed to fetch recipients")
		return
	}

	sentDate := report.Newsletter.CreatedAt
	if report.Newsletter.SentDate != nil {
		sentDate = *report.Newsletter.SentDate
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"newsletterId": report.Newsletter.ID,
		"subject":      report.Newsletter.Subject,
		"sentDate":     sentDate,
		"recipients":   report.Recipients,
	})
}

// ResendNewsletter handles POST /newsletter/resend.
func (c *NewsletterController) ResendNewsletter(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NewsletterID  string `json:"newsletterId"`
		RecipientType string `json:"recipientType"`
	}
	if err := decodeBody(r, &body); err != nil {
		c.writeError(w, r, err, "")
		return
	}

	res, err := c.Service.Resend(r.Context(), body.NewsletterID, body.RecipientType)
	if err != nil {
		c.writeError(w, r, err, "Failed to resend newsletter")
		return
	}

	if res.NewsletterID == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"success":        true,
			"message":        "No recipients matched the criteria",
			"recipientCount": 0,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":        true,
		"message":        "Newsletter queued for resending",
		"newsletterId":   res.NewsletterID,
		"recipientCount": res.RecipientCount,
	})
}

// DeleteNewsletter handles DELETE /newsletter/{id}.
func (c *NewsletterController) DeleteNewsletter(w http.ResponseWriter, r *http.Request) {
	if err := c.Service.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		c.writeError(w, r, err, "Error deleting newsletter")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Newsletter deleted successfully",
	})
}

// SendTestEmail handles POST /newsletter/test.
func (c *NewsletterController) SendTestEmail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		c.writeError(w, r, err, "")
		return
	}

	out, err := c.Service.SendTest(r.Context(), body.Email)
	if err != nil {
		c.writeError(w, r, err, "Error sending test email")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "Test email sent successfully",
		"messageId": out.MessageID,
	})
}

// Health handles GET /health.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
