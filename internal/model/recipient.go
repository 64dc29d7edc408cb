// internal/model/recipient.go
package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	RecipientPending   = "pending"
	RecipientDelivered = "delivered"
	RecipientRead      = "read"
	RecipientFailed    = "failed"
)

type Recipient struct {
	NewsletterID uuid.UUID  `db:"newsletter_id" json:"newsletterId"`
	SubscriberID uuid.UUID  `db:"subscriber_id" json:"subscriberId"`
	Position     int        `db:"position" json:"position"`
	Status       string     `db:"status" json:"status"` // pending, delivered, read, failed
	AttemptedAt  *time.Time `db:"attempted_at" json:"attemptedAt,omitempty"`
	DeliveredAt  *time.Time `db:"delivered_at" json:"deliveredAt"`
	ReadAt       *time.Time `db:"read_at" json:"readAt"`
	Error        *string    `db:"error" json:"error,omitempty"`
}

// RecipientDetail is a recipient joined with the subscriber it points at.
type RecipientDetail struct {
	SubscriberID uuid.UUID  `json:"subscriberId"`
	Name         string     `json:"name"`
	Email        string     `json:"email"`
	Status       string     `json:"status"`
	DeliveredAt  *time.Time `json:"deliveredAt"`
	ReadAt       *time.Time `json:"readAt"`
	Error        *string    `json:"error,omitempty"`
}

// SendResult is what the dispatcher records after one send attempt.
type SendResult struct {
	Delivered bool
	Error     string
	At        time.Time
	// LastError is copied onto the newsletter when the send failed.
	LastError string
}

// DispatchJob is the queue payload handed from the API to a worker.
type DispatchJob struct {
	NewsletterID    uuid.UUID `json:"newsletterId"`
	Subject         string    `json:"subject"`
	Message         string    `json:"message"`
	UnsubscribeLink string    `json:"unsubscribeLink"`
	Selection       Selection `json:"selection"`
	BatchSize       int       `json:"batchSize"`
}
