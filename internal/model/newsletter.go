// internal/model/newsletter.go
package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	StatusDraft      = "draft"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"

	DefaultBatchSize = 50
)

// Newsletter is one send or resend operation and its progress record.
type Newsletter struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	Subject          string     `db:"subject" json:"subject"`
	Message          string     `db:"message" json:"message"`
	UnsubscribeLink  string     `db:"unsubscribe_link" json:"unsubscribeLink"`
	Status           string     `db:"status" json:"status"`
	BatchSize        int        `db:"batch_size" json:"batchSize"`
	TotalSubscribers int        `db:"total_subscribers" json:"totalSubscribers"`
	TotalBatches     int        `db:"total_batches" json:"totalBatches"`
	CurrentBatch     int        `db:"current_batch" json:"currentBatch"`
	SentCount        int        `db:"sent_count" json:"sentCount"`
	DeliveredCount   int        `db:"delivered_count" json:"deliveredCount"`
	OpenCount        int        `db:"open_count" json:"openCount"`
	Error            *string    `db:"error" json:"error"`
	LastError        *string    `db:"last_error" json:"lastError"`
	SentDate         *time.Time `db:"sent_date" json:"sentDate"`
	CompletedAt      *time.Time `db:"completed_at" json:"completedAt"`
	CreatedAt        time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updatedAt"`
}

// IsTerminal reports whether no further dispatch may touch the record.
func (n *Newsletter) IsTerminal() bool {
	return n.Status == StatusCompleted || n.Status == StatusFailed
}

// TotalBatchesFor is ceil(total / batchSize).
func TotalBatchesFor(total, batchSize int) int {
	if batchSize <= 0 || total <= 0 {
		return 0
	}
	return (total + batchSize - 1) / batchSize
}
