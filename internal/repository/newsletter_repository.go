package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	appErrors "github.com/unclebandit/newsletter-backend/internal/errors"
	"github.com/unclebandit/newsletter-backend/internal/model"
)

// NewsletterRepositoryInterface is the campaign record store. Every method
// that mutates a running campaign is a single SQL statement.
type NewsletterRepositoryInterface interface {
	Create(ctx context.Context, n *model.Newsletter, subscriberIDs []uuid.UUID) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Newsletter, error)
	List(ctx context.Context, offset, limit int) ([]*model.Newsletter, int, error)
	ListSentSince(ctx context.Context, since *time.Time) ([]*model.Newsletter, error)
	Delete(ctx context.Context, id uuid.UUID) error

	SetCurrentBatch(ctx context.Context, id uuid.UUID, batch int) error
	MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time) error

	RecordSendResult(ctx context.Context, id, subscriberID uuid.UUID, res model.SendResult) (bool, error)
	UnattemptedRecipients(ctx context.Context, id uuid.UUID, subscriberIDs []uuid.UUID) (map[uuid.UUID]bool, error)
	MarkRead(ctx context.Context, id, subscriberID uuid.UUID, at time.Time) (bool, error)
	ListRecipients(ctx context.Context, id uuid.UUID, status string) ([]model.RecipientDetail, error)
}

// ErrNotProcessing rejects a terminal transition on a newsletter that has
// already finished.
var ErrNotProcessing = errors.New("newsletter is not processing")

type NewsletterRepository struct {
	DB *sql.DB
}

const newsletterColumns = `id, subject, message, unsubscribe_link, status, batch_size,
    total_subscribers, total_batches, current_batch, sent_count, delivered_count, open_count,
    error, last_error, sent_date, completed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNewsletter(row rowScanner) (*model.Newsletter, error) {
	var n model.Newsletter
	err := row.Scan(
		&n.ID, &n.Subject, &n.Message, &n.UnsubscribeLink, &n.Status, &n.BatchSize,
		&n.TotalSubscribers, &n.TotalBatches, &n.CurrentBatch, &n.SentCount, &n.DeliveredCount, &n.OpenCount,
		&n.Error, &n.LastError, &n.SentDate, &n.CompletedAt, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// ====================== Newsletter CRUD ======================

// Create inserts the newsletter and one pending recipient per subscriber in a
// single transaction. ID, counters and timestamps are assigned here.
func (r *NewsletterRepository) Create(ctx context.Context, n *model.Newsletter, subscriberIDs []uuid.UUID) error {
	now := time.Now().UTC()
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.Status == "" {
		n.Status = model.StatusDraft
	}
	n.TotalSubscribers = len(subscriberIDs)
	n.TotalBatches = model.TotalBatchesFor(n.TotalSubscribers, n.BatchSize)
	n.CurrentBatch = 0
	n.SentCount, n.DeliveredCount, n.OpenCount = 0, 0, 0
	n.SentDate = &now
	n.CreatedAt = now
	n.UpdatedAt = now

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create newsletter: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO newsletters (id, subject, message, unsubscribe_link, status, batch_size,
            total_subscribers, total_batches, current_batch, sent_count, delivered_count, open_count,
            sent_date, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, 0, 0, 0, $9, $9, $9)`,
		n.ID, n.Subject, n.Message, n.UnsubscribeLink, n.Status, n.BatchSize,
		n.TotalSubscribers, n.TotalBatches, now,
	)
	if err != nil {
		return fmt.Errorf("insert newsletter: %w", err)
	}

	if len(subscriberIDs) > 0 {
		_, err = tx.ExecContext(ctx, `
            INSERT INTO newsletter_recipients (newsletter_id, subscriber_id, position, status)
            SELECT $1, s.id, s.ord - 1, 'pending'
            FROM unnest($2::uuid[]) WITH ORDINALITY AS s(id, ord)`,
			n.ID, pq.Array(uuidStrings(subscriberIDs)),
		)
		if err != nil {
			return fmt.Errorf("insert recipients: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit newsletter: %w", err)
	}
	return nil
}

func (r *NewsletterRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Newsletter, error) {
	query := `SELECT ` + newsletterColumns + ` FROM newsletters WHERE id = $1`
	n, err := scanNewsletter(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewNewsletterNotFound(id.String())
		}
		return nil, err
	}
	return n, nil
}

// List returns newsletters newest first, plus the total count.
func (r *NewsletterRepository) List(ctx context.Context, offset, limit int) ([]*model.Newsletter, int, error) {
	query := `SELECT ` + newsletterColumns + ` FROM newsletters ORDER BY created_at DESC LIMIT $1 OFFSET $2`
	rows, err := r.DB.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	newsletters := []*model.Newsletter{}
	for rows.Next() {
		n, err := scanNewsletter(rows)
		if err != nil {
			return nil, 0, err
		}
		newsletters = append(newsletters, n)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM newsletters`).Scan(&total); err != nil {
		return nil, 0, err
	}
	return newsletters, total, nil
}

// ListSentSince returns newsletters with a sent date, newest first. A nil
// since means no lower bound.
func (r *NewsletterRepository) ListSentSince(ctx context.Context, since *time.Time) ([]*model.Newsletter, error) {
	query := `SELECT ` + newsletterColumns + ` FROM newsletters
        WHERE sent_date IS NOT NULL AND ($1::timestamptz IS NULL OR sent_date >= $1::timestamptz)
        ORDER BY sent_date DESC`
	rows, err := r.DB.QueryContext(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	newsletters := []*model.Newsletter{}
	for rows.Next() {
		n, err := scanNewsletter(rows)
		if err != nil {
			return nil, err
		}
		newsletters = append(newsletters, n)
	}
	return newsletters, rows.Err()
}

// Delete removes the newsletter; recipients go with it.
func (r *NewsletterRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM newsletters WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return appErrors.NewNewsletterNotFound(id.String())
	}
	return nil
}

// ====================== Run progress ======================

// SetCurrentBatch never moves the index backwards.
func (r *NewsletterRepository) SetCurrentBatch(ctx context.Context, id uuid.UUID, batch int) error {
	return r.execOne(ctx, id, `
        UPDATE newsletters SET current_batch = GREATEST(current_batch, $2), updated_at = NOW()
        WHERE id = $1`, id, batch)
}

func (r *NewsletterRepository) MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.finish(ctx, id, `
        UPDATE newsletters SET status = 'completed', completed_at = $2, sent_date = $2, updated_at = $2
        WHERE id = $1 AND status = 'processing'`, id, at)
}

// MarkFailed leaves counters and recipients as they are.
func (r *NewsletterRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	return r.finish(ctx, id, `
        UPDATE newsletters SET status = 'failed', error = $2, completed_at = $3, updated_at = $3
        WHERE id = $1 AND status = 'processing'`, id, reason, at)
}

// finish runs a terminal transition. A newsletter that is no longer
// processing keeps its status and ErrNotProcessing is returned.
func (r *NewsletterRepository) finish(ctx context.Context, id uuid.UUID, query string, args ...any) error {
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var status string
	err = r.DB.QueryRowContext(ctx, `SELECT status FROM newsletters WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if err == sql.ErrNoRows {
			return appErrors.NewNewsletterNotFound(id.String())
		}
		return err
	}
	return fmt.Errorf("newsletter %s is %s: %w", id, status, ErrNotProcessing)
}

func (r *NewsletterRepository) execOne(ctx context.Context, id uuid.UUID, query string, args ...any) error {
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return appErrors.NewNewsletterNotFound(id.String())
	}
	return nil
}

// ====================== Recipients ======================

// recordSendResultQuery marks one recipient attempted and bumps the campaign
// counters by the number of rows it actually changed, so sent_count always
// equals the number of attempted recipients. A recipient already read keeps
// its status.
const recordSendResultQuery = `
WITH attempted AS (
    UPDATE newsletter_recipients
    SET status = CASE WHEN status = 'read' THEN status ELSE $3::text END,
        attempted_at = $4::timestamptz,
        delivered_at = CASE WHEN $5::boolean THEN $4::timestamptz ELSE delivered_at END,
        error = $6::text
    WHERE newsletter_id = $1 AND subscriber_id = $2 AND attempted_at IS NULL
    RETURNING 1
)
UPDATE newsletters
SET sent_count = sent_count + (SELECT COUNT(*) FROM attempted),
    delivered_count = delivered_count + CASE WHEN $5::boolean THEN (SELECT COUNT(*) FROM attempted) ELSE 0 END,
    last_error = CASE WHEN NOT $5::boolean AND (SELECT COUNT(*) FROM attempted) > 0 THEN $7::text ELSE last_error END,
    updated_at = $4::timestamptz
WHERE id = $1
RETURNING (SELECT COUNT(*) FROM attempted)`

// RecordSendResult reports false when the recipient had already been
// attempted (or is not part of the newsletter).
func (r *NewsletterRepository) RecordSendResult(ctx context.Context, id, subscriberID uuid.UUID, res model.SendResult) (bool, error) {
	status := model.RecipientFailed
	if res.Delivered {
		status = model.RecipientDelivered
	}
	at := res.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var changed int
	err := r.DB.QueryRowContext(ctx, recordSendResultQuery,
		id, subscriberID, status, at, res.Delivered, nullString(res.Error), nullString(res.LastError),
	).Scan(&changed)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, appErrors.NewNewsletterNotFound(id.String())
		}
		return false, fmt.Errorf("record send result: %w", err)
	}
	return changed > 0, nil
}

// UnattemptedRecipients returns which of the given subscribers are still
// recipients of the newsletter with no recorded attempt.
func (r *NewsletterRepository) UnattemptedRecipients(ctx context.Context, id uuid.UUID, subscriberIDs []uuid.UUID) (map[uuid.UUID]bool, error) {
	eligible := make(map[uuid.UUID]bool, len(subscriberIDs))
	if len(subscriberIDs) == 0 {
		return eligible, nil
	}

	rows, err := r.DB.QueryContext(ctx, `
        SELECT subscriber_id FROM newsletter_recipients
        WHERE newsletter_id = $1 AND subscriber_id = ANY($2::uuid[]) AND attempted_at IS NULL`,
		id, pq.Array(uuidStrings(subscriberIDs)),
	)
	if err != nil {
		return nil, fmt.Errorf("unattempted recipients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sid uuid.UUID
		if err := rows.Scan(&sid); err != nil {
			return nil, err
		}
		eligible[sid] = true
	}
	return eligible, rows.Err()
}

const markReadQuery = `
WITH opened AS (
    UPDATE newsletter_recipients
    SET status = 'read', read_at = $3
    WHERE newsletter_id = $1 AND subscriber_id = $2
      AND status IN ('pending', 'delivered') AND read_at IS NULL
    RETURNING 1
)
UPDATE newsletters
SET open_count = open_count + (SELECT COUNT(*) FROM opened)
WHERE id = $1
RETURNING (SELECT COUNT(*) FROM opened)`

// MarkRead records the first open only. Failed recipients are left alone.
func (r *NewsletterRepository) MarkRead(ctx context.Context, id, subscriberID uuid.UUID, at time.Time) (bool, error) {
	var changed int
	err := r.DB.QueryRowContext(ctx, markReadQuery, id, subscriberID, at).Scan(&changed)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, appErrors.NewNewsletterNotFound(id.String())
		}
		return false, fmt.Errorf("mark read: %w", err)
	}
	return changed > 0, nil
}

// ListRecipients joins recipients with the subscriber directory, in the
// order they were targeted. Deleted subscribers come back with empty name
// and email. An empty status means every recipient.
func (r *NewsletterRepository) ListRecipients(ctx context.Context, id uuid.UUID, status string) ([]model.RecipientDetail, error) {
	query := `
        SELECT nr.subscriber_id, COALESCE(s.name, ''), COALESCE(s.email, ''),
               nr.status, nr.delivered_at, nr.read_at, nr.error
        FROM newsletter_recipients nr
        LEFT JOIN subscribers s ON s.id = nr.subscriber_id
        WHERE nr.newsletter_id = $1`
	args := []any{id}
	if status != "" {
		query += ` AND nr.status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY nr.position`

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	recipients := []model.RecipientDetail{}
	for rows.Next() {
		var d model.RecipientDetail
		if err := rows.Scan(&d.SubscriberID, &d.Name, &d.Email, &d.Status, &d.DeliveredAt, &d.ReadAt, &d.Error); err != nil {
			return nil, err
		}
		recipients = append(recipients, d)
	}
	return recipients, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ NewsletterRepositoryInterface = (*NewsletterRepository)(nil)
