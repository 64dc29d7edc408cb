package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/unclebandit/newsletter-backend/internal/model"
)

// SubscriberRepositoryInterface is the read-only subscriber directory the
// dispatcher pages through.
type SubscriberRepositoryInterface interface {
	ListIDs(ctx context.Context, sel model.Selection) ([]uuid.UUID, error)
	ListWindow(ctx context.Context, sel model.Selection, offset, limit int) ([]model.Subscriber, error)
}

type SubscriberRepository struct {
	DB *sql.DB
}

const subscriberColumns = `id, name, email, phone, created_at`

// ListIDs returns every subscriber id the selection matches, in send order.
func (r *SubscriberRepository) ListIDs(ctx context.Context, sel model.Selection) ([]uuid.UUID, error) {
	where, arg := selectionClause(sel)
	query := `SELECT id FROM subscribers WHERE ` + where + ` ORDER BY created_at, id`

	rows, err := r.DB.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list subscriber ids: %w", err)
	}
	defer rows.Close()

	ids := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListWindow returns one page of the selection. An empty result means the
// selection is exhausted.
func (r *SubscriberRepository) ListWindow(ctx context.Context, sel model.Selection, offset, limit int) ([]model.Subscriber, error) {
	where, arg := selectionClause(sel)
	query := `SELECT ` + subscriberColumns + ` FROM subscribers WHERE ` + where +
		` ORDER BY created_at, id LIMIT $2 OFFSET $3`

	rows, err := r.DB.QueryContext(ctx, query, arg, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list subscriber window: %w", err)
	}
	defer rows.Close()

	subscribers := []model.Subscriber{}
	for rows.Next() {
		var s model.Subscriber
		if err := rows.Scan(&s.ID, &s.Name, &s.Email, &s.Phone, &s.CreatedAt); err != nil {
			return nil, err
		}
		subscribers = append(subscribers, s)
	}
	return subscribers, rows.Err()
}

func selectionClause(sel model.Selection) (string, any) {
	if sel.IsExplicit() {
		return `id = ANY($1::uuid[])`, pq.Array(uuidStrings(sel.SubscriberIDs))
	}
	return `created_at <= $1`, sel.CreatedBefore
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

var _ SubscriberRepositoryInterface = (*SubscriberRepository)(nil)
