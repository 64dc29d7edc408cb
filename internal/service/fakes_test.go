package service_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/newsletter-backend/internal/errors"
	"github.com/unclebandit/newsletter-backend/internal/mailer"
	"github.com/unclebandit/newsletter-backend/internal/model"
	"github.com/unclebandit/newsletter-backend/internal/repository"
)

// MockNewsletterRepo keeps newsletters and recipients in memory with the same
// single-step semantics as the SQL store.
type MockNewsletterRepo struct {
	mu          sync.Mutex
	newsletters map[uuid.UUID]*model.Newsletter
	recipients  map[uuid.UUID][]*model.Recipient

	// snapshots holds a copy of the newsletter after every recorded send.
	snapshots []model.Newsletter
	recordErr error
}

func NewMockNewsletterRepo() *MockNewsletterRepo {
	return &MockNewsletterRepo{
		newsletters: map[uuid.UUID]*model.Newsletter{},
		recipients:  map[uuid.UUID][]*model.Recipient{},
	}
}

func (m *MockNewsletterRepo) Create(ctx context.Context, n *model.Newsletter, ids []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.Status == "" {
		n.Status = model.StatusDraft
	}
	n.TotalSubscribers = len(ids)
	n.TotalBatches = model.TotalBatchesFor(len(ids), n.BatchSize)
	n.SentDate = &now
	n.CreatedAt = now
	n.UpdatedAt = now

	stored := *n
	m.newsletters[n.ID] = &stored
	rows := make([]*model.Recipient, len(ids))
	for i, id := range ids {
		rows[i] = &model.Recipient{NewsletterID: n.ID, SubscriberID: id, Position: i, Status: model.RecipientPending}
	}
	m.recipients[n.ID] = rows
	return nil
}

func (m *MockNewsletterRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Newsletter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.newsletters[id]
	if !ok {
		return nil, appErrors.NewNewsletterNotFound(id.String())
	}
	cp := *n
	return &cp, nil
}

func (m *MockNewsletterRepo) List(ctx context.Context, offset, limit int) ([]*model.Newsletter, int, error) {
	all, _ := m.ListSentSince(ctx, nil)
	total := len(all)
	if offset >= total {
		return []*model.Newsletter{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *MockNewsletterRepo) ListSentSince(ctx context.Context, since *time.Time) ([]*model.Newsletter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*model.Newsletter{}
	for _, n := range m.newsletters {
		if n.SentDate == nil || (since != nil && n.SentDate.Before(*since)) {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentDate.After(*out[j].SentDate) })
	return out, nil
}

func (m *MockNewsletterRepo) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.newsletters[id]; !ok {
		return appErrors.NewNewsletterNotFound(id.String())
	}
	delete(m.newsletters, id)
	delete(m.recipients, id)
	return nil
}

func (m *MockNewsletterRepo) update(id uuid.UUID, fn func(n *model.Newsletter)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.newsletters[id]
	if !ok {
		return appErrors.NewNewsletterNotFound(id.String())
	}
	fn(n)
	return nil
}

func (m *MockNewsletterRepo) SetCurrentBatch(ctx context.Context, id uuid.UUID, batch int) error {
	return m.update(id, func(n *model.Newsletter) {
		if batch > n.CurrentBatch {
			n.CurrentBatch = batch
		}
	})
}

// finish applies fn only to a processing newsletter, like the SQL store.
func (m *MockNewsletterRepo) finish(id uuid.UUID, fn func(n *model.Newsletter)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.newsletters[id]
	if !ok {
		return appErrors.NewNewsletterNotFound(id.String())
	}
	if n.Status != model.StatusProcessing {
		return fmt.Errorf("newsletter %s is %s: %w", id, n.Status, repository.ErrNotProcessing)
	}
	fn(n)
	return nil
}

func (m *MockNewsletterRepo) MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) error {
	return m.finish(id, func(n *model.Newsletter) {
		n.Status = model.StatusCompleted
		n.CompletedAt = &at
		n.SentDate = &at
	})
}

func (m *MockNewsletterRepo) MarkFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	return m.finish(id, func(n *model.Newsletter) {
		n.Status = model.StatusFailed
		n.Error = &reason
		n.CompletedAt = &at
	})
}

func (m *MockNewsletterRepo) RecordSendResult(ctx context.Context, id, sid uuid.UUID, res model.SendResult) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return false, m.recordErr
	}
	n, ok := m.newsletters[id]
	if !ok {
		return false, appErrors.NewNewsletterNotFound(id.String())
	}
	r := m.find(id, sid)
	if r == nil || r.AttemptedAt != nil {
		return false, nil
	}

	at := res.At
	r.AttemptedAt = &at
	n.SentCount++
	if res.Delivered {
		if r.Status != model.RecipientRead {
			r.Status = model.RecipientDelivered
		}
		r.DeliveredAt = &at
		n.DeliveredCount++
	} else {
		if r.Status != model.RecipientRead {
			r.Status = model.RecipientFailed
		}
		errText := res.Error
		r.Error = &errText
		lastErr := res.LastError
		n.LastError = &lastErr
	}
	m.snapshots = append(m.snapshots, *n)
	return true, nil
}

func (m *MockNewsletterRepo) UnattemptedRecipients(ctx context.Context, id uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[uuid.UUID]bool{}
	for _, sid := range ids {
		if r := m.find(id, sid); r != nil && r.AttemptedAt == nil {
			out[sid] = true
		}
	}
	return out, nil
}

func (m *MockNewsletterRepo) MarkRead(ctx context.Context, id, sid uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.newsletters[id]
	if !ok {
		return false, appErrors.NewNewsletterNotFound(id.String())
	}
	r := m.find(id, sid)
	if r == nil || r.ReadAt != nil || (r.Status != model.RecipientPending && r.Status != model.RecipientDelivered) {
		return false, nil
	}
	r.Status = model.RecipientRead
	r.ReadAt = &at
	n.OpenCount++
	return true, nil
}

func (m *MockNewsletterRepo) ListRecipients(ctx context.Context, id uuid.UUID, status string) ([]model.RecipientDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.RecipientDetail{}
	for _, r := range m.recipients[id] {
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, model.RecipientDetail{
			SubscriberID: r.SubscriberID,
			Status:       r.Status,
			DeliveredAt:  r.DeliveredAt,
			ReadAt:       r.ReadAt,
			Error:        r.Error,
		})
	}
	return out, nil
}

func (m *MockNewsletterRepo) find(id, sid uuid.UUID) *model.Recipient {
	for _, r := range m.recipients[id] {
		if r.SubscriberID == sid {
			return r
		}
	}
	return nil
}

// recipient returns a copy of one recipient row.
func (m *MockNewsletterRepo) recipient(id, sid uuid.UUID) model.Recipient {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.find(id, sid)
}

func (m *MockNewsletterRepo) attempted(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, r := range m.recipients[id] {
		if r.AttemptedAt != nil {
			count++
		}
	}
	return count
}

// MockSubscriberRepo is an ordered in-memory subscriber directory.
type MockSubscriberRepo struct {
	subscribers []model.Subscriber
	windowErr   error
}

func (m *MockSubscriberRepo) matching(sel model.Selection) []model.Subscriber {
	out := []model.Subscriber{}
	for _, s := range m.subscribers {
		if sel.IsExplicit() {
			for _, id := range sel.SubscriberIDs {
				if id == s.ID {
					out = append(out, s)
					break
				}
			}
			continue
		}
		if !s.CreatedAt.After(sel.CreatedBefore) {
			out = append(out, s)
		}
	}
	return out
}

func (m *MockSubscriberRepo) ListIDs(ctx context.Context, sel model.Selection) ([]uuid.UUID, error) {
	ids := []uuid.UUID{}
	for _, s := range m.matching(sel) {
		ids = append(ids, s.ID)
	}
	return ids, nil
}

func (m *MockSubscriberRepo) ListWindow(ctx context.Context, sel model.Selection, offset, limit int) ([]model.Subscriber, error) {
	if m.windowErr != nil {
		return nil, m.windowErr
	}
	all := m.matching(sel)
	if offset >= len(all) {
		return []model.Subscriber{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// MockTransport records sends. Addresses in reject get an unaccepted
// outcome; addresses in fail get a transport error.
type MockTransport struct {
	mu        sync.Mutex
	verifyErr error
	reject    map[string]string
	fail      map[string]error
	sent      []mailer.Message
	onSend    func(msg mailer.Message)
	verifies  int
}

func (m *MockTransport) Verify(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifies++
	return m.verifyErr
}

func (m *MockTransport) Send(ctx context.Context, msg mailer.Message) (*mailer.Outcome, error) {
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	hook := m.onSend
	m.mu.Unlock()
	if hook != nil {
		hook(msg)
	}

	if err, ok := m.fail[msg.To]; ok {
		return nil, err
	}
	if resp, ok := m.reject[msg.To]; ok {
		return &mailer.Outcome{Accepted: false, Response: resp}, nil
	}
	return &mailer.Outcome{Accepted: true, MessageID: "<" + msg.To + ">", Response: "250 OK"}, nil
}

func (m *MockTransport) messages() []mailer.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mailer.Message(nil), m.sent...)
}

// MockQueue captures published payloads.
type MockQueue struct {
	mu        sync.Mutex
	published []any
	err       error
}

func (q *MockQueue) Publish(topic string, payload any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.published = append(q.published, payload)
	return nil
}

func (q *MockQueue) Subscribe(topic string, handler func(payload any) error) error {
	return errors.New("not supported")
}

func makeSubscribers(emails ...string) []model.Subscriber {
	base := time.Now().Add(-time.Hour)
	out := make([]model.Subscriber, len(emails))
	for i, email := range emails {
		out[i] = model.Subscriber{
			ID:        uuid.New(),
			Name:      "User " + email[:1],
			Email:     email,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
	}
	return out
}
