package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/newsletter-backend/internal/errors"
	"github.com/unclebandit/newsletter-backend/internal/model"
	"github.com/unclebandit/newsletter-backend/internal/queue"
	"github.com/unclebandit/newsletter-backend/internal/service"
)

func newService(subs []model.Subscriber) (*service.NewsletterService, *MockNewsletterRepo, *MockQueue, *MockTransport) {
	repo := NewMockNewsletterRepo()
	q := &MockQueue{}
	tr := &MockTransport{}
	return &service.NewsletterService{
		Newsletters: repo,
		Subscribers: &MockSubscriberRepo{subscribers: subs},
		Queue:       q,
		Transport:   tr,
		FromEmail:   "news@example.com",
		FromName:    "Newsletter",
		APIURL:      "http://api.example.com/api",
	}, repo, q, tr
}

func validRequest() service.SendRequest {
	return service.SendRequest{
		Subject:         "Weekly",
		Message:         "<html><body>Hi {{name}}</body></html>",
		UnsubscribeLink: "https://example.com/unsubscribe",
	}
}

func intPtr(v int) *int { return &v }

func TestSendValidation(t *testing.T) {
	svc, repo, q, _ := newService(makeSubscribers("ann@example.com"))

	cases := map[string]func(r *service.SendRequest){
		"missing subject":   func(r *service.SendRequest) { r.Subject = "" },
		"blank message":     func(r *service.SendRequest) { r.Message = "   " },
		"missing unsub":     func(r *service.SendRequest) { r.UnsubscribeLink = "" },
		"negative batch":    func(r *service.SendRequest) { r.BatchSize = intPtr(-1) },
		"malformed sub ids": func(r *service.SendRequest) { r.SubscriberIDs = []string{"not-a-uuid"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := validRequest()
			mutate(&req)
			_, err := svc.Send(context.Background(), req)
			assert.True(t, appErrors.IsValidation(err), "got %v", err)
		})
	}

	all, _ := repo.ListSentSince(context.Background(), nil)
	assert.Empty(t, all)
	assert.Empty(t, q.published)
}

func TestSendAllSubscribers(t *testing.T) {
	subs := makeSubscribers("ann@example.com", "bob@example.com", "cat@example.com")
	svc, repo, q, _ := newService(subs)

	req := validRequest()
	req.BatchSize = intPtr(2)
	res, err := svc.Send(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res.NewsletterID)
	assert.Equal(t, 3, res.RecipientCount)

	n, err := repo.GetByID(context.Background(), *res.NewsletterID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, n.Status)
	assert.Equal(t, 3, n.TotalSubscribers)
	assert.Equal(t, 2, n.TotalBatches)
	assert.Equal(t, 0, n.SentCount)

	require.Len(t, q.published, 1)
	job, ok := q.published[0].(model.DispatchJob)
	require.True(t, ok)
	assert.Equal(t, n.ID, job.NewsletterID)
	assert.Equal(t, 2, job.BatchSize)
	assert.False(t, job.Selection.IsExplicit())
	assert.False(t, job.Selection.CreatedBefore.IsZero())
}

func TestSendDefaultsBatchSize(t *testing.T) {
	svc, repo, _, _ := newService(makeSubscribers("ann@example.com"))

	req := validRequest()
	req.BatchSize = intPtr(0)
	res, err := svc.Send(context.Background(), req)
	require.NoError(t, err)

	n, err := repo.GetByID(context.Background(), *res.NewsletterID)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultBatchSize, n.BatchSize)
}

func TestSendExplicitSelectionKeepsOnlyExisting(t *testing.T) {
	subs := makeSubscribers("ann@example.com", "bob@example.com")
	svc, _, q, _ := newService(subs)

	req := validRequest()
	req.SubscriberIDs = []string{subs[1].ID.String(), uuid.NewString()}
	res, err := svc.Send(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RecipientCount)

	job := q.published[0].(model.DispatchJob)
	assert.Equal(t, []uuid.UUID{subs[1].ID}, job.Selection.SubscriberIDs)
}

func TestSendWithNoSubscribers(t *testing.T) {
	svc, repo, q, _ := newService(nil)

	_, err := svc.Send(context.Background(), validRequest())
	assert.True(t, appErrors.IsNotFound(err))
	assert.Equal(t, "No subscribers found", err.Error())

	all, _ := repo.ListSentSince(context.Background(), nil)
	assert.Empty(t, all)
	assert.Empty(t, q.published)
}

func TestSendQueueFailureMarksFailed(t *testing.T) {
	svc, repo, q, _ := newService(makeSubscribers("ann@example.com"))
	q.err = errors.New("broker down")

	_, err := svc.Send(context.Background(), validRequest())
	assert.Error(t, err)

	all, _ := repo.ListSentSince(context.Background(), nil)
	require.Len(t, all, 1)
	assert.Equal(t, model.StatusFailed, all[0].Status)
}

func TestResendUnreadTargetsDeliveredUnread(t *testing.T) {
	subs := makeSubscribers("a@example.com", "b@example.com", "c@example.com", "d@example.com", "e@example.com")
	svc, repo, q, _ := newService(subs)
	ctx := context.Background()

	res, err := svc.Send(ctx, validRequest())
	require.NoError(t, err)
	original := *res.NewsletterID
	q.published = nil

	now := time.Now()
	// a, b delivered and unread; c delivered then read; d failed; e pending.
	for _, s := range subs[:3] {
		_, err := repo.RecordSendResult(ctx, original, s.ID, model.SendResult{Delivered: true, At: now})
		require.NoError(t, err)
	}
	_, err = repo.MarkRead(ctx, original, subs[2].ID, now)
	require.NoError(t, err)
	_, err = repo.RecordSendResult(ctx, original, subs[3].ID, model.SendResult{Error: "550", LastError: "550", At: now})
	require.NoError(t, err)
	before, _ := repo.GetByID(ctx, original)

	resent, err := svc.Resend(ctx, original.String(), service.RecipientsUnread)
	require.NoError(t, err)
	require.NotNil(t, resent.NewsletterID)
	assert.Equal(t, 2, resent.RecipientCount)

	n, err := repo.GetByID(ctx, *resent.NewsletterID)
	require.NoError(t, err)
	assert.Equal(t, "[Resend] Weekly", n.Subject)
	assert.Equal(t, 2, n.TotalSubscribers)
	assert.Equal(t, model.StatusProcessing, n.Status)

	job := q.published[0].(model.DispatchJob)
	assert.ElementsMatch(t, []uuid.UUID{subs[0].ID, subs[1].ID}, job.Selection.SubscriberIDs)

	after, _ := repo.GetByID(ctx, original)
	assert.Equal(t, before, after)
}

func TestResendFailedAndRead(t *testing.T) {
	subs := makeSubscribers("a@example.com", "b@example.com")
	svc, repo, _, _ := newService(subs)
	ctx := context.Background()

	res, err := svc.Send(ctx, validRequest())
	require.NoError(t, err)
	id := *res.NewsletterID
	_, err = repo.RecordSendResult(ctx, id, subs[0].ID, model.SendResult{Error: "bounce", LastError: "bounce", At: time.Now()})
	require.NoError(t, err)

	failed, err := svc.Resend(ctx, id.String(), service.RecipientsFailed)
	require.NoError(t, err)
	assert.Equal(t, 1, failed.RecipientCount)

	read, err := svc.Resend(ctx, id.String(), service.RecipientsRead)
	require.NoError(t, err)
	assert.Equal(t, 0, read.RecipientCount)
	assert.Nil(t, read.NewsletterID)

	all, err := svc.Resend(ctx, id.String(), service.RecipientsAll)
	require.NoError(t, err)
	assert.Equal(t, 2, all.RecipientCount)
}

func TestResendErrors(t *testing.T) {
	svc, _, _, _ := newService(makeSubscribers("a@example.com"))
	ctx := context.Background()

	_, err := svc.Resend(ctx, "", service.RecipientsAll)
	assert.True(t, appErrors.IsValidation(err))
	_, err = svc.Resend(ctx, uuid.NewString(), "everyone")
	assert.True(t, appErrors.IsValidation(err))
	_, err = svc.Resend(ctx, uuid.NewString(), service.RecipientsAll)
	assert.True(t, appErrors.IsNotFound(err))
	_, err = svc.Resend(ctx, "garbage", service.RecipientsAll)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestDeleteUnknownLeavesStoreUnchanged(t *testing.T) {
	svc, repo, _, _ := newService(makeSubscribers("a@example.com"))
	ctx := context.Background()
	res, err := svc.Send(ctx, validRequest())
	require.NoError(t, err)

	assert.True(t, appErrors.IsNotFound(svc.Delete(ctx, uuid.NewString())))
	assert.True(t, appErrors.IsNotFound(svc.Delete(ctx, "nope")))

	all, _ := repo.ListSentSince(ctx, nil)
	assert.Len(t, all, 1)

	require.NoError(t, svc.Delete(ctx, res.NewsletterID.String()))
	_, err = svc.Status(ctx, res.NewsletterID.String())
	assert.True(t, appErrors.IsNotFound(err))
}

func TestTrackOpenCountsFirstOpenOnly(t *testing.T) {
	subs := makeSubscribers("a@example.com")
	svc, repo, _, _ := newService(subs)
	ctx := context.Background()
	res, err := svc.Send(ctx, validRequest())
	require.NoError(t, err)
	id := res.NewsletterID.String()

	first, err := svc.TrackOpen(ctx, id, subs[0].ID.String())
	require.NoError(t, err)
	second, err := svc.TrackOpen(ctx, id, subs[0].ID.String())
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)

	n, _ := repo.GetByID(ctx, *res.NewsletterID)
	assert.Equal(t, 1, n.OpenCount)
	rec := repo.recipient(n.ID, subs[0].ID)
	assert.Equal(t, model.RecipientRead, rec.Status)
	assert.NotNil(t, rec.ReadAt)

	ignored, err := svc.TrackOpen(ctx, "test", "")
	assert.NoError(t, err)
	assert.False(t, ignored)
}

func TestAnalyticsTimeFrame(t *testing.T) {
	svc, repo, _, _ := newService(makeSubscribers("a@example.com"))
	ctx := context.Background()

	recent := &model.Newsletter{Subject: "recent", Message: "m", UnsubscribeLink: "u", BatchSize: 50}
	require.NoError(t, repo.Create(ctx, recent, nil))
	old := &model.Newsletter{Subject: "old", Message: "m", UnsubscribeLink: "u", BatchSize: 50}
	require.NoError(t, repo.Create(ctx, old, nil))
	longAgo := time.Now().Add(-45 * 24 * time.Hour)
	repo.newsletters[old.ID].SentDate = &longAgo
	repo.newsletters[recent.ID].SentCount = 4
	repo.newsletters[recent.ID].DeliveredCount = 3
	repo.newsletters[recent.ID].OpenCount = 2

	got, err := svc.Analytics(ctx, service.TimeFrame30Days)
	require.NoError(t, err)
	require.Len(t, got.History, 1)
	entry := got.History[0]
	assert.Equal(t, "recent", entry.Subject)
	assert.Equal(t, 2, entry.ReadCount)
	assert.Equal(t, entry.SentDate.Add(30*24*time.Hour), entry.ExpiresAt)
	assert.Equal(t, 4, got.Totals.Sent)

	all, err := svc.Analytics(ctx, service.TimeFrameAll)
	require.NoError(t, err)
	require.Len(t, all.History, 2)
	assert.Equal(t, "recent", all.History[0].Subject)
	assert.Equal(t, 2, all.Totals.Newsletters)
}

func TestRecipientsFallbackForDeletedSubscribers(t *testing.T) {
	subs := makeSubscribers("a@example.com")
	svc, _, _, _ := newService(subs)
	ctx := context.Background()
	res, err := svc.Send(ctx, validRequest())
	require.NoError(t, err)

	report, err := svc.Recipients(ctx, res.NewsletterID.String(), "")
	require.NoError(t, err)
	require.Len(t, report.Recipients, 1)
	assert.Equal(t, "Unknown User", report.Recipients[0].Name)
	assert.Equal(t, "unknown@email.com", report.Recipients[0].Email)
	assert.Equal(t, "Weekly", report.Newsletter.Subject)

	_, err = svc.Recipients(ctx, res.NewsletterID.String(), "bogus")
	assert.True(t, appErrors.IsValidation(err))
}

func TestListPaginates(t *testing.T) {
	svc, repo, _, _ := newService(nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Create(ctx, &model.Newsletter{Subject: "n", Message: "m", UnsubscribeLink: "u", BatchSize: 50}, nil))
	}

	page, err := svc.List(ctx, 2, 2)
	require.NoError(t, err)
	assert.Len(t, page.Newsletters, 1)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.TotalPages)
	assert.Equal(t, 2, page.CurrentPage)

	page, err = svc.List(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, page.CurrentPage)
	assert.Len(t, page.Newsletters, 3)
}

func TestSendTest(t *testing.T) {
	svc, _, _, tr := newService(nil)
	ctx := context.Background()

	_, err := svc.SendTest(ctx, "")
	assert.True(t, appErrors.IsValidation(err))

	out, err := svc.SendTest(ctx, "me@example.com")
	require.NoError(t, err)
	assert.True(t, out.Accepted)
	msgs := tr.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Test Email", msgs[0].Subject)
	assert.Contains(t, msgs[0].HTML, "/newsletter/track/test")

	tr.verifyErr = errors.New("bad credentials")
	_, err = svc.SendTest(ctx, "me@example.com")
	assert.True(t, appErrors.IsConfiguration(err))
}

func TestSendThroughQueueCompletes(t *testing.T) {
	subs := makeSubscribers("a@example.com", "b@example.com", "c@example.com")
	repo := NewMockNewsletterRepo()
	dir := &MockSubscriberRepo{subscribers: subs}
	tr := &MockTransport{}
	q := queue.NewInMemoryQueue(zap.NewNop(), 0)

	dispatcher := &service.Dispatcher{Newsletters: repo, Subscribers: dir, Transport: tr, APIURL: "http://api"}
	require.NoError(t, queue.StartDispatchSubscriber(context.Background(), q, dispatcher, zap.NewNop()))

	svc := &service.NewsletterService{Newsletters: repo, Subscribers: dir, Queue: q, Transport: tr}
	req := validRequest()
	req.BatchSize = intPtr(2)
	res, err := svc.Send(context.Background(), req)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Drain(ctx))

	n, err := svc.Status(context.Background(), res.NewsletterID.String())
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, n.Status)
	assert.Equal(t, 3, n.SentCount)
	assert.Equal(t, 1, n.CurrentBatch)
	assert.Len(t, tr.messages(), 3)
}
