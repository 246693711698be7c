// internal/services/dispatch_service_test.go
package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/javajoker/versiondigest/internal/logging"
	"github.com/javajoker/versiondigest/internal/mailer"
	"github.com/javajoker/versiondigest/internal/models"
	"github.com/javajoker/versiondigest/internal/testsupport"
	"github.com/javajoker/versiondigest/internal/utils"
)

// dispatchNow is inside the 08:00 UTC send window.
var dispatchNow = time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)

type dispatchFixture struct {
	db       *gorm.DB
	user     *models.User
	sub      *models.Subscription
	digests  *DigestService
	queue    *QueueService
	dispatch *DispatchService
	mail     *fakeTransport
}

// newDispatchFixture seeds one UTC subscriber tracking a product that moved
// from 1.0 to 1.1 two hours ago.
func newDispatchFixture(t *testing.T, timezone string) *dispatchFixture {
	t.Helper()
	db := testsupport.NewDB(t)
	cfg := testConfig()
	logger := logging.Discard()

	product := testsupport.CreateProduct(t, db, "widget", dispatchNow.Add(-30*24*time.Hour))
	testsupport.CreateVersion(t, db, product.ID, "1.0", dispatchNow.Add(-10*24*time.Hour), true)
	testsupport.CreateVersion(t, db, product.ID, "1.1", dispatchNow.Add(-2*time.Hour), true)
	user := testsupport.CreateUser(t, db, "ana@example.com", timezone)
	sub := testsupport.Subscribe(t, db, user.ID, product.ID, "1.0")

	versions := NewVersionService(db, cfg, logger)
	digests := NewDigestService(db, versions, cfg, logger)
	digests.now = fixedClock(dispatchNow)

	bounces := NewBounceService(db, cfg, logger)
	queue := NewQueueService(db, bounces, digests, nil, cfg, logger)
	queue.now = fixedClock(dispatchNow)

	mail := &fakeTransport{}
	dispatch := NewDispatchService(db, stubRenderer{}, mail, cfg, logger)
	dispatch.now = fixedClock(dispatchNow)

	return &dispatchFixture{
		db:       db,
		user:     user,
		sub:      sub,
		digests:  digests,
		queue:    queue,
		dispatch: dispatch,
		mail:     mail,
	}
}

func (f *dispatchFixture) enqueueDaily(t *testing.T) models.QueueItem {
	t.Helper()
	res, err := f.queue.EnqueueDigests(context.Background(), models.EmailTypeDailyDigest, 1)
	require.NoError(t, err)
	require.Equal(t, 1, res.Enqueued)

	var item models.QueueItem
	require.NoError(t, f.db.Where("user_id = ? AND email_type = ?", f.user.ID, models.EmailTypeDailyDigest).First(&item).Error)
	return item
}

func (f *dispatchFixture) lastNotified(t *testing.T) string {
	t.Helper()
	var sub models.Subscription
	require.NoError(t, f.db.First(&sub, "id = ?", f.sub.ID).Error)
	if sub.LastNotifiedVersion == nil {
		return ""
	}
	return *sub.LastNotifiedVersion
}

func TestDispatchSendsAndAdvancesSubscriptions(t *testing.T) {
	f := newDispatchFixture(t, "UTC")
	item := f.enqueueDaily(t)
	ctx := context.Background()

	res, err := f.dispatch.DispatchPending(ctx, DispatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Sent)
	assert.Empty(t, res.Errors)

	sent := loadItem(t, f.db, item.ID)
	assert.Equal(t, models.QueueStatusSent, sent.Status)
	assert.Equal(t, 1, sent.Attempts)
	assert.NotEmpty(t, sent.ProviderMessageID)
	require.NotNil(t, sent.SentAt)

	require.Equal(t, 1, f.mail.count())
	msg := f.mail.sent[0]
	assert.Equal(t, "ana@example.com", msg.To)
	assert.Equal(t, "Your digest", msg.Subject)
	assert.Equal(t, item.ID.String(), msg.Headers["X-Queue-Item-Id"])
	assert.Contains(t, msg.Headers["List-Unsubscribe"], "/unsubscribe?user=")

	var logs []models.SendLog
	require.NoError(t, f.db.Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, item.ID, logs[0].QueueItemID)
	assert.Equal(t, 1, logs[0].UpdateCount)
	assert.Equal(t, sent.ProviderMessageID, logs[0].ProviderMessageID)

	assert.Equal(t, "1.1", f.lastNotified(t))

	// nothing is reported twice once the digest went out
	payload, err := f.digests.BuildDigestPayload(ctx, f.user.ID, 1)
	require.NoError(t, err)
	assert.False(t, payload.HasUpdates)
	assert.NotEmpty(t, payload.AllQuietMessage)

	again, err := f.dispatch.DispatchPending(ctx, DispatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, again.Processed)
	assert.Equal(t, 1, f.mail.count())
}

func TestDispatchNeverMovesLastNotifiedBackwards(t *testing.T) {
	f := newDispatchFixture(t, "UTC")
	item := f.enqueueDaily(t)

	// a later digest announcing 1.2 finished first
	require.NoError(t, f.db.Model(&models.Subscription{}).
		Where("id = ?", f.sub.ID).
		Update("last_notified_version", "1.2").Error)

	res, err := f.dispatch.DispatchPending(context.Background(), DispatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, models.QueueStatusSent, loadItem(t, f.db, item.ID).Status)
	assert.Equal(t, "1.2", f.lastNotified(t))
}

func TestAdvanceSubscriptionOnlyMovesForward(t *testing.T) {
	f := newDispatchFixture(t, "UTC")
	sentAt := dispatchNow

	require.NoError(t, advanceSubscription(f.db, f.sub.ID, "1.1", sentAt))
	assert.Equal(t, "1.1", f.lastNotified(t))

	require.NoError(t, advanceSubscription(f.db, f.sub.ID, "1.0.5", sentAt))
	assert.Equal(t, "1.1", f.lastNotified(t))

	require.NoError(t, f.db.Model(&models.Subscription{}).
		Where("id = ?", f.sub.ID).
		Update("last_notified_version", nil).Error)
	require.NoError(t, advanceSubscription(f.db, f.sub.ID, "0.9", sentAt))
	assert.Equal(t, "0.9", f.lastNotified(t))
}

func TestDispatchRetriesRespectRateCap(t *testing.T) {
	f := newDispatchFixture(t, "UTC")
	interval := 150 * time.Millisecond
	f.dispatch.limiter = rate.NewLimiter(rate.Every(interval), 1)
	f.dispatch.retry = utils.RetryPolicy{
		Attempts:  3,
		Delay:     time.Millisecond,
		MaxDelay:  2 * time.Millisecond,
		Retryable: func(err error) bool { return !mailer.IsPermanent(err) },
	}

	var sendTimes []time.Time
	f.mail.reply = func(*mailer.Message) (string, error) {
		sendTimes = append(sendTimes, time.Now())
		if len(sendTimes) < 3 {
			return "", errors.New("connection reset")
		}
		return "msg-1", nil
	}
	f.enqueueDaily(t)

	res, err := f.dispatch.DispatchPending(context.Background(), DispatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	require.Len(t, sendTimes, 3)
	for i := 1; i < len(sendTimes); i++ {
		gap := sendTimes[i].Sub(sendTimes[i-1])
		assert.GreaterOrEqual(t, int64(gap), int64(interval-20*time.Millisecond), "gap before attempt %d", i+1)
	}
}

func TestDispatchRetriesUntilAttemptsExhausted(t *testing.T) {
	f := newDispatchFixture(t, "UTC")
	f.mail.reply = func(*mailer.Message) (string, error) {
		return "", errors.New("connection reset")
	}
	item := f.enqueueDaily(t)
	ctx := context.Background()

	for attempt := 1; attempt <= 2; attempt++ {
		res, err := f.dispatch.DispatchPending(ctx, DispatchOptions{})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Requeued, "attempt %d", attempt)

		current := loadItem(t, f.db, item.ID)
		assert.Equal(t, models.QueueStatusPending, current.Status)
		assert.Equal(t, attempt, current.Attempts)
		assert.Contains(t, current.LastError, "connection reset")
	}

	res, err := f.dispatch.DispatchPending(ctx, DispatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)

	failed := loadItem(t, f.db, item.ID)
	assert.Equal(t, models.QueueStatusFailed, failed.Status)
	assert.Equal(t, 3, failed.Attempts)

	// a failed item is never picked up again
	res, err = f.dispatch.DispatchPending(ctx, DispatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	assert.Equal(t, 3, f.mail.count())
	assert.Equal(t, "1.0", f.lastNotified(t))
	assert.EqualValues(t, 0, countRows(t, f.db, &models.SendLog{}))
}

func TestDispatchPermanentFailureIsTerminal(t *testing.T) {
	f := newDispatchFixture(t, "UTC")
	f.mail.reply = func(*mailer.Message) (string, error) {
		return "", mailer.Permanent(errors.New("mailbox does not exist"))
	}
	item := f.enqueueDaily(t)

	res, err := f.dispatch.DispatchPending(context.Background(), DispatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	failed := loadItem(t, f.db, item.ID)
	assert.Equal(t, models.QueueStatusFailed, failed.Status)
	assert.Equal(t, 1, failed.Attempts)
	assert.Contains(t, failed.LastError, "mailbox does not exist")
	assert.Equal(t, 1, f.mail.count())
}

func TestDispatchRejectsUndeliverableRecipient(t *testing.T) {
	f := newDispatchFixture(t, "UTC")
	item := f.enqueueDaily(t)
	require.NoError(t, f.db.Model(&models.QueueItem{}).Where("id = ?", item.ID).Update("recipient", "broken").Error)

	res, err := f.dispatch.DispatchPending(context.Background(), DispatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, models.QueueStatusFailed, loadItem(t, f.db, item.ID).Status)
	assert.Equal(t, 0, f.mail.count())
}

func TestDispatchDefersOutsideLocalHour(t *testing.T) {
	f := newDispatchFixture(t, "America/New_York")
	ctx := context.Background()

	// due in UTC terms, but it is 03:30 in New York
	payload, err := f.digests.BuildDigestPayload(ctx, f.user.ID, 1)
	require.NoError(t, err)
	enq, err := f.queue.Enqueue(ctx, &EnqueueRequest{
		UserID:       f.user.ID,
		Email:        f.user.Email,
		EmailType:    models.EmailTypeDailyDigest,
		Payload:      payload,
		ScheduledFor: dispatchNow.Add(-time.Hour),
		Timezone:     "America/New_York",
	})
	require.NoError(t, err)

	res, err := f.dispatch.DispatchPending(ctx, DispatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferred)
	assert.Equal(t, 0, res.Processed)
	assert.Equal(t, models.QueueStatusPending, loadItem(t, f.db, enq.Item.ID).Status)

	hour := 3
	res, err = f.dispatch.DispatchPending(ctx, DispatchOptions{TargetHour: &hour})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
}

func TestDispatchBypassTimezone(t *testing.T) {
	f := newDispatchFixture(t, "Asia/Tokyo")
	ctx := context.Background()

	payload, err := f.digests.BuildDigestPayload(ctx, f.user.ID, 1)
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, &EnqueueRequest{
		UserID:       f.user.ID,
		Email:        f.user.Email,
		EmailType:    models.EmailTypeDailyDigest,
		Payload:      payload,
		ScheduledFor: dispatchNow.Add(-time.Hour),
		Timezone:     "Asia/Tokyo",
	})
	require.NoError(t, err)

	res, err := f.dispatch.DispatchPending(ctx, DispatchOptions{BypassTimezone: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 0, res.Deferred)
}

func TestDispatchTestDigestLeavesSubscriptionsAlone(t *testing.T) {
	f := newDispatchFixture(t, "UTC")
	ctx := context.Background()

	daily := f.enqueueDaily(t)
	test, err := f.queue.EnqueueTestDigest(ctx, f.user.ID)
	require.NoError(t, err)

	res, err := f.dispatch.DispatchPending(ctx, DispatchOptions{MinPriority: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)

	assert.Equal(t, models.QueueStatusSent, loadItem(t, f.db, test.Item.ID).Status)
	assert.Equal(t, models.QueueStatusPending, loadItem(t, f.db, daily.ID).Status)
	assert.Equal(t, "1.0", f.lastNotified(t))

	require.Equal(t, 1, f.mail.count())
	assert.Equal(t, "test_digest", f.mail.sent[0].Headers["X-Digest-Type"])
}

func TestDispatchHonorsBatchSize(t *testing.T) {
	f := newDispatchFixture(t, "UTC")
	ctx := context.Background()

	for _, email := range []string{"b@example.com", "c@example.com", "d@example.com", "e@example.com"} {
		u := testsupport.CreateUser(t, f.db, email, "UTC")
		testsupport.Subscribe(t, f.db, u.ID, f.sub.ProductID, "")
	}
	res, err := f.queue.EnqueueDigests(ctx, models.EmailTypeDailyDigest, 1)
	require.NoError(t, err)
	require.Equal(t, 5, res.Enqueued)

	first, err := f.dispatch.DispatchPending(ctx, DispatchOptions{BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, first.Sent)

	rest, err := f.dispatch.DispatchPending(ctx, DispatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, rest.Sent)
	assert.Equal(t, 5, f.mail.count())
}

func TestDispatchRejectsInvalidHour(t *testing.T) {
	f := newDispatchFixture(t, "UTC")
	hour := 24
	_, err := f.dispatch.DispatchPending(context.Background(), DispatchOptions{TargetHour: &hour})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestClaimIsExclusive(t *testing.T) {
	f := newDispatchFixture(t, "UTC")
	item := f.enqueueDaily(t)
	other := item
	ctx := context.Background()

	won, err := f.dispatch.claim(ctx, &item)
	require.NoError(t, err)
	assert.True(t, won)
	assert.Equal(t, 1, item.Attempts)

	won, err = f.dispatch.claim(ctx, &other)
	require.NoError(t, err)
	assert.False(t, won)

	claimed := loadItem(t, f.db, item.ID)
	assert.Equal(t, models.QueueStatusProcessing, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)
}
