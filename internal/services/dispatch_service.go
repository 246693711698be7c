// internal/services/dispatch_service.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/javajoker/versiondigest/internal/config"
	"github.com/javajoker/versiondigest/internal/database"
	"github.com/javajoker/versiondigest/internal/mailer"
	"github.com/javajoker/versiondigest/internal/metrics"
	"github.com/javajoker/versiondigest/internal/models"
	"github.com/javajoker/versiondigest/internal/templates"
	"github.com/javajoker/versiondigest/internal/utils"
	"github.com/javajoker/versiondigest/internal/version"
)

type digestRenderer interface {
	Render(payload *models.DigestPayload, emailType models.EmailType) (*templates.Rendered, error)
}

type DispatchService struct {
	db           *gorm.DB
	renderer     digestRenderer
	transport    mailer.Transport
	retry        utils.RetryPolicy
	limiter      *rate.Limiter
	concurrency  int
	batchSize    int
	targetHour   int
	sendTimeout  time.Duration
	queryTimeout time.Duration
	logger       logrus.FieldLogger
	now          func() time.Time
}

// DispatchOptions narrows one dispatch pass. A nil TargetHour uses the
// configured hour.
type DispatchOptions struct {
	TargetHour     *int `json:"target_hour,omitempty"`
	BypassTimezone bool `json:"bypass_timezone"`
	MinPriority    int  `json:"min_priority"`
	BatchSize      int  `json:"batch_size,omitempty"`
}

type DispatchResult struct {
	Processed int      `json:"processed"`
	Sent      int      `json:"sent"`
	Failed    int      `json:"failed"`
	Requeued  int      `json:"requeued"`
	Skipped   int      `json:"skipped"`
	Deferred  int      `json:"deferred"`
	Errors    []string `json:"errors,omitempty"`

	mu sync.Mutex
}

type jobOutcome string

const (
	outcomeSent     jobOutcome = "sent"
	outcomeFailed   jobOutcome = "failed"
	outcomeRequeued jobOutcome = "requeued"
	outcomeSkipped  jobOutcome = "skipped"
)

func (r *DispatchResult) record(outcome jobOutcome, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if outcome != outcomeSkipped {
		r.Processed++
	}
	switch outcome {
	case outcomeSent:
		r.Sent++
	case outcomeFailed:
		r.Failed++
	case outcomeRequeued:
		r.Requeued++
	case outcomeSkipped:
		r.Skipped++
	}
	if errMsg != "" {
		r.Errors = append(r.Errors, errMsg)
	}
	metrics.DispatchOutcomesTotal.WithLabelValues(string(outcome)).Inc()
}

func NewDispatchService(db *gorm.DB, renderer digestRenderer, transport mailer.Transport, cfg *config.Config, logger logrus.FieldLogger) *DispatchService {
	policy := utils.RetryPolicy{
		Attempts:  uint(max(cfg.Email.RetryAttempts, 1)),
		Delay:     cfg.Email.RetryDelay,
		MaxDelay:  cfg.Email.RetryMaxDelay,
		MaxJitter: cfg.Email.RetryMaxJitter,
		Retryable: func(err error) bool { return !mailer.IsPermanent(err) },
		Logger:    logger,
	}

	limit := rate.Limit(cfg.Digest.RatePerSecond)
	if cfg.Digest.RatePerSecond <= 0 {
		limit = rate.Inf
	}

	return &DispatchService{
		db:           db,
		renderer:     renderer,
		transport:    transport,
		retry:        policy,
		limiter:      rate.NewLimiter(limit, 1),
		concurrency:  max(cfg.Digest.Concurrency, 1),
		batchSize:    max(cfg.Digest.BatchSize, 1),
		targetHour:   cfg.Digest.TargetHour,
		sendTimeout:  cfg.Email.SendTimeout,
		queryTimeout: cfg.Database.QueryTimeout,
		logger:       logger,
		now:          database.UTCNow,
	}
}

// DispatchPending sends due items. Jobs run on a bounded pool; a failure of
// one job is recorded against that item and never aborts the pass.
func (s *DispatchService) DispatchPending(ctx context.Context, opts DispatchOptions) (*DispatchResult, error) {
	targetHour := s.targetHour
	if opts.TargetHour != nil {
		targetHour = *opts.TargetHour
	}
	if targetHour < 0 || targetHour > 23 {
		return nil, fmt.Errorf("%w: target hour %d out of range", ErrValidation, targetHour)
	}
	batchSize := s.batchSize
	if opts.BatchSize > 0 {
		batchSize = opts.BatchSize
	}

	now := s.now()
	items, deferred, err := s.eligibleItems(ctx, now, targetHour, batchSize, opts)
	if err != nil {
		return nil, err
	}

	result := &DispatchResult{Deferred: deferred}
	log := s.logger.WithFields(logrus.Fields{
		"eligible":        len(items),
		"deferred":        deferred,
		"target_hour":     targetHour,
		"bypass_timezone": opts.BypassTimezone,
		"min_priority":    opts.MinPriority,
	})
	if len(items) == 0 {
		log.Debug("Nothing to dispatch")
		return result, nil
	}

	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)
	for i := range items {
		item := items[i]
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			outcome, errMsg := s.process(ctx, &item)
			result.record(outcome, errMsg)
			return nil
		})
	}
	_ = g.Wait()

	log.WithFields(logrus.Fields{
		"processed": result.Processed,
		"sent":      result.Sent,
		"requeued":  result.Requeued,
		"failed":    result.Failed,
		"skipped":   result.Skipped,
	}).Info("Dispatch pass finished")
	return result, ctx.Err()
}

// eligibleItems pages through due pending items in dispatch order and keeps
// those whose local hour matches, up to limit.
func (s *DispatchService) eligibleItems(ctx context.Context, now time.Time, targetHour, limit int, opts DispatchOptions) ([]models.QueueItem, int, error) {
	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()

	var eligible []models.QueueItem
	deferred := 0
	for offset := 0; len(eligible) < limit; offset += limit {
		var page []models.QueueItem
		err := s.db.WithContext(ctx).
			Where("status = ? AND scheduled_for <= ?", models.QueueStatusPending, now).
			Where("priority >= ?", opts.MinPriority).
			Order("priority DESC, scheduled_for ASC, id ASC").
			Offset(offset).
			Limit(limit).
			Find(&page).Error
		if err != nil {
			return nil, 0, fmt.Errorf("failed to load pending items: %w", err)
		}

		for _, item := range page {
			if !opts.BypassTimezone && !localHourMatches(now, item.Timezone, targetHour) {
				deferred++
				continue
			}
			if len(eligible) < limit {
				eligible = append(eligible, item)
			}
		}
		if len(page) < limit {
			break
		}
	}
	return eligible, deferred, nil
}

// process runs one job from claim to acknowledgment.
func (s *DispatchService) process(ctx context.Context, item *models.QueueItem) (jobOutcome, string) {
	log := s.logger.WithFields(logrus.Fields{
		"queue_item_id": item.ID,
		"user_id":       item.UserID,
		"email_type":    item.EmailType,
	})

	claimed, err := s.claim(ctx, item)
	if err != nil {
		log.WithError(err).Error("Failed to claim queue item")
		return outcomeSkipped, fmt.Sprintf("%s: %v", item.ID, err)
	}
	if !claimed {
		log.Debug("Queue item claimed elsewhere, skipping")
		return outcomeSkipped, ""
	}

	// acknowledgment writes must land even if the pass is cancelled mid-send
	ackCtx := context.WithoutCancel(ctx)

	payload, msg, err := s.prepare(item)
	if err != nil {
		log.WithError(err).Warn("Queue item is not deliverable")
		return s.fail(ackCtx, item, err, true, log)
	}

	messageID, err := s.send(ctx, msg, log)
	if err != nil {
		return s.fail(ackCtx, item, err, mailer.IsPermanent(err), log)
	}

	if err := s.markSent(ackCtx, item, payload, msg.Subject, messageID, log); err != nil {
		log.WithError(err).Error("Email sent but acknowledgment failed")
		return outcomeSent, fmt.Sprintf("%s: %v", item.ID, err)
	}
	log.WithField("provider_message_id", messageID).Info("Digest sent")
	return outcomeSent, ""
}

// claim moves the item from pending to processing. Exactly one caller wins.
func (s *DispatchService) claim(ctx context.Context, item *models.QueueItem) (bool, error) {
	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()

	result := s.db.WithContext(ctx).Model(&models.QueueItem{}).
		Where("id = ? AND status = ?", item.ID, models.QueueStatusPending).
		Updates(map[string]interface{}{
			"status":   models.QueueStatusProcessing,
			"attempts": gorm.Expr("attempts + 1"),
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected != 1 {
		return false, nil
	}
	item.Status = models.QueueStatusProcessing
	item.Attempts++
	return true, nil
}

func (s *DispatchService) prepare(item *models.QueueItem) (*models.DigestPayload, *mailer.Message, error) {
	if err := utils.ValidateVar(item.Recipient, "required,email"); err != nil {
		return nil, nil, fmt.Errorf("invalid recipient %q: %w", item.Recipient, err)
	}

	var payload models.DigestPayload
	if len(item.Payload) == 0 {
		return nil, nil, fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return nil, nil, fmt.Errorf("invalid payload: %w", err)
	}

	rendered, err := s.renderer.Render(&payload, item.EmailType)
	if err != nil {
		return nil, nil, fmt.Errorf("render failed: %w", err)
	}

	headers := map[string]string{
		"X-Digest-Type":    string(item.EmailType),
		"X-Queue-Item-Id":  item.ID.String(),
		"List-Unsubscribe": "<" + payload.UnsubscribeURL + ">",
	}
	if payload.UnsubscribeURL == "" {
		delete(headers, "List-Unsubscribe")
	}

	return &payload, &mailer.Message{
		To:         item.Recipient,
		ToName:     payload.UserName,
		Subject:    rendered.Subject,
		HTML:       rendered.HTML,
		Text:       rendered.Text,
		Headers:    headers,
		Categories: []string{string(item.EmailType)},
	}, nil
}

func (s *DispatchService) send(ctx context.Context, msg *mailer.Message, log logrus.FieldLogger) (string, error) {
	provider := s.transport.Name()
	start := time.Now()
	defer func() {
		metrics.SendDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	}()

	var messageID string
	// every attempt, retries included, spends a token
	err := s.retry.Do(ctx, "mail.send", func(ctx context.Context) error {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		sendCtx, cancel := withTimeout(ctx, s.sendTimeout)
		defer cancel()

		id, err := s.transport.Send(sendCtx, msg)
		if err != nil {
			metrics.TransportFailuresTotal.WithLabelValues(provider, fmt.Sprint(mailer.IsPermanent(err))).Inc()
			return err
		}
		messageID = id
		return nil
	})
	if err != nil {
		log.WithError(err).Warn("Transport send failed")
		return "", err
	}
	return messageID, nil
}

// fail records a failed attempt. Terminal failures and exhausted attempt
// budgets end in failed, anything else returns to pending.
func (s *DispatchService) fail(ctx context.Context, item *models.QueueItem, cause error, terminal bool, log logrus.FieldLogger) (jobOutcome, string) {
	next := models.QueueStatusPending
	outcome := outcomeRequeued
	if terminal || item.Attempts >= item.MaxAttempts {
		next = models.QueueStatusFailed
		outcome = outcomeFailed
	}

	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()

	err := s.db.WithContext(ctx).Model(&models.QueueItem{}).
		Where("id = ? AND status = ?", item.ID, models.QueueStatusProcessing).
		Updates(map[string]interface{}{
			"status":     next,
			"last_error": cause.Error(),
		}).Error
	errMsg := fmt.Sprintf("%s: %v", item.ID, cause)
	if err != nil {
		log.WithError(err).Error("Failed to record dispatch failure")
		errMsg = fmt.Sprintf("%s; %v", errMsg, err)
	}

	log.WithFields(logrus.Fields{
		"attempts":     item.Attempts,
		"max_attempts": item.MaxAttempts,
		"status":       next,
	}).Warn("Dispatch attempt failed")
	return outcome, errMsg
}

func (s *DispatchService) markSent(ctx context.Context, item *models.QueueItem, payload *models.DigestPayload, subject, messageID string, log logrus.FieldLogger) error {
	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()
	db := s.db.WithContext(ctx)

	sentAt := s.now()
	if err := db.Model(&models.QueueItem{}).
		Where("id = ? AND status = ?", item.ID, models.QueueStatusProcessing).
		Updates(map[string]interface{}{
			"status":              models.QueueStatusSent,
			"provider_message_id": messageID,
			"sent_at":             sentAt,
			"last_error":          "",
		}).Error; err != nil {
		return fmt.Errorf("failed to mark sent: %w", err)
	}

	entry := &models.SendLog{
		QueueItemID:       item.ID,
		UserID:            item.UserID,
		Recipient:         item.Recipient,
		EmailType:         item.EmailType,
		Subject:           subject,
		ProviderMessageID: messageID,
		UpdateCount:       len(payload.Updates),
		SentAt:            sentAt,
	}
	if err := db.Create(entry).Error; err != nil {
		log.WithError(err).Warn("Failed to write send log")
	}

	// previews leave the subscriber's position untouched
	if item.EmailType == models.EmailTypeTestDigest {
		return nil
	}
	for _, u := range payload.Updates {
		if err := advanceSubscription(db, u.SubscriptionID, u.NewVersion, sentAt); err != nil {
			log.WithError(err).WithField("subscription_id", u.SubscriptionID).Warn("Failed to advance last notified version")
		}
	}
	return nil
}

const advanceAttempts = 3

var errSubscriptionContended = errors.New("subscription changed concurrently")

// advanceSubscription moves last_notified_version forward to newVersion. The
// update is conditional on the value read, so a lower version finishing after
// a higher one never moves it back.
func advanceSubscription(db *gorm.DB, subscriptionID uuid.UUID, newVersion string, sentAt time.Time) error {
	for i := 0; i < advanceAttempts; i++ {
		var sub models.Subscription
		if err := db.Select("id", "last_notified_version").First(&sub, "id = ?", subscriptionID).Error; err != nil {
			return err
		}

		query := db.Model(&models.Subscription{}).Where("id = ?", subscriptionID)
		if sub.LastNotifiedVersion == nil {
			query = query.Where("last_notified_version IS NULL")
		} else {
			if version.CompareStrings(newVersion, *sub.LastNotifiedVersion) <= 0 {
				return nil
			}
			query = query.Where("last_notified_version = ?", *sub.LastNotifiedVersion)
		}

		res := query.Updates(map[string]interface{}{
			"last_notified_version": newVersion,
			"last_notified_at":      sentAt,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}
	}
	return errSubscriptionContended
}
