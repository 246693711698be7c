// internal/services/queue_service.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/javajoker/versiondigest/internal/config"
	"github.com/javajoker/versiondigest/internal/database"
	"github.com/javajoker/versiondigest/internal/metrics"
	"github.com/javajoker/versiondigest/internal/models"
	"github.com/javajoker/versiondigest/internal/utils"
)

const (
	priorityNormal = 0
	priorityTest   = 10
	purgeBatchSize = 500

	defaultEnqueueLead = time.Hour
)

type suppressionChecker interface {
	IsSuppressed(ctx context.Context, email string) (bool, error)
}

type payloadBuilder interface {
	BuildDigestPayload(ctx context.Context, userID uuid.UUID, lookbackDays int) (*models.DigestPayload, error)
}

// Archiver stores purged queue rows before they are deleted.
type Archiver interface {
	ArchiveQueueItems(ctx context.Context, items []models.QueueItem) (string, error)
}

type QueueService struct {
	db           *gorm.DB
	bounces      suppressionChecker
	digests      payloadBuilder
	archiver     Archiver
	queryTimeout time.Duration
	digestCfg    config.DigestConfig
	notifyChan   string
	logger       logrus.FieldLogger
	now          func() time.Time
}

type EnqueueRequest struct {
	UserID       uuid.UUID             `json:"user_id" validate:"required"`
	Email        string                `json:"email" validate:"required,email"`
	EmailType    models.EmailType      `json:"email_type" validate:"required,oneof=daily_digest weekly_digest test_digest"`
	Payload      *models.DigestPayload `json:"payload" validate:"required"`
	ScheduledFor time.Time             `json:"scheduled_for"`
	Timezone     string                `json:"timezone" validate:"required,timezone"`
	Priority     int                   `json:"priority" validate:"min=0,max=10"`
	MaxAttempts  int                   `json:"max_attempts" validate:"omitempty,min=1,max=10"`

	// IdempotencyKey overrides the derived user/type/date key.
	IdempotencyKey string `json:"idempotency_key,omitempty" validate:"max=255"`
}

type EnqueueResult struct {
	Item       *models.QueueItem `json:"item,omitempty"`
	Created    bool              `json:"created"`
	Duplicate  bool              `json:"duplicate"`
	Suppressed bool              `json:"suppressed"`
}

type BatchEnqueueResult struct {
	EmailType  models.EmailType `json:"email_type"`
	Users      int              `json:"users"`
	Enqueued   int              `json:"enqueued"`
	Duplicates int              `json:"duplicates"`
	Suppressed int              `json:"suppressed"`
	NotDue     int              `json:"not_due"`
	Failed     int              `json:"failed"`
	Errors     []string         `json:"errors,omitempty"`
}

type QueueSummary struct {
	Counts        map[models.QueueStatus]int64 `json:"counts"`
	Total         int64                        `json:"total"`
	DueNow        int64                        `json:"due_now"`
	OldestPending *time.Time                   `json:"oldest_pending,omitempty"`
}

type PurgeResult struct {
	Cutoff      time.Time `json:"cutoff"`
	Deleted     int64     `json:"deleted"`
	ArchiveKeys []string  `json:"archive_keys,omitempty"`
}

type QueueListParams struct {
	utils.PaginationParams
	Status    models.QueueStatus `json:"status,omitempty"`
	EmailType models.EmailType   `json:"email_type,omitempty"`
	UserID    *uuid.UUID         `json:"user_id,omitempty"`
}

func NewQueueService(db *gorm.DB, bounces suppressionChecker, digests payloadBuilder, archiver Archiver, cfg *config.Config, logger logrus.FieldLogger) *QueueService {
	return &QueueService{
		db:           db,
		bounces:      bounces,
		digests:      digests,
		archiver:     archiver,
		queryTimeout: cfg.Database.QueryTimeout,
		digestCfg:    cfg.Digest,
		notifyChan:   cfg.Scheduler.ListenChannel,
		logger:       logger,
		now:          database.UTCNow,
	}
}

// Enqueue stores one email job. It is idempotent on the derived key: a
// second call for the same user, type and local date is a successful no-op.
func (s *QueueService) Enqueue(ctx context.Context, req *EnqueueRequest) (*EnqueueResult, error) {
	if err := utils.ValidateStruct(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if req.ScheduledFor.IsZero() {
		return nil, fmt.Errorf("%w: scheduled_for is required", ErrValidation)
	}
	loc, err := time.LoadLocation(req.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	log := s.logger.WithFields(logrus.Fields{
		"user_id":    req.UserID,
		"email_type": req.EmailType,
	})

	if s.bounces != nil {
		suppressed, err := s.bounces.IsSuppressed(ctx, req.Email)
		if err != nil {
			return nil, err
		}
		if suppressed {
			metrics.QueueEnqueuedTotal.WithLabelValues(string(req.EmailType), "suppressed").Inc()
			log.Info("Recipient suppressed by bounce history, not enqueued")
			return &EnqueueResult{Suppressed: true}, nil
		}
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %w", ErrValidation, err)
	}

	key := req.IdempotencyKey
	if key == "" {
		key = IdempotencyKey(req.UserID, req.EmailType, req.ScheduledFor, loc)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.digestCfg.MaxAttempts
	}

	item := &models.QueueItem{
		UserID:         req.UserID,
		Recipient:      req.Email,
		EmailType:      req.EmailType,
		Payload:        datatypes.JSON(payload),
		Status:         models.QueueStatusPending,
		ScheduledFor:   req.ScheduledFor.UTC(),
		Timezone:       req.Timezone,
		MaxAttempts:    maxAttempts,
		IdempotencyKey: key,
		Priority:       req.Priority,
	}

	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()
	db := s.db.WithContext(ctx)

	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(item)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to enqueue: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		var existing models.QueueItem
		if err := db.Where("idempotency_key = ?", key).First(&existing).Error; err != nil {
			return nil, fmt.Errorf("failed to load existing queue item: %w", err)
		}
		metrics.QueueEnqueuedTotal.WithLabelValues(string(req.EmailType), "duplicate").Inc()
		log.WithField("idempotency_key", key).Debug("Queue item already exists")
		return &EnqueueResult{Item: &existing, Duplicate: true}, nil
	}

	metrics.QueueEnqueuedTotal.WithLabelValues(string(req.EmailType), "created").Inc()
	log.WithFields(logrus.Fields{
		"queue_item_id": item.ID,
		"scheduled_for": item.ScheduledFor,
		"priority":      item.Priority,
	}).Info("Queue item enqueued")

	if item.Priority > priorityNormal {
		s.notify(db, item.ID, log)
	}
	return &EnqueueResult{Item: item, Created: true}, nil
}

// notify wakes a listening scheduler. Only postgres supports it; elsewhere
// the periodic dispatch picks the item up.
func (s *QueueService) notify(db *gorm.DB, id uuid.UUID, log logrus.FieldLogger) {
	if s.notifyChan == "" || db.Dialector.Name() != "postgres" {
		return
	}
	if err := db.Exec("SELECT pg_notify(?, ?)", s.notifyChan, id.String()).Error; err != nil {
		log.WithError(err).Warn("Failed to notify queue listeners")
	}
}

// EnqueueDigests queues one digest for every enabled subscriber of the
// matching frequency whose next send is at most EnqueueLead away, so the
// payload window ends just before the email goes out. Subscribers further
// out are counted as NotDue and picked up by a later run. A failure for one
// user is counted and the batch goes on.
func (s *QueueService) EnqueueDigests(ctx context.Context, emailType models.EmailType, lookbackDays int) (*BatchEnqueueResult, error) {
	var frequency models.DigestFrequency
	switch emailType {
	case models.EmailTypeDailyDigest:
		frequency = models.DigestFrequencyDaily
		if lookbackDays <= 0 {
			lookbackDays = s.digestCfg.DailyLookbackDays
		}
	case models.EmailTypeWeeklyDigest:
		frequency = models.DigestFrequencyWeekly
		if lookbackDays <= 0 {
			lookbackDays = s.digestCfg.WeeklyLookbackDays
		}
	default:
		return nil, fmt.Errorf("%w: unsupported digest type %q", ErrValidation, emailType)
	}

	users, err := s.digestRecipients(ctx, frequency)
	if err != nil {
		return nil, err
	}

	lead := s.digestCfg.EnqueueLead
	if lead <= 0 {
		lead = defaultEnqueueLead
	}

	now := s.now()
	out := &BatchEnqueueResult{EmailType: emailType, Users: len(users)}
	for i := range users {
		user := &users[i]
		log := s.logger.WithFields(logrus.Fields{
			"user_id":    user.ID,
			"email_type": emailType,
		})

		fail := func(err error, msg string) {
			out.Failed++
			out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", user.ID, err))
			log.WithError(err).Warn(msg)
		}

		loc := user.Location()
		scheduled := NextLocalTarget(now, loc, s.digestCfg.TargetHour)
		if emailType == models.EmailTypeWeeklyDigest {
			scheduled = NextWeeklyTarget(now, loc, s.digestCfg.TargetHour, s.digestCfg.WeeklyDay)
		}
		if scheduled.Sub(now) > lead {
			out.NotDue++
			continue
		}

		payload, err := s.digests.BuildDigestPayload(ctx, user.ID, lookbackDays)
		if err != nil {
			fail(err, "Failed to build digest payload")
			continue
		}

		res, err := s.Enqueue(ctx, &EnqueueRequest{
			UserID:       user.ID,
			Email:        user.Email,
			EmailType:    emailType,
			Payload:      payload,
			ScheduledFor: scheduled,
			Timezone:     loc.String(),
			Priority:     priorityNormal,
		})
		if err != nil {
			fail(err, "Failed to enqueue digest")
			continue
		}
		switch {
		case res.Suppressed:
			out.Suppressed++
		case res.Duplicate:
			out.Duplicates++
		default:
			out.Enqueued++
		}
	}

	s.logger.WithFields(logrus.Fields{
		"email_type": emailType,
		"users":      out.Users,
		"enqueued":   out.Enqueued,
		"duplicates": out.Duplicates,
		"suppressed": out.Suppressed,
		"not_due":    out.NotDue,
		"failed":     out.Failed,
	}).Info("Digest enqueue finished")
	return out, nil
}

func (s *QueueService) digestRecipients(ctx context.Context, frequency models.DigestFrequency) ([]models.User, error) {
	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()

	var users []models.User
	err := s.db.WithContext(ctx).
		Where("digest_enabled = ? AND digest_frequency = ?", true, frequency).
		Where("EXISTS (SELECT 1 FROM subscriptions WHERE subscriptions.user_id = users.id)").
		Order("id").
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load digest recipients: %w", err)
	}
	return users, nil
}

// EnqueueTestDigest queues an immediate, high-priority preview for one user.
// Each call is a separate send.
func (s *QueueService) EnqueueTestDigest(ctx context.Context, userID uuid.UUID) (*EnqueueResult, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	lookback := s.digestCfg.DailyLookbackDays
	if user.DigestFrequency == models.DigestFrequencyWeekly {
		lookback = s.digestCfg.WeeklyLookbackDays
	}
	payload, err := s.digests.BuildDigestPayload(ctx, user.ID, lookback)
	if err != nil {
		return nil, err
	}

	now := s.now()
	return s.Enqueue(ctx, &EnqueueRequest{
		UserID:         user.ID,
		Email:          user.Email,
		EmailType:      models.EmailTypeTestDigest,
		Payload:        payload,
		ScheduledFor:   now,
		Timezone:       user.Location().String(),
		Priority:       priorityTest,
		IdempotencyKey: fmt.Sprintf("%s:%s:%s", user.ID, models.EmailTypeTestDigest, uuid.NewString()),
	})
}

func (s *QueueService) loadUser(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()

	var user models.User
	if err := s.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error; err != nil {
		return nil, notFound(err, "user")
	}
	return &user, nil
}

// QueueSummary counts items per status. Every status is present in Counts.
func (s *QueueService) QueueSummary(ctx context.Context) (*QueueSummary, error) {
	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()
	db := s.db.WithContext(ctx)

	var rows []struct {
		Status models.QueueStatus
		Count  int64
	}
	if err := db.Model(&models.QueueItem{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to summarize queue: %w", err)
	}

	summary := &QueueSummary{Counts: make(map[models.QueueStatus]int64, len(models.QueueStatuses))}
	for _, st := range models.QueueStatuses {
		summary.Counts[st] = 0
	}
	for _, r := range rows {
		summary.Counts[r.Status] = r.Count
		summary.Total += r.Count
	}

	var oldest []models.QueueItem
	if err := db.Where("status = ?", models.QueueStatusPending).
		Order("scheduled_for ASC").
		Limit(1).
		Find(&oldest).Error; err != nil {
		return nil, fmt.Errorf("failed to load oldest pending item: %w", err)
	}
	if len(oldest) == 1 {
		t := oldest[0].ScheduledFor
		summary.OldestPending = &t
	}

	if err := db.Model(&models.QueueItem{}).
		Where("status = ? AND scheduled_for <= ?", models.QueueStatusPending, s.now()).
		Count(&summary.DueNow).Error; err != nil {
		return nil, fmt.Errorf("failed to count due items: %w", err)
	}

	for st, n := range summary.Counts {
		metrics.QueueDepth.WithLabelValues(string(st)).Set(float64(n))
	}
	return summary, nil
}

func (s *QueueService) Get(ctx context.Context, id uuid.UUID) (*models.QueueItem, error) {
	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()

	var item models.QueueItem
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&item).Error; err != nil {
		return nil, notFound(err, "queue item")
	}
	return &item, nil
}

func (s *QueueService) List(ctx context.Context, params QueueListParams) ([]models.QueueItem, int64, error) {
	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := s.db.WithContext(ctx).Model(&models.QueueItem{})
	if params.Status != "" {
		query = query.Where("status = ?", params.Status)
	}
	if params.EmailType != "" {
		query = query.Where("email_type = ?", params.EmailType)
	}
	if params.UserID != nil {
		query = query.Where("user_id = ?", *params.UserID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count queue items: %w", err)
	}

	var items []models.QueueItem
	query = utils.ApplySort(query, params.PaginationParams, []string{"created_at", "scheduled_for", "priority", "updated_at"})
	if err := utils.ApplyPagination(query, params.PaginationParams).Find(&items).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list queue items: %w", err)
	}
	return items, total, nil
}

// Cancel moves a pending item to cancelled. Any other status is an invalid
// transition.
func (s *QueueService) Cancel(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()
	db := s.db.WithContext(ctx)

	result := db.Model(&models.QueueItem{}).
		Where("id = ? AND status = ?", id, models.QueueStatusPending).
		Update("status", models.QueueStatusCancelled)
	if result.Error != nil {
		return fmt.Errorf("failed to cancel queue item: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		s.logger.WithField("queue_item_id", id).Info("Queue item cancelled")
		return nil
	}

	var item models.QueueItem
	if err := db.Where("id = ?", id).First(&item).Error; err != nil {
		return notFound(err, "queue item")
	}
	return fmt.Errorf("%w: cannot cancel %s item", ErrInvalidTransition, item.Status)
}

// RequeueFailed returns failed items to pending with a fresh attempt budget.
// With no ids every failed item is requeued.
func (s *QueueService) RequeueFailed(ctx context.Context, ids ...uuid.UUID) (int64, error) {
	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := s.db.WithContext(ctx).Model(&models.QueueItem{}).
		Where("status = ?", models.QueueStatusFailed)
	if len(ids) > 0 {
		query = query.Where("id IN ?", ids)
	}

	result := query.Updates(map[string]interface{}{
		"status":        models.QueueStatusPending,
		"attempts":      0,
		"last_error":    "",
		"scheduled_for": s.now(),
	})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to requeue items: %w", result.Error)
	}

	s.logger.WithField("requeued", result.RowsAffected).Info("Failed queue items requeued")
	return result.RowsAffected, nil
}

// Purge deletes terminal items last touched before now-olderThan. When an
// archiver is configured each batch is archived first and an archive
// failure stops the purge with nothing of that batch deleted.
func (s *QueueService) Purge(ctx context.Context, olderThan time.Duration) (*PurgeResult, error) {
	if olderThan <= 0 {
		olderThan = time.Duration(s.digestCfg.PurgeAfterDays) * 24 * time.Hour
	}
	out := &PurgeResult{Cutoff: s.now().Add(-olderThan)}
	terminal := []models.QueueStatus{models.QueueStatusSent, models.QueueStatusFailed, models.QueueStatusCancelled}

	for {
		batch, err := s.purgeBatch(ctx, out.Cutoff, terminal)
		if err != nil {
			return out, err
		}
		if len(batch) == 0 {
			break
		}

		if s.archiver != nil {
			key, err := s.archiver.ArchiveQueueItems(ctx, batch)
			if err != nil {
				return out, fmt.Errorf("failed to archive queue items: %w", err)
			}
			out.ArchiveKeys = append(out.ArchiveKeys, key)
		}

		ids := make([]uuid.UUID, len(batch))
		for i := range batch {
			ids[i] = batch[i].ID
		}
		deleted, err := s.deleteItems(ctx, ids)
		if err != nil {
			return out, err
		}
		out.Deleted += deleted

		if len(batch) < purgeBatchSize {
			break
		}
	}

	s.logger.WithFields(logrus.Fields{
		"cutoff":   out.Cutoff,
		"deleted":  out.Deleted,
		"archives": len(out.ArchiveKeys),
	}).Info("Queue purge finished")
	return out, nil
}

func (s *QueueService) purgeBatch(ctx context.Context, cutoff time.Time, statuses []models.QueueStatus) ([]models.QueueItem, error) {
	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()

	var items []models.QueueItem
	if err := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statuses, cutoff).
		Order("updated_at ASC").
		Limit(purgeBatchSize).
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to select purgeable items: %w", err)
	}
	return items, nil
}

func (s *QueueService) deleteItems(ctx context.Context, ids []uuid.UUID) (int64, error) {
	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()

	result := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.QueueItem{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete queue items: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// IsInvalidTransition reports whether err came from a refused status change.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}
