// internal/services/digest_service.go
package services

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/versiondigest/internal/config"
	"github.com/javajoker/versiondigest/internal/database"
	"github.com/javajoker/versiondigest/internal/models"
	"github.com/javajoker/versiondigest/internal/utils"
	"github.com/javajoker/versiondigest/internal/version"
)

// allQuietMessages is the pool used when a digest has no updates.
var allQuietMessages = []string{
	"All quiet on the update front. Everything you track is on its latest version.",
	"No new releases for your products this time. Enjoy the calm.",
	"Nothing new shipped since your last digest. We'll keep watching.",
	"Your tracked products are holding steady. No updates to report.",
	"Quiet day: none of your products released a new version.",
}

// versionHistory supplies a product's verified version records.
type versionHistory interface {
	VerifiedVersions(ctx context.Context, productID uuid.UUID) ([]models.VersionRecord, error)
}

type DigestService struct {
	db           *gorm.DB
	versions     versionHistory
	queryTimeout time.Duration
	maxEntries   int
	maxNew       int
	baseURL      string
	signingKey   string
	logger       logrus.FieldLogger
	now          func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewDigestService(db *gorm.DB, versions versionHistory, cfg *config.Config, logger logrus.FieldLogger) *DigestService {
	maxEntries := cfg.Digest.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 20
	}
	return &DigestService{
		db:           db,
		versions:     versions,
		queryTimeout: cfg.Database.QueryTimeout,
		maxEntries:   maxEntries,
		maxNew:       cfg.Digest.MaxNewProducts,
		baseURL:      strings.TrimRight(cfg.Frontend.BaseURL, "/"),
		signingKey:   cfg.JWT.SecretKey,
		logger:       logger,
		now:          database.UTCNow,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// BuildDigestPayload assembles what changed for one subscriber over the
// last lookbackDays. A failed lookup for one product drops that product and
// the rest of the digest still assembles.
func (s *DigestService) BuildDigestPayload(ctx context.Context, userID uuid.UUID, lookbackDays int) (*models.DigestPayload, error) {
	if lookbackDays < 1 {
		lookbackDays = 1
	}
	now := s.now()
	cutoff := now.Add(-time.Duration(lookbackDays) * 24 * time.Hour)

	user, subs, err := s.loadSubscriber(ctx, userID)
	if err != nil {
		return nil, err
	}

	log := s.logger.WithFields(logrus.Fields{
		"user_id":       userID,
		"lookback_days": lookbackDays,
	})

	updates := make([]models.DigestUpdate, 0, len(subs))
	for i := range subs {
		sub := &subs[i]
		if sub.Product == nil {
			log.WithField("product_id", sub.ProductID).Warn("Subscription references a missing product, skipping")
			continue
		}

		history, err := s.versions.VerifiedVersions(ctx, sub.ProductID)
		if err != nil {
			log.WithError(err).WithField("product_id", sub.ProductID).Warn("Version lookup failed, skipping product")
			continue
		}

		if entry, ok := buildUpdate(sub, history, cutoff); ok {
			updates = append(updates, entry)
		}
	}

	sort.SliceStable(updates, func(i, j int) bool {
		a, b := updates[i], updates[j]
		if !a.EffectiveDate.Equal(b.EffectiveDate) {
			return a.EffectiveDate.After(b.EffectiveDate)
		}
		return a.ProductName < b.ProductName
	})

	payload := &models.DigestPayload{
		UserID:       user.ID,
		UserName:     user.Name,
		Email:        user.Email,
		GeneratedAt:  now,
		LookbackDays: lookbackDays,
		TotalUpdates: len(updates),
		ManageURL:    s.baseURL + "/subscriptions",
	}
	payload.UnsubscribeURL = fmt.Sprintf("%s/unsubscribe?user=%s&token=%s",
		s.baseURL, user.ID, utils.SignToken(s.signingKey, user.ID.String()))

	if len(updates) > s.maxEntries {
		payload.Truncated = true
		payload.ViewAllURL = s.baseURL + "/updates?since=" + cutoff.Format("2006-01-02")
		updates = updates[:s.maxEntries]
	}
	payload.Updates = updates
	payload.HasUpdates = len(updates) > 0

	payload.NewProducts = s.newProducts(ctx, cutoff, log)
	payload.Sponsor = s.activeSponsor(ctx, now, log)

	if !payload.HasUpdates {
		payload.AllQuietMessage = s.pickAllQuiet()
	}

	log.WithFields(logrus.Fields{
		"updates":      len(payload.Updates),
		"total":        payload.TotalUpdates,
		"new_products": len(payload.NewProducts),
	}).Debug("Digest payload built")

	return payload, nil
}

func (s *DigestService) loadSubscriber(ctx context.Context, userID uuid.UUID) (*models.User, []models.Subscription, error) {
	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()
	db := s.db.WithContext(ctx)

	var user models.User
	if err := db.Where("id = ?", userID).First(&user).Error; err != nil {
		return nil, nil, notFound(err, "user")
	}

	var subs []models.Subscription
	if err := db.Preload("Product").Where("user_id = ?", userID).Find(&subs).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to load subscriptions: %w", err)
	}
	return &user, subs, nil
}

// buildUpdate decides whether a subscription has something to report.
func buildUpdate(sub *models.Subscription, history []models.VersionRecord, cutoff time.Time) (models.DigestUpdate, bool) {
	current := version.ResolveCurrent(history)
	if current == nil {
		return models.DigestUpdate{}, false
	}

	effective := effectiveDate.Value(current)
	if effective.Before(cutoff) {
		return models.DigestUpdate{}, false
	}

	if last, ok := trimmed(sub.LastNotifiedVersion); ok && last == strings.TrimSpace(current.Version) {
		return models.DigestUpdate{}, false
	}

	old := oldVersion.Value(oldVersionInput{
		history:      history,
		current:      current,
		lastNotified: sub.LastNotifiedVersion,
	})

	product := sub.Product
	updateType := current.UpdateType
	if old != noPreviousVersion {
		updateType = version.ClassifyUpdateType(old, current.Version)
	}
	if updateType == "" {
		updateType = models.UpdateTypePatch
	}

	return models.DigestUpdate{
		SubscriptionID:  sub.ID,
		ProductID:       product.ID,
		VersionID:       current.ID,
		ProductName:     product.Name,
		Manufacturer:    product.Manufacturer,
		Category:        product.Category,
		ProductURL:      productLink.Value(product),
		OldVersion:      old,
		NewVersion:      current.Version,
		UpdateType:      updateType,
		ReleaseDate:     current.ReleaseDate,
		EffectiveDate:   effective,
		Notes:           current.Notes,
		StructuredNotes: current.StructuredNotes,
	}, true
}

func (s *DigestService) newProducts(ctx context.Context, cutoff time.Time, log logrus.FieldLogger) []models.NewProductEntry {
	if s.maxNew <= 0 {
		return nil
	}

	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()

	var products []models.Product
	if err := s.db.WithContext(ctx).
		Where("created_at >= ?", cutoff).
		Order("created_at DESC").
		Limit(s.maxNew).
		Find(&products).Error; err != nil {
		log.WithError(err).Warn("New product lookup failed")
		return nil
	}

	entries := make([]models.NewProductEntry, 0, len(products))
	for i := range products {
		p := &products[i]
		entries = append(entries, models.NewProductEntry{
			ProductID:    p.ID,
			Name:         p.Name,
			Manufacturer: p.Manufacturer,
			Category:     p.Category,
			URL:          productLink.Value(p),
			AddedAt:      p.CreatedAt,
		})
	}
	return entries
}

// activeSponsor prefers a sponsor whose date range covers now, latest start
// first with open-started ranges last, and falls back to any row still
// flagged active.
func (s *DigestService) activeSponsor(ctx context.Context, now time.Time, log logrus.FieldLogger) *models.SponsorEntry {
	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()
	db := s.db.WithContext(ctx)

	var sponsors []models.Sponsor
	err := db.Where("is_active = ?", true).
		Where("(starts_at IS NULL OR starts_at <= ?) AND (ends_at IS NULL OR ends_at >= ?)", now, now).
		Where("starts_at IS NOT NULL OR ends_at IS NOT NULL").
		Order("starts_at IS NULL").
		Order("starts_at DESC").
		Order("created_at DESC").
		Limit(1).
		Find(&sponsors).Error
	if err != nil {
		log.WithError(err).Warn("Sponsor lookup failed")
		return nil
	}

	if len(sponsors) == 0 {
		if err := db.Where("is_active = ?", true).Order("created_at DESC").Limit(1).Find(&sponsors).Error; err != nil {
			log.WithError(err).Warn("Sponsor fallback lookup failed")
			return nil
		}
	}
	if len(sponsors) == 0 {
		return nil
	}

	sp := sponsors[0]
	return &models.SponsorEntry{
		Name:    sp.Name,
		Tagline: sp.Tagline,
		URL:     sp.URL,
		LogoURL: sp.LogoURL,
	}
}

func (s *DigestService) pickAllQuiet() string {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return allQuietMessages[s.rng.Intn(len(allQuietMessages))]
}
