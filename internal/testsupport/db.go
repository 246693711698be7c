// internal/testsupport/db.go
package testsupport

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/javajoker/versiondigest/internal/database"
	"github.com/javajoker/versiondigest/internal/models"
)

// NewDB opens a private in-memory sqlite database with every table
// migrated. It is closed when the test ends.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: database.UTCNow,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.RunMigrations(db))

	t.Cleanup(func() {
		sqlDB.Close()
	})
	return db
}

// Day returns midnight UTC of the given date.
func Day(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func CreateUser(t testing.TB, db *gorm.DB, email, timezone string) *models.User {
	t.Helper()
	u := &models.User{
		Email:           email,
		Name:            email,
		Role:            models.UserRoleSubscriber,
		Timezone:        timezone,
		DigestEnabled:   true,
		DigestFrequency: models.DigestFrequencyDaily,
	}
	require.NoError(t, db.Create(u).Error)
	return u
}

func CreateProduct(t testing.TB, db *gorm.DB, name string, createdAt time.Time) *models.Product {
	t.Helper()
	p := &models.Product{
		Name:         name,
		Manufacturer: name + " Inc",
		Category:     "software",
		Website:      "https://" + name + ".example",
	}
	p.CreatedAt = createdAt
	require.NoError(t, db.Create(p).Error)
	return p
}

func CreateVersion(t testing.TB, db *gorm.DB, productID uuid.UUID, version string, released time.Time, verified bool) *models.VersionRecord {
	t.Helper()
	r := &models.VersionRecord{
		ProductID:   productID,
		Version:     version,
		ReleaseDate: &released,
		Source:      models.VersionSourceOperator,
		Verified:    verified,
	}
	require.NoError(t, db.Create(r).Error)
	return r
}

func Subscribe(t testing.TB, db *gorm.DB, userID, productID uuid.UUID, lastNotified string) *models.Subscription {
	t.Helper()
	s := &models.Subscription{UserID: userID, ProductID: productID}
	if lastNotified != "" {
		s.LastNotifiedVersion = &lastNotified
	}
	require.NoError(t, db.Create(s).Error)
	return s
}
