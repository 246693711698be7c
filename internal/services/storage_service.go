// internal/services/storage_service.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/versiondigest/internal/config"
	"github.com/javajoker/versiondigest/internal/database"
	"github.com/javajoker/versiondigest/internal/models"
)

// StorageService archives purged queue rows to S3 as JSON lines.
type StorageService struct {
	s3Client s3iface.S3API
	bucket   string
	prefix   string
	logger   logrus.FieldLogger
	now      func() time.Time
}

// NewStorageService returns nil when no archive bucket is configured.
// Without static keys the SDK's default credential chain is used.
func NewStorageService(cfg *config.Config, logger logrus.FieldLogger) (*StorageService, error) {
	if cfg.AWS.ArchiveBucket == "" {
		return nil, nil
	}

	awsCfg := &aws.Config{Region: aws.String(cfg.AWS.Region)}
	if cfg.AWS.AccessKeyID != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(
			cfg.AWS.AccessKeyID,
			cfg.AWS.SecretAccessKey,
			"",
		)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return newStorageService(s3.New(sess), cfg.AWS.ArchiveBucket, cfg.AWS.ArchivePrefix, logger), nil
}

func newStorageService(client s3iface.S3API, bucket, prefix string, logger logrus.FieldLogger) *StorageService {
	return &StorageService{
		s3Client: client,
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		logger:   logger,
		now:      database.UTCNow,
	}
}

// ArchiveQueueItems uploads items as one object and returns its key.
func (s *StorageService) ArchiveQueueItems(ctx context.Context, items []models.QueueItem) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range items {
		if err := enc.Encode(&items[i]); err != nil {
			return "", fmt.Errorf("failed to encode queue item %s: %w", items[i].ID, err)
		}
	}

	key := s.archiveKey()
	_, err := s.s3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentType:   aws.String("application/x-ndjson"),
		ContentLength: aws.Int64(int64(buf.Len())),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"bucket": s.bucket,
		"key":    key,
		"items":  len(items),
	}).Info("Queue items archived")
	return key, nil
}

// GeneratePresignedURL lets an operator download an archive.
func (s *StorageService) GeneratePresignedURL(key string, expiration time.Duration) (string, error) {
	req, _ := s.s3Client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})

	url, err := req.Presign(expiration)
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return url, nil
}

func (s *StorageService) archiveKey() string {
	now := s.now()
	name := fmt.Sprintf("%s_%s.jsonl", now.Format("20060102T150405"), uuid.New().String()[:8])
	return path.Join(s.prefix, now.Format("2006/01/02"), name)
}
