package results

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	log "github.com/sirupsen/logrus"
	"stemsplit-backend/internal/models"
	"stemsplit-backend/internal/storage"
)

// DetailStore persists the rows describing stored outputs.
type DetailStore interface {
	CreateResultDetail(ctx context.Context, detail *models.ResultDetail) error
	ListResultsByFileID(ctx context.Context, fileID int64) ([]models.ResultDetail, error)
}

// Store puts output blobs in object storage and records them.
type Store struct {
	blobs      storage.BlobStore
	details    DetailStore
	attempts   uint
	retryDelay time.Duration
}

func NewStore(blobs storage.BlobStore, details DetailStore) *Store {
	return &Store{
		blobs:      blobs,
		details:    details,
		attempts:   3,
		retryDelay: 500 * time.Millisecond,
	}
}

// WithRetry overrides the blob put retry policy.
func (s *Store) WithRetry(attempts uint, delay time.Duration) *Store {
	s.attempts = attempts
	s.retryDelay = delay
	return s
}

// Stored returns the outputs already recorded for a file.
func (s *Store) Stored(ctx context.Context, fileID int64) ([]models.ResultDetail, error) {
	return s.details.ListResultsByFileID(ctx, fileID)
}

// Save stores one output at results/{fileID}/{resultType} and records its
// ResultDetail. When recording fails the blob is removed again, unless an
// existing row already points at the same key.
func (s *Store) Save(ctx context.Context, fileID int64, resultType string, data []byte, mimeType string) (*models.ResultDetail, error) {
	key := storage.ResultKey(fileID, resultType)

	err := retry.Do(
		func() error { return s.blobs.Put(ctx, key, data, mimeType) },
		retry.Attempts(s.attempts),
		retry.Delay(s.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			log.WithFields(log.Fields{"file_id": fileID, "key": key, "attempt": n + 1}).
				WithError(err).Warn("retrying result upload")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to store result %s: %w", resultType, err)
	}

	detail := &models.ResultDetail{
		UploadFileID: fileID,
		ResultType:   resultType,
		StorageKey:   key,
		FileSize:     int64(len(data)),
		MimeType:     mimeType,
	}
	if err := s.details.CreateResultDetail(ctx, detail); err != nil {
		s.removeOrphan(context.WithoutCancel(ctx), fileID, key)
		return nil, fmt.Errorf("failed to record result %s: %w", resultType, err)
	}

	return detail, nil
}

// removeOrphan deletes key only when no recorded result references it. If
// the rows cannot be read the blob is kept.
func (s *Store) removeOrphan(ctx context.Context, fileID int64, key string) {
	entry := log.WithFields(log.Fields{"file_id": fileID, "key": key})
	existing, err := s.details.ListResultsByFileID(ctx, fileID)
	if err != nil {
		entry.WithError(err).Warn("cannot tell whether result blob is referenced, keeping it")
		return
	}
	for _, d := range existing {
		if d.StorageKey == key {
			entry.Debug("result blob belongs to an existing row, keeping it")
			return
		}
	}
	if err := s.blobs.Delete(ctx, key); err != nil {
		entry.WithError(err).Error("failed to remove orphaned result blob")
	}
}
