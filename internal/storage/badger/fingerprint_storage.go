package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"
)

// FingerprintStorage implements the FingerprintStorage interface for Badger.
// The dedup engine keeps its LSH index in memory and rebuilds it from these
// records on startup.
type FingerprintStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewFingerprintStorage creates a new FingerprintStorage instance
func NewFingerprintStorage(db *BadgerDB, logger arbor.ILogger) interfaces.FingerprintStorage {
	return &FingerprintStorage{
		db:     db,
		logger: logger,
	}
}

func (s *FingerprintStorage) SaveFingerprint(ctx context.Context, fp *models.StoredFingerprint) error {
	if fp.URLHash == "" {
		return fmt.Errorf("fingerprint URL hash is required")
	}
	if err := s.db.Store().Upsert(fp.URLHash, fp); err != nil {
		return fmt.Errorf("failed to save fingerprint: %w", err)
	}
	return nil
}

func (s *FingerprintStorage) GetFingerprint(ctx context.Context, urlHash string) (*models.StoredFingerprint, error) {
	var fp models.StoredFingerprint
	if err := s.db.Store().Get(urlHash, &fp); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get fingerprint: %w", err)
	}
	return &fp, nil
}

// GetBySHA256 returns the earliest stored fingerprint with the given content
// hash. Insertion time ordering makes the first crawl the canonical copy.
func (s *FingerprintStorage) GetBySHA256(ctx context.Context, sha string) (*models.StoredFingerprint, error) {
	var fps []models.StoredFingerprint
	if err := s.db.Store().Find(&fps, badgerhold.Where("SHA256").Eq(sha).SortBy("StoredAt").Limit(1)); err != nil {
		return nil, fmt.Errorf("failed to find fingerprint by sha256: %w", err)
	}
	if len(fps) == 0 {
		return nil, interfaces.ErrNotFound
	}
	return &fps[0], nil
}

func (s *FingerprintStorage) GetByURL(ctx context.Context, url string) (*models.StoredFingerprint, error) {
	return s.GetFingerprint(ctx, common.URLHash(url))
}

func (s *FingerprintStorage) DeleteOlderThan(ctx context.Context, cutoff int64) (int, error) {
	var stale []models.StoredFingerprint
	if err := s.db.Store().Find(&stale, badgerhold.Where("StoredAt").Lt(cutoff)); err != nil {
		return 0, fmt.Errorf("failed to find stale fingerprints: %w", err)
	}

	deleted := 0
	for i := range stale {
		if err := s.db.Store().Delete(stale[i].URLHash, &models.StoredFingerprint{}); err != nil {
			if err == badgerhold.ErrNotFound {
				continue
			}
			return deleted, fmt.Errorf("failed to delete fingerprint: %w", err)
		}
		deleted++
	}
	return deleted, nil
}

func (s *FingerprintStorage) CountFingerprints(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&models.StoredFingerprint{}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count fingerprints: %w", err)
	}
	return int(count), nil
}

func (s *FingerprintStorage) ForEachFingerprint(ctx context.Context, fn func(*models.StoredFingerprint) error) error {
	err := s.db.Store().ForEach(nil, func(fp *models.StoredFingerprint) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(fp)
	})
	if err != nil {
		return fmt.Errorf("failed to iterate fingerprints: %w", err)
	}
	return nil
}
