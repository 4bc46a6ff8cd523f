package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"
)

// ResultStorage implements the ResultStorage interface for Badger.
// Results are keyed by normalized URL hash so a re-crawl overwrites the
// previous capture of the same page.
type ResultStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewResultStorage creates a new ResultStorage instance
func NewResultStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ResultStorage {
	return &ResultStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ResultStorage) SaveResult(ctx context.Context, result *models.CrawlResult) error {
	if result.URLHash == "" {
		return fmt.Errorf("result URL hash is required")
	}
	if err := s.db.Store().Upsert(result.URLHash, result); err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

func (s *ResultStorage) GetResult(ctx context.Context, urlHash string) (*models.CrawlResult, error) {
	var result models.CrawlResult
	if err := s.db.Store().Get(urlHash, &result); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	return &result, nil
}

func (s *ResultStorage) GetResultsByJob(ctx context.Context, jobID string, limit int) ([]*models.CrawlResult, error) {
	query := badgerhold.Where("JobID").Eq(jobID).SortBy("Timestamp").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}

	var results []models.CrawlResult
	if err := s.db.Store().Find(&results, query); err != nil {
		return nil, fmt.Errorf("failed to get results for job: %w", err)
	}

	out := make([]*models.CrawlResult, len(results))
	for i := range results {
		out[i] = &results[i]
	}
	return out, nil
}

func (s *ResultStorage) CountResultsByJob(ctx context.Context, jobID string) (int, error) {
	count, err := s.db.Store().Count(&models.CrawlResult{}, badgerhold.Where("JobID").Eq(jobID))
	if err != nil {
		return 0, fmt.Errorf("failed to count results: %w", err)
	}
	return int(count), nil
}

// DeleteExpired removes results whose retention window has passed. Results
// with a zero ExpiresAt are kept forever.
func (s *ResultStorage) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	var expired []models.CrawlResult
	if err := s.db.Store().Find(&expired, badgerhold.Where("ExpiresAt").Lt(now).And("ExpiresAt").Ne(time.Time{})); err != nil {
		return 0, fmt.Errorf("failed to find expired results: %w", err)
	}

	deleted := 0
	for i := range expired {
		if err := s.db.Store().Delete(expired[i].URLHash, &models.CrawlResult{}); err != nil {
			if err == badgerhold.ErrNotFound {
				continue
			}
			s.logger.Warn().Err(err).Str("url_hash", expired[i].URLHash).Msg("Failed to delete expired result")
			continue
		}
		deleted++
	}
	return deleted, nil
}

func (s *ResultStorage) DeleteByJob(ctx context.Context, jobID string) (int, error) {
	var results []models.CrawlResult
	if err := s.db.Store().Find(&results, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		return 0, fmt.Errorf("failed to find results for job: %w", err)
	}

	deleted := 0
	for i := range results {
		if err := s.db.Store().Delete(results[i].URLHash, &models.CrawlResult{}); err != nil {
			if err == badgerhold.ErrNotFound {
				continue
			}
			return deleted, fmt.Errorf("failed to delete result: %w", err)
		}
		deleted++
	}
	return deleted, nil
}
