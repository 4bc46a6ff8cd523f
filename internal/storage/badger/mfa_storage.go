package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"
)

// MfaStorage implements the MfaStorage interface for Badger
type MfaStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewMfaStorage creates a new MfaStorage instance
func NewMfaStorage(db *BadgerDB, logger arbor.ILogger) interfaces.MfaStorage {
	return &MfaStorage{
		db:     db,
		logger: logger,
	}
}

func (s *MfaStorage) SaveMfaSecret(ctx context.Context, secret *models.MfaSecret) error {
	if secret.UserID == "" {
		return fmt.Errorf("user ID is required")
	}
	if secret.Secret == "" {
		return fmt.Errorf("secret is required")
	}
	if err := s.db.Store().Upsert(secret.UserID, secret); err != nil {
		return fmt.Errorf("failed to save mfa secret: %w", err)
	}
	return nil
}

func (s *MfaStorage) GetMfaSecret(ctx context.Context, userID string) (*models.MfaSecret, error) {
	var secret models.MfaSecret
	if err := s.db.Store().Get(userID, &secret); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get mfa secret: %w", err)
	}
	return &secret, nil
}

func (s *MfaStorage) DeleteMfaSecret(ctx context.Context, userID string) error {
	if err := s.db.Store().Delete(userID, &models.MfaSecret{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete mfa secret: %w", err)
	}
	return nil
}
