package badger

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"
)

// SessionStorage implements the SessionStorage interface for Badger.
// Version checks are serialized with a store-level mutex; the embedded
// database has a single writing process so this is sufficient for CAS.
type SessionStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewSessionStorage creates a new SessionStorage instance
func NewSessionStorage(db *BadgerDB, logger arbor.ILogger) interfaces.SessionStorage {
	return &SessionStorage{
		db:     db,
		logger: logger,
	}
}

func (s *SessionStorage) SaveSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		return fmt.Errorf("session ID is required")
	}
	if session.Version == 0 {
		session.Version = 1
	}
	if err := s.db.Store().Upsert(session.ID, session); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// UpdateSession writes the session only when the stored version still matches
// session.Version, then bumps the version. Callers retry on
// ErrVersionConflict with a fresh read.
func (s *SessionStorage) UpdateSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		return fmt.Errorf("session ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var current models.Session
	if err := s.db.Store().Get(session.ID, &current); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("failed to load session for update: %w", err)
	}

	if current.Version != session.Version {
		return interfaces.ErrVersionConflict
	}

	session.Version++
	if err := s.db.Store().Upsert(session.ID, session); err != nil {
		session.Version--
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

func (s *SessionStorage) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	if err := s.db.Store().Get(id, &session); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &session, nil
}

func (s *SessionStorage) GetActiveSessionsByUser(ctx context.Context, userID string) ([]*models.Session, error) {
	var sessions []models.Session
	query := badgerhold.Where("UserID").Eq(userID).
		And("Status").In(models.SessionActive, models.SessionIdle).
		SortBy("CreatedAt")
	if err := s.db.Store().Find(&sessions, query); err != nil {
		return nil, fmt.Errorf("failed to list sessions for user: %w", err)
	}

	result := make([]*models.Session, len(sessions))
	for i := range sessions {
		result[i] = &sessions[i]
	}
	return result, nil
}

func (s *SessionStorage) CountActiveSessionsByUser(ctx context.Context, userID string) (int, error) {
	count, err := s.db.Store().Count(&models.Session{},
		badgerhold.Where("UserID").Eq(userID).And("Status").In(models.SessionActive, models.SessionIdle))
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return int(count), nil
}

func (s *SessionStorage) DeleteSession(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.Session{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
