package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"
)

// StateSnapshot is an opaque named blob, used for bloom filter persistence.
type StateSnapshot struct {
	Name    string `badgerhold:"key"`
	Data    []byte
	SavedAt time.Time
}

// SnapshotStorage implements the SnapshotStorage interface for Badger
type SnapshotStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewSnapshotStorage creates a new SnapshotStorage instance
func NewSnapshotStorage(db *BadgerDB, logger arbor.ILogger) interfaces.SnapshotStorage {
	return &SnapshotStorage{
		db:     db,
		logger: logger,
	}
}

func (s *SnapshotStorage) SaveSnapshot(ctx context.Context, name string, data []byte) error {
	if name == "" {
		return fmt.Errorf("snapshot name is required")
	}

	snap := StateSnapshot{
		Name:    name,
		Data:    data,
		SavedAt: time.Now(),
	}
	if err := s.db.Store().Upsert(name, &snap); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	s.logger.Debug().Str("name", name).Int("bytes", len(data)).Msg("State snapshot saved")
	return nil
}

func (s *SnapshotStorage) LoadSnapshot(ctx context.Context, name string) ([]byte, error) {
	var snap StateSnapshot
	if err := s.db.Store().Get(name, &snap); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return snap.Data, nil
}
