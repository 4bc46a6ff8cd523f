package badger

import (
	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/arbor"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db          *BadgerDB
	job         interfaces.JobStorage
	result      interfaces.ResultStorage
	fingerprint interfaces.FingerprintStorage
	session     interfaces.SessionStorage
	user        interfaces.UserStorage
	mfa         interfaces.MfaStorage
	snapshot    interfaces.SnapshotStorage
	logger      arbor.ILogger
}

var _ interfaces.StorageManager = (*Manager)(nil)

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (*Manager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:          db,
		job:         NewJobStorage(db, logger),
		result:      NewResultStorage(db, logger),
		fingerprint: NewFingerprintStorage(db, logger),
		session:     NewSessionStorage(db, logger),
		user:        NewUserStorage(db, logger),
		mfa:         NewMfaStorage(db, logger),
		snapshot:    NewSnapshotStorage(db, logger),
		logger:      logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// JobStorage returns the crawl job storage interface
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

// ResultStorage returns the crawl result storage interface
func (m *Manager) ResultStorage() interfaces.ResultStorage {
	return m.result
}

// FingerprintStorage returns the fingerprint storage interface
func (m *Manager) FingerprintStorage() interfaces.FingerprintStorage {
	return m.fingerprint
}

// SessionStorage returns the session storage interface
func (m *Manager) SessionStorage() interfaces.SessionStorage {
	return m.session
}

// UserStorage returns the user storage interface
func (m *Manager) UserStorage() interfaces.UserStorage {
	return m.user
}

// MfaStorage returns the TOTP seed storage interface
func (m *Manager) MfaStorage() interfaces.MfaStorage {
	return m.mfa
}

// SnapshotStorage returns the snapshot storage interface
func (m *Manager) SnapshotStorage() interfaces.SnapshotStorage {
	return m.snapshot
}

// DB returns the underlying badgerhold store for queue internals.
func (m *Manager) DB() *BadgerDB {
	return m.db
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
