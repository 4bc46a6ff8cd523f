package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/aranea/internal/models"
)

// ErrNotFound is returned by storage lookups for missing records.
var ErrNotFound = errors.New("record not found")

// JobStorage - interface for crawl job persistence
type JobStorage interface {
	SaveJob(ctx context.Context, job *models.CrawlJob) error
	GetJob(ctx context.Context, id string) (*models.CrawlJob, error)
	UpdateJob(ctx context.Context, job *models.CrawlJob) error
	// UpdateJobStats replaces the stats of a running job; a no-op once
	// the job is terminal.
	UpdateJobStats(ctx context.Context, jobID string, stats models.CrawlStats) error
	ListJobs(ctx context.Context, limit int) ([]*models.CrawlJob, error)
	ListJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.CrawlJob, error)
	DeleteJob(ctx context.Context, id string) error
	CountJobs(ctx context.Context) (int, error)
}

// ResultStorage - interface for crawl result persistence, keyed by URL hash
type ResultStorage interface {
	SaveResult(ctx context.Context, result *models.CrawlResult) error
	GetResult(ctx context.Context, urlHash string) (*models.CrawlResult, error)
	GetResultsByJob(ctx context.Context, jobID string, limit int) ([]*models.CrawlResult, error)
	CountResultsByJob(ctx context.Context, jobID string) (int, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	DeleteByJob(ctx context.Context, jobID string) (int, error)
}

// FingerprintStorage - interface for dedup fingerprint persistence
type FingerprintStorage interface {
	SaveFingerprint(ctx context.Context, fp *models.StoredFingerprint) error
	GetFingerprint(ctx context.Context, urlHash string) (*models.StoredFingerprint, error)
	GetBySHA256(ctx context.Context, sha string) (*models.StoredFingerprint, error)
	GetByURL(ctx context.Context, url string) (*models.StoredFingerprint, error)
	DeleteOlderThan(ctx context.Context, cutoff int64) (int, error)
	CountFingerprints(ctx context.Context) (int, error)

	// ForEachFingerprint streams every stored fingerprint; the dedup engine
	// rebuilds its in-memory indexes from this at startup.
	ForEachFingerprint(ctx context.Context, fn func(*models.StoredFingerprint) error) error
}

// SessionStorage - interface for session persistence with optimistic locking
type SessionStorage interface {
	SaveSession(ctx context.Context, session *models.Session) error

	// UpdateSession applies the write only when the stored Version matches
	// session.Version, then increments it. Returns ErrVersionConflict on a
	// lost race.
	UpdateSession(ctx context.Context, session *models.Session) error

	GetSession(ctx context.Context, id string) (*models.Session, error)
	GetActiveSessionsByUser(ctx context.Context, userID string) ([]*models.Session, error)
	CountActiveSessionsByUser(ctx context.Context, userID string) (int, error)
	DeleteSession(ctx context.Context, id string) error
}

// ErrVersionConflict is returned when a session CAS write loses a race.
var ErrVersionConflict = errors.New("session version conflict")

// UserStorage - interface for the minimal account records the session core
// needs
type UserStorage interface {
	SaveUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateUser(ctx context.Context, user *models.User) error
}

// MfaStorage - interface for TOTP seed persistence, keyed by user ID
type MfaStorage interface {
	SaveMfaSecret(ctx context.Context, secret *models.MfaSecret) error
	GetMfaSecret(ctx context.Context, userID string) (*models.MfaSecret, error)
	DeleteMfaSecret(ctx context.Context, userID string) error
}

// SnapshotStorage - interface for opaque state snapshots (bloom filter
// persistence). Writes replace the previous snapshot atomically.
type SnapshotStorage interface {
	SaveSnapshot(ctx context.Context, name string, data []byte) error
	LoadSnapshot(ctx context.Context, name string) ([]byte, error)
}

// StorageManager - composite interface for all storage operations
type StorageManager interface {
	JobStorage() JobStorage
	ResultStorage() ResultStorage
	FingerprintStorage() FingerprintStorage
	SessionStorage() SessionStorage
	UserStorage() UserStorage
	MfaStorage() MfaStorage
	SnapshotStorage() SnapshotStorage
	Close() error
}
