package badger

import (
	"context"
	"testing"
	"time"

	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"
)

func newTestDB(t *testing.T) *BadgerDB {
	t.Helper()

	options := badgerhold.DefaultOptions
	options.Dir = t.TempDir()
	options.ValueDir = options.Dir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	return &BadgerDB{store: store, logger: arbor.NewLogger()}
}

func TestSessionVersionConflict(t *testing.T) {
	db := newTestDB(t)
	storage := NewSessionStorage(db, arbor.NewLogger())
	ctx := context.Background()

	session := &models.Session{
		ID:        "ses_1",
		UserID:    "user_1",
		Status:    models.SessionActive,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := storage.SaveSession(ctx, session); err != nil {
		t.Fatalf("Failed to save session: %v", err)
	}
	if session.Version != 1 {
		t.Fatalf("Expected initial version 1, got %d", session.Version)
	}

	// Two readers take the same snapshot.
	first, err := storage.GetSession(ctx, "ses_1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := storage.GetSession(ctx, "ses_1")
	if err != nil {
		t.Fatal(err)
	}

	first.LastActivity = time.Now()
	if err := storage.UpdateSession(ctx, first); err != nil {
		t.Fatalf("First update should win: %v", err)
	}
	if first.Version != 2 {
		t.Fatalf("Expected version 2 after update, got %d", first.Version)
	}

	second.Status = models.SessionRevoked
	if err := storage.UpdateSession(ctx, second); err != interfaces.ErrVersionConflict {
		t.Fatalf("Expected version conflict, got %v", err)
	}

	// Retry with a fresh read succeeds.
	fresh, err := storage.GetSession(ctx, "ses_1")
	if err != nil {
		t.Fatal(err)
	}
	fresh.Status = models.SessionRevoked
	if err := storage.UpdateSession(ctx, fresh); err != nil {
		t.Fatalf("Retry after fresh read should succeed: %v", err)
	}

	stored, err := storage.GetSession(ctx, "ses_1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.SessionRevoked {
		t.Fatalf("Expected revoked status, got %s", stored.Status)
	}
	if stored.Version != 3 {
		t.Fatalf("Expected version 3, got %d", stored.Version)
	}
}

func TestActiveSessionQueries(t *testing.T) {
	db := newTestDB(t)
	storage := NewSessionStorage(db, arbor.NewLogger())
	ctx := context.Background()

	now := time.Now()
	states := []models.SessionStatus{
		models.SessionActive,
		models.SessionIdle,
		models.SessionRevoked,
		models.SessionExpired,
		models.SessionActive,
	}
	for i, status := range states {
		session := &models.Session{
			ID:        "ses_" + string(rune('a'+i)),
			UserID:    "user_1",
			Status:    status,
			CreatedAt: now.Add(time.Duration(i) * time.Second),
			ExpiresAt: now.Add(time.Hour),
		}
		if err := storage.SaveSession(ctx, session); err != nil {
			t.Fatal(err)
		}
	}

	active, err := storage.GetActiveSessionsByUser(ctx, "user_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 3 {
		t.Fatalf("Expected 3 active/idle sessions, got %d", len(active))
	}

	// Oldest first, for eviction of the oldest on session cap.
	if active[0].ID != "ses_a" {
		t.Fatalf("Expected oldest session first, got %s", active[0].ID)
	}

	count, err := storage.CountActiveSessionsByUser(ctx, "user_1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Fatalf("Expected count 3, got %d", count)
	}

	if _, err := storage.GetSession(ctx, "missing"); err != interfaces.ErrNotFound {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestResultRetention(t *testing.T) {
	db := newTestDB(t)
	storage := NewResultStorage(db, arbor.NewLogger())
	ctx := context.Background()

	now := time.Now()
	results := []*models.CrawlResult{
		{URLHash: "h1", JobID: "job_1", URL: "https://a.test/", ExpiresAt: now.Add(-time.Hour), Timestamp: now},
		{URLHash: "h2", JobID: "job_1", URL: "https://b.test/", ExpiresAt: now.Add(time.Hour), Timestamp: now},
		{URLHash: "h3", JobID: "job_2", URL: "https://c.test/", Timestamp: now}, // no expiry, kept
	}
	for _, r := range results {
		if err := storage.SaveResult(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	deleted, err := storage.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Fatalf("Expected 1 expired result deleted, got %d", deleted)
	}

	if _, err := storage.GetResult(ctx, "h1"); err != interfaces.ErrNotFound {
		t.Fatalf("Expected h1 deleted, got %v", err)
	}
	if _, err := storage.GetResult(ctx, "h3"); err != nil {
		t.Fatalf("Result without expiry should survive: %v", err)
	}

	count, err := storage.CountResultsByJob(ctx, "job_1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("Expected 1 result left for job_1, got %d", count)
	}
}
