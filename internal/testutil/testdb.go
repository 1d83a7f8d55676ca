package testutil

import (
	"path/filepath"
	"testing"

	"github.com/mescon/Pollarr/internal/db"
	"github.com/mescon/Pollarr/internal/domain"
)

// NewTestRepository opens a migrated database in a temp dir, closed on cleanup.
func NewTestRepository(t testing.TB) *db.Repository {
	t.Helper()
	repo, err := db.NewRepository(filepath.Join(t.TempDir(), "pollarr-test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

// SeedEvents appends events in order.
func SeedEvents(t testing.TB, repo *db.Repository, events ...domain.Event) {
	t.Helper()
	for _, e := range events {
		if _, err := repo.AppendEvent(e); err != nil {
			t.Fatalf("failed to seed event: %v", err)
		}
	}
}

// CountEventsByType counts stored events of one type.
func CountEventsByType(t testing.TB, repo *db.Repository, eventType domain.EventType) int {
	t.Helper()
	var n int
	if err := repo.DB.QueryRow("SELECT COUNT(*) FROM events WHERE event_type = ?", eventType).Scan(&n); err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}
