package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/tally/internal/mutation"
	"github.com/roach88/tally/internal/payload"
)

// createTestStore creates a new temp-dir store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

// createTestRecord creates a pending insert record with minimal required fields.
func createTestRecord(id, ownerID string) mutation.Record {
	return mutation.Record{
		ID:         id,
		EntityType: mutation.EntityTransactions,
		RowID:      "row-" + id,
		Operation:  mutation.OpInsert,
		Payload:    payload.Object{"id": "row-" + id, "title": "Coffee"},
		OwnerID:    ownerID,
		Status:     mutation.StatusPending,
		CreatedAt:  testTime,
		UpdatedAt:  testTime,
	}
}
