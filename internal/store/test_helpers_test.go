package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/fieldrec/internal/ir"
)

// createTestStore creates a new store in a temporary directory.
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

// createTestRecord creates a record with a number and a text field.
func createTestRecord(t *testing.T, formID, nonce, amount string) ir.Record {
	t.Helper()
	n, err := ir.ParseNumber(amount)
	if err != nil {
		t.Fatalf("ParseNumber(%q) failed: %v", amount, err)
	}
	fields := map[string]ir.Value{
		"amount": n,
		"note":   ir.Text("weekly"),
	}
	return ir.Record{
		ID:            ir.RecordID(formID, nonce),
		FormID:        formID,
		SchemaVersion: 1,
		Fields:        fields,
		PayloadHash:   ir.MustPayloadHash(fields),
		Nonce:         nonce,
		SubmitterID:   "usher-1",
		SubmittedAt:   time.Date(2025, 3, 9, 10, 0, 0, 0, time.UTC),
	}
}
