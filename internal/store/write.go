package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/fieldrec/internal/ir"
)

// PutIfAbsent inserts rec unless a record with the same ID exists.
//
// Uses ON CONFLICT(id) DO NOTHING inside a transaction; when no row was
// inserted, the existing record is read back in the same transaction and
// returned in PutResult.Existing. The stored record is never modified.
func (s *Store) PutIfAbsent(ctx context.Context, rec ir.Record) (ir.PutResult, error) {
	if rec.ID == "" {
		return ir.PutResult{}, fmt.Errorf("put record: empty id")
	}

	fieldsJSON, err := marshalFields(rec.Fields)
	if err != nil {
		return ir.PutResult{}, fmt.Errorf("put record %s: %w", rec.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.PutResult{}, fmt.Errorf("put record: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	result, err := tx.ExecContext(ctx, `
		INSERT INTO records
		(id, form_id, schema_version, fields, payload_hash, nonce, submitter_id, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		rec.ID,
		rec.FormID,
		rec.SchemaVersion,
		fieldsJSON,
		rec.PayloadHash,
		rec.Nonce,
		rec.SubmitterID,
		formatTime(rec.SubmittedAt),
	)
	if err != nil {
		return ir.PutResult{}, fmt.Errorf("put record: insert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return ir.PutResult{}, fmt.Errorf("put record: rows affected: %w", err)
	}

	var out ir.PutResult
	if rowsAffected > 0 {
		out.Inserted = true
	} else {
		// Conflict - row already exists, fetch it
		existing, err := scanRecord(tx.QueryRowContext(ctx, selectRecord+` WHERE id = ?`, rec.ID))
		if err != nil {
			return ir.PutResult{}, fmt.Errorf("put record: select existing: %w", err)
		}
		out.Existing = &existing
	}

	if err := tx.Commit(); err != nil {
		return ir.PutResult{}, fmt.Errorf("put record: commit: %w", err)
	}

	return out, nil
}

// SaveSchema persists a published schema version.
// Saving the same version twice is a no-op when the hash matches and an
// error otherwise.
func (s *Store) SaveSchema(ctx context.Context, def ir.Schema, hash string) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("save schema: marshal: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save schema: begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO schemas (form_id, version, definition, hash)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(form_id, version) DO NOTHING
	`, def.FormID, def.Version, string(data), hash)
	if err != nil {
		return fmt.Errorf("save schema: insert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("save schema: rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var existing string
		if err := tx.QueryRowContext(ctx,
			`SELECT hash FROM schemas WHERE form_id = ? AND version = ?`,
			def.FormID, def.Version,
		).Scan(&existing); err != nil {
			return fmt.Errorf("save schema: select existing: %w", err)
		}
		if existing != hash {
			return fmt.Errorf("save schema: %s v%d already stored with different content", def.FormID, def.Version)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save schema: commit: %w", err)
	}
	return nil
}
