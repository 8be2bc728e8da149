package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/fieldrec/internal/ir"
)

const selectRecord = `
	SELECT id, form_id, schema_version, fields, payload_hash, nonce, submitter_id, submitted_at
	FROM records`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// Get returns the record stored under id.
// Returns ir.ErrRecordNotFound (wrapped) when there is none.
func (s *Store) Get(ctx context.Context, id string) (ir.Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectRecord+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Record{}, fmt.Errorf("get record %s: %w", id, ir.ErrRecordNotFound)
	}
	if err != nil {
		return ir.Record{}, fmt.Errorf("get record %s: %w", id, err)
	}
	return rec, nil
}

// List returns records of a form in insertion order.
// Returns an empty slice (not nil) when there are none.
func (s *Store) List(ctx context.Context, formID string, limit, offset int) ([]ir.Record, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, selectRecord+`
		WHERE form_id = ?
		ORDER BY seq ASC
		LIMIT ? OFFSET ?
	`, formID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	records := []ir.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// Count returns the number of records stored for a form.
func (s *Store) Count(ctx context.Context, formID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE form_id = ?`, formID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// LoadSchemas returns every persisted schema version ordered by form id
// and version.
func (s *Store) LoadSchemas(ctx context.Context) ([]ir.Schema, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT definition FROM schemas
		ORDER BY form_id COLLATE BINARY ASC, version ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}
	defer rows.Close()

	var defs []ir.Schema
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan schema: %w", err)
		}
		var def ir.Schema
		if err := json.Unmarshal([]byte(data), &def); err != nil {
			return nil, fmt.Errorf("unmarshal schema: %w", err)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schemas: %w", err)
	}
	return defs, nil
}

func scanRecord(row rowScanner) (ir.Record, error) {
	var rec ir.Record
	var fieldsJSON, submittedAt string
	if err := row.Scan(
		&rec.ID,
		&rec.FormID,
		&rec.SchemaVersion,
		&fieldsJSON,
		&rec.PayloadHash,
		&rec.Nonce,
		&rec.SubmitterID,
		&submittedAt,
	); err != nil {
		return ir.Record{}, err
	}

	fields, err := unmarshalFields(fieldsJSON)
	if err != nil {
		return ir.Record{}, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	rec.Fields = fields

	if rec.SubmittedAt, err = parseTime(submittedAt); err != nil {
		return ir.Record{}, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	return rec, nil
}
