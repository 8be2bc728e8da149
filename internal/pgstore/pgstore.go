// Package pgstore is a PostgreSQL Record Store built on pgx.
//
// PutIfAbsent relies on the primary key: INSERT ... ON CONFLICT (id) DO
// NOTHING either inserts or waits for the concurrent winner to commit. A
// losing insert then reads the winner in a fresh statement, which sees the
// committed row under READ COMMITTED.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/fieldrec/internal/ir"
)

var ddl = []string{`
CREATE TABLE IF NOT EXISTS records (
    seq            BIGSERIAL,
    id             TEXT        PRIMARY KEY,
    form_id        TEXT        NOT NULL,
    schema_version INTEGER     NOT NULL,
    fields         JSONB       NOT NULL,
    payload_hash   TEXT        NOT NULL,
    nonce          TEXT        NOT NULL DEFAULT '',
    submitter_id   TEXT        NOT NULL DEFAULT '',
    submitted_at   TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_records_form_seq ON records (form_id, seq)`,
	`
CREATE TABLE IF NOT EXISTS schemas (
    form_id    TEXT    NOT NULL,
    version    INTEGER NOT NULL,
    definition JSONB   NOT NULL,
    hash       TEXT    NOT NULL,
    PRIMARY KEY (form_id, version)
)`,
}

const selectRecord = `
	SELECT id, form_id, schema_version, fields, payload_hash, nonce, submitter_id, submitted_at
	FROM records`

// Store is a PostgreSQL-backed record store.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn, verifies the connection and creates the tables.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	for _, stmt := range ddl {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
	}

	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// PutIfAbsent inserts rec unless a record with the same ID exists.
func (s *Store) PutIfAbsent(ctx context.Context, rec ir.Record) (ir.PutResult, error) {
	if rec.ID == "" {
		return ir.PutResult{}, fmt.Errorf("put record: empty id")
	}

	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return ir.PutResult{}, fmt.Errorf("put record %s: marshal fields: %w", rec.ID, err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO records
		(id, form_id, schema_version, fields, payload_hash, nonce, submitter_id, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`,
		rec.ID,
		rec.FormID,
		rec.SchemaVersion,
		string(fieldsJSON),
		rec.PayloadHash,
		rec.Nonce,
		rec.SubmitterID,
		rec.SubmittedAt.UTC(),
	)
	if err != nil {
		return ir.PutResult{}, fmt.Errorf("put record: insert: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return ir.PutResult{Inserted: true}, nil
	}

	existing, err := scanRecord(s.pool.QueryRow(ctx, selectRecord+` WHERE id = $1`, rec.ID))
	if err != nil {
		return ir.PutResult{}, fmt.Errorf("put record: select existing: %w", err)
	}
	return ir.PutResult{Existing: &existing}, nil
}

// Get returns the record stored under id.
func (s *Store) Get(ctx context.Context, id string) (ir.Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, selectRecord+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ir.Record{}, fmt.Errorf("get record %s: %w", id, ir.ErrRecordNotFound)
	}
	if err != nil {
		return ir.Record{}, fmt.Errorf("get record %s: %w", id, err)
	}
	return rec, nil
}

// List returns records of a form in insertion order.
func (s *Store) List(ctx context.Context, formID string, limit, offset int) ([]ir.Record, error) {
	var lim any // NULL means no limit
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, selectRecord+`
		WHERE form_id = $1
		ORDER BY seq ASC
		LIMIT $2 OFFSET $3
	`, formID, lim, offset)
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

// SaveSchema persists a published schema version.
func (s *Store) SaveSchema(ctx context.Context, def ir.Schema, hash string) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("save schema: marshal: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO schemas (form_id, version, definition, hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (form_id, version) DO NOTHING
	`, def.FormID, def.Version, string(data), hash)
	if err != nil {
		return fmt.Errorf("save schema: insert: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var existing string
	if err := s.pool.QueryRow(ctx,
		`SELECT hash FROM schemas WHERE form_id = $1 AND version = $2`,
		def.FormID, def.Version,
	).Scan(&existing); err != nil {
		return fmt.Errorf("save schema: select existing: %w", err)
	}
	if existing != hash {
		return fmt.Errorf("save schema: %s v%d already stored with different content", def.FormID, def.Version)
	}
	return nil
}

// LoadSchemas returns every persisted schema version.
func (s *Store) LoadSchemas(ctx context.Context) ([]ir.Schema, error) {
	rows, err := s.pool.Query(ctx, `SELECT definition FROM schemas ORDER BY form_id, version`)
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}
	defer rows.Close()

	var defs []ir.Schema
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan schema: %w", err)
		}
		var def ir.Schema
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("unmarshal schema: %w", err)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schemas: %w", err)
	}
	return defs, nil
}

func scanRecord(row pgx.Row) (ir.Record, error) {
	var rec ir.Record
	var fieldsJSON []byte
	if err := row.Scan(
		&rec.ID,
		&rec.FormID,
		&rec.SchemaVersion,
		&fieldsJSON,
		&rec.PayloadHash,
		&rec.Nonce,
		&rec.SubmitterID,
		&rec.SubmittedAt,
	); err != nil {
		return ir.Record{}, err
	}

	rec.Fields = map[string]ir.Value{}
	if err := json.Unmarshal(fieldsJSON, &rec.Fields); err != nil {
		return ir.Record{}, fmt.Errorf("record %s: unmarshal fields: %w", rec.ID, err)
	}
	rec.SubmittedAt = rec.SubmittedAt.UTC()
	return rec, nil
}
