// Package memstore is an in-memory Record Store.
//
// A plain map has no conditional write, so PutIfAbsent holds the keylock
// shard for the record id across its check and insert. Unrelated ids
// proceed in parallel unless they share a shard.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/fieldrec/internal/ir"
	"github.com/roach88/fieldrec/internal/keylock"
)

// Store keeps records in memory. The zero value is not usable; call New.
type Store struct {
	locks *keylock.Locker

	mu      sync.RWMutex // guards the maps below; never held across a keylock wait
	records map[string]ir.Record
	order   map[string][]string // form id -> record ids in insertion order
}

// New creates an empty store with the given number of lock shards
// (keylock.DefaultShards when shards <= 0).
func New(shards int) *Store {
	return &Store{
		locks:   keylock.New(shards),
		records: make(map[string]ir.Record),
		order:   make(map[string][]string),
	}
}

// PutIfAbsent inserts rec unless its id is already present.
func (s *Store) PutIfAbsent(ctx context.Context, rec ir.Record) (ir.PutResult, error) {
	if err := ctx.Err(); err != nil {
		return ir.PutResult{}, err
	}
	if rec.ID == "" {
		return ir.PutResult{}, fmt.Errorf("put record: empty id")
	}

	unlock := s.locks.Lock(rec.ID)
	defer unlock()

	s.mu.RLock()
	existing, ok := s.records[rec.ID]
	s.mu.RUnlock()
	if ok {
		return ir.PutResult{Existing: cloneRecord(&existing)}, nil
	}

	s.mu.Lock()
	s.records[rec.ID] = *cloneRecord(&rec)
	s.order[rec.FormID] = append(s.order[rec.FormID], rec.ID)
	s.mu.Unlock()

	return ir.PutResult{Inserted: true}, nil
}

// Get returns the record stored under id.
func (s *Store) Get(ctx context.Context, id string) (ir.Record, error) {
	if err := ctx.Err(); err != nil {
		return ir.Record{}, err
	}
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return ir.Record{}, fmt.Errorf("get record %s: %w", id, ir.ErrRecordNotFound)
	}
	return *cloneRecord(&rec), nil
}

// List returns records of a form in insertion order.
func (s *Store) List(ctx context.Context, formID string, limit, offset int) ([]ir.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.order[formID]
	if offset < 0 {
		offset = 0
	}
	if offset > len(ids) {
		offset = len(ids)
	}
	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}

	out := make([]ir.Record, 0, len(ids))
	for _, id := range ids {
		rec := s.records[id]
		out = append(out, *cloneRecord(&rec))
	}
	return out, nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// cloneRecord copies the field map so callers cannot mutate stored state.
// Values themselves are immutable.
func cloneRecord(rec *ir.Record) *ir.Record {
	out := *rec
	out.Fields = make(map[string]ir.Value, len(rec.Fields))
	for k, v := range rec.Fields {
		out.Fields[k] = v
	}
	return &out
}
