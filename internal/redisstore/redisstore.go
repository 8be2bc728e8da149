// Package redisstore is a Redis Record Store.
//
// Each record is a JSON string under "<prefix>record:<id>"; each form keeps
// its record ids in a list under "<prefix>form:<form_id>". The conditional
// insert and the index append run in one Lua script, so they are atomic
// with respect to every other client.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/roach88/fieldrec/internal/ir"
)

// DefaultPrefix namespaces every key the store writes.
const DefaultPrefix = "fieldrec:"

// putScript returns "" when it inserted, otherwise the stored record.
var putScript = goredis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
  return existing
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('RPUSH', KEYS[2], ARGV[2])
return ''
`)

// Store is a Redis-backed record store.
type Store struct {
	rdb    *goredis.Client
	prefix string
}

// Open connects to addr and pings it.
func Open(ctx context.Context, addr, prefix string) (*Store, error) {
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Store{rdb: rdb, prefix: prefix}, nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) recordKey(id string) string   { return s.prefix + "record:" + id }
func (s *Store) formKey(formID string) string { return s.prefix + "form:" + formID }

// PutIfAbsent inserts rec unless a record with the same ID exists.
func (s *Store) PutIfAbsent(ctx context.Context, rec ir.Record) (ir.PutResult, error) {
	if rec.ID == "" {
		return ir.PutResult{}, fmt.Errorf("put record: empty id")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return ir.PutResult{}, fmt.Errorf("put record %s: marshal: %w", rec.ID, err)
	}

	out, err := putScript.Run(ctx, s.rdb,
		[]string{s.recordKey(rec.ID), s.formKey(rec.FormID)},
		string(data), rec.ID,
	).Text()
	if err != nil {
		return ir.PutResult{}, fmt.Errorf("put record %s: %w", rec.ID, err)
	}
	if out == "" {
		return ir.PutResult{Inserted: true}, nil
	}

	existing, err := decodeRecord(out)
	if err != nil {
		return ir.PutResult{}, fmt.Errorf("put record %s: existing: %w", rec.ID, err)
	}
	return ir.PutResult{Existing: &existing}, nil
}

// Get returns the record stored under id.
func (s *Store) Get(ctx context.Context, id string) (ir.Record, error) {
	data, err := s.rdb.Get(ctx, s.recordKey(id)).Result()
	if errors.Is(err, goredis.Nil) {
		return ir.Record{}, fmt.Errorf("get record %s: %w", id, ir.ErrRecordNotFound)
	}
	if err != nil {
		return ir.Record{}, fmt.Errorf("get record %s: %w", id, err)
	}
	return decodeRecord(data)
}

// List returns records of a form in insertion order.
func (s *Store) List(ctx context.Context, formID string, limit, offset int) ([]ir.Record, error) {
	if offset < 0 {
		offset = 0
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(offset + limit - 1)
	}

	ids, err := s.rdb.LRange(ctx, s.formKey(formID), int64(offset), stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	records := []ir.Record{}
	if len(ids) == 0 {
		return records, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("list records: %s indexed but missing", ids[i])
		}
		rec, err := decodeRecord(str)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func decodeRecord(data string) (ir.Record, error) {
	var rec ir.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return ir.Record{}, fmt.Errorf("decode record: %w", err)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]ir.Value{}
	}
	return rec, nil
}
