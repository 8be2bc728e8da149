package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/roach88/fieldrec/internal/config"
	"github.com/roach88/fieldrec/internal/ctxlog"
	"github.com/roach88/fieldrec/internal/ingest"
	"github.com/roach88/fieldrec/internal/ir"
	"github.com/roach88/fieldrec/internal/memstore"
	"github.com/roach88/fieldrec/internal/pgstore"
	"github.com/roach88/fieldrec/internal/redisstore"
	"github.com/roach88/fieldrec/internal/schema"
	"github.com/roach88/fieldrec/internal/store"
)

// recordStore is what every backend offers the coordinator.
type recordStore interface {
	ingest.RecordStore
	ingest.RecordLister
}

// backend bundles an opened record store with its schema persister.
// persist is nil for backends that do not keep schemas (memory, redis).
type backend struct {
	records recordStore
	persist schema.Persister
	close   func() error
}

func (b *backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// openBackend opens the store selected by cfg.Store.
func openBackend(ctx context.Context, cfg config.Config) (*backend, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return &backend{records: memstore.New(cfg.LockShards)}, nil
	case config.StoreSQLite:
		st, err := store.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &backend{records: st, persist: st, close: st.Close}, nil
	case config.StorePostgres:
		st, err := pgstore.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return &backend{records: st, persist: st, close: st.Close}, nil
	case config.StoreRedis:
		st, err := redisstore.Open(ctx, cfg.RedisAddr, cfg.RedisPrefix)
		if err != nil {
			return nil, err
		}
		return &backend{records: st, close: st.Close}, nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

// loadRegistry builds a registry over b, restores persisted schemas and
// publishes the forms found in schemaDir (skipped when empty).
func loadRegistry(ctx context.Context, b *backend, schemaDir string) (*schema.Registry, error) {
	var opts []schema.Option
	if b.persist != nil {
		opts = append(opts, schema.WithPersister(b.persist))
	}
	reg := schema.NewRegistry(opts...)

	restored, err := reg.Restore(ctx)
	if err != nil {
		return nil, err
	}
	ctxlog.FromContext(ctx).Debug("schemas restored", "count", restored)

	if schemaDir == "" {
		return reg, nil
	}
	result, loadErrs := LoadForms(schemaDir)
	if len(loadErrs) > 0 {
		return nil, errors.Join(loadErrs...)
	}
	if err := publishForms(ctx, reg, result.Forms); err != nil {
		return nil, err
	}
	return reg, nil
}

// publishForms publishes defs, skipping an unversioned definition whose
// content matches the latest published version of its form.
func publishForms(ctx context.Context, reg *schema.Registry, defs []ir.Schema) error {
	logger := ctxlog.FromContext(ctx)
	for _, def := range defs {
		if def.Version == 0 {
			if latest, err := reg.Get(def.FormID, 0); err == nil {
				probe := def
				probe.Version = latest.Version()
				if h, err := ir.SchemaHash(probe); err == nil && h == latest.Hash() {
					logger.Debug("schema unchanged", "form_id", def.FormID, "version", latest.Version())
					continue
				}
			}
		}
		s, err := reg.Publish(ctx, def)
		if err != nil {
			return fmt.Errorf("publish %s: %w", def.FormID, err)
		}
		logger.Info("schema published", "form_id", s.FormID(), "version", s.Version())
	}
	return nil
}

// newLogger builds the process logger from the configured format and level.
// Verbose forces debug.
func newLogger(w io.Writer, format, level string, verbose bool) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	if verbose {
		lvl = slog.LevelDebug
	}

	hopts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}
