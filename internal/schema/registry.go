package schema

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/roach88/fieldrec/internal/compiler"
	"github.com/roach88/fieldrec/internal/ir"
)

// Persister stores published definitions so they survive a restart.
// The SQLite record store implements it.
type Persister interface {
	SaveSchema(ctx context.Context, def ir.Schema, hash string) error
	LoadSchemas(ctx context.Context) ([]ir.Schema, error)
}

// snapshot is an immutable view of every published version.
// A new snapshot is built for each publish; old ones are never touched.
type snapshot struct {
	forms map[string]*formVersions
}

type formVersions struct {
	versions map[int]*Schema
	latest   *Schema
}

// Registry holds published schemas.
//
// Readers load the current snapshot with a single atomic read and never
// block. Publishers are serialized by mu and swap in a fresh snapshot.
type Registry struct {
	current atomic.Pointer[snapshot]
	mu      sync.Mutex
	persist Persister
}

// Option configures a Registry.
type Option func(*Registry)

// WithPersister makes Publish write each new version through p before it
// becomes visible.
func WithPersister(p Persister) Option {
	return func(r *Registry) { r.persist = p }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{}
	for _, opt := range opts {
		opt(r)
	}
	r.current.Store(&snapshot{forms: map[string]*formVersions{}})
	return r
}

// Get returns the schema for formID at version, or the latest version when
// version is 0.
func (r *Registry) Get(formID string, version int) (*Schema, error) {
	fv, ok := r.current.Load().forms[formID]
	if !ok {
		return nil, fmt.Errorf("%w: form %q", ErrSchemaNotFound, formID)
	}
	if version == 0 {
		return fv.latest, nil
	}
	s, ok := fv.versions[version]
	if !ok {
		return nil, fmt.Errorf("%w: form %q version %d", ErrSchemaNotFound, formID, version)
	}
	return s, nil
}

// Forms returns the latest version of every form, ordered by form id.
func (r *Registry) Forms() []*Schema {
	snap := r.current.Load()
	out := make([]*Schema, 0, len(snap.forms))
	for _, fv := range snap.forms {
		out = append(out, fv.latest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FormID() < out[j].FormID() })
	return out
}

// Versions returns the published versions of formID in ascending order.
func (r *Registry) Versions(formID string) []int {
	fv, ok := r.current.Load().forms[formID]
	if !ok {
		return nil
	}
	out := make([]int, 0, len(fv.versions))
	for v := range fv.versions {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// Publish checks def and makes it the latest version of its form.
//
// Version 0 means "next": one past the current latest. Publishing an
// existing version with identical content returns the existing schema.
// Any other version at or below the latest fails with ErrVersionConflict.
func (r *Registry) Publish(ctx context.Context, def ir.Schema) (*Schema, error) {
	if problems := compiler.Validate(def); len(problems) > 0 {
		return nil, &InvalidSchemaError{FormID: def.FormID, Problems: problems}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current.Load()
	fv := old.forms[def.FormID]

	latest := 0
	if fv != nil {
		latest = fv.latest.Version()
	}
	if def.Version == 0 {
		def.Version = latest + 1
	}

	s, err := build(def)
	if err != nil {
		return nil, err
	}

	if fv != nil {
		if existing, ok := fv.versions[def.Version]; ok {
			if existing.Hash() == s.Hash() {
				return existing, nil
			}
			return nil, fmt.Errorf("%w: form %q version %d already published with different content",
				ErrVersionConflict, def.FormID, def.Version)
		}
		if def.Version < latest {
			return nil, fmt.Errorf("%w: form %q version %d is below latest %d",
				ErrVersionConflict, def.FormID, def.Version, latest)
		}
	}

	if r.persist != nil {
		if err := r.persist.SaveSchema(ctx, s.def, s.hash); err != nil {
			return nil, fmt.Errorf("persist schema %s v%d: %w", def.FormID, def.Version, err)
		}
	}

	r.current.Store(old.with(s))
	return s, nil
}

// Restore loads previously persisted definitions. Versions already in the
// registry are skipped when identical.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.persist == nil {
		return 0, nil
	}
	defs, err := r.persist.LoadSchemas(ctx)
	if err != nil {
		return 0, fmt.Errorf("load schemas: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.current.Load()
	n := 0
	for _, def := range defs {
		s, err := build(def)
		if err != nil {
			return n, err
		}
		if fv := snap.forms[def.FormID]; fv != nil {
			if existing, ok := fv.versions[def.Version]; ok {
				if existing.Hash() != s.Hash() {
					return n, fmt.Errorf("%w: stored form %q version %d differs from loaded definition",
						ErrVersionConflict, def.FormID, def.Version)
				}
				continue
			}
		}
		snap = snap.with(s)
		n++
	}
	r.current.Store(snap)
	return n, nil
}

// with returns a copy of the snapshot that includes s. Only the map of the
// affected form is copied; other forms share their (immutable) entries.
func (snap *snapshot) with(s *Schema) *snapshot {
	forms := make(map[string]*formVersions, len(snap.forms)+1)
	for id, fv := range snap.forms {
		forms[id] = fv
	}

	next := &formVersions{versions: map[int]*Schema{}}
	if prev, ok := snap.forms[s.FormID()]; ok {
		for v, existing := range prev.versions {
			next.versions[v] = existing
		}
		next.latest = prev.latest
	}
	next.versions[s.Version()] = s
	if next.latest == nil || s.Version() > next.latest.Version() {
		next.latest = s
	}

	forms[s.FormID()] = next
	return &snapshot{forms: forms}
}
