package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/fieldrec/internal/ctxlog"
	"github.com/roach88/fieldrec/internal/ir"
	"github.com/roach88/fieldrec/internal/schema"
	"github.com/roach88/fieldrec/internal/validate"
)

// RecordStore is the persistence contract the coordinator depends on.
//
// PutIfAbsent must be atomic per record id: among concurrent callers with
// the same id exactly one observes Inserted, and every other caller gets
// the winner's record in Existing.
type RecordStore interface {
	PutIfAbsent(ctx context.Context, rec ir.Record) (ir.PutResult, error)
	Get(ctx context.Context, id string) (ir.Record, error)
}

// RecordLister is implemented by stores that can enumerate a form.
type RecordLister interface {
	List(ctx context.Context, formID string, limit, offset int) ([]ir.Record, error)
}

// SchemaSource resolves published schemas. *schema.Registry implements it.
type SchemaSource interface {
	Get(formID string, version int) (*schema.Schema, error)
}

// ErrListUnsupported is returned by List when the store cannot enumerate.
var ErrListUnsupported = errors.New("record store does not support listing")

// DefaultStoreTimeout bounds each individual store call.
const DefaultStoreTimeout = 5 * time.Second

// Coordinator runs submissions through validation, deduplication and the
// conditional commit.
//
// A Coordinator holds no lock of its own: concurrent submissions only
// meet inside the store's PutIfAbsent. It is safe for concurrent use.
type Coordinator struct {
	schemas SchemaSource
	store   RecordStore
	ids     IDGenerator
	clock   Clock
	timeout time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithIDGenerator sets the generator for nonce-less submissions.
func WithIDGenerator(g IDGenerator) Option {
	return func(c *Coordinator) { c.ids = g }
}

// WithClock sets the submission timestamp source.
func WithClock(clk Clock) Option {
	return func(c *Coordinator) { c.clock = clk }
}

// WithStoreTimeout bounds each store call; d <= 0 disables the bound.
func WithStoreTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// NewCoordinator creates a coordinator over a schema source and a store.
func NewCoordinator(schemas SchemaSource, store RecordStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		schemas: schemas,
		store:   store,
		ids:     UUIDv7Generator{},
		clock:   SystemClock{},
		timeout: DefaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit ingests one raw submission.
//
// On success the outcome's Status is StatusCommitted for a new record or
// StatusDuplicate when an identical payload was already stored under the
// same identifier; in both cases Record is the stored record. Failures are
// returned as *NotFoundError, *ValidationError, *ConflictError or
// *StoreUnavailableError.
func (c *Coordinator) Submit(ctx context.Context, sub ir.Submission) (*Outcome, error) {
	m := newMachine()
	logger := ctxlog.FromContext(ctx).With("form_id", sub.FormID)

	s, err := c.schemas.Get(sub.FormID, sub.SchemaVersion)
	if err != nil {
		m.to(StateFailed)
		if errors.Is(err, schema.ErrSchemaNotFound) {
			return nil, &NotFoundError{Resource: "form", FormID: sub.FormID, Version: sub.SchemaVersion, Err: err}
		}
		return nil, fmt.Errorf("resolve schema %s: %w", sub.FormID, err)
	}

	// The schema is pinned from here on; a concurrent publish does not
	// affect this submission.
	m.to(StateValidating)
	rec, fieldErrs := validate.Validate(s, sub, c.clock.Now())
	if len(fieldErrs) > 0 {
		m.to(StateRejected)
		logger.Debug("submission rejected", "errors", len(fieldErrs), "trail", m.trail)
		return nil, &ValidationError{FormID: sub.FormID, Errors: fieldErrs}
	}

	m.to(StateDeduplicating)
	if sub.Nonce != "" {
		rec.ID = ir.RecordID(sub.FormID, sub.Nonce)

		existing, err := c.get(ctx, rec.ID)
		switch {
		case err == nil:
			return c.resolve(ctx, m, rec, existing)
		case errors.Is(err, ir.ErrRecordNotFound):
			// fall through to commit
		default:
			m.to(StateFailed)
			logger.Warn("record store lookup failed", "record_id", rec.ID, "error", err)
			return nil, &StoreUnavailableError{Op: "get", RecordID: rec.ID, Err: err}
		}
	} else {
		// A fresh identifier cannot collide; there is nothing to look up.
		rec.ID = c.ids.Generate()
	}

	m.to(StateCommitting)
	res, err := c.put(ctx, rec)
	if err != nil {
		m.to(StateFailed)
		logger.Warn("record store write failed", "record_id", rec.ID, "error", err)
		return nil, &StoreUnavailableError{Op: "put", RecordID: rec.ID, Err: err}
	}

	if res.Inserted {
		m.to(StateCommitted)
		logger.Debug("submission committed", "record_id", rec.ID, "status", StatusCommitted)
		return &Outcome{Record: rec, Status: StatusCommitted, Trail: m.trail}, nil
	}

	// Lost the race to a concurrent writer: evaluate the winner exactly as
	// in Deduplicating. Stores return the winner; re-read once if not.
	m.to(StateDeduplicating)
	if res.Existing != nil {
		return c.resolve(ctx, m, rec, *res.Existing)
	}
	existing, err := c.get(ctx, rec.ID)
	if err != nil {
		m.to(StateFailed)
		logger.Warn("record store re-read failed", "record_id", rec.ID, "error", err)
		return nil, &StoreUnavailableError{Op: "get", RecordID: rec.ID, Err: err}
	}
	return c.resolve(ctx, m, rec, existing)
}

// resolve compares a candidate with the record already stored under its id.
func (c *Coordinator) resolve(ctx context.Context, m *machine, candidate, existing ir.Record) (*Outcome, error) {
	logger := ctxlog.FromContext(ctx)

	if existing.PayloadHash == candidate.PayloadHash {
		m.to(StateDuplicate)
		logger.Debug("submission duplicate", "form_id", candidate.FormID, "record_id", existing.ID, "status", StatusDuplicate)
		return &Outcome{Record: existing, Status: StatusDuplicate, Trail: m.trail}, nil
	}

	m.to(StateFailed)
	logger.Debug("submission conflict", "form_id", candidate.FormID, "record_id", existing.ID)
	return nil, &ConflictError{FormID: candidate.FormID, RecordID: existing.ID, Nonce: candidate.Nonce}
}

// Lookup returns a stored record of formID.
func (c *Coordinator) Lookup(ctx context.Context, formID, id string) (ir.Record, error) {
	rec, err := c.get(ctx, id)
	if errors.Is(err, ir.ErrRecordNotFound) {
		return ir.Record{}, &NotFoundError{Resource: "record", FormID: formID, ID: id, Err: err}
	}
	if err != nil {
		return ir.Record{}, &StoreUnavailableError{Op: "get", RecordID: id, Err: err}
	}
	if rec.FormID != formID {
		return ir.Record{}, &NotFoundError{Resource: "record", FormID: formID, ID: id}
	}
	return rec, nil
}

// List returns records of a known form in insertion order.
func (c *Coordinator) List(ctx context.Context, formID string, limit, offset int) ([]ir.Record, error) {
	if _, err := c.schemas.Get(formID, 0); err != nil {
		if errors.Is(err, schema.ErrSchemaNotFound) {
			return nil, &NotFoundError{Resource: "form", FormID: formID, Err: err}
		}
		return nil, err
	}

	lister, ok := c.store.(RecordLister)
	if !ok {
		return nil, ErrListUnsupported
	}

	callCtx, cancel := c.bound(ctx)
	defer cancel()
	records, err := lister.List(callCtx, formID, limit, offset)
	if err != nil {
		return nil, &StoreUnavailableError{Op: "list", Err: err}
	}
	return records, nil
}

func (c *Coordinator) get(ctx context.Context, id string) (ir.Record, error) {
	callCtx, cancel := c.bound(ctx)
	defer cancel()
	return c.store.Get(callCtx, id)
}

func (c *Coordinator) put(ctx context.Context, rec ir.Record) (ir.PutResult, error) {
	callCtx, cancel := c.bound(ctx)
	defer cancel()
	return c.store.PutIfAbsent(callCtx, rec)
}

// bound applies the per-call store timeout.
func (c *Coordinator) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}
