package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/fieldrec/internal/ir"
	"github.com/roach88/fieldrec/internal/memstore"
	"github.com/roach88/fieldrec/internal/schema"
	"github.com/roach88/fieldrec/internal/testutil"
)

func offeringRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	r := schema.NewRegistry()
	_, err := r.Publish(context.Background(), ir.Schema{
		FormID: "offering",
		Fields: []ir.FieldDef{
			{Name: "amount", Kind: ir.KindNumber, Required: true, Constraint: ir.Constraint{Min: "0", Max: "10000"}},
			{Name: "note", Kind: ir.KindText},
		},
	})
	require.NoError(t, err)
	return r
}

func newTestCoordinator(t *testing.T, store RecordStore, opts ...Option) (*Coordinator, *schema.Registry) {
	t.Helper()
	reg := offeringRegistry(t)
	opts = append([]Option{
		WithClock(testutil.NewDeterministicClock(time.Time{}, time.Second)),
		WithIDGenerator(testutil.NewSequenceGenerator("gen")),
	}, opts...)
	return NewCoordinator(reg, store, opts...), reg
}

func offering(nonce, amount string) ir.Submission {
	return ir.Submission{
		FormID:      "offering",
		Nonce:       nonce,
		SubmitterID: "usher-1",
		Fields:      map[string]any{"amount": json.Number(amount), "note": "sunday"},
	}
}

func TestSubmit_CommitsNewRecord(t *testing.T) {
	store := memstore.New(0)
	c, _ := newTestCoordinator(t, store)

	out, err := c.Submit(context.Background(), offering("n-1", "12.50"))
	require.NoError(t, err)

	assert.Equal(t, StatusCommitted, out.Status)
	assert.Equal(t, ir.RecordID("offering", "n-1"), out.Record.ID)
	assert.Equal(t, 1, out.Record.SchemaVersion)
	assert.Equal(t, testutil.DefaultEpoch, out.Record.SubmittedAt)
	assert.Equal(t, []State{StateReceived, StateValidating, StateDeduplicating, StateCommitting, StateCommitted}, out.Trail)
	assert.Equal(t, 1, store.Len())
}

func TestSubmit_IdenticalResubmissionIsDuplicate(t *testing.T) {
	store := memstore.New(0)
	c, _ := newTestCoordinator(t, store)
	ctx := context.Background()

	first, err := c.Submit(ctx, offering("n-1", "12.50"))
	require.NoError(t, err)

	// Same payload in a different numeric spelling, different submitter.
	again := offering("n-1", "12.5")
	again.SubmitterID = "usher-2"
	second, err := c.Submit(ctx, again)
	require.NoError(t, err)

	assert.Equal(t, StatusDuplicate, second.Status)
	assert.Equal(t, first.Record.ID, second.Record.ID)
	assert.Equal(t, first.Record.SubmittedAt, second.Record.SubmittedAt, "stored record returned unchanged")
	assert.Equal(t, "usher-1", second.Record.SubmitterID)
	assert.Equal(t, []State{StateReceived, StateValidating, StateDeduplicating, StateDuplicate}, second.Trail)
	assert.Equal(t, 1, store.Len())
}

func TestSubmit_NonceReuseWithDifferentPayloadConflicts(t *testing.T) {
	store := memstore.New(0)
	c, _ := newTestCoordinator(t, store)
	ctx := context.Background()

	first, err := c.Submit(ctx, offering("n-1", "10"))
	require.NoError(t, err)

	_, err = c.Submit(ctx, offering("n-1", "99"))
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.Equal(t, CodeConflict, CodeOf(err))

	var ce *ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, first.Record.ID, ce.RecordID)
	assert.Equal(t, "n-1", ce.Nonce)

	got, err := store.Get(ctx, first.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, "10", got.Fields["amount"].String(), "stored record unchanged")
}

func TestSubmit_ReportsEveryValidationError(t *testing.T) {
	store := memstore.New(0)
	c, _ := newTestCoordinator(t, store)

	_, err := c.Submit(context.Background(), ir.Submission{
		FormID: "offering",
		Nonce:  "n-1",
		Fields: map[string]any{"note": 42, "extra": "x", "another": true},
	})
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))

	got := make(map[string]ir.FieldErrorKind)
	for _, fe := range ve.Errors {
		got[fe.Field] = fe.Kind
	}
	assert.Equal(t, map[string]ir.FieldErrorKind{
		"amount":  ir.ErrKindMissing,
		"note":    ir.ErrKindWrongType,
		"extra":   ir.ErrKindUnknownField,
		"another": ir.ErrKindUnknownField,
	}, got)
	assert.Zero(t, store.Len(), "rejected submissions are never stored")
}

func TestSubmit_UnknownFormOrVersion(t *testing.T) {
	c, _ := newTestCoordinator(t, memstore.New(0))
	ctx := context.Background()

	_, err := c.Submit(ctx, ir.Submission{FormID: "nope", Fields: map[string]any{}})
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.True(t, errors.Is(err, schema.ErrSchemaNotFound))

	sub := offering("n-1", "1")
	sub.SchemaVersion = 7
	_, err = c.Submit(ctx, sub)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "version 7")
}

func TestSubmit_WithoutNonceGeneratesFreshIDs(t *testing.T) {
	store := memstore.New(0)
	c, _ := newTestCoordinator(t, store)
	ctx := context.Background()

	a, err := c.Submit(ctx, offering("", "5"))
	require.NoError(t, err)
	b, err := c.Submit(ctx, offering("", "5"))
	require.NoError(t, err)

	assert.Equal(t, "gen-0001", a.Record.ID)
	assert.Equal(t, "gen-0002", b.Record.ID)
	assert.Equal(t, StatusCommitted, b.Status)
	assert.Equal(t, 2, store.Len())
}

func TestSubmit_DefaultGeneratorProducesUUIDv7(t *testing.T) {
	c := NewCoordinator(offeringRegistry(t), memstore.New(0))

	out, err := c.Submit(context.Background(), offering("", "5"))
	require.NoError(t, err)
	assert.Len(t, out.Record.ID, 36)
	assert.Equal(t, byte('7'), out.Record.ID[14], "version nibble")
}

func TestSubmit_FixedGeneratorIDs(t *testing.T) {
	gen := NewFixedGenerator("rec-a", "rec-b")
	c, _ := newTestCoordinator(t, memstore.New(0), WithIDGenerator(gen))
	ctx := context.Background()

	a, err := c.Submit(ctx, offering("", "5"))
	require.NoError(t, err)
	assert.Equal(t, "rec-a", a.Record.ID)

	// A nonce-derived id does not consume the generator.
	_, err = c.Submit(ctx, offering("n-1", "5"))
	require.NoError(t, err)

	b, err := c.Submit(ctx, offering("", "6"))
	require.NoError(t, err)
	assert.Equal(t, "rec-b", b.Record.ID)

	assert.Panics(t, func() { gen.Generate() })
}

func TestSubmit_ConcurrentIdenticalSubmissions(t *testing.T) {
	store := memstore.New(16)
	c, _ := newTestCoordinator(t, store)

	var committed, duplicate atomic.Int32
	var g errgroup.Group
	for i := 0; i < 100; i++ {
		g.Go(func() error {
			out, err := c.Submit(context.Background(), offering("n-race", "7.25"))
			if err != nil {
				return err
			}
			switch out.Status {
			case StatusCommitted:
				committed.Add(1)
			case StatusDuplicate:
				duplicate.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), committed.Load())
	assert.Equal(t, int32(99), duplicate.Load())
	assert.Equal(t, 1, store.Len())
}

func TestSubmit_ConcurrentConflictingSubmissions(t *testing.T) {
	store := memstore.New(16)
	c, _ := newTestCoordinator(t, store)

	var mu sync.Mutex
	statuses := make(map[string][]string) // amount -> results

	var g errgroup.Group
	for i := 0; i < 100; i++ {
		amount := "1"
		if i%2 == 1 {
			amount = "2"
		}
		g.Go(func() error {
			out, err := c.Submit(context.Background(), offering("n-race", amount))
			result := ""
			switch {
			case err == nil:
				result = string(out.Status)
			case IsConflict(err):
				result = "conflict"
			default:
				return err
			}
			mu.Lock()
			statuses[amount] = append(statuses[amount], result)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	stored, err := store.Get(context.Background(), ir.RecordID("offering", "n-race"))
	require.NoError(t, err)
	winner := stored.Fields["amount"].String()
	loser := "1"
	if winner == "1" {
		loser = "2"
	}

	commits := 0
	for _, s := range statuses[winner] {
		if s == string(StatusCommitted) {
			commits++
		} else {
			assert.Equal(t, string(StatusDuplicate), s)
		}
	}
	assert.Equal(t, 1, commits)
	for _, s := range statuses[loser] {
		assert.Equal(t, "conflict", s)
	}
	assert.Equal(t, 1, store.Len())
}

// blockingStore never answers until the caller gives up.
type blockingStore struct{}

func (blockingStore) PutIfAbsent(ctx context.Context, _ ir.Record) (ir.PutResult, error) {
	<-ctx.Done()
	return ir.PutResult{}, ctx.Err()
}

func (blockingStore) Get(ctx context.Context, _ string) (ir.Record, error) {
	<-ctx.Done()
	return ir.Record{}, ctx.Err()
}

func TestSubmit_StoreTimeoutIsRetryable(t *testing.T) {
	c, _ := newTestCoordinator(t, blockingStore{}, WithStoreTimeout(20*time.Millisecond))

	_, err := c.Submit(context.Background(), offering("n-1", "1"))
	require.Error(t, err)
	assert.True(t, IsStoreUnavailable(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	var su *StoreUnavailableError
	require.True(t, errors.As(err, &su))
	assert.True(t, su.Retryable())
	assert.Equal(t, "get", su.Op)
}

// failingPutStore accepts lookups but refuses every write.
type failingPutStore struct {
	*memstore.Store
}

func (failingPutStore) PutIfAbsent(context.Context, ir.Record) (ir.PutResult, error) {
	return ir.PutResult{}, fmt.Errorf("disk full")
}

func TestSubmit_WriteFailureLeavesNoRecord(t *testing.T) {
	inner := memstore.New(0)
	c, _ := newTestCoordinator(t, failingPutStore{inner})

	_, err := c.Submit(context.Background(), offering("n-1", "1"))
	require.Error(t, err)

	var su *StoreUnavailableError
	require.True(t, errors.As(err, &su))
	assert.Equal(t, "put", su.Op)
	assert.Contains(t, err.Error(), "disk full")
	assert.Zero(t, inner.Len())
}

// racingStore simulates a concurrent writer that commits between the
// coordinator's lookup and its conditional insert, and reports the lost race
// without returning the winner.
type racingStore struct {
	winner ir.Record
	gets   atomic.Int32
}

func (s *racingStore) Get(_ context.Context, _ string) (ir.Record, error) {
	if s.gets.Add(1) == 1 {
		return ir.Record{}, ir.ErrRecordNotFound
	}
	return s.winner, nil
}

func (s *racingStore) PutIfAbsent(context.Context, ir.Record) (ir.PutResult, error) {
	return ir.PutResult{Inserted: false}, nil
}

func TestSubmit_LostRaceRereadsWinner(t *testing.T) {
	fields := map[string]ir.Value{"amount": mustNumber(t, "3"), "note": ir.Text("sunday")}
	winner := ir.Record{
		ID:          ir.RecordID("offering", "n-1"),
		FormID:      "offering",
		Fields:      fields,
		PayloadHash: ir.MustPayloadHash(fields),
		Nonce:       "n-1",
		SubmitterID: "usher-9",
	}

	rs := &racingStore{winner: winner}
	c, _ := newTestCoordinator(t, rs)

	out, err := c.Submit(context.Background(), offering("n-1", "3"))
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, out.Status)
	assert.Equal(t, "usher-9", out.Record.SubmitterID)
	assert.Equal(t, []State{
		StateReceived, StateValidating, StateDeduplicating,
		StateCommitting, StateDeduplicating, StateDuplicate,
	}, out.Trail)
	assert.Equal(t, int32(2), rs.gets.Load())

	rs.gets.Store(0)
	_, err = c.Submit(context.Background(), offering("n-1", "4"))
	assert.True(t, IsConflict(err))
}

func mustNumber(t *testing.T, s string) ir.Value {
	t.Helper()
	v, err := ir.ParseNumber(s)
	require.NoError(t, err)
	return v
}

func TestSubmit_PinsSchemaVersion(t *testing.T) {
	store := memstore.New(0)
	c, reg := newTestCoordinator(t, store)
	ctx := context.Background()

	_, err := reg.Publish(ctx, ir.Schema{
		FormID: "offering",
		Fields: []ir.FieldDef{
			{Name: "amount", Kind: ir.KindNumber, Required: true},
			{Name: "note", Kind: ir.KindText},
			{Name: "fund", Kind: ir.KindEnum, Required: true, Constraint: ir.Constraint{Allowed: []string{"general", "missions"}}},
		},
	})
	require.NoError(t, err)

	// Latest is version 2, which requires fund.
	_, err = c.Submit(ctx, offering("n-1", "1"))
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	// Pinned to version 1, the same payload is accepted.
	pinned := offering("n-1", "1")
	pinned.SchemaVersion = 1
	out, err := c.Submit(ctx, pinned)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Record.SchemaVersion)
}

func TestLookupAndList(t *testing.T) {
	store := memstore.New(0)
	c, _ := newTestCoordinator(t, store)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		out, err := c.Submit(ctx, offering(fmt.Sprintf("n-%d", i), "1"))
		require.NoError(t, err)
		ids = append(ids, out.Record.ID)
	}

	rec, err := c.Lookup(ctx, "offering", ids[1])
	require.NoError(t, err)
	assert.Equal(t, "n-1", rec.Nonce)

	_, err = c.Lookup(ctx, "offering", "missing")
	assert.True(t, IsNotFound(err))

	_, err = c.Lookup(ctx, "attendance", ids[1])
	assert.True(t, IsNotFound(err), "record of another form is not visible")

	recs, err := c.List(ctx, "offering", 2, 1)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, ids[1], recs[0].ID)
	assert.Equal(t, ids[2], recs[1].ID)

	_, err = c.List(ctx, "attendance", 0, 0)
	assert.True(t, IsNotFound(err))
}

func TestListUnsupported(t *testing.T) {
	c, _ := newTestCoordinator(t, blockingStore{})

	_, err := c.List(context.Background(), "offering", 0, 0)
	assert.ErrorIs(t, err, ErrListUnsupported)
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateRejected, StateDuplicate, StateCommitted, StateFailed} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []State{StateReceived, StateValidating, StateDeduplicating, StateCommitting} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestMachineRejectsIllegalTransition(t *testing.T) {
	m := newMachine()
	assert.Panics(t, func() { m.to(StateCommitted) })
}
