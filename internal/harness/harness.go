package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/fieldrec/internal/ctxlog"
	"github.com/roach88/fieldrec/internal/ingest"
	"github.com/roach88/fieldrec/internal/memstore"
	"github.com/roach88/fieldrec/internal/schema"
	"github.com/roach88/fieldrec/internal/testutil"
)

// Harness is the scenario execution engine.
// It runs scenarios with a deterministic clock and id generator.
type Harness struct {
	registry *schema.Registry
	store    *memstore.Store
	coord    *ingest.Coordinator

	aliases     map[string]string // record id -> r1, r2, ...
	stepRecords map[int]string    // step number -> record id
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh registry and in-memory store for
// isolation. Deterministic helpers ensure reproducible results.
//
// Execution flow:
// 1. Publish the scenario's schemas
// 2. Execute steps in order, checking expect clauses
// 3. Evaluate assertions against the final store
// 4. Return result with pass/fail, trace, and errors
//
// An error is returned only when the scenario cannot be executed at all,
// such as a schema that fails to publish.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	// Suppress coordinator logs unless the caller installed a logger.
	if ctxlog.FromContext(ctx) == slog.Default() {
		ctx = ctxlog.WithLogger(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}

	reg := schema.NewRegistry()
	st := memstore.New(0)
	h := &Harness{
		registry: reg,
		store:    st,
		coord: ingest.NewCoordinator(reg, st,
			ingest.WithClock(testutil.NewDeterministicClock(time.Time{}, time.Second)),
			ingest.WithIDGenerator(testutil.NewSequenceGenerator("gen")),
		),
		aliases:     map[string]string{},
		stepRecords: map[int]string{},
	}

	for i, def := range scenario.Schemas {
		if _, err := reg.Publish(ctx, def); err != nil {
			return nil, fmt.Errorf("schemas[%d]: %w", i+1, err)
		}
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		n := i + 1
		var (
			ev  TraceEvent
			err error
		)
		switch {
		case step.Publish != nil:
			ev = h.publish(ctx, n, step)
		case step.Concurrent > 0:
			ev, err = h.submitConcurrent(ctx, n, step)
		default:
			ev, err = h.submit(ctx, n, step)
		}
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", n, err)
		}
		result.AddTrace(ev)
		h.check(n, step.Expect, ev, result)
	}

	for _, msg := range EvaluateAssertions(ctx, st, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) publish(ctx context.Context, n int, step Step) TraceEvent {
	ev := TraceEvent{Step: n, Op: "publish", FormID: step.Publish.FormID}
	sch, err := h.registry.Publish(ctx, *step.Publish)
	switch {
	case err == nil:
		ev.Version = sch.Version()
		ev.Status = "published"
	case schema.IsInvalidSchema(err):
		ev.Error = ErrorInvalidSchema
	case errors.Is(err, schema.ErrVersionConflict):
		ev.Error = ErrorVersionConflict
	default:
		ev.Error = err.Error()
	}
	return ev
}

func (h *Harness) submit(ctx context.Context, n int, step Step) (TraceEvent, error) {
	sub := *step.Submit
	ev := TraceEvent{Step: n, Op: "submit", FormID: sub.FormID}

	out, err := h.coord.Submit(ctx, sub)
	if err == nil {
		ev.Status = string(out.Status)
		ev.Version = out.Record.SchemaVersion
		ev.Record = h.alias(out.Record.ID)
		ev.Fields = out.Record.Fields
		ev.Trail = out.Trail
		h.stepRecords[n] = out.Record.ID
		return ev, nil
	}

	name := errorName(err)
	if name == "" {
		return ev, err
	}
	ev.Error = name

	var ve *ingest.ValidationError
	var ce *ingest.ConflictError
	switch {
	case errors.As(err, &ve):
		ev.FieldErrors = ve.Errors
	case errors.As(err, &ce):
		ev.Record = h.alias(ce.RecordID)
		h.stepRecords[n] = ce.RecordID
	}
	return ev, nil
}

// submitConcurrent races step.Concurrent identical submissions.
func (h *Harness) submitConcurrent(ctx context.Context, n int, step Step) (TraceEvent, error) {
	sub := *step.Submit
	ev := TraceEvent{Step: n, Op: "submit", FormID: sub.FormID, Outcomes: map[string]int{}}

	var (
		mu  sync.Mutex
		ids = map[string]bool{}
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < step.Concurrent; i++ {
		g.Go(func() error {
			out, err := h.coord.Submit(gctx, sub)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ev.Outcomes[string(out.Status)]++
				ids[out.Record.ID] = true
				return nil
			}
			name := errorName(err)
			if name == "" {
				return err
			}
			ev.Outcomes[name]++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ev, err
	}

	if len(ids) == 1 {
		for id := range ids {
			ev.Record = h.alias(id)
			h.stepRecords[n] = id
		}
	}
	return ev, nil
}

// check compares a step event with its expect clause.
func (h *Harness) check(n int, e *Expect, ev TraceEvent, result *Result) {
	if e == nil {
		return
	}
	got := ev.Status
	if ev.Error != "" {
		got = "error " + ev.Error
	}

	if e.Status != "" && ev.Status != e.Status {
		result.AddError(fmt.Sprintf("step %d: expected status %s, got %s", n, e.Status, got))
	}
	if e.Error != "" && ev.Error != e.Error {
		result.AddError(fmt.Sprintf("step %d: expected error %s, got %s", n, e.Error, got))
	}
	if e.Version != 0 && ev.Version != e.Version {
		result.AddError(fmt.Sprintf("step %d: expected version %d, got %d", n, e.Version, ev.Version))
	}

	if len(e.FieldErrors) > 0 {
		want := make([]string, len(e.FieldErrors))
		for i, fe := range e.FieldErrors {
			want[i] = fe.Field + "/" + string(fe.Kind)
		}
		have := make([]string, len(ev.FieldErrors))
		for i, fe := range ev.FieldErrors {
			have[i] = fe.Field + "/" + string(fe.Kind)
		}
		sort.Strings(want)
		sort.Strings(have)
		if strings.Join(want, ",") != strings.Join(have, ",") {
			result.AddError(fmt.Sprintf("step %d: expected field errors [%s], got [%s]",
				n, strings.Join(want, ", "), strings.Join(have, ", ")))
		}
	}

	if e.SameAs > 0 {
		want, ok := h.stepRecords[e.SameAs]
		have := h.stepRecords[n]
		if !ok || want != have {
			result.AddError(fmt.Sprintf("step %d: expected the record of step %d (%s), got %s",
				n, e.SameAs, h.aliases[want], ev.Record))
		}
	}

	for name, count := range e.Outcomes {
		if ev.Outcomes[name] != count {
			result.AddError(fmt.Sprintf("step %d: expected %d %s outcomes, got %d",
				n, count, name, ev.Outcomes[name]))
		}
	}
}

// alias returns the scenario-local name of a record id.
func (h *Harness) alias(id string) string {
	if a, ok := h.aliases[id]; ok {
		return a
	}
	a := fmt.Sprintf("r%d", len(h.aliases)+1)
	h.aliases[id] = a
	return a
}

// errorName maps a typed ingestion error to its scenario name, or "" for
// an untyped error.
func errorName(err error) string {
	switch ingest.CodeOf(err) {
	case ingest.CodeValidation:
		return ErrorValidation
	case ingest.CodeConflict:
		return ErrorConflict
	case ingest.CodeNotFound:
		return ErrorNotFound
	case ingest.CodeStoreUnavailable:
		return ErrorStoreUnavailable
	default:
		return ""
	}
}
