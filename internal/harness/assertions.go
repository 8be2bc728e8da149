package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/fieldrec/internal/ir"
	"github.com/roach88/fieldrec/internal/memstore"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// EvaluateAssertions runs every assertion against the final store and
// returns one message per failure.
func EvaluateAssertions(ctx context.Context, st *memstore.Store, assertions []Assertion) []string {
	var errs []string
	for _, a := range assertions {
		var err error
		switch a.Type {
		case AssertRecordCount:
			err = assertRecordCount(ctx, st, a)
		case AssertRecordFields:
			err = assertRecordFields(ctx, st, a)
		default:
			err = fmt.Errorf("unknown assertion type: %s", a.Type)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

func assertRecordCount(ctx context.Context, st *memstore.Store, a Assertion) error {
	recs, err := st.List(ctx, a.FormID, 0, 0)
	if err != nil {
		return err
	}
	if len(recs) != a.Count {
		return &AssertionError{
			Type:     AssertRecordCount,
			Expected: fmt.Sprintf("%d records of %s", a.Count, a.FormID),
			Actual:   fmt.Sprintf("%d records", len(recs)),
		}
	}
	return nil
}

func assertRecordFields(ctx context.Context, st *memstore.Store, a Assertion) error {
	rec, err := st.Get(ctx, ir.RecordID(a.FormID, a.Nonce))
	if err != nil {
		return &AssertionError{
			Type:     AssertRecordFields,
			Expected: fmt.Sprintf("record %s/%s", a.FormID, a.Nonce),
			Actual:   err.Error(),
		}
	}

	names := make([]string, 0, len(a.Fields))
	for name := range a.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var mismatches []string
	for _, name := range names {
		want := a.Fields[name]
		v, ok := rec.Fields[name]
		switch {
		case !ok:
			mismatches = append(mismatches, fmt.Sprintf("%s: absent, want %q", name, want))
		case v.String() != want:
			mismatches = append(mismatches, fmt.Sprintf("%s: %q, want %q", name, v.String(), want))
		}
	}
	if len(mismatches) > 0 {
		return &AssertionError{
			Type:     AssertRecordFields,
			Expected: fmt.Sprintf("record %s/%s fields %v", a.FormID, a.Nonce, a.Fields),
			Actual:   strings.Join(mismatches, "; "),
		}
	}
	return nil
}
