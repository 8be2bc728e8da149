package harness

import (
	"github.com/roach88/fieldrec/internal/ingest"
	"github.com/roach88/fieldrec/internal/ir"
)

// TraceEvent records what one step did.
// Record ids are replaced by scenario-local aliases (r1, r2, ...) so traces
// are stable across runs.
type TraceEvent struct {
	Step        int                 `json:"step"`
	Op          string              `json:"op"` // "submit" or "publish"
	FormID      string              `json:"form_id"`
	Version     int                 `json:"version,omitempty"`
	Status      string              `json:"status,omitempty"`
	Error       string              `json:"error,omitempty"`
	Record      string              `json:"record,omitempty"`
	Fields      map[string]ir.Value `json:"fields,omitempty"`
	FieldErrors []ir.FieldError     `json:"field_errors,omitempty"`
	Trail       []ingest.State      `json:"trail,omitempty"`
	Outcomes    map[string]int      `json:"outcomes,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if all expect clauses and assertions match.
	Pass bool `json:"pass"`

	// Trace contains one event per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains expectation and assertion failures.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step event to the trace.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
