package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/fieldrec/internal/ir"
)

// TraceSnapshot captures the complete trace for a scenario execution.
// All fields use canonical JSON serialization for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

// toCanonicalMap converts a TraceSnapshot to a map[string]any for canonical JSON serialization.
// ir.MarshalCanonical accepts Canon values, primitives, []any and map[string]any.
//
// Field error details are free text and left out; field and kind identify
// the error.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		m := map[string]any{
			"step":    ev.Step,
			"op":      ev.Op,
			"form_id": ev.FormID,
		}
		if ev.Version != 0 {
			m["version"] = ev.Version
		}
		if ev.Status != "" {
			m["status"] = ev.Status
		}
		if ev.Error != "" {
			m["error"] = ev.Error
		}
		if ev.Record != "" {
			m["record"] = ev.Record
		}
		if len(ev.Fields) > 0 {
			fields := make(ir.CanonObject, len(ev.Fields))
			for name, v := range ev.Fields {
				fields[name] = v.Canonical()
			}
			m["fields"] = fields
		}
		if len(ev.FieldErrors) > 0 {
			errs := make([]any, len(ev.FieldErrors))
			for j, fe := range ev.FieldErrors {
				errs[j] = map[string]any{"field": fe.Field, "kind": string(fe.Kind)}
			}
			m["field_errors"] = errs
		}
		if len(ev.Trail) > 0 {
			trail := make([]any, len(ev.Trail))
			for j, st := range ev.Trail {
				trail[j] = string(st)
			}
			m["trail"] = trail
		}
		if len(ev.Outcomes) > 0 {
			outcomes := make(map[string]any, len(ev.Outcomes))
			for name, n := range ev.Outcomes {
				outcomes[name] = n
			}
			m["outcomes"] = outcomes
		}
		traceList[i] = m
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
	}
}

// Snapshot renders a result's trace as canonical JSON.
func Snapshot(scenarioName string, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{ScenarioName: scenarioName, Trace: result.Trace}
	return ir.MarshalCanonical(snapshot.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if trace doesn't match golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares the given result's trace against a golden file.
// This is useful when you've already run a scenario and want to compare
// the result against a golden file without re-running.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := Snapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
