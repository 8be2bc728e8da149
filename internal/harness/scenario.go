package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/fieldrec/internal/ir"
)

// Scenario defines a submission scenario.
// Scenarios publish schemas, run a sequence of submissions against a fresh
// in-memory store, and assert on each outcome and the final store contents.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Schemas are published, in order, before the first step.
	Schemas []ir.Schema `yaml:"schemas"`

	// Steps run sequentially.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final store contents.
	// Supported types: record_count, record_fields
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is either a submission or a schema publication.
type Step struct {
	Submit  *ir.Submission `yaml:"submit,omitempty"`
	Publish *ir.Schema     `yaml:"publish,omitempty"`

	// Concurrent repeats a submit step this many times in parallel.
	// The trace then records outcome counts instead of a single outcome.
	Concurrent int `yaml:"concurrent,omitempty"`

	// Expect specifies the expected outcome.
	// If nil, the step is only traced.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect specifies expected step behavior.
type Expect struct {
	// Status is "committed" or "duplicate" for submit steps, "published"
	// for publish steps.
	Status string `yaml:"status,omitempty"`

	// Error names the expected failure: "validation", "conflict",
	// "not_found" or "store_unavailable" for submit steps, "invalid_schema"
	// or "version_conflict" for publish steps.
	Error string `yaml:"error,omitempty"`

	// FieldErrors must match the reported field errors exactly, in any order.
	FieldErrors []FieldErrorExpect `yaml:"field_errors,omitempty"`

	// SameAs is the 1-based index of an earlier step whose record this
	// step must resolve to.
	SameAs int `yaml:"same_as,omitempty"`

	// Version is the expected schema version: the record's for submit
	// steps, the assigned one for publish steps.
	Version int `yaml:"version,omitempty"`

	// Outcomes counts results of a concurrent step by status or error name.
	Outcomes map[string]int `yaml:"outcomes,omitempty"`
}

// FieldErrorExpect names one expected field error.
type FieldErrorExpect struct {
	Field string            `yaml:"field"`
	Kind  ir.FieldErrorKind `yaml:"kind"`
}

// Assertion validates final store contents.
type Assertion struct {
	// Type specifies the assertion type:
	// - "record_count": number of stored records of FormID equals Count
	// - "record_fields": the record of FormID/Nonce has the given field values
	Type string `yaml:"type"`

	FormID string `yaml:"form_id"`

	// Count is the expected number of records (record_count).
	Count int `yaml:"count,omitempty"`

	// Nonce selects the record (record_fields).
	Nonce string `yaml:"nonce,omitempty"`

	// Fields maps field names to their expected canonical text (record_fields).
	// Subset match - only specified fields are validated.
	Fields map[string]string `yaml:"fields,omitempty"`
}

// Assertion type constants.
const (
	AssertRecordCount  = "record_count"
	AssertRecordFields = "record_fields"
)

// Error names used in Expect.Error and concurrent outcome counts.
const (
	ErrorValidation       = "validation"
	ErrorConflict         = "conflict"
	ErrorNotFound         = "not_found"
	ErrorStoreUnavailable = "store_unavailable"
	ErrorInvalidSchema    = "invalid_schema"
	ErrorVersionConflict  = "version_conflict"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Parse YAML with strict field validation (catches typos like "step:" vs "steps:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		n := i + 1
		switch {
		case step.Submit != nil && step.Publish != nil:
			return fmt.Errorf("steps[%d]: submit and publish are mutually exclusive", n)
		case step.Submit == nil && step.Publish == nil:
			return fmt.Errorf("steps[%d]: one of submit or publish is required", n)
		}
		if step.Concurrent < 0 {
			return fmt.Errorf("steps[%d]: concurrent must be non-negative", n)
		}
		if step.Publish != nil && step.Concurrent > 0 {
			return fmt.Errorf("steps[%d]: concurrent applies to submit steps only", n)
		}
		if step.Submit != nil && step.Submit.FormID == "" {
			return fmt.Errorf("steps[%d]: submit.form_id is required", n)
		}
		if err := validateExpect(n, step); err != nil {
			return err
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i+1, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateExpect(n int, step Step) error {
	e := step.Expect
	if e == nil {
		return nil
	}
	if e.Status != "" && e.Error != "" {
		return fmt.Errorf("steps[%d].expect: status and error are mutually exclusive", n)
	}
	switch e.Status {
	case "", "committed", "duplicate", "published":
	default:
		return fmt.Errorf("steps[%d].expect: unknown status %q", n, e.Status)
	}
	switch e.Error {
	case "", ErrorValidation, ErrorConflict, ErrorNotFound, ErrorStoreUnavailable,
		ErrorInvalidSchema, ErrorVersionConflict:
	default:
		return fmt.Errorf("steps[%d].expect: unknown error %q", n, e.Error)
	}
	if len(e.FieldErrors) > 0 && e.Error != ErrorValidation {
		return fmt.Errorf("steps[%d].expect: field_errors requires error: validation", n)
	}
	if e.SameAs >= n || e.SameAs < 0 {
		return fmt.Errorf("steps[%d].expect: same_as must name an earlier step", n)
	}
	if len(e.Outcomes) > 0 && step.Concurrent == 0 {
		return fmt.Errorf("steps[%d].expect: outcomes requires concurrent", n)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.FormID == "" {
		return fmt.Errorf("assertions[%d]: form_id is required", index)
	}

	switch a.Type {
	case AssertRecordCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for record_count", index)
		}
	case AssertRecordFields:
		if a.Nonce == "" {
			return fmt.Errorf("assertions[%d]: nonce is required for record_fields", index)
		}
		if len(a.Fields) == 0 {
			return fmt.Errorf("assertions[%d]: fields is required for record_fields", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
