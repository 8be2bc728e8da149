package harness

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldrec/internal/ir"
)

func TestScenarios_Golden(t *testing.T) {
	files, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, file := range files {
		t.Run(strings.TrimSuffix(filepath.Base(file), ".yaml"), func(t *testing.T) {
			scenario, err := LoadScenario(file)
			require.NoError(t, err)

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_IsDeterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/concurrent_and_conflict.yaml")
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	a, err := Snapshot(scenario.Name, first)
	require.NoError(t, err)
	b, err := Snapshot(scenario.Name, second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func offeringScenario(steps ...Step) *Scenario {
	return &Scenario{
		Name:        "inline",
		Description: "inline scenario",
		Schemas: []ir.Schema{{
			FormID: "offering",
			Fields: []ir.FieldDef{{Name: "amount", Kind: ir.KindNumber, Required: true}},
		}},
		Steps: steps,
	}
}

func submitStep(nonce string, amount any, expect *Expect) Step {
	return Step{
		Submit: &ir.Submission{FormID: "offering", Nonce: nonce, Fields: map[string]any{"amount": amount}},
		Expect: expect,
	}
}

func TestRun_ReportsExpectationMismatches(t *testing.T) {
	scenario := offeringScenario(
		submitStep("n-1", 1, &Expect{Status: "duplicate"}),
		submitStep("n-1", 2, &Expect{Status: "committed"}),
		submitStep("n-2", "x", &Expect{Error: ErrorValidation, FieldErrors: []FieldErrorExpect{{Field: "amount", Kind: ir.ErrKindMissing}}}),
		submitStep("n-3", 3, &Expect{Status: "committed", SameAs: 1}),
	)
	scenario.Assertions = []Assertion{{Type: AssertRecordCount, FormID: "offering", Count: 5}}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 5)
	assert.Contains(t, result.Errors[0], "step 1: expected status duplicate, got committed")
	assert.Contains(t, result.Errors[1], "step 2: expected status committed, got error conflict")
	assert.Contains(t, result.Errors[2], "step 3: expected field errors [amount/missing], got [amount/wrong-type]")
	assert.Contains(t, result.Errors[3], "step 4: expected the record of step 1")
	assert.Contains(t, result.Errors[4], "record_count")
}

func TestRun_SchemaPublishFailureAborts(t *testing.T) {
	scenario := offeringScenario(submitStep("n-1", 1, nil))
	scenario.Schemas = append(scenario.Schemas, ir.Schema{
		FormID: "broken",
		Fields: []ir.FieldDef{{Name: "a", Kind: "color"}},
	})

	_, err := Run(scenario)
	assert.ErrorContains(t, err, "schemas[2]")
}

func TestRun_RecordFieldsAssertion(t *testing.T) {
	scenario := offeringScenario(submitStep("n-1", "7.10", nil))
	scenario.Assertions = []Assertion{
		{Type: AssertRecordFields, FormID: "offering", Nonce: "n-1", Fields: map[string]string{"amount": "7.1"}},
		{Type: AssertRecordFields, FormID: "offering", Nonce: "n-1", Fields: map[string]string{"amount": "7.10"}},
		{Type: AssertRecordFields, FormID: "offering", Nonce: "missing", Fields: map[string]string{"amount": "1"}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], `amount: "7.1", want "7.10"`)
	assert.Contains(t, result.Errors[1], "record offering/missing")
}

func TestParseScenario_Validation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    "description: d\nsteps: [{submit: {form_id: f}}]",
			wantErr: "name is required",
		},
		{
			name:    "no steps",
			yaml:    "name: n\ndescription: d",
			wantErr: "steps list is required",
		},
		{
			name:    "empty step",
			yaml:    "name: n\ndescription: d\nsteps: [{expect: {status: committed}}]",
			wantErr: "one of submit or publish is required",
		},
		{
			name:    "both submit and publish",
			yaml:    "name: n\ndescription: d\nsteps: [{submit: {form_id: f}, publish: {form_id: f}}]",
			wantErr: "mutually exclusive",
		},
		{
			name:    "unknown status",
			yaml:    "name: n\ndescription: d\nsteps: [{submit: {form_id: f}, expect: {status: stored}}]",
			wantErr: `unknown status "stored"`,
		},
		{
			name:    "same_as forward reference",
			yaml:    "name: n\ndescription: d\nsteps: [{submit: {form_id: f}, expect: {same_as: 1}}]",
			wantErr: "same_as must name an earlier step",
		},
		{
			name:    "outcomes without concurrent",
			yaml:    "name: n\ndescription: d\nsteps: [{submit: {form_id: f}, expect: {outcomes: {committed: 1}}}]",
			wantErr: "outcomes requires concurrent",
		},
		{
			name:    "typo in key",
			yaml:    "name: n\ndescription: d\nstep: []",
			wantErr: "failed to parse YAML",
		},
		{
			name:    "unknown assertion",
			yaml:    "name: n\ndescription: d\nsteps: [{submit: {form_id: f}}]\nassertions: [{type: final_state, form_id: f}]",
			wantErr: "unknown assertion type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
