// Package harness runs submission scenarios against the ingestion
// coordinator and compares their traces with golden files.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: duplicate_resubmission
//	description: "Resubmitting the same payload is a duplicate"
//	schemas:
//	  - form_id: offering
//	    fields:
//	      - { name: amount, kind: number, required: true }
//	steps:
//	  - submit: { form_id: offering, nonce: n-1, fields: { amount: "12.50" } }
//	    expect: { status: committed }
//	  - submit: { form_id: offering, nonce: n-1, fields: { amount: 12.5 } }
//	    expect: { status: duplicate, same_as: 1 }
//	  - submit: { form_id: offering, nonce: n-2, fields: { amount: 1 } }
//	    concurrent: 20
//	    expect: { outcomes: { committed: 1, duplicate: 19 } }
//	assertions:
//	  - type: record_count
//	    form_id: offering
//	    count: 2
//
// A step either submits or publishes a schema. Expect clauses check the
// status or error, field errors, schema version and record identity
// (same_as names an earlier step). Concurrent steps race identical
// submissions and check outcome counts.
//
// # Assertion Types
//
//   - record_count: Verifies how many records a form holds
//   - record_fields: Verifies the stored values of one record
//
// # Deterministic Testing
//
// Every scenario runs against a fresh schema registry and in-memory store,
// with a deterministic clock (testutil.DeterministicClock) and id generator
// (testutil.SequenceGenerator). Record ids appear in traces as aliases
// (r1, r2, ...) in order of first appearance, so the same scenario always
// produces a byte-identical canonical JSON trace.
package harness
