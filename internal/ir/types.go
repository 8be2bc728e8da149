package ir

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// FieldKind is the semantic type of a form field.
type FieldKind string

const (
	KindText    FieldKind = "text"
	KindNumber  FieldKind = "number"
	KindBoolean FieldKind = "boolean"
	KindEnum    FieldKind = "enum"
	KindDate    FieldKind = "date"
)

// ValidKinds defines the allowed field kinds.
var ValidKinds = map[FieldKind]bool{
	KindText:    true,
	KindNumber:  true,
	KindBoolean: true,
	KindEnum:    true,
	KindDate:    true,
}

// DateLayout is the canonical layout of date field values.
const DateLayout = "2006-01-02"

// Schema is a published, versioned form definition.
// Immutable once published; a new version replaces it.
type Schema struct {
	FormID  string     `json:"form_id" yaml:"form_id"`
	Version int        `json:"version" yaml:"version"`
	Title   string     `json:"title,omitempty" yaml:"title,omitempty"`
	Fields  []FieldDef `json:"fields" yaml:"fields"`
}

// Field returns the definition named name.
func (s *Schema) Field(name string) (FieldDef, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDef{}, false
}

// FieldDef defines one field of a form.
type FieldDef struct {
	Name       string     `json:"name" yaml:"name"`
	Label      string     `json:"label,omitempty" yaml:"label,omitempty"`
	Kind       FieldKind  `json:"kind" yaml:"kind"`
	Required   bool       `json:"required,omitempty" yaml:"required,omitempty"`
	Constraint Constraint `json:"constraint,omitempty" yaml:"constraint,omitempty"`
}

// Constraint restricts the values a field accepts.
// Which members apply depends on the field kind:
//   - number: Min, Max
//   - text:   MinLength, MaxLength, Pattern
//   - enum:   Allowed
//   - date:   MinDate, MaxDate
type Constraint struct {
	Min       Decimal  `json:"min,omitempty" yaml:"min,omitempty"`
	Max       Decimal  `json:"max,omitempty" yaml:"max,omitempty"`
	MinLength *int     `json:"min_length,omitempty" yaml:"min_length,omitempty"`
	MaxLength *int     `json:"max_length,omitempty" yaml:"max_length,omitempty"`
	Pattern   string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Allowed   []string `json:"allowed,omitempty" yaml:"allowed,omitempty"`
	MinDate   string   `json:"min_date,omitempty" yaml:"min_date,omitempty"`
	MaxDate   string   `json:"max_date,omitempty" yaml:"max_date,omitempty"`
}

// IsZero reports whether no constraint is set.
func (c Constraint) IsZero() bool {
	return c.Min == "" && c.Max == "" && c.MinLength == nil && c.MaxLength == nil &&
		c.Pattern == "" && len(c.Allowed) == 0 && c.MinDate == "" && c.MaxDate == ""
}

// Decimal is a decimal number kept in its textual form so that schema
// bounds never pass through float64. It decodes from JSON and YAML numbers
// as well as strings.
type Decimal string

// UnmarshalJSON accepts a JSON number or string.
func (d *Decimal) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*d = Decimal(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decimal: %w", err)
	}
	*d = Decimal(n.String())
	return nil
}

// UnmarshalYAML takes the scalar text as written.
func (d *Decimal) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("decimal: expected scalar at line %d", node.Line)
	}
	*d = Decimal(node.Value)
	return nil
}

// Submission is a raw, untyped client submission.
// Transient: created per request and discarded after ingestion.
type Submission struct {
	FormID        string         `json:"form_id" yaml:"form_id"`
	SchemaVersion int            `json:"schema_version,omitempty" yaml:"schema_version,omitempty"`
	Nonce         string         `json:"nonce,omitempty" yaml:"nonce,omitempty"`
	SubmitterID   string         `json:"submitter_id,omitempty" yaml:"submitter_id,omitempty"`
	Fields        map[string]any `json:"fields" yaml:"fields"`
}

// Record is a validated, typed submission.
// Owned by the ingestion coordinator until committed, then by the store.
type Record struct {
	ID            string           `json:"id"`
	FormID        string           `json:"form_id"`
	SchemaVersion int              `json:"schema_version"`
	Fields        map[string]Value `json:"fields"`
	PayloadHash   string           `json:"payload_hash"`
	Nonce         string           `json:"nonce,omitempty"`
	SubmitterID   string           `json:"submitter_id,omitempty"`
	SubmittedAt   time.Time        `json:"submitted_at"`
}

// FieldErrorKind categorizes a field-level validation failure.
type FieldErrorKind string

const (
	ErrKindMissing         FieldErrorKind = "missing"
	ErrKindWrongType       FieldErrorKind = "wrong-type"
	ErrKindOutOfRange      FieldErrorKind = "out-of-range"
	ErrKindPatternMismatch FieldErrorKind = "pattern-mismatch"
	ErrKindUnknownField    FieldErrorKind = "unknown-field"
)

// FieldError describes one field that failed validation.
type FieldError struct {
	Field  string         `json:"field"`
	Kind   FieldErrorKind `json:"kind"`
	Detail string         `json:"detail"`
}

// Error implements the error interface.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Field, e.Kind, e.Detail)
}
