package compiler

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/fieldrec/internal/ir"
)

// CompileForm parses a CUE value into a Schema.
// Uses CUE SDK's Go API directly (not CLI subprocess).
//
// The CUE value should be the form struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`form: offering: { fields: [...] }`)
//	schema, err := CompileForm(v.LookupPath(cue.ParsePath("form.offering")))
//
// The form id is taken from the struct label. Structural consistency
// (duplicate names, bounds) is checked separately by Validate.
func CompileForm(v cue.Value) (*ir.Schema, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	s := &ir.Schema{}

	labels := v.Path().Selectors()
	if len(labels) > 0 {
		s.FormID = strings.Trim(labels[len(labels)-1].String(), `"`)
	}

	if versionVal := v.LookupPath(cue.ParsePath("version")); versionVal.Exists() {
		n, err := versionVal.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		s.Version = int(n)
	}

	if titleVal := v.LookupPath(cue.ParsePath("title")); titleVal.Exists() {
		title, err := titleVal.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		s.Title = title
	}

	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if !fieldsVal.Exists() {
		return nil, &CompileError{
			Field:   "fields",
			Message: "fields is required",
			Pos:     v.Pos(),
		}
	}

	iter, err := fieldsVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		f, err := parseField(iter.Value())
		if err != nil {
			return nil, err
		}
		s.Fields = append(s.Fields, f)
	}

	if len(s.Fields) == 0 {
		return nil, &CompileError{
			Field:   "fields",
			Message: "at least one field is required",
			Pos:     fieldsVal.Pos(),
		}
	}

	return s, nil
}

// parseField extracts one field definition.
func parseField(v cue.Value) (ir.FieldDef, error) {
	var f ir.FieldDef

	nameVal := v.LookupPath(cue.ParsePath("name"))
	if !nameVal.Exists() {
		return f, &CompileError{Field: "name", Message: "field requires 'name'", Pos: v.Pos()}
	}
	name, err := nameVal.String()
	if err != nil {
		return f, formatCUEError(err)
	}
	f.Name = name

	kindVal := v.LookupPath(cue.ParsePath("kind"))
	if !kindVal.Exists() {
		return f, &CompileError{Field: "kind", Message: fmt.Sprintf("field %q requires 'kind'", name), Pos: v.Pos()}
	}
	kind, err := kindVal.String()
	if err != nil {
		return f, formatCUEError(err)
	}
	if !ir.ValidKinds[ir.FieldKind(kind)] {
		return f, &CompileError{
			Field:   "kind",
			Message: fmt.Sprintf("invalid kind %q for field %q", kind, name),
			Pos:     kindVal.Pos(),
		}
	}
	f.Kind = ir.FieldKind(kind)

	if labelVal := v.LookupPath(cue.ParsePath("label")); labelVal.Exists() {
		if f.Label, err = labelVal.String(); err != nil {
			return f, formatCUEError(err)
		}
	}

	if reqVal := v.LookupPath(cue.ParsePath("required")); reqVal.Exists() {
		if f.Required, err = reqVal.Bool(); err != nil {
			return f, formatCUEError(err)
		}
	}

	if cVal := v.LookupPath(cue.ParsePath("constraint")); cVal.Exists() {
		if f.Constraint, err = parseConstraint(cVal); err != nil {
			return f, err
		}
	}

	return f, nil
}

// parseConstraint extracts the optional constraint members.
func parseConstraint(v cue.Value) (ir.Constraint, error) {
	var c ir.Constraint
	var err error

	if c.Min, err = decimalMember(v, "min"); err != nil {
		return c, err
	}
	if c.Max, err = decimalMember(v, "max"); err != nil {
		return c, err
	}
	if c.MinLength, err = intMember(v, "min_length"); err != nil {
		return c, err
	}
	if c.MaxLength, err = intMember(v, "max_length"); err != nil {
		return c, err
	}
	if c.Pattern, err = stringMember(v, "pattern"); err != nil {
		return c, err
	}
	if c.MinDate, err = stringMember(v, "min_date"); err != nil {
		return c, err
	}
	if c.MaxDate, err = stringMember(v, "max_date"); err != nil {
		return c, err
	}

	if allowedVal := v.LookupPath(cue.ParsePath("allowed")); allowedVal.Exists() {
		iter, err := allowedVal.List()
		if err != nil {
			return c, formatCUEError(err)
		}
		for iter.Next() {
			s, err := iter.Value().String()
			if err != nil {
				return c, formatCUEError(err)
			}
			c.Allowed = append(c.Allowed, s)
		}
	}

	return c, nil
}

// decimalMember reads a number or numeric string without passing through
// float64: CUE renders numbers exactly in their JSON form.
func decimalMember(v cue.Value, name string) (ir.Decimal, error) {
	m := v.LookupPath(cue.ParsePath(name))
	if !m.Exists() {
		return "", nil
	}
	if m.Kind() == cue.StringKind {
		s, err := m.String()
		if err != nil {
			return "", formatCUEError(err)
		}
		return ir.Decimal(s), nil
	}
	if m.Kind()&cue.NumberKind == 0 {
		return "", &CompileError{
			Field:   "constraint." + name,
			Message: fmt.Sprintf("%s must be a number", name),
			Pos:     m.Pos(),
		}
	}
	b, err := m.MarshalJSON()
	if err != nil {
		return "", formatCUEError(err)
	}
	return ir.Decimal(b), nil
}

func intMember(v cue.Value, name string) (*int, error) {
	m := v.LookupPath(cue.ParsePath(name))
	if !m.Exists() {
		return nil, nil
	}
	n, err := m.Int64()
	if err != nil {
		return nil, formatCUEError(err)
	}
	i := int(n)
	return &i, nil
}

func stringMember(v cue.Value, name string) (string, error) {
	m := v.LookupPath(cue.ParsePath(name))
	if !m.Exists() {
		return "", nil
	}
	s, err := m.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

// CompileError is a compile failure with its CUE source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
