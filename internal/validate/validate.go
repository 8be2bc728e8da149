// Package validate checks raw submissions against a published schema and
// produces typed records.
//
// Validation is a pure function of (schema, submission, time): it performs
// no I/O, never blocks, and reports every problem it finds rather than
// stopping at the first one.
package validate

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/apd/v3"

	"github.com/roach88/fieldrec/internal/ir"
	"github.com/roach88/fieldrec/internal/schema"
)

// Validate checks sub against s.
//
// On success it returns a record with every present field normalized to
// its typed form and a nil error list. Record identity (ID) is left empty
// for the caller to assign. On failure the record is the zero value and
// the list holds every field error: schema fields first in declaration
// order, then unknown fields sorted by name.
func Validate(s *schema.Schema, sub ir.Submission, now time.Time) (ir.Record, []ir.FieldError) {
	var errs []ir.FieldError
	fields := make(map[string]ir.Value, len(sub.Fields))

	for _, f := range s.Fields() {
		raw, present := sub.Fields[f.Name]
		if present && raw == nil {
			present = false
		}
		if present && f.Required && isBlank(f, raw) {
			present = false
		}

		if !present {
			if f.Required {
				errs = append(errs, ir.FieldError{
					Field:  f.Name,
					Kind:   ir.ErrKindMissing,
					Detail: "required field is missing",
				})
			}
			continue
		}

		v, ferr := coerce(f, raw)
		if ferr != nil {
			errs = append(errs, *ferr)
			continue
		}
		if ferr := check(f, v); ferr != nil {
			errs = append(errs, *ferr)
			continue
		}
		fields[f.Name] = v
	}

	var unknown []string
	for name := range sub.Fields {
		if _, ok := s.Field(name); !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		errs = append(errs, ir.FieldError{
			Field:  name,
			Kind:   ir.ErrKindUnknownField,
			Detail: fmt.Sprintf("field is not declared by %s v%d", s.FormID(), s.Version()),
		})
	}

	if len(errs) > 0 {
		return ir.Record{}, errs
	}

	hash, err := ir.PayloadHash(fields)
	if err != nil {
		// Every value came from a constructor; this cannot fail.
		panic(err)
	}

	return ir.Record{
		FormID:        s.FormID(),
		SchemaVersion: s.Version(),
		Fields:        fields,
		PayloadHash:   hash,
		Nonce:         sub.Nonce,
		SubmitterID:   sub.SubmitterID,
		SubmittedAt:   now.UTC(),
	}, nil
}

// isBlank reports whether raw is an empty string for a text or enum field.
func isBlank(f *schema.Field, raw any) bool {
	if f.Kind != ir.KindText && f.Kind != ir.KindEnum {
		return false
	}
	s, ok := raw.(string)
	return ok && s == ""
}

func wrongType(f *schema.Field, raw any) *ir.FieldError {
	return &ir.FieldError{
		Field:  f.Name,
		Kind:   ir.ErrKindWrongType,
		Detail: fmt.Sprintf("expected %s, got %s", f.Kind, describe(raw)),
	}
}

// coerce converts a raw decoded value into the field's kind.
func coerce(f *schema.Field, raw any) (ir.Value, *ir.FieldError) {
	switch f.Kind {
	case ir.KindText:
		s, ok := raw.(string)
		if !ok {
			return ir.Value{}, wrongType(f, raw)
		}
		return ir.Text(s), nil

	case ir.KindEnum:
		s, ok := raw.(string)
		if !ok {
			return ir.Value{}, wrongType(f, raw)
		}
		return ir.Enum(s), nil

	case ir.KindBoolean:
		switch b := raw.(type) {
		case bool:
			return ir.Bool(b), nil
		case string:
			switch b {
			case "true":
				return ir.Bool(true), nil
			case "false":
				return ir.Bool(false), nil
			}
		}
		return ir.Value{}, wrongType(f, raw)

	case ir.KindNumber:
		d, ok := toDecimal(raw)
		if !ok {
			return ir.Value{}, wrongType(f, raw)
		}
		return ir.Number(d), nil

	case ir.KindDate:
		switch d := raw.(type) {
		case time.Time:
			return ir.Date(d), nil
		case string:
			if v, err := ir.ParseDate(d); err == nil {
				return v, nil
			}
			if t, err := time.Parse(time.RFC3339, d); err == nil {
				return ir.Date(t), nil
			}
		}
		return ir.Value{}, wrongType(f, raw)
	}

	return ir.Value{}, wrongType(f, raw)
}

// toDecimal accepts the numeric shapes produced by encoding/json (with or
// without UseNumber), yaml.v3 and Go callers, plus decimal strings.
func toDecimal(raw any) (*apd.Decimal, bool) {
	switch n := raw.(type) {
	case json.Number:
		return parseDecimal(string(n))
	case string:
		return parseDecimal(n)
	case int:
		return apd.New(int64(n), 0), true
	case int32:
		return apd.New(int64(n), 0), true
	case int64:
		return apd.New(n, 0), true
	case uint:
		return toDecimal(uint64(n))
	case uint32:
		return apd.New(int64(n), 0), true
	case uint64:
		if n > math.MaxInt64 {
			return parseDecimal(strconv.FormatUint(n, 10))
		}
		return apd.New(int64(n), 0), true
	case float32:
		return fromFloat(float64(n))
	case float64:
		return fromFloat(n)
	case *apd.Decimal:
		if n == nil || n.Form != apd.Finite {
			return nil, false
		}
		return n, true
	}
	return nil, false
}

func parseDecimal(s string) (*apd.Decimal, bool) {
	v, err := ir.ParseNumber(s)
	if err != nil {
		return nil, false
	}
	return v.Decimal(), true
}

func fromFloat(f float64) (*apd.Decimal, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, false
	}
	d, err := new(apd.Decimal).SetFloat64(f)
	if err != nil {
		return nil, false
	}
	return d, true
}

// check applies the field's constraint to a coerced value.
func check(f *schema.Field, v ir.Value) *ir.FieldError {
	outOfRange := func(format string, args ...any) *ir.FieldError {
		return &ir.FieldError{Field: f.Name, Kind: ir.ErrKindOutOfRange, Detail: fmt.Sprintf(format, args...)}
	}

	switch f.Kind {
	case ir.KindText:
		n := utf8.RuneCountInString(v.Str())
		if c := f.Constraint.MinLength; c != nil && n < *c {
			return outOfRange("length %d is below minimum %d", n, *c)
		}
		if c := f.Constraint.MaxLength; c != nil && n > *c {
			return outOfRange("length %d exceeds maximum %d", n, *c)
		}
		if f.Pattern != nil && !f.Pattern.MatchString(v.Str()) {
			return &ir.FieldError{
				Field:  f.Name,
				Kind:   ir.ErrKindPatternMismatch,
				Detail: fmt.Sprintf("value does not match pattern %s", f.Pattern.String()),
			}
		}

	case ir.KindNumber:
		d := v.Decimal()
		if f.Min != nil && d.Cmp(f.Min) < 0 {
			return outOfRange("%s is below minimum %s", v, f.Min.Text('f'))
		}
		if f.Max != nil && d.Cmp(f.Max) > 0 {
			return outOfRange("%s exceeds maximum %s", v, f.Max.Text('f'))
		}

	case ir.KindEnum:
		if f.Allowed != nil {
			if _, ok := f.Allowed[v.Str()]; !ok {
				return outOfRange("%q is not one of %v", v.Str(), f.Constraint.Allowed)
			}
		}

	case ir.KindDate:
		t := v.Time()
		if f.MinDate != nil && t.Before(*f.MinDate) {
			return outOfRange("%s is before %s", v, f.MinDate.Format(ir.DateLayout))
		}
		if f.MaxDate != nil && t.After(*f.MaxDate) {
			return outOfRange("%s is after %s", v, f.MaxDate.Format(ir.DateLayout))
		}
	}
	return nil
}

func describe(raw any) string {
	switch raw.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number, int, int32, int64, uint, uint32, uint64, float32, float64, *apd.Decimal:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case time.Time:
		return "timestamp"
	default:
		return fmt.Sprintf("%T", raw)
	}
}
