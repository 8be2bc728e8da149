package compiler

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"

	"github.com/roach88/fieldrec/internal/ir"
)

// Validation error codes (E100-E199)
const (
	ErrFormIDInvalid      = "E101" // form_id missing or malformed
	ErrNoFields           = "E102" // at least one field required
	ErrVersionInvalid     = "E103" // negative version
	ErrInvalidFieldKind   = "E104" // kind not one of text/number/boolean/enum/date
	ErrDuplicateName      = "E105" // duplicate or empty field name
	ErrConstraintMismatch = "E106" // constraint does not apply to the field kind
	ErrPatternInvalid     = "E107" // pattern does not compile
	ErrBoundInvalid       = "E108" // malformed or inverted min/max
	ErrAllowedInvalid     = "E109" // empty or duplicate enum set
)

var formIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidationError represents a schema consistency error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks a schema for internal consistency before publication.
// Returns all errors found (does not fail-fast).
func Validate(s ir.Schema) []ValidationError {
	var errs []ValidationError

	if !formIDPattern.MatchString(s.FormID) {
		errs = append(errs, ValidationError{
			Field:   "form_id",
			Message: fmt.Sprintf("invalid form id %q", s.FormID),
			Code:    ErrFormIDInvalid,
		})
	}

	if s.Version < 0 {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("version must not be negative, got %d", s.Version),
			Code:    ErrVersionInvalid,
		})
	}

	if len(s.Fields) == 0 {
		errs = append(errs, ValidationError{
			Field:   "fields",
			Message: "at least one field is required",
			Code:    ErrNoFields,
		})
	}

	names := make(map[string]bool, len(s.Fields))
	for i, f := range s.Fields {
		path := fmt.Sprintf("fields[%d]", i)

		if strings.TrimSpace(f.Name) == "" {
			errs = append(errs, ValidationError{
				Field:   path + ".name",
				Message: "field name is required",
				Code:    ErrDuplicateName,
			})
		} else if names[f.Name] {
			errs = append(errs, ValidationError{
				Field:   path + ".name",
				Message: fmt.Sprintf("duplicate field name: %q", f.Name),
				Code:    ErrDuplicateName,
			})
		}
		names[f.Name] = true

		if !ir.ValidKinds[f.Kind] {
			errs = append(errs, ValidationError{
				Field:   path + ".kind",
				Message: fmt.Sprintf("invalid kind %q for field %q", f.Kind, f.Name),
				Code:    ErrInvalidFieldKind,
			})
			continue
		}

		errs = append(errs, validateConstraint(f, path+".constraint")...)
	}

	return errs
}

// validateConstraint checks that the constraint suits the field kind and is
// well formed.
func validateConstraint(f ir.FieldDef, path string) []ValidationError {
	var errs []ValidationError
	c := f.Constraint

	mismatch := func(member string) {
		errs = append(errs, ValidationError{
			Field:   path + "." + member,
			Message: fmt.Sprintf("%s does not apply to %s field %q", member, f.Kind, f.Name),
			Code:    ErrConstraintMismatch,
		})
	}

	if f.Kind != ir.KindNumber {
		if c.Min != "" {
			mismatch("min")
		}
		if c.Max != "" {
			mismatch("max")
		}
	}
	if f.Kind != ir.KindText {
		if c.MinLength != nil {
			mismatch("min_length")
		}
		if c.MaxLength != nil {
			mismatch("max_length")
		}
		if c.Pattern != "" {
			mismatch("pattern")
		}
	}
	if f.Kind != ir.KindEnum && len(c.Allowed) > 0 {
		mismatch("allowed")
	}
	if f.Kind != ir.KindDate {
		if c.MinDate != "" {
			mismatch("min_date")
		}
		if c.MaxDate != "" {
			mismatch("max_date")
		}
	}

	switch f.Kind {
	case ir.KindNumber:
		errs = append(errs, validateNumberBounds(c, path)...)
	case ir.KindText:
		errs = append(errs, validateTextConstraint(c, path)...)
	case ir.KindEnum:
		errs = append(errs, validateAllowed(c, path)...)
	case ir.KindDate:
		errs = append(errs, validateDateBounds(c, path)...)
	}

	return errs
}

func validateNumberBounds(c ir.Constraint, path string) []ValidationError {
	var errs []ValidationError

	parse := func(member string, d ir.Decimal) *apd.Decimal {
		if d == "" {
			return nil
		}
		v, err := ir.ParseNumber(string(d))
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   path + "." + member,
				Message: err.Error(),
				Code:    ErrBoundInvalid,
			})
			return nil
		}
		return v.Decimal()
	}

	lo := parse("min", c.Min)
	hi := parse("max", c.Max)
	if lo != nil && hi != nil && lo.Cmp(hi) > 0 {
		errs = append(errs, ValidationError{
			Field:   path,
			Message: fmt.Sprintf("min %s is greater than max %s", c.Min, c.Max),
			Code:    ErrBoundInvalid,
		})
	}
	return errs
}

func validateTextConstraint(c ir.Constraint, path string) []ValidationError {
	var errs []ValidationError

	if c.MinLength != nil && *c.MinLength < 0 {
		errs = append(errs, ValidationError{
			Field:   path + ".min_length",
			Message: "min_length must not be negative",
			Code:    ErrBoundInvalid,
		})
	}
	if c.MaxLength != nil && *c.MaxLength < 0 {
		errs = append(errs, ValidationError{
			Field:   path + ".max_length",
			Message: "max_length must not be negative",
			Code:    ErrBoundInvalid,
		})
	}
	if c.MinLength != nil && c.MaxLength != nil && *c.MinLength > *c.MaxLength {
		errs = append(errs, ValidationError{
			Field:   path,
			Message: fmt.Sprintf("min_length %d is greater than max_length %d", *c.MinLength, *c.MaxLength),
			Code:    ErrBoundInvalid,
		})
	}
	if c.Pattern != "" {
		if _, err := regexp.Compile(c.Pattern); err != nil {
			errs = append(errs, ValidationError{
				Field:   path + ".pattern",
				Message: fmt.Sprintf("pattern does not compile: %v", err),
				Code:    ErrPatternInvalid,
			})
		}
	}
	return errs
}

func validateAllowed(c ir.Constraint, path string) []ValidationError {
	if len(c.Allowed) == 0 {
		return []ValidationError{{
			Field:   path + ".allowed",
			Message: "enum field requires a non-empty allowed set",
			Code:    ErrAllowedInvalid,
		}}
	}

	var errs []ValidationError
	seen := make(map[string]bool, len(c.Allowed))
	for i, a := range c.Allowed {
		if seen[a] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("%s.allowed[%d]", path, i),
				Message: fmt.Sprintf("duplicate allowed value %q", a),
				Code:    ErrAllowedInvalid,
			})
		}
		seen[a] = true
	}
	return errs
}

func validateDateBounds(c ir.Constraint, path string) []ValidationError {
	var errs []ValidationError

	parse := func(member, s string) (time.Time, bool) {
		if s == "" {
			return time.Time{}, false
		}
		t, err := time.Parse(ir.DateLayout, s)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   path + "." + member,
				Message: fmt.Sprintf("invalid date %q, want YYYY-MM-DD", s),
				Code:    ErrBoundInvalid,
			})
			return time.Time{}, false
		}
		return t, true
	}

	lo, okLo := parse("min_date", c.MinDate)
	hi, okHi := parse("max_date", c.MaxDate)
	if okLo && okHi && lo.After(hi) {
		errs = append(errs, ValidationError{
			Field:   path,
			Message: fmt.Sprintf("min_date %s is after max_date %s", c.MinDate, c.MaxDate),
			Code:    ErrBoundInvalid,
		})
	}
	return errs
}
