package ir

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/apd/v3"
)

// Value is a typed field value: a tagged union over the field kinds.
// The zero Value is invalid; build values with the constructors below.
type Value struct {
	kind FieldKind
	text string       // text, enum
	num  *apd.Decimal // number, reduced; never mutated after construction
	flag bool         // boolean
	date time.Time    // date, UTC midnight
}

// Text returns a text value.
func Text(s string) Value { return Value{kind: KindText, text: s} }

// Enum returns an enum value.
func Enum(s string) Value { return Value{kind: KindEnum, text: s} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBoolean, flag: b} }

// Date returns a date value for the calendar day of t.
func Date(t time.Time) Value {
	y, m, d := t.Date()
	return Value{kind: KindDate, date: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// Number returns a number value. The decimal is copied and reduced so that
// 1.50 and 1.5 are the same value.
func Number(d *apd.Decimal) Value {
	r := new(apd.Decimal)
	r.Reduce(d)
	if r.IsZero() {
		r.Negative = false
	}
	return Value{kind: KindNumber, num: r}
}

// ParseNumber parses decimal text into a number value.
func ParseNumber(s string) (Value, error) {
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return Value{}, fmt.Errorf("invalid number %q", s)
	}
	if d.Form != apd.Finite {
		return Value{}, fmt.Errorf("number %q is not finite", s)
	}
	return Number(d), nil
}

// ParseDate parses YYYY-MM-DD into a date value.
func ParseDate(s string) (Value, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Value{}, fmt.Errorf("invalid date %q", s)
	}
	return Date(t), nil
}

// Kind returns the value's field kind.
func (v Value) Kind() FieldKind { return v.kind }

// IsValid reports whether v was built by a constructor.
func (v Value) IsValid() bool { return v.kind != "" }

// Str returns the text of a text or enum value.
func (v Value) Str() string { return v.text }

// Decimal returns the number of a number value.
func (v Value) Decimal() *apd.Decimal { return v.num }

// BoolValue returns the flag of a boolean value.
func (v Value) BoolValue() bool { return v.flag }

// Time returns the day of a date value as UTC midnight.
func (v Value) Time() time.Time { return v.date }

// String renders the value in its canonical textual form.
func (v Value) String() string {
	switch v.kind {
	case KindText, KindEnum:
		return v.text
	case KindNumber:
		if v.num == nil {
			return "0"
		}
		return v.num.Text('f')
	case KindBoolean:
		if v.flag {
			return "true"
		}
		return "false"
	case KindDate:
		return v.date.Format(DateLayout)
	default:
		return ""
	}
}

// Equal reports whether two values have the same kind and canonical form.
func (v Value) Equal(o Value) bool {
	return v.kind == o.kind && v.String() == o.String()
}

// Canonical returns the value as an CanonObject for hashing.
// Numbers and dates are carried as their canonical strings.
func (v Value) Canonical() CanonObject {
	var inner Canon
	if v.kind == KindBoolean {
		inner = CanonBool(v.flag)
	} else {
		inner = CanonString(v.String())
	}
	return CanonObject{
		"kind":  CanonString(v.kind),
		"value": inner,
	}
}

type valueJSON struct {
	Kind  FieldKind       `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the value as {"kind": ..., "value": ...}.
// Numbers are encoded as strings to keep them exact.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.IsValid() {
		return nil, fmt.Errorf("marshal invalid field value")
	}
	var raw []byte
	var err error
	if v.kind == KindBoolean {
		raw, err = json.Marshal(v.flag)
	} else {
		raw, err = json.Marshal(v.String())
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(valueJSON{Kind: v.kind, Value: raw})
}

// UnmarshalJSON decodes the {"kind": ..., "value": ...} form.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw valueJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if raw.Kind == KindBoolean {
		var b bool
		if err := json.Unmarshal(raw.Value, &b); err != nil {
			return fmt.Errorf("boolean value: %w", err)
		}
		*v = Bool(b)
		return nil
	}

	var s string
	if err := json.Unmarshal(raw.Value, &s); err != nil {
		return fmt.Errorf("%s value: %w", raw.Kind, err)
	}

	switch raw.Kind {
	case KindText:
		*v = Text(s)
	case KindEnum:
		*v = Enum(s)
	case KindNumber:
		n, err := ParseNumber(s)
		if err != nil {
			return err
		}
		*v = n
	case KindDate:
		d, err := ParseDate(s)
		if err != nil {
			return err
		}
		*v = d
	default:
		return fmt.Errorf("unknown field kind %q", raw.Kind)
	}
	return nil
}
