package schema

import (
	"fmt"
	"regexp"
	"time"

	"github.com/cockroachdb/apd/v3"

	"github.com/roach88/fieldrec/internal/ir"
)

// Schema is a published form version with its constraints precompiled.
// A Schema is never modified after Publish returns it; callers may hold on
// to it for as long as they need a pinned version.
type Schema struct {
	def    ir.Schema
	hash   string
	fields []*Field
	byName map[string]*Field
}

// Field is a field definition with parsed constraint bounds.
// All members are read-only.
type Field struct {
	ir.FieldDef

	Pattern *regexp.Regexp
	Min     *apd.Decimal
	Max     *apd.Decimal
	MinDate *time.Time
	MaxDate *time.Time
	Allowed map[string]struct{}
}

// FormID returns the form identifier.
func (s *Schema) FormID() string { return s.def.FormID }

// Version returns the published version number.
func (s *Schema) Version() int { return s.def.Version }

// Title returns the human-readable form title.
func (s *Schema) Title() string { return s.def.Title }

// Hash returns the content hash of the definition.
func (s *Schema) Hash() string { return s.hash }

// Fields returns the fields in declaration order.
func (s *Schema) Fields() []*Field { return s.fields }

// Field looks up a field by name.
func (s *Schema) Field(name string) (*Field, bool) {
	f, ok := s.byName[name]
	return f, ok
}

// Definition returns a copy of the underlying definition.
func (s *Schema) Definition() ir.Schema { return cloneDef(s.def) }

// build compiles a checked definition. The definition is deep-copied so
// later mutation by the caller cannot reach the published snapshot.
func build(def ir.Schema) (*Schema, error) {
	def = cloneDef(def)

	hash, err := ir.SchemaHash(def)
	if err != nil {
		return nil, fmt.Errorf("hash schema %s: %w", def.FormID, err)
	}

	s := &Schema{
		def:    def,
		hash:   hash,
		fields: make([]*Field, 0, len(def.Fields)),
		byName: make(map[string]*Field, len(def.Fields)),
	}

	for _, fd := range def.Fields {
		f, err := buildField(fd)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", fd.Name, err)
		}
		s.fields = append(s.fields, f)
		s.byName[f.Name] = f
	}
	return s, nil
}

func buildField(fd ir.FieldDef) (*Field, error) {
	f := &Field{FieldDef: fd}
	c := fd.Constraint

	if c.Pattern != "" {
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return nil, err
		}
		f.Pattern = re
	}
	if c.Min != "" {
		v, err := ir.ParseNumber(string(c.Min))
		if err != nil {
			return nil, err
		}
		f.Min = v.Decimal()
	}
	if c.Max != "" {
		v, err := ir.ParseNumber(string(c.Max))
		if err != nil {
			return nil, err
		}
		f.Max = v.Decimal()
	}
	if c.MinDate != "" {
		v, err := ir.ParseDate(c.MinDate)
		if err != nil {
			return nil, err
		}
		t := v.Time()
		f.MinDate = &t
	}
	if c.MaxDate != "" {
		v, err := ir.ParseDate(c.MaxDate)
		if err != nil {
			return nil, err
		}
		t := v.Time()
		f.MaxDate = &t
	}
	if len(c.Allowed) > 0 {
		f.Allowed = make(map[string]struct{}, len(c.Allowed))
		for _, a := range c.Allowed {
			f.Allowed[a] = struct{}{}
		}
	}
	return f, nil
}

func cloneDef(def ir.Schema) ir.Schema {
	out := def
	out.Fields = make([]ir.FieldDef, len(def.Fields))
	for i, fd := range def.Fields {
		c := fd.Constraint
		if c.MinLength != nil {
			n := *c.MinLength
			c.MinLength = &n
		}
		if c.MaxLength != nil {
			n := *c.MaxLength
			c.MaxLength = &n
		}
		if c.Allowed != nil {
			c.Allowed = append([]string(nil), c.Allowed...)
		}
		fd.Constraint = c
		out.Fields[i] = fd
	}
	return out
}
