package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainRecord  = "fieldrec/record/v1"
	DomainPayload = "fieldrec/payload/v1"
	DomainSchema  = "fieldrec/schema/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte keeps domain and data from running into each other.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// RecordID computes the deterministic record identifier for a submission
// carrying a client nonce. The schema version is not part of the identity:
// a retry keeps its id even if a newer version was published meanwhile.
func RecordID(formID, nonce string) string {
	obj := CanonObject{
		"form_id": CanonString(formID),
		"nonce":   CanonString(nonce),
	}
	// Strings only; canonical marshaling cannot fail.
	canonical, _ := MarshalCanonical(obj)
	return hashWithDomain(DomainRecord, canonical)
}

// PayloadHash computes the hash used to tell an identical retry from nonce
// reuse. Only field values take part; submitter and timestamps do not.
func PayloadHash(fields map[string]Value) (string, error) {
	obj := make(CanonObject, len(fields))
	for name, v := range fields {
		if !v.IsValid() {
			return "", fmt.Errorf("PayloadHash: field %q has no value", name)
		}
		obj[name] = v.Canonical()
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("PayloadHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainPayload, canonical), nil
}

// SchemaHash computes a content hash of a schema definition, used to make
// republishing an identical version a no-op.
func SchemaHash(s Schema) (string, error) {
	fields := make(CanonArray, len(s.Fields))
	for i, f := range s.Fields {
		fields[i] = fieldDefObject(f)
	}
	obj := CanonObject{
		"form_id": CanonString(s.FormID),
		"version": CanonInt(s.Version),
		"title":   CanonString(s.Title),
		"fields":  fields,
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("SchemaHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainSchema, canonical), nil
}

func fieldDefObject(f FieldDef) CanonObject {
	c := f.Constraint
	allowed := make(CanonArray, len(c.Allowed))
	for i, a := range c.Allowed {
		allowed[i] = CanonString(a)
	}
	constraint := CanonObject{
		"min":      CanonString(c.Min),
		"max":      CanonString(c.Max),
		"pattern":  CanonString(c.Pattern),
		"allowed":  allowed,
		"min_date": CanonString(c.MinDate),
		"max_date": CanonString(c.MaxDate),
	}
	if c.MinLength != nil {
		constraint["min_length"] = CanonInt(*c.MinLength)
	}
	if c.MaxLength != nil {
		constraint["max_length"] = CanonInt(*c.MaxLength)
	}
	return CanonObject{
		"name":       CanonString(f.Name),
		"label":      CanonString(f.Label),
		"kind":       CanonString(f.Kind),
		"required":   CanonBool(f.Required),
		"constraint": constraint,
	}
}

// MustPayloadHash is like PayloadHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustPayloadHash(fields map[string]Value) string {
	h, err := PayloadHash(fields)
	if err != nil {
		panic(err)
	}
	return h
}
