package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/fieldrec/internal/ir"
)

// marshalFields converts typed field values to canonical JSON TEXT.
// Uses RFC 8785 canonical JSON for deterministic serialization.
func marshalFields(fields map[string]ir.Value) (string, error) {
	obj := make(ir.CanonObject, len(fields))
	for name, v := range fields {
		if !v.IsValid() {
			return "", fmt.Errorf("marshal fields: %q has no value", name)
		}
		obj[name] = v.Canonical()
	}
	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	return string(data), nil
}

// unmarshalFields parses the {name: {kind, value}} TEXT form.
// Numbers are carried as strings, so no precision is lost.
func unmarshalFields(data string) (map[string]ir.Value, error) {
	fields := map[string]ir.Value{}
	if data == "" || data == "{}" {
		return fields, nil
	}
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	return fields, nil
}

// formatTime renders timestamps as RFC 3339 in UTC so they sort as text.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}
