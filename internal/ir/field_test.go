package ir

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestValueString(t *testing.T) {
	n, err := ParseNumber("1.500")
	require.NoError(t, err)
	big, err := ParseNumber("1E+3")
	require.NoError(t, err)
	negZero, err := ParseNumber("-0.0")
	require.NoError(t, err)
	d, err := ParseDate("2024-02-29")
	require.NoError(t, err)

	tests := []struct {
		name     string
		value    Value
		expected string
	}{
		{"text", Text("hello"), "hello"},
		{"enum", Enum("participant"), "participant"},
		{"number reduced", n, "1.5"},
		{"number exponent", big, "1000"},
		{"negative zero", negZero, "0"},
		{"bool", Bool(true), "true"},
		{"date", d, "2024-02-29"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.value.String())
		})
	}
}

func TestParseNumberRejectsNonFinite(t *testing.T) {
	for _, s := range []string{"NaN", "Infinity", "-Inf", "abc", ""} {
		_, err := ParseNumber(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestDateDropsTimeOfDay(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	v := Date(time.Date(2024, 5, 1, 23, 30, 0, 0, loc))
	assert.Equal(t, "2024-05-01", v.String())
	assert.Equal(t, time.UTC, v.Time().Location())
}

func TestValueEqual(t *testing.T) {
	a, _ := ParseNumber("2.0")
	b, _ := ParseNumber("2")

	assert.True(t, a.Equal(b))
	assert.False(t, Text("x").Equal(Enum("x")))
}

func TestValueJSONRoundTrip(t *testing.T) {
	amount, err := ParseNumber("1000.25")
	require.NoError(t, err)
	day, err := ParseDate("2025-01-05")
	require.NoError(t, err)

	fields := map[string]Value{
		"amount":    amount,
		"note":      Text("monthly"),
		"level":     Enum("participant"),
		"anonymous": Bool(false),
		"day":       day,
	}

	data, err := json.Marshal(fields)
	require.NoError(t, err)

	var decoded map[string]Value
	require.NoError(t, json.Unmarshal(data, &decoded))

	require.Len(t, decoded, len(fields))
	for name, v := range fields {
		assert.True(t, v.Equal(decoded[name]), "field %s", name)
	}
}

func TestValueJSONShape(t *testing.T) {
	n, _ := ParseNumber("3.10")
	data, err := json.Marshal(n)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"number","value":"3.1"}`, string(data))

	data, err = json.Marshal(Bool(true))
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"boolean","value":true}`, string(data))
}

func TestValueUnmarshalUnknownKind(t *testing.T) {
	var v Value
	err := json.Unmarshal([]byte(`{"kind":"blob","value":"x"}`), &v)
	assert.Error(t, err)
}

func TestMarshalInvalidValue(t *testing.T) {
	_, err := json.Marshal(Value{})
	assert.Error(t, err)
}

func TestDecimalDecoding(t *testing.T) {
	var c Constraint
	require.NoError(t, json.Unmarshal([]byte(`{"min": 0, "max": "100.5"}`), &c))
	assert.Equal(t, Decimal("0"), c.Min)
	assert.Equal(t, Decimal("100.5"), c.Max)

	var y Constraint
	require.NoError(t, yaml.Unmarshal([]byte("min: 0.25\nmax: 10\n"), &y))
	assert.Equal(t, Decimal("0.25"), y.Min)
	assert.Equal(t, Decimal("10"), y.Max)
}

func TestSchemaField(t *testing.T) {
	s := Schema{Fields: []FieldDef{{Name: "a", Kind: KindText}, {Name: "b", Kind: KindNumber}}}

	f, ok := s.Field("b")
	require.True(t, ok)
	assert.Equal(t, KindNumber, f.Kind)

	_, ok = s.Field("c")
	assert.False(t, ok)
}
