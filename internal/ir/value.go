package ir

import (
	"slices"
	"unicode/utf16"
)

// Canon is a value that canonical JSON can encode. The set of
// implementations is closed. Decimals travel as CanonString; there is no
// float or null.
type Canon interface {
	canon()
}

type (
	CanonString string
	CanonInt    int64
	CanonBool   bool
	CanonArray  []Canon
	// CanonObject is encoded with keys in SortedKeys order.
	CanonObject map[string]Canon
)

func (CanonString) canon() {}
func (CanonInt) canon()    {}
func (CanonBool) canon()   {}
func (CanonArray) canon()  {}
func (CanonObject) canon() {}

// SortedKeys returns the keys ordered by UTF-16 code units as RFC 8785
// requires. This differs from byte order for characters outside the BMP.
func (obj CanonObject) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int {
		return slices.Compare(utf16.Encode([]rune(a)), utf16.Encode([]rune(b)))
	})
	return keys
}
