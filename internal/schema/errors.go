package schema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/fieldrec/internal/compiler"
)

// ErrSchemaNotFound is returned when no published schema matches a lookup.
var ErrSchemaNotFound = errors.New("schema not found")

// ErrVersionConflict is returned when a publish would reuse or go below an
// existing version with different content.
var ErrVersionConflict = errors.New("schema version conflict")

// InvalidSchemaError lists every consistency problem found in a schema
// submitted for publication.
type InvalidSchemaError struct {
	FormID   string
	Problems []compiler.ValidationError
}

// Error implements the error interface.
func (e *InvalidSchemaError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Error()
	}
	return fmt.Sprintf("invalid schema %q: %s", e.FormID, strings.Join(msgs, "; "))
}

// IsInvalidSchema reports whether err is an InvalidSchemaError.
// Uses errors.As to handle wrapped errors.
func IsInvalidSchema(err error) bool {
	var ise *InvalidSchemaError
	return errors.As(err, &ise)
}
