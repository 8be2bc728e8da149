package ir

import "errors"

// ErrRecordNotFound is returned by record stores when no record has the
// requested identifier.
var ErrRecordNotFound = errors.New("record not found")
