package ingest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/fieldrec/internal/ir"
)

// ErrorCode categorizes ingestion failures.
type ErrorCode string

const (
	// CodeValidation indicates field-level problems the client can correct.
	CodeValidation ErrorCode = "VALIDATION_FAILED"

	// CodeConflict indicates a nonce reused with a different payload.
	CodeConflict ErrorCode = "CONFLICT"

	// CodeNotFound indicates an unknown form, schema version or record.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeStoreUnavailable indicates a transient store failure or timeout.
	// The request is safe to retry.
	CodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
)

// ValidationError carries every field error found in one submission.
// The list is never truncated.
type ValidationError struct {
	FormID string
	Errors []ir.FieldError
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Error()
	}
	return fmt.Sprintf("%s: %s: %s", CodeValidation, e.FormID, strings.Join(parts, "; "))
}

// Code returns CodeValidation.
func (e *ValidationError) Code() ErrorCode { return CodeValidation }

// ConflictError reports that a record already exists under the submission's
// identifier with a different payload. The stored record is unchanged.
type ConflictError struct {
	FormID   string
	RecordID string
	Nonce    string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: nonce %q already used for form %s with a different payload (record=%s)",
		CodeConflict, e.Nonce, e.FormID, e.RecordID)
}

// Code returns CodeConflict.
func (e *ConflictError) Code() ErrorCode { return CodeConflict }

// NotFoundError reports an unknown form, schema version or record.
type NotFoundError struct {
	Resource string // "form" or "record"
	FormID   string
	ID       string // record id, for records
	Version  int    // requested schema version, 0 for latest
	Err      error
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	switch {
	case e.Resource == "record":
		return fmt.Sprintf("%s: record %s not found in form %s", CodeNotFound, e.ID, e.FormID)
	case e.Version > 0:
		return fmt.Sprintf("%s: form %s version %d not found", CodeNotFound, e.FormID, e.Version)
	default:
		return fmt.Sprintf("%s: form %s not found", CodeNotFound, e.FormID)
	}
}

// Unwrap returns the underlying lookup error.
func (e *NotFoundError) Unwrap() error { return e.Err }

// Code returns CodeNotFound.
func (e *NotFoundError) Code() ErrorCode { return CodeNotFound }

// StoreUnavailableError wraps a record store failure. No partial state was
// persisted; retrying the identical request is safe.
type StoreUnavailableError struct {
	Op       string // "get", "put" or "list"
	RecordID string
	Err      error
}

// Error implements the error interface.
func (e *StoreUnavailableError) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("%s: %s %s: %v", CodeStoreUnavailable, e.Op, e.RecordID, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", CodeStoreUnavailable, e.Op, e.Err)
}

// Unwrap returns the underlying store error.
func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// Code returns CodeStoreUnavailable.
func (e *StoreUnavailableError) Code() ErrorCode { return CodeStoreUnavailable }

// Retryable reports true: commits are idempotent by record identifier.
func (e *StoreUnavailableError) Retryable() bool { return true }

// IsValidation returns true if err is a ValidationError.
// Uses errors.As to handle wrapped errors.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConflict returns true if err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsNotFound returns true if err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsStoreUnavailable returns true if err is a StoreUnavailableError.
func IsStoreUnavailable(err error) bool {
	var su *StoreUnavailableError
	return errors.As(err, &su)
}

// CodeOf returns the code of a typed ingestion error, or "" for any other
// error.
func CodeOf(err error) ErrorCode {
	var coded interface{ Code() ErrorCode }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return ""
}
