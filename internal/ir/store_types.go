package ir

// PutResult is the outcome of a conditional insert.
// Exactly one of Inserted or Existing is set.
type PutResult struct {
	Inserted bool    `json:"inserted"`
	Existing *Record `json:"existing,omitempty"` // The record already stored under the id
}
