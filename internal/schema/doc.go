// Package schema is the registry of published form schemas.
//
// Each published version is an immutable *Schema with its constraints
// precompiled. The set of versions lives in a snapshot behind an atomic
// pointer: lookups never lock, and a publish builds a new snapshot and
// swaps it in, so a reader sees either the old set or the new one.
//
// Callers that validated against a *Schema keep that exact version even
// if a newer one is published concurrently.
package schema
