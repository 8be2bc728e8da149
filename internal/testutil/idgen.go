package testutil

import (
	"fmt"
	"sync"
)

// SequenceGenerator generates predictable record ids for submissions that
// carry no nonce.
//
// This enables deterministic test execution and golden snapshot comparison.
// The same scenario with a fresh SequenceGenerator produces byte-identical
// traces.
//
// Unlike ingest.FixedGenerator, which panics once its list is used up, this
// generator never runs out.
//
// Thread-safety: SequenceGenerator is safe for concurrent use via internal mutex.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceGenerator creates a generator producing prefix-0001,
// prefix-0002, and so on.
//
// If prefix is empty, "gen" is used.
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	if prefix == "" {
		prefix = "gen"
	}
	return &SequenceGenerator{prefix: prefix}
}

// Generate returns the next id.
//
// Implements ingest.IDGenerator.
func (g *SequenceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
