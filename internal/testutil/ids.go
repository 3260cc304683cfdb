package testutil

import (
	"fmt"
	"sync"
)

// SeqIDGenerator generates sequential ids with a fixed prefix.
//
// Production code mints UUIDv7 ids; tests and the scenario harness use
// this generator instead so event and decision ids are stable across
// runs and golden snapshots stay byte-identical.
//
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type SeqIDGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int64
}

// NewSeqIDGenerator creates a generator producing "<prefix>-000001",
// "<prefix>-000002", and so on.
//
// If prefix is empty, "test" is used.
func NewSeqIDGenerator(prefix string) *SeqIDGenerator {
	if prefix == "" {
		prefix = "test"
	}
	return &SeqIDGenerator{prefix: prefix}
}

// NewID returns the next id in sequence.
func (g *SeqIDGenerator) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%06d", g.prefix, g.n)
}

// Reset restarts the sequence. After Reset(), the next NewID() ends
// in 000001 again.
func (g *SeqIDGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}
