package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs mints prefix-1, prefix-2, ... in order.
//
// This enables deterministic test execution and golden snapshot comparison.
// The same scenario run twice names its connections and web requests
// identically, so recorded frames and persistence logs are byte-identical.
//
// Unlike engine.FixedGenerator, which panics once its list runs out,
// SequentialIDs never runs dry.
//
// Thread-safety: SequentialIDs is safe for concurrent use via internal mutex.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator. An empty prefix uses "id".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "id"
	}
	return &SequentialIDs{prefix: prefix}
}

// Generate returns the next id.
//
// Implements engine.IDGenerator interface.
func (g *SequentialIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

// Reset restarts the sequence at 1.
func (g *SequentialIDs) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}
