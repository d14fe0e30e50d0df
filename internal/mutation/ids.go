package mutation

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// IDGenerator produces client-side identifiers for records and entity rows.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 identifiers.
//
// UUIDv7 embeds a millisecond timestamp in the most significant bits, so ids
// created on one device sort by creation time. Safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined ids, then falls back to a numbered
// sequence with the given prefix once the list is exhausted.
//
// Safe for concurrent use.
type FixedGenerator struct {
	mu     sync.Mutex
	ids    []string
	prefix string
	idx    int
}

// NewFixedGenerator creates a generator yielding ids in order.
//
//	gen := NewFixedGenerator("id", "row-a")
//	gen.Generate() // "row-a"
//	gen.Generate() // "id-2"
func NewFixedGenerator(prefix string, ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids, prefix: prefix}
}

// Generate returns the next id.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.idx++
	if g.idx <= len(g.ids) {
		return g.ids[g.idx-1]
	}
	return fmt.Sprintf("%s-%d", g.prefix, g.idx)
}
