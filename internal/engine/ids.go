package engine

import (
	"fmt"

	"github.com/google/uuid"
)

// IDGenerator mints execution ids. Pluggable so tests can pin ids.
type IDGenerator interface {
	NewID() (string, error)
}

// UUIDv7Generator mints time-ordered UUIDs, so execution ids sort by
// creation time in the store.
type UUIDv7Generator struct{}

func (UUIDv7Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate execution id: %w", err)
	}
	return id.String(), nil
}

// FixedGenerator returns a preset sequence of ids. Test use only.
type FixedGenerator struct {
	IDs  []string
	next int
}

func (g *FixedGenerator) NewID() (string, error) {
	if g.next >= len(g.IDs) {
		return "", fmt.Errorf("fixed id generator exhausted after %d ids", len(g.IDs))
	}
	id := g.IDs[g.next]
	g.next++
	return id, nil
}
