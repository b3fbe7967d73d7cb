package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/erp/exchange/internal/domain/shared"
)

// InMemoryIdempotencyGuard keeps processed message keys in a map. It only
// deduplicates within one process and is meant for tests and local runs.
type InMemoryIdempotencyGuard struct {
	mu      sync.Mutex
	entries map[[2]string]time.Time
}

// NewInMemoryIdempotencyGuard creates an empty guard.
func NewInMemoryIdempotencyGuard() *InMemoryIdempotencyGuard {
	return &InMemoryIdempotencyGuard{entries: make(map[[2]string]time.Time)}
}

// TryAcquire returns true the first time a (id, type) pair is seen.
func (g *InMemoryIdempotencyGuard) TryAcquire(_ context.Context, id, typ string) (bool, error) {
	if id == "" || typ == "" {
		return false, fmt.Errorf("%w: idempotency id and type are required", shared.ErrInvalidInput)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	k := [2]string{id, typ}
	if _, seen := g.entries[k]; seen {
		return false, nil
	}
	g.entries[k] = time.Now().UTC()
	return true, nil
}

// Lookup returns the stored record or shared.ErrNotFound.
func (g *InMemoryIdempotencyGuard) Lookup(_ context.Context, id, typ string) (*shared.ProcessedMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	at, ok := g.entries[[2]string{id, typ}]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &shared.ProcessedMessage{ID: id, Type: typ, ProcessedAt: at}, nil
}

// Len returns the number of recorded messages.
func (g *InMemoryIdempotencyGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

var (
	_ shared.IdempotencyGuard  = (*InMemoryIdempotencyGuard)(nil)
	_ shared.IdempotencyLookup = (*InMemoryIdempotencyGuard)(nil)
)
