package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/erp/exchange/internal/domain/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryIdempotencyGuard(t *testing.T) {
	ctx := context.Background()
	g := NewInMemoryIdempotencyGuard()

	ok, err := g.TryAcquire(ctx, "req-1:a.zip", "catalog.import")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.TryAcquire(ctx, "req-1:a.zip", "catalog.import")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = g.TryAcquire(ctx, "req-1:a.zip", "offers.import")
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := g.Lookup(ctx, "req-1:a.zip", "catalog.import")
	require.NoError(t, err)
	assert.Equal(t, "catalog.import", rec.Type)

	_, err = g.Lookup(ctx, "other", "catalog.import")
	assert.ErrorIs(t, err, shared.ErrNotFound)

	_, err = g.TryAcquire(ctx, "", "catalog.import")
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
	assert.Equal(t, 2, g.Len())
}

func TestInMemoryIdempotencyGuard_Concurrent(t *testing.T) {
	g := NewInMemoryIdempotencyGuard()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := g.TryAcquire(context.Background(), "req-2:o.xml", "orders.apply"); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
