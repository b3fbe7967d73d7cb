package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erp/exchange/internal/domain/shared"
	"github.com/redis/go-redis/v9"
)

const defaultIdempotencyPrefix = "exchange:processed:"

// RedisIdempotencyGuard records processed messages in Redis. Keys carry no
// TTL: a processed message stays processed for as long as Redis keeps its
// data, so the instance must run with persistence enabled.
type RedisIdempotencyGuard struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

// NewRedisIdempotencyGuard creates a guard over an existing client.
func NewRedisIdempotencyGuard(client redis.UniversalClient, keyPrefix string) *RedisIdempotencyGuard {
	if keyPrefix == "" {
		keyPrefix = defaultIdempotencyPrefix
	}
	return &RedisIdempotencyGuard{
		client:    client,
		keyPrefix: keyPrefix,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (g *RedisIdempotencyGuard) key(id, typ string) string {
	return g.keyPrefix + typ + ":" + id
}

// TryAcquire sets the key with SETNX; only the caller that created it wins.
func (g *RedisIdempotencyGuard) TryAcquire(ctx context.Context, id, typ string) (bool, error) {
	if id == "" || typ == "" {
		return false, fmt.Errorf("%w: idempotency id and type are required", shared.ErrInvalidInput)
	}
	ok, err := g.client.SetNX(ctx, g.key(id, typ), g.now().Format(time.RFC3339Nano), 0).Result()
	if err != nil {
		return false, fmt.Errorf("record processed message %s/%s: %w", typ, id, err)
	}
	return ok, nil
}

// Lookup returns the stored record or shared.ErrNotFound.
func (g *RedisIdempotencyGuard) Lookup(ctx context.Context, id, typ string) (*shared.ProcessedMessage, error) {
	val, err := g.client.Get(ctx, g.key(id, typ)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup processed message %s/%s: %w", typ, id, err)
	}
	at, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return nil, fmt.Errorf("processed message %s/%s has malformed timestamp %q", typ, id, val)
	}
	return &shared.ProcessedMessage{ID: id, Type: typ, ProcessedAt: at}, nil
}

var (
	_ shared.IdempotencyGuard  = (*RedisIdempotencyGuard)(nil)
	_ shared.IdempotencyLookup = (*RedisIdempotencyGuard)(nil)
)
