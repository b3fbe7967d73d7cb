package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/erp/exchange/internal/infrastructure/config"
)

var unreachableRedis = config.RedisConfig{Host: "127.0.0.1", Port: 1}

func TestIdempotencyGuardFactory_RedisRequired(t *testing.T) {
	f := NewIdempotencyGuardFactory(unreachableRedis)

	guard, closeFn, err := f.CreateGuard(context.Background(), "")
	require.Error(t, err)
	assert.Nil(t, guard)
	assert.Nil(t, closeFn)
	assert.Contains(t, err.Error(), "127.0.0.1:1")
}

func TestIdempotencyGuardFactory_FallsBackToMemory(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	f := NewIdempotencyGuardFactory(unreachableRedis,
		WithLogger(zap.New(core)),
		WithInMemoryFallback(true),
	)

	guard, closeFn, err := f.CreateGuard(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, closeFn)
	assert.IsType(t, &InMemoryIdempotencyGuard{}, guard)
	assert.NoError(t, closeFn())
	assert.Equal(t, 1, logs.Len())

	ok, err := guard.TryAcquire(context.Background(), "req-1", "catalog.import")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewRedisClient_PasswordNotInError(t *testing.T) {
	cfg := unreachableRedis
	cfg.Password = "s3cret-pass"
	_, err := NewRedisClient(context.Background(), cfg)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "s3cret-pass")
}
