package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/erp/exchange/internal/domain/shared"
	"github.com/erp/exchange/internal/infrastructure/config"
)

const pingTimeout = 5 * time.Second

// IdempotencyGuardFactory creates the Redis or in-memory idempotency guard
type IdempotencyGuardFactory struct {
	redisConfig           config.RedisConfig
	logger                *zap.Logger
	allowInMemoryFallback bool
}

// IdempotencyGuardFactoryOption is a functional option for configuring the factory
type IdempotencyGuardFactoryOption func(*IdempotencyGuardFactory)

// WithLogger sets the logger for the factory
func WithLogger(logger *zap.Logger) IdempotencyGuardFactoryOption {
	return func(f *IdempotencyGuardFactory) {
		f.logger = logger
	}
}

// WithInMemoryFallback controls whether CreateGuard falls back to the
// in-memory guard when Redis is unreachable. Default is false.
func WithInMemoryFallback(allow bool) IdempotencyGuardFactoryOption {
	return func(f *IdempotencyGuardFactory) {
		f.allowInMemoryFallback = allow
	}
}

// NewIdempotencyGuardFactory creates a new factory
func NewIdempotencyGuardFactory(cfg config.RedisConfig, opts ...IdempotencyGuardFactoryOption) *IdempotencyGuardFactory {
	f := &IdempotencyGuardFactory{
		redisConfig: cfg,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewRedisClient opens and pings a client for cfg. The password is never logged.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return client, nil
}

// CreateRedisGuard connects to Redis and returns a guard owning the client.
// The returned close func releases the client.
func (f *IdempotencyGuardFactory) CreateRedisGuard(ctx context.Context, keyPrefix string) (shared.IdempotencyGuard, func() error, error) {
	client, err := NewRedisClient(ctx, f.redisConfig)
	if err != nil {
		return nil, nil, err
	}
	return NewRedisIdempotencyGuard(client, keyPrefix), client.Close, nil
}

// CreateInMemoryGuard creates a process-local guard.
// WARNING: claims are lost on restart and are not shared between replicas.
func (f *IdempotencyGuardFactory) CreateInMemoryGuard() shared.IdempotencyGuard {
	return NewInMemoryIdempotencyGuard()
}

// CreateGuard tries Redis first and, when allowed, falls back to memory.
func (f *IdempotencyGuardFactory) CreateGuard(ctx context.Context, keyPrefix string) (shared.IdempotencyGuard, func() error, error) {
	guard, closeFn, err := f.CreateRedisGuard(ctx, keyPrefix)
	if err == nil {
		f.logger.Info("using Redis idempotency guard")
		return guard, closeFn, nil
	}
	if !f.allowInMemoryFallback {
		return nil, nil, fmt.Errorf("redis required for idempotency but unavailable: %w", err)
	}

	f.logger.Warn("Redis unavailable, falling back to in-memory idempotency guard. "+
		"Duplicate jobs are not detected across replicas or restarts.",
		zap.Error(err),
	)
	return f.CreateInMemoryGuard(), func() error { return nil }, nil
}
