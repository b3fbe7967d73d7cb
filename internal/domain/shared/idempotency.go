package shared

import (
	"context"
	"time"
)

// ProcessedMessage marks a message id as handled for a given type.
type ProcessedMessage struct {
	ID          string
	Type        string
	ProcessedAt time.Time
}

// IdempotencyGuard claims a message id exactly once.
type IdempotencyGuard interface {
	// TryAcquire returns true only for the first caller for (id, typ), even
	// under concurrent invocation. Implementations must insert-or-fail in a
	// single atomic step.
	TryAcquire(ctx context.Context, id, typ string) (bool, error)
}

// IdempotencyLookup exposes recorded claims for operators.
type IdempotencyLookup interface {
	Lookup(ctx context.Context, id, typ string) (*ProcessedMessage, error)
}
