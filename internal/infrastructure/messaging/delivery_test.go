package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/erp/exchange/internal/domain/exchange"
	"github.com/erp/exchange/internal/domain/shared"
	"github.com/erp/exchange/internal/infrastructure/config"
	"github.com/erp/exchange/internal/infrastructure/logger"
)

func testPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

type deliveryRecorder struct {
	mu       sync.Mutex
	outcomes []string
	attempts []int
}

func (r *deliveryRecorder) RecordDelivery(_ context.Context, _ string, outcome string, attempts int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
	r.attempts = append(r.attempts, attempts)
}

func (r *deliveryRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.outcomes...)
}

func TestDelivery_Process(t *testing.T) {
	errBoom := errors.New("boom")

	tests := []struct {
		name         string
		failures     int
		err          error
		panics       bool
		wantOutcome  Outcome
		wantAttempts int
	}{
		{name: "succeeds first time", wantOutcome: OutcomeAck, wantAttempts: 1},
		{name: "succeeds after retries", failures: 2, err: errBoom, wantOutcome: OutcomeAck, wantAttempts: 3},
		{name: "exhausts attempts", failures: 10, err: errBoom, wantOutcome: OutcomeDeadLetter, wantAttempts: 3},
		{name: "validation error is not retried", failures: 10, err: exchange.NewValidationError("product #1", "Ид", "required"), wantOutcome: OutcomeDeadLetter, wantAttempts: 1},
		{name: "limit exceeded is not retried", failures: 10, err: exchange.ErrLimitExceeded, wantOutcome: OutcomeDeadLetter, wantAttempts: 1},
		{name: "explicit permanent error", failures: 10, err: Permanent(errBoom), wantOutcome: OutcomeDeadLetter, wantAttempts: 1},
		{name: "panics are failures", failures: 10, panics: true, wantOutcome: OutcomeDeadLetter, wantAttempts: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &deliveryRecorder{}
			d := NewDelivery("catalog.import.q", testPolicy(3), zap.NewNop(), rec)

			calls := 0
			handler := func(ctx context.Context, msg shared.Message) error {
				calls++
				assert.Equal(t, calls, msg.Attempt)
				if calls <= tt.failures {
					if tt.panics {
						panic("handler exploded")
					}
					return tt.err
				}
				return nil
			}

			res := d.Process(context.Background(), handler, shared.Message{ID: "m-1"})
			assert.Equal(t, tt.wantOutcome, res.Outcome)
			assert.Equal(t, tt.wantAttempts, res.Attempts)
			if tt.wantOutcome == OutcomeAck {
				assert.NoError(t, res.Err)
			} else {
				assert.Error(t, res.Err)
			}
			assert.Equal(t, []string{tt.wantOutcome.String()}, rec.snapshot())
		})
	}
}

func TestDelivery_Process_PanicMessage(t *testing.T) {
	d := NewDelivery("q", testPolicy(1), nil, nil)
	res := d.Process(context.Background(), func(context.Context, shared.Message) error {
		panic("nil map")
	}, shared.Message{})

	assert.Equal(t, OutcomeDeadLetter, res.Outcome)
	assert.Contains(t, res.Err.Error(), "panicked: nil map")
}

func TestDelivery_Process_RequeueOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDelivery("q", RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour}, nil, nil)

	res := d.Process(ctx, func(context.Context, shared.Message) error {
		cancel()
		return errors.New("downstream unavailable")
	}, shared.Message{ID: "m-2"})

	assert.Equal(t, OutcomeRequeue, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
}

func TestDelivery_Process_TerminalFailureOnShutdownIsDeadLettered(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDelivery("q", RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour}, nil, nil)

	res := d.Process(ctx, func(ctx context.Context, _ shared.Message) error {
		cancel()
		return fmt.Errorf("%w: catalog job: %w", exchange.ErrTerminalFailure, ctx.Err())
	}, shared.Message{ID: "m-4"})

	assert.Equal(t, OutcomeDeadLetter, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestDelivery_Process_LogsTerminalFailureWithCorrelation(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	d := NewDelivery("orders.apply.q", testPolicy(2), zap.New(core), nil)

	var seen string
	res := d.Process(context.Background(), func(ctx context.Context, msg shared.Message) error {
		seen = logger.GetCorrelationID(ctx)
		return errors.New("storage down")
	}, shared.Message{ID: "m-3", Headers: map[string]string{shared.HeaderCorrelationID: "corr-9"}})

	require.Equal(t, OutcomeDeadLetter, res.Outcome)
	assert.Equal(t, "corr-9", seen)

	entries := logs.FilterMessage("message dead-lettered").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "corr-9", fields["correlation_id"])
	assert.Equal(t, "orders.apply.q.dlq", fields["dead_letter_queue"])
	assert.Contains(t, fields["error"], exchange.ErrTerminalFailure.Error())
	assert.Equal(t, 1, logs.FilterMessage("message handler failed, retrying").Len())
}

func TestDeadLetterHeaders(t *testing.T) {
	in := map[string]string{"event_id": "e-1"}
	long := make([]byte, 2*maxDeathReasonLen)
	for i := range long {
		long[i] = 'x'
	}

	out := DeadLetterHeaders(in, "offers.import.q", 3, string(long))

	assert.Equal(t, "e-1", out["event_id"])
	assert.Equal(t, "offers.import.q", out[HeaderOriginalQueue])
	assert.Equal(t, "3", out[HeaderAttempts])
	assert.Len(t, out[HeaderDeathReason], maxDeathReasonLen)
	assert.NotContains(t, in, HeaderOriginalQueue, "input must not be mutated")
}

func TestRetryPolicyFromConfig(t *testing.T) {
	p := RetryPolicyFromConfig(&config.BusConfig{MaxAttempts: 4, InitialBackoff: time.Second, MaxBackoff: time.Minute, DrainTimeout: 20 * time.Second})
	assert.Equal(t, RetryPolicy{MaxAttempts: 4, InitialBackoff: time.Second, MaxBackoff: time.Minute, DrainTimeout: 20 * time.Second}, p)
}

func TestRetryPolicy_UntilDoneStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := RetryPolicy{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}.untilDone(ctx)
	for i := 0; i < 10; i++ {
		assert.NotEqual(t, backoff.Stop, b.NextBackOff())
	}
	cancel()
	assert.Equal(t, backoff.Stop, b.NextBackOff())
}

func TestRetryPolicy_SingleAttemptNeverWaits(t *testing.T) {
	b := RetryPolicy{MaxAttempts: 1}.backOff(context.Background())
	assert.Equal(t, time.Duration(-1), b.NextBackOff())
}
