package messaging

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/erp/exchange/internal/domain/exchange"
	"github.com/erp/exchange/internal/domain/shared"
	"github.com/erp/exchange/internal/infrastructure/config"
	"github.com/erp/exchange/internal/infrastructure/logger"
)

const tracerName = "github.com/erp/exchange/internal/infrastructure/messaging"

// Headers stamped on dead-lettered messages.
const (
	HeaderDeathReason   = "x-death-reason"
	HeaderOriginalQueue = "x-original-queue"
	HeaderAttempts      = "x-attempts"
)

const maxDeathReasonLen = 512

// Outcome tells a driver what to do with a delivery after the handler ran.
type Outcome int

const (
	// OutcomeAck acknowledges the message.
	OutcomeAck Outcome = iota
	// OutcomeDeadLetter moves the message to the queue's DLQ and acknowledges it.
	OutcomeDeadLetter
	// OutcomeRequeue returns the message to the queue untouched. Only
	// produced when the consumer is shutting down mid-retry and the failure
	// is one a redelivery can still fix.
	OutcomeRequeue
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "acked"
	case OutcomeDeadLetter:
		return "dead_lettered"
	case OutcomeRequeue:
		return "requeued"
	default:
		return "unknown"
	}
}

// DeliveryMetrics records delivery outcomes.
type DeliveryMetrics interface {
	RecordDelivery(ctx context.Context, queue, outcome string, attempts int)
}

// RetryPolicy bounds handler retries for one delivery.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// DrainTimeout is how long an in-flight delivery may keep running
	// after its consumer is stopped.
	DrainTimeout time.Duration
}

// RetryPolicyFromConfig reads the retry ceiling and backoff from bus config.
func RetryPolicyFromConfig(cfg *config.BusConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		DrainTimeout:   cfg.DrainTimeout,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		b.InitialInterval = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}
	b.MaxElapsedTime = 0
	b.Reset()

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// untilDone backs off between the policy's bounds with no attempt
// ceiling. It stops only when ctx ends.
func (p RetryPolicy) untilDone(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		b.InitialInterval = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// Permanent marks err as not worth retrying. The delivery is dead-lettered
// after the first failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// isPermanent reports errors that fail the same way on every attempt.
func isPermanent(err error) bool {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return true
	}
	return errors.Is(err, exchange.ErrValidation) ||
		errors.Is(err, exchange.ErrLimitExceeded) ||
		errors.Is(err, exchange.ErrEntryNotFound) ||
		errors.Is(err, exchange.ErrUnknownJobType) ||
		errors.Is(err, exchange.ErrTerminalFailure)
}

// Delivery runs a handler under the retry policy shared by every driver.
type Delivery struct {
	queue   string
	policy  RetryPolicy
	logger  *zap.Logger
	metrics DeliveryMetrics
	tracer  trace.Tracer
}

// NewDelivery creates the delivery policy for queue.
func NewDelivery(queue string, policy RetryPolicy, log *zap.Logger, metrics DeliveryMetrics) *Delivery {
	if log == nil {
		log = zap.NewNop()
	}
	return &Delivery{
		queue:   queue,
		policy:  policy,
		logger:  log.With(zap.String("queue", queue)),
		metrics: metrics,
		tracer:  otel.Tracer(tracerName),
	}
}

// Result is what Process decided for one delivery.
type Result struct {
	Outcome  Outcome
	Attempts int
	// Err is the last handler error, nil when acknowledged.
	Err error
}

// DeadLetterHeaders returns msg's headers annotated with the failure.
func (r Result) DeadLetterHeaders(queue string, headers map[string]string) map[string]string {
	cause := ""
	if r.Err != nil {
		cause = r.Err.Error()
	}
	return DeadLetterHeaders(headers, queue, r.Attempts, cause)
}

// Process hands msg to handler, retrying with exponential backoff until it
// succeeds, fails permanently, or exhausts the attempt ceiling. ctx is the
// subscription's work context. When it ends mid-retry the message is
// requeued, unless the failure is permanent: a job that failed after
// claiming its idempotency key would be skipped as a duplicate on
// redelivery, so it is dead-lettered even while stopping.
func (d *Delivery) Process(ctx context.Context, handler shared.MessageHandler, msg shared.Message) Result {
	if msg.Headers == nil {
		msg.Headers = map[string]string{}
	}
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Headers))
	ctx, span := d.tracer.Start(ctx, "consume "+d.queue,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", d.queue),
			attribute.String("messaging.message.id", msg.ID),
			attribute.String("messaging.routing_key", msg.Topic),
		),
	)
	defer span.End()

	ctx, log := logger.WithCorrelationID(ctx, d.logger, msg.Header(shared.HeaderCorrelationID))

	attempts := 0
	operation := func() error {
		attempts++
		msg.Attempt = attempts
		err := safeHandle(ctx, handler, msg)
		if err != nil && isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("message handler failed, retrying",
			zap.String("message_id", msg.ID),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(operation, d.policy.backOff(ctx), notify)
	outcome := OutcomeAck
	switch {
	case err == nil:
	case ctx.Err() != nil && !isPermanent(err):
		outcome = OutcomeRequeue
		log.Info("consumer stopping, message returned to queue",
			zap.String("message_id", msg.ID),
			zap.Int("attempts", attempts),
		)
	default:
		outcome = OutcomeDeadLetter
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("message dead-lettered",
			zap.String("message_id", msg.ID),
			zap.String("dead_letter_queue", DeadLetterQueue(d.queue)),
			zap.Int("attempts", attempts),
			zap.Error(fmt.Errorf("%w: %w", exchange.ErrTerminalFailure, err)),
		)
	}

	span.SetAttributes(
		attribute.Int("messaging.attempts", attempts),
		attribute.String("messaging.outcome", outcome.String()),
	)
	if d.metrics != nil {
		d.metrics.RecordDelivery(ctx, d.queue, outcome.String(), attempts)
	}
	return Result{Outcome: outcome, Attempts: attempts, Err: err}
}

// DeadLetterHeaders returns a copy of headers annotated with the failure.
func DeadLetterHeaders(headers map[string]string, queue string, attempts int, cause string) map[string]string {
	out := make(map[string]string, len(headers)+3)
	for k, v := range headers {
		out[k] = v
	}
	if len(cause) > maxDeathReasonLen {
		cause = cause[:maxDeathReasonLen]
	}
	out[HeaderOriginalQueue] = queue
	out[HeaderAttempts] = strconv.Itoa(attempts)
	if cause != "" {
		out[HeaderDeathReason] = cause
	}
	return out
}

func safeHandle(ctx context.Context, handler shared.MessageHandler, msg shared.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("message handler panicked: %v", r)
		}
	}()
	return handler(ctx, msg)
}
