package event

import (
	"context"
	"errors"
	"fmt"

	"github.com/erp/exchange/internal/domain/shared"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// OutboxPublisherConfig holds configuration for the outbox publisher
type OutboxPublisherConfig struct {
	BatchSize   int
	MaxAttempts int
}

// DefaultOutboxPublisherConfig returns default configuration
func DefaultOutboxPublisherConfig() OutboxPublisherConfig {
	return OutboxPublisherConfig{
		BatchSize:   100,
		MaxAttempts: 5,
	}
}

// OutboxMetrics receives one observation per publish attempt. outcome is
// "sent", "retry" or "failed".
type OutboxMetrics interface {
	RecordOutboxPublish(ctx context.Context, eventType, outcome string)
}

// OutboxPublisher relays NEW outbox messages to the bus. Each pass handles
// its batch sequentially so messages of one aggregate leave in creation
// order; callers must not run two passes of the same publisher at once.
type OutboxPublisher struct {
	repo      shared.OutboxRepository
	publisher shared.MessagePublisher
	config    OutboxPublisherConfig
	logger    *zap.Logger
	metrics   OutboxMetrics
}

// NewOutboxPublisher creates a new outbox publisher
func NewOutboxPublisher(
	repo shared.OutboxRepository,
	publisher shared.MessagePublisher,
	config OutboxPublisherConfig,
	logger *zap.Logger,
) *OutboxPublisher {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultOutboxPublisherConfig().BatchSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultOutboxPublisherConfig().MaxAttempts
	}
	return &OutboxPublisher{
		repo:      repo,
		publisher: publisher,
		config:    config,
		logger:    logger.Named("outbox"),
	}
}

// WithMetrics attaches a metrics sink.
func (p *OutboxPublisher) WithMetrics(m OutboxMetrics) *OutboxPublisher {
	p.metrics = m
	return p
}

// RunOnce publishes one batch and reports how many messages were sent.
func (p *OutboxPublisher) RunOnce(ctx context.Context) (int, error) {
	sent := 0
	err := p.repo.ClaimNew(ctx, p.config.BatchSize, func(ctx context.Context, batch []*shared.OutboxMessage) error {
		for _, msg := range batch {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if p.publishOne(ctx, msg) {
				sent++
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return sent, fmt.Errorf("outbox pass: %w", err)
	}
	if sent > 0 {
		p.logger.Debug("outbox pass complete", zap.Int("sent", sent))
	}
	return sent, err
}

// Run is RunOnce without the count, for the scheduler.
func (p *OutboxPublisher) Run(ctx context.Context) error {
	_, err := p.RunOnce(ctx)
	return err
}

func (p *OutboxPublisher) publishOne(ctx context.Context, msg *shared.OutboxMessage) bool {
	headers := map[string]string{
		shared.HeaderEventID:       msg.ID.String(),
		shared.HeaderEventType:     msg.EventType,
		shared.HeaderAggregateType: msg.AggregateType,
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))

	err := p.publisher.Publish(ctx, msg.EventType, msg.AggregateID, msg.Payload, headers)
	if err != nil && ctx.Err() != nil {
		// Cut off by shutdown; the message stays NEW without spending an attempt.
		p.logger.Debug("outbox publish interrupted", zap.String("event_id", msg.ID.String()), zap.Error(err))
		return false
	}
	if err == nil {
		if markErr := msg.MarkSent(); markErr != nil {
			p.logger.Error("outbox message changed state during publish", zap.String("event_id", msg.ID.String()), zap.Error(markErr))
			return false
		}
		p.record(ctx, msg.EventType, "sent")
		return true
	}

	if markErr := msg.MarkFailed(err, p.config.MaxAttempts); markErr != nil {
		p.logger.Error("outbox message changed state during publish", zap.String("event_id", msg.ID.String()), zap.Error(markErr))
		return false
	}
	fields := []zap.Field{
		zap.String("event_id", msg.ID.String()),
		zap.String("event_type", msg.EventType),
		zap.String("aggregate_type", msg.AggregateType),
		zap.String("aggregate_id", msg.AggregateID),
		zap.Int("attempts", msg.Attempts),
		zap.Error(err),
	}
	if msg.Status == shared.OutboxStatusFailed {
		p.logger.Error("outbox message failed permanently, operator requeue required", fields...)
		p.record(ctx, msg.EventType, "failed")
	} else {
		p.logger.Warn("outbox publish failed, will retry", fields...)
		p.record(ctx, msg.EventType, "retry")
	}
	return false
}

func (p *OutboxPublisher) record(ctx context.Context, eventType, outcome string) {
	if p.metrics != nil {
		p.metrics.RecordOutboxPublish(ctx, eventType, outcome)
	}
}
