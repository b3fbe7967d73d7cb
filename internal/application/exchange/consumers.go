package exchange

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/erp/exchange/internal/domain/exchange"
	"github.com/erp/exchange/internal/infrastructure/messaging"
)

// ConsumerGroup runs one subscription per job queue.
type ConsumerGroup struct {
	consumer    messaging.Consumer
	pipeline    *Pipeline
	concurrency int
	logger      *zap.Logger

	mu   sync.Mutex
	subs []*messaging.Subscription
}

// NewConsumerGroup creates a consumer group. concurrency is the number of
// workers per queue.
func NewConsumerGroup(consumer messaging.Consumer, pipeline *Pipeline, concurrency int, logger *zap.Logger) *ConsumerGroup {
	return &ConsumerGroup{
		consumer:    consumer,
		pipeline:    pipeline,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Start subscribes every job type's queue. On error the subscriptions
// already made are cancelled.
func (g *ConsumerGroup) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.subs) > 0 {
		return fmt.Errorf("consumer group already started")
	}

	for _, t := range exchange.AllJobTypes() {
		sub, err := g.consumer.Consume(ctx, t.QueueName(), g.pipeline.Handler(t), messaging.ConsumeOptions{Concurrency: g.concurrency})
		if err != nil {
			g.stopLocked()
			return fmt.Errorf("consume %s: %w", t.QueueName(), err)
		}
		g.subs = append(g.subs, sub)
		g.logger.Info("exchange consumer started",
			zap.String("job_type", t.String()),
			zap.String("queue", t.QueueName()),
			zap.Int("concurrency", g.concurrency),
		)
	}
	return nil
}

// Stop cancels all subscriptions and waits for in-flight deliveries.
func (g *ConsumerGroup) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopLocked()
}

func (g *ConsumerGroup) stopLocked() {
	for _, sub := range g.subs {
		sub.Unsubscribe()
	}
	g.subs = nil
}

// Queues lists the queues the group consumes.
func (g *ConsumerGroup) Queues() []string {
	types := exchange.AllJobTypes()
	queues := make([]string, len(types))
	for i, t := range types {
		queues[i] = t.QueueName()
	}
	return queues
}
