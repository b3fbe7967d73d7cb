package messaging

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/erp/exchange/internal/domain/shared"
)

const defaultMemoryQueueCapacity = 1024

type memoryQueue struct {
	binding Binding
	ready   chan shared.Message

	mu   sync.Mutex
	dead []shared.Message
}

// MemoryOption configures a MemoryBroker.
type MemoryOption func(*MemoryBroker)

// WithQueueCapacity bounds each in-memory queue. Publish blocks while the
// queue is full.
func WithQueueCapacity(n int) MemoryOption {
	return func(b *MemoryBroker) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithMemoryMetrics records delivery outcomes.
func WithMemoryMetrics(m DeliveryMetrics) MemoryOption {
	return func(b *MemoryBroker) {
		b.metrics = m
	}
}

// MemoryBroker is an in-process Broker. Queues and subscriptions follow the
// same topology and delivery policy as the networked drivers; nothing
// survives a restart.
type MemoryBroker struct {
	topology Topology
	policy   RetryPolicy
	logger   *zap.Logger
	metrics  DeliveryMetrics
	registry *Registry
	capacity int
	queues   map[string]*memoryQueue
	closed   atomic.Bool
}

// NewMemoryBroker creates an in-process broker with the queues of topology.
func NewMemoryBroker(topology Topology, policy RetryPolicy, logger *zap.Logger, opts ...MemoryOption) *MemoryBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &MemoryBroker{
		topology: topology,
		policy:   policy,
		logger:   logger.Named("memory-broker"),
		registry: NewRegistry(WithDrainTimeout(policy.DrainTimeout)),
		capacity: defaultMemoryQueueCapacity,
		queues:   make(map[string]*memoryQueue, len(topology)),
	}
	for _, opt := range opts {
		opt(b)
	}
	for _, binding := range topology {
		b.queues[binding.Queue] = &memoryQueue{
			binding: binding,
			ready:   make(chan shared.Message, b.capacity),
		}
	}
	return b
}

// Publish copies the message into every queue bound to topic. A topic with
// no bound queue is dropped, as an AMQP exchange drops unroutable messages.
func (b *MemoryBroker) Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	queues := b.topology.QueuesFor(topic)
	if len(queues) == 0 {
		b.logger.Debug("no queue bound to routing key, message dropped", zap.String("routing_key", topic))
		return nil
	}

	id := headers[shared.HeaderEventID]
	if id == "" {
		id = uuid.NewString()
	}
	for _, name := range queues {
		msg := shared.Message{
			ID:      id,
			Topic:   topic,
			Key:     key,
			Payload: append([]byte(nil), payload...),
			Headers: copyHeaders(headers),
		}
		select {
		case b.queues[name].ready <- msg:
		case <-ctx.Done():
			return fmt.Errorf("publish to %s: %w", name, ctx.Err())
		}
	}
	return nil
}

// Consume starts opts.Concurrency workers on queue.
func (b *MemoryBroker) Consume(ctx context.Context, queue string, handler shared.MessageHandler, opts ConsumeOptions) (*Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBrokerClosed
	}
	q, ok := b.queues[queue]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}

	sub := b.registry.Register(ctx, queue, handler)
	delivery := NewDelivery(queue, b.policy, b.logger, b.metrics)
	for i := 0; i < opts.workers(); i++ {
		sub.Go(func(ctx context.Context) {
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-q.ready:
					b.settle(q, msg, delivery.Process(sub.WorkContext(), sub.Handler, msg))
				}
			}
		})
	}
	b.logger.Debug("subscribed", zap.String("queue", queue), zap.Int("workers", opts.workers()))
	return sub, nil
}

func (b *MemoryBroker) settle(q *memoryQueue, msg shared.Message, res Result) {
	switch res.Outcome {
	case OutcomeAck:
	case OutcomeDeadLetter:
		msg.Headers = res.DeadLetterHeaders(q.binding.Queue, msg.Headers)
		msg.Attempt = res.Attempts
		q.mu.Lock()
		q.dead = append(q.dead, msg)
		q.mu.Unlock()
	case OutcomeRequeue:
		select {
		case q.ready <- msg:
		default:
			b.logger.Warn("queue full, message lost on shutdown",
				zap.String("queue", q.binding.Queue),
				zap.String("message_id", msg.ID),
			)
		}
	}
}

// Inspect reports ready messages and dead letters of queue.
func (b *MemoryBroker) Inspect(ctx context.Context, queue string) (shared.QueueStats, error) {
	q, ok := b.queues[queue]
	if !ok {
		return shared.QueueStats{}, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	q.mu.Lock()
	dead := len(q.dead)
	q.mu.Unlock()

	return shared.QueueStats{
		Queue:       queue,
		Depth:       int64(len(q.ready)),
		Consumers:   len(b.registry.Subscriptions(queue)),
		DeadLetters: int64(dead),
		ObservedAt:  time.Now().UTC(),
	}, nil
}

// DeadLetters returns a copy of the dead-lettered messages of queue.
func (b *MemoryBroker) DeadLetters(queue string) []shared.Message {
	q, ok := b.queues[queue]
	if !ok {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]shared.Message(nil), q.dead...)
}

// Registry exposes the live subscriptions.
func (b *MemoryBroker) Registry() *Registry {
	return b.registry
}

// Ping fails once the broker is closed.
func (b *MemoryBroker) Ping(ctx context.Context) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	return ctx.Err()
}

// Close stops every subscription. Undelivered messages are discarded.
func (b *MemoryBroker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.registry.UnsubscribeAll()
	return nil
}

var _ Broker = (*MemoryBroker)(nil)
