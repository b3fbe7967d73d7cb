package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/erp/exchange/internal/domain/shared"
	"github.com/erp/exchange/internal/infrastructure/config"
)

// confirmBuffer holds confirms that arrive while no publish waits for
// them, so the channel's dispatcher never blocks on a late confirm.
const confirmBuffer = 64

type amqpPublisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQBroker publishes to a durable topic exchange and consumes queues
// declared with a dead-letter exchange named "<exchange>.dlx".
type RabbitMQBroker struct {
	conn     *amqp.Connection
	exchange string
	topology Topology
	policy   RetryPolicy
	prefetch int
	timeout  time.Duration
	logger   *zap.Logger
	metrics  DeliveryMetrics
	registry *Registry
	tracer   trace.Tracer

	pubMu    sync.Mutex
	pubCh    amqpPublisher
	confirms chan amqp.Confirmation
	// pubSeq is the delivery tag of the last publish on pubCh.
	pubSeq uint64

	closed atomic.Bool
}

// NewRabbitMQBroker dials cfg.URL and declares the exchange, queues and
// dead-letter queues of topology.
func NewRabbitMQBroker(cfg *config.BusConfig, topology Topology, logger *zap.Logger, metrics DeliveryMetrics) (*RabbitMQBroker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("rabbitmq")

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq %s: %w", config.RedactURL(cfg.URL), err)
	}

	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		for amqpErr := range notifyClose {
			logger.Error("rabbitmq connection closed", zap.String("reason", amqpErr.Reason), zap.Int("code", amqpErr.Code))
		}
	}()

	b := &RabbitMQBroker{
		conn:     conn,
		exchange: cfg.Exchange,
		topology: topology,
		policy:   RetryPolicyFromConfig(cfg),
		prefetch: cfg.Prefetch,
		timeout:  cfg.PublishTimeout,
		logger:   logger,
		metrics:  metrics,
		registry: NewRegistry(WithDrainTimeout(cfg.DrainTimeout)),
		tracer:   otel.Tracer(tracerName),
	}

	if err := b.declare(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := b.openPublisher(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	logger.Info("connected to rabbitmq",
		zap.String("url", config.RedactURL(cfg.URL)),
		zap.String("exchange", cfg.Exchange),
		zap.Int("queues", len(topology)),
	)
	return b, nil
}

func (b *RabbitMQBroker) deadLetterExchange() string {
	return b.exchange + ".dlx"
}

func (b *RabbitMQBroker) declare() error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(b.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", b.exchange, err)
	}
	dlx := b.deadLetterExchange()
	if err := ch.ExchangeDeclare(dlx, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", dlx, err)
	}

	for _, binding := range b.topology {
		dlq := binding.DeadLetter()
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", dlq, err)
		}
		if err := ch.QueueBind(dlq, dlq, dlx, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", dlq, err)
		}

		args := amqp.Table{
			"x-dead-letter-exchange":    dlx,
			"x-dead-letter-routing-key": dlq,
		}
		if _, err := ch.QueueDeclare(binding.Queue, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare queue %s: %w", binding.Queue, err)
		}
		if err := ch.QueueBind(binding.Queue, binding.RoutingKey, b.exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", binding.Queue, binding.RoutingKey, err)
		}
	}
	return nil
}

func (b *RabbitMQBroker) openPublisher() error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open publish channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	b.pubCh = ch
	b.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))
	b.pubSeq = 0
	return nil
}

// Publish sends payload to the topic exchange with topic as routing key and
// waits for the broker to confirm it.
func (b *RabbitMQBroker) Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	ctx, span := b.tracer.Start(ctx, "publish "+topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", b.exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", topic),
			attribute.Int("messaging.message.body.size", len(payload)),
		),
	)
	defer span.End()

	hdrs := copyHeaders(headers)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(hdrs))
	if key != "" {
		hdrs["x-message-key"] = key
	}
	table := make(amqp.Table, len(hdrs))
	for k, v := range hdrs {
		table[k] = v
	}

	msgID := hdrs[shared.HeaderEventID]
	if msgID == "" {
		msgID = uuid.NewString()
	}
	publishing := amqp.Publishing{
		Headers:       table,
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: hdrs[shared.HeaderCorrelationID],
		MessageId:     msgID,
		Timestamp:     time.Now().UTC(),
		Body:          payload,
	}

	if err := b.publishConfirmed(ctx, topic, publishing); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// publishConfirmed publishes msg and waits for the confirm carrying its
// delivery tag. Confirms for earlier publishes that gave up waiting are
// discarded.
func (b *RabbitMQBroker) publishConfirmed(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	if err := b.pubCh.Publish(b.exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	b.pubSeq++
	tag := b.pubSeq

	timeout := b.timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case confirm, ok := <-b.confirms:
			if !ok {
				return fmt.Errorf("publish %s: confirm channel closed", routingKey)
			}
			if confirm.DeliveryTag < tag {
				b.logger.Debug("discarding late publisher confirm",
					zap.Uint64("delivery_tag", confirm.DeliveryTag),
					zap.Bool("ack", confirm.Ack),
				)
				continue
			}
			if confirm.DeliveryTag > tag {
				return fmt.Errorf("publish %s: confirm for delivery %d skipped to %d", routingKey, tag, confirm.DeliveryTag)
			}
			if !confirm.Ack {
				return fmt.Errorf("publish %s: broker nacked delivery %d", routingKey, tag)
			}
			return nil
		case <-timer.C:
			return fmt.Errorf("publish %s: no confirm within %s", routingKey, timeout)
		case <-ctx.Done():
			return fmt.Errorf("publish %s: %w", routingKey, ctx.Err())
		}
	}
}

// Consume opens a channel with Qos(prefetch) and runs opts.Concurrency
// workers over its deliveries.
func (b *RabbitMQBroker) Consume(ctx context.Context, queue string, handler shared.MessageHandler, opts ConsumeOptions) (*Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBrokerClosed
	}
	if _, ok := b.topology.Lookup(queue); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open consumer channel: %w", err)
	}
	prefetch := b.prefetch
	if prefetch < opts.workers() {
		prefetch = opts.workers()
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("set qos on %s: %w", queue, err)
	}

	sub := b.registry.Register(ctx, queue, handler)
	tag := fmt.Sprintf("%s-%d", queue, sub.ID)
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		b.registry.Unregister(sub.ID)
		_ = ch.Close()
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}

	delivery := NewDelivery(queue, b.policy, b.logger, b.metrics)
	for i := 0; i < opts.workers(); i++ {
		sub.Go(func(ctx context.Context) {
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					msg := fromAMQP(d)
					b.settle(queue, d, delivery.Process(sub.WorkContext(), sub.Handler, msg))
				}
			}
		})
	}

	// Stop the server-side consumer once the subscription ends so that
	// unacked deliveries go back to the queue.
	go func() {
		<-sub.Context().Done()
		sub.Wait()
		if err := ch.Cancel(tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
			b.logger.Debug("cancel consumer", zap.String("tag", tag), zap.Error(err))
		}
		_ = ch.Close()
	}()

	b.logger.Info("consuming queue", zap.String("queue", queue), zap.Int("workers", opts.workers()), zap.Int("prefetch", prefetch))
	return sub, nil
}

func (b *RabbitMQBroker) settle(queue string, d amqp.Delivery, res Result) {
	var err error
	switch res.Outcome {
	case OutcomeAck:
		err = d.Ack(false)
	case OutcomeDeadLetter:
		// The queue's x-dead-letter-exchange routes the rejected delivery
		// to its DLQ.
		err = d.Reject(false)
	case OutcomeRequeue:
		err = d.Nack(false, true)
	}
	if err != nil {
		b.logger.Error("failed to settle delivery",
			zap.String("queue", queue),
			zap.String("outcome", res.Outcome.String()),
			zap.Uint64("delivery_tag", d.DeliveryTag),
			zap.Error(err),
		)
	}
}

func fromAMQP(d amqp.Delivery) shared.Message {
	headers := make(map[string]string, len(d.Headers)+1)
	for k, v := range d.Headers {
		switch val := v.(type) {
		case string:
			headers[k] = val
		case []byte:
			headers[k] = string(val)
		default:
			headers[k] = fmt.Sprint(val)
		}
	}
	if d.CorrelationId != "" && headers[shared.HeaderCorrelationID] == "" {
		headers[shared.HeaderCorrelationID] = d.CorrelationId
	}
	return shared.Message{
		ID:      d.MessageId,
		Topic:   d.RoutingKey,
		Key:     headers["x-message-key"],
		Payload: d.Body,
		Headers: headers,
	}
}

// Inspect reads the ready count of queue and its DLQ with passive declares.
func (b *RabbitMQBroker) Inspect(ctx context.Context, queue string) (shared.QueueStats, error) {
	if b.closed.Load() {
		return shared.QueueStats{}, ErrBrokerClosed
	}
	binding, ok := b.topology.Lookup(queue)
	if !ok {
		return shared.QueueStats{}, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}

	// A failed inspect closes the channel, so each call gets its own.
	ch, err := b.conn.Channel()
	if err != nil {
		return shared.QueueStats{}, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueInspect(binding.Queue)
	if err != nil {
		return shared.QueueStats{}, fmt.Errorf("inspect %s: %w", binding.Queue, err)
	}
	dlq, err := ch.QueueInspect(binding.DeadLetter())
	if err != nil {
		return shared.QueueStats{}, fmt.Errorf("inspect %s: %w", binding.DeadLetter(), err)
	}
	return shared.QueueStats{
		Queue:       queue,
		Depth:       int64(q.Messages),
		Consumers:   q.Consumers,
		DeadLetters: int64(dlq.Messages),
		ObservedAt:  time.Now().UTC(),
	}, nil
}

// Ping opens and closes a channel on the live connection.
func (b *RabbitMQBroker) Ping(ctx context.Context) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	if b.conn.IsClosed() {
		return fmt.Errorf("rabbitmq: %w", amqp.ErrClosed)
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq ping: %w", err)
	}
	return ch.Close()
}

// Close stops consumers, waits for in-flight deliveries and closes the
// connection.
func (b *RabbitMQBroker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.registry.UnsubscribeAll()

	b.pubMu.Lock()
	if b.pubCh != nil {
		_ = b.pubCh.Close()
	}
	b.pubMu.Unlock()

	if err := b.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("close rabbitmq connection: %w", err)
	}
	return nil
}

var _ Broker = (*RabbitMQBroker)(nil)
