package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/erp/exchange/internal/domain/shared"
	"github.com/erp/exchange/internal/infrastructure/config"
)

const kafkaDialTimeout = 5 * time.Second

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaBroker maps each routing key to a topic and each queue to a consumer
// group on that topic. Messages with the same key land on one partition
// and keep their order.
type KafkaBroker struct {
	brokers  []string
	group    string
	topology Topology
	policy   RetryPolicy
	logger   *zap.Logger
	metrics  DeliveryMetrics
	registry *Registry
	tracer   trace.Tracer
	writer   kafkaWriter
	client   *kafka.Client
	closed   atomic.Bool
}

// NewKafkaBroker creates the shared writer. Topics are created on first
// publish when the cluster allows it.
func NewKafkaBroker(cfg *config.BusConfig, topology Topology, logger *zap.Logger, metrics DeliveryMetrics) (*KafkaBroker, error) {
	brokers := SplitBrokers(strings.Join(cfg.Brokers, ","))
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers not configured")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	writeTimeout := cfg.PublishTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &KafkaBroker{
		brokers:  brokers,
		group:    cfg.ConsumerGroup,
		topology: topology,
		policy:   RetryPolicyFromConfig(cfg),
		logger:   logger.Named("kafka"),
		metrics:  metrics,
		registry: NewRegistry(WithDrainTimeout(cfg.DrainTimeout)),
		tracer:   otel.Tracer(tracerName),
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			WriteTimeout:           writeTimeout,
			BatchTimeout:           10 * time.Millisecond,
		},
		client: &kafka.Client{
			Addr:    kafka.TCP(brokers...),
			Timeout: kafkaDialTimeout,
		},
	}, nil
}

// groupFor names the consumer group backing queue.
func (b *KafkaBroker) groupFor(queue string) string {
	if b.group == "" {
		return queue
	}
	return b.group + "." + queue
}

// Publish writes one message to the topic named by topic. key picks the
// partition through the hash balancer.
func (b *KafkaBroker) Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	ctx, span := b.tracer.Start(ctx, "publish "+topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", topic),
			attribute.String("messaging.kafka.message.key", key),
			attribute.Int("messaging.message.body.size", len(payload)),
		),
	)
	defer span.End()

	hdrs := copyHeaders(headers)
	if hdrs[shared.HeaderEventID] == "" {
		hdrs[shared.HeaderEventID] = uuid.NewString()
	}
	kh := make([]kafka.Header, 0, len(hdrs)+2)
	for k, v := range hdrs {
		kh = append(kh, kafka.Header{Key: k, Value: []byte(v)})
	}
	kh = InjectTraceHeaders(ctx, kh)

	msg := kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   payload,
		Headers: kh,
		Time:    time.Now().UTC(),
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Consume starts opts.Concurrency readers in the queue's consumer group.
// Offsets are committed only after a message is settled.
func (b *KafkaBroker) Consume(ctx context.Context, queue string, handler shared.MessageHandler, opts ConsumeOptions) (*Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBrokerClosed
	}
	binding, ok := b.topology.Lookup(queue)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}

	sub := b.registry.Register(ctx, queue, handler)
	delivery := NewDelivery(queue, b.policy, b.logger, b.metrics)
	for i := 0; i < opts.workers(); i++ {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:  b.brokers,
			GroupID:  b.groupFor(queue),
			Topic:    binding.RoutingKey,
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  time.Second,
		})
		sub.Go(func(ctx context.Context) {
			defer reader.Close()
			b.readLoop(ctx, sub.WorkContext(), reader, binding, delivery, sub.Handler)
		})
	}

	b.logger.Info("consuming topic",
		zap.String("queue", queue),
		zap.String("topic", binding.RoutingKey),
		zap.String("group", b.groupFor(queue)),
		zap.Int("workers", opts.workers()),
	)
	return sub, nil
}

// readLoop fetches on ctx and handles, dead-letters and commits on work,
// which outlives ctx by the drain timeout.
func (b *KafkaBroker) readLoop(ctx, work context.Context, reader kafkaReader, binding Binding, delivery *Delivery, handler shared.MessageHandler) {
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("kafka fetch failed", zap.String("queue", binding.Queue), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		msg := fromKafka(m)
		res := delivery.Process(work, handler, msg)
		switch res.Outcome {
		case OutcomeRequeue:
			// Not committed; the group redelivers it after rebalance.
			return
		case OutcomeDeadLetter:
			if err := b.deadLetter(work, binding, m, msg.ID, res); err != nil {
				b.logger.Error("failed to dead-letter message, leaving offset uncommitted",
					zap.String("queue", binding.Queue),
					zap.String("message_id", msg.ID),
					zap.Error(err),
				)
				return
			}
		}
		if err := reader.CommitMessages(work, m); err != nil && work.Err() == nil {
			b.logger.Error("kafka commit failed",
				zap.String("queue", binding.Queue),
				zap.Int("partition", m.Partition),
				zap.Int64("offset", m.Offset),
				zap.Error(err),
			)
		}
	}
}

// deadLetter retries the DLQ write until it lands or ctx ends. Committing
// past a message that never reached the DLQ would lose it.
func (b *KafkaBroker) deadLetter(ctx context.Context, binding Binding, m kafka.Message, id string, res Result) error {
	attempt := 0
	op := func() error {
		attempt++
		return b.writeDeadLetter(ctx, binding, m, res)
	}
	notify := func(err error, wait time.Duration) {
		b.logger.Warn("dead-letter write failed, retrying",
			zap.String("queue", binding.Queue),
			zap.String("message_id", id),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}
	return backoff.RetryNotify(op, b.policy.untilDone(ctx), notify)
}

func (b *KafkaBroker) writeDeadLetter(ctx context.Context, binding Binding, m kafka.Message, res Result) error {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	headers = res.DeadLetterHeaders(binding.Queue, headers)

	kh := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		kh = append(kh, kafka.Header{Key: k, Value: []byte(v)})
	}
	return b.writer.WriteMessages(ctx, kafka.Message{
		Topic:   binding.DeadLetter(),
		Key:     m.Key,
		Value:   m.Value,
		Headers: kh,
		Time:    time.Now().UTC(),
	})
}

func fromKafka(m kafka.Message) shared.Message {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	id := headers[shared.HeaderEventID]
	if id == "" {
		id = fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset)
	}
	return shared.Message{
		ID:      id,
		Topic:   m.Topic,
		Key:     string(m.Key),
		Payload: m.Value,
		Headers: headers,
	}
}

// Inspect reports the consumer group lag of queue as its depth and the
// retained size of its DLQ topic as its dead-letter count.
func (b *KafkaBroker) Inspect(ctx context.Context, queue string) (shared.QueueStats, error) {
	if b.closed.Load() {
		return shared.QueueStats{}, ErrBrokerClosed
	}
	binding, ok := b.topology.Lookup(queue)
	if !ok {
		return shared.QueueStats{}, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}

	depth, err := b.groupLag(ctx, binding.RoutingKey, b.groupFor(queue))
	if err != nil {
		return shared.QueueStats{}, err
	}
	dead, err := b.retained(ctx, binding.DeadLetter())
	if err != nil {
		return shared.QueueStats{}, err
	}
	return shared.QueueStats{
		Queue:       queue,
		Depth:       depth,
		Consumers:   len(b.registry.Subscriptions(queue)),
		DeadLetters: dead,
		ObservedAt:  time.Now().UTC(),
	}, nil
}

func (b *KafkaBroker) partitions(ctx context.Context, topic string) ([]int, error) {
	meta, err := b.client.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{topic}})
	if err != nil {
		return nil, fmt.Errorf("metadata %s: %w", topic, err)
	}
	var ids []int
	for _, t := range meta.Topics {
		if t.Name != topic {
			continue
		}
		if t.Error != nil {
			if errors.Is(t.Error, kafka.UnknownTopicOrPartition) {
				return nil, nil
			}
			return nil, fmt.Errorf("metadata %s: %w", topic, t.Error)
		}
		for _, p := range t.Partitions {
			ids = append(ids, p.ID)
		}
	}
	return ids, nil
}

func (b *KafkaBroker) offsets(ctx context.Context, topic string, ids []int) ([]kafka.PartitionOffsets, error) {
	reqs := make([]kafka.OffsetRequest, 0, 2*len(ids))
	for _, id := range ids {
		reqs = append(reqs, kafka.FirstOffsetOf(id), kafka.LastOffsetOf(id))
	}
	resp, err := b.client.ListOffsets(ctx, &kafka.ListOffsetsRequest{
		Topics: map[string][]kafka.OffsetRequest{topic: reqs},
	})
	if err != nil {
		return nil, fmt.Errorf("list offsets %s: %w", topic, err)
	}
	return resp.Topics[topic], nil
}

// retained counts messages still held by topic.
func (b *KafkaBroker) retained(ctx context.Context, topic string) (int64, error) {
	ids, err := b.partitions(ctx, topic)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	offsets, err := b.offsets(ctx, topic, ids)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, p := range offsets {
		if p.Error != nil {
			return 0, fmt.Errorf("offsets %s/%d: %w", topic, p.Partition, p.Error)
		}
		total += p.LastOffset - p.FirstOffset
	}
	return total, nil
}

// groupLag sums end offset minus committed offset across partitions.
// Partitions the group never committed count from their first offset.
func (b *KafkaBroker) groupLag(ctx context.Context, topic, group string) (int64, error) {
	ids, err := b.partitions(ctx, topic)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	offsets, err := b.offsets(ctx, topic, ids)
	if err != nil {
		return 0, err
	}
	committed, err := b.client.OffsetFetch(ctx, &kafka.OffsetFetchRequest{
		GroupID: group,
		Topics:  map[string][]int{topic: ids},
	})
	if err != nil {
		return 0, fmt.Errorf("offset fetch %s: %w", group, err)
	}
	if committed.Error != nil {
		return 0, fmt.Errorf("offset fetch %s: %w", group, committed.Error)
	}

	byPartition := make(map[int]int64, len(ids))
	for _, p := range committed.Topics[topic] {
		byPartition[p.Partition] = p.CommittedOffset
	}
	var lag int64
	for _, p := range offsets {
		start, ok := byPartition[p.Partition]
		if !ok || start < 0 {
			start = p.FirstOffset
		}
		if p.LastOffset > start {
			lag += p.LastOffset - start
		}
	}
	return lag, nil
}

// Ping dials the first reachable broker.
func (b *KafkaBroker) Ping(ctx context.Context) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	dialer := kafka.Dialer{Timeout: kafkaDialTimeout}
	var lastErr error
	for _, addr := range b.brokers {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		_ = conn.Close()
		return nil
	}
	return fmt.Errorf("kafka ping: %w", lastErr)
}

// Close stops readers and flushes the writer.
func (b *KafkaBroker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.registry.UnsubscribeAll()
	if err := b.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}

// SplitBrokers parses a comma separated broker list.
func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// InjectTraceHeaders adds W3C trace context to Kafka headers.
func InjectTraceHeaders(ctx context.Context, headers []kafka.Header) []kafka.Header {
	carrier := &kafkaHeaderCarrier{headers: headers}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier.headers
}

type kafkaHeaderCarrier struct {
	headers []kafka.Header
}

func (c *kafkaHeaderCarrier) Get(key string) string {
	for _, h := range c.headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *kafkaHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for _, h := range c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}

func (c *kafkaHeaderCarrier) Set(key, value string) {
	for i := range c.headers {
		if c.headers[i].Key == key {
			c.headers[i].Value = []byte(value)
			return
		}
	}
	c.headers = append(c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

var (
	_ propagation.TextMapCarrier = (*kafkaHeaderCarrier)(nil)
	_ Broker                     = (*KafkaBroker)(nil)
)
