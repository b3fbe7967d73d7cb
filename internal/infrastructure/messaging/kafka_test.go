package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/erp/exchange/internal/domain/shared"
	"github.com/erp/exchange/internal/infrastructure/config"
)

func TestSplitBrokers(t *testing.T) {
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, SplitBrokers(" k1:9092, ,k2:9092 "))
	assert.Nil(t, SplitBrokers(""))
}

func TestInjectTraceHeaders(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	headers := InjectTraceHeaders(ctx, []kafka.Header{{Key: "event_id", Value: []byte("e-1")}})

	carrier := &kafkaHeaderCarrier{headers: headers}
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", carrier.Get("traceparent"))
	assert.Equal(t, "e-1", carrier.Get("event_id"))
	assert.ElementsMatch(t, []string{"event_id", "traceparent"}, carrier.Keys())
}

func TestKafkaHeaderCarrier_SetOverwrites(t *testing.T) {
	c := &kafkaHeaderCarrier{}
	c.Set("k", "1")
	c.Set("k", "2")
	require.Len(t, c.headers, 1)
	assert.Equal(t, "2", c.Get("k"))
	assert.Equal(t, "", c.Get("missing"))
}

func TestFromKafka(t *testing.T) {
	msg := fromKafka(kafka.Message{
		Topic:     "orders.apply",
		Partition: 2,
		Offset:    41,
		Key:       []byte("req-1"),
		Value:     []byte("{}"),
		Headers:   []kafka.Header{{Key: "x-correlation-id", Value: []byte("corr")}},
	})
	assert.Equal(t, "orders.apply/2/41", msg.ID)
	assert.Equal(t, "req-1", msg.Key)
	assert.Equal(t, "corr", msg.Header("x-correlation-id"))

	msg = fromKafka(kafka.Message{Headers: []kafka.Header{{Key: "event_id", Value: []byte("e-9")}}})
	assert.Equal(t, "e-9", msg.ID)
}

func TestNewKafkaBroker(t *testing.T) {
	_, err := NewKafkaBroker(&config.BusConfig{Brokers: []string{" "}}, DefaultTopology(), zap.NewNop(), nil)
	assert.Error(t, err)

	b, err := NewKafkaBroker(&config.BusConfig{
		Brokers:       []string{"127.0.0.1:1"},
		ConsumerGroup: "erp-exchange",
		MaxAttempts:   3,
	}, DefaultTopology(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "erp-exchange.orders.apply.q", b.groupFor("orders.apply.q"))

	_, err = b.Consume(context.Background(), "unknown.q", noopHandler, ConsumeOptions{})
	assert.ErrorIs(t, err, ErrUnknownQueue)
	_, err = b.Inspect(context.Background(), "unknown.q")
	assert.ErrorIs(t, err, ErrUnknownQueue)

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(context.Background(), "orders.apply", "", nil, nil), ErrBrokerClosed)
	assert.ErrorIs(t, b.Ping(context.Background()), ErrBrokerClosed)
}

func TestKafkaBroker_PingUnreachable(t *testing.T) {
	b, err := NewKafkaBroker(&config.BusConfig{Brokers: []string{"127.0.0.1:1"}}, DefaultTopology(), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	assert.Error(t, b.Ping(context.Background()))
}

type fakeKafkaReader struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []int64
}

func (r *fakeKafkaReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeKafkaReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeKafkaReader) Close() error { return nil }

func (r *fakeKafkaReader) Committed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

// flakyKafkaWriter fails its first failures writes, every write when negative.
type flakyKafkaWriter struct {
	failures int

	mu      sync.Mutex
	calls   int
	written []kafka.Message
}

func (w *flakyKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.failures < 0 || w.calls <= w.failures {
		return errors.New("leader not available")
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *flakyKafkaWriter) Close() error { return nil }

func (w *flakyKafkaWriter) Written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.written...)
}

func newLoopBroker(t *testing.T, w kafkaWriter) *KafkaBroker {
	return &KafkaBroker{
		policy:   testPolicy(1),
		logger:   zaptest.NewLogger(t),
		registry: NewRegistry(),
		writer:   w,
	}
}

func rejectBad(_ context.Context, msg shared.Message) error {
	if string(msg.Payload) == "bad" {
		return Permanent(errors.New("malformed order"))
	}
	return nil
}

func TestKafkaBroker_ReadLoopRetriesDeadLetterWrite(t *testing.T) {
	writer := &flakyKafkaWriter{failures: 2}
	b := newLoopBroker(t, writer)
	binding := Binding{Queue: "orders.apply.q", RoutingKey: "orders.apply"}
	reader := &fakeKafkaReader{msgs: make(chan kafka.Message, 2)}
	reader.msgs <- kafka.Message{Topic: "orders.apply", Offset: 1, Value: []byte("bad")}
	reader.msgs <- kafka.Message{Topic: "orders.apply", Offset: 2, Value: []byte("good")}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.readLoop(ctx, context.Background(), reader, binding, NewDelivery(binding.Queue, b.policy, b.logger, nil), rejectBad)
	}()

	require.Eventually(t, func() bool { return len(reader.Committed()) == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not stop")
	}

	assert.Equal(t, []int64{1, 2}, reader.Committed())
	written := writer.Written()
	require.Len(t, written, 1)
	assert.Equal(t, "orders.apply.q.dlq", written[0].Topic)
	assert.Equal(t, []byte("bad"), written[0].Value)
	assert.Equal(t, 3, writer.calls)
}

func TestKafkaBroker_ReadLoopKeepsOffsetWhenDeadLetterNeverLands(t *testing.T) {
	writer := &flakyKafkaWriter{failures: -1}
	b := newLoopBroker(t, writer)
	binding := Binding{Queue: "orders.apply.q", RoutingKey: "orders.apply"}
	reader := &fakeKafkaReader{msgs: make(chan kafka.Message, 1)}
	reader.msgs <- kafka.Message{Topic: "orders.apply", Offset: 7, Value: []byte("bad")}

	work, stopWork := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer stopWork()
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.readLoop(context.Background(), work, reader, binding, NewDelivery(binding.Queue, b.policy, b.logger, nil), rejectBad)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not give up once its work context ended")
	}
	assert.Empty(t, reader.Committed())
	assert.Empty(t, writer.Written())
	writer.mu.Lock()
	assert.Greater(t, writer.calls, 1)
	writer.mu.Unlock()
}
