package shared

import (
	"context"
	"time"
)

// Well-known message headers.
const (
	HeaderCorrelationID = "x-correlation-id"
	HeaderEventID       = "event_id"
	HeaderEventType     = "event_type"
	HeaderAggregateType = "aggregate_type"
)

// Message is a single delivery from the bus.
type Message struct {
	ID      string
	Topic   string
	Key     string
	Payload []byte
	Headers map[string]string
	// Attempt is 1 on first delivery and grows with each redelivery.
	Attempt int
}

// Header returns a header value or "".
func (m Message) Header(name string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[name]
}

// MessageHandler processes one delivery. A returned error asks the
// transport to retry and eventually dead-letter the message.
type MessageHandler func(ctx context.Context, msg Message) error

// MessagePublisher publishes to a topic (routing key). key selects the
// partition on transports that partition, so messages sharing a key keep
// their relative order.
type MessagePublisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error
}

// QueueStats is a point-in-time observation of a queue.
type QueueStats struct {
	Queue       string    `json:"queue"`
	Depth       int64     `json:"depth"`
	Consumers   int       `json:"consumers"`
	DeadLetters int64     `json:"dead_letters"`
	ObservedAt  time.Time `json:"observed_at"`
}

// QueueInspector reports queue depth and dead-letter backlog.
type QueueInspector interface {
	Inspect(ctx context.Context, queue string) (QueueStats, error)
}
