// Package messaging carries exchange jobs and integration messages over a
// message bus. RabbitMQ, Kafka and an in-process driver share one topology
// and one delivery policy.
package messaging

import (
	"context"
	"errors"

	"github.com/erp/exchange/internal/domain/shared"
)

var (
	// ErrBrokerClosed is returned by operations on a closed broker.
	ErrBrokerClosed = errors.New("messaging: broker closed")
	// ErrUnknownQueue is returned for a queue missing from the topology.
	ErrUnknownQueue = errors.New("messaging: unknown queue")
)

// ConsumeOptions tunes one subscription.
type ConsumeOptions struct {
	// Concurrency is the number of workers processing the queue.
	Concurrency int
}

func (o ConsumeOptions) workers() int {
	if o.Concurrency < 1 {
		return 1
	}
	return o.Concurrency
}

// Consumer subscribes handlers to queues.
type Consumer interface {
	// Consume starts workers delivering messages from queue to handler and
	// returns once they are running.
	Consume(ctx context.Context, queue string, handler shared.MessageHandler, opts ConsumeOptions) (*Subscription, error)
}

// Broker is a message bus driver.
type Broker interface {
	shared.MessagePublisher
	shared.QueueInspector
	Consumer

	// Ping checks the connection to the bus.
	Ping(ctx context.Context) error
	// Close stops every subscription and releases connections.
	Close() error
}

func copyHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers)+2)
	for k, v := range headers {
		out[k] = v
	}
	return out
}
