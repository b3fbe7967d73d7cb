package messaging

import (
	"github.com/erp/exchange/internal/domain/exchange"
	"github.com/erp/exchange/internal/domain/integration"
)

// Binding ties a queue to the routing key it receives.
type Binding struct {
	Queue      string
	RoutingKey string
}

// DeadLetter is the queue holding messages that exhausted their retries.
func (b Binding) DeadLetter() string {
	return DeadLetterQueue(b.Queue)
}

// DeadLetterQueue names the dead-letter queue of queue.
func DeadLetterQueue(queue string) string {
	return queue + ".dlq"
}

// Topology is the set of queues a broker declares.
type Topology []Binding

// DefaultTopology declares one queue per job type plus the ERP bridge
// integration queues.
func DefaultTopology() Topology {
	t := make(Topology, 0, len(exchange.AllJobTypes())+2)
	for _, jt := range exchange.AllJobTypes() {
		t = append(t, Binding{Queue: jt.QueueName(), RoutingKey: jt.RoutingKey()})
	}
	return append(t,
		Binding{Queue: integration.OrdersIntegrationQueue, RoutingKey: integration.EventOrderCreated},
		Binding{Queue: integration.ReturnsIntegrationQueue, RoutingKey: integration.EventReturnCreated},
	)
}

// Queues lists the queue names in declaration order.
func (t Topology) Queues() []string {
	out := make([]string, 0, len(t))
	for _, b := range t {
		out = append(out, b.Queue)
	}
	return out
}

// Lookup finds the binding of queue.
func (t Topology) Lookup(queue string) (Binding, bool) {
	for _, b := range t {
		if b.Queue == queue {
			return b, true
		}
	}
	return Binding{}, false
}

// QueuesFor returns every queue bound to routingKey.
func (t Topology) QueuesFor(routingKey string) []string {
	var out []string
	for _, b := range t {
		if b.RoutingKey == routingKey {
			out = append(out, b.Queue)
		}
	}
	return out
}
