package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/erp/exchange/internal/domain/shared"
)

// MeterName scopes all exchange instruments.
const MeterName = "github.com/erp/exchange"

// ErrMeterNil is returned when ExchangeMetrics is built without a meter.
var ErrMeterNil = errors.New("telemetry: meter is nil")

// ExchangeMetrics records pipeline, bus, outbox and ERP instruments.
type ExchangeMetrics struct {
	jobsTotal       *Counter
	jobDuration     *Histogram
	deliveries      *Counter
	deliveryAttempt *Histogram
	outboxPublished *Counter
	queueDepth      *Gauge
	queueDeadLetter *Gauge
	queueConsumers  *Gauge
	erpFailures     *Counter
}

// NewExchangeMetrics creates every instrument up front.
func NewExchangeMetrics(meter metric.Meter) (*ExchangeMetrics, error) {
	if meter == nil {
		return nil, ErrMeterNil
	}
	m := &ExchangeMetrics{}
	var err error

	if m.jobsTotal, err = NewCounter(meter, "exchange.jobs.total", "Exchange jobs handled", "{job}"); err != nil {
		return nil, err
	}
	if m.jobDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "exchange.job.duration",
		Description: "Exchange job handling time",
		Unit:        "s",
		Boundaries:  JobDurationBuckets,
	}); err != nil {
		return nil, err
	}
	if m.deliveries, err = NewCounter(meter, "bus.deliveries.total", "Message deliveries by outcome", "{delivery}"); err != nil {
		return nil, err
	}
	if m.deliveryAttempt, err = NewHistogram(meter, HistogramOpts{
		Name:        "bus.delivery.attempts",
		Description: "Handler attempts per delivery",
		Unit:        "{attempt}",
		Boundaries:  []float64{1, 2, 3, 5, 8},
	}); err != nil {
		return nil, err
	}
	if m.outboxPublished, err = NewCounter(meter, "outbox.publish.total", "Outbox relay results", "{message}"); err != nil {
		return nil, err
	}
	if m.queueDepth, err = NewGauge(meter, "bus.queue.depth", "Messages ready in a queue", "{message}"); err != nil {
		return nil, err
	}
	if m.queueDeadLetter, err = NewGauge(meter, "bus.queue.dead_letters", "Messages waiting in a dead-letter queue", "{message}"); err != nil {
		return nil, err
	}
	if m.queueConsumers, err = NewGauge(meter, "bus.queue.consumers", "Consumers attached to a queue", "{consumer}"); err != nil {
		return nil, err
	}
	if m.erpFailures, err = NewCounter(meter, "erp.failures.total", "Failed ERP calls", "{call}"); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordJob counts a pipeline job and its duration.
func (m *ExchangeMetrics) RecordJob(ctx context.Context, jobType, outcome string, elapsed time.Duration) {
	m.jobsTotal.Inc(ctx, AttrJobType.String(jobType), AttrOutcome.String(outcome))
	m.jobDuration.RecordDuration(ctx, elapsed, AttrJobType.String(jobType))
}

// RecordDelivery counts a finished delivery.
func (m *ExchangeMetrics) RecordDelivery(ctx context.Context, queue, outcome string, attempts int) {
	m.deliveries.Inc(ctx, AttrQueue.String(queue), AttrOutcome.String(outcome))
	m.deliveryAttempt.Record(ctx, float64(attempts), AttrQueue.String(queue))
}

// RecordOutboxPublish counts one relayed outbox message.
func (m *ExchangeMetrics) RecordOutboxPublish(ctx context.Context, eventType, outcome string) {
	m.outboxPublished.Inc(ctx, AttrEventType.String(eventType), AttrOutcome.String(outcome))
}

// RecordQueueStats sets the queue gauges.
func (m *ExchangeMetrics) RecordQueueStats(ctx context.Context, stats shared.QueueStats) {
	q := AttrQueue.String(stats.Queue)
	m.queueDepth.Record(ctx, stats.Depth, q)
	m.queueDeadLetter.Record(ctx, stats.DeadLetters, q)
	m.queueConsumers.Record(ctx, int64(stats.Consumers), q)
}

// RecordERPFailure counts a failed ERP call.
func (m *ExchangeMetrics) RecordERPFailure(ctx context.Context, operation string) {
	m.erpFailures.Inc(ctx, AttrOperation.String(operation))
}
