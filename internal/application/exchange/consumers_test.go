package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/erp/exchange/internal/domain/exchange"
	"github.com/erp/exchange/internal/domain/shared"
	"github.com/erp/exchange/internal/infrastructure/messaging"
)

func newTestBroker(t *testing.T) *messaging.MemoryBroker {
	return newDrainingBroker(t, 0)
}

func newDrainingBroker(t *testing.T, drain time.Duration) *messaging.MemoryBroker {
	t.Helper()
	b := messaging.NewMemoryBroker(messaging.DefaultTopology(), messaging.RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		DrainTimeout:   drain,
	}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func holdCatalog(f *pipelineFixture) {
	f.catalog.hold = make(chan struct{})
	f.catalog.entered = make(chan struct{}, 1)
}

func waitEntered(t *testing.T, f *pipelineFixture) {
	t.Helper()
	select {
	case <-f.catalog.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("catalog import never reached the store")
	}
}

func TestConsumerGroup_EndToEnd(t *testing.T) {
	broker := newTestBroker(t)
	f := newPipelineFixture(t, 1<<20)
	submitter := NewJobSubmitter(broker, f.storage, "exchange/in/", zaptest.NewLogger(t))
	f.pipeline.deps.Jobs = submitter

	group := NewConsumerGroup(broker, f.pipeline, 2, zaptest.NewLogger(t))
	require.NoError(t, group.Start(context.Background()))
	t.Cleanup(group.Stop)

	data := zipOf(t, map[string]string{"import.xml": catalogXML, "offers.xml": offersXML})
	_, err := submitter.SubmitUpload(context.Background(), exchange.JobTypeCatalogUpload, "req-e2e", "webdata.zip", data)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.catalog.productBatches()) == 2 && len(f.catalog.offerBatches()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return f.pipeline.Stats().Processed == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, f.guard.Len())
}

func TestConsumerGroup_TerminalFailureIsDeadLetteredOnce(t *testing.T) {
	broker := newTestBroker(t)
	f := newPipelineFixture(t, 1<<20)
	f.catalog.err = errors.New("disk full")
	submitter := NewJobSubmitter(broker, f.storage, "exchange/in/", zaptest.NewLogger(t))

	group := NewConsumerGroup(broker, f.pipeline, 1, zaptest.NewLogger(t))
	require.NoError(t, group.Start(context.Background()))
	t.Cleanup(group.Stop)

	_, err := submitter.SubmitUpload(context.Background(), exchange.JobTypeCatalogImport, "req-fail", "import.xml", []byte(catalogXML))
	require.NoError(t, err)

	queue := exchange.JobTypeCatalogImport.QueueName()
	require.Eventually(t, func() bool { return len(broker.DeadLetters(queue)) == 1 }, 2*time.Second, 5*time.Millisecond)

	dead := broker.DeadLetters(queue)[0]
	assert.Equal(t, 1, dead.Attempt)
	assert.Equal(t, queue, dead.Header(messaging.HeaderOriginalQueue))
	assert.Contains(t, dead.Header(messaging.HeaderDeathReason), "disk full")
	assert.Equal(t, int64(1), f.pipeline.Stats().Failed)
	assert.Zero(t, f.pipeline.Stats().Duplicate)
}

func TestConsumerGroup_StartStop(t *testing.T) {
	broker := newTestBroker(t)
	f := newPipelineFixture(t, 1<<20)
	group := NewConsumerGroup(broker, f.pipeline, 1, zaptest.NewLogger(t))

	require.NoError(t, group.Start(context.Background()))
	assert.Error(t, group.Start(context.Background()))

	assert.ElementsMatch(t, group.Queues(), broker.Registry().Queues())
	assert.Equal(t, len(exchange.AllJobTypes()), broker.Registry().Len())

	group.Stop()
	assert.Zero(t, broker.Registry().Len())
}

type failingConsumer struct {
	inner *messaging.MemoryBroker
	fail  string
}

func (c failingConsumer) Consume(ctx context.Context, queue string, handler shared.MessageHandler, opts messaging.ConsumeOptions) (*messaging.Subscription, error) {
	if queue == c.fail {
		return nil, messaging.ErrBrokerClosed
	}
	return c.inner.Consume(ctx, queue, handler, opts)
}

func TestConsumerGroup_StartFailureUnwinds(t *testing.T) {
	broker := newTestBroker(t)
	f := newPipelineFixture(t, 1<<20)
	consumer := failingConsumer{inner: broker, fail: exchange.JobTypeOrdersExport.QueueName()}
	group := NewConsumerGroup(consumer, f.pipeline, 1, zaptest.NewLogger(t))

	err := group.Start(context.Background())
	assert.ErrorIs(t, err, messaging.ErrBrokerClosed)
	assert.Zero(t, broker.Registry().Len())
}

func TestConsumerGroup_StopDrainsClaimedJob(t *testing.T) {
	broker := newDrainingBroker(t, 5*time.Second)
	f := newPipelineFixture(t, 1<<20)
	holdCatalog(f)
	submitter := NewJobSubmitter(broker, f.storage, "exchange/in/", zaptest.NewLogger(t))

	group := NewConsumerGroup(broker, f.pipeline, 1, zaptest.NewLogger(t))
	require.NoError(t, group.Start(context.Background()))

	_, err := submitter.SubmitUpload(context.Background(), exchange.JobTypeCatalogImport, "req-drain", "import.xml", []byte(catalogXML))
	require.NoError(t, err)
	waitEntered(t, f)

	stopped := make(chan struct{})
	go func() {
		group.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("stop returned while a claimed job was still running")
	case <-time.After(20 * time.Millisecond):
	}
	close(f.catalog.hold)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return after the job finished")
	}

	assert.Len(t, f.catalog.productBatches(), 2)
	assert.Equal(t, int64(1), f.pipeline.Stats().Processed)

	// A restarted group finds nothing left to redeliver.
	require.NoError(t, group.Start(context.Background()))
	t.Cleanup(group.Stop)
	queue := exchange.JobTypeCatalogImport.QueueName()
	stats, err := broker.Inspect(context.Background(), queue)
	require.NoError(t, err)
	assert.Zero(t, stats.Depth)
	assert.Zero(t, stats.DeadLetters)
	assert.Zero(t, f.pipeline.Stats().Duplicate)
	assert.Zero(t, f.pipeline.Stats().Failed)
}

func TestConsumerGroup_StopWithoutDrainDeadLettersClaimedJob(t *testing.T) {
	broker := newTestBroker(t)
	f := newPipelineFixture(t, 1<<20)
	holdCatalog(f)
	submitter := NewJobSubmitter(broker, f.storage, "exchange/in/", zaptest.NewLogger(t))

	group := NewConsumerGroup(broker, f.pipeline, 1, zaptest.NewLogger(t))
	require.NoError(t, group.Start(context.Background()))

	_, err := submitter.SubmitUpload(context.Background(), exchange.JobTypeCatalogImport, "req-cut", "import.xml", []byte(catalogXML))
	require.NoError(t, err)
	waitEntered(t, f)
	group.Stop()

	queue := exchange.JobTypeCatalogImport.QueueName()
	dead := broker.DeadLetters(queue)
	require.Len(t, dead, 1, "a claimed job cut off by shutdown must not go back to the queue")
	assert.Contains(t, dead[0].Header(messaging.HeaderDeathReason), context.Canceled.Error())

	require.NoError(t, group.Start(context.Background()))
	t.Cleanup(group.Stop)
	stats, err := broker.Inspect(context.Background(), queue)
	require.NoError(t, err)
	assert.Zero(t, stats.Depth)
	assert.Empty(t, f.catalog.productBatches())
	assert.Equal(t, int64(1), f.pipeline.Stats().Failed)
	assert.Zero(t, f.pipeline.Stats().Duplicate)
}
