package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/erp/exchange/internal/domain/exchange"
	"github.com/erp/exchange/internal/domain/shared"
	"github.com/erp/exchange/internal/infrastructure/cache"
	"github.com/erp/exchange/internal/infrastructure/storage"
	"github.com/erp/exchange/internal/infrastructure/ziparchive"
)

type catalogRecorder struct {
	mu       sync.Mutex
	products [][]exchange.ProductRecord
	offers   [][]exchange.OfferRecord
	err      error

	// When hold is set, UpsertProducts signals entered and waits for hold
	// to close or ctx to end.
	hold    chan struct{}
	entered chan struct{}
}

func (r *catalogRecorder) UpsertProducts(ctx context.Context, batch []exchange.ProductRecord) error {
	if r.hold != nil {
		select {
		case r.entered <- struct{}{}:
		default:
		}
		select {
		case <-r.hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.products = append(r.products, batch)
	return nil
}

func (r *catalogRecorder) UpsertOffers(_ context.Context, batch []exchange.OfferRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.offers = append(r.offers, batch)
	return nil
}

func (r *catalogRecorder) productBatches() [][]exchange.ProductRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]exchange.ProductRecord(nil), r.products...)
}

func (r *catalogRecorder) offerBatches() [][]exchange.OfferRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]exchange.OfferRecord(nil), r.offers...)
}

type orderRecorder struct {
	mu       sync.Mutex
	known    map[string]bool
	applied  []exchange.OrderChange
	pending  []exchange.ExportOrder
	exported []string
	exportTo string
}

func (r *orderRecorder) ApplyOrderChange(_ context.Context, change exchange.OrderChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.known[change.OrderID] {
		return fmt.Errorf("order %s: %w", change.OrderID, shared.ErrNotFound)
	}
	r.applied = append(r.applied, change)
	return nil
}

func (r *orderRecorder) PendingExportOrders(_ context.Context, limit int) ([]exchange.ExportOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) > limit {
		return append([]exchange.ExportOrder(nil), r.pending[:limit]...), nil
	}
	return append([]exchange.ExportOrder(nil), r.pending...), nil
}

func (r *orderRecorder) MarkExported(_ context.Context, ids []string, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exported = append(r.exported, ids...)
	r.exportTo = key
	return nil
}

type submittedJob struct {
	typ exchange.JobType
	job exchange.ExchangeJob
}

type jobRecorder struct {
	mu   sync.Mutex
	jobs []submittedJob
}

func (r *jobRecorder) Submit(_ context.Context, t exchange.JobType, job exchange.ExchangeJob) error {
	if err := job.Validate(t); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, submittedJob{typ: t, job: job})
	return nil
}

func (r *jobRecorder) all() []submittedJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]submittedJob(nil), r.jobs...)
}

type pipelineFixture struct {
	pipeline *Pipeline
	storage  *storage.MemoryObjectStorage
	guard    *cache.InMemoryIdempotencyGuard
	catalog  *catalogRecorder
	orders   *orderRecorder
	jobs     *jobRecorder
}

func testPipelineConfig() PipelineConfig {
	return PipelineConfig{
		BatchSize:         2,
		ExportBatchSize:   10,
		UploadPrefix:      "exchange/in/",
		ExportPrefix:      "exchange/out/orders-",
		CatalogEntry:      "import.xml",
		OffersEntry:       "offers.xml",
		OrdersEntryPrefix: "orders",
	}
}

func newPipelineFixture(t *testing.T, maxBytes int64, opts ...PipelineOption) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		storage: storage.NewMemoryObjectStorage(),
		guard:   cache.NewInMemoryIdempotencyGuard(),
		catalog: &catalogRecorder{},
		orders:  &orderRecorder{known: map[string]bool{}},
		jobs:    &jobRecorder{},
	}
	p, err := NewPipeline(testPipelineConfig(), PipelineDeps{
		Guard:   f.guard,
		Storage: f.storage,
		Archive: ziparchive.NewGuard(maxBytes),
		Catalog: f.catalog,
		Offers:  f.catalog,
		Orders:  f.orders,
		Exports: f.orders,
		Jobs:    f.jobs,
	}, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	f.pipeline = p
	return f
}

// put stores data and returns a job referencing it.
func (f *pipelineFixture) put(t *testing.T, requestID, filename string, data []byte) exchange.ExchangeJob {
	t.Helper()
	key := "exchange/in/" + requestID + "-" + filename
	require.NoError(t, f.storage.Put(context.Background(), key, data, storage.ContentTypeFor(filename)))
	return exchange.ExchangeJob{
		RequestID: requestID,
		ObjectKey: key,
		Filename:  filename,
		CreatedAt: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC),
	}
}

func jobMessage(t *testing.T, job exchange.ExchangeJob) shared.Message {
	t.Helper()
	payload, err := json.Marshal(job)
	require.NoError(t, err)
	return shared.Message{
		ID:      "msg-" + job.RequestID,
		Payload: payload,
		Headers: map[string]string{shared.HeaderCorrelationID: "corr-" + job.RequestID},
		Attempt: 1,
	}
}

const catalogXML = `<?xml version="1.0" encoding="UTF-8"?>
<КоммерческаяИнформация ВерсияСхемы="2.10" ДатаФормирования="2026-10-19T10:00:00">
  <Каталог>
    <Товары>
      <Товар><Ид>guid-1</Ид><Артикул>SKU-1</Артикул><Наименование>Kettle</Наименование></Товар>
      <Товар><Ид>guid-2</Ид><Артикул>SKU-2</Артикул><Наименование>Toaster</Наименование></Товар>
      <Товар><Ид>guid-3</Ид><Артикул>SKU-3</Артикул><Наименование>Mixer</Наименование></Товар>
    </Товары>
  </Каталог>
</КоммерческаяИнформация>`

const offersXML = `<?xml version="1.0" encoding="UTF-8"?>
<КоммерческаяИнформация ВерсияСхемы="2.10">
  <ПакетПредложений>
    <Предложения>
      <Предложение><Ид>guid-1</Ид><Цены><Цена><ИдТипаЦены>retail</ИдТипаЦены><ЦенаЗаЕдиницу>10</ЦенаЗаЕдиницу></Цена></Цены><Количество>1</Количество></Предложение>
      <Предложение><Ид>guid-2</Ид><Количество>2</Количество></Предложение>
      <Предложение><Ид>guid-3</Ид><Количество>3</Количество></Предложение>
    </Предложения>
  </ПакетПредложений>
</КоммерческаяИнформация>`

const orderChangesXML = `<КоммерческаяИнформация ВерсияСхемы="2.10">
  <Документ>
    <Ид>order-1</Ид>
    <Номер>A-1</Номер>
    <ЗначенияРеквизитов>
      <ЗначениеРеквизита><Наименование>Статус заказа</Наименование><Значение>shipped</Значение></ЗначениеРеквизита>
      <ЗначениеРеквизита><Наименование>Оплачен</Наименование><Значение>true</Значение></ЗначениеРеквизита>
    </ЗначенияРеквизитов>
  </Документ>
  <Документ>
    <Ид>order-missing</Ид>
  </Документ>
</КоммерческаяИнформация>`
