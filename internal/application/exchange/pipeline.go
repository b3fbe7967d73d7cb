package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/erp/exchange/internal/domain/exchange"
	"github.com/erp/exchange/internal/domain/shared"
	"github.com/erp/exchange/internal/infrastructure/commerceml"
	"github.com/erp/exchange/internal/infrastructure/config"
	"github.com/erp/exchange/internal/infrastructure/storage"
	"github.com/erp/exchange/internal/infrastructure/ziparchive"
)

const exportContentType = "application/xml"

// JobHandler runs one exchange job after its idempotency key was claimed.
type JobHandler func(ctx context.Context, job exchange.ExchangeJob) error

// PipelineConfig holds the document conventions and batch sizes.
type PipelineConfig struct {
	BatchSize         int
	ExportBatchSize   int
	UploadPrefix      string
	ExportPrefix      string
	CatalogEntry      string
	OffersEntry       string
	OrdersEntryPrefix string
}

// PipelineConfigFrom copies the exchange section of the application config.
func PipelineConfigFrom(cfg *config.ExchangeConfig) PipelineConfig {
	return PipelineConfig{
		BatchSize:         cfg.BatchSize,
		ExportBatchSize:   cfg.ExportBatchSize,
		UploadPrefix:      cfg.UploadPrefix,
		ExportPrefix:      cfg.ExportPrefix,
		CatalogEntry:      cfg.CatalogEntry,
		OffersEntry:       cfg.OffersEntry,
		OrdersEntryPrefix: cfg.OrdersEntryPrefix,
	}
}

// PipelineDeps are the collaborators of a Pipeline. Jobs is only used by
// catalog_upload to submit its follow-up jobs.
type PipelineDeps struct {
	Guard   shared.IdempotencyGuard
	Storage exchange.ObjectStorage
	Archive *ziparchive.Guard
	Catalog exchange.CatalogUpserter
	Offers  exchange.OfferUpserter
	Orders  exchange.OrderChangeApplier
	Exports exchange.ExportOrderSource
	Jobs    exchange.JobPublisher
}

// PipelineOption configures a Pipeline
type PipelineOption func(*Pipeline)

// WithJobMetrics reports every job outcome to m
func WithJobMetrics(m JobMetrics) PipelineOption {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithDocumentBuilder replaces the export document builder
func WithDocumentBuilder(b *commerceml.OrderDocumentBuilder) PipelineOption {
	return func(p *Pipeline) {
		p.builder = b
	}
}

// WithPipelineClock overrides the clock used for follow-up jobs
func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		p.now = now
	}
}

// Pipeline consumes exchange jobs. Every job type goes through the same
// steps: decode, claim the idempotency key, run the type's handler.
//
// A claimed key is never released. A job that fails after the claim is
// dead-lettered at once, because a redelivery would be dropped as a
// duplicate anyway; the error log carries the key so an operator can
// remove the processed_messages row and resubmit.
type Pipeline struct {
	cfg      PipelineConfig
	deps     PipelineDeps
	builder  *commerceml.OrderDocumentBuilder
	logger   *zap.Logger
	metrics  JobMetrics
	counters *JobCounters
	now      func() time.Time
}

// NewPipeline creates a pipeline
func NewPipeline(cfg PipelineConfig, deps PipelineDeps, logger *zap.Logger, opts ...PipelineOption) (*Pipeline, error) {
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("pipeline: batch size must be positive, got %d", cfg.BatchSize)
	}
	if deps.Guard == nil || deps.Storage == nil || deps.Archive == nil {
		return nil, errors.New("pipeline: idempotency guard, object storage and archive guard are required")
	}
	if cfg.ExportBatchSize < 1 {
		cfg.ExportBatchSize = cfg.BatchSize
	}
	p := &Pipeline{
		cfg:      cfg,
		deps:     deps,
		builder:  commerceml.NewOrderDocumentBuilder(),
		logger:   logger,
		counters: &JobCounters{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Stats returns the in-process job counters.
func (p *Pipeline) Stats() JobStats {
	return p.counters.Stats()
}

// Handler returns the message handler for job type t.
func (p *Pipeline) Handler(t exchange.JobType) shared.MessageHandler {
	run := exchange.Match[JobHandler](t, p)
	return func(ctx context.Context, msg shared.Message) error {
		return p.handle(ctx, t, run, msg)
	}
}

func (p *Pipeline) handle(ctx context.Context, t exchange.JobType, run JobHandler, msg shared.Message) error {
	start := time.Now()
	log := p.logger.With(
		zap.String("job_type", t.String()),
		zap.String("message_id", msg.ID),
		zap.String("correlation_id", msg.Header(shared.HeaderCorrelationID)),
	)

	var job exchange.ExchangeJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		return exchange.NewValidationError("job", "payload", err.Error())
	}
	if err := job.Validate(t); err != nil {
		return err
	}

	key := job.IdempotencyKey()
	log = log.With(zap.String("request_id", job.RequestID), zap.String("idempotency_key", key))

	acquired, err := p.deps.Guard.TryAcquire(ctx, key, t.String())
	if err != nil {
		return fmt.Errorf("%w: idempotency guard: %w", exchange.ErrTransientIntegration, err)
	}
	if !acquired {
		p.observe(ctx, t, OutcomeDuplicate, start)
		log.Info("duplicate exchange job skipped", zap.Error(exchange.ErrDuplicateJob))
		return nil
	}

	if err := run(ctx, job); err != nil {
		p.observe(ctx, t, OutcomeFailed, start)
		err = fmt.Errorf("%w: %s job %s: %w", exchange.ErrTerminalFailure, t, key, err)
		log.Error("exchange job failed after its key was claimed", zap.Error(err))
		return err
	}

	p.observe(ctx, t, OutcomeProcessed, start)
	log.Info("exchange job processed", zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (p *Pipeline) observe(ctx context.Context, t exchange.JobType, outcome string, start time.Time) {
	p.counters.record(outcome)
	if p.metrics != nil {
		p.metrics.RecordJob(ctx, t.String(), outcome, time.Since(start))
	}
}

// CatalogUpload implements exchange.JobCases.
func (p *Pipeline) CatalogUpload() JobHandler { return p.catalogUpload }

// CatalogImport implements exchange.JobCases.
func (p *Pipeline) CatalogImport() JobHandler { return p.catalogImport }

// OffersImport implements exchange.JobCases.
func (p *Pipeline) OffersImport() JobHandler { return p.offersImport }

// OrdersExport implements exchange.JobCases.
func (p *Pipeline) OrdersExport() JobHandler { return p.ordersExport }

// OrdersApply implements exchange.JobCases.
func (p *Pipeline) OrdersApply() JobHandler { return p.ordersApply }

// open fetches the job's object and unwraps the selected archive entry.
func (p *Pipeline) open(ctx context.Context, job exchange.ExchangeJob, sel ziparchive.Selector) ([]byte, error) {
	data, err := p.deps.Storage.Get(ctx, job.ObjectKey)
	if err != nil {
		return nil, err
	}
	return p.deps.Archive.Open(documentName(job), data, sel)
}

func (p *Pipeline) catalogImport(ctx context.Context, job exchange.ExchangeJob) error {
	if p.deps.Catalog == nil {
		return errors.New("catalog store not configured")
	}
	doc, err := p.open(ctx, job, ziparchive.Selector{Name: p.cfg.CatalogEntry})
	if err != nil {
		return err
	}
	return commerceml.ParseCatalog(bytes.NewReader(doc), p.cfg.BatchSize, func(batch []exchange.ProductRecord) error {
		if err := p.deps.Catalog.UpsertProducts(ctx, batch); err != nil {
			return err
		}
		p.counters.Records.Add(int64(len(batch)))
		return nil
	})
}

func (p *Pipeline) offersImport(ctx context.Context, job exchange.ExchangeJob) error {
	if p.deps.Offers == nil {
		return errors.New("offer store not configured")
	}
	doc, err := p.open(ctx, job, ziparchive.Selector{Name: p.cfg.OffersEntry})
	if err != nil {
		return err
	}
	return commerceml.ParseOffers(bytes.NewReader(doc), p.cfg.BatchSize, func(batch []exchange.OfferRecord) error {
		if err := p.deps.Offers.UpsertOffers(ctx, batch); err != nil {
			return err
		}
		p.counters.Records.Add(int64(len(batch)))
		return nil
	})
}

func (p *Pipeline) ordersApply(ctx context.Context, job exchange.ExchangeJob) error {
	if p.deps.Orders == nil {
		return errors.New("order store not configured")
	}
	doc, err := p.open(ctx, job, ziparchive.Selector{Prefix: p.cfg.OrdersEntryPrefix})
	if err != nil {
		return err
	}
	return commerceml.ParseOrderChanges(bytes.NewReader(doc), func(change exchange.OrderChange) error {
		err := p.deps.Orders.ApplyOrderChange(ctx, change)
		if errors.Is(err, shared.ErrNotFound) {
			p.logger.Warn("order change for unknown order skipped",
				zap.String("request_id", job.RequestID),
				zap.String("order_id", change.OrderID),
				zap.String("number", change.Number),
			)
			return nil
		}
		if err != nil {
			return err
		}
		p.counters.Records.Add(1)
		return nil
	})
}

func (p *Pipeline) ordersExport(ctx context.Context, job exchange.ExchangeJob) error {
	if p.deps.Exports == nil {
		return errors.New("export order source not configured")
	}
	orders, err := p.deps.Exports.PendingExportOrders(ctx, p.cfg.ExportBatchSize)
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		p.logger.Info("no orders pending export", zap.String("request_id", job.RequestID))
		return nil
	}

	var buf bytes.Buffer
	if err := p.builder.Write(&buf, orders); err != nil {
		return fmt.Errorf("build order document: %w", err)
	}
	key := storage.NewObjectKey(p.cfg.ExportPrefix, ".xml")
	if err := p.deps.Storage.Put(ctx, key, buf.Bytes(), exportContentType); err != nil {
		return err
	}

	ids := make([]string, len(orders))
	for i := range orders {
		ids[i] = orders[i].ID
	}
	if err := p.deps.Exports.MarkExported(ctx, ids, key); err != nil {
		return err
	}
	p.counters.Records.Add(int64(len(orders)))
	p.logger.Info("orders exported",
		zap.String("request_id", job.RequestID),
		zap.String("object_key", key),
		zap.Int("orders", len(orders)),
		zap.Int("bytes", buf.Len()),
	)
	return nil
}

// catalogUpload splits an exchange package into its documents and submits
// one follow-up job per document under the same request id.
func (p *Pipeline) catalogUpload(ctx context.Context, job exchange.ExchangeJob) error {
	if p.deps.Jobs == nil {
		return errors.New("job publisher not configured")
	}
	name := documentName(job)
	data, err := p.deps.Storage.Get(ctx, job.ObjectKey)
	if err != nil {
		return err
	}

	if !ziparchive.IsArchive(name) {
		t, err := p.routeDocument(name)
		if err != nil {
			return err
		}
		if int64(len(data)) > p.deps.Archive.MaxBytes() {
			return fmt.Errorf("%w: %s is %d bytes", exchange.ErrLimitExceeded, name, len(data))
		}
		return p.followUp(ctx, t, job.RequestID, job.ObjectKey, path.Base(name))
	}

	if err := p.deps.Archive.AssertWithinLimit(data); err != nil {
		return err
	}
	entries := []struct {
		name string
		typ  exchange.JobType
	}{
		{p.cfg.CatalogEntry, exchange.JobTypeCatalogImport},
		{p.cfg.OffersEntry, exchange.JobTypeOffersImport},
	}
	submitted := 0
	for _, e := range entries {
		doc, err := p.deps.Archive.ExtractEntry(data, e.name)
		if errors.Is(err, exchange.ErrEntryNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		key := storage.NewObjectKey(p.cfg.UploadPrefix, path.Ext(e.name))
		if err := p.deps.Storage.Put(ctx, key, doc, storage.ContentTypeFor(e.name)); err != nil {
			return err
		}
		if err := p.followUp(ctx, e.typ, job.RequestID, key, e.name); err != nil {
			return err
		}
		submitted++
	}
	if submitted == 0 {
		return fmt.Errorf("%w: %s has neither %s nor %s", exchange.ErrEntryNotFound, name, p.cfg.CatalogEntry, p.cfg.OffersEntry)
	}
	return nil
}

func (p *Pipeline) routeDocument(name string) (exchange.JobType, error) {
	base := strings.ToLower(path.Base(name))
	switch {
	case strings.HasPrefix(base, strings.TrimSuffix(strings.ToLower(p.cfg.CatalogEntry), path.Ext(p.cfg.CatalogEntry))):
		return exchange.JobTypeCatalogImport, nil
	case strings.HasPrefix(base, strings.TrimSuffix(strings.ToLower(p.cfg.OffersEntry), path.Ext(p.cfg.OffersEntry))):
		return exchange.JobTypeOffersImport, nil
	case strings.HasPrefix(base, strings.ToLower(p.cfg.OrdersEntryPrefix)):
		return exchange.JobTypeOrdersApply, nil
	}
	return 0, exchange.NewValidationError("upload", "filename", fmt.Sprintf("cannot tell the document type of %q", base))
}

func (p *Pipeline) followUp(ctx context.Context, t exchange.JobType, requestID, key, filename string) error {
	next := exchange.ExchangeJob{
		RequestID: requestID,
		ObjectKey: key,
		Filename:  filename,
		CreatedAt: p.now(),
	}
	if err := p.deps.Jobs.Submit(ctx, t, next); err != nil {
		return err
	}
	p.logger.Info("follow-up job submitted",
		zap.String("request_id", requestID),
		zap.String("job_type", t.String()),
		zap.String("object_key", key),
	)
	return nil
}

// documentName is the name used to tell archives from plain documents.
func documentName(job exchange.ExchangeJob) string {
	if job.Filename != "" {
		return job.Filename
	}
	return job.ObjectKey
}

var _ exchange.JobCases[JobHandler] = (*Pipeline)(nil)
