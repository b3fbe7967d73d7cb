package exchange

import "context"

// ObjectStorage holds uploaded and generated exchange documents.
type ObjectStorage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Delete(ctx context.Context, key string) error
}

// CatalogUpserter persists parsed catalog batches. Upserts are keyed by
// product guid so redelivered batches are harmless.
type CatalogUpserter interface {
	UpsertProducts(ctx context.Context, batch []ProductRecord) error
}

// OfferUpserter persists parsed offer batches keyed by guid and warehouse.
type OfferUpserter interface {
	UpsertOffers(ctx context.Context, batch []OfferRecord) error
}

// OrderChangeApplier applies one order change.
type OrderChangeApplier interface {
	ApplyOrderChange(ctx context.Context, change OrderChange) error
}

// ExportOrderSource supplies orders that have not been exported yet.
type ExportOrderSource interface {
	PendingExportOrders(ctx context.Context, limit int) ([]ExportOrder, error)
	MarkExported(ctx context.Context, orderIDs []string, objectKey string) error
}

// JobPublisher submits a job to the bus.
type JobPublisher interface {
	Submit(ctx context.Context, t JobType, job ExchangeJob) error
}
