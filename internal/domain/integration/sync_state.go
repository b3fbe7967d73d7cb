package integration

import (
	"context"
	"time"

	"github.com/erp/exchange/internal/domain/exchange"
)

// SyncKind is the kind of document tracked by a SyncState.
type SyncKind string

const (
	SyncKindOrder  SyncKind = "order"
	SyncKindReturn SyncKind = "return"
)

// SyncStatus of one external document.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "PENDING"
	SyncStatusSynced  SyncStatus = "SYNCED"
)

// SyncState remembers the last message seen for an external id and whether
// the ERP has acknowledged it.
type SyncState struct {
	Kind       SyncKind
	ExternalID string
	Payload    []byte
	Status     SyncStatus
	Attempts   int
	LastError  string
	UpdatedAt  time.Time
}

// RecordFailure keeps the state pending with the error that caused it.
func (s *SyncState) RecordFailure(err error) {
	s.Status = SyncStatusPending
	s.Attempts++
	if err != nil {
		s.LastError = err.Error()
	}
	s.UpdatedAt = time.Now().UTC()
}

// RecordSuccess marks the state synced.
func (s *SyncState) RecordSuccess() {
	s.Status = SyncStatusSynced
	s.Attempts++
	s.LastError = ""
	s.UpdatedAt = time.Now().UTC()
}

// SyncStateRepository persists SyncState keyed by (kind, external id).
type SyncStateRepository interface {
	// Save records one delivery attempt. Attempts accumulate across saves
	// of the same key and the total is written back to state.
	Save(ctx context.Context, state *SyncState) error
	FindPending(ctx context.Context, kind SyncKind, limit int) ([]*SyncState, error)
}

// ERPClient is the outbound port to the ERP HTTP API.
type ERPClient interface {
	Ping(ctx context.Context) error
	SyncCatalog(ctx context.Context, env Envelope) error
	PostOrder(ctx context.Context, env Envelope) error
	PostReturn(ctx context.Context, env Envelope) error
}

// ProductSource pages through the local catalog by guid.
type ProductSource interface {
	ListProducts(ctx context.Context, afterGUID string, limit int) ([]exchange.ProductRecord, error)
}
