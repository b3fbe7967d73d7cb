package erpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/erp/exchange/internal/domain/integration"
	"github.com/erp/exchange/internal/infrastructure/config"
)

// ServiceConfig sizes the resync pages and flush batches.
type ServiceConfig struct {
	CatalogPageSize int
	FlushBatchSize  int
}

// ServiceConfigFrom reads the ERP section of the application config.
func ServiceConfigFrom(cfg *config.ERPConfig) ServiceConfig {
	return ServiceConfig{
		CatalogPageSize: cfg.CatalogPageSize,
		FlushBatchSize:  cfg.FlushBatchSize,
	}
}

// ResyncResult summarises one catalog resync.
type ResyncResult struct {
	ResyncID string `json:"resync_id"`
	Pages    int    `json:"pages"`
	Products int    `json:"products"`
}

// FlushResult summarises one pending flush.
type FlushResult struct {
	Attempted int `json:"attempted"`
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
}

// Service holds the operator operations on the ERP link. All of them are
// safe to repeat: the ERP upserts by external id.
type Service struct {
	cfg      ServiceConfig
	client   integration.ERPClient
	products integration.ProductSource
	states   integration.SyncStateRepository
	bridge   *Bridge
	logger   *zap.Logger
}

// NewService creates the ERP service. bridge supplies the post and state
// bookkeeping used by FlushPendingOrders; nil builds one from client.
func NewService(cfg ServiceConfig, client integration.ERPClient, products integration.ProductSource, states integration.SyncStateRepository, bridge *Bridge, logger *zap.Logger) *Service {
	if cfg.CatalogPageSize < 1 {
		cfg.CatalogPageSize = 500
	}
	if cfg.FlushBatchSize < 1 {
		cfg.FlushBatchSize = 100
	}
	if bridge == nil {
		bridge = NewBridge(client, states, logger)
	}
	return &Service{
		cfg:      cfg,
		client:   client,
		products: products,
		states:   states,
		bridge:   bridge,
		logger:   logger,
	}
}

// TestConnection pings the ERP.
func (s *Service) TestConnection(ctx context.Context) error {
	if s.client == nil {
		return integration.ErrERPNotConfigured
	}
	if err := s.client.Ping(ctx); err != nil {
		s.logger.Warn("erp connection test failed", zap.Error(err))
		return err
	}
	return nil
}

// ResyncCatalog posts the whole local catalog page by page. Page ids are
// derived from resyncID, so repeating a resync with the same id overwrites
// the pages it already sent. An empty resyncID gets a fresh one.
func (s *Service) ResyncCatalog(ctx context.Context, resyncID string) (ResyncResult, error) {
	if s.client == nil {
		return ResyncResult{}, integration.ErrERPNotConfigured
	}
	if resyncID == "" {
		resyncID = uuid.NewString()
	}
	res := ResyncResult{ResyncID: resyncID}
	log := s.logger.With(zap.String("resync_id", resyncID))

	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		page, err := s.products.ListProducts(ctx, after, s.cfg.CatalogPageSize)
		if err != nil {
			return res, fmt.Errorf("list products after %q: %w", after, err)
		}
		if len(page) == 0 {
			break
		}

		batchID := integration.CatalogBatchID(resyncID, res.Pages+1)
		env, err := integration.TranslateCatalog(batchID, page, s.bridge.now())
		if err != nil {
			return res, err
		}
		if err := s.client.SyncCatalog(ctx, env); err != nil {
			if s.bridge.metrics != nil {
				s.bridge.metrics.RecordERPFailure(ctx, "catalog")
			}
			return res, fmt.Errorf("sync catalog page %s: %w", batchID, err)
		}
		res.Pages++
		res.Products += len(page)
		after = page[len(page)-1].GUID

		if len(page) < s.cfg.CatalogPageSize {
			break
		}
	}

	log.Info("catalog resync completed", zap.Int("pages", res.Pages), zap.Int("products", res.Products))
	return res, nil
}

// FlushPendingOrders re-posts orders and returns the ERP has not
// acknowledged yet. It stops early when the ERP is unreachable.
func (s *Service) FlushPendingOrders(ctx context.Context) (FlushResult, error) {
	if s.client == nil {
		return FlushResult{}, integration.ErrERPNotConfigured
	}
	var res FlushResult
	kinds := []struct {
		kind integration.SyncKind
		post postFunc
	}{
		{integration.SyncKindOrder, s.client.PostOrder},
		{integration.SyncKindReturn, s.client.PostReturn},
	}

	for _, k := range kinds {
		states, err := s.states.FindPending(ctx, k.kind, s.cfg.FlushBatchSize)
		if err != nil {
			return res, err
		}
		for _, state := range states {
			res.Attempted++
			var env integration.Envelope
			if err := json.Unmarshal(state.Payload, &env); err != nil {
				res.Failed++
				state.RecordFailure(fmt.Errorf("%w: stored payload: %w", integration.ErrInvalidMessage, err))
				if saveErr := s.states.Save(ctx, state); saveErr != nil {
					s.logger.Error("failed to record erp sync failure", zap.Error(saveErr))
				}
				continue
			}

			if err := s.bridge.post(ctx, state, env, k.post); err != nil {
				res.Failed++
				if errors.Is(err, integration.ErrERPUnavailable) {
					return res, err
				}
				continue
			}
			res.Synced++
		}
	}

	if res.Attempted > 0 {
		s.logger.Info("pending erp documents flushed",
			zap.Int("attempted", res.Attempted),
			zap.Int("synced", res.Synced),
			zap.Int("failed", res.Failed),
		)
	}
	return res, nil
}
