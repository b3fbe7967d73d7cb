package handler

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/erp/exchange/internal/application/erpbridge"
	"github.com/erp/exchange/internal/domain/integration"
	"github.com/erp/exchange/internal/interfaces/http/dto"
	"github.com/erp/exchange/internal/interfaces/http/middleware"
)

// ERPOperations is the ERP surface driven by operators.
type ERPOperations interface {
	TestConnection(ctx context.Context) error
	ResyncCatalog(ctx context.Context, resyncID string) (erpbridge.ResyncResult, error)
	FlushPendingOrders(ctx context.Context) (erpbridge.FlushResult, error)
}

// ERPHandler exposes manual ERP operations. ops is nil when the ERP link
// is disabled, and every route then answers 503.
type ERPHandler struct {
	BaseHandler
	ops ERPOperations
}

// NewERPHandler creates the handler.
func NewERPHandler(ops ERPOperations) *ERPHandler {
	return &ERPHandler{ops: ops}
}

// Ping checks that the ERP answers with the configured credentials.
func (h *ERPHandler) Ping(c *gin.Context) {
	if h.ops == nil {
		h.HandleError(c, integration.ErrERPNotConfigured)
		return
	}
	if err := h.ops.TestConnection(c.Request.Context()); err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, gin.H{"reachable": true})
}

// ResyncCatalog pushes the whole catalog to the ERP. Repeating a call with
// the same resync_id resends the same batch ids.
func (h *ERPHandler) ResyncCatalog(c *gin.Context) {
	if h.ops == nil {
		h.HandleError(c, integration.ErrERPNotConfigured)
		return
	}
	var req dto.ResyncRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.HandleBindingError(c, err)
			return
		}
	}
	if req.ResyncID == "" {
		req.ResyncID = uuid.NewString()
	}
	result, err := h.ops.ResyncCatalog(c.Request.Context(), req.ResyncID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, result)
}

// FlushOrders retries documents the ERP has not acknowledged yet.
func (h *ERPHandler) FlushOrders(c *gin.Context) {
	if h.ops == nil {
		h.HandleError(c, integration.ErrERPNotConfigured)
		return
	}
	result, err := h.ops.FlushPendingOrders(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, result)
}
