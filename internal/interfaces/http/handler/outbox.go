package handler

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/erp/exchange/internal/domain/shared"
	"github.com/erp/exchange/internal/interfaces/http/dto"
	"github.com/erp/exchange/internal/interfaces/http/middleware"
)

const defaultFailedLimit = 50

// OutboxAdmin lists and requeues failed outbox messages.
type OutboxAdmin interface {
	FindFailed(ctx context.Context, limit int) ([]*shared.OutboxMessage, error)
	Requeue(ctx context.Context, id uuid.UUID) error
	CountByStatus(ctx context.Context) (map[shared.OutboxStatus]int64, error)
}

// OutboxHandler serves outbox administration.
type OutboxHandler struct {
	BaseHandler
	admin OutboxAdmin
}

// NewOutboxHandler creates the handler.
func NewOutboxHandler(admin OutboxAdmin) *OutboxHandler {
	return &OutboxHandler{admin: admin}
}

// ListFailed returns FAILED messages, newest first.
func (h *OutboxHandler) ListFailed(c *gin.Context) {
	var req dto.ListFailedRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		middleware.HandleBindingError(c, err)
		return
	}
	if req.Limit == 0 {
		req.Limit = defaultFailedLimit
	}
	msgs, err := h.admin.FindFailed(c.Request.Context(), req.Limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	out := make([]dto.OutboxMessageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, dto.ToOutboxMessageResponse(m))
	}
	h.Success(c, out)
}

// Stats returns message counts per status.
func (h *OutboxHandler) Stats(c *gin.Context) {
	counts, err := h.admin.CountByStatus(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, counts)
}

// Requeue moves one FAILED message back to NEW.
func (h *OutboxHandler) Requeue(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.BadRequest(c, "Invalid outbox message id")
		return
	}
	if err := h.admin.Requeue(c.Request.Context(), id); err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, gin.H{"id": id, "status": shared.OutboxStatusNew})
}
