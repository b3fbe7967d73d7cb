// Package handler implements the ops HTTP endpoints.
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/erp/exchange/internal/domain/exchange"
	"github.com/erp/exchange/internal/domain/integration"
	"github.com/erp/exchange/internal/domain/shared"
	"github.com/erp/exchange/internal/infrastructure/logger"
	"github.com/erp/exchange/internal/infrastructure/scheduler"
	"github.com/erp/exchange/internal/interfaces/http/dto"
	"github.com/erp/exchange/internal/interfaces/http/middleware"
)

// BaseHandler provides common response helpers
type BaseHandler struct{}

// Success sends a 200 response
func (h *BaseHandler) Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, dto.NewSuccessResponse(data))
}

// Accepted sends a 202 response
func (h *BaseHandler) Accepted(c *gin.Context, data any) {
	c.JSON(http.StatusAccepted, dto.NewSuccessResponse(data))
}

// Error sends an error body with the status derived from code
func (h *BaseHandler) Error(c *gin.Context, code, message string) {
	c.JSON(dto.GetHTTPStatus(code), dto.NewErrorResponse(code, message, middleware.GetRequestID(c)))
}

// BadRequest sends a 400 response
func (h *BaseHandler) BadRequest(c *gin.Context, message string) {
	h.Error(c, dto.ErrCodeBadRequest, message)
}

// HandleError maps application errors onto API error codes. Unknown errors
// are logged and reported as internal without their message.
func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)

	var verr *exchange.ValidationError
	var maxBytes *http.MaxBytesError
	var domainErr *shared.DomainError
	switch {
	case errors.As(err, &verr):
		h.Error(c, dto.ErrCodeValidation, verr.Error())
	case errors.As(err, &maxBytes), errors.Is(err, exchange.ErrLimitExceeded):
		h.Error(c, dto.ErrCodeTooLarge, err.Error())
	case errors.Is(err, exchange.ErrUnknownJobType):
		h.Error(c, dto.ErrCodeUnknownJobType, err.Error())
	case errors.Is(err, exchange.ErrEntryNotFound):
		h.Error(c, dto.ErrCodeEntryNotFound, err.Error())
	case errors.Is(err, scheduler.ErrUnknownTask):
		h.Error(c, dto.ErrCodeNotFound, err.Error())
	case errors.Is(err, integration.ErrERPNotConfigured):
		h.Error(c, dto.ErrCodeNotConfigured, "ERP integration is not configured")
	case errors.Is(err, integration.ErrERPInvalidResponse):
		h.Error(c, dto.ErrCodeUpstream, err.Error())
	case errors.Is(err, exchange.ErrTransientIntegration):
		h.Error(c, dto.ErrCodeUnavailable, err.Error())
	case errors.As(err, &domainErr):
		h.Error(c, dto.NormalizeErrorCode(domainErr.Code), err.Error())
	default:
		logger.FromContext(c.Request.Context()).Error("request failed", zap.Error(err))
		h.Error(c, dto.ErrCodeInternal, "An unexpected error occurred")
	}
}
