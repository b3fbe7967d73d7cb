// Package middleware provides gin middleware for the ops HTTP surface.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Header and gin context keys shared with logger.GinMiddleware.
const (
	RequestIDHeader     = "X-Request-ID"
	CorrelationIDHeader = "X-Correlation-ID"
	RequestIDKey        = "request_id"
	CorrelationIDKey    = "correlation_id"

	// MaxIDLength bounds client supplied ids.
	MaxIDLength = 128
)

// RequestID echoes or mints a request id and a correlation id. A caller
// supplied correlation id is kept so jobs submitted by the request can be
// traced back to the caller's own logs.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := clientID(c.GetHeader(RequestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		correlationID := clientID(c.GetHeader(CorrelationIDHeader))
		if correlationID == "" {
			correlationID = requestID
		}
		c.Set(RequestIDKey, requestID)
		c.Set(CorrelationIDKey, correlationID)
		c.Writer.Header().Set(RequestIDHeader, requestID)
		c.Writer.Header().Set(CorrelationIDHeader, correlationID)
		c.Next()
	}
}

// GetRequestID returns the id set by RequestID.
func GetRequestID(c *gin.Context) string {
	return c.GetString(RequestIDKey)
}

func clientID(v string) string {
	if len(v) > MaxIDLength {
		return ""
	}
	for _, r := range v {
		if r < 0x21 || r > 0x7e {
			return ""
		}
	}
	return v
}
