package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracing starts a server span per request. Probe routes are not traced.
func Tracing(serviceName string, opts ...otelgin.Option) gin.HandlerFunc {
	base := otelgin.Middleware(serviceName, opts...)
	return func(c *gin.Context) {
		switch c.Request.URL.Path {
		case "/healthz", "/readyz":
			c.Next()
		default:
			base(c)
		}
	}
}

// SpanAttributes tags the active span. otelgin runs the rest of the chain
// inside its own handler, so this must be registered after Tracing.
func SpanAttributes() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := trace.SpanFromContext(c.Request.Context())
		if span.IsRecording() {
			span.SetAttributes(
				attribute.String("request_id", c.GetString(RequestIDKey)),
				attribute.String("correlation_id", c.GetString(CorrelationIDKey)),
			)
		}
		c.Next()
		if !span.IsRecording() {
			return
		}
		if status := c.Writer.Status(); status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		if len(c.Errors) > 0 {
			span.SetAttributes(attribute.String("http.errors", c.Errors.String()))
		}
	}
}
