package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/erp/exchange/internal/infrastructure/telemetry"
)

// HTTPDurationBuckets covers ops calls; uploads sit in the upper buckets.
var HTTPDurationBuckets = []float64{0.005, 0.025, 0.1, 0.25, 1, 2.5, 10, 30}

// HTTPMetrics counts requests and records their latency by route.
func HTTPMetrics(meter metric.Meter) (gin.HandlerFunc, error) {
	total, err := telemetry.NewCounter(meter, "http.server.requests.total", "HTTP requests served", "{request}")
	if err != nil {
		return nil, err
	}
	duration, err := telemetry.NewHistogram(meter, telemetry.HistogramOpts{
		Name:        "http.server.request.duration",
		Description: "HTTP request latency",
		Unit:        "s",
		Boundaries:  HTTPDurationBuckets,
	})
	if err != nil {
		return nil, err
	}

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		attrs := []attribute.KeyValue{
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.String("http.status_code", strconv.Itoa(c.Writer.Status())),
		}
		total.Inc(c.Request.Context(), attrs...)
		duration.RecordDuration(c.Request.Context(), time.Since(start), attrs...)
	}, nil
}
