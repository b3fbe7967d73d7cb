package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/erp/exchange/internal/infrastructure/config"
)

// DBTracingConfig controls gorm span instrumentation.
type DBTracingConfig struct {
	Enabled         bool
	LogFullSQL      bool // keep bind variables in db.statement
	SlowQueryThresh time.Duration
	DBName          string
}

// DBTracingConfigFrom maps application configuration onto gorm tracing.
func DBTracingConfigFrom(cfg *config.TelemetryConfig, dbName string) DBTracingConfig {
	return DBTracingConfig{
		Enabled:         cfg.Enabled && cfg.DBTraceEnabled,
		LogFullSQL:      cfg.DBLogFullSQL,
		SlowQueryThresh: cfg.DBSlowQueryThresh,
		DBName:          dbName,
	}
}

type queryStartKey struct{}

// RegisterDBTracing installs otelgorm plus timing callbacks that flag slow
// statements on their span.
func RegisterDBTracing(db *gorm.DB, cfg DBTracingConfig, logger *zap.Logger) error {
	if !cfg.Enabled {
		return nil
	}
	opts := []otelgorm.Option{otelgorm.WithDBName(cfg.DBName)}
	if !cfg.LogFullSQL {
		opts = append(opts, otelgorm.WithoutQueryVariables())
	}
	if err := db.Use(otelgorm.NewPlugin(opts...)); err != nil {
		return err
	}

	t := &slowQueryTracker{threshold: cfg.SlowQueryThresh, logger: logger}
	cb := db.Callback()
	if err := errors.Join(
		cb.Create().Before("gorm:create").Register("exchange:start_create", t.before),
		cb.Create().After("gorm:create").Register("exchange:finish_create", t.after),
		cb.Query().Before("gorm:query").Register("exchange:start_query", t.before),
		cb.Query().After("gorm:query").Register("exchange:finish_query", t.after),
		cb.Update().Before("gorm:update").Register("exchange:start_update", t.before),
		cb.Update().After("gorm:update").Register("exchange:finish_update", t.after),
		cb.Delete().Before("gorm:delete").Register("exchange:start_delete", t.before),
		cb.Delete().After("gorm:delete").Register("exchange:finish_delete", t.after),
		cb.Row().Before("gorm:row").Register("exchange:start_row", t.before),
		cb.Row().After("gorm:row").Register("exchange:finish_row", t.after),
		cb.Raw().Before("gorm:raw").Register("exchange:start_raw", t.before),
		cb.Raw().After("gorm:raw").Register("exchange:finish_raw", t.after),
	); err != nil {
		return err
	}

	logger.Info("Database tracing enabled",
		zap.Bool("log_full_sql", cfg.LogFullSQL),
		zap.Duration("slow_query_threshold", cfg.SlowQueryThresh),
	)
	return nil
}

type slowQueryTracker struct {
	threshold time.Duration
	logger    *zap.Logger
}

func (t *slowQueryTracker) before(db *gorm.DB) {
	if db.Statement.Context != nil {
		db.Statement.Context = context.WithValue(db.Statement.Context, queryStartKey{}, time.Now())
	}
}

func (t *slowQueryTracker) after(db *gorm.DB) {
	ctx := db.Statement.Context
	if ctx == nil {
		return
	}
	started, ok := ctx.Value(queryStartKey{}).(time.Time)
	if !ok {
		return
	}
	elapsed := time.Since(started)

	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		if db.Statement.Table != "" {
			span.SetAttributes(attribute.String("db.sql.table", db.Statement.Table))
		}
		span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))
		if db.Error != nil && !errors.Is(db.Error, gorm.ErrRecordNotFound) {
			span.RecordError(db.Error)
			span.SetStatus(codes.Error, db.Error.Error())
		}
	}

	if t.threshold <= 0 || elapsed <= t.threshold {
		return
	}
	if span.IsRecording() {
		span.SetAttributes(attribute.Bool("db.slow_query", true))
		span.AddEvent("slow_query", trace.WithAttributes(
			attribute.Int64("duration_ms", elapsed.Milliseconds()),
			attribute.Int64("threshold_ms", t.threshold.Milliseconds()),
		))
	}
	t.logger.Warn("slow query",
		zap.String("table", db.Statement.Table),
		zap.Duration("elapsed", elapsed),
	)
}
