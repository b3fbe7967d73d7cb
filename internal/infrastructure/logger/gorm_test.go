package logger

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func newObservedGorm(t *testing.T, level gormlogger.LogLevel, opts ...GormLoggerOption) (*GormLogger, *observer.ObservedLogs) {
	t.Helper()
	core, recorded := observer.New(zapcore.DebugLevel)
	return NewGormLogger(zap.New(core), level, opts...), recorded
}

func fieldValue(entry observer.LoggedEntry, key string) (string, bool) {
	for _, f := range entry.Context {
		if f.Key == key {
			return f.String, true
		}
	}
	return "", false
}

func TestGormLogger_LogModeReturnsCopy(t *testing.T) {
	gl, _ := newObservedGorm(t, gormlogger.Info)

	changed, ok := gl.LogMode(gormlogger.Warn).(*GormLogger)
	require.True(t, ok)

	assert.Equal(t, gormlogger.Info, gl.logLevel)
	assert.Equal(t, gormlogger.Warn, changed.logLevel)
}

func TestGormLogger_LevelFiltering(t *testing.T) {
	gl, recorded := newObservedGorm(t, gormlogger.Warn)

	gl.Info(context.Background(), "info %s", "dropped")
	gl.Warn(context.Background(), "warn %d", 42)
	gl.Error(context.Background(), "error")

	logs := recorded.All()
	require.Len(t, logs, 2)
	assert.Equal(t, "warn 42", logs[0].Message)
	assert.Equal(t, zapcore.ErrorLevel, logs[1].Level)
}

func TestGormLogger_Trace(t *testing.T) {
	stmt := func() (string, int64) { return "SELECT * FROM processed_messages", 3 }

	t.Run("error", func(t *testing.T) {
		gl, recorded := newObservedGorm(t, gormlogger.Error)
		gl.Trace(context.Background(), time.Now(), stmt, errors.New("boom"))
		require.Len(t, recorded.All(), 1)
		assert.Equal(t, "SQL Error", recorded.All()[0].Message)
	})

	t.Run("record not found demoted", func(t *testing.T) {
		gl, recorded := newObservedGorm(t, gormlogger.Error)
		gl.Trace(context.Background(), time.Now(), stmt, gormlogger.ErrRecordNotFound)
		require.Len(t, recorded.All(), 1)
		assert.Equal(t, zapcore.DebugLevel, recorded.All()[0].Level)
	})

	t.Run("expected error demoted", func(t *testing.T) {
		duplicate := errors.New("duplicated key not allowed")
		gl, recorded := newObservedGorm(t, gormlogger.Error,
			WithExpectedError(func(err error) bool { return errors.Is(err, duplicate) }))
		gl.Trace(context.Background(), time.Now(), stmt, duplicate)
		gl.Trace(context.Background(), time.Now(), stmt, errors.New("boom"))

		require.Len(t, recorded.All(), 2)
		assert.Equal(t, zapcore.DebugLevel, recorded.All()[0].Level)
		assert.Equal(t, "SQL Error", recorded.All()[1].Message)
	})

	t.Run("slow", func(t *testing.T) {
		gl, recorded := newObservedGorm(t, gormlogger.Warn, WithSlowThreshold(time.Nanosecond))
		gl.Trace(context.Background(), time.Now().Add(-time.Second), stmt, nil)
		require.Len(t, recorded.All(), 1)
		assert.Contains(t, recorded.All()[0].Message, "SLOW SQL")
	})

	t.Run("normal query at debug", func(t *testing.T) {
		gl, recorded := newObservedGorm(t, gormlogger.Info)
		gl.Trace(context.Background(), time.Now(), stmt, nil)
		require.Len(t, recorded.All(), 1)
		assert.Equal(t, zapcore.DebugLevel, recorded.All()[0].Level)
	})

	t.Run("silent", func(t *testing.T) {
		gl, recorded := newObservedGorm(t, gormlogger.Silent)
		gl.Trace(context.Background(), time.Now(), stmt, errors.New("boom"))
		assert.Empty(t, recorded.All())
	})
}

func TestGormLogger_TraceCarriesContextIDs(t *testing.T) {
	gl, recorded := newObservedGorm(t, gormlogger.Info)

	ctx, _ := WithCorrelationID(context.Background(), zap.NewNop(), "corr-1")
	ctx, _ = WithRequestID(ctx, zap.NewNop(), "req-1")
	gl.Trace(ctx, time.Now(), func() (string, int64) { return "SELECT 1", 1 }, nil)

	require.Len(t, recorded.All(), 1)
	corr, ok := fieldValue(recorded.All()[0], "correlation_id")
	assert.True(t, ok)
	assert.Equal(t, "corr-1", corr)
	req, ok := fieldValue(recorded.All()[0], "request_id")
	assert.True(t, ok)
	assert.Equal(t, "req-1", req)
}

func TestGormLogger_TruncatesLongStatements(t *testing.T) {
	gl, recorded := newObservedGorm(t, gormlogger.Info, WithMaxSQLLength(16))

	long := "INSERT INTO catalog_products VALUES " + strings.Repeat("(?),", 100)
	gl.Trace(context.Background(), time.Now(), func() (string, int64) { return long, 100 }, nil)

	require.Len(t, recorded.All(), 1)
	sql, _ := fieldValue(recorded.All()[0], "sql")
	assert.Equal(t, long[:16]+"...", sql)
}

func TestMapGormLogLevel(t *testing.T) {
	tests := map[string]gormlogger.LogLevel{
		"silent":  gormlogger.Silent,
		"error":   gormlogger.Error,
		"warn":    gormlogger.Warn,
		"info":    gormlogger.Info,
		"debug":   gormlogger.Info,
		"unknown": gormlogger.Warn,
		"":        gormlogger.Warn,
	}
	for level, want := range tests {
		assert.Equal(t, want, MapGormLogLevel(level), level)
	}
}
