// Package monitor observes the exchange pipeline: ERP reachability, queue
// depth and dead-letter backlog. It only reports; the sole action it takes
// is triggering the pending ERP flush.
package monitor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/erp/exchange/internal/application/erpbridge"
	"github.com/erp/exchange/internal/domain/shared"
	"github.com/erp/exchange/internal/infrastructure/config"
	"github.com/erp/exchange/internal/infrastructure/scheduler"
)

// Task names registered on the periodic runner.
const (
	TaskERPPing    = "erp.ping"
	TaskQueueCheck = "queues.check"
	TaskERPFlush   = "erp.flush"
)

// ERPService is the part of the ERP bridge the monitor drives.
type ERPService interface {
	TestConnection(ctx context.Context) error
	FlushPendingOrders(ctx context.Context) (erpbridge.FlushResult, error)
}

// Metrics receives probe observations.
type Metrics interface {
	RecordQueueStats(ctx context.Context, stats shared.QueueStats)
	RecordERPFailure(ctx context.Context, operation string)
}

// Config holds probe intervals and thresholds.
type Config struct {
	ERPPingInterval    time.Duration
	QueueCheckInterval time.Duration
	FlushInterval      time.Duration
	TaskTimeout        time.Duration
	QueueDepthWarn     int64
	Queues             []string
}

// ConfigFrom reads the monitor section; queues lists the queues to probe.
func ConfigFrom(cfg *config.MonitorConfig, queues []string) Config {
	return Config{
		ERPPingInterval:    cfg.ERPPingInterval,
		QueueCheckInterval: cfg.QueueCheckInterval,
		FlushInterval:      cfg.FlushInterval,
		TaskTimeout:        cfg.TaskTimeout,
		QueueDepthWarn:     cfg.QueueDepthWarn,
		Queues:             queues,
	}
}

// ERPStatus is the outcome of the last ERP ping.
type ERPStatus struct {
	Configured bool       `json:"configured"`
	Reachable  bool       `json:"reachable"`
	CheckedAt  *time.Time `json:"checked_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

// Snapshot is what the monitor last observed.
type Snapshot struct {
	ERP    ERPStatus           `json:"erp"`
	Queues []shared.QueueStats `json:"queues"`
}

// Monitor runs the probes. erp may be nil when the ERP link is disabled.
type Monitor struct {
	cfg       Config
	inspector shared.QueueInspector
	erp       ERPService
	metrics   Metrics
	logger    *zap.Logger

	mu     sync.RWMutex
	queues map[string]shared.QueueStats
	erpSt  ERPStatus
}

// New creates a monitor.
func New(cfg Config, inspector shared.QueueInspector, erp ERPService, metrics Metrics, logger *zap.Logger) *Monitor {
	return &Monitor{
		cfg:       cfg,
		inspector: inspector,
		erp:       erp,
		metrics:   metrics,
		logger:    logger,
		queues:    make(map[string]shared.QueueStats),
		erpSt:     ERPStatus{Configured: erp != nil},
	}
}

// Register adds the probes to runner. ERP probes are skipped when the ERP
// link is disabled.
func (m *Monitor) Register(runner *scheduler.PeriodicRunner) error {
	tasks := []scheduler.Task{{
		Name:       TaskQueueCheck,
		Interval:   m.cfg.QueueCheckInterval,
		Timeout:    m.cfg.TaskTimeout,
		RunOnStart: true,
		Run:        m.CheckQueues,
	}}
	if m.erp != nil {
		tasks = append(tasks,
			scheduler.Task{
				Name:       TaskERPPing,
				Interval:   m.cfg.ERPPingInterval,
				Timeout:    m.cfg.TaskTimeout,
				RunOnStart: true,
				Run:        m.CheckERP,
			},
			scheduler.Task{
				Name:     TaskERPFlush,
				Interval: m.cfg.FlushInterval,
				Timeout:  m.cfg.TaskTimeout,
				Run:      m.FlushPendingOrders,
			},
		)
	}
	for _, t := range tasks {
		if err := runner.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// CheckERP pings the ERP and records the outcome.
func (m *Monitor) CheckERP(ctx context.Context) error {
	if m.erp == nil {
		return nil
	}
	err := m.erp.TestConnection(ctx)
	now := time.Now().UTC()

	m.mu.Lock()
	m.erpSt.CheckedAt = &now
	m.erpSt.Reachable = err == nil
	m.erpSt.LastError = ""
	if err != nil {
		m.erpSt.LastError = err.Error()
	}
	m.mu.Unlock()

	if err != nil {
		if m.metrics != nil {
			m.metrics.RecordERPFailure(ctx, "ping")
		}
		m.logger.Warn("erp unreachable", zap.Error(err))
		return err
	}
	return nil
}

// CheckQueues inspects every monitored queue. A queue that cannot be
// inspected does not stop the others.
func (m *Monitor) CheckQueues(ctx context.Context) error {
	var errs []error
	for _, q := range m.cfg.Queues {
		stats, err := m.inspector.Inspect(ctx, q)
		if err != nil {
			m.logger.Warn("queue inspection failed", zap.String("queue", q), zap.Error(err))
			errs = append(errs, err)
			continue
		}

		m.mu.Lock()
		m.queues[q] = stats
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.RecordQueueStats(ctx, stats)
		}

		fields := []zap.Field{
			zap.String("queue", q),
			zap.Int64("depth", stats.Depth),
			zap.Int64("dead_letters", stats.DeadLetters),
			zap.Int("consumers", stats.Consumers),
		}
		switch {
		case stats.DeadLetters > 0:
			m.logger.Warn("dead letters waiting for an operator", fields...)
		case m.cfg.QueueDepthWarn > 0 && stats.Depth > m.cfg.QueueDepthWarn:
			m.logger.Warn("queue depth over threshold", append(fields, zap.Int64("threshold", m.cfg.QueueDepthWarn))...)
		default:
			m.logger.Debug("queue checked", fields...)
		}
	}
	return errors.Join(errs...)
}

// FlushPendingOrders triggers the ERP pending flush.
func (m *Monitor) FlushPendingOrders(ctx context.Context) error {
	if m.erp == nil {
		return nil
	}
	res, err := m.erp.FlushPendingOrders(ctx)
	if err != nil {
		return err
	}
	if res.Failed > 0 {
		m.logger.Warn("pending erp documents still failing",
			zap.Int("attempted", res.Attempted),
			zap.Int("failed", res.Failed),
		)
	}
	return nil
}

// Snapshot returns the last observations, queues sorted by name.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{ERP: m.erpSt, Queues: make([]shared.QueueStats, 0, len(m.queues))}
	if m.erpSt.CheckedAt != nil {
		at := *m.erpSt.CheckedAt
		snap.ERP.CheckedAt = &at
	}
	for _, s := range m.queues {
		snap.Queues = append(snap.Queues, s)
	}
	sort.Slice(snap.Queues, func(i, j int) bool { return snap.Queues[i].Queue < snap.Queues[j].Queue })
	return snap
}
