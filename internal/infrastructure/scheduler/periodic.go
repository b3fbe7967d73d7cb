package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Task is a named unit of periodic work
type Task struct {
	Name     string
	Interval time.Duration
	// Timeout bounds one run; zero uses the runner default
	Timeout time.Duration
	// RunOnStart runs the task once as soon as the runner starts
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// TaskStatus is a snapshot of one task's run history
type TaskStatus struct {
	Name         string        `json:"name"`
	Interval     time.Duration `json:"interval"`
	Runs         int64         `json:"runs"`
	Failures     int64         `json:"failures"`
	LastRunAt    *time.Time    `json:"last_run_at,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
}

type taskState struct {
	task   Task
	status TaskStatus
}

// RunnerOption configures a PeriodicRunner
type RunnerOption func(*PeriodicRunner)

// WithDefaultTimeout sets the run timeout of tasks that declare none
func WithDefaultTimeout(d time.Duration) RunnerOption {
	return func(r *PeriodicRunner) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

// PeriodicRunner runs registered tasks on fixed intervals. A task never
// overlaps itself: ticks and manual triggers of the same task share one
// in-flight run. Different tasks run concurrently.
type PeriodicRunner struct {
	logger         *zap.Logger
	defaultTimeout time.Duration
	flight         singleflight.Group

	mu        sync.Mutex
	tasks     map[string]*taskState
	isRunning bool
	cancel    context.CancelFunc
	done      chan error
}

// NewPeriodicRunner creates a runner with no tasks
func NewPeriodicRunner(logger *zap.Logger, opts ...RunnerOption) *PeriodicRunner {
	r := &PeriodicRunner{
		logger:         logger,
		defaultTimeout: time.Minute,
		tasks:          make(map[string]*taskState),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a task. Tasks must be registered before Start.
func (r *PeriodicRunner) Register(task Task) error {
	if task.Name == "" || task.Run == nil || task.Interval <= 0 {
		return fmt.Errorf("%w: task %q needs a name, a run func and a positive interval", ErrInvalidConfig, task.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isRunning {
		return ErrSchedulerRunning
	}
	if _, ok := r.tasks[task.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, task.Name)
	}
	r.tasks[task.Name] = &taskState{task: task, status: TaskStatus{Name: task.Name, Interval: task.Interval}}
	return nil
}

// Start launches one loop per task. It returns immediately.
func (r *PeriodicRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isRunning {
		return nil
	}
	r.isRunning = true

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan error, 1)

	g, gctx := errgroup.WithContext(ctx)
	for _, st := range r.tasks {
		task := st.task
		g.Go(func() error {
			r.loop(gctx, task)
			return nil
		})
	}
	go func() { r.done <- g.Wait() }()

	r.logger.Info("periodic runner started", zap.Int("tasks", len(r.tasks)))
	return nil
}

// Stop cancels the loops and waits for running tasks until ctx expires.
func (r *PeriodicRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		return nil
	}
	r.isRunning = false
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	select {
	case err := <-done:
		r.logger.Info("periodic runner stopped")
		return err
	case <-ctx.Done():
		r.logger.Warn("periodic runner stop timed out")
		return ctx.Err()
	}
}

// Trigger runs the named task now, or joins its in-flight run. The run is
// detached from ctx cancellation so a caller that goes away does not abort
// a run other callers share; it is still bounded by the task timeout.
func (r *PeriodicRunner) Trigger(ctx context.Context, name string) error {
	r.mu.Lock()
	st, ok := r.tasks[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return r.run(context.WithoutCancel(ctx), st.task)
}

// Status returns the task snapshots sorted by name
func (r *PeriodicRunner) Status() []TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TaskStatus, 0, len(r.tasks))
	for _, st := range r.tasks {
		s := st.status
		if s.LastRunAt != nil {
			at := *s.LastRunAt
			s.LastRunAt = &at
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *PeriodicRunner) loop(ctx context.Context, task Task) {
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	if task.RunOnStart {
		_ = r.run(ctx, task)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.run(ctx, task)
		}
	}
}

func (r *PeriodicRunner) run(ctx context.Context, task Task) error {
	_, err, _ := r.flight.Do(task.Name, func() (any, error) {
		timeout := task.Timeout
		if timeout <= 0 {
			timeout = r.defaultTimeout
		}
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		start := time.Now()
		err := safeRun(runCtx, task)
		r.record(task.Name, start, err)
		if err != nil {
			r.logger.Warn("periodic task failed",
				zap.String("task", task.Name),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err),
			)
		} else {
			r.logger.Debug("periodic task completed",
				zap.String("task", task.Name),
				zap.Duration("elapsed", time.Since(start)),
			)
		}
		return nil, err
	})
	return err
}

func (r *PeriodicRunner) record(name string, start time.Time, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.tasks[name]
	if !ok {
		return
	}
	at := start.UTC()
	st.status.Runs++
	st.status.LastRunAt = &at
	st.status.LastDuration = time.Since(start)
	st.status.LastError = ""
	if err != nil {
		st.status.Failures++
		st.status.LastError = err.Error()
	}
}

func safeRun(ctx context.Context, task Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Name, p)
		}
	}()
	return task.Run(ctx)
}
