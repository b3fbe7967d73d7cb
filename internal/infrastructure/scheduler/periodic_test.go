package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRunner(t *testing.T) *PeriodicRunner {
	t.Helper()
	r := NewPeriodicRunner(zaptest.NewLogger(t), WithDefaultTimeout(time.Second))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Stop(ctx)
	})
	return r
}

func TestPeriodicRunner_Register(t *testing.T) {
	r := newTestRunner(t)
	run := func(context.Context) error { return nil }

	assert.ErrorIs(t, r.Register(Task{Name: "", Interval: time.Second, Run: run}), ErrInvalidConfig)
	assert.ErrorIs(t, r.Register(Task{Name: "a", Interval: 0, Run: run}), ErrInvalidConfig)
	assert.ErrorIs(t, r.Register(Task{Name: "a", Interval: time.Second}), ErrInvalidConfig)

	require.NoError(t, r.Register(Task{Name: "a", Interval: time.Second, Run: run}))
	assert.ErrorIs(t, r.Register(Task{Name: "a", Interval: time.Second, Run: run}), ErrDuplicateTask)

	require.NoError(t, r.Start(context.Background()))
	assert.ErrorIs(t, r.Register(Task{Name: "b", Interval: time.Second, Run: run}), ErrSchedulerRunning)
}

func TestPeriodicRunner_RunsOnInterval(t *testing.T) {
	r := newTestRunner(t)
	var runs atomic.Int32
	require.NoError(t, r.Register(Task{
		Name:     "tick",
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))
	require.NoError(t, r.Start(context.Background()))

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx))

	stopped := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, runs.Load())
}

func TestPeriodicRunner_RunOnStart(t *testing.T) {
	r := newTestRunner(t)
	ran := make(chan struct{}, 1)
	require.NoError(t, r.Register(Task{
		Name:       "eager",
		Interval:   time.Hour,
		RunOnStart: true,
		Run: func(context.Context) error {
			ran <- struct{}{}
			return nil
		},
	}))
	require.NoError(t, r.Start(context.Background()))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("task did not run on start")
	}
}

func TestPeriodicRunner_TriggerIsSingleFlight(t *testing.T) {
	r := newTestRunner(t)
	var running, maxRunning, runs atomic.Int32
	release := make(chan struct{})
	require.NoError(t, r.Register(Task{
		Name:     "flush",
		Interval: time.Hour,
		Run: func(context.Context) error {
			n := running.Add(1)
			defer running.Add(-1)
			for {
				m := maxRunning.Load()
				if n <= m || maxRunning.CompareAndSwap(m, n) {
					break
				}
			}
			runs.Add(1)
			<-release
			return nil
		},
	}))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Trigger(context.Background(), "flush"))
		}()
	}
	require.Eventually(t, func() bool { return running.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), maxRunning.Load())
	assert.LessOrEqual(t, runs.Load(), int32(5))
	assert.GreaterOrEqual(t, runs.Load(), int32(1))
}

func TestPeriodicRunner_TriggerUnknown(t *testing.T) {
	r := newTestRunner(t)
	assert.ErrorIs(t, r.Trigger(context.Background(), "missing"), ErrUnknownTask)
}

func TestPeriodicRunner_StatusAndFailures(t *testing.T) {
	r := newTestRunner(t)
	boom := errors.New("erp down")
	require.NoError(t, r.Register(Task{Name: "b-fail", Interval: time.Hour, Run: func(context.Context) error { return boom }}))
	require.NoError(t, r.Register(Task{Name: "a-ok", Interval: time.Hour, Run: func(context.Context) error { return nil }}))
	require.NoError(t, r.Register(Task{Name: "c-panic", Interval: time.Hour, Run: func(context.Context) error { panic("bad") }}))

	assert.ErrorIs(t, r.Trigger(context.Background(), "b-fail"), boom)
	assert.NoError(t, r.Trigger(context.Background(), "a-ok"))
	err := r.Trigger(context.Background(), "c-panic")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	status := r.Status()
	require.Len(t, status, 3)
	assert.Equal(t, "a-ok", status[0].Name)
	assert.Equal(t, int64(1), status[0].Runs)
	assert.Zero(t, status[0].Failures)
	assert.NotNil(t, status[0].LastRunAt)

	assert.Equal(t, "b-fail", status[1].Name)
	assert.Equal(t, int64(1), status[1].Failures)
	assert.Equal(t, "erp down", status[1].LastError)
	assert.Equal(t, int64(1), status[2].Failures)
}

func TestPeriodicRunner_TaskTimeout(t *testing.T) {
	r := newTestRunner(t)
	require.NoError(t, r.Register(Task{
		Name:     "slow",
		Interval: time.Hour,
		Timeout:  10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}))

	assert.ErrorIs(t, r.Trigger(context.Background(), "slow"), context.DeadlineExceeded)
}

func TestPeriodicRunner_TriggerSurvivesCallerCancel(t *testing.T) {
	r := newTestRunner(t)
	require.NoError(t, r.Register(Task{
		Name:     "detached",
		Interval: time.Hour,
		Run: func(ctx context.Context) error {
			time.Sleep(5 * time.Millisecond)
			return ctx.Err()
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, r.Trigger(ctx, "detached"))
}
