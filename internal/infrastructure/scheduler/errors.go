package scheduler

import "errors"

var (
	// ErrSchedulerRunning is returned when registering a task on a started runner
	ErrSchedulerRunning = errors.New("scheduler is already running")

	// ErrUnknownTask is returned when triggering a task that was never registered
	ErrUnknownTask = errors.New("unknown task")

	// ErrDuplicateTask is returned when a task name is registered twice
	ErrDuplicateTask = errors.New("task already registered")

	// ErrInvalidConfig is returned when a task definition is invalid
	ErrInvalidConfig = errors.New("invalid scheduler configuration")
)
