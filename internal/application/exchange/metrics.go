package exchange

import (
	"context"
	"sync/atomic"
	"time"
)

// Job outcomes reported to JobMetrics.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
)

// JobMetrics receives one observation per consumed job.
type JobMetrics interface {
	RecordJob(ctx context.Context, jobType, outcome string, elapsed time.Duration)
}

// JobCounters tracks pipeline totals in process
type JobCounters struct {
	// Processed is the number of jobs handled for the first time
	Processed atomic.Int64

	// Duplicate is the number of jobs whose key was already claimed
	Duplicate atomic.Int64

	// Failed is the number of jobs that failed after acquiring their key
	Failed atomic.Int64

	// Records is the number of parsed records handed to the stores
	Records atomic.Int64
}

// Stats returns a snapshot of the counters
func (c *JobCounters) Stats() JobStats {
	return JobStats{
		Processed: c.Processed.Load(),
		Duplicate: c.Duplicate.Load(),
		Failed:    c.Failed.Load(),
		Records:   c.Records.Load(),
	}
}

// JobStats is a snapshot of JobCounters
type JobStats struct {
	Processed int64 `json:"processed"`
	Duplicate int64 `json:"duplicate"`
	Failed    int64 `json:"failed"`
	Records   int64 `json:"records"`
}

func (c *JobCounters) record(outcome string) {
	switch outcome {
	case OutcomeProcessed:
		c.Processed.Add(1)
	case OutcomeDuplicate:
		c.Duplicate.Add(1)
	case OutcomeFailed:
		c.Failed.Add(1)
	}
}
