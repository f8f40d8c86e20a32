package writer

import "errors"

// AsyncWriterStats provides statistics about async writer operations.
type AsyncWriterStats struct {
	// QueueDepth is the current number of jobs waiting in all shards
	QueueDepth int `json:"queue_depth"`

	// Pending counts jobs accepted but not yet finished, including running ones
	Pending int64 `json:"pending"`

	// DroppedJobs is the total number of jobs dropped due to backpressure
	DroppedJobs int64 `json:"dropped_jobs"`

	// TotalJobs is the total number of jobs accepted
	TotalJobs int64 `json:"total_jobs"`

	// FailedJobs is the total number of jobs that failed after every attempt
	FailedJobs int64 `json:"failed_jobs"`

	// RetriedJobs counts jobs that needed more than one attempt
	RetriedJobs int64 `json:"retried_jobs"`
}

// Errors returned by async writer operations.
var (
	// ErrQueueFull is returned when the shard queue is full and MaxWaitTime exceeded
	ErrQueueFull = errors.New("writer: queue full, job dropped")

	// ErrWriterClosed is returned when attempting to submit to a closed writer
	ErrWriterClosed = errors.New("writer: writer is closed")

	// ErrFlushTimeout is returned when Flush() times out waiting for pending jobs
	ErrFlushTimeout = errors.New("writer: flush timeout exceeded")
)
