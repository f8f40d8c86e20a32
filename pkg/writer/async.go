// Package writer runs the asynchronous half of the balance write path:
// persisting to the backend, publishing replication messages and appending
// ledger entries. Jobs sharing a key run in submission order on one shard;
// failed jobs are retried with exponential backoff and, once exhausted,
// reported as a desynchronization.
package writer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"coinsync/pkg/logging"
	"coinsync/pkg/metrics"

	"github.com/cenkalti/backoff/v5"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// Job is one unit of asynchronous work.
type Job struct {
	// Kind labels the job in logs and metrics ("persist", "publish", "ledger")
	Kind string

	// Key selects the shard. Jobs with equal keys never run concurrently
	// and run in submission order.
	Key string

	// Currency is reported with desynchronization events
	Currency string

	// NoRetry runs the job once. Set it for non-idempotent work.
	NoRetry bool

	// Run performs the work.
	Run func(ctx context.Context) error

	// OnGiveUp, if set, is called after the last failed attempt.
	OnGiveUp func(err error, attempts int)
}

// AsyncWriter executes jobs on a fixed set of shards.
type AsyncWriter struct {
	shards  []chan Job
	wg      sync.WaitGroup
	config  AsyncWriterConfig
	metrics metrics.MetricsCollector
	logger  *logging.Logger

	// mu guards closed against Submit racing Close
	mu     sync.RWMutex
	closed bool

	// Statistics (accessed atomically)
	pending     atomic.Int64
	droppedJobs atomic.Int64
	totalJobs   atomic.Int64
	failedJobs  atomic.Int64
	retriedJobs atomic.Int64

	// Metrics ticker for periodic queue depth reporting
	metricsTicker *time.Ticker
	metricsStop   chan struct{}
}

// AsyncWriterConfig configures the async writer behavior.
type AsyncWriterConfig struct {
	// Name identifies the writer in logs and metrics
	Name string `env:"NAME" envDefault:"writer"`

	// QueueSize is the bounded queue size of each shard (default: 1000)
	QueueSize int `env:"QUEUE_SIZE" envDefault:"1000"`

	// Workers is the number of shards, each served by one goroutine (default: 4)
	Workers int `env:"WORKERS" envDefault:"4"`

	// MaxWaitTime is the max time to wait if a shard queue is full (default: 10ms)
	MaxWaitTime time.Duration `env:"MAX_WAIT" envDefault:"10ms"`

	// MaxAttempts bounds the attempts of a retried job (default: 3)
	MaxAttempts int `env:"MAX_ATTEMPTS" envDefault:"3"`

	// InitialInterval and MaxInterval shape the exponential backoff between attempts
	InitialInterval time.Duration `env:"RETRY_INITIAL" envDefault:"50ms"`
	MaxInterval     time.Duration `env:"RETRY_MAX" envDefault:"1s"`

	// JobTimeout bounds a single attempt (0 = no bound)
	JobTimeout time.Duration `env:"JOB_TIMEOUT" envDefault:"2s"`

	// MetricsInterval is how often queue depth is reported (default: 5s)
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"5s"`
}

// DefaultAsyncWriterConfig returns the default writer configuration.
func DefaultAsyncWriterConfig() AsyncWriterConfig {
	return AsyncWriterConfig{
		Name:            "writer",
		QueueSize:       1000,
		Workers:         4,
		MaxWaitTime:     10 * time.Millisecond,
		MaxAttempts:     3,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
		JobTimeout:      2 * time.Second,
		MetricsInterval: 5 * time.Second,
	}
}

// NewAsyncWriter creates a new async writer with bounded shard queues.
// The writer starts processing immediately and must be closed with Close().
func NewAsyncWriter(config AsyncWriterConfig) *AsyncWriter {
	return NewAsyncWriterWithMetrics(config, metrics.NoOpCollector{})
}

// NewAsyncWriterWithMetrics creates a new async writer with custom metrics collector.
func NewAsyncWriterWithMetrics(config AsyncWriterConfig, metricsCollector metrics.MetricsCollector) *AsyncWriter {
	// Apply defaults
	if config.Name == "" {
		config.Name = "writer"
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1000
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.MaxWaitTime == 0 {
		config.MaxWaitTime = 10 * time.Millisecond
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialInterval <= 0 {
		config.InitialInterval = 50 * time.Millisecond
	}
	if config.MaxInterval < config.InitialInterval {
		config.MaxInterval = config.InitialInterval
	}
	if config.MetricsInterval <= 0 {
		config.MetricsInterval = 5 * time.Second
	}
	if metricsCollector == nil {
		metricsCollector = metrics.NoOpCollector{}
	}

	w := &AsyncWriter{
		shards:        make([]chan Job, config.Workers),
		config:        config,
		metrics:       metricsCollector,
		logger:        logging.Global().Named("writer").Named(config.Name),
		metricsTicker: time.NewTicker(config.MetricsInterval),
		metricsStop:   make(chan struct{}),
	}

	for i := range w.shards {
		w.shards[i] = make(chan Job, config.QueueSize)
		w.wg.Add(1)
		go w.worker(w.shards[i])
	}

	go w.reportMetrics()

	return w
}

func (w *AsyncWriter) shard(key string) chan Job {
	return w.shards[xxhash.Sum64String(key)%uint64(len(w.shards))]
}

// Submit enqueues a job. If the shard queue is full it waits up to
// MaxWaitTime before dropping the job with ErrQueueFull.
func (w *AsyncWriter) Submit(ctx context.Context, job Job) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	queue := w.shard(job.Key)
	w.pending.Add(1)

	select {
	case queue <- job:
		w.totalJobs.Add(1)
		return nil
	default:
	}

	timer := time.NewTimer(w.config.MaxWaitTime)
	defer timer.Stop()

	select {
	case queue <- job:
		w.totalJobs.Add(1)
		return nil
	case <-timer.C:
		w.pending.Add(-1)
		w.droppedJobs.Add(1)
		w.metrics.RecordJobDropped(w.config.Name)
		w.logger.Warn("job dropped, queue full",
			zap.String("kind", job.Kind),
			zap.String("key", job.Key),
			zap.String("currency", job.Currency),
		)
		return ErrQueueFull
	case <-ctx.Done():
		w.pending.Add(-1)
		return ctx.Err()
	}
}

// worker processes one shard until its channel is closed and drained.
func (w *AsyncWriter) worker(queue <-chan Job) {
	defer w.wg.Done()

	for job := range queue {
		w.process(job)
		w.pending.Add(-1)
	}
}

func (w *AsyncWriter) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.config.InitialInterval
	b.MaxInterval = w.config.MaxInterval
	return b
}

func (w *AsyncWriter) attempt(job Job) error {
	ctx := context.Background()
	if w.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.config.JobTimeout)
		defer cancel()
	}
	return job.Run(ctx)
}

func (w *AsyncWriter) process(job Job) {
	start := time.Now()
	attempts := 0

	maxTries := uint(w.config.MaxAttempts)
	if job.NoRetry {
		maxTries = 1
	}

	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		attempts++
		return struct{}{}, w.attempt(job)
	},
		backoff.WithBackOff(w.newBackOff()),
		backoff.WithMaxTries(maxTries),
		backoff.WithMaxElapsedTime(0),
	)

	duration := time.Since(start)
	w.metrics.RecordJob(w.config.Name, job.Kind, err == nil, attempts, duration)
	if attempts > 1 {
		w.retriedJobs.Add(1)
	}
	if err == nil {
		return
	}

	w.failedJobs.Add(1)
	w.metrics.RecordDesync(job.Currency, job.Kind)
	w.logger.Desync("giving up on job", job.Currency, job.Key, job.Kind, attempts, err)
	if job.OnGiveUp != nil {
		job.OnGiveUp(err, attempts)
	}
}

// Flush waits until every accepted job has finished or timeout elapses.
func (w *AsyncWriter) Flush(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		if w.pending.Load() == 0 {
			return nil
		}

		if time.Now().After(deadline) {
			return ErrFlushTimeout
		}

		time.Sleep(5 * time.Millisecond)
	}
}

// Close stops accepting new jobs and waits for queued ones to complete.
func (w *AsyncWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, queue := range w.shards {
		close(queue)
	}
	w.mu.Unlock()

	close(w.metricsStop)
	w.metricsTicker.Stop()

	w.wg.Wait()
	return nil
}

// reportMetrics periodically reports queue depth.
func (w *AsyncWriter) reportMetrics() {
	for {
		select {
		case <-w.metricsTicker.C:
			w.metrics.RecordQueueDepth(w.config.Name, w.queueDepth())
		case <-w.metricsStop:
			return
		}
	}
}

func (w *AsyncWriter) queueDepth() int {
	depth := 0
	for _, queue := range w.shards {
		depth += len(queue)
	}
	return depth
}

// Stats returns current statistics about the async writer.
func (w *AsyncWriter) Stats() AsyncWriterStats {
	return AsyncWriterStats{
		QueueDepth:  w.queueDepth(),
		Pending:     w.pending.Load(),
		DroppedJobs: w.droppedJobs.Load(),
		TotalJobs:   w.totalJobs.Load(),
		FailedJobs:  w.failedJobs.Load(),
		RetriedJobs: w.retriedJobs.Load(),
	}
}
