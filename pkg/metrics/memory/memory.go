package memory

import (
	"sync"
	"time"

	"coinsync/pkg/metrics"
)

// MemoryCollector implements MetricsCollector for in-memory testing and the
// JSON metrics endpoint.
type MemoryCollector struct {
	mu sync.RWMutex

	// Per-backend metrics
	backends map[string]*BackendMetrics

	// Per-queue metrics
	queues map[string]*QueueMetrics

	// Per-currency metrics
	currencies map[string]*CurrencyMetrics

	// Pool dials keyed by pool name
	poolDials     map[string]int64
	poolOverflows map[string]int64
	poolFailures  map[string]int64

	ledgerAppends  int64
	ledgerFailures int64
}

// BackendMetrics holds metrics for a single storage backend.
type BackendMetrics struct {
	Calls        int64
	Errors       int64
	CallsByOp    map[string]int64
	CircuitState metrics.CircuitState
	CircuitOpens int64
	Latencies    []time.Duration
}

// QueueMetrics holds metrics for an async writer queue.
type QueueMetrics struct {
	QueueDepth int
	Dropped    int64
	Jobs       int64
	Failed     int64
	Retried    int64
	JobsByKind map[string]int64
	JobLatency []time.Duration
}

// CurrencyMetrics holds consistency metrics for a currency.
type CurrencyMetrics struct {
	Desyncs        int64
	DesyncsByStage map[string]int64
	Replication    map[metrics.ReplicationOutcome]int64
}

// NewMemoryCollector creates a new in-memory metrics collector.
func NewMemoryCollector() *MemoryCollector {
	mc := &MemoryCollector{}
	mc.reset()
	return mc
}

func (mc *MemoryCollector) reset() {
	mc.backends = make(map[string]*BackendMetrics)
	mc.queues = make(map[string]*QueueMetrics)
	mc.currencies = make(map[string]*CurrencyMetrics)
	mc.poolDials = make(map[string]int64)
	mc.poolOverflows = make(map[string]int64)
	mc.poolFailures = make(map[string]int64)
	mc.ledgerAppends = 0
	mc.ledgerFailures = 0
}

// backend returns the metrics for name, creating them if needed. Caller holds mu.
func (mc *MemoryCollector) backend(name string) *BackendMetrics {
	bm, ok := mc.backends[name]
	if !ok {
		bm = &BackendMetrics{CallsByOp: make(map[string]int64)}
		mc.backends[name] = bm
	}
	return bm
}

func (mc *MemoryCollector) queue(name string) *QueueMetrics {
	qm, ok := mc.queues[name]
	if !ok {
		qm = &QueueMetrics{JobsByKind: make(map[string]int64)}
		mc.queues[name] = qm
	}
	return qm
}

func (mc *MemoryCollector) currency(name string) *CurrencyMetrics {
	cm, ok := mc.currencies[name]
	if !ok {
		cm = &CurrencyMetrics{
			DesyncsByStage: make(map[string]int64),
			Replication:    make(map[metrics.ReplicationOutcome]int64),
		}
		mc.currencies[name] = cm
	}
	return cm
}

// RecordBackendCall records a storage backend call.
func (mc *MemoryCollector) RecordBackendCall(backend, operation string, success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	bm := mc.backend(backend)
	bm.Calls++
	bm.CallsByOp[operation]++
	if !success {
		bm.Errors++
	}
	bm.Latencies = append(bm.Latencies, duration)
}

// RecordCircuitState records the current circuit breaker state.
func (mc *MemoryCollector) RecordCircuitState(backend string, state metrics.CircuitState) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	bm := mc.backend(backend)
	oldState := bm.CircuitState
	bm.CircuitState = state

	// Count transitions to open
	if oldState != metrics.CircuitOpen && state == metrics.CircuitOpen {
		bm.CircuitOpens++
	}
}

// RecordPoolDial records a connection dial.
func (mc *MemoryCollector) RecordPoolDial(pool string, overflow bool, success bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.poolDials[pool]++
	if overflow {
		mc.poolOverflows[pool]++
	}
	if !success {
		mc.poolFailures[pool]++
	}
}

// RecordQueueDepth records the current writer queue depth.
func (mc *MemoryCollector) RecordQueueDepth(queue string, depth int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.queue(queue).QueueDepth = depth
}

// RecordJobDropped records a job rejected by backpressure.
func (mc *MemoryCollector) RecordJobDropped(queue string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.queue(queue).Dropped++
}

// RecordJob records a completed writer job.
func (mc *MemoryCollector) RecordJob(queue, kind string, success bool, attempts int, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	qm := mc.queue(queue)
	qm.Jobs++
	qm.JobsByKind[kind]++
	if !success {
		qm.Failed++
	}
	if attempts > 1 {
		qm.Retried++
	}
	qm.JobLatency = append(qm.JobLatency, duration)
}

// RecordDesync records a write that exhausted its retries.
func (mc *MemoryCollector) RecordDesync(currency, stage string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	cm := mc.currency(currency)
	cm.Desyncs++
	cm.DesyncsByStage[stage]++
}

// RecordReplication records the outcome of an inbound replication message.
func (mc *MemoryCollector) RecordReplication(currency string, outcome metrics.ReplicationOutcome) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.currency(currency).Replication[outcome]++
}

// RecordLedgerAppend records a ledger append.
func (mc *MemoryCollector) RecordLedgerAppend(success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.ledgerAppends++
	if !success {
		mc.ledgerFailures++
	}
}

// Snapshot is a copy of the collected metrics.
type Snapshot struct {
	Backends       map[string]BackendMetrics
	Queues         map[string]QueueMetrics
	Currencies     map[string]CurrencyMetrics
	PoolDials      map[string]int64
	PoolOverflows  map[string]int64
	PoolFailures   map[string]int64
	LedgerAppends  int64
	LedgerFailures int64
}

// Snapshot returns a copy of the current metrics state.
func (mc *MemoryCollector) Snapshot() Snapshot {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	snapshot := Snapshot{
		Backends:       make(map[string]BackendMetrics, len(mc.backends)),
		Queues:         make(map[string]QueueMetrics, len(mc.queues)),
		Currencies:     make(map[string]CurrencyMetrics, len(mc.currencies)),
		PoolDials:      copyCounts(mc.poolDials),
		PoolOverflows:  copyCounts(mc.poolOverflows),
		PoolFailures:   copyCounts(mc.poolFailures),
		LedgerAppends:  mc.ledgerAppends,
		LedgerFailures: mc.ledgerFailures,
	}

	for name, bm := range mc.backends {
		c := *bm
		c.CallsByOp = copyCounts(bm.CallsByOp)
		c.Latencies = append([]time.Duration(nil), bm.Latencies...)
		snapshot.Backends[name] = c
	}
	for name, qm := range mc.queues {
		c := *qm
		c.JobsByKind = copyCounts(qm.JobsByKind)
		c.JobLatency = append([]time.Duration(nil), qm.JobLatency...)
		snapshot.Queues[name] = c
	}
	for name, cm := range mc.currencies {
		c := *cm
		c.DesyncsByStage = copyCounts(cm.DesyncsByStage)
		c.Replication = make(map[metrics.ReplicationOutcome]int64, len(cm.Replication))
		for k, v := range cm.Replication {
			c.Replication[k] = v
		}
		snapshot.Currencies[name] = c
	}

	return snapshot
}

// SnapshotAny returns Snapshot as an untyped value for generic consumers.
func (mc *MemoryCollector) SnapshotAny() interface{} {
	return mc.Snapshot()
}

// Reset clears all collected metrics.
func (mc *MemoryCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.reset()
}

// Currency returns a copy of the metrics for one currency, or nil.
func (mc *MemoryCollector) Currency(name string) *CurrencyMetrics {
	snapshot := mc.Snapshot()
	if cm, ok := snapshot.Currencies[name]; ok {
		return &cm
	}
	return nil
}

// Queue returns a copy of the metrics for one writer queue, or nil.
func (mc *MemoryCollector) Queue(name string) *QueueMetrics {
	snapshot := mc.Snapshot()
	if qm, ok := snapshot.Queues[name]; ok {
		return &qm
	}
	return nil
}

// Backend returns a copy of the metrics for one backend, or nil.
func (mc *MemoryCollector) Backend(name string) *BackendMetrics {
	snapshot := mc.Snapshot()
	if bm, ok := snapshot.Backends[name]; ok {
		return &bm
	}
	return nil
}

func copyCounts[K comparable](in map[K]int64) map[K]int64 {
	out := make(map[K]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
