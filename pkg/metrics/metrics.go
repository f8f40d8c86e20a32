package metrics

import (
	"time"
)

// MetricsCollector defines the interface for collecting economy metrics.
// Implementations can export metrics to various backends (Prometheus, in-memory, etc.).
type MetricsCollector interface {
	// Backend calls
	RecordBackendCall(backend, operation string, success bool, duration time.Duration)

	// Circuit breaker
	RecordCircuitState(backend string, state CircuitState)

	// Connection pool
	RecordPoolDial(pool string, overflow bool, success bool)

	// Async writer
	RecordQueueDepth(queue string, depth int)
	RecordJobDropped(queue string)
	RecordJob(queue, kind string, success bool, attempts int, duration time.Duration)

	// Balance consistency
	RecordDesync(currency, stage string)
	RecordReplication(currency string, outcome ReplicationOutcome)

	// Ledger
	RecordLedgerAppend(success bool, duration time.Duration)
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed means the circuit breaker is allowing requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit breaker is blocking requests.
	CircuitOpen
	// CircuitHalfOpen means the circuit breaker is testing if the service has recovered.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ReplicationOutcome classifies an inbound replication message.
type ReplicationOutcome string

const (
	// ReplicationApplied means the update was written to the local cache.
	ReplicationApplied ReplicationOutcome = "applied"
	// ReplicationEcho means the update originated from this process and was discarded.
	ReplicationEcho ReplicationOutcome = "echo"
	// ReplicationMalformed means the payload violated the wire format and was dropped.
	ReplicationMalformed ReplicationOutcome = "malformed"
)

// NoOpCollector is a no-op implementation of MetricsCollector.
// It's used as the default collector when metrics are not needed.
type NoOpCollector struct{}

// RecordBackendCall does nothing.
func (NoOpCollector) RecordBackendCall(backend, operation string, success bool, duration time.Duration) {
}

// RecordCircuitState does nothing.
func (NoOpCollector) RecordCircuitState(backend string, state CircuitState) {}

// RecordPoolDial does nothing.
func (NoOpCollector) RecordPoolDial(pool string, overflow bool, success bool) {}

// RecordQueueDepth does nothing.
func (NoOpCollector) RecordQueueDepth(queue string, depth int) {}

// RecordJobDropped does nothing.
func (NoOpCollector) RecordJobDropped(queue string) {}

// RecordJob does nothing.
func (NoOpCollector) RecordJob(queue, kind string, success bool, attempts int, duration time.Duration) {
}

// RecordDesync does nothing.
func (NoOpCollector) RecordDesync(currency, stage string) {}

// RecordReplication does nothing.
func (NoOpCollector) RecordReplication(currency string, outcome ReplicationOutcome) {}

// RecordLedgerAppend does nothing.
func (NoOpCollector) RecordLedgerAppend(success bool, duration time.Duration) {}

// Multi fans every record out to each collector in order.
type Multi []MetricsCollector

func (m Multi) RecordBackendCall(backend, operation string, success bool, duration time.Duration) {
	for _, c := range m {
		c.RecordBackendCall(backend, operation, success, duration)
	}
}

func (m Multi) RecordCircuitState(backend string, state CircuitState) {
	for _, c := range m {
		c.RecordCircuitState(backend, state)
	}
}

func (m Multi) RecordPoolDial(pool string, overflow bool, success bool) {
	for _, c := range m {
		c.RecordPoolDial(pool, overflow, success)
	}
}

func (m Multi) RecordQueueDepth(queue string, depth int) {
	for _, c := range m {
		c.RecordQueueDepth(queue, depth)
	}
}

func (m Multi) RecordJobDropped(queue string) {
	for _, c := range m {
		c.RecordJobDropped(queue)
	}
}

func (m Multi) RecordJob(queue, kind string, success bool, attempts int, duration time.Duration) {
	for _, c := range m {
		c.RecordJob(queue, kind, success, attempts, duration)
	}
}

func (m Multi) RecordDesync(currency, stage string) {
	for _, c := range m {
		c.RecordDesync(currency, stage)
	}
}

func (m Multi) RecordReplication(currency string, outcome ReplicationOutcome) {
	for _, c := range m {
		c.RecordReplication(currency, outcome)
	}
}

func (m Multi) RecordLedgerAppend(success bool, duration time.Duration) {
	for _, c := range m {
		c.RecordLedgerAppend(success, duration)
	}
}
