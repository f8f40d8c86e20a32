package prometheus

import (
	"testing"
	"time"

	"coinsync/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCollector_Register(t *testing.T) {
	pc := NewPrometheusCollector("test")
	registry := prometheus.NewRegistry()

	if err := pc.Register(registry); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// Registering twice must fail on duplicate collectors
	if err := pc.Register(registry); err == nil {
		t.Error("Expected duplicate registration to fail")
	}
}

func TestPrometheusCollector_Records(t *testing.T) {
	pc := NewPrometheusCollector("test")

	pc.RecordBackendCall("redis", "set_balance", true, time.Millisecond)
	pc.RecordBackendCall("redis", "set_balance", false, time.Millisecond)
	pc.RecordDesync("gold", "persist")
	pc.RecordReplication("gold", metrics.ReplicationEcho)
	pc.RecordCircuitState("redis", metrics.CircuitOpen)
	pc.RecordPoolDial("store", true, true)

	if got := testutil.ToFloat64(pc.backendCalls.WithLabelValues("redis", "set_balance")); got != 2 {
		t.Errorf("Expected 2 backend calls, got %v", got)
	}
	if got := testutil.ToFloat64(pc.backendErrors.WithLabelValues("redis", "set_balance")); got != 1 {
		t.Errorf("Expected 1 backend error, got %v", got)
	}
	if got := testutil.ToFloat64(pc.desyncs.WithLabelValues("gold", "persist")); got != 1 {
		t.Errorf("Expected 1 desync, got %v", got)
	}
	if got := testutil.ToFloat64(pc.replication.WithLabelValues("gold", "echo")); got != 1 {
		t.Errorf("Expected 1 echo, got %v", got)
	}
	if got := testutil.ToFloat64(pc.circuitState.WithLabelValues("redis")); got != float64(metrics.CircuitOpen) {
		t.Errorf("Expected open circuit gauge, got %v", got)
	}
	if got := testutil.ToFloat64(pc.poolDials.WithLabelValues("store", "overflow", "success")); got != 1 {
		t.Errorf("Expected 1 overflow dial, got %v", got)
	}
}
