package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Reset collectors for testing purposes.
	signalsReceivedTotal = nil
	httpRequestsTotal = nil
	httpRequestDurationSeconds = nil

	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if signalsReceivedTotal == nil || httpRequestsTotal == nil ||
		httpRequestDurationSeconds == nil || criticalOperationsActive == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	// A simple check to see if a metric can be used.
	ObserveSignal("SIGTERM")
	if val := testutil.ToFloat64(signalsReceivedTotal.WithLabelValues("SIGTERM")); val != 1 {
		t.Errorf("Expected signalsReceivedTotal to be 1, got %f", val)
	}

	SetCriticalOperations(3)
	if val := testutil.ToFloat64(criticalOperationsActive); val != 3 {
		t.Errorf("Expected criticalOperationsActive to be 3, got %f", val)
	}
}
