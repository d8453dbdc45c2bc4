package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if submissionsTotal == nil || workerTransitionsTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	ObserveSubmission("capacity")
	ObserveSubmission("capacity")
	if val := testutil.ToFloat64(submissionsTotal.WithLabelValues("capacity")); val != 2 {
		t.Errorf("expected 2 capacity submissions, got %f", val)
	}

	SetQueueVisible(11)
	if val := testutil.ToFloat64(queueVisible); val != 11 {
		t.Errorf("expected queue gauge 11, got %f", val)
	}

	ObserveCaptureExit(8)
	if val := testutil.ToFloat64(captureExitCodesTotal.WithLabelValues("8")); val != 1 {
		t.Errorf("expected exit code 8 counted once, got %f", val)
	}

	ObserveTransition("SHUTDOWN")
	if val := testutil.ToFloat64(workerTransitionsTotal.WithLabelValues("SHUTDOWN")); val < 1 {
		t.Errorf("expected SHUTDOWN transition counted, got %f", val)
	}
}
