package protocolmetrics

import (
	"strings"
	"testing"
	"time"
)

func TestHistogramBucketing(t *testing.T) {
	h := NewHistogramWithBuckets([]uint64{10, 100})
	h.Record(5 * time.Microsecond)
	h.Record(50 * time.Microsecond)
	h.Record(500 * time.Microsecond)
	snap := h.Snapshot()
	if snap.Counts[0] != 1 || snap.Counts[1] != 1 || snap.Counts[2] != 1 {
		t.Fatalf("unexpected bucket counts: %+v", snap.Counts)
	}
	if snap.Count != 3 {
		t.Fatalf("expected count 3, got %d", snap.Count)
	}
}

func TestHistogramMean(t *testing.T) {
	h := NewHistogram()
	h.Record(10 * time.Microsecond)
	h.Record(30 * time.Microsecond)
	snap := h.Snapshot()
	if snap.MeanMicros() != 20 {
		t.Fatalf("expected mean 20us, got %v", snap.MeanMicros())
	}
}

func TestHistogramEmptySnapshot(t *testing.T) {
	h := NewHistogram()
	snap := h.Snapshot()
	if snap.MeanMicros() != 0 {
		t.Fatalf("expected 0 mean on empty histogram")
	}
	if snap.PercentileMicros(99) != 0 {
		t.Fatalf("expected 0 percentile on empty histogram")
	}
}

func TestDurationRecorderDropsWithoutRecordCall(t *testing.T) {
	h := NewHistogram()
	NewDurationRecorder(h) // never call Record()
	snap := h.Snapshot()
	if snap.Count != 0 {
		t.Fatalf("expected sample to be dropped when Record() is never called, got count %d", snap.Count)
	}
}

func TestDurationRecorderRecordsOnce(t *testing.T) {
	h := NewHistogram()
	r := NewDurationRecorder(h)
	r.Record()
	snap := h.Snapshot()
	if snap.Count != 1 {
		t.Fatalf("expected 1 sample recorded, got %d", snap.Count)
	}
}

func TestMetricsCountersAndGauges(t *testing.T) {
	m := New()
	m.IncRequests()
	m.IncRequests()
	m.IncResponses()
	m.IncInFlight()
	m.IncInFlight()
	m.DecInFlight()
	m.SetHealthyConnections(3)
	m.SetBufferUtilization(150) // clamps to 100

	snap := m.Snapshot()
	if snap.RequestsTotal != 2 {
		t.Fatalf("expected 2 requests, got %d", snap.RequestsTotal)
	}
	if snap.ResponsesTotal != 1 {
		t.Fatalf("expected 1 response, got %d", snap.ResponsesTotal)
	}
	if snap.InFlightRequests != 1 {
		t.Fatalf("expected 1 in-flight, got %d", snap.InFlightRequests)
	}
	if snap.HealthyConnections != 3 {
		t.Fatalf("expected 3 healthy connections, got %d", snap.HealthyConnections)
	}
	if snap.BufferUtilizationPct != 100 {
		t.Fatalf("expected clamped buffer utilization of 100, got %d", snap.BufferUtilizationPct)
	}
}

func TestMetricsDecInFlightNeverUnderflows(t *testing.T) {
	m := New()
	m.DecInFlight()
	m.DecInFlight()
	if m.Snapshot().InFlightRequests != 0 {
		t.Fatalf("expected in-flight to stay at 0, got %d", m.Snapshot().InFlightRequests)
	}
}

func TestToPrometheusContainsExpectedMetricNames(t *testing.T) {
	m := New()
	m.IncRequests()
	m.RequestDuration.Record(250 * time.Microsecond)
	out := m.ToPrometheus("zentinel_agent")
	for _, want := range []string{
		"zentinel_agent_requests_total",
		"zentinel_agent_request_duration_seconds_bucket",
		"zentinel_agent_request_duration_seconds_sum",
		"zentinel_agent_request_duration_seconds_count",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected prometheus output to contain %q, got:\n%s", want, out)
		}
	}
}
