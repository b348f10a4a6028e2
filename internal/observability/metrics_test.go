package observability

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/antoniostano/avatarcall/internal/realtime"
)

func counterValue(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if out.Counter != nil {
		return out.Counter.GetValue()
	}
	return out.Gauge.GetValue()
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObserveAPIRequest("create session", http.StatusOK, time.Millisecond)
	m.ObserveNegotiation("api_key", nil, time.Second)
	m.ObserveTransition("active")
	m.CallStarted()
	m.CallFinished()
	m.ObserveCacheLookup("hit")
	m.ObserveIssuedSession("connect", nil)
	m.ObserveStage(StageConnect, time.Second)
	m.ObserveIndicator("timeout")
	if snap := m.StageSnapshot(); len(snap.Stages) != 0 {
		t.Fatalf("nil metrics snapshot should be empty: %+v", snap)
	}
}

func TestMetricsRecordNegotiations(t *testing.T) {
	m := NewMetrics("avatarcall_metrics_test_negotiations")
	m.ObserveNegotiation("connect_url", nil, 2*time.Second)
	m.ObserveNegotiation("connect_url", errors.New("boom"), time.Second)
	m.ObserveAPIRequest("create session", http.StatusCreated, 120*time.Millisecond)
	m.ObserveAPIRequest("get session status", 0, 10*time.Millisecond)

	if got := counterValue(t, m.Negotiations.WithLabelValues("connect_url", "ok")); got != 1 {
		t.Fatalf("ok negotiations = %v, want 1", got)
	}
	if got := counterValue(t, m.Negotiations.WithLabelValues("connect_url", "error")); got != 1 {
		t.Fatalf("error negotiations = %v, want 1", got)
	}
	if got := counterValue(t, m.APIRequests.WithLabelValues("get session status", "error")); got != 1 {
		t.Fatalf("failed status requests = %v, want 1", got)
	}

	snap := m.StageSnapshot()
	stages := map[string]bool{}
	for _, s := range snap.Stages {
		stages[s.Stage] = true
	}
	for _, want := range []string{StageCreate, StagePoll, StageNegotiate} {
		if !stages[want] {
			t.Fatalf("stage %q missing from snapshot %+v", want, snap.Stages)
		}
	}
}

func TestActiveCallsGauge(t *testing.T) {
	m := NewMetrics("avatarcall_metrics_test_active")
	m.CallStarted()
	m.CallStarted()
	m.CallFinished()
	if got := counterValue(t, m.ActiveCalls); got != 1 {
		t.Fatalf("active calls = %v, want 1", got)
	}
}

func TestNegotiationFailuresCountIndicators(t *testing.T) {
	m := NewMetrics("avatarcall_metrics_test_indicators")
	m.ObserveNegotiation("api_key", &realtime.TimeoutError{SessionID: "s1", Timeout: time.Second}, time.Second)
	m.ObserveNegotiation("api_key", fmt.Errorf("wrapped: %w", &realtime.TimeoutError{SessionID: "s2"}), time.Second)
	m.ObserveNegotiation("api_key", &realtime.SessionTerminatedError{SessionID: "s3", Status: realtime.StatusFailed}, time.Second)
	m.ObserveNegotiation("api_key", &realtime.APIError{Op: "create session", Status: http.StatusUnauthorized}, time.Second)
	m.ObserveNegotiation("api_key", errors.New("boom"), time.Second)
	m.ObserveNegotiation("api_key", nil, time.Second)

	got := map[string]int{}
	for _, ind := range m.StageSnapshot().Indicators {
		got[ind.Name] = ind.Count
	}
	want := map[string]int{"negotiation_timeout": 2, "session_terminated": 1, "auth_rejected": 1}
	if len(got) != len(want) {
		t.Fatalf("indicators = %v, want %v", got, want)
	}
	for name, n := range want {
		if got[name] != n {
			t.Fatalf("indicator %q = %d, want %d", name, got[name], n)
		}
	}
}
